// internal/pkg/config/config.go
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-sql-driver/mysql"
	"gopkg.in/yaml.v3"

	"fulfillment/internal/pkg/logger"
)

// Config 是订单履约服务的全部配置
type Config struct {
	App        AppConfig         `yaml:"app"`
	Log        logger.Config     `yaml:"log"`
	Storage    StorageConfig     `yaml:"storage"`
	MySQL      MySQLConfig       `yaml:"mysql"`
	Redis      RedisConfig       `yaml:"redis"`
	Zookeeper  ZookeeperConfig   `yaml:"zookeeper"`
	Lock       LockConfig        `yaml:"lock"`
	Kafka      KafkaConfig       `yaml:"kafka"`
	Jaeger     JaegerConfig      `yaml:"jaeger"`
	Nacos      NacosConfig       `yaml:"nacos"`
	TCC        TCCConfig         `yaml:"tcc"`
	Settlement SettlementConfig  `yaml:"settlement"`
	Downstream DownstreamConfig  `yaml:"downstream"`
	Validator  ValidatorConfig   `yaml:"validator"`
	IDGen      IDGenConfig       `yaml:"idgen"`
	Delay      map[string]string `yaml:"delay_levels"` // delay topic -> duration, 供 delay-scheduler 使用
}

type AppConfig struct {
	Name     string `yaml:"name"`
	Env      string `yaml:"env"`
	HTTPPort int    `yaml:"http_port"`
}

type StorageConfig struct {
	Driver string `yaml:"driver"` // mysql | memory
}

type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Addrs    []string `yaml:"addrs"`
	Password string   `yaml:"password"`
	DB       int      `yaml:"db"`
}

type ZookeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"session_timeout"`
}

type LockConfig struct {
	Backend     string        `yaml:"backend"` // redis | zookeeper
	TTL         time.Duration `yaml:"ttl"`
	WaitTimeout time.Duration `yaml:"wait_timeout"`
}

type KafkaConfig struct {
	Enabled            bool     `yaml:"enabled"`
	Brokers            []string `yaml:"brokers"`
	GroupID            string   `yaml:"group_id"`
	DelayTopic         string   `yaml:"delay_topic"`
	OrderTimeoutTopic  string   `yaml:"order_timeout_topic"`
	PaymentResultTopic string   `yaml:"payment_result_topic"`
	OrderEventTopic    string   `yaml:"order_event_topic"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type NacosConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
	DataID    string `yaml:"data_id"`
}

// TCCConfig 控制事务日志与恢复扫描器
type TCCConfig struct {
	BusinessScene    string        `yaml:"business_scene"`
	BusinessModule   string        `yaml:"business_module"`
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
	RecoveryGrace    time.Duration `yaml:"recovery_grace"`
	RecoveryBatch    int           `yaml:"recovery_batch"`
	OrderExpiry      time.Duration `yaml:"order_expiry"`
}

type SettlementConfig struct {
	Mode           string        `yaml:"mode"` // sync | async
	PaymentTimeout time.Duration `yaml:"payment_timeout"`
}

type DownstreamConfig struct {
	UserServiceURL      string        `yaml:"user_service_url"`
	GoodsServiceURL     string        `yaml:"goods_service_url"`
	GoodsBookServiceURL string        `yaml:"goods_book_service_url"`
	PaymentServiceURL   string        `yaml:"payment_service_url"`
	Timeout             time.Duration `yaml:"timeout"`
	BreakerMaxRequests  uint32        `yaml:"breaker_max_requests"`
	BreakerInterval     time.Duration `yaml:"breaker_interval"`
	BreakerTimeout      time.Duration `yaml:"breaker_timeout"`
}

// ValidatorConfig 按商品类型配置校验链
// Chains 中的每一项是校验器名称列表，Rules 是附加的 CEL 规则表达式
type ValidatorConfig struct {
	Chains map[string][]string `yaml:"chains"`
	Rules  map[string]string   `yaml:"rules"`
}

type IDGenConfig struct {
	MachineID uint16 `yaml:"machine_id"`
	StartDate string `yaml:"start_date"`
}

var current atomic.Pointer[Config]

// Current 返回当前生效的配置快照
func Current() *Config {
	if c := current.Load(); c != nil {
		return c
	}
	return Default()
}

// Store 原子替换当前配置（Nacos 热更新时使用）
func Store(c *Config) {
	current.Store(c)
}

// Default 返回本地开发可直接运行的默认配置
func Default() *Config {
	return &Config{
		App:     AppConfig{Name: "order-service", Env: "dev", HTTPPort: 8081},
		Log:     logger.Config{Level: "info"},
		Storage: StorageConfig{Driver: "mysql"},
		MySQL: MySQLConfig{
			Host: "localhost", Port: 3306, User: "root", Database: "fulfillment",
			MaxOpenConns: 50, MaxIdleConns: 10, ConnMaxLifetime: time.Hour,
		},
		Redis:     RedisConfig{Addrs: []string{"localhost:6379"}},
		Zookeeper: ZookeeperConfig{Servers: []string{"localhost:2181"}, SessionTimeout: 10 * time.Second},
		Lock:      LockConfig{Backend: "redis", TTL: 10 * time.Second, WaitTimeout: 3 * time.Second},
		Kafka: KafkaConfig{
			Enabled:            true,
			Brokers:            []string{"localhost:9092"},
			GroupID:            "order-service-group",
			DelayTopic:         "delay_topic_1m",
			OrderTimeoutTopic:  "order-timeout-check-topic",
			PaymentResultTopic: "payment-result-topic",
			OrderEventTopic:    "order-event-topic",
		},
		Jaeger: JaegerConfig{Endpoint: "http://localhost:14268/api/traces"},
		Nacos:  NacosConfig{Addrs: "localhost:8848", Group: "DEFAULT_GROUP", DataID: "order-service.yaml"},
		TCC: TCCConfig{
			BusinessScene:    "ORDER",
			BusinessModule:   "INVENTORY",
			RecoveryInterval: 10 * time.Second,
			RecoveryGrace:    30 * time.Second,
			RecoveryBatch:    100,
			OrderExpiry:      15 * time.Minute,
		},
		Settlement: SettlementConfig{Mode: "sync", PaymentTimeout: 15 * time.Minute},
		Downstream: DownstreamConfig{
			UserServiceURL:      "http://localhost:8090",
			GoodsServiceURL:     "http://localhost:8091",
			GoodsBookServiceURL: "http://localhost:8091",
			PaymentServiceURL:   "http://localhost:8092",
			Timeout:             2 * time.Second,
			BreakerMaxRequests:  5,
			BreakerInterval:     time.Minute,
			BreakerTimeout:      30 * time.Second,
		},
		Validator: ValidatorConfig{
			Chains: map[string][]string{
				"COLLECTION": {"user", "goods", "goods_book"},
				"BLIND_BOX":  {"user", "goods", "goods_book", "bind_match", "rule"},
			},
			Rules: map[string]string{
				"BLIND_BOX": "itemCount <= 5",
			},
		},
		IDGen: IDGenConfig{MachineID: 1, StartDate: "2024-01-01"},
		Delay: map[string]string{
			"delay_topic_5s":  "5s",
			"delay_topic_1m":  "1m",
			"delay_topic_10m": "10m",
		},
	}
}

// Load 读取 YAML 文件（可为空），再用环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	Store(cfg)
	return cfg, nil
}

// Merge 把远程（Nacos）下发的 YAML 叠加到一份配置拷贝上
func Merge(base *Config, content string) (*Config, error) {
	merged := *base
	// map 字段需要单独拷贝，避免远程配置污染 base
	merged.Validator.Chains = make(map[string][]string, len(base.Validator.Chains))
	for k, v := range base.Validator.Chains {
		merged.Validator.Chains[k] = append([]string(nil), v...)
	}
	merged.Validator.Rules = make(map[string]string, len(base.Validator.Rules))
	for k, v := range base.Validator.Rules {
		merged.Validator.Rules[k] = v
	}
	merged.Delay = make(map[string]string, len(base.Delay))
	for k, v := range base.Delay {
		merged.Delay[k] = v
	}
	if err := yaml.Unmarshal([]byte(content), &merged); err != nil {
		return nil, fmt.Errorf("parse remote config: %w", err)
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return &merged, nil
}

// Validate 校验关键配置项
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "mysql", "memory":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	switch c.Lock.Backend {
	case "redis", "zookeeper":
	default:
		return fmt.Errorf("unsupported lock backend %q", c.Lock.Backend)
	}
	switch c.Settlement.Mode {
	case "sync", "async":
	default:
		return fmt.Errorf("unsupported settlement mode %q", c.Settlement.Mode)
	}
	if c.Lock.TTL <= 0 || c.Lock.WaitTimeout <= 0 {
		return fmt.Errorf("lock ttl and wait_timeout must be positive")
	}
	if c.TCC.RecoveryInterval <= 0 || c.TCC.RecoveryBatch <= 0 {
		return fmt.Errorf("tcc recovery_interval and recovery_batch must be positive")
	}
	if c.Storage.Driver == "mysql" {
		if _, err := mysql.ParseDSN(c.MySQL.FormatDSN()); err != nil {
			return fmt.Errorf("invalid mysql dsn: %w", err)
		}
	}
	return nil
}

// FormatDSN 优先使用显式 DSN，否则由分项拼装
func (m MySQLConfig) FormatDSN() string {
	if m.DSN != "" {
		return m.DSN
	}
	mc := mysql.NewConfig()
	mc.User = m.User
	mc.Passwd = m.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", m.Host, m.Port)
	mc.DBName = m.Database
	mc.ParseTime = true
	mc.Loc = time.Local
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

func applyEnv(cfg *Config) {
	cfg.MySQL.DSN = getEnv("MYSQL_DSN", cfg.MySQL.DSN)
	cfg.Storage.Driver = getEnv("STORAGE_DRIVER", cfg.Storage.Driver)
	cfg.Lock.Backend = getEnv("LOCK_BACKEND", cfg.Lock.Backend)
	cfg.Jaeger.Endpoint = getEnv("JAEGER_ENDPOINT", cfg.Jaeger.Endpoint)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Settlement.Mode = getEnv("SETTLEMENT_MODE", cfg.Settlement.Mode)
	if v := getEnv("REDIS_ADDRS", ""); v != "" {
		cfg.Redis.Addrs = strings.Split(v, ",")
	}
	if v := getEnv("KAFKA_ENABLED", ""); v != "" {
		cfg.Kafka.Enabled, _ = strconv.ParseBool(v)
	}
	if v := getEnv("KAFKA_BROKERS", ""); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getEnv("ZK_SERVERS", ""); v != "" {
		cfg.Zookeeper.Servers = strings.Split(v, ",")
	}
	if v := getEnv("HTTP_PORT", ""); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.App.HTTPPort = port
		}
	}
	if v := getEnv("NACOS_SERVER_ADDRS", ""); v != "" {
		cfg.Nacos.Enabled = true
		cfg.Nacos.Addrs = v
	}
	cfg.Nacos.Namespace = getEnv("NACOS_NAMESPACE", cfg.Nacos.Namespace)
	cfg.Nacos.Group = getEnv("NACOS_GROUP", cfg.Nacos.Group)
}

// getEnv 从环境变量中读取配置
func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
