// cmd/order-service/main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fulfillment/internal/lock"
	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/config"
	"fulfillment/internal/pkg/database"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/pkg/idgen"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/nacos"
	"fulfillment/internal/pkg/redis"
	"fulfillment/internal/pkg/tracing"
	invapp "fulfillment/internal/service/inventory/application"
	invdomain "fulfillment/internal/service/inventory/domain"
	invinfra "fulfillment/internal/service/inventory/infrastructure"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/application/validator"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/infrastructure/adapter"
	"fulfillment/internal/service/order/interfaces"
	txdomain "fulfillment/internal/service/txlog/domain"
	txinfra "fulfillment/internal/service/txlog/infrastructure"
)

const consumerMaxAttempts = 3

// main 函数是应用的"组装根" (Composition Root)
// 它的核心职责是：创建并组装所有依赖项，然后启动应用。
func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.Log.Service = cfg.App.Name
	logger.Init(cfg.Log)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("order-service exited with error")
	}
}

type repositories struct {
	orders domain.OrderRepository
	txlog  txdomain.Store
	stock  invdomain.Repository
}

func run(cfg *config.Config) error {
	ctx, stop := bootstrap.SignalContext(context.Background())
	defer stop()

	// 1. 远程配置
	var nacosClient *nacos.ConfigClient
	if cfg.Nacos.Enabled {
		var err error
		nacosClient, err = nacos.NewConfigClient(cfg.Nacos.Addrs, cfg.Nacos.Namespace, cfg.Nacos.Group)
		if err != nil {
			return err
		}
		if content, err := nacosClient.Get(cfg.Nacos.DataID); err != nil {
			log.Warn().Err(err).Str("data_id", cfg.Nacos.DataID).Msg("remote config unavailable, using local config")
		} else if content != "" {
			merged, err := config.Merge(cfg, content)
			if err != nil {
				return err
			}
			config.Store(merged)
			cfg = merged
		}
	}

	// 2. 核心技术组件
	tp, err := tracing.InitTracerProvider(cfg.App.Name, cfg.Jaeger.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	tracer := tracing.Tracer(cfg.App.Name)

	app := bootstrap.New(bootstrap.AppInfo{ServiceName: cfg.App.Name, Port: cfg.App.HTTPPort})
	app.OnShutdown("tracer", tp.Shutdown)
	if nacosClient != nil {
		app.OnShutdown("nacos", func(context.Context) error {
			nacosClient.Close()
			return nil
		})
	}

	repos, err := newRepositories(cfg, app)
	if err != nil {
		return err
	}
	locker, err := newLocker(ctx, cfg, app)
	if err != nil {
		return err
	}
	lockOpts := lock.Options{TTL: cfg.Lock.TTL, Wait: cfg.Lock.WaitTimeout}

	// 3. 出站适配器
	httpClient := httpclient.NewClient(tracer, httpclient.BreakerSettings{
		MaxRequests: cfg.Downstream.BreakerMaxRequests,
		Interval:    cfg.Downstream.BreakerInterval,
		Timeout:     cfg.Downstream.BreakerTimeout,
	})
	httpClient.Timeout = cfg.Downstream.Timeout
	users := adapter.NewUserHTTPAdapter(httpClient, cfg.Downstream.UserServiceURL)
	goods := adapter.NewGoodsHTTPAdapter(httpClient, cfg.Downstream.GoodsServiceURL, cfg.Downstream.GoodsBookServiceURL)
	payment := adapter.NewPaymentHTTPAdapter(httpClient, cfg.Downstream.PaymentServiceURL)

	chains, err := validator.NewChains(&validator.Factory{Users: users, Goods: goods, Books: goods, Tracer: tracer}, cfg.Validator)
	if err != nil {
		return err
	}
	ids, err := idgen.New(cfg.IDGen.MachineID, cfg.IDGen.StartDate)
	if err != nil {
		return err
	}

	ledger := invapp.NewLedger(repos.stock, locker, lockOpts, tracer)
	deps := application.Deps{
		Orders:       repos.orders,
		TxLog:        repos.txlog,
		Ledger:       ledger,
		Validators:   chains,
		StateMachine: domain.NewStateMachine(),
		Locker:       locker,
		IDGen:        ids,
		Goods:        goods,
		Payment:      payment,
		Tracer:       tracer,
	}
	if cfg.Kafka.Enabled {
		scheduler := adapter.NewSchedulerKafkaAdapter(cfg.Kafka.Brokers, cfg.Kafka.DelayTopic, cfg.Kafka.OrderTimeoutTopic, cfg.Settlement.PaymentTimeout)
		producer := infrastructure.NewOrderEventProducer(mq.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.OrderEventTopic))
		app.OnShutdown("delay-writer", func(context.Context) error { return scheduler.Close() })
		app.OnShutdown("event-writer", func(context.Context) error { return producer.Close() })
		deps.Scheduler, deps.Events = scheduler, producer
	}

	svc := application.NewOrderApplicationService(deps, application.Options{
		BusinessScene:  cfg.TCC.BusinessScene,
		BusinessModule: cfg.TCC.BusinessModule,
		Lock:           lockOpts,
		PaymentTimeout: cfg.Settlement.PaymentTimeout,
	})
	scanner := application.NewRecoveryScanner(svc, recoveryOptions(cfg))

	// 4. 配置热更新：校验链和恢复扫描参数
	if nacosClient != nil {
		err := nacosClient.Listen(cfg.Nacos.DataID, func(content string) {
			merged, err := config.Merge(config.Current(), content)
			if err != nil {
				log.Error().Err(err).Msg("ignore invalid remote config")
				return
			}
			if err := chains.Reload(merged.Validator); err != nil {
				log.Error().Err(err).Msg("ignore invalid validator config")
				return
			}
			scanner.Reconfigure(recoveryOptions(merged))
			config.Store(merged)
			log.Info().Msg("remote config reloaded")
		})
		if err != nil {
			return err
		}
	}

	// 5. 入站适配器
	handler := interfaces.NewOrderHandler(svc, ledger, tracer)
	app.Register(handler.RegisterRoutes)

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Kafka.Enabled {
		startConsumers(ctx, cfg, svc, app)
	}
	g.Go(func() error { return scanner.Run(ctx) })
	g.Go(func() error { return app.Serve(ctx) })

	log.Info().Str("service", cfg.App.Name).Str("storage", cfg.Storage.Driver).Str("lock", cfg.Lock.Backend).
		Str("settlement", cfg.Settlement.Mode).Msg("✅ Order service started.")
	return g.Wait()
}

func recoveryOptions(cfg *config.Config) application.RecoveryOptions {
	return application.RecoveryOptions{
		Interval:    cfg.TCC.RecoveryInterval,
		Grace:       cfg.TCC.RecoveryGrace,
		OrderExpiry: cfg.TCC.OrderExpiry,
		Batch:       cfg.TCC.RecoveryBatch,
	}
}

func newRepositories(cfg *config.Config, app *bootstrap.App) (*repositories, error) {
	if cfg.Storage.Driver == "memory" {
		log.Warn().Msg("using in-memory storage, data will be lost on restart")
		return &repositories{
			orders: infrastructure.NewMemoryRepository(),
			txlog:  txinfra.NewMemoryStore(),
			stock:  invinfra.NewMemoryRepository(),
		}, nil
	}

	db, err := database.NewMySQL(cfg.MySQL)
	if err != nil {
		return nil, err
	}
	app.OnShutdown("mysql", func(context.Context) error {
		sqlDB, err := db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})

	orders := infrastructure.NewMysqlRepository(db)
	txlog := txinfra.NewGormStore(db)
	stock := invinfra.NewGormRepository(db)
	if cfg.MySQL.AutoMigrate {
		for _, m := range []interface{ AutoMigrate() error }{orders, txlog, stock} {
			if err := m.AutoMigrate(); err != nil {
				return nil, fmt.Errorf("auto migrate: %w", err)
			}
		}
	}
	return &repositories{orders: orders, txlog: txlog, stock: stock}, nil
}

func newLocker(ctx context.Context, cfg *config.Config, app *bootstrap.App) (lock.Locker, error) {
	if cfg.Lock.Backend == "zookeeper" {
		conn, err := lock.ConnectZookeeper(cfg.Zookeeper.Servers, cfg.Zookeeper.SessionTimeout)
		if err != nil {
			return nil, err
		}
		app.OnShutdown("zookeeper", func(context.Context) error {
			conn.Close()
			return nil
		})
		return lock.NewZookeeperLocker(conn)
	}

	client, err := redis.NewClient(ctx, redis.Options{Addrs: cfg.Redis.Addrs, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	if err != nil {
		return nil, err
	}
	app.OnShutdown("redis", func(context.Context) error { return client.Close() })
	return lock.NewRedisLocker(client, cfg.App.Name+":")
}

// startConsumers 启动支付超时、支付结果以及它们的死信消费者
func startConsumers(ctx context.Context, cfg *config.Config, svc *application.OrderApplicationService, app *bootstrap.App) {
	opts := infrastructure.ConsumerOptions{MaxAttempts: consumerMaxAttempts, Backoff: cfg.Lock.WaitTimeout}
	topics := map[string]infrastructure.MessageHandler{
		cfg.Kafka.OrderTimeoutTopic: interfaces.NewOrderTimeoutHandler(svc).Handle,
	}
	// 同步结算模式下支付结果由 HTTP 回调驱动
	if cfg.Settlement.Mode == "async" {
		topics[cfg.Kafka.PaymentResultTopic] = interfaces.NewPaymentResultHandler(svc).Handle
	}

	for topic, handle := range topics {
		consumer := infrastructure.NewKafkaConsumerAdapter(cfg.Kafka.Brokers, topic, cfg.Kafka.GroupID, handle, opts)
		dlt := infrastructure.NewConsumerAdapter(
			mq.NewKafkaReader(cfg.Kafka.Brokers, mq.DLTTopic(topic), cfg.Kafka.GroupID+"-dlt"),
			nil, interfaces.HandleDeadLetter, infrastructure.ConsumerOptions{},
		)
		consumer.Start(ctx)
		dlt.Start(ctx)
		app.OnShutdown("consumer:"+topic, func(context.Context) error { return consumer.Stop() })
		app.OnShutdown("dlt:"+topic, func(context.Context) error { return dlt.Stop() })
	}
}
