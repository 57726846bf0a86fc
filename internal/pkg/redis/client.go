// internal/pkg/redis/client.go
package redis

import (
	"context"
	"fmt"
	"sync"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Client 封装 go-redis 的 UniversalClient，并管理命名的 Lua 脚本
type Client struct {
	client goredis.UniversalClient

	mu      sync.RWMutex
	scripts map[string]*goredis.Script
}

// Options Redis 连接参数
type Options struct {
	Addrs    []string
	Password string
	DB       int
}

// NewClient 创建客户端并 PING 一次确认连通性。
// 多个地址时 go-redis 会自动使用集群模式。
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	uc := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    opts.Addrs,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := uc.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis %v: %w", opts.Addrs, err)
	}
	log.Info().Strs("addrs", opts.Addrs).Msg("✅ Successfully connected to Redis.")
	return Wrap(uc), nil
}

// Wrap 包装已有的 go-redis 客户端（测试中配合 miniredis 使用）
func Wrap(uc goredis.UniversalClient) *Client {
	return &Client{client: uc, scripts: make(map[string]*goredis.Script)}
}

// LoadScriptFromContent 注册一个命名脚本，重复注册会覆盖
func (c *Client) LoadScriptFromContent(name, content string) error {
	if content == "" {
		return fmt.Errorf("script %s is empty", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[name] = goredis.NewScript(content)
	return nil
}

// RunScript 以 EVALSHA 执行命名脚本，NOSCRIPT 时自动回退到 EVAL
func (c *Client) RunScript(ctx context.Context, name string, keys []string, args ...interface{}) (interface{}, error) {
	c.mu.RLock()
	script, ok := c.scripts[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %s not loaded", name)
	}
	return script.Run(ctx, c.client, keys, args...).Result()
}

// GetClient 返回底层客户端
func (c *Client) GetClient() goredis.UniversalClient {
	return c.client
}

func (c *Client) Close() error {
	return c.client.Close()
}
