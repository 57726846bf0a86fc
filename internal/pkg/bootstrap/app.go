// internal/pkg/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

const shutdownTimeout = 10 * time.Second

// AppInfo 包含了启动一个服务所需的特定信息。
type AppInfo struct {
	ServiceName      string
	Port             int
	RegisterHandlers func(mux *http.ServeMux) // 一个函数，允许每个服务注册自己独特的 HTTP 路由
}

// App 管理 HTTP 服务和关停钩子
type App struct {
	info   AppInfo
	mux    *http.ServeMux
	server *http.Server

	mu    sync.Mutex
	hooks []hook
}

type hook struct {
	name string
	fn   func(ctx context.Context) error
}

func New(info AppInfo) *App {
	mux := http.NewServeMux()
	if info.RegisterHandlers != nil {
		info.RegisterHandlers(mux)
	}
	return &App{
		info:   info,
		mux:    mux,
		server: &http.Server{Addr: ":" + strconv.Itoa(info.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second},
	}
}

// Register 在 Serve 之前追加路由
func (a *App) Register(register func(mux *http.ServeMux)) {
	register(a.mux)
}

// OnShutdown 注册关停时执行的清理操作，按注册的逆序执行
func (a *App) OnShutdown(name string, fn func(ctx context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, hook{name: name, fn: fn})
}

// Handler 返回已注册路由的 handler，测试中使用
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Serve 启动 HTTP 服务，ctx 取消后优雅关停
func (a *App) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("service", a.info.ServiceName).Int("port", a.info.Port).Msg("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Str("service", a.info.ServiceName).Msg("Shutting down service...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error shutting down http server")
	} else {
		log.Info().Msg("HTTP server shut down.")
	}
	a.runHooks(shutdownCtx)
	log.Info().Str("service", a.info.ServiceName).Msg("Service gracefully shut down.")
	return nil
}

func (a *App) runHooks(ctx context.Context) {
	a.mu.Lock()
	hooks := append([]hook(nil), a.hooks...)
	a.mu.Unlock()

	for i := len(hooks) - 1; i >= 0; i-- {
		if err := hooks[i].fn(ctx); err != nil {
			log.Error().Err(err).Str("hook", hooks[i].name).Msg("shutdown hook failed")
			continue
		}
		log.Info().Str("hook", hooks[i].name).Msg("shutdown hook done")
	}
}

// SignalContext 在收到 SIGINT/SIGTERM 时取消
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
