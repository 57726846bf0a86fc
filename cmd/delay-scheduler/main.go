// cmd/delay-scheduler/main.go
package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/config"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/tracing"
)

const (
	serviceName  = "delay-scheduler"
	pollInterval = time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to the yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	cfg.Log.Service = serviceName
	logger.Init(cfg.Log)

	tp, err := tracing.InitTracerProvider(serviceName, cfg.Jaeger.Endpoint)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize tracer provider")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(ctx)
	}()
	tracer := tracing.Tracer(serviceName)

	ctx, stop := bootstrap.SignalContext(context.Background())
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	// 每个延迟级别一个独立的调度器
	for level, raw := range cfg.Delay {
		delay, err := time.ParseDuration(raw)
		if err != nil {
			log.Fatal().Err(err).Str("level", level).Msg("invalid delay duration")
		}
		reader := mq.NewKafkaReader(cfg.Kafka.Brokers, level, serviceName+"-group-"+level)
		scheduler := NewScheduler(level, delay, reader, func(topic string) messageWriter {
			return mq.NewKafkaWriter(cfg.Kafka.Brokers, topic)
		}, tracer)
		g.Go(func() error { return scheduler.Run(ctx, pollInterval) })
	}

	log.Info().Int("levels", len(cfg.Delay)).Msg("All polling schedulers are running.")
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("delay scheduler exited with error")
	}
}
