package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"price_feed/internal/modules/config"
	"price_feed/internal/modules/health"
	"price_feed/internal/modules/notify"
	"price_feed/internal/modules/price_feed"
	"price_feed/pkg/logger"
	"price_feed/pkg/tracing"
)

func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	tracing.SetServiceName(cfg.Service.Name)
	return logger.New(cfg.Log.Level, cfg.Service.Name)
}

func InitTracing(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) error {
	_, closer, err := tracing.InitTracer(tracing.Config{
		Enabled: cfg.Tracing.Enabled,
		Host:    cfg.Tracing.Host,
		Port:    cfg.Tracing.Port,
	})
	if err != nil {
		return err
	}
	log.Info("tracing initialised", zap.Bool("enabled", cfg.Tracing.Enabled))

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			closer()
			return nil
		},
	})
	return nil
}

func main() {
	app := fx.New(
		config.Module(),
		fx.Provide(NewLogger),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Invoke(InitTracing),
		notify.Module(),
		health.Module(),
		price_feed.Module(),
	)
	app.Run()
}
