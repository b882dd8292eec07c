package price_feed

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"price_feed/internal/candles"
	"price_feed/internal/catalog"
	"price_feed/internal/modules/config"
	"price_feed/internal/modules/health"
	healthsvc "price_feed/internal/modules/health/service"
	"price_feed/internal/modules/price_feed/service"
)

func NewCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	return catalog.New(cfg.Catalog.Pairs, cfg.Catalog.Reversed)
}

func NewDialer(cfg *config.Config, log *zap.Logger) service.Dialer {
	ws := service.DefaultWSConfig()
	ws.WriteTimeout = cfg.Feed.WriteTimeout
	ws.PingInterval = cfg.Feed.PingInterval
	return service.NewWSDialer(ws, log.Named("ws"))
}

func NewManager(
	cfg *config.Config,
	pairs service.PairResolver,
	dialer service.Dialer,
	log *zap.Logger,
	notifier service.ServiceNotifier,
	state *healthsvc.State,
) *service.Manager {
	return service.NewManager(service.ManagerConfig{
		Endpoint:       cfg.Feed.Endpoint,
		ReconnectDelay: cfg.Feed.ReconnectDelay,
		HistoryDays:    cfg.Feed.HistoryDays,
		BufferSize:     cfg.Feed.BufferSize,
	}, pairs, dialer, log, notifier, state)
}

func NewCoordinator(
	m *service.Manager,
	store *candles.Store,
	pairs service.PairResolver,
	log *zap.Logger,
	state *healthsvc.State,
) *service.Coordinator {
	return service.NewCoordinator(m, store, pairs, log, state)
}

// Start runs the coordinator loop for the lifetime of the app and, when
// configured, subscribes every catalog symbol.
func Start(lc fx.Lifecycle, cfg *config.Config, cat *catalog.Catalog, c *service.Coordinator, state *healthsvc.State, log *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go c.Run(runCtx)

			if cfg.Feed.SubscribeAll {
				symbols := cat.Symbols()
				h, err := c.SubscribeMany(symbols, service.Options{IncludeHistory: cfg.Feed.IncludeHistory})
				if err != nil {
					cancel()
					return err
				}
				log.Info("subscribed catalog",
					zap.Int("symbols", len(symbols)),
					zap.Bool("history", cfg.Feed.IncludeHistory),
					zap.Stringer("attempt", h.ID),
				)
			}
			state.SetReady(true)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			state.SetReady(false)
			err := c.CloseConnection()
			cancel()
			return err
		},
	})
}

// Module поднимает фид цен: каталог, хранилище свечей, соединение и координатор.
func Module() fx.Option {
	return fx.Module("price_feed",
		fx.Provide(
			NewCatalog,
			func(c *catalog.Catalog) service.PairResolver { return c },
			func(c *catalog.Catalog) candles.ReversalLookup { return c },
			candles.NewStore,
			NewDialer,
			NewManager,
			NewCoordinator,
			func(c *service.Coordinator) health.FeedView { return c },
		),
		fx.Invoke(Start),
	)
}
