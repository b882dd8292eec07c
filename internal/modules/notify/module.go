package notify

import (
	"context"

	"go.uber.org/fx"

	"price_feed/internal/modules/notify/service"
	feed "price_feed/internal/modules/price_feed/service"
)

func Module() fx.Option {
	return fx.Module("notify",
		fx.Provide(
			service.NewTelegram,
			// Адаптер: *service.Telegram -> feed.ServiceNotifier
			func(t *service.Telegram) feed.ServiceNotifier {
				return t
			},
		),
		fx.Invoke(
			func(lc fx.Lifecycle, t *service.Telegram) {
				lc.Append(fx.Hook{
					OnStop: func(ctx context.Context) error {
						t.Stop()
						return nil
					},
				})
			},
		),
	)
}
