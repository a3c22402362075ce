package config

import "go.uber.org/fx"

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewBillingConfigHolder),
	fx.Provide(func(h *BillingConfigHolder) BillingConfigSource { return h }),
)
