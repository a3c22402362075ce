package billing

import (
	"github.com/smallbiznis/meterledger/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing.service",
	fx.Provide(service.NewService),
)
