package payment

import (
	paymentservice "github.com/smallbiznis/meterledger/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(paymentservice.NewService),
)
