package usage

import (
	"github.com/smallbiznis/meterledger/internal/usage/repository"
	"github.com/smallbiznis/meterledger/internal/usage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("usage.service",
	fx.Provide(repository.ProvidePairs),
	fx.Provide(service.NewService),
)
