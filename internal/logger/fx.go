package logger

import (
	"context"

	"github.com/smallbiznis/meterledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// NewFromConfig builds the root logger from Config.
func NewFromConfig(appCfg config.Config) (*zap.Logger, error) {
	return New(Options{
		Level:   appCfg.LogLevel,
		Name:    appCfg.AppName,
		Console: !appCfg.IsProduction(),
		Fields: []zap.Field{
			zap.String("version", appCfg.AppVersion),
			zap.String("env", appCfg.Environment),
		},
	})
}

func registerHooks(lc fx.Lifecycle, log *zap.Logger) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			_ = log.Sync()
			return nil
		},
	})
}

// Module wires the global zap logger for the application.
var Module = fx.Module("logger",
	fx.Provide(
		NewFromConfig,
	),
	fx.Invoke(registerHooks),
)
