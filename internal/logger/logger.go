package logger

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options selects how the root logger is built.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Name is the root logger name; component loggers are named beneath it.
	Name string
	// Console switches to the human readable encoder used outside production.
	Console bool
	// Fields are attached to every entry.
	Fields []zap.Field
}

// New builds the root logger and installs it as the zap global.
func New(opts Options) (*zap.Logger, error) {
	level := strings.ToLower(strings.TrimSpace(opts.Level))
	if level == "" {
		level = "info"
	}
	atom, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = atom
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.MessageKey = "msg"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	if opts.Console {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.Sampling = nil
	}

	log, err := cfg.Build(zap.Fields(opts.Fields...))
	if err != nil {
		return nil, err
	}
	if name := strings.TrimSpace(opts.Name); name != "" {
		log = log.Named(name)
	}

	zap.ReplaceGlobals(log)
	return log, nil
}
