package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/smallbiznis/meterledger/pkg/amount"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// BillingConfig carries the tunables of the billing calculator. It is reloaded
// from billing.yml while the process runs.
type BillingConfig struct {
	ServiceFeeRate          string        `mapstructure:"serviceFeeRate"`
	ServiceFeePerRequest    string        `mapstructure:"serviceFeePerRequest"`
	MonthlyChargeHold       time.Duration `mapstructure:"monthlyChargeHold"`
	MonthlyCollectionPeriod time.Duration `mapstructure:"monthlyCollectionPeriod"`
	SummaryBatchSize        int           `mapstructure:"summaryBatchSize"`
	SettlementBatchSize     int           `mapstructure:"settlementBatchSize"`
	SettlementMaxActivities int           `mapstructure:"settlementMaxActivities"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		ServiceFeeRate:          "0.3",
		ServiceFeePerRequest:    "0",
		MonthlyChargeHold:       30 * 24 * time.Hour,
		MonthlyCollectionPeriod: 30 * 24 * time.Hour,
		SummaryBatchSize:        10,
		SettlementBatchSize:     10,
		SettlementMaxActivities: 1000,
	}
}

func (c BillingConfig) FeeRate() amount.Amount {
	return amount.MustParse(c.ServiceFeeRate)
}

func (c BillingConfig) FeePerRequest() amount.Amount {
	return amount.MustParse(c.ServiceFeePerRequest)
}

// BillingConfigSource is satisfied by anything that can hand out the current
// billing configuration.
type BillingConfigSource interface {
	Get() BillingConfig
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewStaticBillingConfig returns a holder that never reloads.
func NewStaticBillingConfig(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder(log *zap.Logger) (*BillingConfigHolder, error) {
	return LoadBillingConfig(log, "/etc/meterledger", ".")
}

// LoadBillingConfig reads billing.yml from the first path that has one and
// watches it for changes. A missing file yields the defaults.
func LoadBillingConfig(log *zap.Logger, paths ...string) (*BillingConfigHolder, error) {
	log = log.Named("billing-config")
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	v.SetEnvPrefix("METERLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.serviceFeeRate", defaults.ServiceFeeRate)
	v.SetDefault("billing.serviceFeePerRequest", defaults.ServiceFeePerRequest)
	v.SetDefault("billing.monthlyChargeHold", defaults.MonthlyChargeHold)
	v.SetDefault("billing.monthlyCollectionPeriod", defaults.MonthlyCollectionPeriod)
	v.SetDefault("billing.summaryBatchSize", defaults.SummaryBatchSize)
	v.SetDefault("billing.settlementBatchSize", defaults.SettlementBatchSize)
	v.SetDefault("billing.settlementMaxActivities", defaults.SettlementMaxActivities)

	found := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		found = false
	}

	cfg := DefaultBillingConfig()
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticBillingConfig(cfg)
	if !found {
		return holder, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		updated := DefaultBillingConfig()
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Warn("reload failed", zap.Error(err))
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Warn("invalid config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	rate, err := amount.Parse(cfg.ServiceFeeRate)
	if err != nil {
		return fmt.Errorf("billing.serviceFeeRate: %w", err)
	}
	if rate.IsNegative() || amount.FromInt(1).LessThan(rate) {
		return errors.New("billing.serviceFeeRate must be between 0 and 1")
	}
	perRequest, err := amount.Parse(cfg.ServiceFeePerRequest)
	if err != nil {
		return fmt.Errorf("billing.serviceFeePerRequest: %w", err)
	}
	if perRequest.IsNegative() {
		return errors.New("billing.serviceFeePerRequest cannot be negative")
	}
	if cfg.MonthlyChargeHold < 0 {
		return errors.New("billing.monthlyChargeHold cannot be negative")
	}
	if cfg.MonthlyCollectionPeriod <= 0 {
		return errors.New("billing.monthlyCollectionPeriod must be positive")
	}
	if cfg.SummaryBatchSize <= 0 || cfg.SettlementBatchSize <= 0 || cfg.SettlementMaxActivities <= 0 {
		return errors.New("billing batch sizes must be positive")
	}
	return nil
}
