package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReconConfig tunes the reconciliation workers and the overdue sweep.
type ReconConfig struct {
	// SyncWindowDays is the trailing window pulled on each scheduled sync.
	SyncWindowDays int `mapstructure:"syncWindowDays"`
	// OverdueAfterDays marks PENDING settlements OVERDUE once they age past it.
	OverdueAfterDays int `mapstructure:"overdueAfterDays"`
	// BatchSize caps how many records a single sweep pass touches.
	BatchSize int          `mapstructure:"batchSize"`
	Partners  []PartnerRule `mapstructure:"partners"`
}

// PartnerRule overrides settlement expectations per partner.
type PartnerRule struct {
	Partner        string `mapstructure:"partner"`
	SettlementDays int    `mapstructure:"settlementDays"`
}

func DefaultReconConfig() ReconConfig {
	return ReconConfig{
		SyncWindowDays:   7,
		OverdueAfterDays: 7,
		BatchSize:        500,
		Partners: []PartnerRule{
			{Partner: "razorpay", SettlementDays: 3},
		},
	}
}

// SettlementDays returns the expected settlement lag for a partner.
func (c ReconConfig) SettlementDays(partner string) int {
	for _, rule := range c.Partners {
		if strings.EqualFold(rule.Partner, partner) {
			return rule.SettlementDays
		}
	}
	return c.OverdueAfterDays
}

// ReconConfigHolder serves the current reconciliation config and follows
// file changes without a restart.
type ReconConfigHolder struct {
	current atomic.Value // holds ReconConfig
}

func NewReconConfigHolder() (*ReconConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("recon")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/orderpulse/config")
	v.AddConfigPath("/etc/orderpulse")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ORDERPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := DefaultReconConfig()
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	} else {
		if err := v.UnmarshalKey("recon", &cfg); err != nil {
			return nil, err
		}
		if err := validateReconConfig(cfg); err != nil {
			return nil, err
		}
	}

	holder := &ReconConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated ReconConfig
		if err := v.UnmarshalKey("recon", &updated); err != nil {
			log.Printf("[recon-config] reload failed: %v", err)
			return
		}
		if err := validateReconConfig(updated); err != nil {
			log.Printf("[recon-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[recon-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

// NewStaticReconConfigHolder wraps a fixed config without file watching,
// for tests and embedded callers.
func NewStaticReconConfigHolder(cfg ReconConfig) *ReconConfigHolder {
	holder := &ReconConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func (h *ReconConfigHolder) Get() ReconConfig {
	return h.current.Load().(ReconConfig)
}

func validateReconConfig(cfg ReconConfig) error {
	if cfg.SyncWindowDays <= 0 {
		return errors.New("recon.syncWindowDays must be positive")
	}
	if cfg.OverdueAfterDays <= 0 {
		return errors.New("recon.overdueAfterDays must be positive")
	}
	if cfg.BatchSize <= 0 {
		return errors.New("recon.batchSize must be positive")
	}
	return nil
}
