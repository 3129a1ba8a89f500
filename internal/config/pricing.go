package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// DiscountBreakpoint maps an item-count range [MinItems, MaxItems) to a
// discount percentage. A nil MaxItems means the range is open-ended.
type DiscountBreakpoint struct {
	MinItems int  `mapstructure:"minItems" json:"min_items"`
	MaxItems *int `mapstructure:"maxItems" json:"max_items,omitempty"`
	Percent  int  `mapstructure:"percent" json:"percent"`
}

// PricingConfig holds volume discount breakpoints and the fallback unit
// prices used when the upstream billing configuration cannot be fetched.
type PricingConfig struct {
	DiscountBreakpoints []DiscountBreakpoint `mapstructure:"discountBreakpoints"`
	FallbackCentsPrices map[string]int64     `mapstructure:"fallbackCentsPrices"`
}

func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		DiscountBreakpoints: []DiscountBreakpoint{
			{MinItems: 0, MaxItems: intPtr(1000), Percent: 10},
			{MinItems: 1000, MaxItems: intPtr(2000), Percent: 20},
			{MinItems: 2000, MaxItems: nil, Percent: 30},
		},
		FallbackCentsPrices: map[string]int64{
			"conversations": 5,
			"sms":           3,
			"email":         1,
		},
	}
}

func intPtr(v int) *int { return &v }

// PricingConfigHolder exposes the current pricing configuration and hot
// reloads it when the backing file changes.
type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig
}

func NewPricingConfigHolder() (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/conversa/config")
	v.AddConfigPath("/etc/conversa")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CONVERSA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultPricingConfig()
		v.SetDefault("pricing.discountBreakpoints", defaults.DiscountBreakpoints)
		v.SetDefault("pricing.fallbackCentsPrices", defaults.FallbackCentsPrices)
	}

	var cfg PricingConfig
	if err := v.UnmarshalKey("pricing", &cfg); err != nil {
		return nil, err
	}
	if err := validatePricingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := validatePricingConfig(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

func validatePricingConfig(cfg PricingConfig) error {
	if len(cfg.DiscountBreakpoints) == 0 {
		return errors.New("pricing.discountBreakpoints cannot be empty")
	}
	previousMin := -1
	for _, bp := range cfg.DiscountBreakpoints {
		if bp.MinItems < 0 {
			return errors.New("pricing.discountBreakpoints minItems must be >= 0")
		}
		if bp.MaxItems != nil && *bp.MaxItems <= bp.MinItems {
			return errors.New("pricing.discountBreakpoints maxItems must be > minItems")
		}
		if bp.MinItems <= previousMin {
			return errors.New("pricing.discountBreakpoints must be ordered by minItems")
		}
		if bp.Percent < 0 || bp.Percent > 100 {
			return errors.New("pricing.discountBreakpoints percent must be in [0,100]")
		}
		previousMin = bp.MinItems
	}
	if len(cfg.FallbackCentsPrices) == 0 {
		return errors.New("pricing.fallbackCentsPrices cannot be empty")
	}
	for meter, cents := range cfg.FallbackCentsPrices {
		if strings.TrimSpace(meter) == "" || cents < 0 {
			return errors.New("pricing.fallbackCentsPrices entries must have a meter id and non-negative cents")
		}
	}
	return nil
}
