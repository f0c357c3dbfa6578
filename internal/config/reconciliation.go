package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// ReconciliationConfig tunes the bank statement matcher.
type ReconciliationConfig struct {
	MatchWindowDays   int
	CardMethods       []string
	AutoMatchOnIngest bool
	BatchLockTTL      time.Duration
}

func DefaultReconciliationConfig() ReconciliationConfig {
	return ReconciliationConfig{
		MatchWindowDays:   1,
		CardMethods:       []string{"CARD_DEBIT", "CARD_CREDIT"},
		AutoMatchOnIngest: true,
		BatchLockTTL:      2 * time.Minute,
	}
}

type ReconciliationConfigHolder struct {
	current atomic.Value // holds ReconciliationConfig
}

// NewStaticReconciliationConfig returns a holder that never reloads.
func NewStaticReconciliationConfig(cfg ReconciliationConfig) *ReconciliationConfigHolder {
	holder := &ReconciliationConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewReconciliationConfigHolder() (*ReconciliationConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("reconciliation")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/clinicpay")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CLINICPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultReconciliationConfig()
	v.SetDefault("reconciliation.matchWindowDays", defaults.MatchWindowDays)
	v.SetDefault("reconciliation.cardMethods", defaults.CardMethods)
	v.SetDefault("reconciliation.autoMatchOnIngest", defaults.AutoMatchOnIngest)
	v.SetDefault("reconciliation.batchLockTTL", defaults.BatchLockTTL)

	watch := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		watch = false
	}

	cfg := readReconciliationConfig(v)
	if err := validateReconciliationConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticReconciliationConfig(cfg)
	if !watch {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated := readReconciliationConfig(v)
		if err := validateReconciliationConfig(updated); err != nil {
			log.Printf("[reconciliation-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[reconciliation-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *ReconciliationConfigHolder) Get() ReconciliationConfig {
	if h == nil {
		return DefaultReconciliationConfig()
	}
	cfg, ok := h.current.Load().(ReconciliationConfig)
	if !ok {
		return DefaultReconciliationConfig()
	}
	return cfg
}

func readReconciliationConfig(v *viper.Viper) ReconciliationConfig {
	methods := make([]string, 0)
	for _, m := range v.GetStringSlice("reconciliation.cardMethods") {
		m = strings.ToUpper(strings.TrimSpace(m))
		if m != "" {
			methods = append(methods, m)
		}
	}
	return ReconciliationConfig{
		MatchWindowDays:   v.GetInt("reconciliation.matchWindowDays"),
		CardMethods:       methods,
		AutoMatchOnIngest: v.GetBool("reconciliation.autoMatchOnIngest"),
		BatchLockTTL:      v.GetDuration("reconciliation.batchLockTTL"),
	}
}

func validateReconciliationConfig(cfg ReconciliationConfig) error {
	if cfg.MatchWindowDays < 0 {
		return errors.New("reconciliation.matchWindowDays cannot be negative")
	}
	if len(cfg.CardMethods) == 0 {
		return errors.New("reconciliation.cardMethods cannot be empty")
	}
	if cfg.BatchLockTTL <= 0 {
		return errors.New("reconciliation.batchLockTTL must be positive")
	}
	return nil
}
