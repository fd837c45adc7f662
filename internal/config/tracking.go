package config

import (
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// TrackingConfig holds the payment tracking tunables. The defaults are empirical, not contractual.
type TrackingConfig struct {
	PromotionWindow     time.Duration `mapstructure:"promotionWindow"`
	SettleDelay         time.Duration `mapstructure:"settleDelay"`
	PollInterval        time.Duration `mapstructure:"pollInterval"`
	MaxPollAttempts     int           `mapstructure:"maxPollAttempts"`
	ReconcileRetryDelay time.Duration `mapstructure:"reconcileRetryDelay"`
	StreamRetryDelay    time.Duration `mapstructure:"streamRetryDelay"`
	StreamMaxReconnects int           `mapstructure:"streamMaxReconnects"`
}

func DefaultTrackingConfig() TrackingConfig {
	return TrackingConfig{
		PromotionWindow:     10 * time.Second,
		SettleDelay:         time.Second,
		PollInterval:        5 * time.Second,
		MaxPollAttempts:     60,
		ReconcileRetryDelay: 2 * time.Second,
		StreamRetryDelay:    2 * time.Second,
		StreamMaxReconnects: 3,
	}
}

// WithDefaults fills zero values from DefaultTrackingConfig.
func (c TrackingConfig) WithDefaults() TrackingConfig {
	defaults := DefaultTrackingConfig()
	if c.PromotionWindow <= 0 {
		c.PromotionWindow = defaults.PromotionWindow
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = defaults.SettleDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaults.PollInterval
	}
	if c.MaxPollAttempts <= 0 {
		c.MaxPollAttempts = defaults.MaxPollAttempts
	}
	if c.ReconcileRetryDelay <= 0 {
		c.ReconcileRetryDelay = defaults.ReconcileRetryDelay
	}
	if c.StreamRetryDelay <= 0 {
		c.StreamRetryDelay = defaults.StreamRetryDelay
	}
	if c.StreamMaxReconnects < 0 {
		c.StreamMaxReconnects = defaults.StreamMaxReconnects
	}
	return c
}

type TrackingConfigHolder struct {
	current atomic.Value // holds TrackingConfig
}

// StaticTrackingConfig returns a holder that never reloads.
func StaticTrackingConfig(cfg TrackingConfig) *TrackingConfigHolder {
	holder := &TrackingConfigHolder{}
	holder.current.Store(cfg.WithDefaults())
	return holder
}

func NewTrackingConfigHolder(appCfg Config, log *zap.Logger) (*TrackingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("tracking")
	v.SetConfigType("yml")
	for _, path := range appCfg.TrackingConfigPaths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("PIXWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultTrackingConfig()
	v.SetDefault("tracking.promotionWindow", defaults.PromotionWindow)
	v.SetDefault("tracking.settleDelay", defaults.SettleDelay)
	v.SetDefault("tracking.pollInterval", defaults.PollInterval)
	v.SetDefault("tracking.maxPollAttempts", defaults.MaxPollAttempts)
	v.SetDefault("tracking.reconcileRetryDelay", defaults.ReconcileRetryDelay)
	v.SetDefault("tracking.streamRetryDelay", defaults.StreamRetryDelay)
	v.SetDefault("tracking.streamMaxReconnects", defaults.StreamMaxReconnects)

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	cfg, err := decodeTracking(v)
	if err != nil {
		return nil, err
	}

	holder := &TrackingConfigHolder{}
	holder.current.Store(cfg)

	if !fileLoaded {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		updated, err := decodeTracking(v)
		if err != nil {
			log.Warn("tracking config reload rejected", zap.String("file", e.Name), zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("tracking config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *TrackingConfigHolder) Get() TrackingConfig {
	if h == nil {
		return DefaultTrackingConfig()
	}
	cfg, ok := h.current.Load().(TrackingConfig)
	if !ok {
		return DefaultTrackingConfig()
	}
	return cfg
}

func decodeTracking(v *viper.Viper) (TrackingConfig, error) {
	var cfg TrackingConfig
	if err := v.UnmarshalKey("tracking", &cfg); err != nil {
		return TrackingConfig{}, err
	}
	if err := validateTrackingConfig(cfg); err != nil {
		return TrackingConfig{}, err
	}
	return cfg, nil
}

func validateTrackingConfig(cfg TrackingConfig) error {
	if cfg.PromotionWindow <= 0 {
		return errors.New("tracking.promotionWindow must be positive")
	}
	if cfg.SettleDelay < 0 {
		return errors.New("tracking.settleDelay cannot be negative")
	}
	if cfg.PollInterval <= 0 {
		return errors.New("tracking.pollInterval must be positive")
	}
	if cfg.MaxPollAttempts <= 0 {
		return errors.New("tracking.maxPollAttempts must be positive")
	}
	if cfg.ReconcileRetryDelay <= 0 {
		return errors.New("tracking.reconcileRetryDelay must be positive")
	}
	if cfg.StreamMaxReconnects < 0 {
		return errors.New("tracking.streamMaxReconnects cannot be negative")
	}
	return nil
}
