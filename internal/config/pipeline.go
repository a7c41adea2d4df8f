package config

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PipelineConfig carries the tunable knobs of the ETL stages. The
// reconciliation epsilon and the freshness bounds are operational targets,
// not constants, so they are loaded from pipeline.yml and hot-reloaded.
type PipelineConfig struct {
	Epsilon        float64       `mapstructure:"epsilon"`
	SilverSLA      time.Duration `mapstructure:"silverSLA"`
	GoldSLA        time.Duration `mapstructure:"goldSLA"`
	RunInterval    time.Duration `mapstructure:"runInterval"`
	BatchSize      int           `mapstructure:"batchSize"`
	ChunkSize      int           `mapstructure:"chunkSize"`
	LinkBatchSize  int           `mapstructure:"linkBatchSize"`
	CoverageWindow time.Duration `mapstructure:"coverageWindow"`
	CoverageTarget float64       `mapstructure:"coverageTarget"`
	JobTimeout     time.Duration `mapstructure:"jobTimeout"`
	EnabledJobs    []string      `mapstructure:"enabledJobs"`
}

func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		Epsilon:        0.01,
		SilverSLA:      5 * time.Minute,
		GoldSLA:        10 * time.Minute,
		RunInterval:    time.Minute,
		BatchSize:      200,
		ChunkSize:      100,
		LinkBatchSize:  500,
		CoverageWindow: 24 * time.Hour,
		CoverageTarget: 0.95,
		JobTimeout:     30 * time.Second,
	}
}

func (c PipelineConfig) withDefaults() PipelineConfig {
	defaults := DefaultPipelineConfig()
	if c.Epsilon <= 0 {
		c.Epsilon = defaults.Epsilon
	}
	if c.SilverSLA <= 0 {
		c.SilverSLA = defaults.SilverSLA
	}
	if c.GoldSLA <= 0 {
		c.GoldSLA = defaults.GoldSLA
	}
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaults.ChunkSize
	}
	if c.LinkBatchSize <= 0 {
		c.LinkBatchSize = defaults.LinkBatchSize
	}
	if c.CoverageWindow <= 0 {
		c.CoverageWindow = defaults.CoverageWindow
	}
	if c.CoverageTarget <= 0 {
		c.CoverageTarget = defaults.CoverageTarget
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

// PipelineConfigHolder exposes the current pipeline config and swaps it
// atomically when the backing file changes.
type PipelineConfigHolder struct {
	current atomic.Value // holds PipelineConfig
}

func NewPipelineConfigHolder() (*PipelineConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pipeline")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/medallion/config")
	v.AddConfigPath("/etc/medallion")
	v.AddConfigPath(".")

	v.SetEnvPrefix("MEDALLION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &PipelineConfigHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(DefaultPipelineConfig())
		return holder, nil
	}

	cfg, err := decodePipelineConfig(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(cfg)

	v.OnConfigChange(func(fsnotify.Event) {
		next, err := decodePipelineConfig(v)
		if err != nil {
			return
		}
		holder.current.Store(next)
	})
	v.WatchConfig()

	return holder, nil
}

// NewStaticPipelineConfigHolder pins a fixed config, bypassing the file
// watcher. Intended for tests and one-shot tooling.
func NewStaticPipelineConfigHolder(cfg PipelineConfig) *PipelineConfigHolder {
	holder := &PipelineConfigHolder{}
	holder.current.Store(cfg.withDefaults())
	return holder
}

func decodePipelineConfig(v *viper.Viper) (PipelineConfig, error) {
	var cfg PipelineConfig
	if err := v.UnmarshalKey("pipeline", &cfg); err != nil {
		return PipelineConfig{}, err
	}
	return cfg.withDefaults(), nil
}

// Current returns the active pipeline config.
func (h *PipelineConfigHolder) Current() PipelineConfig {
	if h == nil {
		return DefaultPipelineConfig()
	}
	if cfg, ok := h.current.Load().(PipelineConfig); ok {
		return cfg
	}
	return DefaultPipelineConfig()
}
