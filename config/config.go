package config

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zhiqiangxu/blockstm"
)

type Config struct {
	Concurrency                 int      `toml:"concurrency"`                   // Worker goroutines, set 0 to use all CPU cores in the machine.
	SequentialFallbackThreshold int      `toml:"sequential-fallback-threshold"` // Aborts before the rest of a block runs sequentially, 0 disables.
	LogLevel                    string   `toml:"log-level"`
	LogDevelopment              bool     `toml:"log-development"`
	Workload                    Workload `toml:"workload"` // Generated block options.
}

type Workload struct {
	BlockSize    int     `toml:"block-size"`
	Accounts     int     `toml:"accounts"`
	Counters     int     `toml:"counters"`
	CounterLimit uint64  `toml:"counter-limit"`
	Seed         int64   `toml:"seed"`
	WriteRatio   float64 `toml:"write-ratio"` // Share of overwrite and delete transactions.
	DeltaRatio   float64 `toml:"delta-ratio"` // Share of counter transactions.
}

var DefaultConf = Config{
	Concurrency:                 0,
	SequentialFallbackThreshold: 0,
	LogLevel:                    "info",
	Workload: Workload{
		BlockSize:    10000,
		Accounts:     1000,
		Counters:     4,
		CounterLimit: 1 << 40,
		Seed:         1,
		WriteRatio:   0.1,
		DeltaRatio:   0.3,
	},
}

// Load reads path over DefaultConf and validates the result.
func Load(path string) (*Config, error) {
	conf := DefaultConf
	if path != "" {
		if _, err := toml.DecodeFile(path, &conf); err != nil {
			return nil, errors.Wrapf(err, "load config %s", path)
		}
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func (c *Config) Validate() error {
	if c.Concurrency < 0 {
		return errors.Errorf("concurrency must not be negative, got %d", c.Concurrency)
	}
	if c.SequentialFallbackThreshold < 0 {
		return errors.Errorf("sequential-fallback-threshold must not be negative, got %d", c.SequentialFallbackThreshold)
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log-level")
	}

	w := c.Workload
	if w.BlockSize < 0 {
		return errors.Errorf("block-size must not be negative, got %d", w.BlockSize)
	}
	if w.Accounts < 2 {
		return errors.Errorf("accounts must be at least 2, got %d", w.Accounts)
	}
	if w.Counters < 1 {
		return errors.Errorf("counters must be at least 1, got %d", w.Counters)
	}
	if w.CounterLimit == 0 {
		return errors.New("counter-limit must be positive")
	}
	if w.WriteRatio < 0 || w.DeltaRatio < 0 || w.WriteRatio+w.DeltaRatio > 1 {
		return errors.Errorf("write-ratio %v and delta-ratio %v must be non-negative and sum to at most 1", w.WriteRatio, w.DeltaRatio)
	}
	return nil
}

func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "log-level")
	}
	zc := zap.NewProductionConfig()
	if c.LogDevelopment {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// Options returns the engine options for c.
func (c *Config) Options(logger *zap.Logger, metrics *blockstm.Metrics) blockstm.Options {
	return blockstm.Options{
		Concurrency:                 c.Concurrency,
		SequentialFallbackThreshold: c.SequentialFallbackThreshold,
		Logger:                      logger,
		Metrics:                     metrics,
	}
}
