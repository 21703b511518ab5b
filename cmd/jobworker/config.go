package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeycumines/logiface"
	"gopkg.in/yaml.v3"

	"github.com/joeycumines/go-worker"
)

// Config is the jobworker config file.
type Config struct {
	Worker struct {
		Capacity       int  `yaml:"capacity"`
		Threads        int  `yaml:"threads"`
		Synchronous    bool `yaml:"synchronous"`
		Events         bool `yaml:"events"`
		MaxPayloadSize int  `yaml:"max_payload_size"`
		LockOSThread   bool `yaml:"lock_os_thread"`
		// PanicLogRate is the number of panic logs allowed per job name per
		// PanicLogWindow.
		PanicLogRate   int           `yaml:"panic_log_rate"`
		PanicLogWindow time.Duration `yaml:"panic_log_window"`
	} `yaml:"worker"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Metrics struct {
		Enabled   bool   `yaml:"enabled"`
		Addr      string `yaml:"addr"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`

	Demo DemoConfig `yaml:"demo"`
}

// DemoConfig sizes the demo workload posted by the run command.
type DemoConfig struct {
	Tickers     int           `yaml:"tickers"`
	Ticks       int           `yaml:"ticks"`
	Interval    time.Duration `yaml:"interval"`
	Chains      int           `yaml:"chains"`
	ChainLength int           `yaml:"chain_length"`
	Pipes       int           `yaml:"pipes"`
	PipeBytes   int           `yaml:"pipe_bytes"`
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Worker.Capacity = worker.DefaultCapacity
	cfg.Worker.Events = true
	cfg.Worker.MaxPayloadSize = worker.DefaultMaxPayloadSize
	cfg.Worker.LockOSThread = true
	cfg.Worker.PanicLogRate = 1
	cfg.Worker.PanicLogWindow = time.Second
	cfg.Log.Level = logiface.LevelInformational.String()
	cfg.Metrics.Addr = ":9090"
	cfg.Metrics.Namespace = "jobworker"
	cfg.Demo = DemoConfig{
		Tickers:     4,
		Ticks:       10,
		Interval:    100 * time.Millisecond,
		Chains:      2,
		ChainLength: 5,
		Pipes:       1,
		PipeBytes:   8,
	}
	return &cfg
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []error
	if c.Worker.Capacity <= 0 {
		errs = append(errs, errors.New("worker.capacity must be positive"))
	}
	if c.Worker.Threads < 0 {
		errs = append(errs, errors.New("worker.threads must not be negative"))
	}
	if c.Worker.MaxPayloadSize <= 0 {
		errs = append(errs, errors.New("worker.max_payload_size must be positive"))
	}
	if c.Worker.PanicLogRate < 0 || (c.Worker.PanicLogRate > 0 && c.Worker.PanicLogWindow <= 0) {
		errs = append(errs, errors.New("worker.panic_log_rate needs a positive worker.panic_log_window"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, errors.New("metrics.addr is required when metrics are enabled"))
	}
	d := c.Demo
	if d.Tickers < 0 || d.Ticks < 0 || d.Chains < 0 || d.ChainLength < 0 || d.Pipes < 0 || d.PipeBytes < 0 {
		errs = append(errs, errors.New("demo counts must not be negative"))
	}
	if d.Tickers+d.Pipes > 0 && d.Interval <= 0 {
		errs = append(errs, errors.New("demo.interval must be positive"))
	}
	return errors.Join(errs...)
}

// workerOptions maps the worker section onto worker options.
func (c *Config) workerOptions(logger *logiface.Logger[logiface.Event]) []worker.Option {
	opts := []worker.Option{
		worker.WithCapacity(c.Worker.Capacity),
		worker.WithSynchronous(c.Worker.Synchronous),
		worker.WithEventThread(c.Worker.Events),
		worker.WithMaxPayloadSize(c.Worker.MaxPayloadSize),
		worker.WithLockOSThread(c.Worker.LockOSThread),
		worker.WithLogger(logger),
	}
	if c.Worker.Threads > 0 {
		opts = append(opts, worker.WithThreads(c.Worker.Threads))
	}
	if c.Worker.PanicLogRate > 0 {
		opts = append(opts, worker.WithPanicLogRate(map[time.Duration]int{
			c.Worker.PanicLogWindow: c.Worker.PanicLogRate,
		}))
	}
	return opts
}

func parseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(s) {
	case "error":
		return logiface.LevelError, nil
	case "warn":
		return logiface.LevelWarning, nil
	case "information":
		return logiface.LevelInformational, nil
	}
	for l := logiface.LevelDisabled; l <= logiface.LevelTrace; l++ {
		if strings.EqualFold(l.String(), s) {
			return l, nil
		}
	}
	return logiface.LevelDisabled, fmt.Errorf("unknown log level %q", s)
}
