// Package config resolves runtime defaults from the environment.
package config

import (
	"fmt"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// fallbackConcurrency is used when the CPU count cannot be detected.
const fallbackConcurrency = 8

type Config struct {
	// Concurrency caps how many commands run at once. Zero or negative
	// means use DefaultConcurrency.
	Concurrency int `env:"FORKPOOL_CONCURRENCY"`
	// Worker overrides the executable spawned as the worker process.
	Worker  string `env:"FORKPOOL_WORKER"`
	Verbose bool   `env:"FORKPOOL_VERBOSE"`
}

// FromEnv reads FORKPOOL_* variables and fills in defaults.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing environment: %w", err)
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = DefaultConcurrency()
	}
	return cfg, nil
}

// DefaultConcurrency is twice the detected CPU count. Commands spend most of
// their life waiting on fork and I/O, so oversubscribing the CPUs pays off.
func DefaultConcurrency() int {
	n := runtime.NumCPU()
	if n < 1 {
		return fallbackConcurrency
	}
	return 2 * n
}
