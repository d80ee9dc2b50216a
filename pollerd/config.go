package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/netfiber/oltwatch/pollerd/scheduler"
)

// AppConfig is the process configuration, read from the environment. An
// optional .env file is loaded first (godotenv) so local development does
// not need exported variables.
type AppConfig struct {
	HTTPAddr string

	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MemoryMode runs everything against the in-memory store. Single
	// process only; meant for local development without Postgres/Redis.
	MemoryMode bool

	ProbeRunnerURL string

	// ManualRunPerMin caps POST /pollers/nodes/{id}/run across all callers.
	ManualRunPerMin int

	Scheduler scheduler.Config
}

// LoadConfig reads the environment. Malformed numeric values are
// configuration errors, not silently ignored defaults.
func LoadConfig() (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddr:        envOr("OLTWATCH_HTTP_ADDR", ":8080"),
		PostgresDSN:     os.Getenv("OLTWATCH_POSTGRES_DSN"),
		RedisAddr:       envOr("OLTWATCH_REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("OLTWATCH_REDIS_PASSWORD"),
		MemoryMode:      os.Getenv("OLTWATCH_MEMORY_MODE") == "true",
		ProbeRunnerURL:  envOr("OLTWATCH_PROBE_RUNNER_URL", "http://localhost:9090"),
		ManualRunPerMin: 30,
	}

	var err error
	if cfg.RedisDB, err = envInt("OLTWATCH_REDIS_DB", 0); err != nil {
		return cfg, err
	}
	if cfg.ManualRunPerMin, err = envInt("OLTWATCH_MANUAL_RUN_PER_MIN", cfg.ManualRunPerMin); err != nil {
		return cfg, err
	}

	sc := scheduler.Config{}
	if sc.PoolSize, err = envInt("OLTWATCH_POOL_SIZE", 0); err != nil {
		return cfg, err
	}
	if sc.QueueSoftLimit, err = envInt("OLTWATCH_QUEUE_SOFT_LIMIT", 0); err != nil {
		return cfg, err
	}
	if sc.DrainTimeout, err = envDuration("OLTWATCH_DRAIN_TIMEOUT", 0); err != nil {
		return cfg, err
	}
	if sc.WatchdogInterval, err = envDuration("OLTWATCH_WATCHDOG_INTERVAL", 0); err != nil {
		return cfg, err
	}
	if sc.OrphanAge, err = envDuration("OLTWATCH_ORPHAN_AGE", 0); err != nil {
		return cfg, err
	}
	cfg.Scheduler = sc.Normalize()

	if !cfg.MemoryMode && cfg.PostgresDSN == "" {
		return cfg, fmt.Errorf("OLTWATCH_POSTGRES_DSN is required unless OLTWATCH_MEMORY_MODE=true")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
