// Package config reads process configuration from the environment. Every
// knob has a default; Load only fails on values that cannot be parsed or
// combinations that cannot run.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Process modes.
const (
	ModeConductor = "conductor"
	ModePlayer    = "player"
)

// Config is the resolved environment configuration.
type Config struct {
	// Mode selects what this process is: the conductor (API + run
	// coordination) or a player (worker pool for one host queue).
	Mode string

	// Port is the conductor's HTTP listen port.
	Port int

	// Redis connection. SkipRedis swaps in the in-process queue; only
	// useful when conductor and players share one process.
	RedisHost string
	RedisPort int
	RedisDB   int
	SkipRedis bool

	// QueueID is the queue a player consumes. Defaults to the hostname,
	// which is how dispatches address hosts.
	QueueID string

	// Worker pool bounds for player mode.
	WorkersMin int
	WorkersMax int

	// ScoresDir holds the Score YAML files the conductor loads at start.
	ScoresDir string

	// HostsFile optionally seeds the host registry from a JSON file.
	HostsFile string

	// DBPath is the conductor's SQLite file.
	DBPath string

	// PollInterval is the run watcher tick.
	PollInterval time.Duration

	Debug bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	hostname, _ := os.Hostname()

	c := &Config{
		Mode:      envString("JOHANN_MODE", ModeConductor),
		RedisHost: envString("REDIS_HOST", "localhost"),
		SkipRedis: envBool("SKIP_REDIS"),
		QueueID:   envString("QUEUE_ID", hostname),
		ScoresDir: envString("SCORES_DIR", "scores"),
		HostsFile: envString("HOSTS_FILE", ""),
		DBPath:    envString("JOHANN_DB", "johann.db"),
		Debug:     envBool("DEBUG"),
	}

	var err error
	if c.Port, err = envInt("CONDUCTOR_PORT", 5000); err != nil {
		return nil, err
	}
	if c.RedisPort, err = envInt("REDIS_PORT", 6379); err != nil {
		return nil, err
	}
	if c.RedisDB, err = envInt("REDIS_DB", 0); err != nil {
		return nil, err
	}
	if c.WorkersMin, err = envInt("WORKERS_MIN", 3); err != nil {
		return nil, err
	}
	if c.WorkersMax, err = envInt("WORKERS_MAX", 10); err != nil {
		return nil, err
	}
	if c.PollInterval, err = envDuration("POLL_INTERVAL", time.Second); err != nil {
		return nil, err
	}

	if c.Mode != ModeConductor && c.Mode != ModePlayer {
		return nil, fmt.Errorf("JOHANN_MODE must be %q or %q, got %q",
			ModeConductor, ModePlayer, c.Mode)
	}
	if c.WorkersMin < 1 || c.WorkersMax < c.WorkersMin {
		return nil, fmt.Errorf("invalid worker bounds %d-%d", c.WorkersMin, c.WorkersMax)
	}
	if c.QueueID == "" {
		return nil, fmt.Errorf("QUEUE_ID is required when the hostname is unavailable")
	}
	return c, nil
}

// RedisAddr returns the broker address in host:port form.
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.RedisHost, c.RedisPort)
}

func envString(key, def string) string {
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
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True", "yes", "YES":
		return true
	}
	return false
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
