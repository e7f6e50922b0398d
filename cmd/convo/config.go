package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rendis/convo/internal/isolation"
	"github.com/rendis/convo/internal/plugins"
	"github.com/rendis/convo/internal/scheduler"
)

// Config holds all convo configuration.
// Priority: env vars > settings.yaml > defaults. A .env file in the working
// directory is loaded into the environment first.
type Config struct {
	DBPath          string        `yaml:"db_path"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	RedisURL        string        `yaml:"redis_url"`
	MaxSteps        int           `yaml:"max_steps"`
	MaxInteractions int           `yaml:"max_interactions"`
	RunTTL          time.Duration `yaml:"run_ttl"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	LockWait        time.Duration `yaml:"lock_wait"`
	SweepSchedule   string        `yaml:"sweep_schedule"`
	GraphsDir       string        `yaml:"graphs_dir"`
	WebhookURL      string        `yaml:"webhook_url"`
	OTLPEndpoint    string        `yaml:"otlp_endpoint"`
	ListenAddr      string        `yaml:"listen_addr"`

	Triggers   []scheduler.Trigger    `yaml:"triggers"`
	MCPServers []plugins.ServerConfig `yaml:"mcp_servers"`
	Script     ScriptSettings         `yaml:"script"`
	Headers    map[string]string      `yaml:"webhook_headers"`
}

// ScriptSettings bound the script.run action.
type ScriptSettings struct {
	Timeout        time.Duration       `yaml:"timeout"`
	MaxOutputBytes int64               `yaml:"max_output_bytes"`
	Env            []string            `yaml:"env"`
	Paths          isolation.PathRules `yaml:"paths"`
}

func defaultConfig() Config {
	return Config{
		DBPath:        filepath.Join(convoDir(), "convo.db"),
		LogLevel:      "info",
		LogFormat:     "text",
		SweepSchedule: scheduler.DefaultSweepSchedule,
	}
}

func convoDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".convo"
	}
	return filepath.Join(home, ".convo")
}

func settingsPath() string {
	return filepath.Join(convoDir(), "settings.yaml")
}

// loadConfig layers defaults, the settings file and the environment. An
// explicit path must exist; the default settings file may be missing.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	// Layer 0: .env (ignore if missing).
	_ = godotenv.Load()

	explicit := path != ""
	if !explicit {
		path = settingsPath()
	}

	// Layer 2: settings.yaml.
	data, err := os.ReadFile(path) // #nosec G304 -- path from flag
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"CONVO_DB_PATH":        &cfg.DBPath,
		"CONVO_LOG_LEVEL":      &cfg.LogLevel,
		"CONVO_LOG_FORMAT":     &cfg.LogFormat,
		"CONVO_REDIS_URL":      &cfg.RedisURL,
		"CONVO_SWEEP_SCHEDULE": &cfg.SweepSchedule,
		"CONVO_GRAPHS_DIR":     &cfg.GraphsDir,
		"CONVO_WEBHOOK_URL":    &cfg.WebhookURL,
		"CONVO_OTLP_ENDPOINT":  &cfg.OTLPEndpoint,
		"CONVO_LISTEN_ADDR":    &cfg.ListenAddr,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"CONVO_MAX_STEPS":        &cfg.MaxSteps,
		"CONVO_MAX_INTERACTIONS": &cfg.MaxInteractions,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"CONVO_RUN_TTL":   &cfg.RunTTL,
		"CONVO_LOCK_TTL":  &cfg.LockTTL,
		"CONVO_LOCK_WAIT": &cfg.LockWait,
	}
	for key, dst := range durations {
		if v := os.Getenv(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}
