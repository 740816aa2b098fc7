// Package config loads the server configuration: compiled-in defaults,
// then an optional YAML file, then WORLD_ARCADE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const EnvPrefix = "WORLD_ARCADE_"

type Config struct {
	Server     ServerConfig     `yaml:"server"     envPrefix:"SERVER_"`
	Sessions   SessionsConfig   `yaml:"sessions"   envPrefix:"SESSIONS_"`
	Worker     WorkerConfig     `yaml:"worker"     envPrefix:"WORKER_"`
	Simulation SimulationConfig `yaml:"simulation" envPrefix:"SIMULATION_"`
	Media      MediaConfig      `yaml:"media"      envPrefix:"MEDIA_"`
	Storage    StorageConfig    `yaml:"storage"    envPrefix:"STORAGE_"`
	Turn       TurnConfig       `yaml:"turn"       envPrefix:"TURN_"`
	Privacy    PrivacyConfig    `yaml:"privacy"    envPrefix:"PRIVACY_"`
	Log        LogConfig        `yaml:"log"        envPrefix:"LOG_"`
}

type ServerConfig struct {
	Host           string   `yaml:"host"            env:"HOST"`
	Port           int      `yaml:"port"            env:"PORT"`
	AuthToken      string   `yaml:"auth_token"      env:"AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

type SessionsConfig struct {
	ReapInterval    time.Duration `yaml:"reap_interval"    env:"REAP_INTERVAL"`
	StaleAfter      time.Duration `yaml:"stale_after"      env:"STALE_AFTER"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type WorkerConfig struct {
	// Executable defaults to the running binary.
	Executable        string        `yaml:"executable"         env:"EXECUTABLE"`
	Attempts          int           `yaml:"attempts"           env:"ATTEMPTS"`
	RendezvousTimeout time.Duration `yaml:"rendezvous_timeout" env:"RENDEZVOUS_TIMEOUT"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"    env:"BACKOFF_INITIAL"`
	BackoffMax        time.Duration `yaml:"backoff_max"        env:"BACKOFF_MAX"`
	ResponseTimeout   time.Duration `yaml:"response_timeout"   env:"RESPONSE_TIMEOUT"`
	StopGrace         time.Duration `yaml:"stop_grace"         env:"STOP_GRACE"`
	OutputTail        int           `yaml:"output_tail"        env:"OUTPUT_TAIL"`
	Watchdog          time.Duration `yaml:"watchdog"           env:"WATCHDOG"`
	DialTimeout       time.Duration `yaml:"dial_timeout"       env:"DIAL_TIMEOUT"`
}

type SimulationConfig struct {
	FPS         int           `yaml:"fps"          env:"FPS"`
	JoinTimeout time.Duration `yaml:"join_timeout" env:"JOIN_TIMEOUT"`
}

type MediaConfig struct {
	Host       string        `yaml:"host"        env:"HOST"`
	PublicHost string        `yaml:"public_host" env:"PUBLIC_HOST"`
	TokenTTL   time.Duration `yaml:"token_ttl"   env:"TOKEN_TTL"`
	StaleAfter time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
}

type StorageConfig struct {
	// Path of the SQLite ledger; empty disables it.
	Path         string        `yaml:"path"          env:"PATH"`
	Retention    time.Duration `yaml:"retention"     env:"RETENTION"`
	HistoryLimit int           `yaml:"history_limit" env:"HISTORY_LIMIT"`
}

type TurnConfig struct {
	Secret string        `yaml:"secret" env:"SECRET"`
	TTL    time.Duration `yaml:"ttl"    env:"TTL"`
	URLs   []string      `yaml:"urls"   env:"URLS" envSeparator:","`
}

type PrivacyConfig struct {
	MaskSessionIDs bool     `yaml:"mask_session_ids" env:"MASK_SESSION_IDS"`
	MaskPIDs       bool     `yaml:"mask_pids"        env:"MASK_PIDS"`
	MaskOutput     bool     `yaml:"mask_output"      env:"MASK_OUTPUT"`
	AllowedGames   []string `yaml:"allowed_games"    env:"ALLOWED_GAMES" envSeparator:","`
	BlockedGames   []string `yaml:"blocked_games"    env:"BLOCKED_GAMES" envSeparator:","`
}

type LogConfig struct {
	Level  string `yaml:"level"  env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Sessions: SessionsConfig{
			ReapInterval:    30 * time.Second,
			StaleAfter:      5 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Attempts:          3,
			RendezvousTimeout: 5 * time.Second,
			BackoffInitial:    250 * time.Millisecond,
			BackoffMax:        5 * time.Second,
			ResponseTimeout:   30 * time.Second,
			StopGrace:         5 * time.Second,
			OutputTail:        20,
			Watchdog:          time.Second,
			DialTimeout:       5 * time.Second,
		},
		Simulation: SimulationConfig{
			FPS:         30,
			JoinTimeout: 3 * time.Second,
		},
		Media: MediaConfig{
			Host:       "127.0.0.1",
			TokenTTL:   time.Minute,
			StaleAfter: 5 * time.Second,
		},
		Storage: StorageConfig{
			Retention:    7 * 24 * time.Hour,
			HistoryLimit: 100,
		},
		Turn: TurnConfig{
			TTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration. An empty or missing path yields defaults
// plus environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := decode(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d out of range", c.Server.Port)
	check(c.Sessions.ReapInterval > 0, "sessions.reap_interval must be positive")
	check(c.Sessions.StaleAfter > 0, "sessions.stale_after must be positive")
	check(c.Sessions.ShutdownTimeout > 0, "sessions.shutdown_timeout must be positive")
	check(c.Worker.Attempts > 0, "worker.attempts must be positive")
	check(c.Worker.RendezvousTimeout > 0, "worker.rendezvous_timeout must be positive")
	check(c.Worker.BackoffInitial > 0, "worker.backoff_initial must be positive")
	check(c.Worker.BackoffMax >= c.Worker.BackoffInitial, "worker.backoff_max must not be below backoff_initial")
	check(c.Worker.ResponseTimeout > 0, "worker.response_timeout must be positive")
	check(c.Worker.StopGrace > 0, "worker.stop_grace must be positive")
	check(c.Worker.OutputTail > 0, "worker.output_tail must be positive")
	check(c.Worker.Watchdog > 0, "worker.watchdog must be positive")
	check(c.Worker.DialTimeout > 0, "worker.dial_timeout must be positive")
	check(c.Simulation.FPS > 0 && c.Simulation.FPS <= 240, "simulation.fps %d out of range (1-240)", c.Simulation.FPS)
	check(c.Simulation.JoinTimeout > 0, "simulation.join_timeout must be positive")
	check(c.Media.Host != "", "media.host is required")
	check(c.Media.TokenTTL > 0, "media.token_ttl must be positive")
	check(c.Media.StaleAfter > 0, "media.stale_after must be positive")
	check(c.Storage.Retention >= 0, "storage.retention must not be negative")
	check(c.Storage.HistoryLimit > 0, "storage.history_limit must be positive")
	check(c.Turn.TTL > 0, "turn.ttl must be positive")
	_, err := logrus.ParseLevel(c.Log.Level)
	check(err == nil, "log.level %q is not a valid level", c.Log.Level)
	format := strings.ToLower(c.Log.Format)
	check(format == "text" || format == "json", "log.format %q must be text or json", c.Log.Format)

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
