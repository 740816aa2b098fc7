package worker

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is read from the environment because the worker's argv is fixed to
// kind, variant and rendezvous address. The server exports it with Environ.
type Config struct {
	FPS              int           `env:"WORLD_ARCADE_SIMULATION_FPS"          envDefault:"30"`
	JoinTimeout      time.Duration `env:"WORLD_ARCADE_SIMULATION_JOIN_TIMEOUT" envDefault:"3s"`
	DialTimeout      time.Duration `env:"WORLD_ARCADE_WORKER_DIAL_TIMEOUT"     envDefault:"5s"`
	WatchdogInterval time.Duration `env:"WORLD_ARCADE_WORKER_WATCHDOG"         envDefault:"1s"`
	MediaHost        string        `env:"WORLD_ARCADE_MEDIA_HOST"              envDefault:"127.0.0.1"`
	MediaPublicHost  string        `env:"WORLD_ARCADE_MEDIA_PUBLIC_HOST"`
	MediaTokenTTL    time.Duration `env:"WORLD_ARCADE_MEDIA_TOKEN_TTL"         envDefault:"1m"`
	MediaStaleAfter  time.Duration `env:"WORLD_ARCADE_MEDIA_STALE_AFTER"       envDefault:"5s"`
	LogLevel         string        `env:"WORLD_ARCADE_LOG_LEVEL"               envDefault:"info"`
	LogFormat        string        `env:"WORLD_ARCADE_LOG_FORMAT"              envDefault:"text"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse worker env: %w", err)
	}
	if cfg.FPS <= 0 {
		return Config{}, fmt.Errorf("simulation fps must be positive, got %d", cfg.FPS)
	}
	return cfg, nil
}

// Environ renders cfg as the variables LoadConfig reads.
func (c Config) Environ() []string {
	vars := []string{
		fmt.Sprintf("WORLD_ARCADE_SIMULATION_FPS=%d", c.FPS),
		"WORLD_ARCADE_SIMULATION_JOIN_TIMEOUT=" + c.JoinTimeout.String(),
		"WORLD_ARCADE_WORKER_DIAL_TIMEOUT=" + c.DialTimeout.String(),
		"WORLD_ARCADE_WORKER_WATCHDOG=" + c.WatchdogInterval.String(),
		"WORLD_ARCADE_MEDIA_HOST=" + c.MediaHost,
		"WORLD_ARCADE_MEDIA_TOKEN_TTL=" + c.MediaTokenTTL.String(),
		"WORLD_ARCADE_MEDIA_STALE_AFTER=" + c.MediaStaleAfter.String(),
		"WORLD_ARCADE_LOG_LEVEL=" + c.LogLevel,
		"WORLD_ARCADE_LOG_FORMAT=" + c.LogFormat,
	}
	if c.MediaPublicHost != "" {
		vars = append(vars, "WORLD_ARCADE_MEDIA_PUBLIC_HOST="+c.MediaPublicHost)
	}
	return vars
}
