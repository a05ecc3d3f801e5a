// Package config reads game and logging settings from the environment.
package config

import (
	"fmt"
	"time"

	"github.com/blukai/netrumble/internal/lobby"
	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/relay"
	"github.com/blukai/netrumble/internal/session"
	"github.com/blukai/netrumble/internal/world"
	"github.com/kelseyhightower/envconfig"
)

type Game struct {
	// MaxPlayers counts the host.
	MaxPlayers         int           `envconfig:"MAX_PLAYERS" default:"16"`
	ServerTimeout      time.Duration `envconfig:"SERVER_TIMEOUT" default:"10s"`
	MaxMessagesPerTick int           `envconfig:"MAX_MESSAGES_PER_TICK" default:"32"`
	SettleTime         time.Duration `envconfig:"SETTLE_TIME" default:"1s"`
	WorldDataRate      int           `envconfig:"WORLD_DATA_RATE" default:"10"`
	ServerInfoInterval time.Duration `envconfig:"SERVER_INFO_INTERVAL" default:"5s"`
	ServerName         string        `envconfig:"SERVER_NAME" default:"netrumble"`
	// AuthSecret enables ticket authentication when set.
	AuthSecret string `envconfig:"AUTH_SECRET"`

	SpawnRetries  int           `envconfig:"SPAWN_RETRIES" default:"20"`
	SpawnMargin   float32       `envconfig:"SPAWN_MARGIN" default:"64"`
	AsteroidCount int           `envconfig:"ASTEROID_COUNT" default:"15"`
	WinningScore  int32         `envconfig:"WINNING_SCORE" default:"5"`
	RespawnDelay  time.Duration `envconfig:"RESPAWN_DELAY" default:"3s"`
	PowerUpDelay  time.Duration `envconfig:"POWER_UP_DELAY" default:"10s"`
	// Seed makes world generation reproducible; random when unset.
	Seed *uint64 `envconfig:"SEED"`

	MatchmakingTimeout time.Duration `envconfig:"MATCHMAKING_TIMEOUT" default:"15s"`
	MatchmakingRetry   time.Duration `envconfig:"MATCHMAKING_RETRY" default:"1s"`
}

type Log struct {
	Level      string `envconfig:"LOG_LEVEL" default:"info"`
	File       string `envconfig:"LOG_FILE"`
	MaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"10"`
	MaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"3"`
	MaxAgeDays int    `envconfig:"LOG_MAX_AGE_DAYS" default:"7"`
}

type Config struct {
	Game Game
	Log  Log
}

func Load(prefix string) (*Config, error) {
	config := new(Config)
	if err := envconfig.Process(prefix, &config.Game); err != nil {
		return nil, fmt.Errorf("could not process game config: %w", err)
	}
	if err := envconfig.Process(prefix, &config.Log); err != nil {
		return nil, fmt.Errorf("could not process log config: %w", err)
	}
	if err := config.Game.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (g Game) Validate() error {
	if g.MaxPlayers < 2 {
		return fmt.Errorf("MAX_PLAYERS must be at least 2, got %d", g.MaxPlayers)
	}
	if g.ServerTimeout <= 0 {
		return fmt.Errorf("SERVER_TIMEOUT must be positive, got %s", g.ServerTimeout)
	}
	if g.WorldDataRate <= 0 {
		return fmt.Errorf("WORLD_DATA_RATE must be positive, got %d", g.WorldDataRate)
	}
	if g.WinningScore <= 0 {
		return fmt.Errorf("WINNING_SCORE must be positive, got %d", g.WinningScore)
	}
	return nil
}

func (g Game) World() world.Config {
	cfg := world.DefaultConfig()
	cfg.AsteroidCount = g.AsteroidCount
	cfg.SpawnRetries = g.SpawnRetries
	cfg.SpawnMargin = g.SpawnMargin
	cfg.WinningScore = g.WinningScore
	cfg.RespawnDelay = g.RespawnDelay
	return cfg
}

// Session sizes the connection registry. the host occupies one of
// MaxPlayers without a connection.
func (g Game) Session() session.Config {
	return session.Config{
		MaxPlayers: g.MaxPlayers - 1,
		Timeout:    g.ServerTimeout,
	}
}

func (g Game) Relay() relay.Config {
	return relay.Config{
		Name:               g.ServerName,
		MaxMessagesPerTick: g.MaxMessagesPerTick,
		SettleTime:         g.SettleTime,
		WorldDataRate:      g.WorldDataRate,
		ServerInfoInterval: g.ServerInfoInterval,
		PowerUpDelay:       g.PowerUpDelay,
	}
}

func (g Game) Lobby() lobby.Config {
	return lobby.Config{
		MaxMembers:         g.MaxPlayers,
		MatchmakingTimeout: g.MatchmakingTimeout,
		MatchmakingRetry:   g.MatchmakingRetry,
	}
}

func (l Log) Logging() logging.Options {
	return logging.Options{
		Level:      l.Level,
		File:       l.File,
		MaxSizeMB:  l.MaxSizeMB,
		MaxBackups: l.MaxBackups,
		MaxAgeDays: l.MaxAgeDays,
	}
}
