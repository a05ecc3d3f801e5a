package config_test

import (
	"testing"
	"time"

	"github.com/blukai/netrumble/internal/config"
	"github.com/blukai/netrumble/internal/ptr"
	"github.com/matryer/is"
)

func TestDefaults(t *testing.T) {
	is := is.New(t)

	cfg, err := config.Load("RUMBLETEST")
	is.NoErr(err)

	is.Equal(cfg.Game.MaxPlayers, 16)
	is.Equal(cfg.Game.ServerTimeout, 10*time.Second)
	is.Equal(cfg.Game.WinningScore, int32(5))
	is.True(cfg.Game.Seed == nil)
	is.Equal(cfg.Log.Level, "info")

	is.Equal(cfg.Game.Session().MaxPlayers, 15)
	is.Equal(cfg.Game.Lobby().MaxMembers, 16)
	is.Equal(cfg.Game.World().AsteroidCount, 15)
	is.Equal(cfg.Game.Relay().MaxMessagesPerTick, 32)
}

func TestOverrides(t *testing.T) {
	is := is.New(t)

	t.Setenv("RUMBLETEST_MAX_PLAYERS", "4")
	t.Setenv("RUMBLETEST_SERVER_TIMEOUT", "2s")
	t.Setenv("RUMBLETEST_SEED", "7")
	t.Setenv("RUMBLETEST_LOG_FILE", "/tmp/rumble.log")

	cfg, err := config.Load("RUMBLETEST")
	is.NoErr(err)
	is.Equal(cfg.Game.MaxPlayers, 4)
	is.Equal(cfg.Game.Session().Timeout, 2*time.Second)
	is.Equal(cfg.Game.Seed, ptr.To(uint64(7)))
	is.Equal(cfg.Log.Logging().File, "/tmp/rumble.log")
}

func TestValidate(t *testing.T) {
	is := is.New(t)

	t.Setenv("RUMBLETEST_MAX_PLAYERS", "1")
	_, err := config.Load("RUMBLETEST")
	is.True(err != nil)

	game := config.Game{MaxPlayers: 2, ServerTimeout: time.Second, WorldDataRate: 1, WinningScore: 0}
	is.True(game.Validate() != nil)
	game.WinningScore = 1
	is.NoErr(game.Validate())
}
