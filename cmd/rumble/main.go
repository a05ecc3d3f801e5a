// rumble is a headless peer: it hosts or joins a game through the lobby
// server and flies a ship with random input. useful for load and soak
// testing the relay.
package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	runtimedebug "runtime/debug"
	"syscall"
	"time"

	"github.com/blukai/netrumble/internal/byteorder"
	"github.com/blukai/netrumble/internal/config"
	"github.com/blukai/netrumble/internal/debug"
	"github.com/blukai/netrumble/internal/lobby"
	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/online"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/transport/netudp"
	"github.com/blukai/netrumble/internal/world"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"
)

type Config struct {
	LobbyServerAddr4 string `envconfig:"LOBBY_SERVER_ADDR4" required:"true" default:"127.0.0.1:5000"`
	ListenAddr4      string `envconfig:"LISTEN_ADDR4" default:"127.0.0.1:0"`
	Websocket        bool   `envconfig:"WEBSOCKET"`

	// PeerID is random when zero.
	PeerID uint64 `envconfig:"PEER_ID"`
	Name   string `envconfig:"NAME" default:"rumbler"`
	// Mode is one of host, join or matchmake.
	Mode      string `envconfig:"MODE" default:"matchmake"`
	Lobby     string `envconfig:"LOBBY"`
	FrameRate int    `envconfig:"FRAME_RATE" default:"60"`
	// Rounds to play before exiting, 0 plays forever.
	Rounds int `envconfig:"ROUNDS"`
}

func loadConfig() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	if cfg.FrameRate <= 0 {
		return nil, fmt.Errorf("FRAME_RATE must be positive, got %d", cfg.FrameRate)
	}
	return cfg, nil
}

func randomPeerID() protocol.PeerID {
	id := uuid.New()
	for {
		if v := byteorder.Uint64(id[:8]); v != 0 {
			return protocol.PeerID(v)
		}
		id = uuid.New()
	}
}

// maybeDumpStack is not absolutely panic-free, it theoretically may also panic
func maybeDumpStack() {
	r := recover()
	if r == nil {
		return
	}

	cwd, err := os.Getwd()
	debug.Assert(err == nil)

	filename := filepath.Join(
		cwd,
		"crashes",
		"rumble-"+time.Now().UTC().Format(time.RFC3339)+".txt",
	)
	stackTrace := runtimedebug.Stack()

	debug.Assert(os.MkdirAll(filepath.Dir(filename), 0755) == nil)
	err = os.WriteFile(filename, stackTrace, 0644)
	debug.Assert(err == nil)

	panic(r)
}

type bot struct {
	cfg     *Config
	session *online.Session
	logger  *log.Logger

	rounds     int
	nextInput  time.Time
	lobbyAfter time.Time
}

func (b *bot) start() error {
	switch b.cfg.Mode {
	case "host":
		return b.session.Host(lobby.AccessPublic)
	case "join":
		if b.cfg.Lobby == "" {
			return fmt.Errorf("LOBBY is required in join mode")
		}
		return b.session.Join(lobby.ID(b.cfg.Lobby))
	case "matchmake":
		return b.session.Matchmake(lobby.Filter{})
	}
	return fmt.Errorf("unknown mode %q", b.cfg.Mode)
}

// handle reacts to session events; it reports false when the bot is done.
func (b *bot) handle(ev online.Event, now time.Time) bool {
	l := b.logger.Info().Stringer("event", ev.Kind)
	if ev.Err != nil {
		l = l.Str("error", ev.Err.Error())
	}
	l.Msg("session event")

	switch ev.Kind {
	case online.EventLobbyCreated, online.EventLobbyJoined:
		if err := b.session.SetCosmetic(lobby.KeyColor, strconv.Itoa(rand.IntN(8))); err != nil {
			b.logger.Warn().Msgf("set color: %v", err)
		}
		if err := b.session.SetReady(true); err != nil {
			b.logger.Warn().Msgf("set ready: %v", err)
		}
	case online.EventGameOver:
		b.rounds++
		b.logger.Info().
			Str("winner", ev.Winner).
			Int("round", b.rounds).
			Msg("round over")
		if b.cfg.Rounds > 0 && b.rounds >= b.cfg.Rounds {
			return false
		}
		b.lobbyAfter = now.Add(3 * time.Second)
	case online.EventMatchmakingFailed:
		if err := b.start(); err != nil {
			b.logger.Warn().Msgf("restart matchmaking: %v", err)
		}
	case online.EventHostLeft, online.EventConnectionLost,
		online.EventAuthenticationFailed, online.EventServerFull, online.EventLobbyFull:
		if b.cfg.Mode == "host" {
			return false
		}
		if err := b.session.Leave(); err != nil {
			b.logger.Warn().Msgf("leave: %v", err)
		}
		if err := b.start(); err != nil {
			b.logger.Warn().Msgf("restart: %v", err)
		}
	}
	return true
}

func (b *bot) frame(now time.Time, dt time.Duration) bool {
	b.session.Update(now, dt)
	for _, ev := range b.session.Events() {
		if !b.handle(ev, now) {
			return false
		}
	}

	if !b.lobbyAfter.IsZero() && !now.Before(b.lobbyAfter) {
		b.lobbyAfter = time.Time{}
		if err := b.session.ReturnToLobby(); err != nil {
			b.logger.Warn().Msgf("return to lobby: %v", err)
		}
		if err := b.session.SetReady(true); err != nil {
			b.logger.Warn().Msgf("set ready: %v", err)
		}
	}

	if b.session.World().IsGameInProgress() && !now.Before(b.nextInput) {
		b.nextInput = now.Add(time.Second)
		in := world.Input{
			Thrust: world.Vector2{X: rand.Float32()*2 - 1, Y: rand.Float32()*2 - 1},
		}
		if err := b.session.SendShipInput(in); err != nil {
			b.logger.Debug().Msgf("ship input: %v", err)
		}
		// the odd crash keeps scores moving
		if rand.IntN(10) == 0 {
			if err := b.session.ReportDeath(protocol.InvalidPeerID); err != nil {
				b.logger.Debug().Msgf("report death: %v", err)
			}
		}
	}
	return true
}

func erringMain() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}
	game, err := config.Load("")
	if err != nil {
		return fmt.Errorf("could not process game config: %w", err)
	}

	logger := logging.New(game.Log.Logging())

	id := protocol.PeerID(cfg.PeerID)
	if id == protocol.InvalidPeerID {
		id = randomPeerID()
	}

	backend := &online.NetBackend{
		LobbyAddr:  cfg.LobbyServerAddr4,
		ListenAddr: cfg.ListenAddr4,
		Websocket:  cfg.Websocket,
		Options:    netudp.DefaultOptions(),
		Logger:     logger,
	}
	session, err := online.New(backend, id, cfg.Name, game.Game, logger)
	if err != nil {
		return fmt.Errorf("could not start session: %w", err)
	}
	defer session.Close()

	b := &bot{cfg: cfg, session: session, logger: logger}
	if err := b.start(); err != nil {
		return err
	}
	logger.Info().
		Stringer("peer", id).
		Str("mode", cfg.Mode).
		Msg("rumble started")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	dt := time.Second / time.Duration(cfg.FrameRate)
	ticker := time.NewTicker(dt)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("interrupted")
			return nil
		case now := <-ticker.C:
			if !b.frame(now, dt) {
				return nil
			}
		}
	}
}

func main() {
	defer maybeDumpStack()

	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "rumble failed: %v\n", err)
		os.Exit(42)
	}
}
