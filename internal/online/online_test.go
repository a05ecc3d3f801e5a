package online_test

import (
	"testing"
	"time"

	"github.com/blukai/netrumble/internal/config"
	"github.com/blukai/netrumble/internal/lobby"
	"github.com/blukai/netrumble/internal/online"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/ptr"
	"github.com/blukai/netrumble/internal/world"
	"github.com/matryer/is"
)

const frame = 16 * time.Millisecond

func gameConfig() config.Game {
	return config.Game{
		MaxPlayers:         4,
		ServerTimeout:      10 * time.Second,
		MaxMessagesPerTick: 32,
		WorldDataRate:      10,
		ServerInfoInterval: time.Second,
		ServerName:         "test",

		SpawnRetries:  20,
		SpawnMargin:   64,
		AsteroidCount: 5,
		WinningScore:  2,
		RespawnDelay:  100 * time.Millisecond,
		PowerUpDelay:  time.Hour,
		Seed:          ptr.To(uint64(1)),

		MatchmakingTimeout: 2 * time.Second,
		MatchmakingRetry:   100 * time.Millisecond,
	}
}

type player struct {
	*online.Session
	events []online.Event
}

func (p *player) saw(kind online.EventKind) bool {
	for _, ev := range p.events {
		if ev.Kind == kind {
			return true
		}
	}
	return false
}

func (p *player) last(kind online.EventKind) (online.Event, bool) {
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Kind == kind {
			return p.events[i], true
		}
	}
	return online.Event{}, false
}

type table struct {
	t       *testing.T
	backend *online.MemoryBackend
	now     time.Time
	players []*player
}

func newTable(t *testing.T) *table {
	return &table{
		t:       t,
		backend: online.NewMemoryBackend(nil),
		now:     time.Now(),
	}
}

func (tb *table) add(id protocol.PeerID, name string, cfg config.Game) *player {
	tb.t.Helper()
	s, err := online.New(tb.backend, id, name, cfg, nil)
	if err != nil {
		tb.t.Fatalf("new session: %v", err)
	}
	p := &player{Session: s}
	tb.players = append(tb.players, p)
	return p
}

func (tb *table) step() {
	tb.now = tb.now.Add(frame)
	for _, p := range tb.players {
		p.Update(tb.now, frame)
		p.events = append(p.events, p.Events()...)
	}
}

// until steps every player until cond holds.
func (tb *table) until(cond func() bool) {
	tb.t.Helper()
	for i := 0; i < 500; i++ {
		if cond() {
			return
		}
		tb.step()
	}
	tb.t.Fatal("condition not met in time")
}

func hostAndGuest(t *testing.T) (*table, *player, *player) {
	is := is.New(t)

	tb := newTable(t)
	host := tb.add(1, "host", gameConfig())
	guest := tb.add(2, "guest", gameConfig())

	is.NoErr(host.Host(lobby.AccessPublic))
	tb.until(func() bool { return host.saw(online.EventLobbyCreated) })
	is.True(host.IsHost())
	is.True(host.Connected())

	is.NoErr(guest.Matchmake(lobby.Filter{}))
	tb.until(guest.Connected)
	is.True(guest.saw(online.EventLobbyJoined))
	is.True(!guest.IsHost())

	tb.until(func() bool { return len(host.GetAllPlayerStates()) == 2 })
	return tb, host, guest
}

func TestJoinAndSeeEachOther(t *testing.T) {
	is := is.New(t)
	tb, host, guest := hostAndGuest(t)

	is.Equal(len(guest.GetAllPlayerStates()), 2)
	is.Equal(guest.GetAllPlayerStates()[0].DisplayName, "host")
	is.Equal(host.GetAllPlayerStates()[1].DisplayName, "guest")
	is.True(guest.GetLocalPlayerState().IsLocal)

	is.NoErr(guest.SetCosmetic(lobby.KeyColor, "3"))
	tb.until(func() bool { return host.GetAllPlayerStates()[1].ShipColor == 3 })

	tb.until(func() bool { return guest.ServerInfo().Players == 2 })
	is.Equal(guest.ServerInfo().Name, "test")
	is.Equal(guest.ServerInfo().MaxPlayers, uint8(4))
}

func TestFullRound(t *testing.T) {
	is := is.New(t)
	tb, host, guest := hostAndGuest(t)

	is.NoErr(host.SetReady(true))
	tb.step()
	is.True(!host.saw(online.EventGameStarted)) // guest not ready yet

	is.NoErr(guest.SetReady(true))
	tb.until(func() bool {
		return host.saw(online.EventGameStarted) && guest.World().IsInitialized()
	})
	is.True(guest.saw(online.EventGameStarted))
	is.Equal(host.LobbyState(), lobby.StateInGame)
	is.Equal(guest.LobbyState(), lobby.StateInGame)
	is.Equal(len(guest.World().Asteroids), len(host.World().Asteroids))
	is.Equal(guest.World().WinningScore, int32(2))

	// the guest crashes into the host twice
	for i := 0; i < 2; i++ {
		tb.until(func() bool { return guest.GetLocalPlayerState().Ship.Active })
		is.NoErr(guest.ReportDeath(1))
		is.True(!guest.GetLocalPlayerState().Ship.Active)
		tb.step()
	}

	tb.until(func() bool { return guest.saw(online.EventGameOver) })
	over, ok := guest.last(online.EventGameOver)
	is.True(ok)
	is.Equal(over.Winner, "host")
	is.True(host.saw(online.EventGameOver))
	is.True(!host.World().IsGameInProgress())

	is.NoErr(host.ReturnToLobby())
	is.NoErr(guest.ReturnToLobby())
	is.Equal(host.LobbyState(), lobby.StateInLobby)
	is.True(!host.GetLocalPlayerState().LobbyReady)
	is.True(!guest.World().IsInitialized())
}

func playRound(tb *table, host, guest *player) {
	tb.t.Helper()
	is := is.New(tb.t)

	is.NoErr(host.SetReady(true))
	is.NoErr(guest.SetReady(true))
	tb.until(func() bool {
		return host.World().IsGameInProgress() && guest.World().IsGameInProgress()
	})
	for i := 0; i < 2; i++ {
		tb.until(func() bool { return guest.GetLocalPlayerState().Ship.Active })
		is.NoErr(guest.ReportDeath(1))
		tb.step()
	}
	tb.until(func() bool { return guest.saw(online.EventGameOver) })
}

func TestSecondRound(t *testing.T) {
	is := is.New(t)
	tb, host, guest := hostAndGuest(t)

	playRound(tb, host, guest)

	// the host is back first; the guest is still on the results screen
	is.NoErr(host.ReturnToLobby())
	is.NoErr(host.SetReady(true))
	for i := 0; i < 10; i++ {
		tb.step()
	}
	is.Equal(host.LobbyState(), lobby.StateInLobby)
	is.True(!host.World().IsGameInProgress())
	is.True(guest.IsGameWon())

	host.events, guest.events = nil, nil
	is.NoErr(guest.ReturnToLobby())
	is.NoErr(guest.SetReady(true))
	tb.until(func() bool {
		return host.World().IsGameInProgress() && guest.World().IsGameInProgress()
	})
	is.True(guest.saw(online.EventGameStarted))
	is.Equal(guest.LobbyState(), lobby.StateInGame)
	is.True(!guest.IsGameWon())

	hw, gw := host.World(), guest.World()
	is.Equal(len(gw.Asteroids), len(hw.Asteroids))
	for i := range hw.Asteroids {
		is.Equal(gw.Asteroids[i].Radius, hw.Asteroids[i].Radius)
		is.Equal(gw.Asteroids[i].Variation, hw.Asteroids[i].Variation)
	}
	for _, p := range guest.GetAllPlayerStates() {
		is.Equal(p.Ship.Score, int32(0))
	}

	// and the second round plays out like the first
	for i := 0; i < 2; i++ {
		tb.until(func() bool { return guest.GetLocalPlayerState().Ship.Active })
		is.NoErr(guest.ReportDeath(1))
		tb.step()
	}
	tb.until(func() bool { return guest.saw(online.EventGameOver) })
	over, _ := guest.last(online.EventGameOver)
	is.Equal(over.Winner, "host")
}

func TestLateJoinerGetsWorld(t *testing.T) {
	is := is.New(t)
	tb, host, guest := hostAndGuest(t)

	is.NoErr(host.SetReady(true))
	is.NoErr(guest.SetReady(true))
	tb.until(func() bool { return guest.World().IsGameInProgress() })

	late := tb.add(3, "late", gameConfig())
	var id lobby.ID
	for s := range late.FindLobbies(lobby.Filter{}) {
		id = s.ID
	}
	is.True(id != "")
	is.NoErr(late.Join(id))

	tb.until(func() bool { return late.World().IsInitialized() })
	is.Equal(len(late.World().Asteroids), len(host.World().Asteroids))
	is.True(late.GetLocalPlayerState().InGame)
	is.True(late.saw(online.EventGameStarted))

	// spawned at a free point rather than pushed into a corner
	ship := late.GetLocalPlayerState().Ship
	is.True(ship.Active)
	bounds := late.World().Bounds()
	corner := world.Vector2{X: bounds.Min.X + ship.Radius, Y: bounds.Min.Y + ship.Radius}
	is.True(ship.Position != corner)

	// the others see the late joiner playing
	for _, p := range []*player{host, guest} {
		tb.until(func() bool {
			for _, s := range p.GetAllPlayerStates() {
				if s.ID == 3 {
					return s.InGame && s.Ship.Active
				}
			}
			return false
		})
		is.Equal(len(p.World().Asteroids), len(late.World().Asteroids))
	}
	for _, s := range guest.GetAllPlayerStates() {
		if s.ID == 3 {
			is.True(!s.InLobby)
			is.Equal(s.Ship.Position, ship.Position)
		}
	}
}

func TestHostLeaves(t *testing.T) {
	is := is.New(t)
	tb, host, guest := hostAndGuest(t)

	is.NoErr(host.Leave())
	tb.until(func() bool { return guest.saw(online.EventHostLeft) })

	is.True(!guest.Connected())
	is.Equal(guest.LobbyState(), lobby.StateReady)
	is.Equal(len(guest.GetAllPlayerStates()), 1)
	is.True(!host.IsHost())
}

func TestGuestLeaves(t *testing.T) {
	is := is.New(t)
	tb, host, guest := hostAndGuest(t)

	is.NoErr(guest.Leave())
	tb.until(func() bool { return len(host.GetAllPlayerStates()) == 1 })
	is.Equal(host.ServerInfo().Players, uint8(1))
	is.Equal(guest.LobbyState(), lobby.StateReady)
}

func TestLobbyFull(t *testing.T) {
	is := is.New(t)

	cfg := gameConfig()
	cfg.MaxPlayers = 2

	tb := newTable(t)
	host := tb.add(1, "host", cfg)
	first := tb.add(2, "first", cfg)
	second := tb.add(3, "second", cfg)

	is.NoErr(host.Host(lobby.AccessPublic))
	tb.until(func() bool { return host.saw(online.EventLobbyCreated) })

	var id lobby.ID
	for s := range first.FindLobbies(lobby.Filter{}) {
		id = s.ID
	}
	is.NoErr(first.Join(id))
	tb.until(first.Connected)

	is.NoErr(second.Join(id))
	tb.until(func() bool { return second.saw(online.EventLobbyFull) })
	is.Equal(second.LobbyState(), lobby.StateReady)
	is.True(!second.Connected())
}

func TestAuthenticationFailed(t *testing.T) {
	is := is.New(t)

	hostCfg := gameConfig()
	hostCfg.AuthSecret = "right"
	guestCfg := gameConfig()
	guestCfg.AuthSecret = "wrong"

	tb := newTable(t)
	host := tb.add(1, "host", hostCfg)
	guest := tb.add(2, "guest", guestCfg)

	is.NoErr(host.Host(lobby.AccessPublic))
	tb.until(func() bool { return host.saw(online.EventLobbyCreated) })
	is.NoErr(guest.Matchmake(lobby.Filter{}))

	tb.until(func() bool { return guest.saw(online.EventAuthenticationFailed) })
	is.True(!guest.Connected())
	is.Equal(host.ServerInfo().Players, uint8(1))
}

func TestMatchmakingFails(t *testing.T) {
	is := is.New(t)

	tb := newTable(t)
	lonely := tb.add(1, "lonely", gameConfig())

	is.NoErr(lonely.Matchmake(lobby.Filter{}))
	tb.until(func() bool { return lonely.saw(online.EventMatchmakingFailed) })
	is.Equal(lonely.LobbyState(), lobby.StateReady)
}
