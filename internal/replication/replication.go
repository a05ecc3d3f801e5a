// Package replication applies gameplay messages to this process's peer
// registry and world. it is the client side of the host's relay, and the
// host feeds it the messages it relays so both sides share one code path.
package replication

import (
	"errors"
	"fmt"

	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/peer"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/world"
	"github.com/phuslu/log"
)

var (
	ErrNotInitialized = errors.New("world not initialized")
	ErrSelfOrigin     = errors.New("message originated locally")
	ErrNotAuthority   = errors.New("sender has no authority over message")
	ErrUnknownPeer    = errors.New("unknown peer")
	ErrWorldMismatch  = errors.New("world data does not match snapshot")
)

// Hooks are called after a message has been applied.
type Hooks struct {
	GameStarted func()
	// GameOver reports won=false when the local player had already left.
	GameOver   func(msg protocol.GameOver, won bool)
	PeerJoined func(p *peer.State)
	PeerLeft   func(p *peer.State, reason protocol.DisconnectReason)
}

type Replicator struct {
	peers  *peer.Registry
	world  *world.World
	logger *log.Logger
	hooks  Hooks

	gameWon bool
}

func New(peers *peer.Registry, w *world.World, logger *log.Logger) *Replicator {
	return &Replicator{
		peers:  peers,
		world:  w,
		logger: logging.OrDiscard(logger),
	}
}

func (r *Replicator) SetHooks(hooks Hooks) {
	r.hooks = hooks
}

func (r *Replicator) Peers() *peer.Registry {
	return r.peers
}

func (r *Replicator) World() *world.World {
	return r.world
}

// IsGameWon is true from a GameOver received while in game until the next
// round starts.
func (r *Replicator) IsGameWon() bool {
	return r.gameWon
}

// Reset drops per-round state: the world goes back to uninitialized and
// every peer back to the lobby.
func (r *Replicator) Reset() {
	r.world.ResetDefaults()
	r.gameWon = false
	for _, p := range r.peers.All() {
		if p.Inactive {
			r.peers.Remove(p.ID)
			continue
		}
		p.EnterLobby()
	}
}

// HandleMessage applies msg. Source is the relayed sender for relayed types
// and InvalidPeerID for messages that originate at the server. the returned
// error describes why a message was dropped; it never leaves state half
// applied.
func (r *Replicator) HandleMessage(msg protocol.Message) error {
	if !msg.Type.Known() {
		return nil
	}

	if protocol.IsServerAuthoritative(msg.Type) {
		if msg.Source != protocol.InvalidPeerID {
			return fmt.Errorf("%w: %s from %s", ErrNotAuthority, msg.Type, msg.Source)
		}
		return r.handleServerMessage(msg)
	}

	if !protocol.IsRelayed(msg.Type) {
		return nil
	}
	if msg.Source == protocol.InvalidPeerID {
		return fmt.Errorf("%w: %s without source", protocol.ErrMalformedMessage, msg.Type)
	}
	if msg.Source == r.peers.Local().ID {
		return fmt.Errorf("%w: %s", ErrSelfOrigin, msg.Type)
	}
	return r.handleRelayedMessage(msg)
}

func (r *Replicator) handleServerMessage(msg protocol.Message) error {
	switch msg.Type {
	case protocol.MsgGameStart:
		r.handleGameStart()
		return nil
	case protocol.MsgWorldSetup:
		var body protocol.WorldSetup
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		r.ApplyWorldSetup(&body)
		return nil
	case protocol.MsgWorldData:
		var body protocol.WorldData
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		return r.applyWorldData(&body)
	case protocol.MsgPowerUpSpawn:
		var body protocol.PowerUpSpawn
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		if !r.world.IsInitialized() {
			return fmt.Errorf("%w: dropped %s", ErrNotInitialized, msg.Type)
		}
		r.world.PowerUp = powerUpFromWire(body)
		return nil
	case protocol.MsgGameOver:
		var body protocol.GameOver
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		r.handleGameOver(body)
		return nil
	case protocol.MsgPlayerLeft:
		var body protocol.PlayerLeft
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		return r.handlePlayerLeft(body)
	}
	return nil
}

func (r *Replicator) handleGameStart() {
	if r.world.IsInitialized() && !r.world.IsGameInProgress() {
		// the previous round is still on the results screen
		r.Reset()
	}
	r.gameWon = false
	for _, p := range r.peers.All() {
		if p.InLobby || p.IsLocal {
			p.EnterGame()
		}
	}
	if r.hooks.GameStarted != nil {
		r.hooks.GameStarted()
	}
}

// ApplyWorldSetup initializes the world from a snapshot. an already
// initialized world ignores further snapshots of the same round.
func (r *Replicator) ApplyWorldSetup(msg *protocol.WorldSetup) {
	if r.world.IsInitialized() {
		r.logger.Info().Msg("ignoring world setup: already initialized")
		return
	}

	r.world.Asteroids = make([]*world.Asteroid, len(msg.Asteroids))
	for i, a := range msg.Asteroids {
		r.world.Asteroids[i] = &world.Asteroid{
			Radius:    a.Radius,
			Variation: a.Variation,
			Position:  fromWire(a.Position),
			Velocity:  fromWire(a.Velocity),
		}
	}
	r.world.PowerUp = powerUpFromWire(msg.PowerUp)

	for _, s := range msg.Ships {
		p, created := r.peers.GetOrCreate(s.PeerID, "")
		if created {
			r.logger.Debug().Stringer("peer", s.PeerID).Msg("peer learned from world setup")
		}
		p.EnterGame()
		p.Inactive = false
		p.Ship.Spawn(fromWire(s.Position))
		p.Ship.Weapon = world.WeaponType(s.WeaponType)
	}

	r.world.Initialize(msg.WinningScore)
	r.logger.Info().
		Int("ships", len(msg.Ships)).
		Int("asteroids", len(msg.Asteroids)).
		Int32("winning_score", msg.WinningScore).
		Msg("world initialized")
}

func (r *Replicator) applyWorldData(msg *protocol.WorldData) error {
	if !r.world.IsInitialized() {
		return fmt.Errorf("%w: dropped %s", ErrNotInitialized, protocol.MsgWorldData)
	}
	if len(msg.Asteroids) != len(r.world.Asteroids) {
		return fmt.Errorf("%w: got %d asteroids; have %d",
			ErrWorldMismatch, len(msg.Asteroids), len(r.world.Asteroids))
	}
	for i, a := range msg.Asteroids {
		r.world.Asteroids[i].Position = fromWire(a.Position)
		r.world.Asteroids[i].Velocity = fromWire(a.Velocity)
	}
	return nil
}

func (r *Replicator) handleGameOver(msg protocol.GameOver) {
	local := r.peers.Local()
	won := local.InGame && !local.Inactive
	if won {
		r.world.EndGame()
		r.gameWon = true
	} else {
		r.world.ResetDefaults()
	}
	r.logger.Info().
		Str("winner", msg.WinnerName).
		Bool("in_game", won).
		Msg("game over")
	if r.hooks.GameOver != nil {
		r.hooks.GameOver(msg, won)
	}
}

func (r *Replicator) handlePlayerLeft(msg protocol.PlayerLeft) error {
	p, ok := r.peers.Get(msg.PeerID)
	if !ok {
		return fmt.Errorf("%w: %s left", ErrUnknownPeer, msg.PeerID)
	}
	if p.IsLocal {
		return nil
	}
	if p.InGame {
		p.Depart()
	} else {
		r.peers.Remove(p.ID)
	}
	if r.hooks.PeerLeft != nil {
		r.hooks.PeerLeft(p, msg.Reason)
	}
	return nil
}

func (r *Replicator) handleRelayedMessage(msg protocol.Message) error {
	switch msg.Type {
	case protocol.MsgPlayerJoined, protocol.MsgPlayerInfo:
		var body protocol.PlayerInfo
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		r.ApplyPlayerInfo(msg.Source, &body, msg.Type == protocol.MsgPlayerJoined)
		return nil
	}

	if !r.world.IsInitialized() {
		return fmt.Errorf("%w: dropped %s from %s", ErrNotInitialized, msg.Type, msg.Source)
	}
	if msg.Type == protocol.MsgShipSpawn {
		var body protocol.ShipSpawn
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		// a late joiner may spawn before its PlayerJoined arrives
		p, _ := r.peers.GetOrCreate(msg.Source, "")
		p.EnterGame()
		p.Inactive = false
		p.Ship.Spawn(fromWire(body.Position))
		return nil
	}

	p, ok := r.peers.Get(msg.Source)
	if !ok {
		return fmt.Errorf("%w: %s from %s", ErrUnknownPeer, msg.Type, msg.Source)
	}

	switch msg.Type {
	case protocol.MsgShipInput:
		var body protocol.ShipInput
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		p.Ship.Input = world.Input{
			Thrust:  fromWire(body.Thrust),
			Aim:     fromWire(body.Aim),
			Buttons: body.Buttons,
		}
	case protocol.MsgShipData:
		var body protocol.ShipData
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		s := p.Ship
		s.Position = fromWire(body.Position)
		s.Velocity = fromWire(body.Velocity)
		s.Rotation = body.Rotation
		s.Life = body.Life
		s.Shield = body.Shield
		s.Score = body.Score
	case protocol.MsgShipDeath:
		var body protocol.ShipDeath
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			return err
		}
		killer, _ := r.peers.Get(body.Killer)
		r.ApplyDeath(p, killer)
	}
	return nil
}

// ApplyPlayerInfo creates or refreshes the state of id.
func (r *Replicator) ApplyPlayerInfo(id protocol.PeerID, msg *protocol.PlayerInfo, joined bool) {
	p, created := r.peers.GetOrCreate(id, msg.Name)
	if msg.Name != "" {
		p.DisplayName = msg.Name
	}
	p.ShipColor = msg.ShipColor
	p.ShipVariation = msg.ShipVariation
	if joined && !p.InGame {
		p.InLobby = true
	}
	if created && r.hooks.PeerJoined != nil {
		r.hooks.PeerJoined(p)
	}
}

// ApplyDeath kills victim's ship and settles the score: the killer gains a
// point, or the victim loses one when there is no other killer.
func (r *Replicator) ApplyDeath(victim, killer *peer.State) {
	victim.Ship.Die(r.world.Config().RespawnDelay)
	if killer != nil && killer.ID != victim.ID {
		killer.Ship.Score++
	} else {
		victim.Ship.Score--
	}
}

// Leader returns the playing peer with the highest score, if it reached the
// winning score.
func (r *Replicator) Leader() (*peer.State, bool) {
	if r.world.WinningScore <= 0 {
		return nil, false
	}
	var best *peer.State
	for _, p := range r.peers.Playing() {
		if best == nil || p.Ship.Score > best.Ship.Score {
			best = p
		}
	}
	if best == nil || best.Ship.Score < r.world.WinningScore {
		return nil, false
	}
	return best, true
}
