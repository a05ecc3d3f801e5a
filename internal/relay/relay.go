// Package relay is the host's server: it admits connections, fans client
// gameplay messages out to every other client tagged with the sender's id,
// and owns the authoritative world broadcasts.
package relay

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/replication"
	"github.com/blukai/netrumble/internal/session"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

const DefaultMaxMessagesPerTick = 32

var ErrExiting = errors.New("server is exiting")

type State uint8

const (
	StateWaitingForPlayers State = iota
	StateActive
	StateExiting
)

func (s State) String() string {
	switch s {
	case StateWaitingForPlayers:
		return "waiting for players"
	case StateActive:
		return "active"
	case StateExiting:
		return "exiting"
	}
	return "unknown"
}

type Config struct {
	Name               string
	MaxMessagesPerTick int
	// SettleTime must pass before the server leaves StateWaitingForPlayers.
	SettleTime         time.Duration
	WorldDataRate      int
	ServerInfoInterval time.Duration
	PowerUpDelay       time.Duration
}

// LocalHandler is the host's own client side. relayed and server-origin
// messages are handed to it the same way a remote client would see them.
type LocalHandler interface {
	HandleMessage(msg protocol.Message)
	PeerDisconnected(id protocol.PeerID, inGame bool, reason protocol.DisconnectReason)
}

type Server struct {
	cfg      Config
	tr       transport.Transport
	sessions *session.Registry
	host     *replication.Replicator
	local    LocalHandler
	logger   *log.Logger

	state     State
	createdAt time.Time
	loopback  transport.ConnHandle

	lastWorldData time.Time
	lastInfo      time.Time
	powerUpDue    time.Time

	// OnServerInfo publishes discovery metadata, e.g. into lobby properties.
	OnServerInfo func(info protocol.ServerSendInfo)
}

// New creates a relay over tr. host holds the host's peers and world, local
// receives everything the host should react to.
func New(
	cfg Config,
	tr transport.Transport,
	sessions *session.Registry,
	host *replication.Replicator,
	local LocalHandler,
	now time.Time,
	logger *log.Logger,
) *Server {
	if cfg.MaxMessagesPerTick <= 0 {
		cfg.MaxMessagesPerTick = DefaultMaxMessagesPerTick
	}

	s := &Server{
		cfg:      cfg,
		tr:       tr,
		sessions: sessions,
		host:     host,
		local:    local,
		logger:   logging.OrDiscard(logger),

		createdAt: now,
	}
	sessions.OnAuthenticated = s.onAuthenticated
	sessions.OnRemoved = s.onRemoved
	return s
}

func (s *Server) State() State {
	return s.state
}

func (s *Server) Addr() string {
	return s.tr.Addr()
}

func (s *Server) Sessions() *session.Registry {
	return s.sessions
}

// SetLoopback marks handle as the host's own connection; it never receives
// relayed copies.
func (s *Server) SetLoopback(handle transport.ConnHandle) {
	s.loopback = handle
}

func (s *Server) hostID() protocol.PeerID {
	return s.host.Peers().Local().ID
}

// Update runs one server tick: connection events, a bounded batch of
// messages and the periodic work.
func (s *Server) Update(now time.Time) {
	for _, ev := range s.tr.Events() {
		s.OnConnectionStateChanged(ev, now)
	}
	s.ProcessIncomingMessages(now)
	s.Tick(now)
}

func (s *Server) OnConnectionStateChanged(ev transport.StatusEvent, now time.Time) {
	switch ev.State {
	case transport.StateConnecting:
		if s.state == StateExiting {
			s.closeTransport(ev.Conn, protocol.ReasonServerClosing)
			return
		}
		if _, err := s.sessions.TryAcceptPending(ev.Conn, now); err != nil {
			s.logger.Info().
				Stringer("conn", ev.Conn).
				Msgf("rejecting connection: %v", err)
			reason := protocol.ReasonInvalid
			if errors.Is(err, session.ErrServerFull) {
				reason = protocol.ReasonServerFull
			}
			s.closeTransport(ev.Conn, reason)
			return
		}
		if err := s.tr.Accept(ev.Conn); err != nil {
			s.logger.Warn().
				Stringer("conn", ev.Conn).
				Msgf("could not accept connection: %v", err)
			s.sessions.RemoveConnection(ev.Conn, protocol.ReasonInvalid)
		}
	case transport.StateConnected:
		s.logger.Debug().Stringer("conn", ev.Conn).Msg("connection established")
	case transport.StateClosedByPeer:
		reason := protocol.DisconnectReason(ev.Reason)
		if reason == protocol.ReasonNone {
			reason = protocol.ReasonClientLeft
		}
		s.sessions.RemoveConnection(ev.Conn, reason)
	case transport.StateProblemDetectedLocally:
		s.sessions.RemoveConnection(ev.Conn, protocol.ReasonClientKicked)
	}
}

func (s *Server) closeTransport(handle transport.ConnHandle, reason protocol.DisconnectReason) {
	if err := s.tr.CloseConn(handle, uint32(reason)); err != nil {
		s.logger.Debug().
			Stringer("conn", handle).
			Msgf("could not close connection: %v", err)
	}
}

// ProcessIncomingMessages drains at most MaxMessagesPerTick messages. a bad
// message is logged and dropped; the rest of the batch still runs.
func (s *Server) ProcessIncomingMessages(now time.Time) {
	for _, msg := range s.tr.Receive(s.cfg.MaxMessagesPerTick) {
		s.handleMessage(msg, now)
	}
}

func (s *Server) handleMessage(msg transport.Message, now time.Time) {
	conn, ok := s.sessions.Lookup(msg.Conn)
	if !ok {
		s.logger.Debug().
			Stringer("conn", msg.Conn).
			Msg("message from unknown connection")
		return
	}
	s.sessions.Touch(msg.Conn, now)

	t, payload, err := protocol.Decode(msg.Data)
	if err != nil {
		s.logger.Warn().
			Stringer("conn", msg.Conn).
			Msgf("dropping message: %v", err)
		return
	}

	if conn.Phase == session.PhasePending {
		s.handlePendingMessage(conn, t, payload, now)
		return
	}

	switch {
	case protocol.IsControl(t):
		s.handleControlMessage(conn, t, payload)
	case protocol.IsServerAuthoritative(t):
		s.logger.Warn().
			Stringer("peer", conn.PeerID).
			Msgf("dropping %s: only the server may send it", t)
	case protocol.IsRelayed(t):
		s.relay(conn, t, payload)
	default:
		s.logger.Debug().
			Stringer("peer", conn.PeerID).
			Msgf("ignoring message type %s", t)
	}
}

func (s *Server) handlePendingMessage(conn *session.Conn, t protocol.MsgType, payload []byte, now time.Time) {
	switch t {
	case protocol.MsgClientBeginAuthentication:
		var body protocol.ClientBeginAuthentication
		if err := body.UnmarshalBinary(payload); err != nil {
			s.logger.Warn().
				Stringer("conn", conn.Handle).
				Msgf("dropping %s: %v", t, err)
			return
		}
		if err := s.sessions.BeginAuthentication(conn.Handle, body, now); err != nil {
			s.logger.Info().
				Stringer("conn", conn.Handle).
				Msgf("authentication rejected: %v", err)
		}
	case protocol.MsgClientKeepAlive:
	case protocol.MsgClientLeavingServer:
		s.sessions.RemoveConnection(conn.Handle, protocol.ReasonClientLeft)
	default:
		s.logger.Debug().
			Stringer("conn", conn.Handle).
			Msgf("dropping %s from unauthenticated connection", t)
	}
}

func (s *Server) handleControlMessage(conn *session.Conn, t protocol.MsgType, payload []byte) {
	switch t {
	case protocol.MsgClientKeepAlive, protocol.MsgClientBeginAuthentication:
	case protocol.MsgClientLeavingServer:
		s.sessions.RemoveConnection(conn.Handle, protocol.ReasonClientLeft)
	case protocol.MsgP2PSendingTicket:
		var body protocol.P2PSendingTicket
		if err := body.UnmarshalBinary(payload); err != nil {
			s.logger.Warn().Stringer("peer", conn.PeerID).Msgf("dropping %s: %v", t, err)
			return
		}
		to := body.PeerID
		body.PeerID = conn.PeerID
		if to == s.hostID() {
			s.deliverLocal(t, conn.PeerID, &body)
			return
		}
		target, ok := s.sessions.FindPeer(to)
		if !ok {
			s.logger.Info().
				Stringer("from", conn.PeerID).
				Stringer("to", to).
				Msg("ticket recipient not connected")
			return
		}
		data, err := protocol.EncodeBody(t, &body)
		if err != nil {
			s.logger.Error().Msgf("could not encode %s: %v", t, err)
			return
		}
		if err := s.tr.Send(target.Handle, data, transport.Reliable); err != nil {
			s.logger.Warn().Stringer("conn", target.Handle).Msgf("could not forward ticket: %v", err)
		}
	case protocol.MsgVoiceChatData:
		var body protocol.VoiceChatData
		if err := body.UnmarshalBinary(payload); err != nil {
			s.logger.Warn().Stringer("peer", conn.PeerID).Msgf("dropping %s: %v", t, err)
			return
		}
		body.PeerID = conn.PeerID
		data, err := protocol.EncodeBody(t, &body)
		if err != nil {
			s.logger.Error().Msgf("could not encode %s: %v", t, err)
			return
		}
		if err := s.SendToAllExcept(data, []transport.ConnHandle{conn.Handle}, transport.Reliable); err != nil {
			s.logger.Warn().Msgf("voice fan-out: %v", err)
		}
		s.deliverLocal(t, conn.PeerID, &body)
	default:
		s.logger.Warn().
			Stringer("peer", conn.PeerID).
			Msgf("dropping %s: not accepted from clients", t)
	}
}

func (s *Server) deliverLocal(t protocol.MsgType, source protocol.PeerID, body protocol.Body) {
	if s.local == nil {
		return
	}
	payload, err := body.MarshalBinary()
	if err != nil {
		s.logger.Error().Msgf("could not marshal %s: %v", t, err)
		return
	}
	s.local.HandleMessage(protocol.Message{Type: t, Source: source, Payload: payload})
}

// relay validates a client gameplay message, forwards it to everyone but
// the sender and applies it on the host.
func (s *Server) relay(conn *session.Conn, t protocol.MsgType, payload []byte) {
	if body := protocol.NewBody(t); body != nil {
		if err := body.UnmarshalBinary(payload); err != nil {
			s.logger.Warn().
				Stringer("peer", conn.PeerID).
				Msgf("dropping %s: %v", t, err)
			return
		}
	}

	data := protocol.EncodeWithSource(t, conn.PeerID, payload)
	reliability := transport.Unreliable
	if protocol.IsReliable(t) {
		reliability = transport.Reliable
	}
	if err := s.SendToAllExcept(data, []transport.ConnHandle{conn.Handle}, reliability); err != nil {
		s.logger.Warn().
			Stringer("peer", conn.PeerID).
			Msgf("relay of %s: %v", t, err)
	}

	if s.local != nil {
		s.local.HandleMessage(protocol.Message{Type: t, Source: conn.PeerID, Payload: payload})
	}
}

// SendToAll sends data to every active connection except the loopback.
func (s *Server) SendToAll(data []byte, reliability transport.Reliability) error {
	return s.SendToAllExcept(data, nil, reliability)
}

// SendToAllExcept sends data to every active connection not in except. an
// oversized message is not sent to anyone. failures for single recipients
// are collected and do not stop the fan-out.
func (s *Server) SendToAllExcept(data []byte, except []transport.ConnHandle, reliability transport.Reliability) error {
	if limit := s.tr.MaxMessageSize(); len(data) > limit {
		err := fmt.Errorf("%w: %d bytes; max %d", transport.ErrMessageTooLarge, len(data), limit)
		s.logger.Error().Msgf("not sending: %v", err)
		return err
	}

	var result error
	for _, c := range s.sessions.Active() {
		if c.Handle == transport.InvalidConn || c.Handle == s.loopback || slices.Contains(except, c.Handle) {
			continue
		}
		if err := s.tr.Send(c.Handle, data, reliability); err != nil {
			result = multierror.Append(result, fmt.Errorf("%s: %w", c.Handle, err))
		}
	}
	return result
}

// Broadcast sends a server-origin message to every client.
func (s *Server) Broadcast(t protocol.MsgType, body protocol.Body) error {
	data, err := protocol.EncodeBody(t, body)
	if err != nil {
		return err
	}
	reliability := transport.Unreliable
	if protocol.IsReliable(t) {
		reliability = transport.Reliable
	}
	return s.SendToAll(data, reliability)
}

// SendFromHost relays a gameplay message the host itself produced, tagged
// with the host's peer id.
func (s *Server) SendFromHost(t protocol.MsgType, body protocol.Body) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = body.MarshalBinary(); err != nil {
			return err
		}
	}
	reliability := transport.Unreliable
	if protocol.IsReliable(t) {
		reliability = transport.Reliable
	}
	return s.SendToAll(protocol.EncodeWithSource(t, s.hostID(), payload), reliability)
}

func (s *Server) sendTo(handle transport.ConnHandle, data []byte) {
	if err := s.tr.Send(handle, data, transport.Reliable); err != nil {
		s.logger.Warn().Stringer("conn", handle).Msgf("send failed: %v", err)
	}
}

func (s *Server) onAuthenticated(c *session.Conn) {
	hostPeers := s.host.Peers()

	// tell the newcomer who is already here
	for _, p := range hostPeers.All() {
		if p.ID == c.PeerID || p.Inactive {
			continue
		}
		payload, err := replication.BuildPlayerInfo(p).MarshalBinary()
		if err != nil {
			continue
		}
		s.sendTo(c.Handle, protocol.EncodeWithSource(protocol.MsgPlayerInfo, p.ID, payload))
	}

	w := s.host.World()
	if !w.IsGameInProgress() {
		return
	}

	p, _ := hostPeers.GetOrCreate(c.PeerID, c.Name)
	p.EnterGame()
	p.Inactive = false
	p.Ship.Spawn(w.FindSpawnPoint(p.Ship.Radius, w.RandomPoint(p.Ship.Radius), hostPeers.Ships()))
	c.InGame = true

	s.sendTo(c.Handle, protocol.Encode(protocol.MsgGameStart, nil))
	data, err := protocol.EncodeBody(protocol.MsgWorldSetup, replication.BuildWorldSetup(w, hostPeers))
	if err != nil {
		s.logger.Error().Msgf("could not encode world setup: %v", err)
		return
	}
	s.sendTo(c.Handle, data)

	// everyone else learns about the new ship as if its owner spawned it
	spawn, err := replication.BuildShipSpawn(p.Ship).MarshalBinary()
	if err != nil {
		s.logger.Error().Msgf("could not marshal ship spawn: %v", err)
		return
	}
	data = protocol.EncodeWithSource(protocol.MsgShipSpawn, c.PeerID, spawn)
	if err := s.SendToAllExcept(data, []transport.ConnHandle{c.Handle}, transport.Reliable); err != nil {
		s.logger.Warn().Stringer("peer", c.PeerID).Msgf("could not announce late joiner: %v", err)
	}
	s.logger.Info().
		Stringer("peer", c.PeerID).
		Float32("x", p.Ship.Position.X).
		Float32("y", p.Ship.Position.Y).
		Msg("late joiner spawned")
}

func (s *Server) onRemoved(c session.Conn, reason protocol.DisconnectReason) {
	if s.state != StateExiting {
		left := &protocol.PlayerLeft{PeerID: c.PeerID, Reason: reason}
		if err := s.Broadcast(protocol.MsgPlayerLeft, left); err != nil {
			s.logger.Warn().Msgf("could not announce departure: %v", err)
		}
		s.deliverLocal(protocol.MsgPlayerLeft, protocol.InvalidPeerID, left)
	}
	if s.local != nil {
		s.local.PeerDisconnected(c.PeerID, c.InGame, reason)
	}
}

// StartGame generates a fresh world for the host and every authenticated
// client and announces it.
func (s *Server) StartGame(now time.Time) error {
	if s.state == StateExiting {
		return ErrExiting
	}

	peers := s.host.Peers()
	peers.Local().EnterGame()
	for _, c := range s.sessions.Active() {
		p, _ := peers.GetOrCreate(c.PeerID, c.Name)
		p.EnterGame()
		c.InGame = true
	}
	for _, p := range peers.All() {
		p.Inactive = false
		p.Ship.Score = 0
	}

	w := s.host.World()
	w.Generate(peers.Ships())
	s.lastWorldData = now
	s.powerUpDue = now.Add(s.cfg.PowerUpDelay)

	var result error
	if err := s.Broadcast(protocol.MsgGameStart, nil); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.Broadcast(protocol.MsgWorldSetup, replication.BuildWorldSetup(w, peers)); err != nil {
		result = multierror.Append(result, err)
	}
	if s.local != nil {
		s.local.HandleMessage(protocol.Message{Type: protocol.MsgGameStart})
	}

	s.logger.Info().
		Int("players", len(peers.Playing())).
		Int("asteroids", len(w.Asteroids)).
		Msg("game started")
	return result
}

// ReturnToLobby ends the round on the host side.
func (s *Server) ReturnToLobby() {
	s.host.Reset()
	for _, c := range s.sessions.Active() {
		c.InGame = false
	}
}

func (s *Server) Tick(now time.Time) {
	s.sessions.Tick(now)

	switch s.state {
	case StateExiting:
		return
	case StateWaitingForPlayers:
		if now.Sub(s.createdAt) >= s.cfg.SettleTime && s.sessions.ActiveCount() > 0 {
			s.state = StateActive
			s.logger.Info().Msg("server active")
		}
	}

	if s.cfg.ServerInfoInterval > 0 && now.Sub(s.lastInfo) >= s.cfg.ServerInfoInterval {
		s.lastInfo = now
		s.publishInfo()
	}

	w := s.host.World()
	if !w.IsGameInProgress() {
		return
	}

	if s.cfg.WorldDataRate > 0 && now.Sub(s.lastWorldData) >= time.Second/time.Duration(s.cfg.WorldDataRate) {
		s.lastWorldData = now
		if err := s.Broadcast(protocol.MsgWorldData, replication.BuildWorldData(w)); err != nil {
			s.logger.Debug().Msgf("world data: %v", err)
		}
	}

	if w.PowerUp == nil && !now.Before(s.powerUpDue) {
		p := w.SpawnPowerUp(s.host.Peers().Ships())
		s.powerUpDue = now.Add(s.cfg.PowerUpDelay)
		if err := s.Broadcast(protocol.MsgPowerUpSpawn, replication.BuildPowerUpSpawn(p)); err != nil {
			s.logger.Warn().Msgf("power up spawn: %v", err)
		}
	}

	if leader, ok := s.host.Leader(); ok {
		over := &protocol.GameOver{WinningColor: leader.ShipColor, WinnerName: leader.DisplayName}
		w.EndGame()
		if err := s.Broadcast(protocol.MsgGameOver, over); err != nil {
			s.logger.Warn().Msgf("game over: %v", err)
		}
		s.deliverLocal(protocol.MsgGameOver, protocol.InvalidPeerID, over)
	}
}

func (s *Server) Info() protocol.ServerSendInfo {
	return protocol.ServerSendInfo{
		Name:       s.cfg.Name,
		Players:    uint8(s.sessions.ActiveCount() + 1),
		MaxPlayers: uint8(s.sessions.Capacity() + 1),
		InGame:     s.host.World().IsGameInProgress(),
	}
}

func (s *Server) publishInfo() {
	info := s.Info()
	if err := s.Broadcast(protocol.MsgServerSendInfo, &info); err != nil {
		s.logger.Debug().Msgf("server info: %v", err)
	}
	if s.OnServerInfo != nil {
		s.OnServerInfo(info)
	}
}

// Shutdown tells every client the server is going away and closes them.
func (s *Server) Shutdown() {
	if s.state == StateExiting {
		return
	}
	s.state = StateExiting
	if err := s.Broadcast(protocol.MsgServerStateExiting, nil); err != nil {
		s.logger.Warn().Msgf("exit notice: %v", err)
	}
	for _, c := range s.sessions.Active() {
		s.sessions.RemoveConnection(c.Handle, protocol.ReasonServerClosing)
	}
	s.logger.Info().Msg("server shut down")
}
