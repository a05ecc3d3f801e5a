// Package online wires lobby, relay and replication into the single object a
// game front end talks to. a Session is driven from one goroutine by Update.
package online

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/blukai/netrumble/internal/config"
	"github.com/blukai/netrumble/internal/lobby"
	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/peer"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/relay"
	"github.com/blukai/netrumble/internal/replication"
	"github.com/blukai/netrumble/internal/session"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/blukai/netrumble/internal/world"
	"github.com/phuslu/log"
)

var (
	ErrNotConnected  = errors.New("not connected to a game server")
	ErrServerExiting = errors.New("server is shutting down")
)

type EventKind uint8

const (
	EventLobbyCreated EventKind = iota + 1
	EventLobbyJoined
	EventLobbyFull
	EventServerFull
	EventAuthenticationFailed
	EventConnectionFailed
	EventConnectionLost
	EventMatchmakingFailed
	EventHostLeft
	EventGameStarted
	EventGameOver
)

func (k EventKind) String() string {
	switch k {
	case EventLobbyCreated:
		return "lobby created"
	case EventLobbyJoined:
		return "lobby joined"
	case EventLobbyFull:
		return "lobby full"
	case EventServerFull:
		return "server full"
	case EventAuthenticationFailed:
		return "authentication failed"
	case EventConnectionFailed:
		return "connection failed"
	case EventConnectionLost:
		return "connection lost"
	case EventMatchmakingFailed:
		return "matchmaking failed"
	case EventHostLeft:
		return "host left"
	case EventGameStarted:
		return "game started"
	case EventGameOver:
		return "game over"
	}
	return "event(" + strconv.Itoa(int(k)) + ")"
}

// Event is a notification for menu screens. Err explains failures, Winner
// and Won describe a GameOver.
type Event struct {
	Kind   EventKind
	Err    error
	Winner string
	Won    bool
}

type clientState uint8

const (
	clientIdle clientState = iota
	clientConnecting
	clientAuthenticating
	clientConnected
)

type Session struct {
	cfg     config.Game
	backend Backend
	logger  *log.Logger

	peers   *peer.Registry
	world   *world.World
	repl    *replication.Replicator
	svc     lobby.Service
	machine *lobby.Machine

	now    time.Time
	events []Event

	// host side
	server   *relay.Server
	serverTr transport.Transport

	// client side
	clientTr   transport.Transport
	conn       transport.ConnHandle
	state      clientState
	serverAddr string
	serverInfo protocol.ServerSendInfo
	lastSent   time.Time

	lastShipData time.Time
}

func New(backend Backend, id protocol.PeerID, name string, cfg config.Game, logger *log.Logger) (*Session, error) {
	logger = logging.OrDiscard(logger)

	svc, err := backend.Lobby(id)
	if err != nil {
		return nil, fmt.Errorf("could not connect to lobby service: %w", err)
	}

	var rng *rand.Rand
	if cfg.Seed != nil {
		rng = rand.New(rand.NewPCG(*cfg.Seed, uint64(id)))
	}

	s := &Session{
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		peers:   peer.NewRegistry(id, name),
		svc:     svc,
		now:     time.Now(),
	}
	s.world = world.New(cfg.World(), rng)
	s.repl = replication.New(s.peers, s.world, logger)
	s.machine = lobby.NewMachine(svc, s.peers, cfg.Lobby(), logger)

	s.repl.SetHooks(replication.Hooks{
		GameStarted: s.onGameStarted,
		GameOver:    s.onGameOver,
	})
	s.machine.SetHooks(lobby.Hooks{
		Created:              s.onLobbyCreated,
		Joined:               s.onLobbyJoined,
		JoinFailed:           s.onJoinFailed,
		MatchmakingFailed:    func() { s.emit(Event{Kind: EventMatchmakingFailed}) },
		HostLeft:             s.onHostLeft,
		LobbyPropertyChanged: s.onLobbyPropertyChanged,
	})
	return s, nil
}

func (s *Session) emit(ev Event) {
	s.logger.Debug().Stringer("event", ev.Kind).Msg("session event")
	s.events = append(s.events, ev)
}

// Events drains the notifications raised since the last call.
func (s *Session) Events() []Event {
	events := s.events
	s.events = nil
	return events
}

func (s *Session) GetAllPlayerStates() []*peer.State {
	return s.peers.All()
}

func (s *Session) GetLocalPlayerState() *peer.State {
	return s.peers.Local()
}

func (s *Session) IsHost() bool {
	return s.server != nil
}

func (s *Session) IsGameWon() bool {
	return s.repl.IsGameWon()
}

func (s *Session) LobbyState() lobby.State {
	return s.machine.State()
}

func (s *Session) World() *world.World {
	return s.world
}

// ServerInfo is the latest ServerSendInfo; the host reports its own.
func (s *Session) ServerInfo() protocol.ServerSendInfo {
	if s.server != nil {
		return s.server.Info()
	}
	return s.serverInfo
}

// Connected is true once the game server accepted this client. the host is
// always connected to itself.
func (s *Session) Connected() bool {
	return s.server != nil || s.state == clientConnected
}

func (s *Session) Host(policy lobby.AccessPolicy) error {
	return s.machine.CreateLobby(policy)
}

func (s *Session) FindLobbies(filter lobby.Filter) iter.Seq[lobby.Summary] {
	return s.machine.FindLobbies(filter)
}

func (s *Session) Join(id lobby.ID) error {
	return s.machine.JoinLobby(id)
}

func (s *Session) Matchmake(filter lobby.Filter) error {
	return s.machine.StartMatchmaking(filter, s.now)
}

func (s *Session) SetReady(ready bool) error {
	return s.machine.SetReadyState(ready)
}

// SetCosmetic publishes a lobby member property; a connected peer also
// tells the game server so running games pick it up.
func (s *Session) SetCosmetic(key, value string) error {
	if err := s.machine.SetCosmetic(key, value); err != nil {
		return err
	}
	if !s.Connected() {
		return nil
	}
	return s.sendGameplay(protocol.MsgPlayerInfo, replication.BuildPlayerInfo(s.peers.Local()))
}

// Leave drops the game connection (shutting the server down on the host)
// and leaves the lobby.
func (s *Session) Leave() error {
	s.stopServer()
	s.disconnect(protocol.ReasonClientLeft)
	s.repl.Reset()
	return s.machine.LeaveLobby()
}

// ReturnToLobby ends the round locally; readiness resets so the host waits
// for everyone to ready up again.
func (s *Session) ReturnToLobby() error {
	if s.server != nil {
		s.server.ReturnToLobby()
	} else {
		s.repl.Reset()
	}
	return s.machine.ReturnToLobby()
}

// Close leaves everything and releases the lobby service.
func (s *Session) Close() error {
	err := s.Leave()
	if closer, ok := s.svc.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// SendShipInput applies in to the local ship and shares it.
func (s *Session) SendShipInput(in world.Input) error {
	local := s.peers.Local()
	local.Ship.Input = in
	if !s.world.IsGameInProgress() {
		return nil
	}
	return s.sendGameplay(protocol.MsgShipInput, replication.BuildShipInput(in))
}

// ReportDeath kills the local ship. killer is InvalidPeerID for a crash.
func (s *Session) ReportDeath(killer protocol.PeerID) error {
	local := s.peers.Local()
	if !local.Ship.Active {
		return nil
	}
	k, _ := s.peers.Get(killer)
	s.repl.ApplyDeath(local, k)
	return s.sendGameplay(protocol.MsgShipDeath, &protocol.ShipDeath{Killer: killer})
}

// sendGameplay sends a relayed gameplay message as the local peer.
func (s *Session) sendGameplay(t protocol.MsgType, body protocol.Body) error {
	if s.server != nil {
		return s.server.SendFromHost(t, body)
	}
	if s.state != clientConnected {
		return ErrNotConnected
	}
	data, err := protocol.EncodeBody(t, body)
	if err != nil {
		return err
	}
	reliability := transport.Unreliable
	if protocol.IsReliable(t) {
		reliability = transport.Reliable
	}
	return s.sendToServer(data, reliability)
}

func (s *Session) sendToServer(data []byte, reliability transport.Reliability) error {
	if err := s.clientTr.Send(s.conn, data, reliability); err != nil {
		return err
	}
	s.lastSent = s.now
	return nil
}

// Update runs one frame: lobby events, the server tick on the host, server
// traffic on clients and the local simulation.
func (s *Session) Update(now time.Time, dt time.Duration) {
	s.now = now

	s.machine.Update(now)

	if s.server != nil {
		s.server.Update(now)
		s.maybeStartGame(now)
	}
	if s.clientTr != nil {
		s.updateClient(now)
	}

	s.simulate(now, dt)
}

// maybeStartGame is the host's readiness check; clients never start games.
func (s *Session) maybeStartGame(now time.Time) {
	if s.machine.State() != lobby.StateInLobby || !s.machine.CheckAllReady() {
		return
	}
	if err := s.machine.BeginGameStart(); err != nil {
		s.logger.Warn().Msgf("could not begin game start: %v", err)
		return
	}
	if err := s.server.StartGame(now); err != nil {
		s.logger.Warn().Msgf("start game: %v", err)
	}
	s.lastShipData = now
}

func (s *Session) simulate(now time.Time, dt time.Duration) {
	if !s.world.IsGameInProgress() {
		return
	}
	s.world.Update(dt)

	bounds := s.world.Bounds()
	for _, p := range s.peers.Playing() {
		p.Ship.Update(dt, bounds)
	}

	local := s.peers.Local()
	if !local.InGame || local.Inactive || !s.Connected() {
		return
	}

	if local.Ship.ReadyToRespawn() {
		radius := local.Ship.Radius
		pos := s.world.FindSpawnPoint(radius, s.world.RandomPoint(radius), s.peers.Ships())
		local.Ship.Spawn(pos)
		if err := s.sendGameplay(protocol.MsgShipSpawn, replication.BuildShipSpawn(local.Ship)); err != nil {
			s.logger.Warn().Msgf("ship spawn: %v", err)
		}
	}

	if rate := s.cfg.WorldDataRate; rate > 0 && now.Sub(s.lastShipData) >= time.Second/time.Duration(rate) {
		s.lastShipData = now
		if err := s.sendGameplay(protocol.MsgShipData, replication.BuildShipData(local.Ship)); err != nil {
			s.logger.Debug().Msgf("ship data: %v", err)
		}
	}
}

func (s *Session) onLobbyCreated(id lobby.ID) {
	local := s.peers.Local()
	tr, err := s.backend.Listen(local.ID)
	if err != nil {
		s.logger.Error().Msgf("could not open game server: %v", err)
		s.emit(Event{Kind: EventConnectionFailed, Err: err})
		if err := s.machine.LeaveLobby(); err != nil {
			s.logger.Warn().Msgf("leave lobby: %v", err)
		}
		return
	}

	var auth session.Authenticator
	if s.cfg.AuthSecret != "" {
		auth = session.TicketAuthenticator{Secret: s.cfg.AuthSecret}
	}
	sessions := session.NewRegistry(s.cfg.Session(), tr, auth, s.logger)
	s.serverTr = tr
	s.server = relay.New(s.cfg.Relay(), tr, sessions, s.repl, hostHandler{s}, s.now, s.logger)
	s.server.OnServerInfo = s.publishServerInfo

	for key, value := range map[string]string{
		lobby.KeyServer:     tr.Addr(),
		lobby.KeyServerName: s.cfg.ServerName,
	} {
		if err := s.machine.SetLobbyProperty(key, value); err != nil {
			s.logger.Warn().Msgf("could not publish %s: %v", key, err)
		}
	}

	s.logger.Info().
		Str("lobby", string(id)).
		Str("addr", tr.Addr()).
		Msg("hosting")
	s.emit(Event{Kind: EventLobbyCreated})
}

func (s *Session) publishServerInfo(info protocol.ServerSendInfo) {
	_ = s.machine.SetLobbyProperty(lobby.KeyPlayers, strconv.Itoa(int(info.Players)))
	_ = s.machine.SetLobbyProperty(lobby.KeyInGame, strconv.FormatBool(info.InGame))
}

func (s *Session) stopServer() {
	if s.server == nil {
		return
	}
	s.server.Shutdown()
	if err := s.serverTr.Close(); err != nil {
		s.logger.Warn().Msgf("could not close server transport: %v", err)
	}
	s.server = nil
	s.serverTr = nil
}

func (s *Session) onLobbyJoined(id lobby.ID) {
	s.emit(Event{Kind: EventLobbyJoined})
	if addr := s.machine.LobbyProperty(lobby.KeyServer); addr != "" {
		s.connect(addr)
	}
}

func (s *Session) onJoinFailed(err error) {
	if errors.Is(err, lobby.ErrLobbyFull) {
		s.emit(Event{Kind: EventLobbyFull, Err: err})
		return
	}
	s.emit(Event{Kind: EventConnectionFailed, Err: err})
}

func (s *Session) onHostLeft() {
	s.disconnect(protocol.ReasonClientLeft)
	s.repl.Reset()
	s.emit(Event{Kind: EventHostLeft})
}

func (s *Session) onLobbyPropertyChanged(key, value string) {
	if key != lobby.KeyServer || s.server != nil || value == "" {
		return
	}
	s.connect(value)
}

func (s *Session) onGameStarted() {
	if err := s.machine.EnterGame(); err != nil {
		s.logger.Warn().Msgf("enter game: %v", err)
	}
	s.lastShipData = s.now
	s.emit(Event{Kind: EventGameStarted})
}

func (s *Session) onGameOver(msg protocol.GameOver, won bool) {
	if s.server != nil {
		s.machine.ExpireReadiness()
	}
	s.emit(Event{Kind: EventGameOver, Winner: msg.WinnerName, Won: won})
}

// connect dials the lobby's game server. the handshake continues in
// updateClient.
func (s *Session) connect(addr string) {
	if s.clientTr != nil && s.serverAddr == addr {
		return
	}
	s.disconnect(protocol.ReasonClientLeft)

	tr, conn, err := s.backend.Dial(addr)
	if err != nil {
		s.logger.Warn().Str("addr", addr).Msgf("could not dial game server: %v", err)
		s.emit(Event{Kind: EventConnectionFailed, Err: err})
		return
	}
	s.clientTr = tr
	s.conn = conn
	s.state = clientConnecting
	s.serverAddr = addr
	s.lastSent = s.now
	s.logger.Info().Str("addr", addr).Msg("connecting to game server")
}

// disconnect tears down the client connection, telling the server when it
// is still reachable.
func (s *Session) disconnect(reason protocol.DisconnectReason) {
	if s.clientTr == nil {
		return
	}
	if s.state == clientConnected || s.state == clientAuthenticating {
		if err := s.sendToServer(protocol.Encode(protocol.MsgClientLeavingServer, nil), transport.Reliable); err != nil {
			s.logger.Debug().Msgf("could not say goodbye: %v", err)
		}
		if err := s.clientTr.CloseConn(s.conn, uint32(reason)); err != nil {
			s.logger.Debug().Msgf("close conn: %v", err)
		}
	}
	if err := s.clientTr.Close(); err != nil {
		s.logger.Warn().Msgf("could not close client transport: %v", err)
	}
	s.clientTr = nil
	s.conn = transport.InvalidConn
	s.state = clientIdle
	s.serverAddr = ""
	s.serverInfo = protocol.ServerSendInfo{}
}

// dropped handles a connection the server or the transport ended.
func (s *Session) dropped(reason protocol.DisconnectReason, err error) {
	wasConnected := s.state == clientConnected

	if cerr := s.clientTr.Close(); cerr != nil {
		s.logger.Warn().Msgf("could not close client transport: %v", cerr)
	}
	s.clientTr = nil
	s.conn = transport.InvalidConn
	s.state = clientIdle
	s.serverAddr = ""

	switch {
	case reason == protocol.ReasonServerFull:
		s.emit(Event{Kind: EventServerFull, Err: session.ErrServerFull})
	case reason == protocol.ReasonAuthFailed:
		s.emit(Event{Kind: EventAuthenticationFailed, Err: err})
	case wasConnected:
		if s.world.IsInitialized() {
			s.repl.Reset()
		}
		s.emit(Event{Kind: EventConnectionLost, Err: err})
	default:
		s.emit(Event{Kind: EventConnectionFailed, Err: err})
	}
}

func (s *Session) updateClient(now time.Time) {
	for _, ev := range s.clientTr.Events() {
		if ev.Conn != s.conn {
			continue
		}
		switch ev.State {
		case transport.StateConnected:
			s.beginAuthentication()
		case transport.StateClosedByPeer:
			reason := protocol.DisconnectReason(ev.Reason)
			s.logger.Info().Stringer("reason", reason).Msg("server closed the connection")
			s.dropped(reason, fmt.Errorf("closed by server: %s", reason))
			return
		case transport.StateProblemDetectedLocally:
			s.logger.Info().Msg("lost connection to server")
			s.dropped(protocol.ReasonClientKicked, transport.ErrNotConnected)
			return
		}
	}

	for _, msg := range s.clientTr.Receive(s.cfg.MaxMessagesPerTick) {
		s.handleServerMessage(msg.Data)
		if s.clientTr == nil {
			return
		}
	}

	if s.state == clientConnected && now.Sub(s.lastSent) >= s.keepAliveInterval() {
		if err := s.sendToServer(protocol.Encode(protocol.MsgClientKeepAlive, nil), transport.Reliable); err != nil {
			s.logger.Debug().Msgf("keep alive: %v", err)
		}
	}
}

func (s *Session) keepAliveInterval() time.Duration {
	return s.cfg.ServerTimeout / 4
}

func (s *Session) beginAuthentication() {
	local := s.peers.Local()
	req := &protocol.ClientBeginAuthentication{PeerID: local.ID, Name: local.DisplayName}
	if s.cfg.AuthSecret != "" {
		req.Ticket = session.Ticket(s.cfg.AuthSecret, local.ID)
	}
	data, err := protocol.EncodeBody(protocol.MsgClientBeginAuthentication, req)
	if err != nil {
		s.logger.Error().Msgf("could not encode authentication: %v", err)
		return
	}
	if err := s.sendToServer(data, transport.Reliable); err != nil {
		s.logger.Warn().Msgf("could not begin authentication: %v", err)
		return
	}
	s.state = clientAuthenticating
}

func (s *Session) handleServerMessage(data []byte) {
	msg, err := protocol.DecodeFromServer(data)
	if err != nil {
		s.logger.Warn().Msgf("dropping server message: %v", err)
		return
	}

	switch msg.Type {
	case protocol.MsgServerPassAuthentication:
		s.state = clientConnected
		s.logger.Info().Msg("authenticated with game server")
		if err := s.sendGameplay(protocol.MsgPlayerJoined, replication.BuildPlayerInfo(s.peers.Local())); err != nil {
			s.logger.Warn().Msgf("could not announce self: %v", err)
		}
	case protocol.MsgServerFailAuthentication:
		var body protocol.ServerFailAuthentication
		_ = body.UnmarshalBinary(msg.Payload)
		s.dropped(protocol.ReasonAuthFailed, fmt.Errorf("authentication failed: %s", body.Reason))
	case protocol.MsgServerStateExiting:
		s.dropped(protocol.ReasonServerClosing, ErrServerExiting)
	case protocol.MsgServerSendInfo:
		var body protocol.ServerSendInfo
		if err := body.UnmarshalBinary(msg.Payload); err != nil {
			s.logger.Warn().Msgf("dropping %s: %v", msg.Type, err)
			return
		}
		s.serverInfo = body
	case protocol.MsgP2PSendingTicket, protocol.MsgVoiceChatData:
		s.logger.Debug().Msgf("ignoring %s", msg.Type)
	default:
		if err := s.repl.HandleMessage(msg); err != nil {
			s.logger.Debug().
				Stringer("type", msg.Type).
				Stringer("source", msg.Source).
				Msgf("dropped: %v", err)
		}
	}
}

// hostHandler applies what the relay hands to the host's own client side.
type hostHandler struct {
	s *Session
}

func (h hostHandler) HandleMessage(msg protocol.Message) {
	if err := h.s.repl.HandleMessage(msg); err != nil {
		h.s.logger.Debug().
			Stringer("type", msg.Type).
			Stringer("source", msg.Source).
			Msgf("dropped: %v", err)
	}
}

func (h hostHandler) PeerDisconnected(id protocol.PeerID, inGame bool, reason protocol.DisconnectReason) {
	h.s.logger.Info().
		Stringer("peer", id).
		Bool("in_game", inGame).
		Stringer("reason", reason).
		Msg("peer disconnected")
}
