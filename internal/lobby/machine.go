package lobby

import (
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/peer"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/phuslu/log"
)

type State uint8

const (
	StateReady State = iota
	StateMatchmaking
	StateHosting
	StateJoining
	StateInLobby
	StateGameStarting
	StateInGame
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateMatchmaking:
		return "matchmaking"
	case StateHosting:
		return "hosting"
	case StateJoining:
		return "joining"
	case StateInLobby:
		return "in lobby"
	case StateGameStarting:
		return "game starting"
	case StateInGame:
		return "in game"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

type Config struct {
	MaxMembers         int
	MatchmakingTimeout time.Duration
	// MatchmakingRetry is the pause between searches while matchmaking.
	MatchmakingRetry time.Duration
}

// Hooks report what happened while draining the service. all of them are
// optional.
type Hooks struct {
	Created              func(id ID)
	Joined               func(id ID)
	JoinFailed           func(err error)
	MatchmakingFailed    func()
	HostLeft             func()
	PeerJoined           func(p *peer.State)
	PeerLeft             func(id protocol.PeerID)
	PeerChanged          func(p *peer.State, key string)
	LobbyPropertyChanged func(key, value string)
}

type Machine struct {
	svc    Service
	peers  *peer.Registry
	cfg    Config
	logger *log.Logger
	hooks  Hooks

	state      State
	lobby      ID
	owner      protocol.PeerID
	members    map[protocol.PeerID]Properties
	lobbyProps Properties

	mmFilter   Filter
	mmDeadline time.Time
	mmNextTry  time.Time
	mmJoining  bool
}

func NewMachine(svc Service, peers *peer.Registry, cfg Config, logger *log.Logger) *Machine {
	return &Machine{
		svc:     svc,
		peers:   peers,
		cfg:     cfg,
		logger:  logging.OrDiscard(logger),
		members: make(map[protocol.PeerID]Properties),
	}
}

func (m *Machine) SetHooks(hooks Hooks) {
	m.hooks = hooks
}

func (m *Machine) State() State {
	return m.state
}

func (m *Machine) Lobby() ID {
	return m.lobby
}

func (m *Machine) Owner() protocol.PeerID {
	return m.owner
}

// IsHost is true for the member that created the current lobby.
func (m *Machine) IsHost() bool {
	return m.lobby != "" && m.owner == m.peers.Local().ID
}

// LobbyProperty reads the local copy of a lobby property.
func (m *Machine) LobbyProperty(key string) string {
	return m.lobbyProps[key]
}

// Members returns the local copy of every member's properties.
func (m *Machine) Members() map[protocol.PeerID]Properties {
	out := make(map[protocol.PeerID]Properties, len(m.members))
	for id, props := range m.members {
		out[id] = props.Clone()
	}
	return out
}

func (m *Machine) expect(states ...State) error {
	for _, s := range states {
		if m.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrWrongState, m.state)
}

func (m *Machine) setState(s State) {
	if m.state == s {
		return
	}
	m.logger.Debug().
		Stringer("from", m.state).
		Stringer("to", s).
		Msg("lobby state")
	m.state = s
}

func (m *Machine) localProperties() Properties {
	local := m.peers.Local()
	return Properties{
		KeyName:      local.DisplayName,
		KeyReady:     strconv.FormatBool(local.LobbyReady),
		KeyColor:     strconv.Itoa(int(local.ShipColor)),
		KeyVariation: strconv.Itoa(int(local.ShipVariation)),
	}
}

func (m *Machine) CreateLobby(policy AccessPolicy) error {
	if err := m.expect(StateReady); err != nil {
		return err
	}
	m.peers.Local().LobbyReady = false
	if err := m.svc.Create(policy, m.cfg.MaxMembers, m.localProperties()); err != nil {
		return fmt.Errorf("could not create lobby: %w", err)
	}
	m.setState(StateHosting)
	return nil
}

// FindLobbies returns the lobbies matching filter. the service is queried
// when iteration starts; iterate again for a fresh search.
func (m *Machine) FindLobbies(filter Filter) iter.Seq[Summary] {
	return func(yield func(Summary) bool) {
		summaries, err := m.svc.Find(filter)
		if err != nil {
			m.logger.Warn().Msgf("could not find lobbies: %v", err)
			return
		}
		for _, s := range summaries {
			if !yield(s) {
				return
			}
		}
	}
}

func (m *Machine) JoinLobby(id ID) error {
	if err := m.expect(StateReady); err != nil {
		return err
	}
	m.peers.Local().LobbyReady = false
	if err := m.svc.Join(id, m.localProperties()); err != nil {
		return fmt.Errorf("could not join lobby: %w", err)
	}
	m.setState(StateJoining)
	return nil
}

// StartMatchmaking keeps joining the first open lobby matching filter until
// one accepts or MatchmakingTimeout passes.
func (m *Machine) StartMatchmaking(filter Filter, now time.Time) error {
	if err := m.expect(StateReady); err != nil {
		return err
	}
	filter.OnlyOpen = true
	m.mmFilter = filter
	m.mmDeadline = now.Add(m.cfg.MatchmakingTimeout)
	m.mmNextTry = now
	m.mmJoining = false
	m.peers.Local().LobbyReady = false
	m.setState(StateMatchmaking)
	return nil
}

func (m *Machine) inLobby() bool {
	return m.state == StateInLobby || m.state == StateGameStarting || m.state == StateInGame
}

func (m *Machine) SetReadyState(ready bool) error {
	if !m.inLobby() {
		return ErrNotInLobby
	}
	local := m.peers.Local()
	local.LobbyReady = ready
	value := strconv.FormatBool(ready)
	m.members[local.ID][KeyReady] = value
	return m.svc.SetMemberProperty(KeyReady, value)
}

// SetCosmetic publishes a member property of the local player. known keys
// are mirrored into the local peer state right away.
func (m *Machine) SetCosmetic(key, value string) error {
	local := m.peers.Local()
	applyProperty(local, key, value)
	if !m.inLobby() {
		return nil
	}
	m.members[local.ID][key] = value
	return m.svc.SetMemberProperty(key, value)
}

func (m *Machine) SetLobbyProperty(key, value string) error {
	if !m.inLobby() {
		return ErrNotInLobby
	}
	if !m.IsHost() {
		return ErrNotOwner
	}
	m.lobbyProps[key] = value
	return m.svc.SetLobbyProperty(key, value)
}

// CheckAllReady is true when the lobby has members and each of them
// published ready=true.
func (m *Machine) CheckAllReady() bool {
	if !m.inLobby() || len(m.members) == 0 {
		return false
	}
	for _, props := range m.members {
		if props[KeyReady] != "true" {
			return false
		}
	}
	return true
}

// ExpireReadiness forgets what the other members published so far. the host
// calls it when a round ends; each member has to ready up again before
// CheckAllReady passes.
func (m *Machine) ExpireReadiness() {
	local := m.peers.Local().ID
	for id, props := range m.members {
		if id == local {
			continue
		}
		props[KeyReady] = "false"
		if p, ok := m.peers.Get(id); ok {
			p.LobbyReady = false
		}
	}
}

// BeginGameStart is the host's step from a fully ready lobby towards a game.
func (m *Machine) BeginGameStart() error {
	if err := m.expect(StateInLobby); err != nil {
		return err
	}
	m.setState(StateGameStarting)
	return nil
}

func (m *Machine) EnterGame() error {
	if err := m.expect(StateInLobby, StateGameStarting); err != nil {
		return err
	}
	m.peers.Local().EnterGame()
	m.setState(StateInGame)
	return nil
}

// ReturnToLobby goes back to the lobby after a round; readiness resets.
func (m *Machine) ReturnToLobby() error {
	if err := m.expect(StateInGame, StateGameStarting); err != nil {
		return err
	}
	m.peers.Local().EnterLobby()
	m.setState(StateInLobby)
	return m.SetReadyState(false)
}

// LeaveLobby always ends up in StateReady with only the local peer known.
func (m *Machine) LeaveLobby() error {
	var err error
	if m.lobby != "" || m.state == StateHosting || m.state == StateJoining {
		err = m.svc.Leave()
	}
	m.reset()
	return err
}

func (m *Machine) reset() {
	m.lobby = ""
	m.owner = protocol.InvalidPeerID
	m.lobbyProps = nil
	clear(m.members)
	m.mmJoining = false

	m.peers.RemoveRemotes()
	local := m.peers.Local()
	local.InLobby = false
	local.InGame = false
	local.LobbyReady = false
	m.setState(StateReady)
}

// Update drains service events and advances matchmaking.
func (m *Machine) Update(now time.Time) {
	for _, ev := range m.svc.Poll() {
		m.handleEvent(ev, now)
	}

	if m.state != StateMatchmaking {
		return
	}
	if !now.Before(m.mmDeadline) {
		m.logger.Info().Msg("matchmaking timed out")
		m.reset()
		if m.hooks.MatchmakingFailed != nil {
			m.hooks.MatchmakingFailed()
		}
		return
	}
	if m.mmJoining || now.Before(m.mmNextTry) {
		return
	}
	m.mmNextTry = now.Add(m.cfg.MatchmakingRetry)
	for s := range m.FindLobbies(m.mmFilter) {
		if err := m.svc.Join(s.ID, m.localProperties()); err != nil {
			m.logger.Warn().Msgf("matchmaking join: %v", err)
			continue
		}
		m.mmJoining = true
		break
	}
}

func (m *Machine) handleEvent(ev Event, now time.Time) {
	m.logger.Debug().
		Stringer("event", ev.Kind).
		Str("lobby", string(ev.Lobby)).
		Stringer("member", ev.Member).
		Msg("lobby event")

	switch ev.Kind {
	case EventCreated:
		if m.state != StateHosting {
			_ = m.svc.Leave()
			return
		}
		m.applySnapshot(ev)
		if m.hooks.Created != nil {
			m.hooks.Created(ev.Lobby)
		}
		return
	case EventJoined:
		if m.state != StateJoining && m.state != StateMatchmaking {
			// matchmaking gave up before the join landed
			_ = m.svc.Leave()
			return
		}
		m.mmJoining = false
		m.applySnapshot(ev)
		if m.hooks.Joined != nil {
			m.hooks.Joined(ev.Lobby)
		}
		return
	case EventJoinFailed:
		m.handleJoinFailed(ev, now)
		return
	}

	if ev.Lobby != m.lobby || m.lobby == "" {
		return
	}

	switch ev.Kind {
	case EventMemberJoined:
		for _, member := range ev.Members {
			m.addMember(member)
		}
	case EventMemberLeft:
		delete(m.members, ev.Member)
		if p, ok := m.peers.Get(ev.Member); ok && !p.IsLocal {
			if p.InGame {
				p.Depart()
			} else {
				m.peers.Remove(ev.Member)
			}
		}
		if m.hooks.PeerLeft != nil {
			m.hooks.PeerLeft(ev.Member)
		}
	case EventMemberPropertyChanged:
		props, ok := m.members[ev.Member]
		if !ok {
			return
		}
		props[ev.Key] = ev.Value
		p, _ := m.peers.GetOrCreate(ev.Member, props[KeyName])
		if !p.IsLocal {
			applyProperty(p, ev.Key, ev.Value)
		}
		if m.hooks.PeerChanged != nil {
			m.hooks.PeerChanged(p, ev.Key)
		}
	case EventLobbyPropertyChanged:
		if m.lobbyProps == nil {
			m.lobbyProps = Properties{}
		}
		m.lobbyProps[ev.Key] = ev.Value
		if m.hooks.LobbyPropertyChanged != nil {
			m.hooks.LobbyPropertyChanged(ev.Key, ev.Value)
		}
	case EventLobbyClosed:
		m.logger.Info().Str("lobby", string(ev.Lobby)).Msg("host left the lobby")
		m.reset()
		if m.hooks.HostLeft != nil {
			m.hooks.HostLeft()
		}
	}
}

func (m *Machine) handleJoinFailed(ev Event, now time.Time) {
	err := ev.Failure.Err()
	m.logger.Info().Msgf("could not join lobby %q: %v", ev.Lobby, err)

	switch m.state {
	case StateMatchmaking:
		m.mmJoining = false
		return
	case StateJoining, StateHosting:
		m.setState(StateReady)
	}
	if m.hooks.JoinFailed != nil {
		m.hooks.JoinFailed(err)
	}
}

func (m *Machine) applySnapshot(ev Event) {
	m.lobby = ev.Lobby
	m.owner = ev.Owner
	m.lobbyProps = ev.Properties.Clone()
	if m.lobbyProps == nil {
		m.lobbyProps = Properties{}
	}
	clear(m.members)

	m.peers.RemoveRemotes()
	m.peers.Local().EnterLobby()
	for _, member := range ev.Members {
		m.addMember(member)
	}
	if _, ok := m.members[m.peers.Local().ID]; !ok {
		m.members[m.peers.Local().ID] = m.localProperties()
	}
	m.setState(StateInLobby)
}

func (m *Machine) addMember(member Member) {
	props := member.Properties.Clone()
	if props == nil {
		props = Properties{}
	}
	m.members[member.ID] = props

	local := m.peers.Local()
	if member.ID == local.ID {
		return
	}
	p, created := m.peers.GetOrCreate(member.ID, props[KeyName])
	p.InLobby = true
	for k, v := range props {
		applyProperty(p, k, v)
	}
	if created && m.hooks.PeerJoined != nil {
		m.hooks.PeerJoined(p)
	}
}

func applyProperty(p *peer.State, key, value string) {
	switch key {
	case KeyName:
		p.DisplayName = value
	case KeyReady:
		p.LobbyReady = value == "true"
	case KeyColor:
		if v, err := strconv.ParseUint(value, 10, 8); err == nil {
			p.ShipColor = uint8(v)
		}
	case KeyVariation:
		if v, err := strconv.ParseUint(value, 10, 8); err == nil {
			p.ShipVariation = uint8(v)
		}
	}
}
