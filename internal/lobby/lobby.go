// Package lobby forms groups of peers before a game. a Service is the
// platform lobby backend; Machine drives the local player's side of it and
// keeps the peer registry in sync with member properties.
package lobby

import (
	"errors"
	"strconv"

	"github.com/blukai/netrumble/internal/protocol"
)

var (
	ErrWrongState     = errors.New("operation not allowed in current state")
	ErrNotFound       = errors.New("lobby not found")
	ErrLobbyFull      = errors.New("lobby full")
	ErrNotInLobby     = errors.New("not in a lobby")
	ErrNotOwner       = errors.New("only the lobby owner may do that")
	ErrAlreadyInLobby = errors.New("already in a lobby")
)

// member property keys
const (
	KeyName      = "name"
	KeyReady     = "ready"
	KeyColor     = "color"
	KeyVariation = "variation"
)

// lobby property keys
const (
	KeyServer     = "server"
	KeyServerName = "server_name"
	KeyPlayers    = "players"
	KeyInGame     = "in_game"
)

type ID string

type AccessPolicy uint8

const (
	AccessPublic AccessPolicy = iota
	AccessFriendsOnly
	AccessPrivate
)

func (p AccessPolicy) String() string {
	switch p {
	case AccessPublic:
		return "public"
	case AccessFriendsOnly:
		return "friends only"
	case AccessPrivate:
		return "private"
	}
	return "policy(" + strconv.Itoa(int(p)) + ")"
}

type Properties map[string]string

func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type Member struct {
	ID         protocol.PeerID `msgpack:"id"`
	Properties Properties      `msgpack:"props"`
}

type Summary struct {
	ID         ID              `msgpack:"id"`
	Owner      protocol.PeerID `msgpack:"owner"`
	Members    int             `msgpack:"members"`
	MaxMembers int             `msgpack:"max_members"`
	Properties Properties      `msgpack:"props"`
}

func (s Summary) Full() bool {
	return s.Members >= s.MaxMembers
}

// Filter selects public lobbies. every Properties entry must match exactly.
type Filter struct {
	Properties Properties `msgpack:"props"`
	OnlyOpen   bool       `msgpack:"only_open"`
	MaxResults int        `msgpack:"max_results"`
}

func (f Filter) Match(s Summary) bool {
	if f.OnlyOpen && s.Full() {
		return false
	}
	for k, v := range f.Properties {
		if s.Properties[k] != v {
			return false
		}
	}
	return true
}

type EventKind uint8

const (
	EventCreated EventKind = iota + 1
	EventJoined
	EventJoinFailed
	EventMemberJoined
	EventMemberLeft
	EventMemberPropertyChanged
	EventLobbyPropertyChanged
	// EventLobbyClosed is sent to the remaining members when the owner left.
	EventLobbyClosed
)

func (k EventKind) String() string {
	switch k {
	case EventCreated:
		return "created"
	case EventJoined:
		return "joined"
	case EventJoinFailed:
		return "join failed"
	case EventMemberJoined:
		return "member joined"
	case EventMemberLeft:
		return "member left"
	case EventMemberPropertyChanged:
		return "member property changed"
	case EventLobbyPropertyChanged:
		return "lobby property changed"
	case EventLobbyClosed:
		return "lobby closed"
	}
	return "event(" + strconv.Itoa(int(k)) + ")"
}

type Failure uint8

const (
	FailureNone Failure = iota
	FailureLobbyFull
	FailureNotFound
	FailureAlreadyInLobby
)

func (f Failure) Err() error {
	switch f {
	case FailureNone:
		return nil
	case FailureLobbyFull:
		return ErrLobbyFull
	case FailureNotFound:
		return ErrNotFound
	case FailureAlreadyInLobby:
		return ErrAlreadyInLobby
	}
	return errors.New("failure(" + strconv.Itoa(int(f)) + ")")
}

// Event is an asynchronous result or notification from a Service. Created
// and Joined carry a snapshot of every member and lobby property.
type Event struct {
	Kind       EventKind       `msgpack:"kind"`
	Lobby      ID              `msgpack:"lobby"`
	Owner      protocol.PeerID `msgpack:"owner,omitempty"`
	Member     protocol.PeerID `msgpack:"member,omitempty"`
	Key        string          `msgpack:"key,omitempty"`
	Value      string          `msgpack:"value,omitempty"`
	Members    []Member        `msgpack:"members,omitempty"`
	Properties Properties      `msgpack:"props,omitempty"`
	Failure    Failure         `msgpack:"failure,omitempty"`
}

// Service is the platform lobby backend as seen by one member. mutations
// complete asynchronously; their outcome arrives through Poll, which is
// drained once per tick.
type Service interface {
	LocalID() protocol.PeerID
	Create(policy AccessPolicy, maxMembers int, member Properties) error
	// Find is blocking.
	Find(filter Filter) ([]Summary, error)
	Join(id ID, member Properties) error
	Leave() error
	SetMemberProperty(key, value string) error
	SetLobbyProperty(key, value string) error
	Poll() []Event
}
