// Package peer keeps this process's copy of every participant. each process
// maintains its own registry; lobby property events and gameplay messages
// keep the copies eventually consistent.
package peer

import (
	"slices"

	"github.com/blukai/netrumble/internal/debug"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/world"
)

type State struct {
	ID            protocol.PeerID
	DisplayName   string
	IsLocal       bool
	InLobby       bool
	InGame        bool
	LobbyReady    bool
	Inactive      bool
	ShipColor     uint8
	ShipVariation uint8

	Ship *world.Ship
}

func NewState(id protocol.PeerID, name string) *State {
	return &State{
		ID:          id,
		DisplayName: name,
		Ship:        world.NewShip(),
	}
}

// EnterLobby moves the peer back into the lobby with a fresh ship.
func (s *State) EnterLobby() {
	s.InLobby = true
	s.InGame = false
	s.LobbyReady = false
	s.Inactive = false
	s.Ship.Reset()
}

func (s *State) EnterGame() {
	s.InLobby = false
	s.InGame = true
}

// Depart marks an in-game peer as gone without dropping it, so scores keep
// showing who left.
func (s *State) Depart() {
	s.Inactive = true
	s.Ship.Active = false
}

type Registry struct {
	local *State
	peers map[protocol.PeerID]*State
}

func NewRegistry(localID protocol.PeerID, localName string) *Registry {
	debug.Assert(localID != protocol.InvalidPeerID, "local peer id")

	local := NewState(localID, localName)
	local.IsLocal = true
	return &Registry{
		local: local,
		peers: map[protocol.PeerID]*State{localID: local},
	}
}

func (r *Registry) Local() *State {
	return r.local
}

func (r *Registry) Get(id protocol.PeerID) (*State, bool) {
	s, ok := r.peers[id]
	return s, ok
}

// GetOrCreate returns the state for id, creating it when unknown.
func (r *Registry) GetOrCreate(id protocol.PeerID, name string) (*State, bool) {
	if s, ok := r.peers[id]; ok {
		return s, false
	}
	s := NewState(id, name)
	r.peers[id] = s
	return s, true
}

// Remove drops a remote peer. the local entry only goes away with the
// registry.
func (r *Registry) Remove(id protocol.PeerID) bool {
	if id == r.local.ID {
		return false
	}
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// RemoveRemotes drops every peer except the local one.
func (r *Registry) RemoveRemotes() {
	for id := range r.peers {
		if id != r.local.ID {
			delete(r.peers, id)
		}
	}
}

func (r *Registry) Len() int {
	return len(r.peers)
}

// All returns every state ordered by id.
func (r *Registry) All() []*State {
	states := make([]*State, 0, len(r.peers))
	for _, s := range r.peers {
		states = append(states, s)
	}
	slices.SortFunc(states, func(a, b *State) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return states
}

// Playing returns in-game peers that have not departed, ordered by id.
func (r *Registry) Playing() []*State {
	var states []*State
	for _, s := range r.All() {
		if s.InGame && !s.Inactive {
			states = append(states, s)
		}
	}
	return states
}

// Ships returns the ships of Playing peers.
func (r *Registry) Ships() []*world.Ship {
	var ships []*world.Ship
	for _, s := range r.Playing() {
		ships = append(ships, s.Ship)
	}
	return ships
}
