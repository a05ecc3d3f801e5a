package lobby

import (
	"slices"

	"github.com/blukai/netrumble/internal/protocol"
	"github.com/google/uuid"
)

// Delivery is an event addressed to one member.
type Delivery struct {
	To    protocol.PeerID
	Event Event
}

type entry struct {
	id         ID
	owner      protocol.PeerID
	policy     AccessPolicy
	maxMembers int
	props      Properties
	members    []*Member
}

func (e *entry) summary() Summary {
	return Summary{
		ID:         e.id,
		Owner:      e.owner,
		Members:    len(e.members),
		MaxMembers: e.maxMembers,
		Properties: e.props.Clone(),
	}
}

func (e *entry) snapshot() []Member {
	members := make([]Member, len(e.members))
	for i, m := range e.members {
		members[i] = Member{ID: m.ID, Properties: m.Properties.Clone()}
	}
	return members
}

func (e *entry) member(id protocol.PeerID) *Member {
	for _, m := range e.members {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// fanout addresses ev to every member except skip.
func (e *entry) fanout(ev Event, skip protocol.PeerID) []Delivery {
	var out []Delivery
	for _, m := range e.members {
		if m.ID != skip {
			out = append(out, Delivery{To: m.ID, Event: ev})
		}
	}
	return out
}

// Directory is the bookkeeping behind a lobby service. it is not safe for
// concurrent use; Hub and lobbyserver serialize access to it.
type Directory struct {
	lobbies  map[ID]*entry
	memberOf map[protocol.PeerID]ID
}

func NewDirectory() *Directory {
	return &Directory{
		lobbies:  make(map[ID]*entry),
		memberOf: make(map[protocol.PeerID]ID),
	}
}

func (d *Directory) Len() int {
	return len(d.lobbies)
}

// LobbyOf returns the lobby member is in.
func (d *Directory) LobbyOf(member protocol.PeerID) (ID, bool) {
	id, ok := d.memberOf[member]
	return id, ok
}

func (d *Directory) Create(owner protocol.PeerID, policy AccessPolicy, maxMembers int, props Properties) []Delivery {
	if _, ok := d.memberOf[owner]; ok {
		return []Delivery{{To: owner, Event: Event{Kind: EventJoinFailed, Failure: FailureAlreadyInLobby}}}
	}
	if maxMembers <= 0 {
		maxMembers = 1
	}

	e := &entry{
		id:         ID(uuid.NewString()),
		owner:      owner,
		policy:     policy,
		maxMembers: maxMembers,
		props:      Properties{},
		members:    []*Member{{ID: owner, Properties: props.Clone()}},
	}
	if e.members[0].Properties == nil {
		e.members[0].Properties = Properties{}
	}
	d.lobbies[e.id] = e
	d.memberOf[owner] = e.id

	return []Delivery{{To: owner, Event: Event{
		Kind:       EventCreated,
		Lobby:      e.id,
		Owner:      owner,
		Members:    e.snapshot(),
		Properties: e.props.Clone(),
	}}}
}

// Find lists public lobbies matching filter, ordered by id.
func (d *Directory) Find(filter Filter) []Summary {
	var out []Summary
	for _, e := range d.lobbies {
		if e.policy != AccessPublic {
			continue
		}
		if s := e.summary(); filter.Match(s) {
			out = append(out, s)
		}
	}
	slices.SortFunc(out, func(a, b Summary) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	if filter.MaxResults > 0 && len(out) > filter.MaxResults {
		out = out[:filter.MaxResults]
	}
	return out
}

func (d *Directory) Join(id ID, member protocol.PeerID, props Properties) []Delivery {
	fail := func(f Failure) []Delivery {
		return []Delivery{{To: member, Event: Event{Kind: EventJoinFailed, Lobby: id, Failure: f}}}
	}

	if _, ok := d.memberOf[member]; ok {
		return fail(FailureAlreadyInLobby)
	}
	e, ok := d.lobbies[id]
	if !ok {
		return fail(FailureNotFound)
	}
	if len(e.members) >= e.maxMembers {
		return fail(FailureLobbyFull)
	}

	m := &Member{ID: member, Properties: props.Clone()}
	if m.Properties == nil {
		m.Properties = Properties{}
	}
	out := e.fanout(Event{
		Kind:    EventMemberJoined,
		Lobby:   id,
		Member:  member,
		Members: []Member{{ID: member, Properties: m.Properties.Clone()}},
	}, member)

	e.members = append(e.members, m)
	d.memberOf[member] = id

	return append(out, Delivery{To: member, Event: Event{
		Kind:       EventJoined,
		Lobby:      id,
		Owner:      e.owner,
		Members:    e.snapshot(),
		Properties: e.props.Clone(),
	}})
}

// Leave removes member from its lobby. the owner leaving closes the lobby.
func (d *Directory) Leave(member protocol.PeerID) []Delivery {
	id, ok := d.memberOf[member]
	if !ok {
		return nil
	}
	delete(d.memberOf, member)
	e := d.lobbies[id]

	e.members = slices.DeleteFunc(e.members, func(m *Member) bool { return m.ID == member })

	if member == e.owner {
		delete(d.lobbies, id)
		for _, m := range e.members {
			delete(d.memberOf, m.ID)
		}
		return e.fanout(Event{Kind: EventLobbyClosed, Lobby: id, Member: member}, member)
	}
	return e.fanout(Event{Kind: EventMemberLeft, Lobby: id, Member: member}, member)
}

// SetMemberProperty updates member's own property and notifies everyone,
// member included.
func (d *Directory) SetMemberProperty(member protocol.PeerID, key, value string) []Delivery {
	id, ok := d.memberOf[member]
	if !ok {
		return nil
	}
	e := d.lobbies[id]
	e.member(member).Properties[key] = value
	return e.fanout(Event{
		Kind:   EventMemberPropertyChanged,
		Lobby:  id,
		Member: member,
		Key:    key,
		Value:  value,
	}, protocol.InvalidPeerID)
}

// SetLobbyProperty is owner only. other callers get nothing back.
func (d *Directory) SetLobbyProperty(member protocol.PeerID, key, value string) []Delivery {
	id, ok := d.memberOf[member]
	if !ok {
		return nil
	}
	e := d.lobbies[id]
	if e.owner != member {
		return nil
	}
	e.props[key] = value
	return e.fanout(Event{
		Kind:   EventLobbyPropertyChanged,
		Lobby:  id,
		Member: member,
		Key:    key,
		Value:  value,
	}, protocol.InvalidPeerID)
}
