// Package session is the server-side connection registry: pending
// connections waiting for authentication and the active slots they move into.
// it is confined to the tick goroutine; only auth results cross goroutines,
// through a channel drained by Tick.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/phuslu/log"
)

var (
	ErrServerFull  = errors.New("server full")
	ErrDuplicate   = errors.New("duplicate connection")
	ErrUnknownConn = errors.New("unknown connection")
)

type Phase uint8

const (
	PhaseEmpty Phase = iota
	PhasePending
	PhaseActive
)

func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseActive:
		return "active"
	}
	return "empty"
}

type Conn struct {
	Handle       transport.ConnHandle
	Phase        Phase
	Slot         int
	PeerID       protocol.PeerID
	Name         string
	LastActivity time.Time
	InGame       bool

	authenticating bool
}

type Config struct {
	MaxPlayers int
	Timeout    time.Duration
}

type Registry struct {
	cfg    Config
	tr     transport.Transport
	auth   Authenticator
	logger *log.Logger

	pending []*Conn
	active  []*Conn
	results chan authResult

	// OnAuthenticated runs right after a connection became active and was
	// told so.
	OnAuthenticated func(c *Conn)
	// OnRemoved runs after an active connection was removed.
	OnRemoved func(c Conn, reason protocol.DisconnectReason)
}

// NewRegistry creates a registry. a nil auth completes every authentication
// immediately.
func NewRegistry(cfg Config, tr transport.Transport, auth Authenticator, logger *log.Logger) *Registry {
	return &Registry{
		cfg:    cfg,
		tr:     tr,
		auth:   auth,
		logger: logging.OrDiscard(logger),

		pending: make([]*Conn, cfg.MaxPlayers),
		active:  make([]*Conn, cfg.MaxPlayers),
		results: make(chan authResult, 4*cfg.MaxPlayers+1),
	}
}

func (r *Registry) Capacity() int {
	return r.cfg.MaxPlayers
}

func (r *Registry) ActiveCount() int {
	n := 0
	for _, c := range r.active {
		if c != nil {
			n++
		}
	}
	return n
}

// Active returns active connections in slot order.
func (r *Registry) Active() []*Conn {
	var conns []*Conn
	for _, c := range r.active {
		if c != nil {
			conns = append(conns, c)
		}
	}
	return conns
}

// Lookup finds a pending or active connection.
func (r *Registry) Lookup(handle transport.ConnHandle) (*Conn, bool) {
	if _, c := r.findActive(handle); c != nil {
		return c, true
	}
	if _, c := r.findPending(handle); c != nil {
		return c, true
	}
	return nil, false
}

// FindPeer returns the active connection authenticated as id.
func (r *Registry) FindPeer(id protocol.PeerID) (*Conn, bool) {
	for _, c := range r.active {
		if c != nil && c.PeerID == id {
			return c, true
		}
	}
	return nil, false
}

func (r *Registry) findActive(handle transport.ConnHandle) (int, *Conn) {
	for i, c := range r.active {
		if c != nil && c.Handle == handle {
			return i, c
		}
	}
	return -1, nil
}

func (r *Registry) findPending(handle transport.ConnHandle) (int, *Conn) {
	for i, c := range r.pending {
		if c != nil && c.Handle == handle {
			return i, c
		}
	}
	return -1, nil
}

// Touch records activity on handle.
func (r *Registry) Touch(handle transport.ConnHandle, now time.Time) {
	if c, ok := r.Lookup(handle); ok {
		c.LastActivity = now
	}
}

// TryAcceptPending reserves a pending slot for handle. when the server is
// full it returns ErrServerFull and changes nothing.
func (r *Registry) TryAcceptPending(handle transport.ConnHandle, now time.Time) (int, error) {
	if _, ok := r.Lookup(handle); ok {
		return -1, fmt.Errorf("%w: %s", ErrDuplicate, handle)
	}
	if r.ActiveCount() >= r.cfg.MaxPlayers {
		return -1, ErrServerFull
	}
	for i, c := range r.pending {
		if c == nil {
			r.pending[i] = &Conn{
				Handle:       handle,
				Phase:        PhasePending,
				Slot:         i,
				LastActivity: now,
			}
			return i, nil
		}
	}
	return -1, ErrServerFull
}

// BeginAuthentication starts authenticating a pending connection. a peer id
// that is already pending or active on another handle closes this one.
func (r *Registry) BeginAuthentication(handle transport.ConnHandle, req protocol.ClientBeginAuthentication, now time.Time) error {
	slot, c := r.findPending(handle)
	if c == nil {
		return fmt.Errorf("%w: %s is not pending", ErrUnknownConn, handle)
	}
	c.LastActivity = now

	if c.authenticating {
		return nil
	}

	if req.PeerID == protocol.InvalidPeerID {
		r.CompleteAuthentication(slot, false)
		return fmt.Errorf("%s sent an invalid peer id", handle)
	}

	if r.peerInUse(req.PeerID) {
		r.pending[slot] = nil
		r.closeTransport(handle, protocol.ReasonDuplicate)
		return fmt.Errorf("%w: peer %s", ErrDuplicate, req.PeerID)
	}

	c.PeerID = req.PeerID
	c.Name = req.Name
	c.authenticating = true

	if r.auth == nil {
		r.CompleteAuthentication(slot, true)
		return nil
	}

	id := req.PeerID
	r.auth.Authenticate(id, req.Ticket, func(ok bool) {
		if !r.QueueAuthResult(handle, id, ok) {
			r.logger.Warn().
				Stringer("conn", handle).
				Msg("dropped authentication result")
		}
	})
	return nil
}

func (r *Registry) peerInUse(id protocol.PeerID) bool {
	for _, c := range r.pending {
		if c != nil && c.PeerID == id {
			return true
		}
	}
	_, ok := r.FindPeer(id)
	return ok
}

// CompleteAuthentication moves a pending connection into the first free
// active slot, or rejects it, and tells the client either way.
func (r *Registry) CompleteAuthentication(pendingSlot int, ok bool) {
	if pendingSlot < 0 || pendingSlot >= len(r.pending) || r.pending[pendingSlot] == nil {
		return
	}
	c := r.pending[pendingSlot]
	r.pending[pendingSlot] = nil

	if !ok {
		r.logger.Info().
			Stringer("conn", c.Handle).
			Stringer("peer", c.PeerID).
			Msg("authentication failed")
		r.fail(c.Handle, protocol.ReasonAuthFailed)
		return
	}

	slot := -1
	for i, a := range r.active {
		if a == nil {
			slot = i
			break
		}
	}
	if slot < 0 {
		r.logger.Info().
			Stringer("conn", c.Handle).
			Stringer("peer", c.PeerID).
			Msg("no free slot after authentication")
		r.fail(c.Handle, protocol.ReasonServerFull)
		return
	}

	c.Phase = PhaseActive
	c.Slot = slot
	c.authenticating = false
	r.active[slot] = c

	r.send(c.Handle, protocol.MsgServerPassAuthentication, &protocol.ServerPassAuthentication{Slot: uint32(slot)})
	r.logger.Info().
		Stringer("conn", c.Handle).
		Stringer("peer", c.PeerID).
		Str("name", c.Name).
		Int("slot", slot).
		Msg("client authenticated")

	if r.OnAuthenticated != nil {
		r.OnAuthenticated(c)
	}
}

func (r *Registry) fail(handle transport.ConnHandle, reason protocol.DisconnectReason) {
	r.send(handle, protocol.MsgServerFailAuthentication, &protocol.ServerFailAuthentication{Reason: reason})
	r.closeTransport(handle, reason)
}

func (r *Registry) send(handle transport.ConnHandle, t protocol.MsgType, body protocol.Body) {
	data, err := protocol.EncodeBody(t, body)
	if err != nil {
		r.logger.Error().Msgf("could not encode %s: %v", t, err)
		return
	}
	if err := r.tr.Send(handle, data, transport.Reliable); err != nil {
		r.logger.Warn().
			Stringer("conn", handle).
			Msgf("could not send %s: %v", t, err)
	}
}

func (r *Registry) closeTransport(handle transport.ConnHandle, reason protocol.DisconnectReason) {
	if err := r.tr.CloseConn(handle, uint32(reason)); err != nil {
		r.logger.Debug().
			Stringer("conn", handle).
			Msgf("could not close connection: %v", err)
	}
}

// RemoveConnection closes handle with reason and frees its slot.
func (r *Registry) RemoveConnection(handle transport.ConnHandle, reason protocol.DisconnectReason) bool {
	if slot, c := r.findPending(handle); c != nil {
		r.pending[slot] = nil
		r.closeTransport(handle, reason)
		return true
	}

	slot, c := r.findActive(handle)
	if c == nil {
		return false
	}
	r.active[slot] = nil
	r.closeTransport(handle, reason)

	r.logger.Info().
		Stringer("conn", handle).
		Stringer("peer", c.PeerID).
		Stringer("reason", reason).
		Msg("connection removed")

	if r.OnRemoved != nil {
		r.OnRemoved(*c, reason)
	}
	return true
}

// Tick applies finished authentications and kicks connections idle for
// longer than the configured timeout.
func (r *Registry) Tick(now time.Time) {
	for {
		select {
		case res := <-r.results:
			r.applyAuthResult(res)
			continue
		default:
		}
		break
	}

	for _, c := range r.Active() {
		if now.Sub(c.LastActivity) > r.cfg.Timeout {
			r.RemoveConnection(c.Handle, protocol.ReasonClientKicked)
		}
	}
	for _, c := range r.pending {
		if c != nil && now.Sub(c.LastActivity) > r.cfg.Timeout {
			r.logger.Info().
				Stringer("conn", c.Handle).
				Msg("pending connection timed out")
			r.RemoveConnection(c.Handle, protocol.ReasonClientKicked)
		}
	}
}

func (r *Registry) applyAuthResult(res authResult) {
	slot, c := r.findPending(res.handle)
	if c == nil || c.PeerID != res.id {
		return
	}
	r.CompleteAuthentication(slot, res.ok)
}
