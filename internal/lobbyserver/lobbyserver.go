// Package lobbyserver is a standalone lobby directory reachable over any
// transport, netudp in practice. it stands in for a platform lobby backend.
package lobbyserver

import (
	"context"
	"fmt"
	"time"

	"github.com/blukai/netrumble/internal/lobby"
	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/hashicorp/go-multierror"
	"github.com/phuslu/log"
)

const (
	DefaultTickInterval = 10 * time.Millisecond
	// DefaultMaxResults keeps Found replies inside one datagram.
	DefaultMaxResults = 8
)

type LobbyServer struct {
	tr     transport.Transport
	dir    *lobby.Directory
	logger *log.Logger

	members map[transport.ConnHandle]protocol.PeerID
	conns   map[protocol.PeerID]transport.ConnHandle
}

func NewLobbyServer(tr transport.Transport, logger *log.Logger) *LobbyServer {
	return &LobbyServer{
		tr:     tr,
		dir:    lobby.NewDirectory(),
		logger: logging.OrDiscard(logger),

		members: make(map[transport.ConnHandle]protocol.PeerID),
		conns:   make(map[protocol.PeerID]transport.ConnHandle),
	}
}

// Addr can be useful to retrieve the server's address when the transport
// was bound to ":0".
func (ls *LobbyServer) Addr() string {
	return ls.tr.Addr()
}

func (ls *LobbyServer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ls.tr.Close()
		case <-ticker.C:
			ls.Update()
		}
	}
}

// Update handles queued connection events and commands.
func (ls *LobbyServer) Update() {
	for _, ev := range ls.tr.Events() {
		ls.handleEvent(ev)
	}
	for _, msg := range ls.tr.Receive(0) {
		if err := ls.handleCmd(msg); err != nil {
			ls.logger.Error().
				Stringer("conn", msg.Conn).
				Msgf("error handling message: %v", err)
		}
	}
}

func (ls *LobbyServer) handleEvent(ev transport.StatusEvent) {
	switch ev.State {
	case transport.StateConnecting:
		if err := ls.tr.Accept(ev.Conn); err != nil {
			ls.logger.Error().Msgf("could not accept %s: %v", ev.Conn, err)
		}
	case transport.StateClosedByPeer, transport.StateProblemDetectedLocally:
		id, ok := ls.members[ev.Conn]
		if !ok {
			return
		}
		delete(ls.members, ev.Conn)
		delete(ls.conns, id)
		ls.deliver(ls.dir.Leave(id))
		ls.logger.Debug().
			Stringer("member", id).
			Stringer("state", ev.State).
			Msg("evicted member")
	}
}

func (ls *LobbyServer) handleCmd(msg transport.Message) error {
	t, payload, err := protocol.Decode(msg.Data)
	if err != nil {
		return err
	}

	switch t {
	case MsgPing:
		return ls.send(msg.Conn, MsgPong, nil)
	case MsgHello:
		var hello Hello
		if err := DecodeBody(payload, &hello); err != nil {
			return err
		}
		return ls.handleHello(msg.Conn, hello)
	}

	id, ok := ls.members[msg.Conn]
	if !ok {
		return fmt.Errorf("%s sent %d before hello", msg.Conn, t)
	}

	switch t {
	case MsgCreate:
		var create Create
		if err := DecodeBody(payload, &create); err != nil {
			return err
		}
		return ls.deliver(ls.dir.Create(id, create.Policy, create.MaxMembers, create.Member))
	case MsgFind:
		var find Find
		if err := DecodeBody(payload, &find); err != nil {
			return err
		}
		if find.Filter.MaxResults <= 0 || find.Filter.MaxResults > DefaultMaxResults {
			find.Filter.MaxResults = DefaultMaxResults
		}
		return ls.send(msg.Conn, MsgFound, &Found{Seq: find.Seq, Lobbies: ls.dir.Find(find.Filter)})
	case MsgJoin:
		var join Join
		if err := DecodeBody(payload, &join); err != nil {
			return err
		}
		return ls.deliver(ls.dir.Join(join.Lobby, id, join.Member))
	case MsgLeave:
		return ls.deliver(ls.dir.Leave(id))
	case MsgSetMemberProperty, MsgSetLobbyProperty:
		var set SetProperty
		if err := DecodeBody(payload, &set); err != nil {
			return err
		}
		if t == MsgSetMemberProperty {
			return ls.deliver(ls.dir.SetMemberProperty(id, set.Key, set.Value))
		}
		return ls.deliver(ls.dir.SetLobbyProperty(id, set.Key, set.Value))
	}
	return fmt.Errorf("unhandled cmd: %d", t)
}

func (ls *LobbyServer) handleHello(conn transport.ConnHandle, hello Hello) error {
	if hello.ID == protocol.InvalidPeerID {
		return ls.tr.CloseConn(conn, uint32(protocol.ReasonInvalid))
	}
	if prev, ok := ls.conns[hello.ID]; ok && prev != conn {
		// the same member reconnected; the old connection is stale
		delete(ls.members, prev)
		ls.deliver(ls.dir.Leave(hello.ID))
		_ = ls.tr.CloseConn(prev, uint32(protocol.ReasonDuplicate))
	}
	ls.members[conn] = hello.ID
	ls.conns[hello.ID] = conn
	ls.logger.Debug().
		Stringer("conn", conn).
		Stringer("member", hello.ID).
		Msg("hello")
	return nil
}

func (ls *LobbyServer) send(conn transport.ConnHandle, t protocol.MsgType, body any) error {
	data, err := Encode(t, body)
	if err != nil {
		return err
	}
	return ls.tr.Send(conn, data, transport.Reliable)
}

// deliver sends each event to its member. members without a connection
// are skipped.
func (ls *LobbyServer) deliver(deliveries []lobby.Delivery) error {
	var errs error
	for _, d := range deliveries {
		conn, ok := ls.conns[d.To]
		if !ok {
			continue
		}
		if err := ls.send(conn, MsgEvent, &d.Event); err != nil {
			ls.logger.Error().
				Stringer("member", d.To).
				Msgf("could not send lobby event: %v", err)
			errs = multierror.Append(errs, err)
		}
	}
	return errs
}
