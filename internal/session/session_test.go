package session_test

import (
	"errors"
	"testing"
	"time"

	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/session"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/blukai/netrumble/internal/transport/memnet"
	"github.com/matryer/is"
)

type client struct {
	ep         *memnet.Endpoint
	conn       transport.ConnHandle
	serverConn transport.ConnHandle
}

func connect(is *is.I, network *memnet.Network, server *memnet.Endpoint) client {
	ep, conn, err := network.Dial("server")
	is.NoErr(err)
	for _, ev := range server.Events() {
		if ev.State == transport.StateConnecting {
			return client{ep: ep, conn: conn, serverConn: ev.Conn}
		}
	}
	is.Fail() // no connecting event
	return client{}
}

func (c client) lastMessage(is *is.I) (protocol.MsgType, []byte) {
	msgs := c.ep.Receive(0)
	is.True(len(msgs) > 0)
	t, payload, err := protocol.Decode(msgs[len(msgs)-1].Data)
	is.NoErr(err)
	return t, payload
}

func (c client) closeReason(is *is.I) (protocol.DisconnectReason, bool) {
	for _, ev := range c.ep.Events() {
		if ev.State == transport.StateClosedByPeer {
			return protocol.DisconnectReason(ev.Reason), true
		}
	}
	return protocol.ReasonNone, false
}

func setup(is *is.I, maxPlayers int, auth session.Authenticator) (*memnet.Network, *memnet.Endpoint, *session.Registry) {
	network := memnet.NewNetwork(0)
	server, err := network.Listen("server")
	is.NoErr(err)
	reg := session.NewRegistry(session.Config{MaxPlayers: maxPlayers, Timeout: 10 * time.Second}, server, auth, nil)
	return network, server, reg
}

func admit(is *is.I, reg *session.Registry, server *memnet.Endpoint, c client, id protocol.PeerID, now time.Time) {
	_, err := reg.TryAcceptPending(c.serverConn, now)
	is.NoErr(err)
	is.NoErr(server.Accept(c.serverConn))
	is.NoErr(reg.BeginAuthentication(c.serverConn, protocol.ClientBeginAuthentication{PeerID: id, Name: id.String()}, now))
}

func TestAuthenticateWithoutService(t *testing.T) {
	is := is.New(t)
	now := time.Unix(100, 0)

	network, server, reg := setup(is, 4, nil)

	var authenticated []protocol.PeerID
	reg.OnAuthenticated = func(c *session.Conn) {
		authenticated = append(authenticated, c.PeerID)
	}

	c := connect(is, network, server)
	admit(is, reg, server, c, 7, now)

	is.Equal(authenticated, []protocol.PeerID{7})
	is.Equal(reg.ActiveCount(), 1)

	conn, ok := reg.FindPeer(7)
	is.True(ok)
	is.Equal(conn.Phase, session.PhaseActive)
	is.Equal(conn.Slot, 0)

	typ, payload := c.lastMessage(is)
	is.Equal(typ, protocol.MsgServerPassAuthentication)
	var pass protocol.ServerPassAuthentication
	is.NoErr(pass.UnmarshalBinary(payload))
	is.Equal(pass.Slot, uint32(0))
}

func TestServerFullRejectsWithoutMutation(t *testing.T) {
	is := is.New(t)
	now := time.Unix(100, 0)

	network, server, reg := setup(is, 2, nil)

	admit(is, reg, server, connect(is, network, server), 1, now)
	admit(is, reg, server, connect(is, network, server), 2, now)
	is.Equal(reg.ActiveCount(), 2)

	third := connect(is, network, server)
	_, err := reg.TryAcceptPending(third.serverConn, now)
	is.True(errors.Is(err, session.ErrServerFull))

	is.Equal(reg.ActiveCount(), 2)
	_, ok := reg.Lookup(third.serverConn)
	is.True(!ok)
	for _, c := range reg.Active() {
		is.True(c.PeerID == 1 || c.PeerID == 2)
	}
}

func TestDuplicatePeerIsClosed(t *testing.T) {
	is := is.New(t)
	now := time.Unix(100, 0)

	network, server, reg := setup(is, 4, nil)
	admit(is, reg, server, connect(is, network, server), 5, now)

	dup := connect(is, network, server)
	_, err := reg.TryAcceptPending(dup.serverConn, now)
	is.NoErr(err)
	is.NoErr(server.Accept(dup.serverConn))
	err = reg.BeginAuthentication(dup.serverConn, protocol.ClientBeginAuthentication{PeerID: 5}, now)
	is.True(errors.Is(err, session.ErrDuplicate))

	reason, closed := dup.closeReason(is)
	is.True(closed)
	is.Equal(reason, protocol.ReasonDuplicate)
	is.Equal(reg.ActiveCount(), 1)
}

func TestTicketAuthenticator(t *testing.T) {
	is := is.New(t)
	now := time.Unix(100, 0)

	network, server, reg := setup(is, 4, session.TicketAuthenticator{Secret: "s3cret"})

	good := connect(is, network, server)
	_, err := reg.TryAcceptPending(good.serverConn, now)
	is.NoErr(err)
	is.NoErr(server.Accept(good.serverConn))
	is.NoErr(reg.BeginAuthentication(good.serverConn, protocol.ClientBeginAuthentication{
		PeerID: 10,
		Ticket: session.Ticket("s3cret", 10),
	}, now))

	bad := connect(is, network, server)
	_, err = reg.TryAcceptPending(bad.serverConn, now)
	is.NoErr(err)
	is.NoErr(server.Accept(bad.serverConn))
	is.NoErr(reg.BeginAuthentication(bad.serverConn, protocol.ClientBeginAuthentication{
		PeerID: 11,
		Ticket: session.Ticket("guess", 11),
	}, now))

	// results are applied on tick
	is.Equal(reg.ActiveCount(), 0)
	reg.Tick(now)
	is.Equal(reg.ActiveCount(), 1)

	_, ok := reg.FindPeer(10)
	is.True(ok)

	typ, payload := bad.lastMessage(is)
	is.Equal(typ, protocol.MsgServerFailAuthentication)
	var fail protocol.ServerFailAuthentication
	is.NoErr(fail.UnmarshalBinary(payload))
	is.Equal(fail.Reason, protocol.ReasonAuthFailed)

	reason, closed := bad.closeReason(is)
	is.True(closed)
	is.Equal(reason, protocol.ReasonAuthFailed)
}

func TestTimeoutKicks(t *testing.T) {
	is := is.New(t)
	now := time.Unix(100, 0)

	network, server, reg := setup(is, 4, nil)

	var removed []protocol.DisconnectReason
	reg.OnRemoved = func(c session.Conn, reason protocol.DisconnectReason) {
		removed = append(removed, reason)
	}

	idle := connect(is, network, server)
	admit(is, reg, server, idle, 1, now)
	busy := connect(is, network, server)
	admit(is, reg, server, busy, 2, now)

	reg.Tick(now.Add(5 * time.Second))
	is.Equal(reg.ActiveCount(), 2)

	reg.Touch(busy.serverConn, now.Add(8*time.Second))
	reg.Tick(now.Add(11 * time.Second))
	is.Equal(reg.ActiveCount(), 1)
	is.Equal(removed, []protocol.DisconnectReason{protocol.ReasonClientKicked})

	reason, closed := idle.closeReason(is)
	is.True(closed)
	is.Equal(reason, protocol.ReasonClientKicked)
}

func TestRemoveConnectionFreesSlot(t *testing.T) {
	is := is.New(t)
	now := time.Unix(100, 0)

	network, server, reg := setup(is, 1, nil)
	first := connect(is, network, server)
	admit(is, reg, server, first, 1, now)

	is.True(reg.RemoveConnection(first.serverConn, protocol.ReasonClientLeft))
	is.True(!reg.RemoveConnection(first.serverConn, protocol.ReasonClientLeft))
	is.Equal(reg.ActiveCount(), 0)

	second := connect(is, network, server)
	admit(is, reg, server, second, 2, now)
	conn, ok := reg.FindPeer(2)
	is.True(ok)
	is.Equal(conn.Slot, 0)
}
