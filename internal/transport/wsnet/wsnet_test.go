package wsnet_test

import (
	"testing"
	"time"

	"github.com/blukai/netrumble/internal/transport"
	"github.com/blukai/netrumble/internal/transport/wsnet"
	"github.com/matryer/is"
)

func waitEvent(t *testing.T, tr transport.Transport, state transport.ConnState) transport.StatusEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, ev := range tr.Events() {
			if ev.State == state {
				return ev
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %s event", state)
	return transport.StatusEvent{}
}

func waitMessages(t *testing.T, tr transport.Transport, n int) []transport.Message {
	t.Helper()
	var msgs []transport.Message
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(msgs) < n {
		msgs = append(msgs, tr.Receive(0)...)
		time.Sleep(5 * time.Millisecond)
	}
	if len(msgs) < n {
		t.Fatalf("got %d messages; want %d", len(msgs), n)
	}
	return msgs
}

func TestAcceptAndExchange(t *testing.T) {
	is := is.New(t)

	server, err := wsnet.Listen("127.0.0.1:0", "/ws", nil)
	is.NoErr(err)
	defer server.Close()

	client, clientConn, err := wsnet.Dial(server.Addr(), nil)
	is.NoErr(err)
	defer client.Close()

	serverConn := waitEvent(t, server, transport.StateConnecting).Conn

	// nothing may flow before accept
	err = client.Send(clientConn, []byte("early"), transport.Reliable)
	is.True(err != nil)

	is.NoErr(server.Accept(serverConn))
	waitEvent(t, client, transport.StateConnected)

	is.NoErr(client.Send(clientConn, []byte("hello"), transport.Reliable))
	is.NoErr(client.Send(clientConn, []byte("world"), transport.Unreliable))

	msgs := waitMessages(t, server, 2)
	is.Equal(string(msgs[0].Data), "hello")
	is.Equal(string(msgs[1].Data), "world")
	is.Equal(msgs[0].Conn, serverConn)

	is.NoErr(server.Send(serverConn, []byte("back"), transport.Reliable))
	msgs = waitMessages(t, client, 1)
	is.Equal(string(msgs[0].Data), "back")
}

func TestRejectCarriesReason(t *testing.T) {
	is := is.New(t)

	server, err := wsnet.Listen("127.0.0.1:0", "/ws", nil)
	is.NoErr(err)
	defer server.Close()

	client, clientConn, err := wsnet.Dial(server.Addr(), nil)
	is.NoErr(err)
	defer client.Close()

	serverConn := waitEvent(t, server, transport.StateConnecting).Conn
	is.NoErr(server.CloseConn(serverConn, 3))

	ev := waitEvent(t, client, transport.StateClosedByPeer)
	is.Equal(ev.Conn, clientConn)
	is.Equal(ev.Reason, uint32(3))
}

func TestCloseFlushesQueuedFrames(t *testing.T) {
	is := is.New(t)

	server, err := wsnet.Listen("127.0.0.1:0", "/ws", nil)
	is.NoErr(err)
	defer server.Close()

	client, clientConn, err := wsnet.Dial(server.Addr(), nil)
	is.NoErr(err)
	defer client.Close()

	serverConn := waitEvent(t, server, transport.StateConnecting).Conn
	is.NoErr(server.Accept(serverConn))
	waitEvent(t, client, transport.StateConnected)

	is.NoErr(server.Send(serverConn, []byte("one"), transport.Reliable))
	is.NoErr(server.Send(serverConn, []byte("goodbye"), transport.Reliable))
	is.NoErr(server.CloseConn(serverConn, 5))

	msgs := waitMessages(t, client, 2)
	is.Equal(string(msgs[0].Data), "one")
	is.Equal(string(msgs[1].Data), "goodbye")

	ev := waitEvent(t, client, transport.StateClosedByPeer)
	is.Equal(ev.Conn, clientConn)
	is.Equal(ev.Reason, uint32(5))
}
