package netudp_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/blukai/netrumble/internal/transport"
	"github.com/blukai/netrumble/internal/transport/netudp"
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

func connect(t *testing.T) (*netudp.Endpoint, transport.ConnHandle, *netudp.Endpoint, transport.ConnHandle) {
	t.Helper()
	is := is.New(t)

	server, err := netudp.Listen("udp4", "127.0.0.1:0", netudp.DefaultOptions(), nil)
	is.NoErr(err)
	t.Cleanup(func() { server.Close() })

	client, clientConn, err := netudp.Dial("udp4", server.Addr(), netudp.DefaultOptions(), nil)
	is.NoErr(err)
	t.Cleanup(func() { client.Close() })

	serverConn := waitEvent(t, server, transport.StateConnecting).Conn
	is.NoErr(server.Accept(serverConn))
	waitEvent(t, client, transport.StateConnected)

	return server, serverConn, client, clientConn
}

func TestReliableInOrder(t *testing.T) {
	is := is.New(t)

	server, serverConn, client, clientConn := connect(t)

	for i := 0; i < 20; i++ {
		is.NoErr(client.Send(clientConn, []byte(fmt.Sprintf("msg-%02d", i)), transport.Reliable))
	}

	msgs := waitMessages(t, server, 20)
	for i, msg := range msgs {
		is.Equal(msg.Conn, serverConn)
		is.Equal(string(msg.Data), fmt.Sprintf("msg-%02d", i))
	}
}

func TestUnreliable(t *testing.T) {
	is := is.New(t)

	server, serverConn, client, clientConn := connect(t)

	is.NoErr(server.Send(serverConn, []byte("tick"), transport.Unreliable))
	msgs := waitMessages(t, client, 1)
	is.Equal(string(msgs[0].Data), "tick")
	is.Equal(msgs[0].Conn, clientConn)
}

func TestCloseCarriesReason(t *testing.T) {
	is := is.New(t)

	server, serverConn, client, clientConn := connect(t)

	is.NoErr(server.CloseConn(serverConn, 3))
	ev := waitEvent(t, client, transport.StateClosedByPeer)
	is.Equal(ev.Conn, clientConn)
	is.Equal(ev.Reason, uint32(3))
}

func TestRejectBeforeAccept(t *testing.T) {
	is := is.New(t)

	server, err := netudp.Listen("udp4", "127.0.0.1:0", netudp.DefaultOptions(), nil)
	is.NoErr(err)
	defer server.Close()

	client, _, err := netudp.Dial("udp4", server.Addr(), netudp.DefaultOptions(), nil)
	is.NoErr(err)
	defer client.Close()

	serverConn := waitEvent(t, server, transport.StateConnecting).Conn
	is.NoErr(server.CloseConn(serverConn, 3))
	ev := waitEvent(t, client, transport.StateClosedByPeer)
	is.Equal(ev.Reason, uint32(3))
}

func TestDialTimeout(t *testing.T) {
	is := is.New(t)

	// nothing listens there
	opts := netudp.DefaultOptions()
	opts.Timeout = 100 * time.Millisecond
	client, conn, err := netudp.Dial("udp4", "127.0.0.1:9", opts, nil)
	is.NoErr(err)
	defer client.Close()

	ev := waitEvent(t, client, transport.StateProblemDetectedLocally)
	is.Equal(ev.Conn, conn)
}

func TestOversized(t *testing.T) {
	is := is.New(t)

	_, _, client, clientConn := connect(t)
	err := client.Send(clientConn, make([]byte, client.MaxMessageSize()+1), transport.Reliable)
	is.True(err != nil)
}
