// Package memnet is an in-process transport. every endpoint of a Network
// shares one mutex, so peers may be driven from any goroutine.
package memnet

import (
	"fmt"
	"sync"

	"github.com/blukai/netrumble/internal/transport"
)

const DefaultMaxMessageSize = 1200

// Trace describes one delivered send. Dropped is set when the network
// discarded an unreliable message.
type Trace struct {
	From        string
	To          string
	Data        []byte
	Reliability transport.Reliability
	Dropped     bool
}

type Network struct {
	mu sync.Mutex

	maxMessageSize int
	listeners      map[string]*Endpoint
	nextAddr       int

	dropUnreliable bool
	trace          func(Trace)
}

func NewNetwork(maxMessageSize int) *Network {
	if maxMessageSize <= 0 {
		maxMessageSize = DefaultMaxMessageSize
	}
	return &Network{
		maxMessageSize: maxMessageSize,
		listeners:      make(map[string]*Endpoint),
	}
}

// DropUnreliable makes the network lose every unreliable message.
func (n *Network) DropUnreliable(drop bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropUnreliable = drop
}

// SetTrace installs fn to observe sends. fn runs with the network locked and
// must not call back into it.
func (n *Network) SetTrace(fn func(Trace)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.trace = fn
}

func (n *Network) newEndpoint(addr string) *Endpoint {
	return &Endpoint{
		net:   n,
		addr:  addr,
		conns: make(map[transport.ConnHandle]*link),
	}
}

func (n *Network) Listen(addr string) (*Endpoint, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[addr]; ok {
		return nil, fmt.Errorf("address %q already in use", addr)
	}
	ep := n.newEndpoint(addr)
	ep.listening = true
	n.listeners[addr] = ep
	return ep, nil
}

// Dial creates a fresh endpoint connected (pending Accept) to addr.
func (n *Network) Dial(addr string) (*Endpoint, transport.ConnHandle, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	listener, ok := n.listeners[addr]
	if !ok || listener.closed {
		return nil, transport.InvalidConn, fmt.Errorf("could not dial %q: connection refused", addr)
	}

	n.nextAddr++
	ep := n.newEndpoint(fmt.Sprintf("mem-%d", n.nextAddr))

	local := ep.addLink()
	remote := listener.addLink()
	local.peer, local.peerHandle = listener, remote.handle
	remote.peer, remote.peerHandle = ep, local.handle

	listener.events.Push(transport.StatusEvent{Conn: remote.handle, State: transport.StateConnecting})

	return ep, local.handle, nil
}

type link struct {
	handle     transport.ConnHandle
	connected  bool
	peer       *Endpoint
	peerHandle transport.ConnHandle
}

type Endpoint struct {
	net *Network

	addr       string
	listening  bool
	closed     bool
	conns      map[transport.ConnHandle]*link
	nextHandle transport.ConnHandle

	inbox  transport.Queue[transport.Message]
	events transport.Queue[transport.StatusEvent]
}

var _ transport.Transport = (*Endpoint)(nil)

func (ep *Endpoint) addLink() *link {
	ep.nextHandle++
	l := &link{handle: ep.nextHandle}
	ep.conns[l.handle] = l
	return l
}

func (ep *Endpoint) Addr() string {
	return ep.addr
}

func (ep *Endpoint) MaxMessageSize() int {
	return ep.net.maxMessageSize
}

func (ep *Endpoint) Accept(conn transport.ConnHandle) error {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()

	l, ok := ep.conns[conn]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownConn, conn)
	}
	if l.connected {
		return nil
	}
	l.connected = true
	ep.events.Push(transport.StatusEvent{Conn: conn, State: transport.StateConnected})

	if remote, ok := l.peer.conns[l.peerHandle]; ok {
		remote.connected = true
		l.peer.events.Push(transport.StatusEvent{Conn: remote.handle, State: transport.StateConnected})
	}
	return nil
}

func (ep *Endpoint) CloseConn(conn transport.ConnHandle, reason uint32) error {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()
	return ep.closeConnLocked(conn, reason)
}

func (ep *Endpoint) closeConnLocked(conn transport.ConnHandle, reason uint32) error {
	l, ok := ep.conns[conn]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownConn, conn)
	}
	delete(ep.conns, conn)

	if _, ok := l.peer.conns[l.peerHandle]; ok {
		delete(l.peer.conns, l.peerHandle)
		l.peer.events.Push(transport.StatusEvent{
			Conn:   l.peerHandle,
			State:  transport.StateClosedByPeer,
			Reason: reason,
		})
	}
	return nil
}

func (ep *Endpoint) Send(conn transport.ConnHandle, data []byte, reliability transport.Reliability) error {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()

	if ep.closed {
		return transport.ErrClosed
	}
	if len(data) > ep.net.maxMessageSize {
		return fmt.Errorf("%w: %d bytes; max %d", transport.ErrMessageTooLarge, len(data), ep.net.maxMessageSize)
	}
	l, ok := ep.conns[conn]
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownConn, conn)
	}
	if !l.connected {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, conn)
	}

	dropped := reliability == transport.Unreliable && ep.net.dropUnreliable
	if ep.net.trace != nil {
		ep.net.trace(Trace{
			From:        ep.addr,
			To:          l.peer.addr,
			Data:        data,
			Reliability: reliability,
			Dropped:     dropped,
		})
	}
	if dropped {
		return nil
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	l.peer.inbox.Push(transport.Message{Conn: l.peerHandle, Data: cp})
	return nil
}

func (ep *Endpoint) Receive(max int) []transport.Message {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()
	return ep.inbox.Drain(max)
}

func (ep *Endpoint) Events() []transport.StatusEvent {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()
	return ep.events.Drain(0)
}

// Pending reports how many messages wait in the inbox.
func (ep *Endpoint) Pending() int {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()
	return ep.inbox.Len()
}

func (ep *Endpoint) Close() error {
	ep.net.mu.Lock()
	defer ep.net.mu.Unlock()

	if ep.closed {
		return nil
	}
	ep.closed = true
	for conn := range ep.conns {
		_ = ep.closeConnLocked(conn, 0)
	}
	if ep.listening && ep.net.listeners[ep.addr] == ep {
		delete(ep.net.listeners, ep.addr)
	}
	return nil
}
