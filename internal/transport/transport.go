// Package transport is the boundary between the session core and whatever
// moves bytes between peers. implementations must never call back into the
// core: receive goroutines only append to queues that the tick drains with
// Receive and Events.
package transport

import (
	"errors"
	"strconv"
)

var (
	ErrMessageTooLarge = errors.New("message too large")
	ErrUnknownConn     = errors.New("unknown connection")
	ErrNotConnected    = errors.New("connection not established")
	ErrSendQueueFull   = errors.New("send queue full")
	ErrClosed          = errors.New("transport closed")
)

// ConnHandle identifies a connection within one Transport. zero is never a
// valid handle.
type ConnHandle uint32

const InvalidConn ConnHandle = 0

func (h ConnHandle) String() string {
	return "conn#" + strconv.FormatUint(uint64(h), 10)
}

type Reliability uint8

const (
	// Unreliable messages may be dropped or reordered.
	Unreliable Reliability = iota
	// Reliable messages from one sender arrive exactly once, in send order.
	Reliable
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "unreliable"
}

type ConnState uint8

const (
	// StateConnecting is reported to a listener for every inbound attempt; the
	// owner answers with Accept or Close.
	StateConnecting ConnState = iota + 1
	StateConnected
	// StateClosedByPeer carries the remote's reason code.
	StateClosedByPeer
	// StateProblemDetectedLocally means timeout or i/o failure.
	StateProblemDetectedLocally
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosedByPeer:
		return "closed by peer"
	case StateProblemDetectedLocally:
		return "problem detected locally"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

type StatusEvent struct {
	Conn   ConnHandle
	State  ConnState
	Reason uint32
}

type Message struct {
	Conn ConnHandle
	Data []byte
}

type Transport interface {
	// Accept completes an inbound connection reported as StateConnecting.
	Accept(conn ConnHandle) error
	// CloseConn tears a connection down and tells the remote why. no event
	// is reported locally for a connection closed this way.
	CloseConn(conn ConnHandle, reason uint32) error
	Send(conn ConnHandle, data []byte, reliability Reliability) error
	// Receive drains at most max queued messages without blocking.
	Receive(max int) []Message
	// Events drains queued connection status changes without blocking.
	Events() []StatusEvent
	MaxMessageSize() int
	// Addr is the address remote peers dial to reach this transport.
	Addr() string
	Close() error
}

// Queue is the inbox type shared by transport implementations. it does no
// locking; owners guard it with their own mutex.
type Queue[T any] struct {
	items []T
}

func (q *Queue[T]) Push(item T) {
	q.items = append(q.items, item)
}

// Drain removes and returns up to max items (all when max <= 0).
func (q *Queue[T]) Drain(max int) []T {
	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	if n == 0 {
		return nil
	}
	out := make([]T, n)
	copy(out, q.items[:n])
	rest := copy(q.items, q.items[n:])
	clear(q.items[rest:])
	q.items = q.items[:rest]
	return out
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}
