// Package wsnet carries the transport over websockets so browser builds and
// proxies that only pass http can join. reliable sends queue behind the
// per-connection write pump; unreliable sends are dropped when that queue is
// full, which keeps a slow reader from stalling the tick.
package wsnet

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/phuslu/log"
)

const (
	DefaultMaxMessageSize = 16 << 10

	// close codes 4000-4999 are reserved for applications; the transport
	// reason rides on top of closeCodeBase.
	closeCodeBase = 4000

	acceptFrame  = "accept"
	sendQueueCap = 64
	writeWait    = 5 * time.Second
	pongWait     = 30 * time.Second
	pingPeriod   = pongWait / 2
)

type frame struct {
	kind int
	data []byte
}

type conn struct {
	handle   transport.ConnHandle
	ws       *websocket.Conn
	send     chan frame
	accepted bool
	// closing is set when we tore the connection down ourselves
	closing bool
	// closeMsg is written by the write pump once the queue is flushed
	closeMsg []byte
}

type Endpoint struct {
	logger *log.Logger

	listener net.Listener
	srv      *http.Server
	addr     string

	mu         sync.Mutex
	closed     bool
	conns      map[transport.ConnHandle]*conn
	nextHandle transport.ConnHandle
	inbox      transport.Queue[transport.Message]
	events     transport.Queue[transport.StatusEvent]

	wg sync.WaitGroup
}

var _ transport.Transport = (*Endpoint)(nil)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func newEndpoint(logger *log.Logger) *Endpoint {
	return &Endpoint{
		logger: logging.OrDiscard(logger),
		conns:  make(map[transport.ConnHandle]*conn),
	}
}

// Listen serves websocket upgrades on address at path.
func Listen(address, path string, logger *log.Logger) (*Endpoint, error) {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("could not listen tcp: %w", err)
	}

	ep := newEndpoint(logger)
	ep.listener = listener
	ep.addr = "ws://" + listener.Addr().String() + path

	mux := http.NewServeMux()
	mux.Handle(path, ep)
	ep.srv = &http.Server{Handler: mux}

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		if err := ep.srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			ep.logger.Error().Msgf("websocket server stopped: %v", err)
		}
	}()

	return ep, nil
}

// Dial connects to a websocket url. StateConnected is reported once the
// remote accepts.
func Dial(url string, logger *log.Logger) (*Endpoint, transport.ConnHandle, error) {
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, transport.InvalidConn, fmt.Errorf("could not dial websocket: %w", err)
	}

	ep := newEndpoint(logger)
	ep.addr = ws.LocalAddr().String()

	ep.mu.Lock()
	c := ep.addConnLocked(ws)
	ep.mu.Unlock()

	ep.startPumps(c, true)
	return ep, c.handle, nil
}

// ServeHTTP upgrades the request and reports the connection as
// StateConnecting.
func (ep *Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		ep.logger.Error().Msgf("upgrade error: %v", err)
		return
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		ws.Close()
		return
	}
	c := ep.addConnLocked(ws)
	ep.events.Push(transport.StatusEvent{Conn: c.handle, State: transport.StateConnecting})
	ep.mu.Unlock()

	ep.startPumps(c, false)
}

func (ep *Endpoint) addConnLocked(ws *websocket.Conn) *conn {
	ep.nextHandle++
	c := &conn{
		handle: ep.nextHandle,
		ws:     ws,
		send:   make(chan frame, sendQueueCap),
	}
	ep.conns[c.handle] = c
	return c
}

func (ep *Endpoint) startPumps(c *conn, outgoing bool) {
	ep.wg.Add(2)
	go func() {
		defer ep.wg.Done()
		ep.readPump(c, outgoing)
	}()
	go func() {
		defer ep.wg.Done()
		ep.writePump(c)
	}()
}

func (ep *Endpoint) readPump(c *conn, outgoing bool) {
	defer c.ws.Close()

	c.ws.SetReadLimit(DefaultMaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			ep.dropConn(c, err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		ep.mu.Lock()
		switch {
		case kind == websocket.TextMessage && outgoing && string(payload) == acceptFrame:
			if !c.accepted {
				c.accepted = true
				ep.events.Push(transport.StatusEvent{Conn: c.handle, State: transport.StateConnected})
			}
		case kind == websocket.BinaryMessage && c.accepted:
			ep.inbox.Push(transport.Message{Conn: c.handle, Data: payload})
		}
		ep.mu.Unlock()
	}
}

func (ep *Endpoint) dropConn(c *conn, err error) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if c.closing {
		return
	}
	c.closing = true
	delete(ep.conns, c.handle)
	close(c.send)

	ev := transport.StatusEvent{Conn: c.handle, State: transport.StateProblemDetectedLocally}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		ev.State = transport.StateClosedByPeer
		if closeErr.Code >= closeCodeBase {
			ev.Reason = uint32(closeErr.Code - closeCodeBase)
		}
	}
	ep.events.Push(ev)

	ep.logger.Debug().
		Stringer("conn", c.handle).
		Stringer("state", ev.State).
		Msgf("websocket closed: %v", err)
}

func (ep *Endpoint) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-c.send:
			if !ok {
				if c.closeMsg != nil {
					_ = c.ws.WriteControl(websocket.CloseMessage, c.closeMsg, time.Now().Add(writeWait))
					_ = c.ws.Close()
				}
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.kind, f.data); err != nil {
				ep.logger.Debug().
					Stringer("conn", c.handle).
					Msgf("could not write: %v", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (ep *Endpoint) Addr() string {
	return ep.addr
}

func (ep *Endpoint) MaxMessageSize() int {
	return DefaultMaxMessageSize
}

func (ep *Endpoint) lookupLocked(handle transport.ConnHandle) (*conn, error) {
	if ep.closed {
		return nil, transport.ErrClosed
	}
	c, ok := ep.conns[handle]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownConn, handle)
	}
	return c, nil
}

func (ep *Endpoint) Accept(handle transport.ConnHandle) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	c, err := ep.lookupLocked(handle)
	if err != nil {
		return err
	}
	if c.accepted {
		return nil
	}
	c.accepted = true
	ep.events.Push(transport.StatusEvent{Conn: handle, State: transport.StateConnected})

	// the queue is empty before accept, so this never blocks
	c.send <- frame{kind: websocket.TextMessage, data: []byte(acceptFrame)}
	return nil
}

func (ep *Endpoint) CloseConn(handle transport.ConnHandle, reason uint32) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	c, err := ep.lookupLocked(handle)
	if err != nil {
		return err
	}
	ep.closeConnLocked(c, reason)
	return nil
}

// closeConnLocked hands the close frame to the write pump so frames queued
// before it still go out.
func (ep *Endpoint) closeConnLocked(c *conn, reason uint32) {
	c.closing = true
	delete(ep.conns, c.handle)
	c.closeMsg = websocket.FormatCloseMessage(closeCodeBase+int(reason), "")
	close(c.send)
}

func (ep *Endpoint) Send(handle transport.ConnHandle, data []byte, reliability transport.Reliability) error {
	if len(data) > DefaultMaxMessageSize {
		return fmt.Errorf("%w: %d bytes; max %d", transport.ErrMessageTooLarge, len(data), DefaultMaxMessageSize)
	}

	ep.mu.Lock()
	defer ep.mu.Unlock()

	c, err := ep.lookupLocked(handle)
	if err != nil {
		return err
	}
	if !c.accepted {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, handle)
	}

	cp := make([]byte, len(data))
	copy(cp, data)

	select {
	case c.send <- frame{kind: websocket.BinaryMessage, data: cp}:
		return nil
	default:
		if reliability == transport.Unreliable {
			return nil
		}
		return fmt.Errorf("%w: %s", transport.ErrSendQueueFull, handle)
	}
}

func (ep *Endpoint) Receive(max int) []transport.Message {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.inbox.Drain(max)
}

func (ep *Endpoint) Events() []transport.StatusEvent {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.events.Drain(0)
}

func (ep *Endpoint) Close() error {
	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	for _, c := range ep.conns {
		ep.closeConnLocked(c, 0)
	}
	ep.closed = true
	ep.mu.Unlock()

	var err error
	if ep.srv != nil {
		err = ep.srv.Close()
	}
	ep.wg.Wait()
	return err
}
