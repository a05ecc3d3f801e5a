// Package netudp is a connection-oriented transport over a single UDP socket.
// reliable messages get a per-connection sequence number, are acknowledged
// and resent until acked, and are delivered in order; unreliable messages go
// out as bare datagrams.
package netudp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/blukai/netrumble/internal/byteorder"
	"github.com/blukai/netrumble/internal/debug"
	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/cespare/xxhash/v2"
	"github.com/phuslu/log"
)

const (
	// MaxPacketSize keeps datagrams under a typical MTU.
	MaxPacketSize = 1280

	packetKindSize     = 1
	reliableHeaderSize = packetKindSize + 4

	DefaultMaxMessageSize = MaxPacketSize - reliableHeaderSize
)

const (
	_ uint8 = iota
	pktConnect
	pktAccept
	pktClose
	pktUnreliable
	pktReliable
	pktAck
	pktHeartbeat
)

type Options struct {
	MaintenanceInterval time.Duration
	ConnectInterval     time.Duration
	ResendInterval      time.Duration
	HeartbeatInterval   time.Duration
	Timeout             time.Duration
	MaxUnacked          int
}

func DefaultOptions() Options {
	return Options{
		MaintenanceInterval: 20 * time.Millisecond,
		ConnectInterval:     250 * time.Millisecond,
		ResendInterval:      150 * time.Millisecond,
		HeartbeatInterval:   time.Second,
		Timeout:             10 * time.Second,
		MaxUnacked:          256,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaintenanceInterval <= 0 {
		o.MaintenanceInterval = def.MaintenanceInterval
	}
	if o.ConnectInterval <= 0 {
		o.ConnectInterval = def.ConnectInterval
	}
	if o.ResendInterval <= 0 {
		o.ResendInterval = def.ResendInterval
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxUnacked <= 0 {
		o.MaxUnacked = def.MaxUnacked
	}
	return o
}

type addrKey uint64

func makeAddrKey(addr *net.UDPAddr) addrKey {
	return addrKey(xxhash.Sum64String(addr.String()))
}

type pending struct {
	packet   []byte
	lastSent time.Time
}

type conn struct {
	handle    transport.ConnHandle
	addr      *net.UDPAddr
	key       addrKey
	outgoing  bool
	connected bool

	lastSeen time.Time
	lastSent time.Time

	sendSeq uint32
	unacked map[uint32]*pending

	recvSeq uint32
	early   map[uint32][]byte
}

type Endpoint struct {
	udp    *net.UDPConn
	buf    []byte
	logger *log.Logger
	opts   Options

	listening bool

	mu         sync.Mutex
	closed     bool
	conns      map[transport.ConnHandle]*conn
	byAddr     map[addrKey]*conn
	nextHandle transport.ConnHandle
	inbox      transport.Queue[transport.Message]
	events     transport.Queue[transport.StatusEvent]

	done chan struct{}
	wg   sync.WaitGroup
}

var _ transport.Transport = (*Endpoint)(nil)

func newEndpoint(udp *net.UDPConn, opts Options, logger *log.Logger) *Endpoint {
	ep := &Endpoint{
		udp:    udp,
		buf:    make([]byte, MaxPacketSize),
		logger: logging.OrDiscard(logger),
		opts:   opts.withDefaults(),

		conns:  make(map[transport.ConnHandle]*conn),
		byAddr: make(map[addrKey]*conn),

		done: make(chan struct{}),
	}

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		ep.runRecv()
	}()

	ep.wg.Add(1)
	go func() {
		defer ep.wg.Done()
		ep.runMaintenance()
	}()

	return ep
}

// Listen binds address and reports every inbound attempt as
// StateConnecting.
func Listen(network, address string, opts Options, logger *log.Logger) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	udp, err := net.ListenUDP(network, addr)
	if err != nil {
		return nil, fmt.Errorf("could not listen udp: %w", err)
	}

	ep := newEndpoint(udp, opts, logger)
	ep.listening = true
	return ep, nil
}

// Dial binds an ephemeral port and starts connecting to address. the
// returned handle reports StateConnected once the remote accepts, or
// StateProblemDetectedLocally after Options.Timeout.
func Dial(network, address string, opts Options, logger *log.Logger) (*Endpoint, transport.ConnHandle, error) {
	addr, err := net.ResolveUDPAddr(network, address)
	if err != nil {
		return nil, transport.InvalidConn, fmt.Errorf("could not resolve udp addr: %w", err)
	}

	udp, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, transport.InvalidConn, fmt.Errorf("could not listen udp: %w", err)
	}

	ep := newEndpoint(udp, opts, logger)

	ep.mu.Lock()
	c := ep.addConn(addr, time.Now())
	c.outgoing = true
	ep.writeLocked(c, []byte{pktConnect})
	ep.mu.Unlock()

	return ep, c.handle, nil
}

// Addr can be useful to retrieve the address when listening on ":0".
func (ep *Endpoint) Addr() string {
	return ep.udp.LocalAddr().String()
}

func (ep *Endpoint) MaxMessageSize() int {
	return DefaultMaxMessageSize
}

func (ep *Endpoint) addConn(addr *net.UDPAddr, now time.Time) *conn {
	ep.nextHandle++
	c := &conn{
		handle:   ep.nextHandle,
		addr:     addr,
		key:      makeAddrKey(addr),
		lastSeen: now,
		unacked:  make(map[uint32]*pending),
		early:    make(map[uint32][]byte),
	}
	ep.conns[c.handle] = c
	ep.byAddr[c.key] = c
	return c
}

func (ep *Endpoint) removeConnLocked(c *conn) {
	delete(ep.conns, c.handle)
	delete(ep.byAddr, c.key)
}

func (ep *Endpoint) writeLocked(c *conn, packet []byte) error {
	c.lastSent = time.Now()
	_, err := ep.udp.WriteToUDP(packet, c.addr)
	if err != nil {
		ep.logger.Error().
			Stringer("conn", c.handle).
			Msgf("could not write to udp: %v", err)
	}
	return err
}

func closePacket(reason uint32) []byte {
	return byteorder.AppendUint32([]byte{pktClose}, reason)
}

func (ep *Endpoint) runRecv() {
	for {
		select {
		case <-ep.done:
			return
		default:
		}

		err := ep.udp.SetReadDeadline(time.Now().Add(time.Second))
		debug.Assert(err == nil || errors.Is(err, net.ErrClosed))

		n, addr, err := ep.udp.ReadFromUDP(ep.buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}

			ep.logger.Error().
				Msgf("could not read from udp: %v", err)
			continue
		}
		if n < packetKindSize {
			continue
		}

		ep.mu.Lock()
		ep.handlePacketLocked(ep.buf[:n], addr, time.Now())
		ep.mu.Unlock()
	}
}

func (ep *Endpoint) handlePacketLocked(packet []byte, addr *net.UDPAddr, now time.Time) {
	if ep.closed {
		return
	}

	kind := packet[0]
	c, ok := ep.byAddr[makeAddrKey(addr)]

	if kind == pktConnect {
		if !ep.listening {
			return
		}
		if !ok {
			c = ep.addConn(addr, now)
			ep.events.Push(transport.StatusEvent{Conn: c.handle, State: transport.StateConnecting})
			ep.logger.Debug().
				Stringer("addr", addr).
				Stringer("conn", c.handle).
				Msg("inbound connection")
			return
		}
		c.lastSeen = now
		if c.connected {
			// our accept got lost
			ep.writeLocked(c, []byte{pktAccept})
		}
		return
	}

	if !ok {
		ep.logger.Debug().
			Stringer("addr", addr).
			Uint8("kind", kind).
			Msg("packet from unknown address")
		return
	}
	c.lastSeen = now

	switch kind {
	case pktAccept:
		if c.outgoing && !c.connected {
			c.connected = true
			ep.events.Push(transport.StatusEvent{Conn: c.handle, State: transport.StateConnected})
		}
	case pktClose:
		var reason uint32
		if len(packet) >= packetKindSize+4 {
			reason = byteorder.Uint32(packet[packetKindSize:])
		}
		ep.removeConnLocked(c)
		ep.events.Push(transport.StatusEvent{Conn: c.handle, State: transport.StateClosedByPeer, Reason: reason})
	case pktUnreliable:
		if c.connected {
			ep.deliverLocked(c, packet[packetKindSize:])
		}
	case pktReliable:
		if !c.connected || len(packet) < reliableHeaderSize {
			return
		}
		seq := byteorder.Uint32(packet[packetKindSize:])
		ep.writeLocked(c, byteorder.AppendUint32([]byte{pktAck}, seq))

		switch delta := int32(seq - c.recvSeq); {
		case delta < 0:
			// duplicate of something already delivered
		case delta == 0:
			ep.deliverLocked(c, packet[reliableHeaderSize:])
			c.recvSeq++
			for {
				data, ok := c.early[c.recvSeq]
				if !ok {
					break
				}
				delete(c.early, c.recvSeq)
				ep.inbox.Push(transport.Message{Conn: c.handle, Data: data})
				c.recvSeq++
			}
		case int(delta) <= ep.opts.MaxUnacked:
			if _, ok := c.early[seq]; !ok {
				c.early[seq] = append([]byte(nil), packet[reliableHeaderSize:]...)
			}
		}
	case pktAck:
		if len(packet) >= packetKindSize+4 {
			delete(c.unacked, byteorder.Uint32(packet[packetKindSize:]))
		}
	case pktHeartbeat:
	default:
		ep.logger.Debug().
			Uint8("kind", kind).
			Msg("unknown packet kind")
	}
}

func (ep *Endpoint) deliverLocked(c *conn, data []byte) {
	ep.inbox.Push(transport.Message{Conn: c.handle, Data: append([]byte(nil), data...)})
}

func (ep *Endpoint) runMaintenance() {
	ticker := time.NewTicker(ep.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ep.done:
			return
		case now := <-ticker.C:
			ep.mu.Lock()
			ep.maintainLocked(now)
			ep.mu.Unlock()
		}
	}
}

func (ep *Endpoint) maintainLocked(now time.Time) {
	for _, c := range ep.conns {
		if now.Sub(c.lastSeen) > ep.opts.Timeout {
			ep.removeConnLocked(c)
			ep.events.Push(transport.StatusEvent{Conn: c.handle, State: transport.StateProblemDetectedLocally})
			ep.logger.Debug().
				Stringer("conn", c.handle).
				Msg("connection timed out")
			continue
		}

		if !c.connected {
			if c.outgoing && now.Sub(c.lastSent) >= ep.opts.ConnectInterval {
				ep.writeLocked(c, []byte{pktConnect})
			}
			continue
		}

		for _, p := range c.unacked {
			if now.Sub(p.lastSent) >= ep.opts.ResendInterval {
				p.lastSent = now
				ep.writeLocked(c, p.packet)
			}
		}
		if now.Sub(c.lastSent) >= ep.opts.HeartbeatInterval {
			ep.writeLocked(c, []byte{pktHeartbeat})
		}
	}
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
	if c.connected {
		return nil
	}
	c.connected = true
	ep.events.Push(transport.StatusEvent{Conn: c.handle, State: transport.StateConnected})
	return ep.writeLocked(c, []byte{pktAccept})
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

func (ep *Endpoint) closeConnLocked(c *conn, reason uint32) {
	// close is not acknowledged, send it a few times
	packet := closePacket(reason)
	for i := 0; i < 3; i++ {
		ep.writeLocked(c, packet)
	}
	ep.removeConnLocked(c)
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
	if !c.connected {
		return fmt.Errorf("%w: %s", transport.ErrNotConnected, handle)
	}

	if reliability == transport.Unreliable {
		packet := make([]byte, 0, packetKindSize+len(data))
		packet = append(packet, pktUnreliable)
		packet = append(packet, data...)
		return ep.writeLocked(c, packet)
	}

	if len(c.unacked) >= ep.opts.MaxUnacked {
		return fmt.Errorf("%w: %s has %d unacked messages", transport.ErrSendQueueFull, handle, len(c.unacked))
	}
	seq := c.sendSeq
	c.sendSeq++

	packet := make([]byte, 0, reliableHeaderSize+len(data))
	packet = append(packet, pktReliable)
	packet = byteorder.AppendUint32(packet, seq)
	packet = append(packet, data...)

	c.unacked[seq] = &pending{packet: packet, lastSent: time.Now()}
	// a failed first write is retried by maintenance
	ep.writeLocked(c, packet)
	return nil
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

// Close says goodbye to every connection and stops the background loops.
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

	close(ep.done)
	err := ep.udp.Close()
	ep.wg.Wait()
	return err
}
