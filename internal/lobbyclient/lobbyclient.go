// Package lobbyclient talks to a lobbyserver and implements lobby.Service.
package lobbyclient

import (
	"errors"
	"fmt"
	"time"

	"github.com/blukai/netrumble/internal/lobby"
	"github.com/blukai/netrumble/internal/lobbyserver"
	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/blukai/netrumble/internal/transport/netudp"
	"github.com/phuslu/log"
)

var (
	ErrTimeout      = errors.New("timeout reached")
	ErrDisconnected = errors.New("disconnected from lobby server")
)

const pollInterval = 5 * time.Millisecond

type LobbyClient struct {
	tr     transport.Transport
	conn   transport.ConnHandle
	id     protocol.PeerID
	logger *log.Logger

	recvTimeout time.Duration

	seq    uint32
	events []lobby.Event
	closed bool
}

var _ lobby.Service = (*LobbyClient)(nil)

// Dial connects to a lobbyserver over netudp and introduces id. it is
// blocking.
func Dial(network, address string, id protocol.PeerID, logger *log.Logger) (*LobbyClient, error) {
	ep, conn, err := netudp.Dial(network, address, netudp.DefaultOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("could not dial lobby server: %w", err)
	}
	lc, err := New(ep, conn, id, logger)
	if err != nil {
		_ = ep.Close()
		return nil, err
	}
	return lc, nil
}

// New wraps a dialed connection on tr. it waits until the connection is
// established and then says hello.
func New(tr transport.Transport, conn transport.ConnHandle, id protocol.PeerID, logger *log.Logger) (*LobbyClient, error) {
	lc := &LobbyClient{
		tr:     tr,
		conn:   conn,
		id:     id,
		logger: logging.OrDiscard(logger),

		recvTimeout: 2 * time.Second,
	}

	deadline := time.Now().Add(netudp.DefaultOptions().Timeout)
	for {
		connected := false
		for _, ev := range tr.Events() {
			switch ev.State {
			case transport.StateConnected:
				connected = true
			case transport.StateClosedByPeer, transport.StateProblemDetectedLocally:
				return nil, fmt.Errorf("%w: %s", ErrDisconnected, ev.State)
			}
		}
		if connected {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("could not connect: %w", ErrTimeout)
		}
		time.Sleep(pollInterval)
	}

	if err := lc.sendCmd(lobbyserver.MsgHello, &lobbyserver.Hello{ID: id}); err != nil {
		return nil, err
	}
	return lc, nil
}

func (lc *LobbyClient) LocalID() protocol.PeerID {
	return lc.id
}

func (lc *LobbyClient) sendCmd(t protocol.MsgType, body any) error {
	if lc.closed {
		return ErrDisconnected
	}
	data, err := lobbyserver.Encode(t, body)
	if err != nil {
		return err
	}
	if err := lc.tr.Send(lc.conn, data, transport.Reliable); err != nil {
		return fmt.Errorf("could not send: %w", err)
	}
	return nil
}

// pump moves everything queued on the transport into lc.events. found is
// called for Found replies.
func (lc *LobbyClient) pump(found func(lobbyserver.Found)) {
	for _, ev := range lc.tr.Events() {
		if ev.Conn != lc.conn {
			continue
		}
		if ev.State == transport.StateClosedByPeer || ev.State == transport.StateProblemDetectedLocally {
			lc.logger.Error().
				Stringer("state", ev.State).
				Msg("lost connection to lobby server")
			lc.closed = true
		}
	}

	for _, msg := range lc.tr.Receive(0) {
		t, payload, err := protocol.Decode(msg.Data)
		if err != nil {
			lc.logger.Error().Msgf("could not decode: %v", err)
			continue
		}
		switch t {
		case lobbyserver.MsgEvent:
			var ev lobby.Event
			if err := lobbyserver.DecodeBody(payload, &ev); err != nil {
				lc.logger.Error().Msgf("could not decode event: %v", err)
				continue
			}
			lc.events = append(lc.events, ev)
		case lobbyserver.MsgFound:
			var f lobbyserver.Found
			if err := lobbyserver.DecodeBody(payload, &f); err != nil {
				lc.logger.Error().Msgf("could not decode found: %v", err)
				continue
			}
			if found != nil {
				found(f)
			}
		case lobbyserver.MsgPong:
		default:
			lc.logger.Debug().Msgf("ignoring cmd %d", t)
		}
	}
}

func (lc *LobbyClient) Create(policy lobby.AccessPolicy, maxMembers int, member lobby.Properties) error {
	return lc.sendCmd(lobbyserver.MsgCreate, &lobbyserver.Create{
		Policy:     policy,
		MaxMembers: maxMembers,
		Member:     member,
	})
}

// Find is blocking.
func (lc *LobbyClient) Find(filter lobby.Filter) ([]lobby.Summary, error) {
	lc.seq++
	seq := lc.seq
	if err := lc.sendCmd(lobbyserver.MsgFind, &lobbyserver.Find{Seq: seq, Filter: filter}); err != nil {
		return nil, err
	}

	var (
		result []lobby.Summary
		done   bool
	)
	deadline := time.Now().Add(lc.recvTimeout)
	for !done {
		lc.pump(func(f lobbyserver.Found) {
			if f.Seq == seq {
				result, done = f.Lobbies, true
			}
		})
		if done {
			break
		}
		if lc.closed {
			return nil, ErrDisconnected
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("could not find lobbies: %w", ErrTimeout)
		}
		time.Sleep(pollInterval)
	}
	return result, nil
}

func (lc *LobbyClient) Join(id lobby.ID, member lobby.Properties) error {
	return lc.sendCmd(lobbyserver.MsgJoin, &lobbyserver.Join{Lobby: id, Member: member})
}

func (lc *LobbyClient) Leave() error {
	return lc.sendCmd(lobbyserver.MsgLeave, nil)
}

func (lc *LobbyClient) SetMemberProperty(key, value string) error {
	return lc.sendCmd(lobbyserver.MsgSetMemberProperty, &lobbyserver.SetProperty{Key: key, Value: value})
}

func (lc *LobbyClient) SetLobbyProperty(key, value string) error {
	return lc.sendCmd(lobbyserver.MsgSetLobbyProperty, &lobbyserver.SetProperty{Key: key, Value: value})
}

// Poll returns lobby events received since the last call.
func (lc *LobbyClient) Poll() []lobby.Event {
	lc.pump(nil)
	events := lc.events
	lc.events = nil
	return events
}

// Ping is blocking.
func (lc *LobbyClient) Ping() error {
	if err := lc.sendCmd(lobbyserver.MsgPing, nil); err != nil {
		return err
	}
	deadline := time.Now().Add(lc.recvTimeout)
	for {
		for _, msg := range lc.tr.Receive(0) {
			t, payload, err := protocol.Decode(msg.Data)
			if err != nil {
				continue
			}
			switch t {
			case lobbyserver.MsgPong:
				return nil
			case lobbyserver.MsgEvent:
				var ev lobby.Event
				if lobbyserver.DecodeBody(payload, &ev) == nil {
					lc.events = append(lc.events, ev)
				}
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("could not ping: %w", ErrTimeout)
		}
		time.Sleep(pollInterval)
	}
}

func (lc *LobbyClient) Close() error {
	if !lc.closed {
		_ = lc.tr.CloseConn(lc.conn, uint32(protocol.ReasonClientLeft))
		lc.closed = true
	}
	return lc.tr.Close()
}
