package online

import (
	"strings"

	"github.com/blukai/netrumble/internal/lobby"
	"github.com/blukai/netrumble/internal/lobbyclient"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/blukai/netrumble/internal/transport/memnet"
	"github.com/blukai/netrumble/internal/transport/netudp"
	"github.com/blukai/netrumble/internal/transport/wsnet"
	"github.com/phuslu/log"
)

// Backend supplies the lobby service and the game transports of a Session.
type Backend interface {
	Lobby(id protocol.PeerID) (lobby.Service, error)
	// Listen opens the host side. its Addr is published to the lobby.
	Listen(id protocol.PeerID) (transport.Transport, error)
	Dial(addr string) (transport.Transport, transport.ConnHandle, error)
}

// MemoryBackend keeps everything in process: lobby.Hub for lobbies and
// memnet for game traffic.
type MemoryBackend struct {
	Hub     *lobby.Hub
	Network *memnet.Network
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend(logger *log.Logger) *MemoryBackend {
	return &MemoryBackend{
		Hub:     lobby.NewHub(logger),
		Network: memnet.NewNetwork(0),
	}
}

func (b *MemoryBackend) Lobby(id protocol.PeerID) (lobby.Service, error) {
	return b.Hub.Connect(id), nil
}

func (b *MemoryBackend) Listen(id protocol.PeerID) (transport.Transport, error) {
	ep, err := b.Network.Listen("rumble-" + id.String())
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (b *MemoryBackend) Dial(addr string) (transport.Transport, transport.ConnHandle, error) {
	ep, conn, err := b.Network.Dial(addr)
	if err != nil {
		return nil, transport.InvalidConn, err
	}
	return ep, conn, nil
}

const websocketPath = "/rumble"

// NetBackend talks to a lobbyserver over udp. hosts listen on udp, or on
// websocket when Websocket is set; clients pick the transport from the
// published address.
type NetBackend struct {
	LobbyAddr  string
	ListenAddr string
	Websocket  bool
	Options    netudp.Options
	Logger     *log.Logger
}

var _ Backend = (*NetBackend)(nil)

func (b *NetBackend) Lobby(id protocol.PeerID) (lobby.Service, error) {
	client, err := lobbyclient.Dial("udp4", b.LobbyAddr, id, b.Logger)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (b *NetBackend) Listen(id protocol.PeerID) (transport.Transport, error) {
	if b.Websocket {
		ep, err := wsnet.Listen(b.ListenAddr, websocketPath, b.Logger)
		if err != nil {
			return nil, err
		}
		return ep, nil
	}
	ep, err := netudp.Listen("udp4", b.ListenAddr, b.Options, b.Logger)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (b *NetBackend) Dial(addr string) (transport.Transport, transport.ConnHandle, error) {
	if strings.HasPrefix(addr, "ws://") {
		ep, conn, err := wsnet.Dial(addr, b.Logger)
		if err != nil {
			return nil, transport.InvalidConn, err
		}
		return ep, conn, nil
	}
	ep, conn, err := netudp.Dial("udp4", addr, b.Options, b.Logger)
	if err != nil {
		return nil, transport.InvalidConn, err
	}
	return ep, conn, nil
}
