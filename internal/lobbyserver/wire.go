package lobbyserver

import (
	"fmt"

	"github.com/blukai/netrumble/internal/lobby"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/vmihailenco/msgpack/v5"
)

// lobby directory commands. bodies are msgpack.
const (
	MsgPing protocol.MsgType = iota + protocol.LobbyBandStart
	MsgPong
	MsgHello
	MsgCreate
	MsgFind
	MsgFound
	MsgJoin
	MsgLeave
	MsgSetMemberProperty
	MsgSetLobbyProperty
	MsgEvent
)

type Hello struct {
	ID protocol.PeerID `msgpack:"id"`
}

type Create struct {
	Policy     lobby.AccessPolicy `msgpack:"policy"`
	MaxMembers int                `msgpack:"max_members"`
	Member     lobby.Properties   `msgpack:"member"`
}

type Find struct {
	Seq    uint32       `msgpack:"seq"`
	Filter lobby.Filter `msgpack:"filter"`
}

type Found struct {
	Seq     uint32          `msgpack:"seq"`
	Lobbies []lobby.Summary `msgpack:"lobbies"`
}

type Join struct {
	Lobby  lobby.ID         `msgpack:"lobby"`
	Member lobby.Properties `msgpack:"member"`
}

type SetProperty struct {
	Key   string `msgpack:"key"`
	Value string `msgpack:"value"`
}

// Encode frames body as a lobby command.
func Encode(t protocol.MsgType, body any) ([]byte, error) {
	if body == nil {
		return protocol.Encode(t, nil), nil
	}
	payload, err := msgpack.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %d: %w", t, err)
	}
	return protocol.Encode(t, payload), nil
}

// DecodeBody unmarshals a lobby command payload into body.
func DecodeBody(payload []byte, body any) error {
	if err := msgpack.Unmarshal(payload, body); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrMalformedMessage, err)
	}
	return nil
}
