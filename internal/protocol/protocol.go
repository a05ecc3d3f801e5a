package protocol

import (
	"encoding"
	"errors"
	"fmt"
	"strconv"

	"github.com/blukai/netrumble/internal/byteorder"
)

const (
	// HeaderSize is the plain header: u32 type.
	HeaderSize = 4
	// SourceHeaderSize is the source-tagged header: u32 type + u64 source.
	SourceHeaderSize = HeaderSize + 8
)

var ErrMalformedMessage = errors.New("malformed message")

// PeerID identifies a participant. it is never zero for a real peer; as a
// message source zero means the message originated at the server.
type PeerID uint64

const InvalidPeerID PeerID = 0

func (id PeerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

type MsgType uint32

// types below ControlBandStart are gameplay messages. types at or above it are
// server/login control messages that are processed by the server only and
// always travel in the plain shape.
const (
	ControlBandStart MsgType = 1000
	// LobbyBandStart is reserved for lobby directory commands, see lobbyserver.
	LobbyBandStart MsgType = 2000
)

const (
	_ MsgType = iota
	MsgGameStart
	MsgGameOver
	MsgPlayerJoined
	MsgPlayerInfo
	MsgPlayerLeft
	MsgPowerUpSpawn
	MsgShipSpawn
	MsgShipInput
	MsgShipData
	MsgShipDeath
	MsgWorldSetup
	MsgWorldData
)

const (
	MsgServerSendInfo MsgType = iota + ControlBandStart
	MsgServerFailAuthentication
	MsgServerPassAuthentication
	MsgServerStateExiting
	MsgClientBeginAuthentication
	MsgClientKeepAlive
	MsgClientLeavingServer
	MsgP2PSendingTicket
	MsgVoiceChatData
)

var msgTypeNames = map[MsgType]string{
	MsgGameStart:                 "GameStart",
	MsgGameOver:                  "GameOver",
	MsgPlayerJoined:              "PlayerJoined",
	MsgPlayerInfo:                "PlayerInfo",
	MsgPlayerLeft:                "PlayerLeft",
	MsgPowerUpSpawn:              "PowerUpSpawn",
	MsgShipSpawn:                 "ShipSpawn",
	MsgShipInput:                 "ShipInput",
	MsgShipData:                  "ShipData",
	MsgShipDeath:                 "ShipDeath",
	MsgWorldSetup:                "WorldSetup",
	MsgWorldData:                 "WorldData",
	MsgServerSendInfo:            "ServerSendInfo",
	MsgServerFailAuthentication:  "ServerFailAuthentication",
	MsgServerPassAuthentication:  "ServerPassAuthentication",
	MsgServerStateExiting:        "ServerStateExiting",
	MsgClientBeginAuthentication: "ClientBeginAuthentication",
	MsgClientKeepAlive:           "ClientKeepAlive",
	MsgClientLeavingServer:       "ClientLeavingServer",
	MsgP2PSendingTicket:          "P2PSendingTicket",
	MsgVoiceChatData:             "VoiceChatData",
}

func (t MsgType) String() string {
	if name, ok := msgTypeNames[t]; ok {
		return name
	}
	return "MsgType(" + strconv.FormatUint(uint64(t), 10) + ")"
}

// Known reports whether t is part of the current catalogue. unknown types are
// not an error, receivers skip them.
func (t MsgType) Known() bool {
	_, ok := msgTypeNames[t]
	return ok
}

func IsGameplay(t MsgType) bool {
	return t > 0 && t < ControlBandStart
}

func IsControl(t MsgType) bool {
	return t >= ControlBandStart && t < LobbyBandStart
}

// IsRelayed reports whether t is a client-originated gameplay message that the
// server forwards to every other peer. those travel plain client->server and
// source-tagged server->client.
func IsRelayed(t MsgType) bool {
	switch t {
	case MsgShipInput, MsgShipData, MsgShipDeath, MsgShipSpawn, MsgPlayerInfo, MsgPlayerJoined:
		return true
	}
	return false
}

// IsServerAuthoritative reports whether only the server may originate t.
func IsServerAuthoritative(t MsgType) bool {
	switch t {
	case MsgGameStart, MsgGameOver, MsgPlayerLeft, MsgPowerUpSpawn, MsgWorldSetup, MsgWorldData:
		return true
	}
	return false
}

// IsReliable reports the delivery policy for t. high-frequency latest-wins
// state goes unreliable, everything else reliable and ordered.
func IsReliable(t MsgType) bool {
	switch t {
	case MsgShipInput, MsgShipData, MsgWorldData:
		return false
	}
	return true
}

type DisconnectReason uint32

const (
	ReasonNone DisconnectReason = iota
	ReasonClientLeft
	ReasonClientKicked
	ReasonServerFull
	ReasonAuthFailed
	ReasonServerClosing
	ReasonDuplicate
	ReasonInvalid
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonClientLeft:
		return "client left"
	case ReasonClientKicked:
		return "client kicked"
	case ReasonServerFull:
		return "server full"
	case ReasonAuthFailed:
		return "authentication failed"
	case ReasonServerClosing:
		return "server closing"
	case ReasonDuplicate:
		return "duplicate connection"
	case ReasonInvalid:
		return "invalid"
	}
	return "reason(" + strconv.FormatUint(uint64(r), 10) + ")"
}

// Message is a decoded frame. Source is InvalidPeerID for plain frames.
type Message struct {
	Type    MsgType
	Source  PeerID
	Payload []byte
}

func Encode(t MsgType, payload []byte) []byte {
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = byteorder.AppendUint32(buf, uint32(t))
	return append(buf, payload...)
}

func EncodeWithSource(t MsgType, source PeerID, payload []byte) []byte {
	buf := make([]byte, 0, SourceHeaderSize+len(payload))
	buf = byteorder.AppendUint32(buf, uint32(t))
	buf = byteorder.AppendUint64(buf, uint64(source))
	return append(buf, payload...)
}

// EncodeBody marshals body and frames it in the plain shape.
func EncodeBody(t MsgType, body encoding.BinaryMarshaler) ([]byte, error) {
	if body == nil {
		return Encode(t, nil), nil
	}
	payload, err := body.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("could not marshal %s: %w", t, err)
	}
	return Encode(t, payload), nil
}

func PeekType(data []byte) (MsgType, error) {
	if len(data) < HeaderSize {
		return 0, fmt.Errorf("%w: got %d bytes; want >= %d", ErrMalformedMessage, len(data), HeaderSize)
	}
	return MsgType(byteorder.Uint32(data)), nil
}

func Decode(data []byte) (MsgType, []byte, error) {
	t, err := PeekType(data)
	if err != nil {
		return 0, nil, err
	}
	return t, data[HeaderSize:], nil
}

func DecodeWithSource(data []byte) (MsgType, PeerID, []byte, error) {
	if len(data) < SourceHeaderSize {
		return 0, InvalidPeerID, nil, fmt.Errorf(
			"%w: got %d bytes; want >= %d",
			ErrMalformedMessage, len(data), SourceHeaderSize,
		)
	}
	t := MsgType(byteorder.Uint32(data))
	source := PeerID(byteorder.Uint64(data[HeaderSize:]))
	return t, source, data[SourceHeaderSize:], nil
}

// DecodeFromServer decodes a frame received from the server: relayed gameplay
// types carry the original sender, everything else is plain.
func DecodeFromServer(data []byte) (Message, error) {
	t, err := PeekType(data)
	if err != nil {
		return Message{}, err
	}
	if IsRelayed(t) {
		t, source, payload, err := DecodeWithSource(data)
		if err != nil {
			return Message{}, err
		}
		return Message{Type: t, Source: source, Payload: payload}, nil
	}
	return Message{Type: t, Payload: data[HeaderSize:]}, nil
}
