package protocol

import (
	"encoding"
)

type Vector2 struct {
	X float32
	Y float32
}

type PowerUpType uint8

const (
	PowerUpUnknown PowerUpType = iota
	PowerUpDoubleLaser
	PowerUpTripleLaser
	PowerUpRocket
)

// Body is implemented by every message payload.
type Body interface {
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

var (
	_ Body = (*GameOver)(nil)
	_ Body = (*PlayerInfo)(nil)
	_ Body = (*PlayerLeft)(nil)
	_ Body = (*PowerUpSpawn)(nil)
	_ Body = (*ShipSpawn)(nil)
	_ Body = (*ShipInput)(nil)
	_ Body = (*ShipData)(nil)
	_ Body = (*ShipDeath)(nil)
	_ Body = (*WorldSetup)(nil)
	_ Body = (*WorldData)(nil)
	_ Body = (*ServerSendInfo)(nil)
	_ Body = (*ServerFailAuthentication)(nil)
	_ Body = (*ServerPassAuthentication)(nil)
	_ Body = (*ClientBeginAuthentication)(nil)
	_ Body = (*P2PSendingTicket)(nil)
	_ Body = (*VoiceChatData)(nil)
)

type GameOver struct {
	WinningColor uint8
	WinnerName   string
}

func (m *GameOver) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint8(m.WinningColor)
	w.string(m.WinnerName)
	return w.result()
}

func (m *GameOver) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.WinningColor = r.uint8()
	m.WinnerName = r.string()
	return r.err
}

// PlayerInfo is the body of both PlayerJoined and PlayerInfo.
type PlayerInfo struct {
	Name          string
	ShipColor     uint8
	ShipVariation uint8
}

func (m *PlayerInfo) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.string(m.Name)
	w.uint8(m.ShipColor)
	w.uint8(m.ShipVariation)
	return w.result()
}

func (m *PlayerInfo) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Name = r.string()
	m.ShipColor = r.uint8()
	m.ShipVariation = r.uint8()
	return r.err
}

type PlayerLeft struct {
	PeerID PeerID
	Reason DisconnectReason
}

func (m *PlayerLeft) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint64(uint64(m.PeerID))
	w.uint32(uint32(m.Reason))
	return w.result()
}

func (m *PlayerLeft) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.PeerID = PeerID(r.uint64())
	m.Reason = DisconnectReason(r.uint32())
	return r.err
}

type PowerUpSpawn struct {
	Type     PowerUpType
	Position Vector2
}

func (m *PowerUpSpawn) MarshalBinary() ([]byte, error) {
	w := writer{}
	m.write(&w)
	return w.result()
}

func (m *PowerUpSpawn) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.read(&r)
	return r.err
}

func (m *PowerUpSpawn) write(w *writer) {
	w.uint8(uint8(m.Type))
	w.vector2(m.Position)
}

func (m *PowerUpSpawn) read(r *reader) {
	m.Type = PowerUpType(r.uint8())
	m.Position = r.vector2()
}

// ShipSpawn carries no peer id: the sender is the connection (client->server)
// or the source tag (server->client).
type ShipSpawn struct {
	Position Vector2
}

func (m *ShipSpawn) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.vector2(m.Position)
	return w.result()
}

func (m *ShipSpawn) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Position = r.vector2()
	return r.err
}

const (
	ButtonFire uint8 = 1 << iota
	ButtonMine
)

type ShipInput struct {
	Thrust  Vector2
	Aim     Vector2
	Buttons uint8
}

func (m *ShipInput) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.vector2(m.Thrust)
	w.vector2(m.Aim)
	w.uint8(m.Buttons)
	return w.result()
}

func (m *ShipInput) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Thrust = r.vector2()
	m.Aim = r.vector2()
	m.Buttons = r.uint8()
	return r.err
}

type ShipData struct {
	Position Vector2
	Velocity Vector2
	Rotation float32
	Life     float32
	Shield   float32
	Score    int32
}

func (m *ShipData) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.vector2(m.Position)
	w.vector2(m.Velocity)
	w.float32(m.Rotation)
	w.float32(m.Life)
	w.float32(m.Shield)
	w.int32(m.Score)
	return w.result()
}

func (m *ShipData) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Position = r.vector2()
	m.Velocity = r.vector2()
	m.Rotation = r.float32()
	m.Life = r.float32()
	m.Shield = r.float32()
	m.Score = r.int32()
	return r.err
}

// ShipDeath is sent by the dying ship's owner. Killer is InvalidPeerID when
// nobody gets the credit.
type ShipDeath struct {
	Killer PeerID
}

func (m *ShipDeath) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint64(uint64(m.Killer))
	return w.result()
}

func (m *ShipDeath) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Killer = PeerID(r.uint64())
	return r.err
}

type ShipSetup struct {
	PeerID     PeerID
	Position   Vector2
	WeaponType uint8
}

type AsteroidSetup struct {
	Radius    float32
	Variation uint8
	Position  Vector2
	Velocity  Vector2
}

// WorldSetup is the full snapshot a client needs to enter a game. PowerUp.Type
// is PowerUpUnknown when no power-up is active.
type WorldSetup struct {
	WinningScore int32
	Ships        []ShipSetup
	Asteroids    []AsteroidSetup
	PowerUp      PowerUpSpawn
}

func (m *WorldSetup) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.int32(m.WinningScore)
	w.count(len(m.Ships))
	for _, s := range m.Ships {
		w.uint64(uint64(s.PeerID))
		w.vector2(s.Position)
		w.uint8(s.WeaponType)
	}
	w.count(len(m.Asteroids))
	for _, a := range m.Asteroids {
		w.float32(a.Radius)
		w.uint8(a.Variation)
		w.vector2(a.Position)
		w.vector2(a.Velocity)
	}
	m.PowerUp.write(&w)
	return w.result()
}

const (
	shipSetupSize     = 8 + 8 + 1
	asteroidSetupSize = 4 + 1 + 8 + 8
	asteroidDataSize  = 8 + 8
)

func (m *WorldSetup) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.WinningScore = r.int32()

	m.Ships = nil
	if n := r.count(); n > 0 && r.fits(n, shipSetupSize) {
		m.Ships = make([]ShipSetup, n)
		for i := range m.Ships {
			m.Ships[i] = ShipSetup{
				PeerID:     PeerID(r.uint64()),
				Position:   r.vector2(),
				WeaponType: r.uint8(),
			}
		}
	}

	m.Asteroids = nil
	if n := r.count(); n > 0 && r.fits(n, asteroidSetupSize) {
		m.Asteroids = make([]AsteroidSetup, n)
		for i := range m.Asteroids {
			m.Asteroids[i] = AsteroidSetup{
				Radius:    r.float32(),
				Variation: r.uint8(),
				Position:  r.vector2(),
				Velocity:  r.vector2(),
			}
		}
	}

	m.PowerUp.read(&r)
	return r.err
}

type AsteroidData struct {
	Position Vector2
	Velocity Vector2
}

// WorldData lists asteroids in WorldSetup order; the index is the key.
type WorldData struct {
	Asteroids []AsteroidData
}

func (m *WorldData) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.count(len(m.Asteroids))
	for _, a := range m.Asteroids {
		w.vector2(a.Position)
		w.vector2(a.Velocity)
	}
	return w.result()
}

func (m *WorldData) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Asteroids = nil
	if n := r.count(); n > 0 && r.fits(n, asteroidDataSize) {
		m.Asteroids = make([]AsteroidData, n)
		for i := range m.Asteroids {
			m.Asteroids[i] = AsteroidData{
				Position: r.vector2(),
				Velocity: r.vector2(),
			}
		}
	}
	return r.err
}

type ServerSendInfo struct {
	Name       string
	Players    uint8
	MaxPlayers uint8
	InGame     bool
}

func (m *ServerSendInfo) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.string(m.Name)
	w.uint8(m.Players)
	w.uint8(m.MaxPlayers)
	w.bool(m.InGame)
	return w.result()
}

func (m *ServerSendInfo) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Name = r.string()
	m.Players = r.uint8()
	m.MaxPlayers = r.uint8()
	m.InGame = r.bool()
	return r.err
}

type ServerFailAuthentication struct {
	Reason DisconnectReason
}

func (m *ServerFailAuthentication) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint32(uint32(m.Reason))
	return w.result()
}

func (m *ServerFailAuthentication) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Reason = DisconnectReason(r.uint32())
	return r.err
}

type ServerPassAuthentication struct {
	Slot uint32
}

func (m *ServerPassAuthentication) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint32(m.Slot)
	return w.result()
}

func (m *ServerPassAuthentication) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.Slot = r.uint32()
	return r.err
}

type ClientBeginAuthentication struct {
	PeerID PeerID
	Name   string
	Ticket []byte
}

func (m *ClientBeginAuthentication) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint64(uint64(m.PeerID))
	w.string(m.Name)
	w.bytes(m.Ticket)
	return w.result()
}

func (m *ClientBeginAuthentication) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.PeerID = PeerID(r.uint64())
	m.Name = r.string()
	m.Ticket = r.bytes()
	return r.err
}

// P2PSendingTicket names the recipient on the way to the server and the
// sender on the way out.
type P2PSendingTicket struct {
	PeerID PeerID
	Ticket []byte
}

func (m *P2PSendingTicket) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint64(uint64(m.PeerID))
	w.bytes(m.Ticket)
	return w.result()
}

func (m *P2PSendingTicket) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.PeerID = PeerID(r.uint64())
	m.Ticket = r.bytes()
	return r.err
}

// VoiceChatData is opaque codec output. the server overwrites PeerID with
// the authenticated sender before fanning it out.
type VoiceChatData struct {
	PeerID PeerID
	Data   []byte
}

func (m *VoiceChatData) MarshalBinary() ([]byte, error) {
	w := writer{}
	w.uint64(uint64(m.PeerID))
	w.bytes(m.Data)
	return w.result()
}

func (m *VoiceChatData) UnmarshalBinary(data []byte) error {
	r := reader{data: data}
	m.PeerID = PeerID(r.uint64())
	m.Data = r.bytes()
	return r.err
}

// NewBody returns an empty body for t, or nil when t carries no payload or
// is unknown.
func NewBody(t MsgType) Body {
	switch t {
	case MsgGameOver:
		return &GameOver{}
	case MsgPlayerJoined, MsgPlayerInfo:
		return &PlayerInfo{}
	case MsgPlayerLeft:
		return &PlayerLeft{}
	case MsgPowerUpSpawn:
		return &PowerUpSpawn{}
	case MsgShipSpawn:
		return &ShipSpawn{}
	case MsgShipInput:
		return &ShipInput{}
	case MsgShipData:
		return &ShipData{}
	case MsgShipDeath:
		return &ShipDeath{}
	case MsgWorldSetup:
		return &WorldSetup{}
	case MsgWorldData:
		return &WorldData{}
	case MsgServerSendInfo:
		return &ServerSendInfo{}
	case MsgServerFailAuthentication:
		return &ServerFailAuthentication{}
	case MsgServerPassAuthentication:
		return &ServerPassAuthentication{}
	case MsgClientBeginAuthentication:
		return &ClientBeginAuthentication{}
	case MsgP2PSendingTicket:
		return &P2PSendingTicket{}
	case MsgVoiceChatData:
		return &VoiceChatData{}
	}
	return nil
}
