package relay_test

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/blukai/netrumble/internal/peer"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/relay"
	"github.com/blukai/netrumble/internal/replication"
	"github.com/blukai/netrumble/internal/session"
	"github.com/blukai/netrumble/internal/transport"
	"github.com/blukai/netrumble/internal/transport/memnet"
	"github.com/blukai/netrumble/internal/world"
	"github.com/matryer/is"
)

const hostID protocol.PeerID = 100

type recorder struct {
	repl         *replication.Replicator
	msgs         []protocol.Message
	disconnected []protocol.PeerID
}

func (r *recorder) HandleMessage(msg protocol.Message) {
	r.msgs = append(r.msgs, msg)
	_ = r.repl.HandleMessage(msg)
}

func (r *recorder) PeerDisconnected(id protocol.PeerID, inGame bool, reason protocol.DisconnectReason) {
	r.disconnected = append(r.disconnected, id)
}

func (r *recorder) from(source protocol.PeerID, t protocol.MsgType) int {
	n := 0
	for _, msg := range r.msgs {
		if msg.Source == source && msg.Type == t {
			n++
		}
	}
	return n
}

type host struct {
	network *memnet.Network
	ep      *memnet.Endpoint
	repl    *replication.Replicator
	local   *recorder
	srv     *relay.Server
	now     time.Time
}

func newHost(is *is.I, maxClients, maxMessageSize int) *host {
	network := memnet.NewNetwork(maxMessageSize)
	ep, err := network.Listen("host")
	is.NoErr(err)

	cfg := world.DefaultConfig()
	cfg.AsteroidCount = 4
	peers := peer.NewRegistry(hostID, "host")
	repl := replication.New(peers, world.New(cfg, rand.New(rand.NewPCG(1, 2))), nil)
	sessions := session.NewRegistry(session.Config{MaxPlayers: maxClients, Timeout: 10 * time.Second}, ep, nil, nil)

	now := time.Unix(1000, 0)
	local := &recorder{repl: repl}
	srv := relay.New(relay.Config{
		Name:               "test",
		SettleTime:         time.Second,
		WorldDataRate:      10,
		ServerInfoInterval: time.Minute,
		PowerUpDelay:       time.Hour,
	}, ep, sessions, repl, local, now, nil)

	return &host{network: network, ep: ep, repl: repl, local: local, srv: srv, now: now}
}

type client struct {
	id   protocol.PeerID
	ep   *memnet.Endpoint
	conn transport.ConnHandle
}

func (c *client) send(is *is.I, t protocol.MsgType, body protocol.Body) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = body.MarshalBinary()
		is.NoErr(err)
	}
	c.sendRaw(is, protocol.Encode(t, payload))
}

func (c *client) sendRaw(is *is.I, data []byte) {
	is.NoErr(c.ep.Send(c.conn, data, transport.Reliable))
}

func (c *client) recv(is *is.I) []protocol.Message {
	var msgs []protocol.Message
	for _, m := range c.ep.Receive(0) {
		msg, err := protocol.DecodeFromServer(m.Data)
		is.NoErr(err)
		msgs = append(msgs, msg)
	}
	return msgs
}

func ofType(msgs []protocol.Message, t protocol.MsgType) []protocol.Message {
	var out []protocol.Message
	for _, msg := range msgs {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

func (h *host) join(is *is.I, id protocol.PeerID) *client {
	ep, conn, err := h.network.Dial("host")
	is.NoErr(err)
	c := &client{id: id, ep: ep, conn: conn}

	h.srv.Update(h.now)
	ep.Events()

	c.send(is, protocol.MsgClientBeginAuthentication, &protocol.ClientBeginAuthentication{PeerID: id, Name: id.String()})
	c.send(is, protocol.MsgPlayerJoined, &protocol.PlayerInfo{Name: id.String()})
	h.srv.Update(h.now)
	return c
}

func drain(clients ...*client) {
	for _, c := range clients {
		c.ep.Receive(0)
		c.ep.Events()
	}
}

func TestRelayExcludesSender(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a, b, c := h.join(is, 1), h.join(is, 2), h.join(is, 3)
	drain(a, b, c)

	a.send(is, protocol.MsgShipData, &protocol.ShipData{Life: 10})
	a.send(is, protocol.MsgShipDeath, &protocol.ShipDeath{Killer: 2})
	h.srv.Update(h.now)

	is.Equal(len(a.recv(is)), 0)
	for _, other := range []*client{b, c} {
		msgs := other.recv(is)
		is.Equal(len(msgs), 2)
		for _, msg := range msgs {
			is.Equal(msg.Source, a.id)
		}
		is.Equal(msgs[0].Type, protocol.MsgShipData)
		is.Equal(msgs[1].Type, protocol.MsgShipDeath)
	}

	is.Equal(h.local.from(a.id, protocol.MsgShipData), 1)
	is.Equal(h.local.from(a.id, protocol.MsgShipDeath), 1)
}

func TestLoopbackNeverReceivesRelay(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a, loop := h.join(is, 1), h.join(is, 2)
	conn, ok := h.srv.Sessions().FindPeer(loop.id)
	is.True(ok)
	h.srv.SetLoopback(conn.Handle)
	drain(a, loop)

	a.send(is, protocol.MsgShipSpawn, &protocol.ShipSpawn{})
	h.srv.Update(h.now)
	is.Equal(len(loop.recv(is)), 0)
}

func TestMalformedMessageDoesNotAffectBatch(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a, b := h.join(is, 1), h.join(is, 2)
	drain(a, b)

	a.sendRaw(is, []byte{})
	a.sendRaw(is, protocol.Encode(protocol.MsgShipInput, []byte{1, 2}))
	a.send(is, protocol.MsgShipSpawn, &protocol.ShipSpawn{Position: protocol.Vector2{X: 5, Y: 6}})
	h.srv.Update(h.now)

	msgs := b.recv(is)
	is.Equal(len(msgs), 1)
	is.Equal(msgs[0].Type, protocol.MsgShipSpawn)
	is.Equal(msgs[0].Source, a.id)

	_, ok := h.srv.Sessions().FindPeer(a.id)
	is.True(ok) // still connected
	is.Equal(h.local.from(a.id, protocol.MsgShipInput), 0)
	is.Equal(h.local.from(a.id, protocol.MsgShipSpawn), 1)
}

func TestReliabilityPolicy(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a, b := h.join(is, 1), h.join(is, 2)
	drain(a, b)

	got := map[protocol.MsgType]transport.Reliability{}
	h.network.SetTrace(func(tr memnet.Trace) {
		if tr.From != "host" {
			return
		}
		typ, err := protocol.PeekType(tr.Data)
		is.NoErr(err)
		got[typ] = tr.Reliability
	})

	a.send(is, protocol.MsgShipInput, &protocol.ShipInput{})
	a.send(is, protocol.MsgShipData, &protocol.ShipData{})
	a.send(is, protocol.MsgShipDeath, &protocol.ShipDeath{})
	a.send(is, protocol.MsgShipSpawn, &protocol.ShipSpawn{})
	a.send(is, protocol.MsgPlayerInfo, &protocol.PlayerInfo{})
	h.srv.Update(h.now)

	is.Equal(got, map[protocol.MsgType]transport.Reliability{
		protocol.MsgShipInput:  transport.Unreliable,
		protocol.MsgShipData:   transport.Unreliable,
		protocol.MsgShipDeath:  transport.Reliable,
		protocol.MsgShipSpawn:  transport.Reliable,
		protocol.MsgPlayerInfo: transport.Reliable,
	})
}

func TestOversizedPayloadIsNotSent(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 128)
	a, b := h.join(is, 1), h.join(is, 2)
	drain(a, b)

	err := h.srv.SendToAll(make([]byte, 129), transport.Reliable)
	is.True(errors.Is(err, transport.ErrMessageTooLarge))
	is.Equal(len(a.recv(is)), 0)
	is.Equal(len(b.recv(is)), 0)
}

func TestClientCannotSendServerMessages(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a, b := h.join(is, 1), h.join(is, 2)
	drain(a, b)

	a.send(is, protocol.MsgGameOver, &protocol.GameOver{WinnerName: "me"})
	a.send(is, protocol.MsgWorldData, &protocol.WorldData{})
	h.srv.Update(h.now)

	is.Equal(len(b.recv(is)), 0)
	is.Equal(h.local.from(a.id, protocol.MsgGameOver), 0)
}

func TestServerFull(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 1, 0)
	h.join(is, 1)

	ep, _, err := h.network.Dial("host")
	is.NoErr(err)
	h.srv.Update(h.now)

	events := ep.Events()
	is.Equal(len(events), 1)
	is.Equal(events[0].State, transport.StateClosedByPeer)
	is.Equal(protocol.DisconnectReason(events[0].Reason), protocol.ReasonServerFull)
	is.Equal(h.srv.Sessions().ActiveCount(), 1)
}

func TestPendingConnectionCannotRelay(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a := h.join(is, 1)
	drain(a)

	ep, conn, err := h.network.Dial("host")
	is.NoErr(err)
	h.srv.Update(h.now)
	pending := &client{ep: ep, conn: conn}
	pending.send(is, protocol.MsgShipSpawn, &protocol.ShipSpawn{})
	h.srv.Update(h.now)

	is.Equal(len(ofType(a.recv(is), protocol.MsgShipSpawn)), 0)
}

func TestStartGameAndLateJoiner(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a, b := h.join(is, 1), h.join(is, 2)
	drain(a, b)

	is.NoErr(h.srv.StartGame(h.now))

	for _, c := range []*client{a, b} {
		msgs := c.recv(is)
		is.Equal(len(msgs), 2)
		is.Equal(msgs[0].Type, protocol.MsgGameStart)
		is.Equal(msgs[1].Type, protocol.MsgWorldSetup)

		var setup protocol.WorldSetup
		is.NoErr(setup.UnmarshalBinary(msgs[1].Payload))
		is.Equal(len(setup.Ships), 3)
		is.Equal(len(setup.Asteroids), 4)
	}
	is.True(h.repl.World().IsGameInProgress())
	is.True(h.repl.Peers().Local().InGame)

	late := h.join(is, 3)
	msgs := late.recv(is)
	infos := ofType(msgs, protocol.MsgPlayerInfo)
	is.Equal(len(infos), 3) // host, 1 and 2
	is.Equal(len(ofType(msgs, protocol.MsgGameStart)), 1)
	setups := ofType(msgs, protocol.MsgWorldSetup)
	is.Equal(len(setups), 1)

	conn, ok := h.srv.Sessions().FindPeer(late.id)
	is.True(ok)
	is.True(conn.InGame)

	// the late joiner gets a free spawn point, not the origin
	var setup protocol.WorldSetup
	is.NoErr(setup.UnmarshalBinary(setups[0].Payload))
	var spawned protocol.Vector2
	for _, ship := range setup.Ships {
		if ship.PeerID == late.id {
			spawned = ship.Position
		}
	}
	bounds := h.repl.World().Bounds()
	is.True(spawned.X >= bounds.Min.X+world.ShipRadius && spawned.X <= bounds.Max.X-world.ShipRadius)
	is.True(spawned.Y >= bounds.Min.Y+world.ShipRadius && spawned.Y <= bounds.Max.Y-world.ShipRadius)
	is.True(spawned != protocol.Vector2{})

	// and everyone else sees it spawn
	for _, c := range []*client{a, b} {
		spawns := ofType(c.recv(is), protocol.MsgShipSpawn)
		is.Equal(len(spawns), 1)
		is.Equal(spawns[0].Source, late.id)
		var body protocol.ShipSpawn
		is.NoErr(body.UnmarshalBinary(spawns[0].Payload))
		is.Equal(body.Position, spawned)
	}
	p, ok := h.repl.Peers().Get(late.id)
	is.True(ok)
	is.True(p.InGame)
	is.True(p.Ship.Active)
}

func TestWorldDataRate(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a := h.join(is, 1)
	is.NoErr(h.srv.StartGame(h.now))
	drain(a)

	for i := 1; i <= 10; i++ {
		a.send(is, protocol.MsgClientKeepAlive, nil)
		h.srv.Update(h.now.Add(time.Duration(i) * 50 * time.Millisecond))
	}
	is.Equal(len(ofType(a.recv(is), protocol.MsgWorldData)), 5)
}

func TestPlayerLeftOnDisconnect(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a, b := h.join(is, 1), h.join(is, 2)
	is.NoErr(h.srv.StartGame(h.now))
	drain(a, b)

	is.NoErr(a.ep.CloseConn(a.conn, uint32(protocol.ReasonClientLeft)))
	h.srv.Update(h.now)

	msgs := ofType(b.recv(is), protocol.MsgPlayerLeft)
	is.Equal(len(msgs), 1)
	var left protocol.PlayerLeft
	is.NoErr(left.UnmarshalBinary(msgs[0].Payload))
	is.Equal(left.PeerID, a.id)
	is.Equal(left.Reason, protocol.ReasonClientLeft)

	is.Equal(h.local.disconnected, []protocol.PeerID{a.id})
	departed, ok := h.repl.Peers().Get(a.id)
	is.True(ok)
	is.True(departed.Inactive)
}

func TestTimeoutRemovesLobbyPeer(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a, b := h.join(is, 1), h.join(is, 2)
	drain(a, b)
	_, ok := h.repl.Peers().Get(a.id)
	is.True(ok)

	later := h.now.Add(20 * time.Second)
	b.send(is, protocol.MsgClientKeepAlive, nil)
	h.srv.Update(later)

	events := a.ep.Events()
	is.Equal(len(events), 1)
	is.Equal(protocol.DisconnectReason(events[0].Reason), protocol.ReasonClientKicked)

	left := ofType(b.recv(is), protocol.MsgPlayerLeft)
	is.Equal(len(left), 1)
	_, ok = h.repl.Peers().Get(a.id)
	is.True(!ok)
}

func TestStateMachine(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	is.Equal(h.srv.State(), relay.StateWaitingForPlayers)

	h.srv.Tick(h.now.Add(2 * time.Second))
	is.Equal(h.srv.State(), relay.StateWaitingForPlayers) // nobody connected

	h.join(is, 1)
	is.Equal(h.srv.State(), relay.StateWaitingForPlayers) // not settled

	h.srv.Tick(h.now.Add(2 * time.Second))
	is.Equal(h.srv.State(), relay.StateActive)
}

func TestShutdown(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a := h.join(is, 1)
	drain(a)

	h.srv.Shutdown()
	is.Equal(h.srv.State(), relay.StateExiting)

	msgs := a.recv(is)
	is.Equal(len(msgs), 1)
	is.Equal(msgs[0].Type, protocol.MsgServerStateExiting)
	events := a.ep.Events()
	is.Equal(len(events), 1)
	is.Equal(protocol.DisconnectReason(events[0].Reason), protocol.ReasonServerClosing)

	is.True(errors.Is(h.srv.StartGame(h.now), relay.ErrExiting))
}

func TestVoiceAndTickets(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a, b, c := h.join(is, 1), h.join(is, 2), h.join(is, 3)
	drain(a, b, c)

	a.send(is, protocol.MsgVoiceChatData, &protocol.VoiceChatData{PeerID: 77, Data: []byte{9}})
	a.send(is, protocol.MsgP2PSendingTicket, &protocol.P2PSendingTicket{PeerID: c.id, Ticket: []byte{1}})
	h.srv.Update(h.now)

	is.Equal(len(a.recv(is)), 0)

	msgs := b.recv(is)
	is.Equal(len(msgs), 1)
	var voice protocol.VoiceChatData
	is.NoErr(voice.UnmarshalBinary(msgs[0].Payload))
	is.Equal(voice.PeerID, a.id)

	msgs = c.recv(is)
	is.Equal(len(msgs), 2)
	var ticket protocol.P2PSendingTicket
	is.NoErr(ticket.UnmarshalBinary(ofType(msgs, protocol.MsgP2PSendingTicket)[0].Payload))
	is.Equal(ticket.PeerID, a.id)
}

func TestGameOverAtWinningScore(t *testing.T) {
	is := is.New(t)

	h := newHost(is, 4, 0)
	a := h.join(is, 1)
	is.NoErr(h.srv.StartGame(h.now))
	drain(a)

	p, _ := h.repl.Peers().Get(a.id)
	p.Ship.Score = h.repl.World().WinningScore
	h.srv.Tick(h.now)

	over := ofType(a.recv(is), protocol.MsgGameOver)
	is.Equal(len(over), 1)
	var body protocol.GameOver
	is.NoErr(body.UnmarshalBinary(over[0].Payload))
	is.Equal(body.WinnerName, a.id.String())
	is.True(!h.repl.World().IsGameInProgress())
	is.True(h.repl.IsGameWon())
}
