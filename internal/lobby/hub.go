package lobby

import (
	"sync"

	"github.com/blukai/netrumble/internal/logging"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/phuslu/log"
)

// Hub is an in-process lobby service. every member talks to it through its
// own HubClient; events queue per member until polled.
type Hub struct {
	mu     sync.Mutex
	dir    *Directory
	inbox  map[protocol.PeerID][]Event
	logger *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	return &Hub{
		dir:    NewDirectory(),
		inbox:  make(map[protocol.PeerID][]Event),
		logger: logging.OrDiscard(logger),
	}
}

// Connect returns the Service view of member id.
func (h *Hub) Connect(id protocol.PeerID) *HubClient {
	return &HubClient{hub: h, id: id}
}

func (h *Hub) deliver(deliveries []Delivery) {
	for _, d := range deliveries {
		h.logger.Debug().
			Stringer("to", d.To).
			Stringer("event", d.Event.Kind).
			Str("lobby", string(d.Event.Lobby)).
			Msg("lobby event")
		h.inbox[d.To] = append(h.inbox[d.To], d.Event)
	}
}

func (h *Hub) apply(fn func(d *Directory) []Delivery) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliver(fn(h.dir))
}

type HubClient struct {
	hub *Hub
	id  protocol.PeerID
}

var _ Service = (*HubClient)(nil)

func (c *HubClient) LocalID() protocol.PeerID {
	return c.id
}

func (c *HubClient) Create(policy AccessPolicy, maxMembers int, member Properties) error {
	c.hub.apply(func(d *Directory) []Delivery {
		return d.Create(c.id, policy, maxMembers, member)
	})
	return nil
}

func (c *HubClient) Find(filter Filter) ([]Summary, error) {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	return c.hub.dir.Find(filter), nil
}

func (c *HubClient) Join(id ID, member Properties) error {
	c.hub.apply(func(d *Directory) []Delivery {
		return d.Join(id, c.id, member)
	})
	return nil
}

func (c *HubClient) Leave() error {
	c.hub.apply(func(d *Directory) []Delivery {
		return d.Leave(c.id)
	})
	return nil
}

func (c *HubClient) SetMemberProperty(key, value string) error {
	c.hub.apply(func(d *Directory) []Delivery {
		return d.SetMemberProperty(c.id, key, value)
	})
	return nil
}

func (c *HubClient) SetLobbyProperty(key, value string) error {
	c.hub.apply(func(d *Directory) []Delivery {
		return d.SetLobbyProperty(c.id, key, value)
	})
	return nil
}

func (c *HubClient) Poll() []Event {
	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()
	events := c.hub.inbox[c.id]
	delete(c.hub.inbox, c.id)
	return events
}
