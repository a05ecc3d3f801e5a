package replication

import (
	"github.com/blukai/netrumble/internal/peer"
	"github.com/blukai/netrumble/internal/protocol"
	"github.com/blukai/netrumble/internal/world"
)

func toWire(v world.Vector2) protocol.Vector2 {
	return protocol.Vector2{X: v.X, Y: v.Y}
}

func fromWire(v protocol.Vector2) world.Vector2 {
	return world.Vector2{X: v.X, Y: v.Y}
}

// BuildWorldSetup snapshots w and the ships of every playing peer.
func BuildWorldSetup(w *world.World, peers *peer.Registry) *protocol.WorldSetup {
	msg := &protocol.WorldSetup{WinningScore: w.WinningScore}
	for _, p := range peers.Playing() {
		msg.Ships = append(msg.Ships, protocol.ShipSetup{
			PeerID:     p.ID,
			Position:   toWire(p.Ship.Position),
			WeaponType: uint8(p.Ship.Weapon),
		})
	}
	for _, a := range w.Asteroids {
		msg.Asteroids = append(msg.Asteroids, protocol.AsteroidSetup{
			Radius:    a.Radius,
			Variation: a.Variation,
			Position:  toWire(a.Position),
			Velocity:  toWire(a.Velocity),
		})
	}
	if w.PowerUp != nil {
		msg.PowerUp = powerUpToWire(w.PowerUp)
	}
	return msg
}

// BuildWorldData lists asteroids in the order WorldSetup carried them.
func BuildWorldData(w *world.World) *protocol.WorldData {
	msg := &protocol.WorldData{
		Asteroids: make([]protocol.AsteroidData, len(w.Asteroids)),
	}
	for i, a := range w.Asteroids {
		msg.Asteroids[i] = protocol.AsteroidData{
			Position: toWire(a.Position),
			Velocity: toWire(a.Velocity),
		}
	}
	return msg
}

func BuildShipData(s *world.Ship) *protocol.ShipData {
	return &protocol.ShipData{
		Position: toWire(s.Position),
		Velocity: toWire(s.Velocity),
		Rotation: s.Rotation,
		Life:     s.Life,
		Shield:   s.Shield,
		Score:    s.Score,
	}
}

func BuildShipInput(in world.Input) *protocol.ShipInput {
	return &protocol.ShipInput{
		Thrust:  toWire(in.Thrust),
		Aim:     toWire(in.Aim),
		Buttons: in.Buttons,
	}
}

func BuildShipSpawn(s *world.Ship) *protocol.ShipSpawn {
	return &protocol.ShipSpawn{Position: toWire(s.Position)}
}

func BuildPlayerInfo(p *peer.State) *protocol.PlayerInfo {
	return &protocol.PlayerInfo{
		Name:          p.DisplayName,
		ShipColor:     p.ShipColor,
		ShipVariation: p.ShipVariation,
	}
}

func powerUpToWire(p *world.PowerUp) protocol.PowerUpSpawn {
	return protocol.PowerUpSpawn{
		Type:     protocol.PowerUpType(p.Type),
		Position: toWire(p.Position),
	}
}

// BuildPowerUpSpawn describes p, or the Unknown sentinel when p is nil.
func BuildPowerUpSpawn(p *world.PowerUp) *protocol.PowerUpSpawn {
	if p == nil {
		return &protocol.PowerUpSpawn{Type: protocol.PowerUpUnknown}
	}
	msg := powerUpToWire(p)
	return &msg
}

func powerUpFromWire(m protocol.PowerUpSpawn) *world.PowerUp {
	if m.Type == protocol.PowerUpUnknown {
		return nil
	}
	return &world.PowerUp{
		Type:     world.PowerUpType(m.Type),
		Position: fromWire(m.Position),
	}
}
