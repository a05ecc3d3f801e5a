package world

import (
	"math"
	"time"
)

type WeaponType uint8

const (
	WeaponLaser WeaponType = iota
	WeaponDoubleLaser
	WeaponTripleLaser
	WeaponRocket
)

const (
	ShipRadius      float32 = 24
	ShipLifeMax     float32 = 25
	ShipShieldMax   float32 = 100
	shipThrust      float32 = 320
	shipDrag        float32 = 0.97
	shipMaxSpeedSqr float32 = 480 * 480
)

// Input is the latest controller snapshot for a ship.
type Input struct {
	Thrust  Vector2
	Aim     Vector2
	Buttons uint8
}

// Ship is owned by exactly one peer. the owner simulates it; everyone else
// overwrites it with whatever ShipData arrives last.
type Ship struct {
	Position Vector2
	Velocity Vector2
	Rotation float32
	Radius   float32
	Life     float32
	Shield   float32
	Score    int32
	Input    Input
	Weapon   WeaponType

	Active       bool
	RespawnTimer time.Duration
}

func NewShip() *Ship {
	return &Ship{Radius: ShipRadius}
}

func (s *Ship) Spawn(position Vector2) {
	s.Position = position
	s.Velocity = Vector2{}
	s.Life = ShipLifeMax
	s.Shield = ShipShieldMax
	s.Weapon = WeaponLaser
	s.Active = true
	s.RespawnTimer = 0
}

// Die stops the ship and queues its respawn.
func (s *Ship) Die(respawnDelay time.Duration) {
	s.Active = false
	s.Velocity = Vector2{}
	s.Life = 0
	s.Shield = 0
	s.Input = Input{}
	s.RespawnTimer = respawnDelay
}

// ReadyToRespawn is true for a dead ship whose timer ran out.
func (s *Ship) ReadyToRespawn() bool {
	return !s.Active && s.RespawnTimer <= 0
}

// Reset clears per-round state on lobby re-entry.
func (s *Ship) Reset() {
	*s = Ship{Radius: ShipRadius}
}

// Update integrates one step of the owner's simulation inside bounds.
func (s *Ship) Update(dt time.Duration, bounds Rect) {
	if !s.Active {
		if s.RespawnTimer > 0 {
			s.RespawnTimer -= dt
		}
		return
	}

	secs := float32(dt.Seconds())
	s.Velocity = s.Velocity.Add(s.Input.Thrust.Scale(shipThrust * secs)).Scale(shipDrag)
	if speed := s.Velocity.LengthSquared(); speed > shipMaxSpeedSqr {
		s.Velocity = s.Velocity.Scale(float32(math.Sqrt(float64(shipMaxSpeedSqr / speed))))
	}
	s.Position = s.Position.Add(s.Velocity.Scale(secs))
	s.Position.X = clamp(s.Position.X, bounds.Min.X+s.Radius, bounds.Max.X-s.Radius)
	s.Position.Y = clamp(s.Position.Y, bounds.Min.Y+s.Radius, bounds.Max.Y-s.Radius)

	if s.Input.Thrust.LengthSquared() > 0 {
		s.Rotation = float32(math.Atan2(float64(s.Input.Thrust.X), float64(-s.Input.Thrust.Y)))
	}
}
