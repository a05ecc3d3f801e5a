// Package world holds the shared arena: asteroids, the single power-up and
// barrier geometry. the host generates it; clients mirror it from WorldSetup
// and WorldData.
package world

import (
	"math/rand/v2"
	"time"
)

type PowerUpType uint8

// values match protocol.PowerUpType
const (
	PowerUpUnknown PowerUpType = iota
	PowerUpDoubleLaser
	PowerUpTripleLaser
	PowerUpRocket
)

const PowerUpRadius float32 = 16

type Asteroid struct {
	Radius    float32
	Variation uint8
	Position  Vector2
	Velocity  Vector2
}

type PowerUp struct {
	Type     PowerUpType
	Position Vector2
}

type Config struct {
	Width  float32
	Height float32

	AsteroidCount      int
	AsteroidMinRadius  float32
	AsteroidMaxRadius  float32
	AsteroidMaxSpeed   float32
	AsteroidVariations int

	BarrierThickness float32

	SpawnRetries int
	SpawnMargin  float32

	WinningScore int32
	RespawnDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Width:  2048,
		Height: 2048,

		AsteroidCount:      15,
		AsteroidMinRadius:  16,
		AsteroidMaxRadius:  64,
		AsteroidMaxSpeed:   60,
		AsteroidVariations: 3,

		BarrierThickness: 32,

		SpawnRetries: 20,
		SpawnMargin:  64,

		WinningScore: 5,
		RespawnDelay: 3 * time.Second,
	}
}

type World struct {
	cfg Config
	rng *rand.Rand

	Asteroids []*Asteroid
	// PowerUp is nil while none is active.
	PowerUp      *PowerUp
	Barriers     []Rect
	WinningScore int32

	initialized    bool
	gameInProgress bool
}

func New(cfg Config, rng *rand.Rand) *World {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	w := &World{cfg: cfg, rng: rng}
	w.Barriers = w.borders()
	return w
}

func (w *World) Config() Config {
	return w.cfg
}

func (w *World) IsInitialized() bool {
	return w.initialized
}

func (w *World) IsGameInProgress() bool {
	return w.gameInProgress
}

// Bounds is the playable area inside the barriers.
func (w *World) Bounds() Rect {
	t := w.cfg.BarrierThickness
	return Rect{
		Min: Vector2{X: t, Y: t},
		Max: Vector2{X: w.cfg.Width - t, Y: w.cfg.Height - t},
	}
}

func (w *World) borders() []Rect {
	t, width, height := w.cfg.BarrierThickness, w.cfg.Width, w.cfg.Height
	return []Rect{
		{Min: Vector2{X: 0, Y: 0}, Max: Vector2{X: width, Y: t}},
		{Min: Vector2{X: 0, Y: height - t}, Max: Vector2{X: width, Y: height}},
		{Min: Vector2{X: 0, Y: 0}, Max: Vector2{X: t, Y: height}},
		{Min: Vector2{X: width - t, Y: 0}, Max: Vector2{X: width, Y: height}},
	}
}

// Generate populates a fresh round: asteroids first, then every ship at a
// free spawn point. host only.
func (w *World) Generate(ships []*Ship) {
	w.ResetDefaults()
	w.WinningScore = w.cfg.WinningScore

	for i := 0; i < w.cfg.AsteroidCount; i++ {
		radius := w.cfg.AsteroidMinRadius + w.rng.Float32()*(w.cfg.AsteroidMaxRadius-w.cfg.AsteroidMinRadius)
		var variation uint8
		if w.cfg.AsteroidVariations > 0 {
			variation = uint8(w.rng.IntN(w.cfg.AsteroidVariations))
		}
		w.Asteroids = append(w.Asteroids, &Asteroid{
			Radius:    radius,
			Variation: variation,
			Position:  w.FindSpawnPoint(radius, w.RandomPoint(radius), ships),
			Velocity: Vector2{
				X: (w.rng.Float32()*2 - 1) * w.cfg.AsteroidMaxSpeed,
				Y: (w.rng.Float32()*2 - 1) * w.cfg.AsteroidMaxSpeed,
			},
		})
	}

	for _, ship := range ships {
		ship.Spawn(w.FindSpawnPoint(ship.Radius, w.RandomPoint(ship.Radius), ships))
	}

	w.initialized = true
	w.gameInProgress = true
}

// Initialize marks a mirrored world ready once a snapshot has been applied.
func (w *World) Initialize(winningScore int32) {
	w.WinningScore = winningScore
	w.initialized = true
	w.gameInProgress = true
}

// EndGame stops the round but keeps its data around for the results screen.
func (w *World) EndGame() {
	w.gameInProgress = false
}

// ResetDefaults tears down per-round state without dropping the world.
func (w *World) ResetDefaults() {
	w.Asteroids = nil
	w.PowerUp = nil
	w.WinningScore = 0
	w.initialized = false
	w.gameInProgress = false
}

// RandomPoint returns a uniformly random point that keeps a circle of
// radius inside the playable area.
func (w *World) RandomPoint(radius float32) Vector2 {
	b := w.Bounds()
	return Vector2{
		X: b.Min.X + radius + w.rng.Float32()*(b.Max.X-b.Min.X-2*radius),
		Y: b.Min.Y + radius + w.rng.Float32()*(b.Max.Y-b.Min.Y-2*radius),
	}
}

// FindSpawnPoint searches for a point where a circle of radius, padded by
// SpawnMargin, touches no barrier, asteroid, active ship or the power-up.
// after SpawnRetries misses it settles for fallback.
func (w *World) FindSpawnPoint(radius float32, fallback Vector2, ships []*Ship) Vector2 {
	padded := radius + w.cfg.SpawnMargin
	for i := 0; i < w.cfg.SpawnRetries; i++ {
		p := w.RandomPoint(radius)
		if w.isFree(p, padded, ships) {
			return p
		}
	}
	return fallback
}

func (w *World) isFree(p Vector2, radius float32, ships []*Ship) bool {
	for _, b := range w.Barriers {
		if b.IntersectsCircle(p, radius) {
			return false
		}
	}
	for _, a := range w.Asteroids {
		if circlesOverlap(p, radius, a.Position, a.Radius) {
			return false
		}
	}
	for _, s := range ships {
		if s.Active && circlesOverlap(p, radius, s.Position, s.Radius) {
			return false
		}
	}
	if w.PowerUp != nil && circlesOverlap(p, radius, w.PowerUp.Position, PowerUpRadius) {
		return false
	}
	return true
}

// SpawnPowerUp places a random power-up. host only.
func (w *World) SpawnPowerUp(ships []*Ship) *PowerUp {
	w.PowerUp = &PowerUp{
		Type:     PowerUpType(1 + w.rng.IntN(int(PowerUpRocket))),
		Position: w.FindSpawnPoint(PowerUpRadius, w.RandomPoint(PowerUpRadius), ships),
	}
	return w.PowerUp
}

// Update moves asteroids, bouncing them off the barriers. clients run it
// between WorldData deltas.
func (w *World) Update(dt time.Duration) {
	if !w.gameInProgress {
		return
	}
	secs := float32(dt.Seconds())
	b := w.Bounds()
	for _, a := range w.Asteroids {
		a.Position = a.Position.Add(a.Velocity.Scale(secs))
		if a.Position.X-a.Radius < b.Min.X || a.Position.X+a.Radius > b.Max.X {
			a.Velocity.X = -a.Velocity.X
			a.Position.X = clamp(a.Position.X, b.Min.X+a.Radius, b.Max.X-a.Radius)
		}
		if a.Position.Y-a.Radius < b.Min.Y || a.Position.Y+a.Radius > b.Max.Y {
			a.Velocity.Y = -a.Velocity.Y
			a.Position.Y = clamp(a.Position.Y, b.Min.Y+a.Radius, b.Max.Y-a.Radius)
		}
	}
}
