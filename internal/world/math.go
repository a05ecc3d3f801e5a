package world

import "math"

type Vector2 struct {
	X float32
	Y float32
}

func (v Vector2) Add(o Vector2) Vector2 {
	return Vector2{X: v.X + o.X, Y: v.Y + o.Y}
}

func (v Vector2) Sub(o Vector2) Vector2 {
	return Vector2{X: v.X - o.X, Y: v.Y - o.Y}
}

func (v Vector2) Scale(f float32) Vector2 {
	return Vector2{X: v.X * f, Y: v.Y * f}
}

func (v Vector2) LengthSquared() float32 {
	return v.X*v.X + v.Y*v.Y
}

func (v Vector2) Length() float32 {
	return float32(math.Sqrt(float64(v.LengthSquared())))
}

// Rect is an axis aligned box.
type Rect struct {
	Min Vector2
	Max Vector2
}

// IntersectsCircle reports whether a circle overlaps r.
func (r Rect) IntersectsCircle(center Vector2, radius float32) bool {
	closest := Vector2{
		X: clamp(center.X, r.Min.X, r.Max.X),
		Y: clamp(center.Y, r.Min.Y, r.Max.Y),
	}
	return closest.Sub(center).LengthSquared() < radius*radius
}

func circlesOverlap(a Vector2, ra float32, b Vector2, rb float32) bool {
	r := ra + rb
	return a.Sub(b).LengthSquared() < r*r
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
