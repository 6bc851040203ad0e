package predict

import "math"

// Vector2 is a 2D vector in world coordinates. Y grows downward.
type Vector2 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Add returns v + o.
func (v Vector2) Add(o Vector2) Vector2 {
	return Vector2{X: v.X + o.X, Y: v.Y + o.Y}
}

// Sub returns v - o.
func (v Vector2) Sub(o Vector2) Vector2 {
	return Vector2{X: v.X - o.X, Y: v.Y - o.Y}
}

// Scale returns v * s.
func (v Vector2) Scale(s float64) Vector2 {
	return Vector2{X: v.X * s, Y: v.Y * s}
}

// Length returns the Euclidean norm of v.
func (v Vector2) Length() float64 {
	return math.Hypot(v.X, v.Y)
}

// Clamp limits each component to [lo, hi].
func (v Vector2) Clamp(lo, hi Vector2) Vector2 {
	return Vector2{
		X: math.Min(math.Max(v.X, lo.X), hi.X),
		Y: math.Min(math.Max(v.Y, lo.Y), hi.Y),
	}
}

// Direction is the set of direction keys held for one input.
type Direction struct {
	Up    bool `json:"up"`
	Down  bool `json:"down"`
	Left  bool `json:"left"`
	Right bool `json:"right"`
}

// IsZero reports whether no movement is requested.
func (d Direction) IsZero() bool {
	return d.Vector() == Vector2{}
}

// Vector returns the unit movement vector for d. Opposite keys cancel and
// diagonals are normalized so speed is the same in every direction.
func (d Direction) Vector() Vector2 {
	var v Vector2
	if d.Left {
		v.X--
	}
	if d.Right {
		v.X++
	}
	if d.Up {
		v.Y--
	}
	if d.Down {
		v.Y++
	}
	if v.X != 0 && v.Y != 0 {
		v = v.Scale(1 / math.Sqrt2)
	}
	return v
}

// Velocity returns the velocity for moving in d at speed units per second.
func (d Direction) Velocity(speed float64) Vector2 {
	return d.Vector().Scale(speed)
}
