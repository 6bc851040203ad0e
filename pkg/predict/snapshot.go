package predict

import (
	"fmt"
	"math"
)

// Snapshot is the server's authoritative state for the local entity.
type Snapshot struct {
	Position           Vector2 `json:"position"`
	Velocity           Vector2 `json:"velocity"`
	Speed              float64 `json:"speed"`
	LastProcessedInput uint64  `json:"lastProcessedInput"`
	Timestamp          int64   `json:"timestamp"`
}

// SnapshotError reports a snapshot that cannot be applied.
type SnapshotError struct {
	Field  string
	Reason string
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("predict: snapshot field %q: %s", e.Field, e.Reason)
}

// Snapshot field names as sent by the server.
const (
	FieldPosition           = "position"
	FieldVelocity           = "velocity"
	FieldSpeed              = "speed"
	FieldLastProcessedInput = "lastProcessedInput"
	FieldTimestamp          = "timestamp"
)

// ParseSnapshot converts a decoded JSON object into a Snapshot. Position,
// velocity and lastProcessedInput are required; speed and timestamp are
// optional.
func ParseSnapshot(v any) (Snapshot, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Snapshot{}, &SnapshotError{Field: "", Reason: fmt.Sprintf("expected object, got %T", v)}
	}

	var s Snapshot
	var err error
	if s.Position, err = parseVectorField(m, FieldPosition); err != nil {
		return Snapshot{}, err
	}
	if s.Velocity, err = parseVectorField(m, FieldVelocity); err != nil {
		return Snapshot{}, err
	}

	lpi, err := integerField(m, FieldLastProcessedInput, 0)
	if err != nil {
		return Snapshot{}, err
	}
	s.LastProcessedInput = uint64(lpi)

	if s.Speed, err = numberField(m, FieldSpeed, false); err != nil {
		return Snapshot{}, err
	}
	ts, err := timestampField(m, FieldTimestamp, false)
	if err != nil {
		return Snapshot{}, err
	}
	s.Timestamp = ts
	return s, nil
}

// ParseVector converts a decoded {"x":..,"y":..} object.
func ParseVector(v any) (Vector2, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Vector2{}, &SnapshotError{Reason: fmt.Sprintf("expected vector object, got %T", v)}
	}
	x, err := numberField(m, "x", true)
	if err != nil {
		return Vector2{}, err
	}
	y, err := numberField(m, "y", true)
	if err != nil {
		return Vector2{}, err
	}
	return Vector2{X: x, Y: y}, nil
}

func parseVectorField(m map[string]any, field string) (Vector2, error) {
	raw, ok := m[field]
	if !ok {
		return Vector2{}, &SnapshotError{Field: field, Reason: "missing"}
	}
	v, err := ParseVector(raw)
	if err != nil {
		if se, ok := err.(*SnapshotError); ok {
			if se.Field == "" {
				se.Field = field
			} else {
				se.Field = field + "." + se.Field
			}
		}
		return Vector2{}, err
	}
	return v, nil
}

func numberField(m map[string]any, field string, required bool) (float64, error) {
	raw, ok := m[field]
	if !ok || raw == nil {
		if required {
			return 0, &SnapshotError{Field: field, Reason: "missing"}
		}
		return 0, nil
	}
	f, ok := raw.(float64)
	if !ok {
		return 0, &SnapshotError{Field: field, Reason: fmt.Sprintf("expected number, got %T", raw)}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, &SnapshotError{Field: field, Reason: "not finite"}
	}
	return f, nil
}

// maxSafeInteger is the largest integer a JSON number holds exactly.
const maxSafeInteger = 1<<53 - 1

// integerField reads a required whole number in [lo, maxSafeInteger].
func integerField(m map[string]any, field string, lo float64) (float64, error) {
	f, err := numberField(m, field, true)
	if err != nil {
		return 0, err
	}
	if f != math.Trunc(f) || f < lo || f > maxSafeInteger {
		return 0, &SnapshotError{Field: field, Reason: fmt.Sprintf("not an integer in [%g, 2^53-1]", lo)}
	}
	return f, nil
}

// timestampField reads milliseconds, dropping any fraction.
func timestampField(m map[string]any, field string, required bool) (int64, error) {
	f, err := numberField(m, field, required)
	if err != nil {
		return 0, err
	}
	if math.Abs(f) > maxSafeInteger {
		return 0, &SnapshotError{Field: field, Reason: "out of range"}
	}
	return int64(f), nil
}

// ParseInput converts a decoded client-action object into an Input.
func ParseInput(v any) (Input, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Input{}, &SnapshotError{Reason: fmt.Sprintf("expected input object, got %T", v)}
	}
	num, err := integerField(m, "inputNum", 1)
	if err != nil {
		return Input{}, err
	}
	ts, err := timestampField(m, "timestamp", true)
	if err != nil {
		return Input{}, err
	}
	in := Input{InputNum: uint64(num), Timestamp: ts}
	if dir, ok := m["direction"].(map[string]any); ok {
		in.Direction.Up, _ = dir["up"].(bool)
		in.Direction.Down, _ = dir["down"].(bool)
		in.Direction.Left, _ = dir["left"].(bool)
		in.Direction.Right, _ = dir["right"].(bool)
	}
	return in, nil
}
