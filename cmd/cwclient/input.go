package main

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"

	"github.com/colonialwars/cwclient/pkg/predict"
)

// inputSource yields one direction per input tick.
type inputSource interface {
	Next() predict.Direction
}

// scriptSource replays a fixed list of directions in a loop.
type scriptSource struct {
	dirs []predict.Direction
	i    int
}

func (s *scriptSource) Next() predict.Direction {
	d := s.dirs[s.i%len(s.dirs)]
	s.i++
	return d
}

// randomSource wanders: it keeps a random direction for a few ticks, then
// picks another.
type randomSource struct {
	rng  *rand.Rand
	cur  predict.Direction
	left int
}

func newRandomSource(seed uint64) *randomSource {
	return &randomSource{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (s *randomSource) Next() predict.Direction {
	if s.left == 0 {
		s.cur = predict.Direction{
			Up:    s.rng.IntN(3) == 0,
			Down:  s.rng.IntN(3) == 0,
			Left:  s.rng.IntN(3) == 0,
			Right: s.rng.IntN(3) == 0,
		}
		s.left = 5 + s.rng.IntN(15)
	}
	s.left--
	return s.cur
}

// parseScript parses a comma or space separated list of steps. A step is
// one or more of up, down, left, right joined by '+', or "idle". A "*n"
// suffix repeats the step n times.
//
//	up*3, up+right, idle*2
func parseScript(script string) ([]predict.Direction, error) {
	fields := strings.FieldsFunc(script, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	var dirs []predict.Direction
	for _, field := range fields {
		step, count := field, 1
		if i := strings.IndexByte(field, '*'); i >= 0 {
			n, err := strconv.Atoi(field[i+1:])
			if err != nil || n < 1 {
				return nil, fmt.Errorf("step %q: bad repeat count", field)
			}
			step, count = field[:i], n
		}
		d, err := parseStep(step)
		if err != nil {
			return nil, err
		}
		for range count {
			dirs = append(dirs, d)
		}
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("script %q has no steps", script)
	}
	return dirs, nil
}

func parseStep(step string) (predict.Direction, error) {
	var d predict.Direction
	switch strings.ToLower(step) {
	case "idle", "none", "-":
		return d, nil
	}
	for _, key := range strings.Split(strings.ToLower(step), "+") {
		switch key {
		case "up", "u":
			d.Up = true
		case "down", "d":
			d.Down = true
		case "left", "l":
			d.Left = true
		case "right", "r":
			d.Right = true
		default:
			return d, fmt.Errorf("step %q: unknown direction %q", step, key)
		}
	}
	return d, nil
}
