// Package shared holds the state the services exchange with each other:
// the commanded drive direction and whether an obstacle is ahead.
//
// Each value has a single writer (direction: motor service, obstacle:
// ultrasonic service) and several readers. Both are atomics so the
// single-writer/multi-reader pattern needs no lock.
package shared

import "sync/atomic"

// Direction is the commanded drive direction.
type Direction uint32

const (
	Forward Direction = iota
	Reverse
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Reverse:
		return "reverse"
	default:
		return "unknown"
	}
}

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Forward {
		return Reverse
	}
	return Forward
}

// State is the cross-service state. The zero value drives forward with no
// obstacle detected.
type State struct {
	direction atomic.Uint32
	obstacle  atomic.Bool
}

// Direction returns the commanded direction.
func (s *State) Direction() Direction {
	return Direction(s.direction.Load())
}

// SetDirection commands a direction.
func (s *State) SetDirection(d Direction) {
	s.direction.Store(uint32(d))
}

// ToggleDirection flips the commanded direction and returns the new one.
func (s *State) ToggleDirection() Direction {
	for {
		cur := s.direction.Load()
		next := uint32(Direction(cur).Opposite())
		if s.direction.CompareAndSwap(cur, next) {
			return Direction(next)
		}
	}
}

// ObstacleDetected reports the last obstacle reading.
func (s *State) ObstacleDetected() bool {
	return s.obstacle.Load()
}

// SetObstacle records a reading and reports whether it changed.
func (s *State) SetObstacle(detected bool) bool {
	return s.obstacle.Swap(detected) != detected
}
