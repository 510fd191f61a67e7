package core

import "time"

// Clock supplies the engine's notion of current time. The engine never reads
// the wall clock directly; every operation stamps time exactly once through
// this interface, so tests can drive cooldown and day-bucket boundaries
// deterministically.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// WallClock returns the production clock.
func WallClock() Clock { return wallClock{} }
