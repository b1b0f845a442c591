package optimistic

import "time"

// Clock abstracts timer creation so tests drive phase transitions with
// virtual time instead of sleeping.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer matches the subset of *time.Timer the coordinator needs. Stop on an
// already-fired timer is a no-op.
type Timer interface {
	Stop() bool
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the production clock.
var SystemClock Clock = systemClock{}
