package license

import "time"

// Clock is the single time source of the engine and the API layer above it.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function, typically a fake in tests.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
