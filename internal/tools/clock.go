package tools

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Clock is the single source of "now" and of blocking waits. It satisfies
// ratelimit.Clock so pacing runs on the same time source.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

func NewClock() Clock {
	return clock.New()
}
