package ports

import (
	"time"

	"github.com/benbjohnson/clock"
)

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) *clock.Timer
}

var systemClock = clock.New()

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return systemClock.Now()
}

func (SystemClock) AfterFunc(d time.Duration, f func()) *clock.Timer {
	return systemClock.AfterFunc(d, f)
}
