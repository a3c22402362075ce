package clock

import (
	"time"

	"go.uber.org/fx"
)

// Clock is the source of "now" for every ledger timestamp.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Millis returns the clock's current time as unix milliseconds.
func Millis(c Clock) int64 {
	return c.Now().UnixMilli()
}

var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
