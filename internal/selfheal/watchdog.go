package selfheal

import (
	"context"
	"sync/atomic"
	"time"
)

type TimeoutCause string

const (
	CauseNone      TimeoutCause = ""
	CauseWallClock TimeoutCause = "wall_clock"
	CauseIdle      TimeoutCause = "idle"
)

// Watchdog supervises one step attempt with a wall-clock and an idle timer.
// The monitored runtime calls Pulse on output activity; the watchdog does
// not require the runtime to be cooperative, it just reports the trip so
// the supervisor can kill the execution unit.
type Watchdog struct {
	wall      time.Duration
	idle      time.Duration
	started   time.Time
	lastPulse atomic.Int64
}

func NewWatchdog(wall, idle time.Duration) *Watchdog {
	w := &Watchdog{wall: wall, idle: idle, started: time.Now()}
	w.lastPulse.Store(w.started.UnixNano())
	return w
}

// Pulse records output activity. Safe for concurrent use with Watch.
func (w *Watchdog) Pulse() {
	w.lastPulse.Store(time.Now().UnixNano())
}

func (w *Watchdog) Elapsed() time.Duration {
	return time.Since(w.started)
}

func (w *Watchdog) IdleFor() time.Duration {
	return time.Since(time.Unix(0, w.lastPulse.Load()))
}

// Watch blocks until a timer trips or the context ends. The poll tick is a
// quarter of the idle timeout, capped at one second.
func (w *Watchdog) Watch(ctx context.Context) TimeoutCause {
	tick := w.idle / 4
	if tick <= 0 || tick > time.Second {
		tick = time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return CauseNone
		case now := <-ticker.C:
			if w.wall > 0 && now.Sub(w.started) >= w.wall {
				return CauseWallClock
			}
			if w.idle > 0 && now.Sub(time.Unix(0, w.lastPulse.Load())) >= w.idle {
				return CauseIdle
			}
		}
	}
}
