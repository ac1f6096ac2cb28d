package selfheal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWatchdogIdleTrip(t *testing.T) {
	wd := NewWatchdog(time.Minute, 40*time.Millisecond)
	cause := wd.Watch(context.Background())
	assert.Equal(t, CauseIdle, cause)
	assert.GreaterOrEqual(t, wd.IdleFor(), 40*time.Millisecond)
}

func TestWatchdogWallClockTrip(t *testing.T) {
	wd := NewWatchdog(60*time.Millisecond, 200*time.Millisecond)
	done := make(chan struct{})
	go func() {
		// Keep pulsing so only the wall clock can trip.
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				wd.Pulse()
			}
		}
	}()
	cause := wd.Watch(context.Background())
	close(done)
	assert.Equal(t, CauseWallClock, cause)
	assert.GreaterOrEqual(t, wd.Elapsed(), 60*time.Millisecond)
}

func TestWatchdogContextCancel(t *testing.T) {
	wd := NewWatchdog(time.Minute, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	assert.Equal(t, CauseNone, wd.Watch(ctx))
}
