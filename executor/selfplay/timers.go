package selfplay

import (
	"sync/atomic"
	"time"
)

// timers owns the periodic save trigger and the wall-clock exit. The
// callbacks only flip flags; the driver polls them once per step.
type timers struct {
	save atomic.Bool
	exit atomic.Bool
	stop func()
}

func startTimers(saveEvery, wallTime time.Duration) *timers {
	t := &timers{}
	var stops []func()

	if saveEvery > 0 {
		ticker := time.NewTicker(saveEvery)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					t.save.Store(true)
				case <-done:
					return
				}
			}
		}()
		stops = append(stops, func() {
			ticker.Stop()
			close(done)
		})
	}
	if wallTime > 0 {
		deadline := time.AfterFunc(wallTime, func() { t.exit.Store(true) })
		stops = append(stops, func() { deadline.Stop() })
	}

	t.stop = func() {
		for _, s := range stops {
			s()
		}
	}
	return t
}
