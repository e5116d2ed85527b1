package replay

import "time"

// Clock is the player's simulated clock: anchored to the first event's
// start_time and advancing at a configurable speed multiplier relative to
// wall-clock time.
type Clock struct {
    anchorEventNS int64
    anchorWall    time.Time
    speed         float64
}

func NewClock(anchorEventNS int64, speed float64) *Clock {
    if speed <= 0 {
        speed = 1.0
    }
    return &Clock{anchorEventNS: anchorEventNS, anchorWall: time.Now(), speed: speed}
}

// Now returns the current simulated event-time in nanoseconds.
func (c *Clock) Now() int64 {
    elapsed := time.Since(c.anchorWall)
    return c.anchorEventNS + int64(float64(elapsed) * c.speed)
}

// Sleep blocks the calling goroutine until the simulated clock reaches
// targetEventNS, scaled by the speed multiplier.
func (c *Clock) Sleep(targetEventNS int64) {
    delta := targetEventNS - c.Now()
    if delta <= 0 {
        return
    }
    time.Sleep(time.Duration(float64(delta) / c.speed))
}
