package netsync

import (
	"time"

	"github.com/dkeye/letterlings/internal/domain"
)

// Predict extrapolates pos along vel (units per second) for elapsed,
// capped at maxAhead.
func Predict(pos, vel domain.Vec2, elapsed, maxAhead time.Duration) domain.Vec2 {
	if elapsed < 0 {
		elapsed = 0
	}
	if maxAhead > 0 && elapsed > maxAhead {
		elapsed = maxAhead
	}
	return pos.Add(vel.Scale(elapsed.Seconds()))
}

// Approach closes factor of the gap between from and to.
func Approach(from, to domain.Vec2, factor float64) domain.Vec2 {
	return from.Add(to.Sub(from).Scale(factor))
}
