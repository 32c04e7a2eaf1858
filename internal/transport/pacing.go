package transport

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Paced wraps send so that it emits at most pps frames per second. A
// non-positive pps returns send unchanged. Waiting honors ctx.
func Paced(ctx context.Context, pps int, send func([]byte) error) func([]byte) error {
	if pps <= 0 {
		return send
	}
	// A burst of roughly 10ms worth of frames keeps the pacer from waking
	// up for every datagram at high rates.
	burst := max(pps/100, 1)
	limiter := rate.NewLimiter(rate.Limit(pps), burst)
	return func(frame []byte) error {
		if err := limiter.Wait(ctx); err != nil {
			return fmt.Errorf("pacing: %w", err)
		}
		return send(frame)
	}
}
