package infra

import (
	"time"
)

// Backoff computes capped exponential delays: Base * 2^retry, at most Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultBackoff is used for websocket reconnects.
var DefaultBackoff = Backoff{Base: 1 * time.Second, Max: 60 * time.Second}

// Delay returns the wait before the given retry. Negative counts return Base.
func (b Backoff) Delay(retry int) time.Duration {
	if retry <= 0 {
		return b.Base
	}
	// 2^30 seconds is already far past any sane cap.
	if retry > 30 {
		return b.Max
	}

	d := b.Base * time.Duration(1<<retry)
	if d > b.Max || d <= 0 {
		return b.Max
	}
	return d
}

// CalculateBackoff returns DefaultBackoff.Delay(retry).
func CalculateBackoff(retry int) time.Duration {
	return DefaultBackoff.Delay(retry)
}
