package agent

import "time"

// BackoffKind selects how the reconnect delay evolves.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Default exponential parameters: Min=5s, Max=300s, Multiplier=2, no jitter.
const (
	DefaultMinDelay   = 5 * time.Second
	DefaultMaxDelay   = 300 * time.Second
	DefaultMultiplier = 2.0
)

// Backoff is the reconnect delay state. It is a value: Next and Reset
// return the new state instead of mutating the receiver, so the supervisor
// is the only place that stores it.
type Backoff struct {
	Kind       BackoffKind
	Current    time.Duration
	Min        time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff returns the exponential policy with the default parameters.
func DefaultBackoff() Backoff {
	return NewExponentialBackoff(DefaultMinDelay, DefaultMaxDelay, DefaultMultiplier)
}

// NewFixedBackoff returns a policy that always waits delay.
func NewFixedBackoff(delay time.Duration) Backoff {
	return Backoff{
		Kind:       BackoffFixed,
		Current:    delay,
		Min:        delay,
		Max:        delay,
		Multiplier: 1,
	}
}

// NewExponentialBackoff returns a capped exponential policy starting at min.
// A max below min is raised to min and a multiplier below 1 is treated as 1.
func NewExponentialBackoff(min, max time.Duration, multiplier float64) Backoff {
	if max < min {
		max = min
	}
	if multiplier < 1 {
		multiplier = 1
	}
	return Backoff{
		Kind:       BackoffExponential,
		Current:    min,
		Min:        min,
		Max:        max,
		Multiplier: multiplier,
	}
}

// Next returns the delay to wait before the next attempt and the state to
// use for the attempt after that.
func (b Backoff) Next() (Backoff, time.Duration) {
	if b.Kind == BackoffFixed {
		return b, b.Current
	}

	delay := b.Current
	if delay > b.Max {
		delay = b.Max
	}

	next := time.Duration(float64(delay) * b.Multiplier)
	// Guard against float overflow wrapping into a negative duration.
	if next > b.Max || next < delay {
		next = b.Max
	}
	b.Current = next
	return b, delay
}

// Reset returns the state after a confirmed successful join.
func (b Backoff) Reset() Backoff {
	if b.Kind == BackoffFixed {
		return b
	}
	b.Current = b.Min
	return b
}
