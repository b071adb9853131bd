// Package backoff computes how long a failed job waits before it becomes
// eligible for pickup again.
package backoff

import (
	"fmt"
	"math"
	"time"
)

// Strategy returns the delay before retry attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// None makes retries eligible immediately.
type None struct{}

func (None) Delay(int) time.Duration { return 0 }

// Constant always waits Interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// Linear waits Initial*attempt, capped at Max when Max > 0.
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capAt(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential waits Initial*2^(attempt-1), capped at Max when Max > 0.
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if d >= math.MaxInt64 {
		return capAt(time.Duration(math.MaxInt64), e.Max)
	}
	return capAt(time.Duration(d), e.Max)
}

func capAt(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// Parse builds a strategy from its CLI name: none, constant, linear or exponential.
func Parse(name string, base, maxDelay time.Duration) (Strategy, error) {
	switch name {
	case "", "none":
		return None{}, nil
	case "constant":
		return Constant{Interval: base}, nil
	case "linear":
		return Linear{Initial: base, Max: maxDelay}, nil
	case "exponential":
		return Exponential{Initial: base, Max: maxDelay}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy '%s'", name)
	}
}
