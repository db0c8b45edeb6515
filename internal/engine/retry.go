package engine

import (
	"math"
	"time"

	"github.com/rendis/relay/pkg/schema"
)

// RetryPolicy controls how retryable node failures are scheduled.
// The zero value disables retries entirely.
type RetryPolicy struct {
	MaxRetries        int
	BaseDelay         time.Duration
	BackoffMultiplier float64
	MaxDelayCap       time.Duration
}

// DefaultRetryPolicy mirrors the engine defaults applied when a node
// declares no retry block of its own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        3,
		BaseDelay:         1 * time.Second,
		BackoffMultiplier: 2.0,
		MaxDelayCap:       5 * time.Minute,
	}
}

// RetryDecision is the outcome of consulting a RetryPolicy after a failure.
type RetryDecision struct {
	// Retry reports whether the node should be attempted again.
	Retry bool
	// Delay is the backoff computed for this attempt. Zero when Retry is false.
	Delay time.Duration
	// At is the wall-clock time the next attempt becomes due. Zero when
	// Retry is false.
	At time.Time
}

// Decide evaluates a failure against the policy. Fatal failures never
// retry. Retryable failures retry until retryCount reaches MaxRetries,
// with exponential backoff:
//
//	delay = BaseDelay * BackoffMultiplier^retryCount, capped at MaxDelayCap
//
// retryCount is the number of retries already consumed, so the first
// failure (retryCount=0) backs off by exactly BaseDelay.
func Decide(p RetryPolicy, retryCount int, fatal bool, now time.Time) RetryDecision {
	if fatal {
		return RetryDecision{}
	}
	if retryCount >= p.MaxRetries {
		return RetryDecision{}
	}
	delay := Backoff(p, retryCount)
	return RetryDecision{
		Retry: true,
		Delay: delay,
		At:    now.Add(delay),
	}
}

// Backoff computes the delay for the attempt following the given number
// of consumed retries, without deciding whether the attempt should happen.
func Backoff(p RetryPolicy, retryCount int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(mult, float64(retryCount))
	if p.MaxDelayCap > 0 && delay > float64(p.MaxDelayCap) {
		return p.MaxDelayCap
	}
	if delay > float64(math.MaxInt64) {
		return p.MaxDelayCap
	}
	return time.Duration(delay)
}

// ResolveRetryPolicy merges a node's retry block over the engine
// defaults. A declared block owns max_retries outright (zero disables
// retries for the node); duration fields keep the default when empty or
// malformed.
func ResolveRetryPolicy(defaults RetryPolicy, node *schema.Node) RetryPolicy {
	if node == nil || node.Retry == nil {
		return defaults
	}
	p := defaults
	nr := node.Retry
	p.MaxRetries = nr.MaxRetries
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if nr.BaseDelay != "" {
		if d, err := time.ParseDuration(nr.BaseDelay); err == nil && d > 0 {
			p.BaseDelay = d
		}
	}
	if nr.BackoffMultiplier > 0 {
		p.BackoffMultiplier = nr.BackoffMultiplier
	}
	if nr.MaxDelayCap != "" {
		if d, err := time.ParseDuration(nr.MaxDelayCap); err == nil && d > 0 {
			p.MaxDelayCap = d
		}
	}
	return p
}
