package upstream

import (
	"time"

	"github.com/shubham-shewale/stock-popularity/pkg/throttle"
)

// Action is what a caller does after an attempt.
type Action int

const (
	// ActionDone means the attempt succeeded.
	ActionDone Action = iota
	// ActionRetry means the identical request should be issued again after Wait.
	ActionRetry
	// ActionDrop means the request can never succeed; give up after Wait.
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionRetry:
		return "retry"
	default:
		return "drop"
	}
}

// Decision is the policy's answer for one Outcome.
type Decision struct {
	Action Action
	Wait   time.Duration
	// ThrottleParsed is false when a throttle message did not match and the
	// fallback cooldown was used.
	ThrottleParsed bool
}

// RetryPolicy maps outcomes to waits. Retries are unbounded; the caller loops.
type RetryPolicy struct {
	RequestCooldown time.Duration // after a success
	RetryBackoff    time.Duration // after transient or malformed responses
	PoisonBackoff   time.Duration // before dropping an unrecognised response
}

// DefaultRetryPolicy mirrors the upstream's documented limits.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RequestCooldown: time.Second,
		RetryBackoff:    30 * time.Second,
		PoisonBackoff:   120 * time.Second,
	}
}

func (p RetryPolicy) Decide(o Outcome) Decision {
	switch o.Kind {
	case KindSuccess:
		return Decision{Action: ActionDone, Wait: p.RequestCooldown}
	case KindThrottled:
		wait, ok := throttle.Parse(o.Detail)
		return Decision{Action: ActionRetry, Wait: wait, ThrottleParsed: ok}
	case KindTransient, KindMalformed:
		return Decision{Action: ActionRetry, Wait: p.RetryBackoff}
	case KindClientError:
		return Decision{Action: ActionDrop}
	default:
		return Decision{Action: ActionDrop, Wait: p.PoisonBackoff}
	}
}
