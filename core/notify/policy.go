package notify

import (
	"time"
)

// Reasons a delivery is not due.
const (
	NotDueSent      = "sent"
	NotDueInFlight  = "in_flight"
	NotDueExhausted = "exhausted"
	NotDueBackoff   = "backoff"
)

// RetryPolicy bounds how often a failed delivery is retried.
type RetryPolicy struct {
	MaxAttempts  int           // <= 0: unbounded
	Backoff      time.Duration // wait after the first failure, doubled after each further one
	ClaimTimeout time.Duration // age after which a pending claim is considered abandoned
}

// Due reports whether d may be attempted again at now, with the reason when it may not.
func (p RetryPolicy) Due(d Delivery, now time.Time) (bool, string) {
	if d.Status == StatusSent {
		return false, NotDueSent
	}
	if p.MaxAttempts > 0 && d.Attempts >= p.MaxAttempts {
		return false, NotDueExhausted
	}
	if d.LastAttemptAt == nil {
		return true, ""
	}
	switch d.Status {
	case StatusPending:
		if now.Before(d.LastAttemptAt.Add(p.ClaimTimeout)) {
			return false, NotDueInFlight
		}
	case StatusFailed:
		if now.Before(d.LastAttemptAt.Add(p.Wait(d.Attempts))) {
			return false, NotDueBackoff
		}
	}
	return true, ""
}

// Wait is the back-off after the given number of attempts.
func (p RetryPolicy) Wait(attempts int) time.Duration {
	if p.Backoff <= 0 || attempts <= 0 {
		return 0
	}
	wait := p.Backoff
	for i := 1; i < attempts && wait < 24*time.Hour; i++ {
		wait *= 2
	}
	return wait
}
