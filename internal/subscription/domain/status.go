package domain

import "strings"

type Status string

const (
	StatusPendingFirstPayment Status = "pending_first_payment"
	StatusTrial               Status = "trial"
	StatusActive              Status = "active"
	StatusPaymentFailed       Status = "payment_failed"
	StatusGracePeriod         Status = "grace_period"
	StatusPastDue             Status = "past_due"
	StatusSuspended           Status = "suspended"
	StatusPaused              Status = "paused"
	StatusCancelled           Status = "cancelled"
)

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusPendingFirstPayment, StatusTrial, StatusActive, StatusPaymentFailed,
		StatusGracePeriod, StatusPastDue, StatusSuspended, StatusPaused, StatusCancelled:
		return s, nil
	}
	return "", ErrInvalidStatus
}

// ReconcilableStatuses are the states a webhook or sync run may still act on.
// Cancelled rows are excluded here; only a new successful charge or an
// explicit admin fix revives them.
func ReconcilableStatuses() []Status {
	return []Status{
		StatusPendingFirstPayment, StatusTrial, StatusActive, StatusPaymentFailed,
		StatusGracePeriod, StatusPastDue, StatusSuspended, StatusPaused,
	}
}

// AccessStatuses are the states treated as "the user's current subscription"
// when a single row is resolved. Trial rows are included so the access
// validator can rule on trial expiry itself.
func AccessStatuses() []Status {
	return []Status{
		StatusPendingFirstPayment, StatusTrial, StatusActive,
		StatusPaymentFailed, StatusGracePeriod,
	}
}

func IsTransitionAllowed(from, to Status) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusPendingFirstPayment:
		return to == StatusActive || to == StatusTrial || to == StatusCancelled || to == StatusPaymentFailed
	case StatusTrial:
		return to == StatusActive || to == StatusSuspended || to == StatusCancelled
	case StatusActive:
		return to == StatusPaymentFailed || to == StatusGracePeriod || to == StatusPastDue ||
			to == StatusPaused || to == StatusSuspended || to == StatusCancelled
	case StatusPaymentFailed:
		return to == StatusActive || to == StatusGracePeriod || to == StatusPastDue ||
			to == StatusSuspended || to == StatusCancelled
	case StatusGracePeriod:
		return to == StatusActive || to == StatusPastDue || to == StatusSuspended || to == StatusCancelled
	case StatusPastDue:
		return to == StatusActive || to == StatusSuspended || to == StatusCancelled
	case StatusSuspended:
		return to == StatusActive || to == StatusCancelled
	case StatusPaused:
		return to == StatusActive || to == StatusCancelled
	case StatusCancelled:
		// Only a fresh successful charge or an explicit admin fix brings a
		// cancelled subscription back.
		return to == StatusActive
	}
	return false
}
