package payplus

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrGatewayUnavailable = errors.New("gateway_unavailable")
	ErrRecurringNotFound  = errors.New("recurring_not_found")
	ErrRequestRejected    = errors.New("gateway_request_rejected")
)

const (
	// Status code the gateway attaches to an approved transaction.
	approvedStatusCode = "000"

	gatewayUserAgent = "PayPlus"
)

type RecurringState string

const (
	RecurringStateActive    RecurringState = "active"
	RecurringStateTrial     RecurringState = "trial"
	RecurringStateSuspended RecurringState = "suspended"
	RecurringStateCancelled RecurringState = "cancelled"
	RecurringStateUnknown   RecurringState = "unknown"
)

// RecurringStatus is the gateway's view of one recurring charge.
type RecurringStatus struct {
	RecurringUID string
	CustomerUID  string
	State        RecurringState
	RawState     string

	Amount   float64
	Currency string

	LastChargeAt *time.Time
	NextChargeAt *time.Time

	LastTransactionID  string
	LastTransactionUID string
	LastStatusCode     string

	FourDigits string
	Brand      string
}

func (r *RecurringStatus) ActiveLike() bool {
	if r == nil {
		return false
	}
	return r.State == RecurringStateActive || r.State == RecurringStateTrial
}

func normalizeRecurringState(raw string) RecurringState {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "active", "valid", "1":
		return RecurringStateActive
	case "trial":
		return RecurringStateTrial
	case "suspended", "on-hold", "hold":
		return RecurringStateSuspended
	case "cancelled", "canceled", "deleted", "inactive", "0":
		return RecurringStateCancelled
	}
	return RecurringStateUnknown
}

type LinkRequest struct {
	CustomerUID string
	Amount      float64
	Currency    string
	Description string
	MoreInfo    string
	ChargeOnce  bool
}

type LinkResponse struct {
	PageRequestUID string
	PaymentLink    string
	QRCodeImage    string
}

// parseGatewayTime tolerates the formats the gateway has been observed to
// emit, including the legacy DD/MM/YYYY one.
func parseGatewayTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
		"02/01/2006 15:04:05",
		"02/01/2006",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
