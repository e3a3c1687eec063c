package payplus

import (
	"errors"

	"go.uber.org/zap"
)

// ErrorPolicy names how a caller degrades when the gateway cannot answer.
// Access checks fail open so a gateway outage never locks paying customers
// out; state mutations fail closed.
type ErrorPolicy string

const (
	FailOpen   ErrorPolicy = "fail_open"
	FailClosed ErrorPolicy = "fail_closed"
)

// Resolve runs a gateway call under an explicit degradation policy. Under
// FailOpen an unavailable gateway yields the fallback value and a nil error;
// rejections (the gateway answered and said no) always propagate.
func Resolve[T any](log *zap.Logger, policy ErrorPolicy, fallback T, call func() (T, error)) (T, bool, error) {
	out, err := call()
	if err == nil {
		return out, false, nil
	}
	if policy == FailOpen && errors.Is(err, ErrGatewayUnavailable) {
		log.Warn("gateway unavailable, failing open", zap.Error(err))
		return fallback, true, nil
	}
	return fallback, false, err
}
