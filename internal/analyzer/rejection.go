package analyzer

import (
	"errors"
	"fmt"
)

// Reason classifies why an opportunity was not admitted.
type Reason string

const (
	ReasonInsufficientLiquidity Reason = "insufficient-liquidity"
	ReasonNoEligibleNetwork     Reason = "no-eligible-network"
	ReasonBelowThreshold        Reason = "below-threshold"
	ReasonBlacklisted           Reason = "blacklisted"
	ReasonStaleQuote            Reason = "stale-quote"
	ReasonAnomaly               Reason = "anomaly"
)

// Rejection is the typed error returned for every non-admitted opportunity.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("analyzer: rejected (%s): %s", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ReasonOf extracts the rejection reason from err.
func ReasonOf(err error) (Reason, bool) {
	var r *Rejection
	if errors.As(err, &r) {
		return r.Reason, true
	}
	return "", false
}
