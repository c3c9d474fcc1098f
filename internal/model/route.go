package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ConfirmClass is the expected confirmation speed of a network.
type ConfirmClass int

const (
	ConfirmFast ConfirmClass = iota
	ConfirmMedium
	ConfirmSlow
)

// ParseConfirmClass maps "fast", "medium" and "slow". Unknown values are slow.
func ParseConfirmClass(s string) ConfirmClass {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fast":
		return ConfirmFast
	case "medium":
		return ConfirmMedium
	default:
		return ConfirmSlow
	}
}

func (c ConfirmClass) String() string {
	switch c {
	case ConfirmFast:
		return "fast"
	case ConfirmMedium:
		return "medium"
	default:
		return "slow"
	}
}

// NetworkRoute is the withdrawal/deposit metadata for a token on one network
// at one exchange.
type NetworkRoute struct {
	Token             string
	Exchange          string
	Network           string
	Active            bool
	DepositEnabled    bool
	WithdrawEnabled   bool
	MinDeposit        decimal.Decimal
	WithdrawFee       decimal.Decimal // in Token units
	MinWithdraw       decimal.Decimal
	WithdrawPrecision int32
	Confirm           ConfirmClass
}

// CanWithdraw reports whether funds can leave the exchange on this route.
func (r NetworkRoute) CanWithdraw() bool {
	return r.Active && r.WithdrawEnabled
}

// CanDeposit reports whether funds can arrive on this route.
func (r NetworkRoute) CanDeposit() bool {
	return r.Active && r.DepositEnabled
}

// RoundAmount truncates amount to the route's withdrawal precision.
func (r NetworkRoute) RoundAmount(amount decimal.Decimal) decimal.Decimal {
	return amount.Truncate(r.WithdrawPrecision)
}
