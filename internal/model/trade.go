package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is a step of the execution state machine.
type State string

const (
	StatePlanned           State = "PLANNED"
	StateFundsReserved     State = "FUNDS_RESERVED"
	StateBuySubmitted      State = "BUY_SUBMITTED"
	StateBuyFilled         State = "BUY_FILLED"
	StateTransferInitiated State = "TRANSFER_INITIATED"
	StateTransferConfirmed State = "TRANSFER_CONFIRMED"
	StateSellSubmitted     State = "SELL_SUBMITTED"
	StateSellFilled        State = "SELL_FILLED"
	StateSettled           State = "SETTLED"
	StateAborted           State = "ABORTED"
	StateStranded          State = "STRANDED"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateAborted || s == StateStranded
}

// Outcome summarises how a terminal plan ended.
type Outcome string

const (
	OutcomeNone      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeStranded  Outcome = "partially_stranded"
	OutcomeAborted   Outcome = "aborted_before_capital_risk"
)

// OutcomeFor maps a terminal state to its outcome.
func OutcomeFor(s State) Outcome {
	switch s {
	case StateSettled:
		return OutcomeCompleted
	case StateStranded:
		return OutcomeStranded
	case StateAborted:
		return OutcomeAborted
	default:
		return OutcomeNone
	}
}

// Reservation is an exclusive, time-bounded hold on part of a balance.
type Reservation struct {
	ID        string
	Key       BalanceKey
	Amount    decimal.Decimal
	PlanID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the reservation lapsed at now.
func (r Reservation) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// TradeEntry is one append-only audit line for a plan transition.
type TradeEntry struct {
	PlanID       string                     `json:"planId"`
	Timestamp    time.Time                  `json:"timestamp"`
	State        State                      `json:"state"`
	ExchangeBuy  string                     `json:"exchangeBuy"`
	ExchangeSell string                     `json:"exchangeSell"`
	Asset        string                     `json:"asset"`
	Network      string                     `json:"network"`
	Amounts      map[string]decimal.Decimal `json:"amounts,omitempty"`
	OrderRefs    map[string]string          `json:"orderRefs,omitempty"`
	Outcome      Outcome                    `json:"outcome,omitempty"`
	Error        string                     `json:"error,omitempty"`
}

// TradeRecord is the full lifecycle of one plan.
type TradeRecord struct {
	Plan      ExecutionPlan
	State     State
	Outcome   Outcome
	Entries   []TradeEntry
	Error     string
	StartedAt time.Time
	EndedAt   time.Time
}

// States returns the sequence of states the record went through.
func (r TradeRecord) States() []State {
	out := make([]State, 0, len(r.Entries))
	for _, e := range r.Entries {
		out = append(out, e.State)
	}
	return out
}
