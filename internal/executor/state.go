package executor

import "crossarb/internal/model"

var transitions = map[model.State][]model.State{
	model.StatePlanned:           {model.StateFundsReserved, model.StateAborted},
	model.StateFundsReserved:     {model.StateBuySubmitted, model.StateAborted},
	model.StateBuySubmitted:      {model.StateBuyFilled, model.StateAborted, model.StateStranded},
	model.StateBuyFilled:         {model.StateTransferInitiated, model.StateStranded},
	model.StateTransferInitiated: {model.StateTransferConfirmed, model.StateStranded},
	model.StateTransferConfirmed: {model.StateSellSubmitted, model.StateStranded},
	model.StateSellSubmitted:     {model.StateSellFilled, model.StateStranded},
	model.StateSellFilled:        {model.StateSettled},
}

// allowed reports whether the state machine may move from one state to
// another. Terminal states have no successors.
func allowed(from, to model.State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// cancellable reports whether a plan in s may still be called off without
// capital at risk.
func cancellable(s model.State) bool {
	return s == model.StatePlanned || s == model.StateFundsReserved
}
