package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyPlaces is the number of decimal places the ledger stores.
const MoneyPlaces = 2

// ValidAmount reports whether d is positive and fits the ledger's precision.
func ValidAmount(d decimal.Decimal) bool {
	return d.IsPositive() && d.Equal(d.Round(MoneyPlaces))
}

// State is the lifecycle position of a deposit session.
type State string

const (
	StateInitiated         State = "INITIATED"
	StateCashRequested     State = "CASH_REQUESTED"
	StateAwaitingInsertion State = "AWAITING_INSERTION"
	StateCounted           State = "COUNTED"
	StateCommitted         State = "COMMITTED"
	StateRefunded          State = "REFUNDED"
	StateCancelled         State = "CANCELLED"
	StateFailed            State = "FAILED"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRefunded, StateCancelled, StateFailed:
		return true
	}
	return false
}

// CashSafeToCollect reports whether s means the cash went back to the user.
func (s State) CashSafeToCollect() bool {
	return s == StateRefunded || s == StateCancelled
}

// transitions is the only graph a session may move along.
// FAILED and CANCELLED are reachable from every non-terminal state.
var transitions = map[State][]State{
	StateInitiated:         {StateCashRequested, StateCancelled, StateFailed},
	StateCashRequested:     {StateAwaitingInsertion, StateCancelled, StateFailed},
	StateAwaitingInsertion: {StateCounted, StateCancelled, StateFailed},
	StateCounted:           {StateCommitted, StateRefunded, StateCancelled, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the session graph.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Trigger names the event that caused a transition.
type Trigger string

const (
	TriggerStart        Trigger = "start"
	TriggerGatewayAck   Trigger = "gateway_ack"
	TriggerGatewayError Trigger = "gateway_error"
	TriggerContinue     Trigger = "continue"
	TriggerConfirm      Trigger = "confirm"
	TriggerRefund       Trigger = "refund"
	TriggerCancel       Trigger = "cancel"
	TriggerStale        Trigger = "stale"
)

// Transition is one applied state change. ErrorKind is empty when the
// transition was not caused by an error.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Trigger   Trigger   `json:"trigger"`
	ErrorKind Kind      `json:"error_kind,omitempty"`
	At        time.Time `json:"at"`
}

// DepositSession is a point-in-time copy of one deposit transaction.
type DepositSession struct {
	ID                string              `json:"session_id"`
	TerminalID        string              `json:"terminal_id"`
	UserIdentifier    string              `json:"user_identifier"`
	RequestedAmount   decimal.Decimal     `json:"requested_amount"`
	CountedAmount     decimal.NullDecimal `json:"counted_amount"`
	State             State               `json:"state"`
	RefundUnconfirmed bool                `json:"refund_unconfirmed,omitempty"`
	CreatedAt         time.Time           `json:"created_at"`
	LastTransitionAt  time.Time           `json:"last_transition_at"`
	Transitions       []Transition        `json:"transitions"`
}

// LedgerRecord is the single durable write made when a deposit commits.
// SessionID is the idempotency key.
type LedgerRecord struct {
	SessionID      string
	UserIdentifier string
	TerminalID     string
	Amount         decimal.Decimal
}

// Transaction is a ledger row as shown in the user's history.
type Transaction struct {
	ReferenceNumber string          `json:"reference_number"`
	UserIdentifier  string          `json:"user_identifier"`
	TerminalID      string          `json:"terminal_id"`
	Type            string          `json:"transaction_type"`
	Amount          decimal.Decimal `json:"amount"`
	Status          string          `json:"status"`
	Description     string          `json:"description"`
	CreatedAt       time.Time       `json:"created_at"`
}
