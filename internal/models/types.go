package models

import (
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/shopspring/decimal"
)

// Actions accepted by the deposit endpoint.
const (
	ActionStartCashIn  = "STARTCASHIN"
	ActionCashInserted = "CASHINSERTED"
	ActionConfirmed    = "CONFIRMED"
	ActionRefund       = "REFUND"
	ActionCancel       = "CANCEL"
)

// DepositRequest is the payload from the mobile client. Action selects
// which of the other fields are meaningful.
type DepositRequest struct {
	Action         string              `json:"action" validate:"required,oneof=STARTCASHIN CASHINSERTED CONFIRMED REFUND CANCEL"`
	Amount         decimal.Decimal     `json:"amount"`
	AtmID          string              `json:"atmId" validate:"required_if=Action STARTCASHIN,max=64"`
	UserIdentifier string              `json:"userIdentifier" validate:"required_if=Action STARTCASHIN,required_if=Action CONFIRMED,max=128"`
	SessionID      string              `json:"sessionId" validate:"required_unless=Action STARTCASHIN"`
	CountedAmount  decimal.NullDecimal `json:"countedAmount"`
}

// DepositResponse is the canonical reply for every action. Reason is set
// only when Success is false.
type DepositResponse struct {
	Success       bool                `json:"success"`
	Message       string              `json:"message"`
	Reason        domain.Kind         `json:"reason,omitempty"`
	SessionID     string              `json:"sessionId,omitempty"`
	Status        domain.State        `json:"status,omitempty"`
	CountedAmount decimal.NullDecimal `json:"countedAmount"`
}

// CommandRequest is the body posted to an ATM controller.
type CommandRequest struct {
	Command   domain.Command  `json:"command"`
	SessionID string          `json:"sessionId"`
	Amount    decimal.Decimal `json:"amount"`
}

// CommandResponse is the controller's reply. Code is a hardware fault code
// when OK is false.
type CommandResponse struct {
	OK            bool                `json:"ok"`
	CountedAmount decimal.NullDecimal `json:"countedAmount"`
	Code          string              `json:"code,omitempty"`
	Message       string              `json:"message,omitempty"`
}
