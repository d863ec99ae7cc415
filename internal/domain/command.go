package domain

import "github.com/shopspring/decimal"

// Command is a named instruction sent to an ATM controller.
type Command string

const (
	CommandOpenShutter Command = "OPEN_SHUTTER"
	CommandReadCount   Command = "READ_COUNT"
	CommandRefund      Command = "REFUND"
	CommandCancel      Command = "CANCEL"
)

// Valid reports whether c is one of the known controller commands.
func (c Command) Valid() bool {
	switch c {
	case CommandOpenShutter, CommandReadCount, CommandRefund, CommandCancel:
		return true
	}
	return false
}

// CommandPayload is what the session attaches to a command.
type CommandPayload struct {
	SessionID string
	Amount    decimal.Decimal
}

// CommandResult is the controller's synchronous answer to a command.
type CommandResult struct {
	CountedAmount decimal.NullDecimal
	Message       string
}

// HardwareFault is a command the controller received and rejected, as
// opposed to one that never got an answer. Retrying it will not help.
type HardwareFault struct {
	Command Command
	Code    string
	Message string
}

func (f *HardwareFault) Error() string {
	if f.Message == "" {
		return string(f.Command) + " rejected: " + f.Code
	}
	return string(f.Command) + " rejected: " + f.Code + " (" + f.Message + ")"
}
