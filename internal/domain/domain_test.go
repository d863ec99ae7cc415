package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateInitiated, StateCashRequested},
		{StateCashRequested, StateAwaitingInsertion},
		{StateAwaitingInsertion, StateCounted},
		{StateCounted, StateCommitted},
		{StateCounted, StateRefunded},
		{StateInitiated, StateCancelled},
		{StateCashRequested, StateFailed},
		{StateAwaitingInsertion, StateCancelled},
		{StateCounted, StateFailed},
	}
	for _, tc := range allowed {
		assert.True(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to State }{
		{StateInitiated, StateCounted},
		{StateAwaitingInsertion, StateCommitted},
		{StateCashRequested, StateCommitted},
		{StateAwaitingInsertion, StateRefunded},
		{StateCommitted, StateRefunded},
		{StateRefunded, StateCancelled},
		{StateFailed, StateCancelled},
		{StateCancelled, StateInitiated},
	}
	for _, tc := range denied {
		assert.False(t, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []State{
		StateInitiated, StateCashRequested, StateAwaitingInsertion, StateCounted,
		StateCommitted, StateRefunded, StateCancelled, StateFailed,
	}
	for _, from := range all {
		if !from.Terminal() {
			continue
		}
		for _, to := range all {
			assert.False(t, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
	assert.True(t, StateRefunded.CashSafeToCollect())
	assert.True(t, StateCancelled.CashSafeToCollect())
	assert.False(t, StateCommitted.CashSafeToCollect())
}

func TestErrorKinds(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := fmt.Errorf("confirm: %w", Wrap(KindLedgerUnavailable, "deposit.Confirm", cause, "deposit was not recorded"))

	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.NotErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, KindLedgerUnavailable, KindOf(err))
	assert.Equal(t, "confirm: deposit.Confirm: deposit was not recorded: dial tcp: connection refused", err.Error())

	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(cause))
}

func TestHardwareFaultUnwrapsThroughError(t *testing.T) {
	err := Wrap(KindGatewayUnavailable, "gateway.Send", &HardwareFault{Command: CommandReadCount, Code: "NOTE_JAM"}, "terminal rejected")

	var fault *HardwareFault
	assert.True(t, errors.As(err, &fault))
	assert.Equal(t, "NOTE_JAM", fault.Code)
	assert.Equal(t, "READ_COUNT rejected: NOTE_JAM", fault.Error())
	assert.True(t, CommandReadCount.Valid())
	assert.False(t, Command("DISPENSE").Valid())
}

func TestValidAmount(t *testing.T) {
	assert.True(t, ValidAmount(decimal.RequireFromString("350")))
	assert.True(t, ValidAmount(decimal.RequireFromString("350.25")))
	assert.True(t, ValidAmount(decimal.RequireFromString("0.01")))
	assert.False(t, ValidAmount(decimal.Zero))
	assert.False(t, ValidAmount(decimal.RequireFromString("-5")))
	assert.False(t, ValidAmount(decimal.RequireFromString("350.005")))
}
