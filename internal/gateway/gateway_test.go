package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/atmcashin/internal/atmsim"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, baseURL string, failures uint32) *HTTPGateway {
	t.Helper()
	g, err := NewHTTPGateway(Config{
		BaseURL:         baseURL,
		Timeout:         5 * time.Second,
		BreakerFailures: failures,
		BreakerCooldown: time.Minute,
	}, nil, nil)
	require.NoError(t, err)
	return g
}

func TestSend_OpenShutterThenReadCount(t *testing.T) {
	sim := atmsim.New(nil, "ATM-001")
	sim.SetCount(decimal.NewFromInt(350))
	srv := httptest.NewServer(sim.Router())
	defer srv.Close()

	g := newTestGateway(t, srv.URL, 5)
	ctx := context.Background()
	payload := domain.CommandPayload{SessionID: "s-1"}

	res, err := g.Send(ctx, "ATM-001", domain.CommandOpenShutter, payload)
	require.NoError(t, err)
	assert.False(t, res.CountedAmount.Valid)

	res, err = g.Send(ctx, "ATM-001", domain.CommandReadCount, payload)
	require.NoError(t, err)
	require.True(t, res.CountedAmount.Valid)
	assert.True(t, res.CountedAmount.Decimal.Equal(decimal.NewFromInt(350)))

	got := sim.Received()
	require.Len(t, got, 2)
	assert.Equal(t, domain.CommandOpenShutter, got[0].Command)
	assert.Equal(t, domain.CommandReadCount, got[1].Command)
	assert.Equal(t, "s-1", got[1].SessionID)
}

func TestSend_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		terminal string
		setup    func(*atmsim.Simulator)
		wantCode string
	}{
		{
			name:     "unknown terminal",
			terminal: "ATM-404",
			setup:    func(*atmsim.Simulator) {},
			wantCode: "UNKNOWN_TERMINAL",
		},
		{
			name:     "hardware fault",
			terminal: "ATM-001",
			setup: func(s *atmsim.Simulator) {
				s.Fail(domain.CommandOpenShutter, "SHUTTER_JAMMED")
			},
			wantCode: "SHUTTER_JAMMED",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sim := atmsim.New(nil, "ATM-001")
			tc.setup(sim)
			srv := httptest.NewServer(sim.Router())
			defer srv.Close()

			g := newTestGateway(t, srv.URL, 5)
			_, err := g.Send(context.Background(), tc.terminal, domain.CommandOpenShutter, domain.CommandPayload{SessionID: "s-1"})
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

			var fault *domain.HardwareFault
			require.True(t, errors.As(err, &fault))
			assert.Equal(t, tc.wantCode, fault.Code)
		})
	}
}

func TestSend_TimeoutIsTransportError(t *testing.T) {
	sim := atmsim.New(nil, "ATM-001")
	sim.Delay(domain.CommandReadCount, time.Second)
	srv := httptest.NewServer(sim.Router())
	defer srv.Close()

	g := newTestGateway(t, srv.URL, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := g.Send(ctx, "ATM-001", domain.CommandReadCount, domain.CommandPayload{SessionID: "s-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	var fault *domain.HardwareFault
	assert.False(t, errors.As(err, &fault))
}

func TestSend_BreakerOpensOnRepeatedSilence(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	g := newTestGateway(t, srv.URL, 2)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := g.Send(ctx, "ATM-001", domain.CommandOpenShutter, domain.CommandPayload{SessionID: "s-1"})
		require.Error(t, err)
	}

	_, err := g.Send(ctx, "ATM-001", domain.CommandOpenShutter, domain.CommandPayload{SessionID: "s-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)
	assert.Equal(t, int32(2), hits.Load())

	// Breakers are per terminal.
	_, err = g.Send(ctx, "ATM-002", domain.CommandOpenShutter, domain.CommandPayload{SessionID: "s-2"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, int32(3), hits.Load())
}

func TestSend_InvalidInput(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1", 5)

	_, err := g.Send(context.Background(), "", domain.CommandOpenShutter, domain.CommandPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = g.Send(context.Background(), "ATM-001", domain.Command("DISPENSE"), domain.CommandPayload{})
	assert.ErrorIs(t, err, domain.ErrInvalidRequest)
}
