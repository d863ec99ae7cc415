package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/punchamoorthee/atmcashin/internal/models"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var commandDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "atm_gateway_command_duration_seconds",
	Help:    "Round-trip latency of ATM controller commands",
	Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
}, []string{"command", "outcome"})

// maxResponseBytes bounds how much of a controller reply is read.
const maxResponseBytes = 64 << 10

// Config tunes the HTTP gateway.
type Config struct {
	BaseURL string
	// Timeout is a ceiling on one round-trip; callers pass tighter
	// deadlines through the context.
	Timeout         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// HTTPGateway sends commands to ATM controllers over HTTP. It never retries:
// whether a retry is safe depends on the session state, which only the
// caller knows.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	cfg     Config
	logger  *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func NewHTTPGateway(cfg Config, client *http.Client, logger *zap.Logger) (*HTTPGateway, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("gateway base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid gateway base URL: %w", err)
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPGateway{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   client,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

// Send performs one synchronous command round-trip to terminalID.
func (g *HTTPGateway) Send(ctx context.Context, terminalID string, cmd domain.Command, payload domain.CommandPayload) (domain.CommandResult, error) {
	const op = "gateway.Send"

	if terminalID == "" {
		return domain.CommandResult{}, domain.E(domain.KindInvalidRequest, op, "terminal id is required")
	}
	if !cmd.Valid() {
		return domain.CommandResult{}, domain.E(domain.KindInvalidRequest, op, "unknown command %q", cmd)
	}

	start := time.Now()
	out, err := g.breaker(terminalID).Execute(func() (interface{}, error) {
		return g.roundTrip(ctx, terminalID, cmd, payload)
	})
	commandDuration.WithLabelValues(string(cmd), outcome(err)).Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			g.logger.Warn("circuit breaker rejected command",
				zap.String("terminal_id", terminalID),
				zap.String("command", string(cmd)))
			return domain.CommandResult{}, domain.Wrap(domain.KindGatewayUnavailable, op, err, "terminal %s is not reachable", terminalID)
		}
		var fault *domain.HardwareFault
		if errors.As(err, &fault) {
			return domain.CommandResult{}, domain.Wrap(domain.KindGatewayUnavailable, op, err, "terminal %s rejected %s", terminalID, cmd)
		}
		return domain.CommandResult{}, domain.Wrap(domain.KindGatewayUnavailable, op, err, "terminal %s did not answer %s", terminalID, cmd)
	}
	return out.(domain.CommandResult), nil
}

func (g *HTTPGateway) roundTrip(ctx context.Context, terminalID string, cmd domain.Command, payload domain.CommandPayload) (domain.CommandResult, error) {
	body, err := json.Marshal(models.CommandRequest{
		Command:   cmd,
		SessionID: payload.SessionID,
		Amount:    payload.Amount,
	})
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("encode command: %w", err)
	}

	endpoint := g.baseURL + "/terminals/" + url.PathEscape(terminalID) + "/commands"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", payload.SessionID+":"+string(cmd))

	resp, err := g.client.Do(req)
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("controller request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return domain.CommandResult{}, fmt.Errorf("read controller reply: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return domain.CommandResult{}, &domain.HardwareFault{Command: cmd, Code: "UNKNOWN_TERMINAL"}
	}
	if resp.StatusCode >= 500 {
		return domain.CommandResult{}, fmt.Errorf("controller returned status %d", resp.StatusCode)
	}

	var reply models.CommandResponse
	if err := json.Unmarshal(raw, &reply); err != nil {
		return domain.CommandResult{}, fmt.Errorf("decode controller reply (status %d): %w", resp.StatusCode, err)
	}
	if !reply.OK || resp.StatusCode >= 300 {
		code := reply.Code
		if code == "" {
			code = fmt.Sprintf("HTTP_%d", resp.StatusCode)
		}
		return domain.CommandResult{}, &domain.HardwareFault{Command: cmd, Code: code, Message: reply.Message}
	}

	return domain.CommandResult{CountedAmount: reply.CountedAmount, Message: reply.Message}, nil
}

func (g *HTTPGateway) breaker(terminalID string) *gobreaker.CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[terminalID]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "atm-" + terminalID,
		MaxRequests: 1,
		Timeout:     g.cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.cfg.BreakerFailures
		},
		// A rejection proves the controller is alive and a caller abort
		// says nothing about it; only silence trips.
		IsSuccessful: func(err error) bool {
			var fault *domain.HardwareFault
			return err == nil || errors.As(err, &fault) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	g.breakers[terminalID] = cb
	return cb
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var fault *domain.HardwareFault
	if errors.As(err, &fault) {
		return "rejected"
	}
	return "error"
}
