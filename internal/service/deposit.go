package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_deposit_transitions_total",
		Help: "Deposit session state transitions",
	}, []string{"from", "to", "trigger"})

	ledgerRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_deposit_ledger_records_total",
		Help: "Ledger writes attempted on confirm, by outcome",
	}, []string{"outcome"})

	refundUnconfirmedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atm_deposit_refund_unconfirmed_total",
		Help: "Refunds marked REFUNDED although the terminal did not acknowledge the command",
	})
)

// Gateway sends one command to one terminal and waits for the answer.
type Gateway interface {
	Send(ctx context.Context, terminalID string, cmd domain.Command, payload domain.CommandPayload) (domain.CommandResult, error)
}

// Ledger durably records a committed deposit. It must return an error
// matching domain.ErrDuplicateKey when the session was already recorded.
type Ledger interface {
	Record(ctx context.Context, rec domain.LedgerRecord) error
}

// TerminalLease guarantees a single live session per terminal.
type TerminalLease interface {
	Acquire(ctx context.Context, terminalID, sessionID string, ttl time.Duration) error
	Release(ctx context.Context, terminalID, sessionID string) error
}

// Options tunes timeouts and retention of the deposit service.
type Options struct {
	// CommandTimeout bounds a single gateway round-trip.
	CommandTimeout time.Duration
	// OpenShutterAttempts is how many times OPEN_SHUTTER is tried. It is the
	// only command retried here.
	OpenShutterAttempts  int
	RetryInitialInterval time.Duration
	StaleAfter           time.Duration
	Retention            time.Duration
	Now                  func() time.Time
}

func (o Options) withDefaults() Options {
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 30 * time.Second
	}
	if o.OpenShutterAttempts <= 0 {
		o.OpenShutterAttempts = 1
	}
	if o.RetryInitialInterval <= 0 {
		o.RetryInitialInterval = 200 * time.Millisecond
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = 10 * time.Minute
	}
	if o.Retention <= 0 {
		o.Retention = 2 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ConfirmInput is what the client sends to accept a count. CountedAmount may
// echo the hardware figure but never sets it.
type ConfirmInput struct {
	SessionID      string
	UserIdentifier string
	CountedAmount  decimal.NullDecimal
}

// DepositService owns every in-flight deposit session.
type DepositService struct {
	gateway Gateway
	ledger  Ledger
	lease   TerminalLease
	opts    Options
	logger  *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

func NewDepositService(gw Gateway, ledger Ledger, lease TerminalLease, opts Options, logger *zap.Logger) *DepositService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DepositService{
		gateway:  gw,
		ledger:   ledger,
		lease:    lease,
		opts:     opts.withDefaults(),
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// Start opens a session on terminalID and asks the terminal to open its
// shutter. On success the session is AWAITING_INSERTION.
func (s *DepositService) Start(ctx context.Context, terminalID, userIdentifier string, requested decimal.Decimal) (domain.DepositSession, error) {
	const op = "deposit.Start"

	terminalID = strings.TrimSpace(terminalID)
	if terminalID == "" {
		return domain.DepositSession{}, domain.E(domain.KindInvalidRequest, op, "terminal id is required")
	}
	if strings.TrimSpace(userIdentifier) == "" {
		return domain.DepositSession{}, domain.E(domain.KindInvalidRequest, op, "user identifier is required")
	}
	if requested.IsNegative() {
		return domain.DepositSession{}, domain.E(domain.KindInvalidRequest, op, "amount must be positive")
	}

	sess := newSession(uuid.NewString(), terminalID, userIdentifier, requested, s.opts.Now())
	if err := s.lease.Acquire(ctx, terminalID, sess.id, s.leaseTTL()); err != nil {
		return domain.DepositSession{}, err
	}
	s.register(sess)

	sess.op.Lock()
	defer sess.op.Unlock()

	callCtx, done, err := sess.beginCall(ctx)
	if err != nil {
		return sess.snapshot(), err
	}
	defer done()

	s.transition(sess, domain.StateCashRequested, domain.TriggerStart, nil)

	_, err = s.openShutter(callCtx, sess)
	if sess.cancelled() {
		return sess.snapshot(), errCancelled(op)
	}
	if err != nil {
		s.transition(sess, domain.StateFailed, domain.TriggerGatewayError, err)
		return sess.snapshot(), domain.Wrap(domain.KindGatewayUnavailable, op, err, "could not open the shutter")
	}

	s.transition(sess, domain.StateAwaitingInsertion, domain.TriggerGatewayAck, nil)
	return sess.snapshot(), nil
}

// openShutter is idempotent on the terminal, so transport failures are
// retried with backoff. Hardware rejections are not.
func (s *DepositService) openShutter(ctx context.Context, sess *session) (domain.CommandResult, error) {
	var res domain.CommandResult

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.RetryInitialInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.opts.OpenShutterAttempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		var err error
		res, err = s.send(ctx, sess, domain.CommandOpenShutter)
		if err == nil {
			return nil
		}
		if isHardwareFault(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		s.logger.Warn("open shutter attempt failed",
			zap.String("session_id", sess.id),
			zap.String("terminal_id", sess.terminalID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		return err
	}, policy)
	return res, err
}

// Continue reads the counted cash from the terminal. A timeout leaves the
// session AWAITING_INSERTION so the call can be repeated.
func (s *DepositService) Continue(ctx context.Context, sessionID string) (domain.DepositSession, error) {
	const op = "deposit.Continue"

	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return domain.DepositSession{}, err
	}

	sess.op.Lock()
	defer sess.op.Unlock()

	if st := sess.state(); st != domain.StateAwaitingInsertion {
		return sess.snapshot(), domain.E(domain.KindInvalidState, op, "cannot read count in state %s", st)
	}

	callCtx, done, err := sess.beginCall(ctx)
	if err != nil {
		return sess.snapshot(), err
	}
	defer done()

	res, err := s.send(callCtx, sess, domain.CommandReadCount)
	if sess.cancelled() {
		return sess.snapshot(), errCancelled(op)
	}
	if err != nil {
		if isHardwareFault(err) {
			s.fail(ctx, sess, err)
			return sess.snapshot(), domain.Wrap(domain.KindGatewayUnavailable, op, err, "terminal rejected the count")
		}
		s.logger.Warn("read count failed, session kept for retry",
			zap.String("session_id", sess.id),
			zap.String("terminal_id", sess.terminalID),
			zap.Error(err))
		return sess.snapshot(), domain.Wrap(domain.KindGatewayUnavailable, op, err, "terminal did not report a count")
	}

	if !res.CountedAmount.Valid || !domain.ValidAmount(res.CountedAmount.Decimal) {
		cause := domain.E(domain.KindInternal, op, "terminal reported an invalid count %s", res.CountedAmount.Decimal)
		s.fail(ctx, sess, cause)
		return sess.snapshot(), cause
	}

	if err := sess.setCounted(res.CountedAmount.Decimal); err != nil {
		return sess.snapshot(), err
	}
	s.transition(sess, domain.StateCounted, domain.TriggerContinue, nil)
	return sess.snapshot(), nil
}

// Confirm commits the counted amount to the ledger. A ledger failure keeps
// the session COUNTED so the caller may retry or refund.
func (s *DepositService) Confirm(ctx context.Context, in ConfirmInput) (domain.DepositSession, error) {
	const op = "deposit.Confirm"

	sess, err := s.lookup(op, in.SessionID)
	if err != nil {
		return domain.DepositSession{}, err
	}

	sess.op.Lock()
	defer sess.op.Unlock()

	snap := sess.snapshot()
	if in.UserIdentifier != "" && in.UserIdentifier != snap.UserIdentifier {
		return snap, domain.E(domain.KindInvalidRequest, op, "session belongs to another user")
	}
	if in.CountedAmount.Valid && snap.CountedAmount.Valid && !in.CountedAmount.Decimal.Equal(snap.CountedAmount.Decimal) {
		return snap, domain.E(domain.KindInvalidRequest, op, "counted amount %s does not match the terminal count %s",
			in.CountedAmount.Decimal, snap.CountedAmount.Decimal)
	}

	switch snap.State {
	case domain.StateCommitted:
		// Replayed confirm: the deposit is already on the ledger.
		return snap, nil
	case domain.StateCounted:
	default:
		return snap, domain.E(domain.KindInvalidState, op, "cannot confirm in state %s", snap.State)
	}

	err = s.ledger.Record(ctx, domain.LedgerRecord{
		SessionID:      snap.ID,
		UserIdentifier: snap.UserIdentifier,
		TerminalID:     snap.TerminalID,
		Amount:         snap.CountedAmount.Decimal,
	})
	switch {
	case err == nil:
		ledgerRecordsTotal.WithLabelValues("recorded").Inc()
	case errors.Is(err, domain.ErrDuplicateKey):
		ledgerRecordsTotal.WithLabelValues("duplicate").Inc()
		s.logger.Info("ledger already holds session, treating as committed", zap.String("session_id", snap.ID))
	default:
		ledgerRecordsTotal.WithLabelValues("error").Inc()
		s.logger.Error("ledger write failed, session stays counted",
			zap.String("session_id", snap.ID),
			zap.Error(err))
		return sess.snapshot(), domain.Wrap(domain.KindLedgerUnavailable, op, err, "deposit was not recorded")
	}

	s.transition(sess, domain.StateCommitted, domain.TriggerConfirm, nil)
	return sess.snapshot(), nil
}

// Refund returns the counted cash. The session is REFUNDED once the command
// was sent, even if the terminal did not acknowledge it; such sessions are
// flagged for reconciliation.
func (s *DepositService) Refund(ctx context.Context, sessionID string) (domain.DepositSession, error) {
	const op = "deposit.Refund"

	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return domain.DepositSession{}, err
	}

	sess.op.Lock()
	defer sess.op.Unlock()

	if st := sess.state(); st != domain.StateCounted {
		return sess.snapshot(), domain.E(domain.KindInvalidState, op, "cannot refund in state %s", st)
	}

	_, err = s.send(ctx, sess, domain.CommandRefund)
	if err != nil {
		sess.markRefundUnconfirmed()
		refundUnconfirmedTotal.Inc()
		s.logger.Error("refund command not acknowledged, needs reconciliation",
			zap.String("session_id", sess.id),
			zap.String("terminal_id", sess.terminalID),
			zap.Error(err))
		s.transition(sess, domain.StateRefunded, domain.TriggerRefund, err)
		return sess.snapshot(), domain.Wrap(domain.KindGatewayUnavailable, op, err, "refund command was not acknowledged")
	}

	s.transition(sess, domain.StateRefunded, domain.TriggerRefund, nil)
	return sess.snapshot(), nil
}

// Cancel ends a non-terminal session. An in-flight gateway call for the
// session is aborted first. It never fails because the terminal did not
// answer.
func (s *DepositService) Cancel(ctx context.Context, sessionID string) (domain.DepositSession, error) {
	const op = "deposit.Cancel"

	sess, err := s.lookup(op, sessionID)
	if err != nil {
		return domain.DepositSession{}, err
	}
	return s.cancel(ctx, op, sess, domain.TriggerCancel)
}

func (s *DepositService) cancel(ctx context.Context, op string, sess *session, trig domain.Trigger) (domain.DepositSession, error) {
	// A client repeating a cancel whose reply was lost gets the same answer.
	replay := func(st domain.State) bool {
		return trig == domain.TriggerCancel && st == domain.StateCancelled
	}

	if !sess.requestCancel() {
		snap := sess.snapshot()
		if replay(snap.State) {
			return snap, nil
		}
		return snap, domain.E(domain.KindInvalidState, op, "cannot cancel in state %s", snap.State)
	}

	sess.op.Lock()
	defer sess.op.Unlock()

	st := sess.state()
	if replay(st) {
		return sess.snapshot(), nil
	}
	if st.Terminal() {
		return sess.snapshot(), domain.E(domain.KindInvalidState, op, "cannot cancel in state %s", st)
	}

	// Nothing was sent to the terminal while INITIATED.
	if st != domain.StateInitiated {
		if _, err := s.send(ctx, sess, domain.CommandCancel); err != nil {
			s.logger.Warn("cancel command failed, cancelling locally",
				zap.String("session_id", sess.id),
				zap.String("terminal_id", sess.terminalID),
				zap.Error(err))
		}
	}

	var cause error
	if trig == domain.TriggerStale {
		cause = domain.E(domain.KindInternal, op, "session idle past %s", s.opts.StaleAfter)
	}
	s.transition(sess, domain.StateCancelled, trig, cause)
	return sess.snapshot(), nil
}

// fail moves sess to FAILED and tells the terminal to give the cash back.
// Caller holds sess.op.
func (s *DepositService) fail(ctx context.Context, sess *session, cause error) {
	s.transition(sess, domain.StateFailed, domain.TriggerGatewayError, cause)
	if _, err := s.send(ctx, sess, domain.CommandCancel); err != nil {
		s.logger.Warn("best-effort cancel after failure did not reach terminal",
			zap.String("session_id", sess.id),
			zap.String("terminal_id", sess.terminalID),
			zap.Error(err))
	}
}

func (s *DepositService) send(ctx context.Context, sess *session, cmd domain.Command) (domain.CommandResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()
	return s.gateway.Send(ctx, sess.terminalID, cmd, domain.CommandPayload{
		SessionID: sess.id,
		Amount:    sess.requested,
	})
}

// transition applies one edge of the session graph and its bookkeeping.
// Caller holds sess.op.
func (s *DepositService) transition(sess *session, to domain.State, trig domain.Trigger, cause error) {
	now := s.opts.Now()
	from, err := sess.apply(to, trig, cause, now)
	if err != nil {
		s.logger.Error("rejected illegal transition",
			zap.String("session_id", sess.id),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
			zap.Error(err))
		return
	}

	transitionsTotal.WithLabelValues(string(from), string(to), string(trig)).Inc()
	fields := []zap.Field{
		zap.String("session_id", sess.id),
		zap.String("terminal_id", sess.terminalID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.String("trigger", string(trig)),
	}
	if cause != nil {
		fields = append(fields, zap.String("error_kind", string(domain.KindOf(cause))), zap.Error(cause))
	}
	s.logger.Info("deposit session transition", fields...)

	// Lease bookkeeping must not inherit a cancelled request context.
	leaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if to.Terminal() {
		if err := s.lease.Release(leaseCtx, sess.terminalID, sess.id); err != nil {
			s.logger.Warn("lease release failed", zap.String("session_id", sess.id), zap.Error(err))
		}
		return
	}
	if err := s.lease.Acquire(leaseCtx, sess.terminalID, sess.id, s.leaseTTL()); err != nil {
		s.logger.Warn("lease refresh failed", zap.String("session_id", sess.id), zap.Error(err))
	}
}

func (s *DepositService) leaseTTL() time.Duration {
	return 2 * s.opts.StaleAfter
}

func isHardwareFault(err error) bool {
	var fault *domain.HardwareFault
	return errors.As(err, &fault)
}

func errCancelled(op string) error {
	return domain.E(domain.KindInvalidState, op, "session was cancelled")
}
