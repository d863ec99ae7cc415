package service

import (
	"context"
	"sync"
	"time"

	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/shopspring/decimal"
)

// session is the single writer for one deposit. op is held for the whole of
// an operation, gateway round-trip included; mu only guards the fields so
// snapshots never wait on the terminal.
type session struct {
	id         string
	terminalID string
	requested  decimal.Decimal

	op sync.Mutex

	mu              sync.Mutex
	data            domain.DepositSession
	abort           context.CancelFunc
	cancelRequested bool
	acknowledged    bool
}

func newSession(id, terminalID, userIdentifier string, requested decimal.Decimal, now time.Time) *session {
	return &session{
		id:         id,
		terminalID: terminalID,
		requested:  requested,
		data: domain.DepositSession{
			ID:               id,
			TerminalID:       terminalID,
			UserIdentifier:   userIdentifier,
			RequestedAmount:  requested,
			State:            domain.StateInitiated,
			CreatedAt:        now,
			LastTransitionAt: now,
			Transitions:      []domain.Transition{},
		},
	}
}

func (s *session) snapshot() domain.DepositSession {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.data
	out.Transitions = make([]domain.Transition, len(s.data.Transitions))
	copy(out.Transitions, s.data.Transitions)
	return out
}

func (s *session) state() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.State
}

func (s *session) apply(to domain.State, trig domain.Trigger, cause error, now time.Time) (domain.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.data.State
	if !domain.CanTransition(from, to) {
		return from, domain.E(domain.KindInternal, "session.apply", "illegal transition %s -> %s", from, to)
	}
	s.data.State = to
	s.data.LastTransitionAt = now
	s.data.Transitions = append(s.data.Transitions, domain.Transition{
		From:      from,
		To:        to,
		Trigger:   trig,
		ErrorKind: domain.KindOf(cause),
		At:        now,
	})
	return from, nil
}

// setCounted records the hardware count. It can succeed only once.
func (s *session) setCounted(amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.CountedAmount.Valid {
		return domain.E(domain.KindInternal, "session.setCounted", "count already recorded for session %s", s.id)
	}
	s.data.CountedAmount = decimal.NewNullDecimal(amount)
	return nil
}

func (s *session) markRefundUnconfirmed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.RefundUnconfirmed = true
}

// beginCall registers an abortable context for a gateway call. It fails if a
// cancel is already pending. The returned func must be called when the call
// returns.
func (s *session) beginCall(ctx context.Context) (context.Context, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelRequested {
		return nil, nil, errCancelled("session.beginCall")
	}
	callCtx, abort := context.WithCancel(ctx)
	s.abort = abort
	return callCtx, func() {
		s.mu.Lock()
		s.abort = nil
		s.mu.Unlock()
		abort()
	}, nil
}

// requestCancel flags the session and aborts any in-flight gateway call.
// It returns false if the session is already terminal.
func (s *session) requestCancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.State.Terminal() {
		return false
	}
	s.cancelRequested = true
	if s.abort != nil {
		s.abort()
	}
	return true
}

func (s *session) cancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelRequested
}

func (s *session) acknowledge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.State.Terminal() {
		s.acknowledged = true
	}
}
