package service

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "atm_deposit_active_sessions",
	Help: "Deposit sessions held in memory",
})

func (s *DepositService) register(sess *session) {
	s.mu.Lock()
	s.sessions[sess.id] = sess
	n := len(s.sessions)
	s.mu.Unlock()
	activeSessions.Set(float64(n))
}

func (s *DepositService) lookup(op, sessionID string) (*session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.E(domain.KindNotFound, op, "no active session %q", sessionID)
	}
	return sess, nil
}

// Get returns the current view of a session. Reading a terminal session
// acknowledges its outcome, which lets the sweeper drop it.
func (s *DepositService) Get(sessionID string) (domain.DepositSession, error) {
	sess, err := s.lookup("deposit.Get", sessionID)
	if err != nil {
		return domain.DepositSession{}, err
	}
	sess.acknowledge()
	return sess.snapshot(), nil
}

// sweepParallelism bounds concurrent stale cancels. Each may wait a full
// CommandTimeout on a silent terminal.
const sweepParallelism = 8

// Sweep forgets terminal sessions that were acknowledged or outlived
// Retention, then cancels sessions idle longer than StaleAfter. It returns
// how many sessions were cancelled and evicted.
func (s *DepositService) Sweep(ctx context.Context) (cancelled, evicted int) {
	now := s.opts.Now()

	s.mu.RLock()
	all := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		all = append(all, sess)
	}
	s.mu.RUnlock()

	var drop []string
	var stale []*session
	for _, sess := range all {
		sess.mu.Lock()
		state, last, acked := sess.data.State, sess.data.LastTransitionAt, sess.acknowledged
		sess.mu.Unlock()

		idle := now.Sub(last)
		switch {
		case state.Terminal():
			if acked || idle > s.opts.Retention {
				drop = append(drop, sess.id)
			}
		case idle > s.opts.StaleAfter:
			stale = append(stale, sess)
		}
	}

	if len(drop) > 0 {
		s.mu.Lock()
		for _, id := range drop {
			delete(s.sessions, id)
		}
		n := len(s.sessions)
		s.mu.Unlock()
		activeSessions.Set(float64(n))
	}

	var n atomic.Int64
	g := new(errgroup.Group)
	g.SetLimit(sweepParallelism)
	for _, sess := range stale {
		g.Go(func() error {
			if _, err := s.cancel(ctx, "deposit.Sweep", sess, domain.TriggerStale); err != nil {
				return nil
			}
			n.Add(1)
			s.logger.Info("cancelled stale deposit session",
				zap.String("session_id", sess.id),
				zap.String("terminal_id", sess.terminalID))
			return nil
		})
	}
	g.Wait()

	return int(n.Load()), len(drop)
}

// Run sweeps every interval until ctx is done.
func (s *DepositService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cancelled, evicted := s.Sweep(ctx)
			if cancelled > 0 || evicted > 0 {
				s.logger.Debug("session sweep",
					zap.Int("cancelled", cancelled),
					zap.Int("evicted", evicted))
			}
		}
	}
}
