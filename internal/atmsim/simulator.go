// Package atmsim is a stand-in ATM controller that speaks the gateway's
// command protocol. It is used for local runs and for gateway tests.
package atmsim

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/punchamoorthee/atmcashin/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Received is one command as seen by the simulator.
type Received struct {
	TerminalID string
	Command    domain.Command
	SessionID  string
}

type terminal struct {
	shutterOpen bool
	sessionID   string
	counted     decimal.NullDecimal
}

// Simulator holds per-terminal state. Terminals must be registered before
// they answer; unknown ones get 404.
type Simulator struct {
	mu        sync.Mutex
	terminals map[string]*terminal
	faults    map[domain.Command]string
	delays    map[domain.Command]time.Duration
	fixed     decimal.NullDecimal
	received  []Received
	logger    *zap.Logger
}

func New(logger *zap.Logger, terminalIDs ...string) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Simulator{
		terminals: make(map[string]*terminal),
		faults:    make(map[domain.Command]string),
		delays:    make(map[domain.Command]time.Duration),
		logger:    logger,
	}
	for _, id := range terminalIDs {
		s.terminals[id] = &terminal{}
	}
	return s
}

// AddTerminal registers a terminal id.
func (s *Simulator) AddTerminal(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.terminals[id]; !ok {
		s.terminals[id] = &terminal{}
	}
}

// SetCount makes READ_COUNT report amount instead of a random figure.
func (s *Simulator) SetCount(amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fixed = decimal.NewNullDecimal(amount)
}

// Fail makes cmd answer ok=false with code. An empty code clears the fault.
func (s *Simulator) Fail(cmd domain.Command, code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code == "" {
		delete(s.faults, cmd)
		return
	}
	s.faults[cmd] = code
}

// Delay holds the reply to cmd for d.
func (s *Simulator) Delay(cmd domain.Command, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d <= 0 {
		delete(s.delays, cmd)
		return
	}
	s.delays[cmd] = d
}

// Received returns a copy of every command handled so far.
func (s *Simulator) Received() []Received {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Received, len(s.received))
	copy(out, s.received)
	return out
}

// Router exposes the controller protocol.
func (s *Simulator) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/terminals/{id}/commands", s.handleCommand).Methods(http.MethodPost)
	return r
}

func (s *Simulator) handleCommand(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req models.CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeReply(w, http.StatusBadRequest, models.CommandResponse{Code: "BAD_REQUEST", Message: "malformed command"})
		return
	}

	s.mu.Lock()
	delay := s.delays[req.Command]
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	status, reply := s.apply(id, req)
	s.logger.Debug("controller command",
		zap.String("terminal_id", id),
		zap.String("command", string(req.Command)),
		zap.Bool("ok", reply.OK))
	writeReply(w, status, reply)
}

func (s *Simulator) apply(id string, req models.CommandRequest) (int, models.CommandResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.terminals[id]
	if !ok {
		return http.StatusNotFound, models.CommandResponse{Code: "UNKNOWN_TERMINAL"}
	}
	s.received = append(s.received, Received{TerminalID: id, Command: req.Command, SessionID: req.SessionID})

	if code, failing := s.faults[req.Command]; failing {
		return http.StatusOK, models.CommandResponse{Code: code, Message: "simulated fault"}
	}

	switch req.Command {
	case domain.CommandOpenShutter:
		if t.shutterOpen && t.sessionID != req.SessionID {
			return http.StatusOK, models.CommandResponse{Code: "BUSY", Message: "shutter held by another session"}
		}
		t.shutterOpen = true
		t.sessionID = req.SessionID
		t.counted = decimal.NullDecimal{}
		return http.StatusOK, models.CommandResponse{OK: true, Message: "Shutter opened. Please insert cash."}

	case domain.CommandReadCount:
		if t.sessionID != req.SessionID {
			return http.StatusOK, models.CommandResponse{Code: "NO_SESSION", Message: "no cash-in in progress"}
		}
		if !t.counted.Valid {
			t.shutterOpen = false
			if s.fixed.Valid {
				t.counted = s.fixed
			} else {
				t.counted = decimal.NewNullDecimal(decimal.NewFromInt(int64(rand.IntN(1000) + 100)))
			}
		}
		return http.StatusOK, models.CommandResponse{OK: true, CountedAmount: t.counted}

	case domain.CommandRefund:
		if t.sessionID != req.SessionID {
			return http.StatusOK, models.CommandResponse{Code: "NO_SESSION", Message: "nothing to refund"}
		}
		*t = terminal{}
		return http.StatusOK, models.CommandResponse{OK: true, Message: "Cash refunded successfully"}

	case domain.CommandCancel:
		if t.sessionID == req.SessionID {
			*t = terminal{}
		}
		return http.StatusOK, models.CommandResponse{OK: true, Message: "Transaction cancelled"}
	}

	return http.StatusBadRequest, models.CommandResponse{Code: "UNKNOWN_COMMAND"}
}

func writeReply(w http.ResponseWriter, code int, reply models.CommandResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(reply)
}
