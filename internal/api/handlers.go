package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/punchamoorthee/atmcashin/internal/models"
	"github.com/punchamoorthee/atmcashin/internal/service"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// DepositService is the deposit state machine as seen by the HTTP layer.
type DepositService interface {
	Start(ctx context.Context, terminalID, userIdentifier string, requested decimal.Decimal) (domain.DepositSession, error)
	Continue(ctx context.Context, sessionID string) (domain.DepositSession, error)
	Confirm(ctx context.Context, in service.ConfirmInput) (domain.DepositSession, error)
	Refund(ctx context.Context, sessionID string) (domain.DepositSession, error)
	Cancel(ctx context.Context, sessionID string) (domain.DepositSession, error)
	Get(sessionID string) (domain.DepositSession, error)
}

// History reads committed deposits back from the ledger.
type History interface {
	GetTransaction(ctx context.Context, referenceNumber string) (*domain.Transaction, error)
	ListTransactions(ctx context.Context, userIdentifier string, limit int) ([]domain.Transaction, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	deposits DepositService
	history  History
	validate *validator.Validate
	logger   *zap.Logger
}

func NewHandler(deposits DepositService, history History, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := validator.New()
	// Report JSON field names in validation messages.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{deposits: deposits, history: history, validate: v, logger: logger}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.history.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", zap.Error(err))
		respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// DepositHandler dispatches on the request's action.
func (h *Handler) DepositHandler(w http.ResponseWriter, r *http.Request) {
	var req models.DepositRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		h.respondWithFailure(w, domain.E(domain.KindInvalidRequest, "api.Deposit", "Malformed JSON body"), domain.DepositSession{})
		return
	}
	req.Action = strings.ToUpper(strings.TrimSpace(req.Action))

	if err := h.validate.Struct(req); err != nil {
		h.respondWithFailure(w, domain.E(domain.KindInvalidRequest, "api.Deposit", "%s", validationMessage(err)), domain.DepositSession{})
		return
	}

	ctx := r.Context()
	var (
		sess    domain.DepositSession
		err     error
		message string
	)
	switch req.Action {
	case models.ActionStartCashIn:
		sess, err = h.deposits.Start(ctx, req.AtmID, req.UserIdentifier, req.Amount)
		message = "Shutter opened. Please insert cash."
	case models.ActionCashInserted:
		sess, err = h.deposits.Continue(ctx, req.SessionID)
		message = "Cash counted. Confirm to deposit or request a refund."
	case models.ActionConfirmed:
		sess, err = h.deposits.Confirm(ctx, service.ConfirmInput{
			SessionID:      req.SessionID,
			UserIdentifier: req.UserIdentifier,
			CountedAmount:  req.CountedAmount,
		})
		message = "Cash stored successfully and added to account"
	case models.ActionRefund:
		sess, err = h.deposits.Refund(ctx, req.SessionID)
		message = "Cash refunded successfully"
	case models.ActionCancel:
		sess, err = h.deposits.Cancel(ctx, req.SessionID)
		message = "Transaction cancelled"
	}
	if err != nil {
		h.respondWithFailure(w, err, sess)
		return
	}

	respondWithJSON(w, http.StatusOK, models.DepositResponse{
		Success:       true,
		Message:       message,
		SessionID:     sess.ID,
		Status:        sess.State,
		CountedAmount: sess.CountedAmount,
	})
}

func (h *Handler) GetDepositHandler(w http.ResponseWriter, r *http.Request) {
	sess, err := h.deposits.Get(mux.Vars(r)["sessionId"])
	if err != nil {
		h.respondWithFailure(w, err, domain.DepositSession{})
		return
	}
	respondWithJSON(w, http.StatusOK, sess)
}

func (h *Handler) GetTransactionHandler(w http.ResponseWriter, r *http.Request) {
	tx, err := h.history.GetTransaction(r.Context(), mux.Vars(r)["referenceNumber"])
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "Transaction not found")
			return
		}
		h.logger.Error("transaction lookup failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, tx)
}

func (h *Handler) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	txs, err := h.history.ListTransactions(r.Context(), mux.Vars(r)["userIdentifier"], limit)
	if err != nil {
		h.logger.Error("history query failed", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Internal Server Error")
		return
	}
	respondWithJSON(w, http.StatusOK, txs)
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required", "required_if", "required_unless":
		return fmt.Sprintf("%s is required", fe.Field())
	case "oneof":
		return fmt.Sprintf("%s must be one of %s", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	}
	return fmt.Sprintf("%s is invalid", fe.Field())
}
