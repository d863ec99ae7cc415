package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/atmcashin/internal/domain"
	"github.com/punchamoorthee/atmcashin/internal/models"
	"go.uber.org/zap"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atm_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "atm_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
	}, []string{"method", "endpoint"})
)

// Router wires every endpoint of the service.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(instrument)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/atm-deposit", h.DepositHandler).Methods(http.MethodPost)
	v1.HandleFunc("/deposits/{sessionId}", h.GetDepositHandler).Methods(http.MethodGet)
	v1.HandleFunc("/transactions/{referenceNumber}", h.GetTransactionHandler).Methods(http.MethodGet)
	v1.HandleFunc("/users/{userIdentifier}/transactions", h.ListTransactionsHandler).Methods(http.MethodGet)
	return r
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and latency per route template so that
// path parameters do not explode label cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}

		timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues(r.Method, endpoint))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDuration()
		httpRequestsTotal.WithLabelValues(r.Method, endpoint, strconv.Itoa(rec.status)).Inc()
	})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidRequest:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInvalidState, domain.KindTerminalBusy:
		return http.StatusConflict
	case domain.KindGatewayUnavailable:
		return http.StatusBadGateway
	case domain.KindLedgerUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage exposes the message of a classified error. Internal errors
// are not described to the client.
func errorMessage(err error) string {
	var de *domain.Error
	if errors.As(err, &de) && de.Kind != domain.KindInternal && de.Message != "" {
		return de.Message
	}
	return "Internal Server Error"
}

// respondWithFailure writes a DepositResponse for err. sess may be the zero
// value when no session was involved.
func (h *Handler) respondWithFailure(w http.ResponseWriter, err error, sess domain.DepositSession) {
	kind := domain.KindOf(err)
	code := statusFor(kind)
	if code >= http.StatusInternalServerError {
		h.logger.Error("deposit request failed",
			zap.String("session_id", sess.ID),
			zap.String("reason", string(kind)),
			zap.Error(err))
	}

	resp := models.DepositResponse{
		Success: false,
		Message: errorMessage(err),
		Reason:  kind,
	}
	if sess.ID != "" {
		resp.SessionID = sess.ID
		resp.Status = sess.State
		resp.CountedAmount = sess.CountedAmount
	}
	respondWithJSON(w, code, resp)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}
