// Package httpserver exposes the operational control surface: risk state,
// kill-switch control, audit verification, reconciliation, and positions.
package httpserver

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/veloxtrade/riskcore/errs"
	"github.com/veloxtrade/riskcore/internal/engine"
	"github.com/veloxtrade/riskcore/internal/reconcile"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	riskStatePath   = "/risk/state"
	riskKillPath    = "/risk/kill"
	riskResetPath   = "/risk/reset"
	auditVerifyPath = "/audit/verify"
	reconcilePath   = "/reconcile"
	positionsPath   = "/positions"
	healthzPath     = "/healthz"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	engine *engine.Engine
}

// operatorPayload carries the dual-authorization tokens for kill and reset.
type operatorPayload struct {
	TokenA string `json:"token_a"`
	TokenB string `json:"token_b"`
}

// reconcilePayload carries the external trade records for a manual pass.
type reconcilePayload struct {
	Trades []reconcile.ExternalTrade `json:"trades"`
}

// NewHandler creates the HTTP handler for the engine's operational surface.
func NewHandler(eng *engine.Engine) http.Handler {
	server := &httpServer{engine: eng}
	mux := http.NewServeMux()

	mux.Handle(riskStatePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getRiskState,
	}))
	mux.Handle(riskKillPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.killSwitch,
	}))
	mux.Handle(riskResetPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.resetSwitch,
	}))
	mux.Handle(auditVerifyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.verifyAudit,
	}))
	mux.Handle(reconcilePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.runReconciliation,
	}))
	mux.Handle(positionsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.getPositions,
	}))
	mux.Handle(healthzPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.healthz,
	}))

	return mux
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) getRiskState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.RiskState())
}

func (s *httpServer) killSwitch(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeOperatorPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	state, err := s.engine.Trip(payload.TokenA, payload.TokenB)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "tripped", "state": state})
}

func (s *httpServer) resetSwitch(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeOperatorPayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	state, err := s.engine.Reset(payload.TokenA, payload.TokenB)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "armed", "state": state})
}

func (s *httpServer) verifyAudit(w http.ResponseWriter, r *http.Request) {
	ok, broken, err := s.engine.VerifyChain(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":           "broken",
			"first_broken_seq": broken,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "intact"})
}

func (s *httpServer) runReconciliation(w http.ResponseWriter, r *http.Request) {
	limitRequestBody(w, r)
	payload, err := decodeReconcilePayload(r)
	if err != nil {
		writeDecodeError(w, err)
		return
	}
	report, err := s.engine.Reconcile(r.Context(), payload.Trades)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *httpServer) getPositions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"positions": s.engine.Positions()})
}

func (s *httpServer) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeOperatorPayload(r *http.Request) (operatorPayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload operatorPayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return payload, err
	}
	payload.TokenA = strings.TrimSpace(payload.TokenA)
	payload.TokenB = strings.TrimSpace(payload.TokenB)
	return payload, nil
}

func decodeReconcilePayload(r *http.Request) (reconcilePayload, error) {
	defer func() {
		_ = r.Body.Close()
	}()
	var payload reconcilePayload
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch errs.CodeOf(err) {
	case errs.CodeValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	case errs.CodeNotFound:
		writeError(w, http.StatusNotFound, err.Error())
	case errs.CodeConflict:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeLimitBreach:
		writeError(w, http.StatusForbidden, err.Error())
	case errs.CodeChainIntegrity:
		writeError(w, http.StatusConflict, err.Error())
	case errs.CodeUnavailable:
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func isRequestTooLarge(err error) bool {
	var maxBytesErr *http.MaxBytesError
	return errors.As(err, &maxBytesErr)
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}
