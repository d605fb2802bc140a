package httpapi

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"fiscalbridge/backend/internal/domain"
	"fiscalbridge/backend/internal/service"
	"fiscalbridge/backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	agentLimiter  *attemptLimiter
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string) *API {
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		agentLimiter:  newAttemptLimiter(10, time.Minute),
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/agent", a.handleAgentLogin)

	mux.HandleFunc("/api/v1/fiscal/print", a.requireAuth(a.handlePrint, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/fiscal/test-connection", a.requireAuth(a.handleTestConnection, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/fiscal/device", a.requireAuth(a.handleDevice, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/fiscal/shift/open", a.requireAuth(a.handleShiftOpen, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/fiscal/shift/close", a.requireAuth(a.handleShiftClose, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/fiscal/jobs/sale", a.requireAuth(a.handleEnqueueSale, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/fiscal/jobs/return", a.requireAuth(a.handleEnqueueReturn, domain.RoleCashier, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/fiscal/jobs/pending", a.requireAuth(a.handlePendingJobs, domain.RoleAgent))
	mux.HandleFunc("/api/v1/fiscal/jobs/", a.requireAuth(a.handleJobActions, domain.RoleAgent))

	mux.HandleFunc("/api/v1/fiscal/attempts", a.requireAuth(a.handleAttempts, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/fiscal/attempts/stats", a.requireAuth(a.handleAttemptStats, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAgentLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.agentLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.AgentLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.AgentLogin(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePrint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.PrintNowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	result, err := a.service.PrintNow(r.Context(), req.Sale)
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (a *API) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	status, err := a.service.TestConnection(r.Context())
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"connection": status})
}

func (a *API) handleDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	cfg, err := a.service.GetDeviceConfig(r.Context())
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": cfg})
}

func (a *API) handleShiftOpen(w http.ResponseWriter, r *http.Request) {
	a.handleShiftToggle(w, r, true)
}

func (a *API) handleShiftClose(w http.ResponseWriter, r *http.Request) {
	a.handleShiftToggle(w, r, false)
}

func (a *API) handleShiftToggle(w http.ResponseWriter, r *http.Request, open bool) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var cfg *domain.DeviceConfig
	var err error
	if open {
		cfg, err = a.service.OpenShift(r.Context())
	} else {
		cfg, err = a.service.CloseShift(r.Context())
	}
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"device": cfg})
}

func (a *API) handleEnqueueSale(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.EnqueueSaleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.EnqueueSaleJob(r.Context(), req.Sale)
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	status := http.StatusCreated
	if !resp.Enqueued {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handleEnqueueReturn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}

	var req domain.EnqueueReturnRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.service.EnqueueReturnJob(r.Context(), req.Return)
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	status := http.StatusCreated
	if !resp.Enqueued {
		status = http.StatusOK
	}
	writeJSON(w, status, resp)
}

func (a *API) handlePendingJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 20, 100)
	jobs, err := a.service.ListPendingJobs(r.Context(), limit)
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, domain.JobListResponse{Jobs: jobs})
}

// handleJobActions serves POST /api/v1/fiscal/jobs/{id}/claim and
// PATCH /api/v1/fiscal/jobs/{id}.
func (a *API) handleJobActions(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/fiscal/jobs/")
	if rest == "" {
		writeError(w, http.StatusNotFound, errors.New("job id required"))
		return
	}

	if jobID, ok := strings.CutSuffix(rest, "/claim"); ok {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		a.handleClaim(w, r, jobID)
		return
	}

	if strings.Contains(rest, "/") {
		writeError(w, http.StatusNotFound, errors.New("unknown job action"))
		return
	}
	if r.Method != http.MethodPatch {
		writeMethodNotAllowed(w)
		return
	}
	a.handleComplete(w, r, rest)
}

func (a *API) handleClaim(w http.ResponseWriter, r *http.Request, jobID string) {
	var req domain.JobClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	agentID := strings.TrimSpace(req.AgentID)
	if actor, ok := service.ActorFromContext(r.Context()); ok && agentID == "" {
		agentID = actor.Username
	}

	job, err := a.service.ClaimJob(r.Context(), jobID, agentID)
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (a *API) handleComplete(w http.ResponseWriter, r *http.Request, jobID string) {
	var req domain.JobCompleteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := a.service.CompleteJob(r.Context(), jobID, req)
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (a *API) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 50, 200)
	attempts, err := a.service.ListAttempts(r.Context(), limit)
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, domain.AttemptListResponse{Attempts: attempts})
}

func (a *API) handleAttemptStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	stats, err := a.service.GetAttemptStats(r.Context())
	if err != nil {
		writeError(w, statusForServiceError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func statusForServiceError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrConfigurationMissing):
		return http.StatusConflict
	case errors.Is(err, store.ErrJobAlreadyClaimed),
		errors.Is(err, store.ErrJobTerminal),
		errors.Is(err, store.ErrAttemptTerminal):
		return http.StatusConflict
	case errors.Is(err, store.ErrCredentialsIncomplete):
		return http.StatusUnprocessableEntity
	case strings.Contains(err.Error(), "admin role required"),
		strings.Contains(err.Error(), "authenticated tenant required"):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PATCH,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s %s", r.Method, r.URL.Path, time.Since(startedAt))
	})
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx responses return a generic message so internal details (SQL
	// errors, file paths) never reach the client. 4xx messages are
	// user-facing and pass through.
	msg := err.Error()
	if status >= 500 {
		log.Printf("internal error (status %d): %v", status, err)
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
