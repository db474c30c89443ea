// Package server exposes the HTTP surface: health and sync-status
// reporting plus the entity endpoints the web application calls.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"qrforge/internal/app"
	"qrforge/internal/dbsync"
	"qrforge/internal/dualstore"
	"qrforge/internal/store"
	"qrforge/internal/usertoken"
	"qrforge/internal/util"
	"qrforge/pkg/domain"
)

const maxBodyBytes = 1 << 20

// Config wires required dependencies for the HTTP server.
type Config struct {
	App            *app.App
	TokenVerifier  *usertoken.Verifier
	TrustedProxies *util.TrustedProxies
}

// Server exposes HTTP endpoints for the sync layer and its entities.
type Server struct {
	app      *app.App
	verifier *usertoken.Verifier
	proxies  *util.TrustedProxies
	mux      *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	s := &Server{
		app:      cfg.App,
		verifier: cfg.TokenVerifier,
		proxies:  cfg.TrustedProxies,
		mux:      http.NewServeMux(),
	}
	s.routes()
	return s
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithSecurityHeaders(util.WithRequestLog(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)

	// sync observability, admin only
	s.mux.Handle("GET /api/sync/status", s.admin(s.handleSyncStatus))
	s.mux.Handle("POST /api/sync/run", s.admin(s.handleSyncRun))

	// qr codes
	s.mux.HandleFunc("POST /api/qr/anonymous", s.handleAnonymousQR)
	s.mux.Handle("POST /api/qr", s.authenticated(s.handleCreateQR))
	s.mux.Handle("GET /api/qr", s.authenticated(s.handleListQR))
	s.mux.Handle("GET /api/qr/{id}", s.authenticated(s.handleOpenQR))
	s.mux.Handle("DELETE /api/qr/{id}", s.authenticated(s.handleDeleteQR))

	// users, admin only
	s.mux.Handle("POST /api/users", s.admin(s.handleCreateUser))
	s.mux.Handle("GET /api/users", s.admin(s.handleListUsers))
	s.mux.Handle("DELETE /api/users/{id}", s.admin(s.handleDeleteUser))
	s.mux.Handle("PUT /api/users/{id}/subscription", s.admin(s.handleUpdateSubscription))

	// password resets
	s.mux.Handle("POST /api/password-reset", s.authenticated(s.handleCreateReset))
	s.mux.Handle("GET /api/password-reset", s.admin(s.handleListResets))
	s.mux.Handle("POST /api/password-reset/{id}/approve", s.admin(s.handleApproveReset))
	s.mux.Handle("POST /api/password-reset/{id}/reject", s.admin(s.handleRejectReset))
}

// health & sync status

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.app.Health(r.Context())
	storeState := func(up bool) string {
		if up {
			return "connected"
		}
		return "disconnected"
	}
	body := map[string]any{
		"healthy": report.Healthy(),
		"stores": map[string]string{
			"primary":   storeState(report.Primary),
			"secondary": storeState(report.Secondary),
		},
		"checkedAt": report.CheckedAt,
	}
	if len(report.Errors) > 0 {
		body["errors"] = report.Errors
	}
	status := http.StatusOK
	if !report.Healthy() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request, _ usertoken.Principal) {
	status := s.app.SyncStatus(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"isRunning":     status.IsRunning,
		"lastBatchSync": status.LastBatchSync,
		"stats":         status.Stats,
		"queueDepth":    status.QueueDepth,
		"timestamp":     time.Now().UTC(),
	})
}

func (s *Server) handleSyncRun(w http.ResponseWriter, r *http.Request, _ usertoken.Principal) {
	stats, err := s.app.TriggerSync(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"stats": stats})
}

// qr codes

type qrRequest struct {
	Payload string `json:"payload"`
}

func (s *Server) handleAnonymousQR(w http.ResponseWriter, r *http.Request) {
	var req qrRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload required"})
		return
	}
	ip := util.ClientIP(r, s.proxies)
	if err := s.app.AllowAnonymous(r.Context(), ip); err != nil {
		s.writeError(w, r, err)
		return
	}
	// Anonymous codes are never persisted; only the quota counter is
	// recorded.
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "payload": req.Payload})
}

func (s *Server) handleCreateQR(w http.ResponseWriter, r *http.Request, p usertoken.Principal) {
	var req qrRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if strings.TrimSpace(req.Payload) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload required"})
		return
	}
	qr, err := s.app.CreateQRCode(r.Context(), p.UserID, []byte(req.Payload))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": qr})
}

func (s *Server) handleListQR(w http.ResponseWriter, r *http.Request, p usertoken.Principal) {
	res := s.app.ListQRCodes(r.Context(), p.UserID)
	if !res.Success {
		s.writeError(w, r, res.Err())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleOpenQR(w http.ResponseWriter, r *http.Request, p usertoken.Principal) {
	payload, err := s.app.OpenQRCode(r.Context(), r.PathValue("id"), p.UserID, p.Role)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "payload": string(payload)})
}

func (s *Server) handleDeleteQR(w http.ResponseWriter, r *http.Request, p usertoken.Principal) {
	if err := s.app.DeleteQRCode(r.Context(), r.PathValue("id"), p.UserID, p.Role); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// users

type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, _ usertoken.Principal) {
	var req createUserRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	user, err := s.app.CreateUser(r.Context(), req.Email, req.DisplayName, req.Password, domain.UserRole(req.Role))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": user})
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, _ usertoken.Principal) {
	res := s.app.ListUsers(r.Context())
	if !res.Success {
		s.writeError(w, r, res.Err())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, _ usertoken.Principal) {
	if err := s.app.DeleteUser(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request, _ usertoken.Principal) {
	var sub domain.Subscription
	if err := decodeJSON(r, &sub); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	user, err := s.app.UpdateSubscription(r.Context(), r.PathValue("id"), sub)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": user})
}

// password resets

func (s *Server) handleCreateReset(w http.ResponseWriter, r *http.Request, p usertoken.Principal) {
	req, err := s.app.CreateResetRequest(r.Context(), p.UserID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": req})
}

func (s *Server) handleListResets(w http.ResponseWriter, r *http.Request, _ usertoken.Principal) {
	res := s.app.ListResetRequests(r.Context())
	if !res.Success {
		s.writeError(w, r, res.Err())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type resolveResetRequest struct {
	Note string `json:"note"`
}

func (s *Server) handleApproveReset(w http.ResponseWriter, r *http.Request, p usertoken.Principal) {
	s.resolveReset(w, r, p, true)
}

func (s *Server) handleRejectReset(w http.ResponseWriter, r *http.Request, p usertoken.Principal) {
	s.resolveReset(w, r, p, false)
}

func (s *Server) resolveReset(w http.ResponseWriter, r *http.Request, p usertoken.Principal, approve bool) {
	var req resolveResetRequest
	if err := decodeJSON(r, &req); err != nil && err != io.EOF {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	resolved, err := s.app.ResolveResetRequest(r.Context(), r.PathValue("id"), p.UserID, approve, req.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": resolved})
}

// auth wrappers

type authHandler func(http.ResponseWriter, *http.Request, usertoken.Principal)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.principal(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r, principal)
	})
}

func (s *Server) admin(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, ok := s.principal(r)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		if principal.Role != domain.RoleAdmin {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin only"})
			return
		}
		next(w, r, principal)
	})
}

func (s *Server) principal(r *http.Request) (usertoken.Principal, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || strings.TrimSpace(token) == "" {
		return usertoken.Principal{}, false
	}
	principal, err := s.verifier.Verify(strings.TrimSpace(token))
	if err != nil {
		return usertoken.Principal{}, false
	}
	return principal, true
}

// helpers

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, app.ErrQuotaExceeded):
		status = http.StatusTooManyRequests
	case errors.Is(err, app.ErrNotOwner):
		status = http.StatusForbidden
	case errors.Is(err, app.ErrEmailTaken), errors.Is(err, app.ErrAlreadyResolved), errors.Is(err, dbsync.ErrBatchRunning):
		status = http.StatusConflict
	case errors.Is(err, dualstore.ErrBothStoresFailed):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
	} else {
		util.LoggerFromContext(r.Context()).Warn("request rejected", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, map[string]any{"success": false, "error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("encode response", "err", err)
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}
