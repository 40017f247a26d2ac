package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"renko-cloud/notify"
	"renko-cloud/security"
	"renko-cloud/syncer"
)

const initialSyncTimeout = 30 * time.Second

// userSyncer is the part of the sync orchestrator the connect flow uses.
type userSyncer interface {
	SyncUser(ctx context.Context, userID string) (syncer.Result, error)
	LastStatus(ctx context.Context, userID string) (*syncer.Result, error)
}

type publisher interface {
	Publish(ctx context.Context, userID, kind string, values map[string]any) (string, error)
}

// CalendarAuthHandler handles the Google Calendar connect, callback,
// disconnect and status routes.
type CalendarAuthHandler struct {
	tokens  *security.TokenStore
	syncer  userSyncer
	bus     publisher
	baseURL string
}

// NewCalendarAuthHandler creates the handler. syncer and bus may be nil.
func NewCalendarAuthHandler(tokens *security.TokenStore, s userSyncer, bus publisher, baseURL string) *CalendarAuthHandler {
	return &CalendarAuthHandler{tokens: tokens, syncer: s, bus: bus, baseURL: baseURL}
}

// ConnectRequest starts a consent flow.
type ConnectRequest struct {
	UserID    string `json:"user_id"`
	ReturnURL string `json:"return_url"`
}

// ConnectResponse carries the consent URL the browser should open.
type ConnectResponse struct {
	AuthURL string `json:"auth_url"`
	State   string `json:"state"`
}

// DisconnectRequest removes a stored connection.
type DisconnectRequest struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
}

// StatusResponse describes a user's calendar connection.
type StatusResponse struct {
	UserID       string         `json:"user_id"`
	Status       string         `json:"status"`
	ConnectionID string         `json:"connection_id,omitempty"`
	ExpiresAt    *time.Time     `json:"expires_at,omitempty"`
	LastSync     *syncer.Result `json:"last_sync,omitempty"`
}

// Connection states reported by the status route.
const (
	statusConnected    = "connected"
	statusError        = "error"
	statusDisconnected = "disconnected"
)

func (h *CalendarAuthHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/calendar/connect", h.Connect).Methods("POST")
	router.HandleFunc("/calendar/callback", h.HandleCallback).Methods("GET")
	router.HandleFunc("/calendar/disconnect", h.Disconnect).Methods("POST")
	router.HandleFunc("/calendar/status", h.GetStatus).Methods("GET")
}

// Connect returns the provider consent URL for the user.
func (h *CalendarAuthHandler) Connect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeBadRequest(w, "user_id is required")
		return
	}
	if h.tokens.OAuthConfig() == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "not_configured", Message: "Calendar OAuth not configured"})
		return
	}

	authURL, state, err := h.tokens.GetAuthURL(r.Context(), req.UserID, h.returnURL(req.ReturnURL))
	if err != nil {
		zap.S().Errorf("Failed to generate auth URL: %v", err)
		writeError(w, err, "Failed to generate authentication URL")
		return
	}

	writeJSON(w, http.StatusOK, ConnectResponse{AuthURL: authURL, State: state})
}

// HandleCallback finishes the consent flow and always answers with a redirect
// back to the app, flagged connected=true or error=<kind>.
func (h *CalendarAuthHandler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	code := q.Get("code")
	errorParam := q.Get("error")

	state, err := h.tokens.ConsumeState(ctx, q.Get("state"))
	if err != nil {
		zap.S().Warnf("OAuth callback with invalid state: %v", err)
		target := ""
		if state != nil {
			// decodable but expired or replayed
			target = h.returnURL(state.ReturnURL)
		}
		h.redirect(w, r, target, "error", "invalid_state")
		return
	}
	returnURL := h.returnURL(state.ReturnURL)

	if errorParam != "" {
		zap.S().Infof("OAuth error for user %s: %s", state.UserID, errorParam)
		kind := "provider_error"
		if errorParam == "access_denied" {
			kind = "cancelled"
		}
		h.redirect(w, r, returnURL, "error", kind)
		return
	}
	if code == "" {
		h.redirect(w, r, returnURL, "error", "missing_code")
		return
	}

	if _, err := h.tokens.ExchangeCode(ctx, state.UserID, code); err != nil {
		zap.S().Errorf("Failed to exchange code for token user=%s: %v", state.UserID, err)
		h.redirect(w, r, returnURL, "error", "exchange_failed")
		return
	}

	if h.syncer != nil {
		syncCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), initialSyncTimeout)
		res, err := h.syncer.SyncUser(syncCtx, state.UserID)
		cancel()
		if err != nil {
			zap.S().Warnf("Initial calendar sync failed user=%s kind=%s: %v", state.UserID, res.ErrorKind, err)
		} else {
			zap.S().Infof("Initial calendar sync user=%s events=%d", state.UserID, res.EventCount)
		}
	}

	h.redirect(w, r, returnURL, "connected", "true")
}

// Disconnect deletes the stored token. Cached events stay until retention purge.
func (h *CalendarAuthHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "Invalid request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeBadRequest(w, "user_id is required")
		return
	}

	if err := h.tokens.DeleteToken(r.Context(), req.UserID, strings.TrimSpace(req.ConnectionID)); err != nil {
		if errors.Is(err, security.ErrNoValidToken) {
			// already gone
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "user_id": req.UserID, "connection_id": req.ConnectionID})
			return
		}
		writeError(w, err, "")
		return
	}

	if h.bus != nil {
		if _, err := h.bus.Publish(r.Context(), req.UserID, notify.KindDisconnected, map[string]any{"connection_id": req.ConnectionID}); err != nil {
			zap.S().Warnf("Disconnect notify err user=%s: %v", req.UserID, err)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "user_id": req.UserID, "connection_id": req.ConnectionID})
}

// GetStatus reports connected, error or disconnected plus the last sync.
func (h *CalendarAuthHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeBadRequest(w, "user_id parameter is required")
		return
	}

	resp := StatusResponse{UserID: userID, Status: statusDisconnected}
	record, err := h.tokens.GetToken(r.Context(), userID)
	switch {
	case errors.Is(err, security.ErrNoValidToken):
		writeJSON(w, http.StatusOK, resp)
		return
	case err != nil:
		writeError(w, err, "")
		return
	}

	resp.Status = statusConnected
	resp.ConnectionID = record.ConnectionID
	expiry := record.Expiry().UTC()
	resp.ExpiresAt = &expiry

	if h.syncer != nil {
		last, err := h.syncer.LastStatus(r.Context(), userID)
		if err != nil {
			zap.S().Warnf("Status: last sync lookup err user=%s: %v", userID, err)
		}
		resp.LastSync = last
		if last != nil && !last.Success && last.ErrorKind != "" && last.ErrorKind != "provider_error" {
			resp.Status = statusError
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// returnURL keeps redirects on the app's own origin. Relative paths resolve
// against the base URL; foreign hosts fall back to it.
func (h *CalendarAuthHandler) returnURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return h.baseURL
	}
	target, err := url.Parse(raw)
	if err != nil {
		return h.baseURL
	}
	base, err := url.Parse(h.baseURL)
	if err != nil || base.Host == "" {
		return raw
	}
	if !target.IsAbs() {
		return base.ResolveReference(target).String()
	}
	if !strings.EqualFold(target.Host, base.Host) || target.Scheme != base.Scheme {
		return h.baseURL
	}
	return raw
}

func (h *CalendarAuthHandler) redirect(w http.ResponseWriter, r *http.Request, target, key, value string) {
	if target == "" {
		target = h.baseURL
	}
	u, err := url.Parse(target)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}
