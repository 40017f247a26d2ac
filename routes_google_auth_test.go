package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"renko-cloud/security"
	"renko-cloud/syncer"
)

const testBaseURL = "http://app.local"

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func newOAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "access-1",
			"refresh_token": "refresh-1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestTokenStore(t *testing.T, client *redis.Client) *security.TokenStore {
	t.Helper()
	srv := newOAuthServer(t)
	return security.NewTokenStore(client, &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost:8080/calendar/callback",
		Scopes:       security.CalendarScopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/auth",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	})
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
	last  *syncer.Result
}

func (f *fakeSyncer) SyncUser(ctx context.Context, userID string) (syncer.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	if f.err != nil {
		return syncer.Result{UserID: userID, ErrorKind: syncer.ErrorKind(f.err)}, f.err
	}
	return syncer.Result{UserID: userID, Success: true, EventCount: 3}, nil
}

func (f *fakeSyncer) LastStatus(ctx context.Context, userID string) (*syncer.Result, error) {
	return f.last, nil
}

type authFixture struct {
	tokens *security.TokenStore
	syncer *fakeSyncer
	router *mux.Router
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	f := &authFixture{
		tokens: newTestTokenStore(t, newTestRedis(t)),
		syncer: &fakeSyncer{},
		router: mux.NewRouter(),
	}
	NewCalendarAuthHandler(f.tokens, f.syncer, nil, testBaseURL).RegisterRoutes(f.router)
	return f
}

func (f *authFixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func redirectQuery(t *testing.T, rec *httptest.ResponseRecorder) (*url.URL, url.Values) {
	t.Helper()
	require.Equal(t, http.StatusFound, rec.Code)
	loc, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	return loc, loc.Query()
}

func TestConnectReturnsConsentURL(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.do(t, http.MethodPost, "/calendar/connect", ConnectRequest{UserID: "u1", ReturnURL: "/settings"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ConnectResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.NotEmpty(t, resp.State)

	authURL, err := url.Parse(resp.AuthURL)
	require.NoError(t, err)
	assert.Equal(t, "offline", authURL.Query().Get("access_type"))
	assert.Equal(t, "consent", authURL.Query().Get("prompt"))
	assert.Equal(t, resp.State, authURL.Query().Get("state"))

	state, err := security.DecodeState(resp.State)
	require.NoError(t, err)
	assert.Equal(t, "u1", state.UserID)
	assert.Equal(t, testBaseURL+"/settings", state.ReturnURL)
}

func TestConnectValidation(t *testing.T) {
	f := newAuthFixture(t)
	rec := f.do(t, http.MethodPost, "/calendar/connect", ConnectRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	unconfigured := mux.NewRouter()
	NewCalendarAuthHandler(security.NewTokenStore(newTestRedis(t), nil), nil, nil, testBaseURL).RegisterRoutes(unconfigured)
	req := httptest.NewRequest(http.MethodPost, "/calendar/connect", bytes.NewBufferString(`{"user_id":"u1"}`))
	rr := httptest.NewRecorder()
	unconfigured.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCallbackStoresTokenAndSyncs(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)
	_, state, err := f.tokens.GetAuthURL(ctx, "u1", testBaseURL+"/settings")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/calendar/callback?code=abc&state="+url.QueryEscape(state), nil)
	loc, q := redirectQuery(t, rec)
	assert.Equal(t, "/settings", loc.Path)
	assert.Equal(t, "true", q.Get("connected"))
	assert.Empty(t, q.Get("error"))

	record, err := f.tokens.GetToken(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", record.AccessToken)
	assert.Equal(t, "refresh-1", record.RefreshToken)
	assert.Equal(t, []string{"u1"}, f.syncer.calls)
}

func TestCallbackInitialSyncFailureStillConnects(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)
	f.syncer.err = errors.New("provider down")
	_, state, err := f.tokens.GetAuthURL(ctx, "u1", "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/calendar/callback?code=abc&state="+url.QueryEscape(state), nil)
	_, q := redirectQuery(t, rec)
	assert.Equal(t, "true", q.Get("connected"))
}

func TestCallbackUserCancelled(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)
	_, state, err := f.tokens.GetAuthURL(ctx, "u1", testBaseURL+"/settings")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/calendar/callback?error=access_denied&state="+url.QueryEscape(state), nil)
	loc, q := redirectQuery(t, rec)
	assert.Equal(t, "/settings", loc.Path)
	assert.Equal(t, "cancelled", q.Get("error"))
	assert.Empty(t, f.syncer.calls)

	_, err = f.tokens.GetToken(ctx, "u1")
	assert.ErrorIs(t, err, security.ErrNoValidToken)
}

func TestCallbackRejectsBadOrReplayedState(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	rec := f.do(t, http.MethodGet, "/calendar/callback?code=abc&state=garbage", nil)
	loc, q := redirectQuery(t, rec)
	assert.Equal(t, "app.local", loc.Host)
	assert.Equal(t, "invalid_state", q.Get("error"))

	_, state, err := f.tokens.GetAuthURL(ctx, "u1", "")
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/calendar/callback?code=abc&state="+url.QueryEscape(state), nil)
	_, q = redirectQuery(t, rec)
	require.Equal(t, "true", q.Get("connected"))

	rec = f.do(t, http.MethodGet, "/calendar/callback?code=abc&state="+url.QueryEscape(state), nil)
	_, q = redirectQuery(t, rec)
	assert.Equal(t, "invalid_state", q.Get("error"))
}

func TestCallbackExpiredStateReturnsToCaller(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	// well-formed state whose nonce was never stored or has expired
	expired, err := security.EncodeState(security.OAuthState{UserID: "u1", ReturnURL: testBaseURL + "/settings", Nonce: "gone"})
	require.NoError(t, err)
	rec := f.do(t, http.MethodGet, "/calendar/callback?code=abc&state="+url.QueryEscape(expired), nil)
	loc, q := redirectQuery(t, rec)
	assert.Equal(t, "app.local", loc.Host)
	assert.Equal(t, "/settings", loc.Path)
	assert.Equal(t, "invalid_state", q.Get("error"))

	_, state, err := f.tokens.GetAuthURL(ctx, "u1", testBaseURL+"/settings")
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/calendar/callback?code=abc&state="+url.QueryEscape(state), nil)
	_, q = redirectQuery(t, rec)
	require.Equal(t, "true", q.Get("connected"))

	rec = f.do(t, http.MethodGet, "/calendar/callback?code=abc&state="+url.QueryEscape(state), nil)
	loc, q = redirectQuery(t, rec)
	assert.Equal(t, "/settings", loc.Path, "replayed state still returns to its own page")
	assert.Equal(t, "invalid_state", q.Get("error"))

	foreign, err := security.EncodeState(security.OAuthState{UserID: "u1", ReturnURL: "https://evil.example/x", Nonce: "gone"})
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/calendar/callback?code=abc&state="+url.QueryEscape(foreign), nil)
	loc, _ = redirectQuery(t, rec)
	assert.Equal(t, "app.local", loc.Host)
}

func TestCallbackIgnoresForeignReturnURL(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)
	_, state, err := f.tokens.GetAuthURL(ctx, "u1", "https://evil.example/steal")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/calendar/callback?code=abc&state="+url.QueryEscape(state), nil)
	loc, _ := redirectQuery(t, rec)
	assert.Equal(t, "app.local", loc.Host)
}

func TestDisconnectChecksConnectionID(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)
	record, err := f.tokens.StoreToken(ctx, "u1", &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/calendar/disconnect", DisconnectRequest{UserID: "u1", ConnectionID: "other"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/calendar/disconnect", DisconnectRequest{UserID: "u1", ConnectionID: record.ConnectionID})
	require.Equal(t, http.StatusOK, rec.Code)

	_, err = f.tokens.GetToken(ctx, "u1")
	assert.ErrorIs(t, err, security.ErrNoValidToken)

	rec = f.do(t, http.MethodPost, "/calendar/disconnect", DisconnectRequest{UserID: "u1"})
	assert.Equal(t, http.StatusOK, rec.Code, "disconnect is idempotent")
}

func TestStatusReportsConnectionState(t *testing.T) {
	ctx := context.Background()
	f := newAuthFixture(t)

	decode := func(rec *httptest.ResponseRecorder) StatusResponse {
		require.Equal(t, http.StatusOK, rec.Code)
		var resp StatusResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		return resp
	}

	assert.Equal(t, statusDisconnected, decode(f.do(t, http.MethodGet, "/calendar/status?user_id=u1", nil)).Status)

	_, err := f.tokens.StoreToken(ctx, "u1", &oauth2.Token{AccessToken: "a", RefreshToken: "r", Expiry: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	f.syncer.last = &syncer.Result{UserID: "u1", Success: true, EventCount: 4}

	resp := decode(f.do(t, http.MethodGet, "/calendar/status?user_id=u1", nil))
	assert.Equal(t, statusConnected, resp.Status)
	assert.NotEmpty(t, resp.ConnectionID)
	require.NotNil(t, resp.ExpiresAt)
	require.NotNil(t, resp.LastSync)
	assert.Equal(t, 4, resp.LastSync.EventCount)

	f.syncer.last = &syncer.Result{UserID: "u1", Success: false, ErrorKind: "reconnect_required"}
	assert.Equal(t, statusError, decode(f.do(t, http.MethodGet, "/calendar/status?user_id=u1", nil)).Status)

	rec := f.do(t, http.MethodGet, "/calendar/status", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
