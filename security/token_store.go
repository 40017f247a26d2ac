package security

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"

	"renko-cloud/metrics"
)

// Calendar scopes: read events, create events
var CalendarScopes = []string{
	calendar.CalendarReadonlyScope,
	calendar.CalendarEventsScope,
}

// ExpiryBuffer is how far ahead of expiresAt a token is already treated as expired.
const ExpiryBuffer = 5 * time.Minute

const tokenKeyPrefix = "oauth_token:"

// ErrNoValidToken means the user has no usable credential and must re-authorize
// (or wait for a transient refresh failure to clear).
var ErrNoValidToken = errors.New("no valid calendar token")

// ErrConnectionMismatch is returned by DeleteToken when the caller names a
// connection other than the stored one.
var ErrConnectionMismatch = errors.New("connection id does not match stored connection")

// RefreshKind tells the user whether to reconnect or simply retry later.
type RefreshKind string

const (
	RefreshReconnectRequired RefreshKind = "reconnect_required"
	RefreshTemporary         RefreshKind = "temporary"
)

// RefreshError is returned when the refresh_token grant fails. It matches
// ErrNoValidToken under errors.Is.
type RefreshError struct {
	UserID string
	Kind   RefreshKind
	Err    error
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token refresh failed for user %s (%s): %v", e.UserID, e.Kind, e.Err)
}

func (e *RefreshError) Unwrap() error { return e.Err }

func (e *RefreshError) Is(target error) bool { return target == ErrNoValidToken }

// KindOf extracts the refresh failure kind, or "" when err is not a refresh failure.
func KindOf(err error) RefreshKind {
	var re *RefreshError
	if errors.As(err, &re) {
		return re.Kind
	}
	return ""
}

// OAuthToken is the persisted credential record, one per user.
type OAuthToken struct {
	UserID       string `json:"user_id"`
	ConnectionID string `json:"connection_id"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	// ExpiresAt is epoch milliseconds.
	ExpiresAt int64     `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expiry returns ExpiresAt as a time.
func (t *OAuthToken) Expiry() time.Time {
	return time.UnixMilli(t.ExpiresAt)
}

// Usable reports whether the token is still valid past the safety buffer at now.
func (t *OAuthToken) Usable(now time.Time) bool {
	return t.AccessToken != "" && t.Expiry().After(now.Add(ExpiryBuffer))
}

func (t *OAuthToken) oauth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
		Expiry:       t.Expiry(),
	}
}

// TokenStore persists per-user calendar OAuth tokens in Redis and hands out
// valid access tokens, refreshing them through the provider when needed.
type TokenStore struct {
	redisClient *redis.Client
	oauthConfig *oauth2.Config
	metrics     *metrics.Metrics
	now         func() time.Time
}

// NewTokenStore creates a token store. oauthConfig may be nil when Google
// credentials are not configured; refresh and consent then fail.
func NewTokenStore(redisClient *redis.Client, oauthConfig *oauth2.Config) *TokenStore {
	return &TokenStore{
		redisClient: redisClient,
		oauthConfig: oauthConfig,
		now:         time.Now,
	}
}

// NewGoogleOAuthConfig builds the calendar OAuth client config.
func NewGoogleOAuthConfig(clientID, clientSecret, redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Scopes:       CalendarScopes,
		Endpoint:     google.Endpoint,
	}
}

// WithMetrics attaches refresh counters.
func (ts *TokenStore) WithMetrics(m *metrics.Metrics) *TokenStore {
	ts.metrics = m
	return ts
}

// OAuthConfig returns the OAuth client config, which may be nil.
func (ts *TokenStore) OAuthConfig() *oauth2.Config {
	return ts.oauthConfig
}

func tokenKey(userID string) string {
	return fmt.Sprintf("%s%s:calendar", tokenKeyPrefix, userID)
}

// StoreToken replaces the user's token record. A missing refresh token in the
// new grant keeps the previously stored one, since providers need not rotate it.
func (ts *TokenStore) StoreToken(ctx context.Context, userID string, token *oauth2.Token) (*OAuthToken, error) {
	if token == nil {
		return nil, fmt.Errorf("token cannot be nil")
	}
	if strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("user id is required")
	}

	now := ts.now()
	record := &OAuthToken{
		UserID:       userID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry.UnixMilli(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	existing, err := ts.GetToken(ctx, userID)
	switch {
	case err == nil:
		record.CreatedAt = existing.CreatedAt
		record.ConnectionID = existing.ConnectionID
		if record.RefreshToken == "" {
			record.RefreshToken = existing.RefreshToken
		}
	case errors.Is(err, ErrNoValidToken):
	default:
		return nil, err
	}
	if record.ConnectionID == "" {
		record.ConnectionID = uuid.NewString()
	}

	if err := ts.save(ctx, record); err != nil {
		return nil, err
	}

	zap.S().Infof("Stored calendar OAuth token for user %s (connection %s)", userID, record.ConnectionID)
	return record, nil
}

func (ts *TokenStore) save(ctx context.Context, record *OAuthToken) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal token record: %w", err)
	}
	if err := ts.redisClient.Set(ctx, tokenKey(record.UserID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to store token in Redis: %w", err)
	}
	return nil
}

// GetToken loads the stored record. A missing record yields ErrNoValidToken.
func (ts *TokenStore) GetToken(ctx context.Context, userID string) (*OAuthToken, error) {
	data, err := ts.redisClient.Get(ctx, tokenKey(userID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: no token stored for user %s", ErrNoValidToken, userID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to retrieve token: %w", err)
	}

	var record OAuthToken
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token record: %w", err)
	}
	return &record, nil
}

// DeleteToken removes the user's token. A non-empty connectionID must match
// the stored record.
func (ts *TokenStore) DeleteToken(ctx context.Context, userID, connectionID string) error {
	if connectionID != "" {
		existing, err := ts.GetToken(ctx, userID)
		if err != nil {
			return err
		}
		if existing.ConnectionID != "" && existing.ConnectionID != connectionID {
			return fmt.Errorf("%w: user %s", ErrConnectionMismatch, userID)
		}
	}

	if err := ts.redisClient.Del(ctx, tokenKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete token: %w", err)
	}

	zap.S().Infof("Deleted calendar OAuth token for user %s", userID)
	return nil
}

// ListConnectedUsers returns every user with a stored calendar token.
func (ts *TokenStore) ListConnectedUsers(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var users []string

	iter := ts.redisClient.Scan(ctx, 0, tokenKeyPrefix+"*:calendar", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID := strings.TrimSuffix(strings.TrimPrefix(key, tokenKeyPrefix), ":calendar")
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		users = append(users, userID)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan token keys: %w", err)
	}
	return users, nil
}

// GetValidAccessToken returns an access token that stays valid for at least
// ExpiryBuffer, refreshing and persisting it first when needed. Any failure to
// produce one matches ErrNoValidToken; the stale record is left in place.
func (ts *TokenStore) GetValidAccessToken(ctx context.Context, userID string) (string, error) {
	record, err := ts.GetToken(ctx, userID)
	if err != nil {
		return "", err
	}

	if record.Usable(ts.now()) {
		return record.AccessToken, nil
	}

	zap.S().Infof("Token expiring for user %s, refreshing...", userID)
	refreshed, err := ts.refresh(ctx, record)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh refreshes regardless of the stored expiry. Used after the
// provider rejected a token that looked valid locally.
func (ts *TokenStore) ForceRefresh(ctx context.Context, userID string) (string, error) {
	record, err := ts.GetToken(ctx, userID)
	if err != nil {
		return "", err
	}
	refreshed, err := ts.refresh(ctx, record)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

func (ts *TokenStore) refresh(ctx context.Context, record *OAuthToken) (*OAuthToken, error) {
	if ts.oauthConfig == nil {
		return nil, ts.refreshFailed(record.UserID, RefreshTemporary, fmt.Errorf("OAuth config not set"))
	}
	if record.RefreshToken == "" {
		return nil, ts.refreshFailed(record.UserID, RefreshReconnectRequired, fmt.Errorf("no refresh token stored"))
	}

	current := record.oauth2Token()
	// The oauth2 token source only refreshes tokens it considers expired.
	current.Expiry = ts.now().Add(-time.Minute)

	newToken, err := ts.oauthConfig.TokenSource(ctx, current).Token()
	if err != nil {
		return nil, ts.refreshFailed(record.UserID, classifyRefreshError(err), err)
	}

	updated := *record
	updated.AccessToken = newToken.AccessToken
	updated.TokenType = newToken.TokenType
	updated.ExpiresAt = newToken.Expiry.UnixMilli()
	updated.UpdatedAt = ts.now()
	if newToken.RefreshToken != "" {
		updated.RefreshToken = newToken.RefreshToken
	}

	if err := ts.save(ctx, &updated); err != nil {
		ts.metrics.RecordTokenRefresh("store_error")
		return nil, fmt.Errorf("failed to store refreshed token: %w", err)
	}

	ts.metrics.RecordTokenRefresh("success")
	zap.S().Infof("Refreshed calendar OAuth token for user %s", record.UserID)
	return &updated, nil
}

func (ts *TokenStore) refreshFailed(userID string, kind RefreshKind, err error) error {
	ts.metrics.RecordTokenRefresh(string(kind))
	zap.S().Warnf("Token refresh failed user=%s kind=%s: %v", userID, kind, err)
	return &RefreshError{UserID: userID, Kind: kind, Err: err}
}

func classifyRefreshError(err error) RefreshKind {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" || re.ErrorCode == "unauthorized_client" {
			return RefreshReconnectRequired
		}
	}
	return RefreshTemporary
}
