package security

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const stateTTL = 10 * time.Minute

// ErrInvalidState covers undecodable, unknown, expired or replayed states.
var ErrInvalidState = errors.New("invalid or expired state parameter")

// OAuthState travels through the provider consent redirect.
type OAuthState struct {
	UserID    string `json:"userId"`
	ReturnURL string `json:"returnUrl"`
	Nonce     string `json:"nonce"`
}

func stateKey(nonce string) string {
	return fmt.Sprintf("oauth_state:%s", nonce)
}

// EncodeState renders the state as base64url JSON.
func EncodeState(s OAuthState) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to marshal state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeState parses a state without checking its nonce. Padded and unpadded
// encodings are both accepted.
func DecodeState(state string) (*OAuthState, error) {
	state = strings.TrimSpace(state)
	if state == "" {
		return nil, ErrInvalidState
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(state, "="))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	var s OAuthState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if s.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrInvalidState)
	}
	return &s, nil
}

// GetAuthURL generates the consent URL. offline access plus prompt=consent
// makes the provider issue a refresh token on every connect.
func (ts *TokenStore) GetAuthURL(ctx context.Context, userID, returnURL string) (string, string, error) {
	if ts.oauthConfig == nil {
		return "", "", fmt.Errorf("OAuth config not set")
	}
	if strings.TrimSpace(userID) == "" {
		return "", "", fmt.Errorf("user id is required")
	}

	s := OAuthState{UserID: userID, ReturnURL: returnURL, Nonce: uuid.NewString()}
	state, err := EncodeState(s)
	if err != nil {
		return "", "", err
	}

	if err := ts.redisClient.Set(ctx, stateKey(s.Nonce), userID, stateTTL).Err(); err != nil {
		return "", "", fmt.Errorf("failed to store OAuth state: %w", err)
	}

	authURL := ts.oauthConfig.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	return authURL, state, nil
}

// ConsumeState decodes the state and burns its nonce. A state can be consumed once.
func (ts *TokenStore) ConsumeState(ctx context.Context, state string) (*OAuthState, error) {
	s, err := DecodeState(state)
	if err != nil {
		return nil, err
	}

	owner, err := ts.redisClient.GetDel(ctx, stateKey(s.Nonce)).Result()
	if err == redis.Nil {
		return s, ErrInvalidState
	} else if err != nil {
		return s, fmt.Errorf("failed to verify state: %w", err)
	}
	if owner != s.UserID {
		return s, fmt.Errorf("%w: user mismatch", ErrInvalidState)
	}
	return s, nil
}

// ExchangeCode trades the authorization code for tokens and stores them.
func (ts *TokenStore) ExchangeCode(ctx context.Context, userID, code string) (*OAuthToken, error) {
	if ts.oauthConfig == nil {
		return nil, fmt.Errorf("OAuth config not set")
	}
	token, err := ts.oauthConfig.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code for token: %w", err)
	}

	record, err := ts.StoreToken(ctx, userID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to store token: %w", err)
	}

	zap.S().Infof("Calendar connected for user %s", userID)
	return record, nil
}
