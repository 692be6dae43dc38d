package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTokenURL is the Elering SSO client-credentials token endpoint.
const DefaultTokenURL = "https://kc.elering.ee/realms/elering-sso/protocol/openid-connect/token"

// tokenExpiryMargin refreshes the token this long before it actually expires.
const tokenExpiryMargin = 30 * time.Second

// defaultExpiresIn is assumed when the token response omits expires_in.
const defaultExpiresIn = 300 * time.Second

// Credentials identify the client against the SSO endpoint. Immutable once
// configured.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

// TokenManager owns OAuth2 client-credentials token acquisition and
// expiry-based refresh. The cached token is replaced wholesale on refresh.
// The mutex is held across the exchange so concurrent callers observe at
// most one in-flight refresh.
type TokenManager struct {
	tokenURL string
	creds    Credentials
	client   *http.Client
	logger   *logrus.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewTokenManager builds a TokenManager against tokenURL. A nil httpClient
// gets a 30 s timeout default.
func NewTokenManager(tokenURL string, creds Credentials, httpClient *http.Client, logger *logrus.Logger) *TokenManager {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		tokenURL: tokenURL,
		creds:    creds,
		client:   httpClient,
		logger:   logger,
	}
}

// Token returns a valid access token, refreshing when the cached one is
// within the expiry margin. Secrets and tokens are never logged.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.token != "" && time.Now().Before(m.expiresAt) {
		return m.token, nil
	}

	m.logger.WithField("token_url", m.tokenURL).Debug("Requesting new access token")

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {m.creds.ClientID},
		"client_secret": {m.creds.ClientSecret},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &TransportError{URL: m.tokenURL, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(req)
	if err != nil {
		return "", &TransportError{URL: m.tokenURL, Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		m.logger.WithField("status", resp.StatusCode).
			Error("Authentication failed, verify client_id and client_secret")
		return "", &AuthError{Status: resp.StatusCode, Msg: string(body)}
	case resp.StatusCode != http.StatusOK:
		return "", &AuthError{Status: resp.StatusCode, Msg: string(body)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", &AuthError{Msg: "malformed token response: " + err.Error()}
	}
	if payload.AccessToken == "" {
		return "", &AuthError{Msg: "token response did not contain access_token"}
	}

	expiresIn := defaultExpiresIn
	if payload.ExpiresIn > 0 {
		expiresIn = time.Duration(payload.ExpiresIn) * time.Second
	}

	m.token = payload.AccessToken
	m.expiresAt = time.Now().Add(expiresIn - tokenExpiryMargin)

	m.logger.WithField("expires_in", expiresIn.Seconds()).
		Debug("Access token obtained")

	return m.token, nil
}

// Invalidate drops the cached token so the next Token call refreshes.
// Called once after a 401 from a data endpoint.
func (m *TokenManager) Invalidate() {
	m.mu.Lock()
	m.token = ""
	m.expiresAt = time.Time{}
	m.mu.Unlock()
}
