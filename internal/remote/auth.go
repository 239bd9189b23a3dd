package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// refreshBuffer is how close to expiry a cached token is still trusted
// without re-verification.
const refreshBuffer = 5 * time.Minute

// ErrNoSession is returned when no cached session exists. The caller
// must run the interactive sign-in flow.
var ErrNoSession = errors.New("remote: no cached session")

// PersistSessionFunc durably saves a refreshed session (or clears it
// when passed nil).
type PersistSessionFunc func(s *Session)

// AuthClient talks to the auth endpoints directly, outside the retry
// combinator: sign-in failures are user-facing and must not back off.
type AuthClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAuthClient creates an auth API client. apiKey may be empty for
// deployments that gate access on the session token alone.
func NewAuthClient(baseURL, apiKey string, httpClient *http.Client, logger *slog.Logger) *AuthClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &AuthClient{baseURL: baseURL, apiKey: apiKey, httpClient: httpClient, logger: logger}
}

// SignIn exchanges credentials for a session.
func (a *AuthClient) SignIn(ctx context.Context, email, password string) (*Session, error) {
	body := map[string]string{"email": email, "password": password}

	var session Session
	if err := a.post(ctx, "/auth/v1/token?grant_type=password", body, &session); err != nil {
		return nil, fmt.Errorf("remote: signing in: %w", err)
	}

	return &session, nil
}

// Refresh exchanges a refresh token for a fresh session. A replay
// rejection (token already used by another device) comes back as
// ErrTokenReplay and must not clear the cached session.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	body := map[string]string{"refresh_token": refreshToken}

	var session Session
	if err := a.post(ctx, "/auth/v1/token?grant_type=refresh_token", body, &session); err != nil {
		return nil, fmt.Errorf("remote: refreshing session: %w", err)
	}

	return &session, nil
}

// Verify asks the auth endpoint whether the access token is still
// accepted. Network-level failures are returned as-is so the caller can
// distinguish "unreachable" from "rejected".
func (a *AuthClient) Verify(ctx context.Context, accessToken string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return fmt.Errorf("remote: creating verify request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("User-Agent", userAgent)
	a.setAPIKey(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("remote: verify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return nil
	}

	return decodeAPIError(resp)
}

func (a *AuthClient) setAPIKey(req *http.Request) {
	if a.apiKey != "" {
		req.Header.Set("apikey", a.apiKey)
	}
}

func (a *AuthClient) post(ctx context.Context, path string, body any, out any) error {
	ctx, cancel := context.WithTimeout(ctx, bulkTimeout)
	defer cancel()

	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	a.setAPIKey(req)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		return json.NewDecoder(resp.Body).Decode(out)
	}

	return decodeAPIError(resp)
}

// TokenManager implements SessionSource over a cached session with the
// refresh-buffer policy: a token comfortably inside its lifetime is
// used as-is; inside the buffer it is verified against the auth
// endpoint, where an unreachable endpoint means "trust the cache" and
// only an explicit rejection triggers refresh or sign-out.
type TokenManager struct {
	auth    *AuthClient
	persist PersistSessionFunc
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	session *Session
}

// NewTokenManager creates a token manager seeded with the cached
// session, which may be nil when the device has never signed in.
func NewTokenManager(auth *AuthClient, cached *Session, persist PersistSessionFunc, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &TokenManager{
		auth:    auth,
		persist: persist,
		logger:  logger,
		nowFunc: time.Now,
		session: cached,
	}
}

// Token implements SessionSource.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return "", ErrNoSession
	}

	expiry, err := tokenExpiry(m.session.AccessToken)
	if err != nil {
		m.logger.Warn("cached token is not parseable, refreshing", slog.String("error", err.Error()))
		return m.refreshLocked(ctx)
	}

	remaining := expiry.Sub(m.nowFunc())
	if remaining > refreshBuffer {
		return m.session.AccessToken, nil
	}

	if remaining > 0 {
		// Inside the buffer: ask the server while the token still works.
		verifyErr := m.auth.Verify(ctx, m.session.AccessToken)
		if verifyErr == nil {
			return m.session.AccessToken, nil
		}

		if !errors.Is(verifyErr, ErrUnauthorized) {
			// Endpoint unreachable or flaky: the cache is the best we have.
			m.logger.Warn("token verify unreachable, trusting cache",
				slog.String("error", verifyErr.Error()),
			)

			return m.session.AccessToken, nil
		}
	}

	return m.refreshLocked(ctx)
}

// refreshLocked exchanges the refresh token. Caller holds m.mu.
func (m *TokenManager) refreshLocked(ctx context.Context) (string, error) {
	fresh, err := m.auth.Refresh(ctx, m.session.RefreshToken)
	if err != nil {
		if errors.Is(err, ErrTokenReplay) {
			// Another device won the refresh race. Keep the session: its
			// access token may still be accepted, and the next FullSync
			// will pick up the sibling's persisted session.
			m.logger.Warn("refresh token replay detected, keeping session")
			return m.session.AccessToken, nil
		}

		if IsAuthFatal(err) {
			m.logger.Info("session rejected, clearing cache")
			m.session = nil

			if m.persist != nil {
				m.persist(nil)
			}

			return "", fmt.Errorf("remote: session expired: %w", err)
		}

		return "", err
	}

	// Refresh responses do not always echo the tenant.
	if fresh.TenantID == "" {
		fresh.TenantID = m.session.TenantID
	}

	m.session = fresh
	if m.persist != nil {
		m.persist(fresh)
	}

	m.logger.Debug("session refreshed")

	return fresh.AccessToken, nil
}

// Session returns a copy of the current session, or nil when signed out.
func (m *TokenManager) Session() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil
	}

	copied := *m.session

	return &copied
}

// SetSession replaces the cached session (sign-in and sign-out paths).
func (m *TokenManager) SetSession(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.session = s
	if m.persist != nil {
		m.persist(s)
	}
}

// tokenExpiry extracts the expiry claim without verifying the
// signature. The server is the verifier; the client only needs the
// timestamp for scheduling.
func tokenExpiry(accessToken string) (time.Time, error) {
	claims := jwt.MapClaims{}

	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil {
		return time.Time{}, fmt.Errorf("parsing token: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("token has no expiry claim")
	}

	return exp.Time, nil
}
