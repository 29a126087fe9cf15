package bank

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/imobia/cobranca-engine/internal/domain"
	"github.com/imobia/cobranca-engine/internal/infra/cache"
)

// tokenCache serializes OAuth token refresh per credential so a stampede of
// workers collapses to a single upstream refresh.
type tokenCache struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newTokenCache() *tokenCache {
	return &tokenCache{locks: make(map[string]*sync.Mutex)}
}

func (t *tokenCache) lockFor(credID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[credID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[credID] = l
	}
	return l
}

// token returns a valid access token for the credential, refreshing it when
// absent or expiring within the safety margin. A refresh failure is fatal
// for the current call but does not poison the cache; the next call tries
// again.
func (c *Client) token(ctx context.Context, cred *domain.BankCredential) (string, error) {
	now := time.Now()
	if cred.TokenValid(now, c.tokenMargin) {
		return cred.AccessToken, nil
	}

	lock := c.tokens.lockFor(cred.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another worker may have refreshed while we waited on the lock.
	if fresh, err := c.credStore.GetCredential(ctx, cred.ID); err == nil {
		if fresh.TokenValid(now, c.tokenMargin) {
			cred.AccessToken = fresh.AccessToken
			cred.TokenExpires = fresh.TokenExpires
			return cred.AccessToken, nil
		}
	}

	token, expires, err := c.requestToken(ctx, cred)
	if err != nil {
		c.metrics.IncrTokenRefresh("error")
		return "", err
	}
	c.metrics.IncrTokenRefresh("success")

	cred.AccessToken = token
	cred.TokenExpires = expires
	if err := c.credStore.UpdateCredentialToken(ctx, cred.ID, token, expires); err != nil {
		// The token is still valid for this call; losing the cache write
		// only costs an extra refresh later.
		c.logger.Warn("bank: failed to persist token cache",
			zap.String("credential_id", cred.ID),
			zap.Error(err),
		)
	}

	c.logger.Info("bank: token refreshed",
		zap.String("credential_id", cred.ID),
		zap.Time("expires_at", expires),
	)
	return token, nil
}

// requestToken runs the OAuth2 client-credentials flow over mTLS.
func (c *Client) requestToken(ctx context.Context, cred *domain.BankCredential) (string, time.Time, error) {
	if cred.ClientID == "" || cred.ClientSecret == "" {
		return "", time.Time{}, &domain.ErrAuth{Credential: cred.ID, Message: "client id/secret not configured"}
	}
	if !cred.CertValid(time.Now()) {
		return "", time.Time{}, &domain.ErrAuth{Credential: cred.ID, Message: "certificate expired"}
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", cred.ClientID)
	form.Set("client_secret", cred.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cred.AuthURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", time.Time{}, &domain.ErrAuth{Credential: cred.ID, Message: err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	httpClient, err := c.mtlsClients.clientFor(cred)
	if err != nil {
		return "", time.Time{}, &domain.ErrAuth{Credential: cred.ID, Message: err.Error()}
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, &domain.ErrTransient{Operation: "token", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", time.Time{}, &domain.ErrTransient{Operation: "token", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return "", time.Time{}, &domain.ErrTransient{Operation: "token", Err: fmt.Errorf("auth endpoint returned %d", resp.StatusCode)}
		}
		return "", time.Time{}, &domain.ErrAuth{Credential: cred.ID, Message: extractErrorMessage(body)}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", time.Time{}, &domain.ErrAuth{Credential: cred.ID, Message: "malformed token response"}
	}
	if tok.AccessToken == "" {
		return "", time.Time{}, &domain.ErrAuth{Credential: cred.ID, Message: "empty access token"}
	}

	expiresIn := tok.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = 900
	}

	return tok.AccessToken, time.Now().Add(time.Duration(expiresIn) * time.Second), nil
}

// mtlsClientCache builds and caches one HTTP client per credential with its
// client certificate loaded. Certificates rotate rarely, so a TTL cache is
// enough.
type mtlsClientCache struct {
	timeout time.Duration
	clients *cache.InMemory[*http.Client]
}

func newMTLSClientCache(timeout time.Duration) *mtlsClientCache {
	return &mtlsClientCache{
		timeout: timeout,
		clients: cache.New[*http.Client](30 * time.Minute),
	}
}

// clientFor returns the mTLS-configured client for the credential. When no
// certificate is configured (sandbox), the plain client is used.
func (m *mtlsClientCache) clientFor(cred *domain.BankCredential) (*http.Client, error) {
	if client, ok := m.clients.Get(cred.ID); ok {
		return client, nil
	}

	client := &http.Client{Timeout: m.timeout}
	if cred.CertPath != "" {
		pair, err := tls.LoadX509KeyPair(cred.CertPath, cred.CertPath)
		if err != nil {
			return nil, fmt.Errorf("loading client certificate: %w", err)
		}
		client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{pair},
				MinVersion:   tls.VersionTLS12,
			},
		}
	}

	m.clients.Set(cred.ID, client)
	return client, nil
}
