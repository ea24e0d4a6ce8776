// Package githubapp mints short-lived GitHub App installation tokens
// (spec.md §4.3 "Token lifecycle"), grounded on the GitHub bot provider
// in the example pack's diane-assistant-diane repo: sign a JWT as the
// App, exchange it for an installation access token, and cache the
// result until shortly before it expires.
package githubapp

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const userAgent = "agent-acp-bridge"

// Credentials identifies one GitHub App installation. AppID and
// InstallationID come from GITHUB_APP_ID/GITHUB_INSTALLATION_ID;
// PrivateKeyPEM is the raw PEM content of GITHUB_PRIVATE_KEY (not a
// path — the bridge reads secrets from the environment, never disk).
type Credentials struct {
	AppID          string
	InstallationID string
	PrivateKeyPEM  string
}

// Minter mints and caches GitHub App installation tokens for one set
// of Credentials. Safe for concurrent use.
type Minter struct {
	creds      Credentials
	privateKey *rsa.PrivateKey
	httpClient *http.Client
	baseURL    string // overridden in tests; defaults to the real GitHub API

	mu          sync.Mutex
	cachedToken string
	tokenExpiry time.Time
}

// NewMinter parses creds.PrivateKeyPEM once up front so a malformed key
// fails at construction time rather than on first use.
func NewMinter(creds Credentials) (*Minter, error) {
	block, _ := pem.Decode([]byte(creds.PrivateKeyPEM))
	if block == nil {
		return nil, fmt.Errorf("failed to decode GitHub App private key PEM")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse GitHub App private key: %w", err)
		}
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("GitHub App private key is not an RSA key")
	}

	return &Minter{
		creds:      creds,
		privateKey: rsaKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    "https://api.github.com",
	}, nil
}

// Token returns a valid installation access token, minting a fresh one
// if the cached token is missing or close to expiry.
func (m *Minter) Token(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cachedToken != "" && time.Now().Before(m.tokenExpiry) {
		return m.cachedToken, nil
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Add(-60 * time.Second).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": m.creds.AppID,
	}
	jwtToken, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign GitHub App JWT: %w", err)
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", m.baseURL, m.creds.InstallationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+jwtToken)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("failed to request installation token: %s: %s", resp.Status, string(body))
	}

	var result struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to parse installation token response: %w", err)
	}

	m.cachedToken = result.Token
	m.tokenExpiry = time.Now().Add(55 * time.Minute)
	return m.cachedToken, nil
}
