package githubapp

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func testPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test RSA key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal test RSA key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

func TestNewMinterRejectsMalformedPEM(t *testing.T) {
	if _, err := NewMinter(Credentials{PrivateKeyPEM: "not a pem"}); err == nil {
		t.Fatal("expected an error for malformed PEM")
	}
}

func TestTokenMintsAndCachesUntilExpiry(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			t.Errorf("expected a Bearer-authenticated JWT, got %q", r.Header.Get("Authorization"))
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"token":      "installation-token-1",
			"expires_at": "2099-01-01T00:00:00Z",
		})
	}))
	defer srv.Close()

	m, err := NewMinter(Credentials{AppID: "123", InstallationID: "456", PrivateKeyPEM: testPrivateKeyPEM(t)})
	if err != nil {
		t.Fatalf("NewMinter failed: %v", err)
	}
	m.baseURL = srv.URL

	tok, err := m.Token(t.Context())
	if err != nil {
		t.Fatalf("Token failed: %v", err)
	}
	if tok != "installation-token-1" {
		t.Errorf("expected installation-token-1, got %q", tok)
	}

	if _, err := m.Token(t.Context()); err != nil {
		t.Fatalf("second Token call failed: %v", err)
	}
	if requests != 1 {
		t.Errorf("expected the cached token to be reused without a second request, got %d requests", requests)
	}
}

func TestTokenPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("bad credentials"))
	}))
	defer srv.Close()

	m, err := NewMinter(Credentials{AppID: "123", InstallationID: "456", PrivateKeyPEM: testPrivateKeyPEM(t)})
	if err != nil {
		t.Fatalf("NewMinter failed: %v", err)
	}
	m.baseURL = srv.URL

	if _, err := m.Token(t.Context()); err == nil {
		t.Fatal("expected an error when GitHub rejects the token request")
	}
}
