package git

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// GitHubAppAuth authenticates as a GitHub App installation. The app needs
// contents:read permission on the repositories it fetches.
type GitHubAppAuth struct {
	AppID          int64 `json:"appID"`
	InstallationID int64 `json:"installationID"`

	// PrivateKeyFile is a path to the app's PEM-encoded RSA private key.
	PrivateKeyFile string `json:"privateKeyFile"`

	// APIBaseURL overrides https://api.github.com for GitHub Enterprise.
	APIBaseURL string `json:"apiBaseURL,omitempty"`
}

// AppToken is an installation access token and its expiry.
type AppToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// appTokenClient bounds the token exchange; a hung GitHub API must not
// stall a reconciliation cycle indefinitely.
var appTokenClient = &http.Client{Timeout: 30 * time.Second}

// tokenCache keeps installation tokens until shortly before expiry so every
// reconciliation cycle does not cost a token exchange. GitHub issues tokens
// valid for one hour.
var tokenCache = struct {
	sync.Mutex
	entries map[string]AppToken
}{entries: make(map[string]AppToken)}

// ExchangeGitHubAppToken signs a short-lived app JWT with the private key
// and trades it for an installation access token.
func ExchangeGitHubAppToken(ctx context.Context, pemBytes []byte, appID, installationID int64, apiBaseURL string) (AppToken, error) {
	cacheKey := fmt.Sprintf("%d/%d", appID, installationID)
	tokenCache.Lock()
	cached, ok := tokenCache.entries[cacheKey]
	tokenCache.Unlock()
	if ok && time.Until(cached.ExpiresAt) > 2*time.Minute {
		return cached, nil
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return AppToken{}, fmt.Errorf("parsing GitHub App private key: %w", err)
	}

	// GitHub rejects JWTs issued in the future and caps validity at 10
	// minutes; back-date iat to absorb clock skew.
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
		Issuer:    strconv.FormatInt(appID, 10),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return AppToken{}, fmt.Errorf("signing GitHub App JWT: %w", err)
	}

	base := strings.TrimSuffix(apiBaseURL, "/")
	if base == "" {
		base = "https://api.github.com"
	}
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", base, installationID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return AppToken{}, fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := appTokenClient.Do(req)
	if err != nil {
		return AppToken{}, fmt.Errorf("requesting installation token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return AppToken{}, fmt.Errorf("installation token request returned %d: %s", resp.StatusCode, Redact(string(body)))
	}

	var token AppToken
	if err := json.NewDecoder(resp.Body).Decode(&token); err != nil {
		return AppToken{}, fmt.Errorf("decoding installation token response: %w", err)
	}

	tokenCache.Lock()
	tokenCache.entries[cacheKey] = token
	tokenCache.Unlock()
	return token, nil
}
