package credentials

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tsic/core/internal/model"
)

// AppInstallationRefresher implements the app_installation auth protocol:
// mint a short-lived RS256 JWT from the app's private key and exchange it
// for an installation access token at the code host's installation-token
// endpoint. One instance is shared across every user's code-host
// credential, so the installation id is read from each credential's
// metadata rather than fixed at construction.
type AppInstallationRefresher struct {
	AppID          string
	PrivateKey     *rsa.PrivateKey
	TokenURLFormat string // e.g. https://api.github.com/app/installations/%s/access_tokens
	HTTPClient     *http.Client
}

func (r *AppInstallationRefresher) Refresh(ctx context.Context, cred model.IntegrationCredential) (RefreshResult, error) {
	installationID, _ := cred.Metadata["installation_id"].(string)
	if installationID == "" {
		return RefreshResult{}, fmt.Errorf("app installation refresh: credential metadata missing installation_id")
	}

	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(600 * time.Second)),
		Issuer:    r.AppID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(r.PrivateKey)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("app installation jwt: %w", err)
	}

	tokenURL := strings.Replace(r.TokenURLFormat, "%s", installationID, 1)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(nil))
	if err != nil {
		return RefreshResult{}, fmt.Errorf("app installation token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")

	client := r.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return RefreshResult{}, fmt.Errorf("app installation token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusNotFound {
		return RefreshResult{}, NewInvalidGrantError(fmt.Errorf("app installation token exchange: status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return RefreshResult{}, fmt.Errorf("app installation token exchange: status %d", resp.StatusCode)
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return RefreshResult{}, fmt.Errorf("app installation token decode: %w", err)
	}

	// Store the real expiry: GetAccessToken's 5-minute refresh threshold
	// keeps the token cached until 5 minutes before it.
	return RefreshResult{
		AccessToken:    []byte(payload.Token),
		TokenExpiresAt: payload.ExpiresAt,
	}, nil
}
