package credentials

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/tsic/core/internal/model"
)

// OAuthRefresher implements the oauth_pkce/oauth_secret refresh protocol of
// §4.2: POST refresh_token to the provider's token endpoint.
type OAuthRefresher struct {
	config *oauth2.Config
}

// NewOAuthRefresher builds a refresher bound to a provider's token endpoint.
func NewOAuthRefresher(clientID, clientSecret, tokenURL string) *OAuthRefresher {
	return &OAuthRefresher{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
		},
	}
}

func (r *OAuthRefresher) Refresh(ctx context.Context, cred model.IntegrationCredential) (RefreshResult, error) {
	if len(cred.RefreshToken) == 0 {
		return RefreshResult{}, fmt.Errorf("oauth refresh: no refresh_token on credential")
	}
	src := r.config.TokenSource(ctx, &oauth2.Token{RefreshToken: string(cred.RefreshToken)})
	tok, err := src.Token()
	if err != nil {
		if isInvalidGrantResponse(err) {
			return RefreshResult{}, NewInvalidGrantError(err)
		}
		return RefreshResult{}, fmt.Errorf("oauth refresh: %w", err)
	}
	result := RefreshResult{
		AccessToken:    []byte(tok.AccessToken),
		TokenExpiresAt: tok.Expiry,
	}
	if tok.RefreshToken != "" && tok.RefreshToken != string(cred.RefreshToken) {
		result.RefreshToken = []byte(tok.RefreshToken)
	}
	return result, nil
}

func isInvalidGrantResponse(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid_grant") || strings.Contains(msg, "401")
}

// PersonalTokenRefresher implements the personal_token protocol: no refresh,
// the stored token is returned as-is with its expiry pushed out so the
// Credential Store never attempts to re-refresh it.
type PersonalTokenRefresher struct{}

func (PersonalTokenRefresher) Refresh(_ context.Context, cred model.IntegrationCredential) (RefreshResult, error) {
	return RefreshResult{
		AccessToken:    cred.AccessToken,
		TokenExpiresAt: time.Now().Add(24 * 365 * time.Hour),
	}, nil
}
