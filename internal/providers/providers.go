// Package providers defines the common shape shared by the three external
// clients (Calendar, Issues, Code Host): each calls the Credential Store for
// a bearer token and retries the underlying HTTP call exactly once on a 401
// response, after a second token lookup. That lookup does not force a
// refresh: it returns the stored token unless the token is within the
// Credential Store's refresh threshold.
package providers

import (
	"context"
	"io"
	"net/http"
	"time"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/model"
)

// DefaultRequestTimeout is the 30 s default HTTP deadline from §5.
const DefaultRequestTimeout = 30 * time.Second

// TokenSource is the subset of the Credential Store a provider client needs.
type TokenSource interface {
	GetAccessToken(ctx context.Context, userID string, service model.ServiceName) ([]byte, error)
}

// Invalidator lets a provider client request credential deletion on a
// provider-specific unrecoverable response (e.g. 410 Gone from the issues
// provider).
type Invalidator interface {
	Invalidate(ctx context.Context, userID string, service model.ServiceName, reason string) error
}

// Authorize sets the Authorization header (and any provider-specific
// headers) on req given a bearer token.
type Authorize func(req *http.Request, token []byte)

// BearerAuthorize is the common "Authorization: Bearer <token>" shape used
// by all three providers.
func BearerAuthorize(req *http.Request, token []byte) {
	req.Header.Set("Authorization", "Bearer "+string(token))
}

// DoAuthed issues a request built by buildReq and, if the first attempt
// returns 401, retries once with a second GetAccessToken call (§4.3). A 401
// alone does not force a refresh; the second call refreshes only when the
// stored token is within the refresh threshold. buildReq is called up to
// twice since an *http.Request cannot be replayed.
func DoAuthed(ctx context.Context, client *http.Client, tokens TokenSource, userID string, service model.ServiceName, buildReq func() (*http.Request, error), authorize Authorize) (*http.Response, error) {
	resp, err := attempt(ctx, client, tokens, userID, service, buildReq, authorize)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	resp.Body.Close()
	return attempt(ctx, client, tokens, userID, service, buildReq, authorize)
}

func attempt(ctx context.Context, client *http.Client, tokens TokenSource, userID string, service model.ServiceName, buildReq func() (*http.Request, error), authorize Authorize) (*http.Response, error) {
	tok, err := tokens.GetAccessToken(ctx, userID, service)
	if err != nil {
		return nil, err
	}
	req, err := buildReq()
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.InternalInvariantViolated, "providers.DoAuthed", err)
	}
	authorize(req, tok)
	resp, err := client.Do(req)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.ProviderTransient, "providers.DoAuthed", err)
	}
	return resp, nil
}

// ReadBody drains resp.Body, classifying non-2xx statuses into the §7
// taxonomy, and returns the raw bytes on success.
func ReadBody(op string, resp *http.Response) ([]byte, error) {
	if err := classifyStatus(op, resp); err != nil {
		return nil, err
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.ProviderTransient, op, err)
	}
	return body, nil
}

func classifyStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return tsicerrs.New(tsicerrs.ProviderNotFound, op, nil)
	case resp.StatusCode == http.StatusForbidden:
		return tsicerrs.New(tsicerrs.ProviderPermission, op, nil)
	case resp.StatusCode == http.StatusGone:
		return tsicerrs.New(tsicerrs.ProviderNotFound, op, nil)
	case resp.StatusCode >= 500:
		return tsicerrs.New(tsicerrs.ProviderTransient, op, nil)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return tsicerrs.New(tsicerrs.ParseFailure, op, errStatus{code: resp.StatusCode, body: string(body)})
	}
}

type errStatus struct {
	code int
	body string
}

func (e errStatus) Error() string {
	return "unexpected status " + http.StatusText(e.code) + ": " + e.body
}

// NewHTTPClient builds the shared-shape client every provider client uses.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: DefaultRequestTimeout}
}
