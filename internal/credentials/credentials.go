// Package credentials implements the Credential Store (C2): per-user,
// per-service token lifecycle — read, refresh, invalidate — with a
// Redis-backed distributed lock so concurrent orchestrator replicas never
// refresh the same credential twice.
package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	tsicerrs "github.com/tsic/core/internal/errs"
	"github.com/tsic/core/internal/model"
)

const (
	minRemainingLifetime = 60 * time.Second
	refreshThreshold     = 5 * time.Minute
)

// Refresher performs the auth_type-specific refresh protocol of §4.2 for a
// single credential and returns the fields that changed.
type Refresher interface {
	// Refresh exchanges the current credential for a new access token. It
	// must not mutate cred; the caller persists the result.
	Refresh(ctx context.Context, cred model.IntegrationCredential) (RefreshResult, error)
}

// RefreshResult carries the fields a Refresher is allowed to update.
type RefreshResult struct {
	AccessToken    []byte
	RefreshToken   []byte // nil: keep existing
	TokenExpiresAt time.Time
}

// Lock serializes refreshes for a given (user, service) pair across
// process restarts and replicas.
type Lock interface {
	// Acquire blocks until the lock is held or ctx is done, returning a
	// release function. Implementations should use a short TTL so a crashed
	// holder cannot wedge the lock forever.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Store is the subset of store.Store the Credential Store depends on.
type Store interface {
	GetCredential(ctx context.Context, userID string, service model.ServiceName) (model.IntegrationCredential, bool, error)
	PutCredential(ctx context.Context, cred model.IntegrationCredential) error
	DeleteCredential(ctx context.Context, userID string, service model.ServiceName) error
}

// InvalidationPublisher is implemented by the event bus (C10).
type InvalidationPublisher interface {
	PublishCredentialInvalidated(ctx context.Context, userID string, service model.ServiceName, reason string)
}

// Service is the C2 Credential Store.
type Service struct {
	store      Store
	lock       Lock
	refreshers map[model.ServiceName]Refresher
	events     InvalidationPublisher
	log        zerolog.Logger

	sleep func(time.Duration) // overridden in tests
}

// New constructs a Credential Store. refreshers maps each ServiceName to the
// Refresher that knows its auth_type-specific protocol.
func New(st Store, lock Lock, refreshers map[model.ServiceName]Refresher, events InvalidationPublisher, log zerolog.Logger) *Service {
	return &Service{
		store:      st,
		lock:       lock,
		refreshers: refreshers,
		events:     events,
		log:        log,
		sleep:      time.Sleep,
	}
}

// GetAccessToken returns a token valid for at least 60 seconds, refreshing
// via the configured Refresher when the stored token has less than 5
// minutes of remaining lifetime (§4.2).
func (s *Service) GetAccessToken(ctx context.Context, userID string, service model.ServiceName) ([]byte, error) {
	cred, found, err := s.store.GetCredential(ctx, userID, service)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "credentials.GetAccessToken", err)
	}
	if !found {
		return nil, tsicerrs.New(tsicerrs.CredentialMissing, "credentials.GetAccessToken", nil)
	}
	if cred.AuthType == model.AuthPersonalToken {
		return cred.AccessToken, nil
	}
	if time.Until(cred.TokenExpiresAt) > refreshThreshold {
		return cred.AccessToken, nil
	}

	lockKey := "tsic:cred-refresh:" + userID + ":" + string(service)
	release, err := s.lock.Acquire(ctx, lockKey, 30*time.Second)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.CredentialRefreshFailed, "credentials.GetAccessToken", err)
	}
	defer release()

	// Another replica may have refreshed while we waited for the lock.
	cred, found, err = s.store.GetCredential(ctx, userID, service)
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "credentials.GetAccessToken", err)
	}
	if !found {
		return nil, tsicerrs.New(tsicerrs.CredentialMissing, "credentials.GetAccessToken", nil)
	}
	if time.Until(cred.TokenExpiresAt) > refreshThreshold {
		return cred.AccessToken, nil
	}

	return s.refresh(ctx, cred)
}

// Invalidate deletes the stored credential and emits credential-invalidated.
// Called by C3 on a 401/invalid_grant refresh failure or a 410 Gone from the
// issues provider.
func (s *Service) Invalidate(ctx context.Context, userID string, service model.ServiceName, reason string) error {
	if err := s.store.DeleteCredential(ctx, userID, service); err != nil {
		return tsicerrs.New(tsicerrs.StoreUnavailable, "credentials.Invalidate", err)
	}
	if s.events != nil {
		s.events.PublishCredentialInvalidated(ctx, userID, service, reason)
	}
	return nil
}

func (s *Service) refresh(ctx context.Context, cred model.IntegrationCredential) ([]byte, error) {
	refresher, ok := s.refreshers[cred.Service]
	if !ok {
		return nil, tsicerrs.New(tsicerrs.InternalInvariantViolated, "credentials.refresh", nil)
	}

	var result RefreshResult
	var err error
	backoffs := []time.Duration{0, time.Second, 2 * time.Second}
	for attempt, wait := range backoffs {
		if wait > 0 {
			s.sleep(wait)
		}
		result, err = refresher.Refresh(ctx, cred)
		if err == nil {
			break
		}
		if IsInvalidGrant(err) {
			s.log.Warn().Str("user_id", cred.UserID).Str("service", string(cred.Service)).Msg("credential refresh rejected, invalidating")
			if invErr := s.Invalidate(ctx, cred.UserID, cred.Service, "invalid_grant"); invErr != nil {
				return nil, invErr
			}
			return nil, tsicerrs.New(tsicerrs.CredentialInvalidated, "credentials.refresh", err)
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Str("service", string(cred.Service)).Msg("credential refresh attempt failed")
	}
	if err != nil {
		return nil, tsicerrs.New(tsicerrs.CredentialRefreshFailed, "credentials.refresh", err)
	}

	cred.AccessToken = result.AccessToken
	cred.TokenExpiresAt = result.TokenExpiresAt
	if result.RefreshToken != nil {
		cred.RefreshToken = result.RefreshToken
	}
	if err := s.store.PutCredential(ctx, cred); err != nil {
		return nil, tsicerrs.New(tsicerrs.StoreUnavailable, "credentials.refresh", err)
	}
	return cred.AccessToken, nil
}

// grantError marks a refresh failure as a terminal invalid_grant/401
// response rather than a transient network/5xx error.
type grantError struct{ err error }

func (g grantError) Error() string { return g.err.Error() }
func (g grantError) Unwrap() error { return g.err }

// NewInvalidGrantError wraps err so the refresh loop treats it as terminal
// (credential deleted, no retry) instead of transient.
func NewInvalidGrantError(err error) error { return grantError{err: err} }

// IsInvalidGrant reports whether err originated from NewInvalidGrantError.
func IsInvalidGrant(err error) bool {
	var g grantError
	return errors.As(err, &g)
}
