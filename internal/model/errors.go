package model

import "errors"

var (
	ErrMissingExpiry       = errors.New("model: token_expires_at is required")
	ErrMissingRefreshToken = errors.New("model: refresh_token is required for oauth auth types")
)
