package store

import "errors"

// ErrNotFound is returned by mutation paths that require an existing row
// (e.g. UpdateMeetingTranscript before the meeting has ever been ingested).
var ErrNotFound = errors.New("store: row not found")
