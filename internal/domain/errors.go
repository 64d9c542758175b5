package domain

import "errors"

var (
	// ErrNotFound is returned when an operation references an unknown conversation.
	ErrNotFound = errors.New("conversation not found")

	// ErrSendFailed is returned when an outbound or notification call failed.
	// State is left as if the action never happened.
	ErrSendFailed = errors.New("send failed")

	// ErrTokenMismatch is returned when a confirmation token is missing or wrong.
	ErrTokenMismatch = errors.New("confirmation token mismatch")

	// ErrBusy is returned when a sweep is triggered while a previous run is in progress.
	ErrBusy = errors.New("sweep already running")

	// ErrInvalidRecord is returned when a conversation record violates its invariants.
	ErrInvalidRecord = errors.New("invalid conversation record")
)
