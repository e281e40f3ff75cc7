package server

import "errors"

var (
	// ErrUnknownFrameType is reported to a client that sends a frame whose
	// type tag is not recognized. The connection stays open.
	ErrUnknownFrameType = errors.New("unknown frame type")
	// ErrInvalidFrame is reported for frames that fail validation.
	ErrInvalidFrame = errors.New("invalid frame")
	// ErrRateLimited is reported when a connection exceeds its inbound budget.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrConnectionClosed is returned by sends on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrPersistence wraps failures to store a message or its delivery record.
	ErrPersistence = errors.New("persistence failure")
	// ErrNoLiveConnection is returned when no connection of a user accepted a frame.
	ErrNoLiveConnection = errors.New("no live connection")
	// ErrRetryExhausted marks a push record that reached the retry bound.
	ErrRetryExhausted = errors.New("push retries exhausted")
)
