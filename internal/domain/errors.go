package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest signals malformed or missing input.
	ErrBadRequest = errors.New("bad request")
	// ErrUnauthorized signals a missing or invalid API key.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAccountNotFound signals a missing account record.
	ErrAccountNotFound = errors.New("account not found")
	// ErrInsufficientTokens signals an entitlement gate failure.
	ErrInsufficientTokens = errors.New("insufficient tokens")
	// ErrNoActiveConnection signals a send with no registered event stream.
	ErrNoActiveConnection = errors.New("no active connection")
	// ErrProvider signals a completion provider failure.
	ErrProvider = errors.New("completion provider error")
	// ErrSendInFlight signals a send attempted while another is still running.
	ErrSendInFlight = errors.New("send already in flight")
	// ErrConnectionClosed signals a write to a closed connection handle.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrUnknownFeature signals a feature with no registered token estimate.
	ErrUnknownFeature = errors.New("unknown feature")
)

// InsufficientTokensError wraps ErrInsufficientTokens with the exact
// required/available numbers so the client can surface them.
type InsufficientTokensError struct {
	Required  int64
	Available int64
}

func (e *InsufficientTokensError) Error() string {
	return fmt.Sprintf("%s: required %d, available %d",
		ErrInsufficientTokens.Error(), e.Required, e.Available)
}

func (e *InsufficientTokensError) Unwrap() error { return ErrInsufficientTokens }

// NewInsufficientTokens creates an insufficient-tokens error.
func NewInsufficientTokens(required, available int64) error {
	return &InsufficientTokensError{Required: required, Available: available}
}
