package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound                 = errors.New("not found")
	ErrAlreadyExists            = errors.New("already exists")
	ErrDuplicateUsername        = errors.New("username already taken in room")
	ErrIncompatibleCapabilities = errors.New("incompatible rtp capabilities")
	ErrTransportMismatch        = errors.New("transport id mismatch")
	ErrEngine                   = errors.New("media engine error")
	ErrTimeout                  = errors.New("timeout")
	ErrFatalEngineFailure       = errors.New("media engine worker died")
	ErrBadRequest               = errors.New("bad request")

	// ErrAlreadyNegotiated is returned when a peer asks to replace
	// capabilities it has already negotiated.
	ErrAlreadyNegotiated = fmt.Errorf("%w: rtp capabilities already negotiated", ErrAlreadyExists)
)

// Wire codes sent back to peers.
const (
	CodeNotFound                 = "not_found"
	CodeAlreadyExists            = "already_exists"
	CodeUsernameExists           = "username_exists"
	CodeIncompatibleCapabilities = "incompatible_capabilities"
	CodeTransportMismatch        = "transport_mismatch"
	CodeEngine                   = "engine_error"
	CodeTimeout                  = "timeout"
	CodeBadRequest               = "bad_request"
	CodeInternal                 = "internal"
)

// Code maps err to the stable code reported to the requesting peer.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, ErrDuplicateUsername):
		return CodeUsernameExists
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrAlreadyExists):
		return CodeAlreadyExists
	case errors.Is(err, ErrIncompatibleCapabilities):
		return CodeIncompatibleCapabilities
	case errors.Is(err, ErrTransportMismatch):
		return CodeTransportMismatch
	case errors.Is(err, ErrBadRequest):
		return CodeBadRequest
	case errors.Is(err, ErrEngine), errors.Is(err, ErrFatalEngineFailure):
		return CodeEngine
	}
	return CodeInternal
}

// Timeout converts context deadline errors into ErrTimeout and leaves others untouched.
func Timeout(err error) error {
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
		return errors.Join(ErrTimeout, err)
	}
	return err
}

// ErrBackpressure is returned by SignalConnection.TrySend when the peer's
// outbound queue is full.
var ErrBackpressure = errors.New("backpressure")

// ErrConnClosed is returned by SignalConnection.TrySend after Close.
var ErrConnClosed = errors.New("connection closed")
