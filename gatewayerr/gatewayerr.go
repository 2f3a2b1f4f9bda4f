// Package gatewayerr defines the sentinel error kinds shared across the
// gateway's components, so HTTP and WebSocket surfaces can translate an
// internal failure to the right status/close code with errors.Is.
package gatewayerr

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrSubmitFailed       = errors.New("workflow submission failed")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrProtocolViolation  = errors.New("protocol violation")
	ErrClientGone         = errors.New("client gone")
	ErrEvicted            = errors.New("evicted")
	ErrInternal           = errors.New("internal error")
)
