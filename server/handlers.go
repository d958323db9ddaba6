package server

import (
	"context"

	"github.com/onnwee/chatfleet/fleet"
)

// Pinger reports whether the message store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusSource provides the fleet view served by /status and /readyz.
type StatusSource interface {
	Snapshot() fleet.Status
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store Pinger
	fleet StatusSource
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(store Pinger, fleet StatusSource) *Handlers {
	return &Handlers{store: store, fleet: fleet}
}
