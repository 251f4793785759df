// Package relay defines the interface for outbound mail forwarding backends.
package relay

import (
	"context"

	"github.com/hmontel/mailhub-lite/internal/mail"
)

// Provider is the interface that outbound forwarding backends implement.
// Relaying is best-effort and decoupled from local delivery: a provider
// failure never affects what the sending client sees.
type Provider interface {
	// Send forwards an accepted email through this provider.
	Send(ctx context.Context, e *mail.Email) error

	// Name returns the human-readable name of this provider.
	Name() string
}
