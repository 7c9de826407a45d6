package sender

import (
	"context"

	"consent-otp-service/internal/model"
)

// ProviderResult is the synchronous outcome of one delivery attempt.
// ProviderRef carries the upstream message identifier when available.
type ProviderResult struct {
	Success     bool
	ProviderRef string
	Err         error
}

// Sender delivers a one-time code to a destination. Implementations must
// return synchronously within the caller's context deadline; retry and
// backoff against the upstream provider live with the orchestrator, not
// here. Adding a channel means adding an implementation, not touching the
// orchestrator.
type Sender interface {
	Channel() model.Channel
	Provider() model.Provider
	Send(ctx context.Context, destination, code string) ProviderResult
}
