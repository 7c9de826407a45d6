package otp

import (
	"time"

	"consent-otp-service/internal/model"
)

// FallbackPolicy decides whether the secondary (email) channel should be
// activated after a primary challenge outcome. It is a pure function of
// its inputs; the orchestrator owns when it is consulted.
type FallbackPolicy struct {
	Timeout time.Duration
}

// ShouldFallback activates when the primary challenge failed validation,
// expired, or has been unresolved longer than the fallback timeout.
// Failure and expiry are checked before the timeout so the recorded reason
// matches the condition detected first. It never activates for a challenge
// that is itself a fallback: the flow has no tertiary channel.
func (p FallbackPolicy) ShouldFallback(primary *model.OTPChallenge, elapsedSinceSent time.Duration) model.FallbackDecision {
	if primary == nil || primary.Channel != model.ChannelSMS || primary.FallbackReason != model.FallbackNone {
		return model.FallbackDecision{}
	}
	if primary.InvalidatedAt != nil {
		// Explicit cancellation is not a fallback trigger.
		return model.FallbackDecision{}
	}

	switch primary.Result {
	case model.ResultValidatedFail:
		return model.FallbackDecision{Activate: true, Reason: model.FallbackValidatedFail}
	case model.ResultExpired:
		return model.FallbackDecision{Activate: true, Reason: model.FallbackExpired}
	case model.ResultValidatedOK:
		return model.FallbackDecision{}
	}

	if p.Timeout > 0 && elapsedSinceSent > p.Timeout {
		return model.FallbackDecision{Activate: true, Reason: model.FallbackTimeout}
	}

	return model.FallbackDecision{}
}
