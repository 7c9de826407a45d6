package audit

import (
	"testing"

	"consent-otp-service/internal/model"
)

func ev(eventType model.AuditEventType, result, reason string) *model.OTPAuditLog {
	return &model.OTPAuditLog{EventType: eventType, Result: result, Reason: reason}
}

func TestReplayStatus(t *testing.T) {
	tests := []struct {
		name   string
		events []*model.OTPAuditLog
		want   model.ConsentStatus
	}{
		{
			name: "empty trail",
			want: model.ConsentPending,
		},
		{
			name: "happy path",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventValidatedOK, string(model.ResultValidatedOK), ""),
			},
			want: model.ConsentValidated,
		},
		{
			name: "document generated",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventValidatedOK, string(model.ResultValidatedOK), ""),
				ev(model.EventValidatedOK, model.ResultConsentGenerated, ""),
			},
			want: model.ConsentDocGenerated,
		},
		{
			name: "wrong codes below the cap stay in flight",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventValidatedFail, string(model.ResultPending), model.ReasonInvalidCode),
				ev(model.EventValidatedFail, string(model.ResultPending), model.ReasonInvalidCode),
			},
			want: model.ConsentOTPSent,
		},
		{
			name: "exhaustion fails the consent",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventValidatedFail, string(model.ResultPending), model.ReasonInvalidCode),
				ev(model.EventValidatedFail, string(model.ResultValidatedFail), model.ReasonMaxAttempts),
			},
			want: model.ConsentFailed,
		},
		{
			name: "expiry without fallback",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventExpired, string(model.ResultExpired), model.ReasonTTLElapsed),
			},
			want: model.ConsentExpired,
		},
		{
			name: "fallback then success on email",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventValidatedFail, string(model.ResultValidatedFail), model.ReasonMaxAttempts),
				ev(model.EventFallbackEnabled, "", string(model.FallbackValidatedFail)),
				ev(model.EventGenerated, "", string(model.FallbackValidatedFail)),
				ev(model.EventSent, "", ""),
				ev(model.EventFallbackUsed, "", string(model.FallbackValidatedFail)),
				ev(model.EventValidatedOK, string(model.ResultValidatedOK), ""),
			},
			want: model.ConsentValidated,
		},
		{
			name: "fallback send does not regress the status",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventExpired, string(model.ResultExpired), model.ReasonTTLElapsed),
				ev(model.EventFallbackEnabled, "", string(model.FallbackExpired)),
				ev(model.EventGenerated, "", string(model.FallbackExpired)),
				ev(model.EventFallbackUsed, "", string(model.FallbackExpired)),
				ev(model.EventSent, "", ""),
			},
			want: model.ConsentFallback,
		},
		{
			name: "user cancellation",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventInvalidated, "", model.ReasonUserCancelled),
			},
			want: model.ConsentFailed,
		},
		{
			name: "resend replacement is not a failure",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventInvalidated, "", model.ReasonReplacedByResend),
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
			},
			want: model.ConsentOTPSent,
		},
		{
			name: "late expiry never demotes a validated consent",
			events: []*model.OTPAuditLog{
				ev(model.EventGenerated, "", ""),
				ev(model.EventSent, "", ""),
				ev(model.EventValidatedOK, string(model.ResultValidatedOK), ""),
				ev(model.EventExpired, string(model.ResultExpired), model.ReasonTTLElapsed),
			},
			want: model.ConsentValidated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ReplayStatus(tt.events); got != tt.want {
				t.Errorf("ReplayStatus = %q, want %q", got, tt.want)
			}
		})
	}
}
