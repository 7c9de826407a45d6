package audit

import (
	"consent-otp-service/internal/model"
)

// ReplayStatus folds an ordered audit trail back into the consent status
// it implies. Compliance checks run this against the stored status to
// verify the trail accounts for every transition.
func ReplayStatus(events []*model.OTPAuditLog) model.ConsentStatus {
	status := model.ConsentPending

	for _, ev := range events {
		switch ev.EventType {
		case model.EventSent:
			// A send never regresses a fallback or terminal status; it
			// only moves a fresh consent forward.
			if status == model.ConsentPending || status == model.ConsentOTPSent {
				status = model.ConsentOTPSent
			}

		case model.EventValidatedOK:
			if ev.Result == model.ResultConsentGenerated {
				status = model.ConsentDocGenerated
			} else {
				status = model.ConsentValidated
			}

		case model.EventValidatedFail:
			if ev.Reason == model.ReasonMaxAttempts {
				status = model.ConsentFailed
			}

		case model.EventExpired:
			if status != model.ConsentValidated && status != model.ConsentDocGenerated {
				status = model.ConsentExpired
			}

		case model.EventFallbackUsed:
			status = model.ConsentFallback

		case model.EventInvalidated:
			if ev.Reason == model.ReasonUserCancelled {
				status = model.ConsentFailed
			}
		}
	}

	return status
}
