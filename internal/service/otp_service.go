package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"consent-otp-service/internal/audit"
	"consent-otp-service/internal/config"
	"consent-otp-service/internal/encryption"
	"consent-otp-service/internal/hashing"
	"consent-otp-service/internal/model"
	"consent-otp-service/internal/otp"
	redisrepo "consent-otp-service/internal/repository/redis"
	"consent-otp-service/internal/sender"
	"consent-otp-service/internal/util"
)

var (
	ErrPhoneRequired  = errors.New("phone number is required")
	ErrConsentClosed  = errors.New("consent is no longer pending")
	ErrSendFailed     = errors.New("failed to deliver otp code")
	ErrSendInProgress = errors.New("a send is already in progress")
	ErrResendCooldown = errors.New("resend cooling down")
	ErrResendLimit    = errors.New("resend limit reached")
	ErrNotAuthorized  = errors.New("consent has not been authorized")
)

// resendWindow bounds the rolling resend counter in Redis.
const resendWindow = time.Hour

// StartConsentInput is everything needed to open a consent flow.
type StartConsentInput struct {
	SubjectRef string
	FullName   string
	Phone      string
	Email      string
	Meta       model.RequestMeta
}

// ValidationResult reports one validation call.
type ValidationResult struct {
	Outcome           model.AttemptOutcome
	Consent           *model.ConsentOTP
	Challenge         *model.OTPChallenge
	FallbackActivated bool
}

// StatusView is the consent plus its active challenge, if any.
type StatusView struct {
	Consent   *model.ConsentOTP   `json:"consent"`
	Challenge *model.OTPChallenge `json:"challenge,omitempty"`
}

// OTPService orchestrates the consent OTP lifecycle: issuing challenges,
// delivering codes, recording validation attempts, and driving the
// SMS-to-email fallback. All state transitions go through the store; the
// exporter only sees rows the store already committed.
type OTPService struct {
	store    model.Store
	hasher   *hashing.Hasher
	crypto   *encryption.EncryptionManager
	senders  map[model.Channel]sender.Sender
	policy   otp.FallbackPolicy
	exporter *audit.Exporter
	resend   *redisrepo.ResendCache
	cfg      *config.Config
	clock    model.Clock
}

// NewOTPService wires the orchestrator. exporter and resendCache may be
// nil; clock may be nil to use wall time.
func NewOTPService(cfg *config.Config, store model.Store, hasher *hashing.Hasher, crypto *encryption.EncryptionManager, senders []sender.Sender, exporter *audit.Exporter, resendCache *redisrepo.ResendCache, clock model.Clock) *OTPService {
	if clock == nil {
		clock = time.Now
	}

	byChannel := make(map[model.Channel]sender.Sender, len(senders))
	for _, snd := range senders {
		byChannel[snd.Channel()] = snd
	}

	return &OTPService{
		store:    store,
		hasher:   hasher,
		crypto:   crypto,
		senders:  byChannel,
		policy:   otp.FallbackPolicy{Timeout: cfg.OTP.FallbackTimeout},
		exporter: exporter,
		resend:   resendCache,
		cfg:      cfg,
		clock:    clock,
	}
}

// Start opens a consent flow and issues the primary SMS challenge. The
// returned view carries the consent and the issued challenge; on delivery
// failure both still exist and the caller can retry through Resend.
func (s *OTPService) Start(ctx context.Context, input StartConsentInput) (*StatusView, error) {
	phone := util.NormalizePhone(input.Phone)
	if phone == "" {
		return nil, ErrPhoneRequired
	}
	email := util.NormalizeEmail(input.Email)

	now := s.clock()

	phoneEnc, err := s.crypto.SealString(ctx, phone, encryption.PurposeDestination)
	if err != nil {
		return nil, fmt.Errorf("failed to protect phone: %w", err)
	}
	emailEnc, err := s.crypto.SealString(ctx, email, encryption.PurposeDestination)
	if err != nil {
		return nil, fmt.Errorf("failed to protect email: %w", err)
	}

	consent := &model.ConsentOTP{
		ConsentID:      uuid.New(),
		SubjectRef:     input.SubjectRef,
		FullName:       input.FullName,
		PhoneMasked:    otp.MaskPhone(phone),
		PhoneEncrypted: phoneEnc,
		EmailMasked:    otp.MaskEmail(email),
		EmailEncrypted: emailEnc,
		Status:         model.ConsentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if email == "" {
		consent.EmailMasked = ""
	}

	if err := s.store.CreateConsent(ctx, consent); err != nil {
		return nil, err
	}

	util.Info("Consent flow started",
		zap.String("consent_id", consent.ConsentID.String()),
		zap.String("phone", consent.PhoneMasked))

	challenge, err := s.issueChallenge(ctx, consent, model.ChannelSMS, phone, model.FallbackNone, input.Meta)
	view := &StatusView{Consent: consent, Challenge: challenge}
	if err != nil {
		return view, err
	}
	return view, nil
}

// Validate applies one submitted code against the active challenge and
// drives any resulting fallback.
func (s *OTPService) Validate(ctx context.Context, consentID uuid.UUID, code string, meta model.RequestMeta) (*ValidationResult, error) {
	consent, err := s.store.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.Status.IsTerminal() {
		return nil, ErrConsentClosed
	}

	challenge, err := s.store.ActiveChallenge(ctx, consentID)
	if err != nil {
		return nil, err
	}

	now := s.clock()
	sanitized := util.SanitizeCode(code)
	verify := func(hash string) bool { return s.hasher.VerifyCode(sanitized, hash) }

	outcome, updated, ev, err := s.store.RecordAttempt(ctx, challenge.ChallengeID, now, verify, meta)
	if err != nil {
		return nil, err
	}
	s.export(ev)

	result := &ValidationResult{Outcome: outcome, Challenge: updated}

	consent, fellBack, err := s.settleOutcome(ctx, consent, updated, outcome, meta)
	if err != nil {
		return nil, err
	}
	result.Consent = consent
	result.FallbackActivated = fellBack

	util.Info("Validation attempt recorded",
		zap.String("consent_id", consentID.String()),
		zap.String("outcome", string(outcome)),
		zap.Int("attempts_used", updated.AttemptsUsed),
		zap.Bool("fallback_activated", fellBack))

	return result, nil
}

// Status reports the consent and its active challenge, applying lazy
// expiry and timeout fallback first.
func (s *OTPService) Status(ctx context.Context, consentID uuid.UUID, meta model.RequestMeta) (*StatusView, error) {
	consent, err := s.store.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}

	if !consent.Status.IsTerminal() {
		if consent, err = s.applyLazyTransitions(ctx, consent, meta); err != nil {
			return nil, err
		}
	}

	view := &StatusView{Consent: consent}
	if challenge, err := s.store.ActiveChallenge(ctx, consentID); err == nil {
		view.Challenge = challenge
	} else if !errors.Is(err, model.ErrNoActiveChallenge) {
		return nil, err
	}
	return view, nil
}

// Resend invalidates the active challenge and issues a fresh one on the
// same channel, subject to cooldown and resend caps.
func (s *OTPService) Resend(ctx context.Context, consentID uuid.UUID, meta model.RequestMeta) (*StatusView, error) {
	consent, err := s.store.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.Status.IsTerminal() {
		return nil, ErrConsentClosed
	}

	if consent, err = s.applyLazyTransitions(ctx, consent, meta); err != nil {
		return nil, err
	}
	if consent.Status.IsTerminal() {
		return nil, ErrConsentClosed
	}

	if consent.ResendCount >= s.cfg.OTP.ResendMax {
		return nil, ErrResendLimit
	}

	if s.resend != nil {
		key := consentID.String()

		locked, err := s.resend.AcquireSendLock(key, 30*time.Second)
		if err == nil && !locked {
			return nil, ErrSendInProgress
		}
		defer func() { _ = s.resend.ReleaseSendLock(key) }()

		ok, remaining, err := s.resend.AcquireCooldown(key, s.cfg.OTP.ResendCooldown)
		if err == nil && !ok {
			return nil, fmt.Errorf("%w: retry in %s", ErrResendCooldown, remaining.Round(time.Second))
		}
		if count, err := s.resend.IncrementResends(key, resendWindow); err == nil && count > s.cfg.OTP.ResendMax {
			return nil, ErrResendLimit
		}
	}

	now := s.clock()
	channel := model.ChannelSMS
	fbReason := model.FallbackNone

	if active, err := s.store.ActiveChallenge(ctx, consentID); err == nil {
		channel = active.Channel
		if active.FallbackReason != model.FallbackNone {
			fbReason = model.FallbackResend
		}
		ev := s.newEvent(consent, active, model.EventInvalidated, "", model.ReasonReplacedByResend, meta, now)
		if err := s.store.InvalidateChallenge(ctx, active.ChallengeID, now, model.ReasonReplacedByResend, ev); err != nil {
			return nil, err
		}
		s.export(ev)
	} else if !errors.Is(err, model.ErrNoActiveChallenge) {
		return nil, err
	} else if consent.FallbackUsed {
		channel = model.ChannelEmail
		fbReason = model.FallbackResend
	}

	destination, err := s.destinationFor(ctx, consent, channel)
	if err != nil {
		return nil, err
	}

	consent.ResendCount++
	challenge, err := s.issueChallenge(ctx, consent, channel, destination, fbReason, meta)
	if err != nil {
		return nil, err
	}

	return &StatusView{Consent: consent, Challenge: challenge}, nil
}

// Invalidate cancels the flow at the user's request.
func (s *OTPService) Invalidate(ctx context.Context, consentID uuid.UUID, meta model.RequestMeta) (*model.ConsentOTP, error) {
	consent, err := s.store.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.Status.IsTerminal() {
		return nil, ErrConsentClosed
	}

	now := s.clock()

	if active, err := s.store.ActiveChallenge(ctx, consentID); err == nil {
		ev := s.newEvent(consent, active, model.EventInvalidated, "", model.ReasonUserCancelled, meta, now)
		if err := s.store.InvalidateChallenge(ctx, active.ChallengeID, now, model.ReasonUserCancelled, ev); err != nil {
			return nil, err
		}
		s.export(ev)
	} else if !errors.Is(err, model.ErrNoActiveChallenge) {
		return nil, err
	}

	consent.Status = model.ConsentFailed
	consent.LastError = model.ReasonUserCancelled
	consent.UpdatedAt = now
	if err := s.store.UpdateConsent(ctx, consent); err != nil {
		return nil, err
	}

	util.Info("Consent invalidated by user",
		zap.String("consent_id", consentID.String()))
	return consent, nil
}

// MarkConsentGenerated records that the authorized consent document was
// produced, closing the flow.
func (s *OTPService) MarkConsentGenerated(ctx context.Context, consentID uuid.UUID, meta model.RequestMeta) (*model.ConsentOTP, error) {
	consent, err := s.store.GetConsent(ctx, consentID)
	if err != nil {
		return nil, err
	}
	if consent.Status != model.ConsentValidated {
		return nil, ErrNotAuthorized
	}

	now := s.clock()
	consent.Status = model.ConsentDocGenerated
	consent.UpdatedAt = now

	ev := s.newEvent(consent, nil, model.EventValidatedOK, model.ResultConsentGenerated, "", meta, now)
	if err := s.store.UpdateConsent(ctx, consent, ev); err != nil {
		return nil, err
	}
	s.export(ev)

	return consent, nil
}

// AuthorizedSummary renders the one-line authorization statement embedded
// in the generated consent document.
func (s *OTPService) AuthorizedSummary(ctx context.Context, consentID uuid.UUID) (string, error) {
	consent, err := s.store.GetConsent(ctx, consentID)
	if err != nil {
		return "", err
	}
	if consent.Status != model.ConsentValidated && consent.Status != model.ConsentDocGenerated {
		return "", ErrNotAuthorized
	}

	channel := strings.ToUpper(string(consent.AuthorizedChannel))
	return fmt.Sprintf("Autorizado mediante OTP %s enviado por %s", consent.AuthorizedOTPMasked, channel), nil
}

// Audit returns the full ordered trail of a consent.
func (s *OTPService) Audit(ctx context.Context, consentID uuid.UUID) ([]*model.OTPAuditLog, error) {
	return s.store.ListAudit(ctx, consentID)
}

// -------------------- internals --------------------

// issueChallenge commits a new challenge, then delivers its code. The
// challenge row exists before the first network call so a crash mid-send
// never loses the audit trail.
func (s *OTPService) issueChallenge(ctx context.Context, consent *model.ConsentOTP, channel model.Channel, destination string, fbReason model.FallbackReason, meta model.RequestMeta) (*model.OTPChallenge, error) {
	snd, ok := s.senders[channel]
	if !ok {
		return nil, fmt.Errorf("no sender configured for channel %s", channel)
	}

	now := s.clock()
	code := otp.GenerateCode(s.cfg.OTP.Digits)

	codeHash, err := s.hasher.HashCode(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}
	codeEnc, err := s.crypto.SealString(ctx, code, encryption.PurposeOTPCode)
	if err != nil {
		return nil, fmt.Errorf("failed to protect code: %w", err)
	}
	destEnc, err := s.crypto.SealString(ctx, destination, encryption.PurposeDestination)
	if err != nil {
		return nil, fmt.Errorf("failed to protect destination: %w", err)
	}

	ttl, maxAttempts := s.cfg.OTP.SMSTTL, s.cfg.OTP.SMSMaxAttempts
	masked := otp.MaskPhone(destination)
	if channel == model.ChannelEmail {
		ttl, maxAttempts = s.cfg.OTP.EmailTTL, s.cfg.OTP.EmailMaxAttempts
		masked = otp.MaskEmail(destination)
	}

	challenge := &model.OTPChallenge{
		ChallengeID:          uuid.New(),
		ConsentID:            consent.ConsentID,
		Channel:              channel,
		Provider:             snd.Provider(),
		DestinationMasked:    masked,
		DestinationEncrypted: destEnc,
		CodeHash:             codeHash,
		CodeEncrypted:        codeEnc,
		CodeMasked:           otp.MaskCode(code),
		Result:               model.ResultPending,
		ExpiresAt:            now.Add(ttl),
		MaxAttempts:          maxAttempts,
		FallbackReason:       fbReason,
		Meta:                 meta,
		CreatedAt:            now,
	}

	generated := s.newEvent(consent, challenge, model.EventGenerated, "", string(fbReason), meta, now)
	if err := s.store.CreateChallenge(ctx, challenge, generated); err != nil {
		return nil, err
	}
	s.export(generated)

	attempts, sendErr := s.sendWithRetry(ctx, snd, destination, code)
	sentAt := s.clock()

	if sendErr != nil {
		failed := s.newEvent(consent, challenge, model.EventValidatedFail, model.ResultSendError, sendErr.Error(), meta, sentAt)
		if err := s.store.MarkSendFailed(ctx, challenge.ChallengeID, sendErr.Error(), failed); err != nil {
			util.Error("Failed to record send failure",
				zap.String("challenge_id", challenge.ChallengeID.String()),
				zap.Error(err))
		}
		s.export(failed)

		consent.LastError = sendErr.Error()
		consent.UpdatedAt = sentAt
		if err := s.store.UpdateConsent(ctx, consent); err != nil {
			util.Error("Failed to record consent send failure", zap.Error(err))
		}
		return challenge, fmt.Errorf("%w: %v", ErrSendFailed, sendErr)
	}

	sent := s.newEvent(consent, challenge, model.EventSent, "", "", meta, sentAt)
	if err := s.store.MarkChallengeSent(ctx, challenge.ChallengeID, sentAt, attempts, sent); err != nil {
		return nil, err
	}
	s.export(sent)
	challenge.SentAt = sentAt
	challenge.SendAttempts = attempts

	if consent.Status == model.ConsentPending {
		consent.Status = model.ConsentOTPSent
	}
	consent.LastSentAt = sentAt
	consent.LastError = ""
	consent.UpdatedAt = sentAt
	if err := s.store.UpdateConsent(ctx, consent); err != nil {
		return nil, err
	}

	util.Info("Challenge delivered",
		zap.String("consent_id", consent.ConsentID.String()),
		zap.String("challenge_id", challenge.ChallengeID.String()),
		zap.String("channel", string(channel)),
		zap.String("destination", masked),
		zap.Int("send_attempts", attempts))

	return challenge, nil
}

// sendWithRetry returns the number of attempts consumed. Provider errors
// never touch the validation attempt budget.
func (s *OTPService) sendWithRetry(ctx context.Context, snd sender.Sender, destination, code string) (int, error) {
	var lastErr error
	maxTries := s.cfg.OTP.SendRetries + 1

	for attempt := 1; attempt <= maxTries; attempt++ {
		res := snd.Send(ctx, destination, code)
		if res.Success {
			return attempt, nil
		}
		lastErr = res.Err
		if lastErr == nil {
			lastErr = errors.New("provider rejected the message")
		}
		if ctx.Err() != nil {
			return attempt, lastErr
		}
		if attempt < maxTries {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}
	}
	return maxTries, lastErr
}

// settleOutcome applies the consent-level consequence of a resolved
// attempt, including fallback activation. It returns the updated consent.
func (s *OTPService) settleOutcome(ctx context.Context, consent *model.ConsentOTP, challenge *model.OTPChallenge, outcome model.AttemptOutcome, meta model.RequestMeta) (*model.ConsentOTP, bool, error) {
	now := s.clock()

	switch outcome {
	case model.AttemptOK:
		consent.Status = model.ConsentValidated
		consent.AuthorizedChannel = challenge.Channel
		consent.AuthorizedOTPMasked = challenge.CodeMasked
		consent.UpdatedAt = now
		if err := s.store.UpdateConsent(ctx, consent); err != nil {
			return nil, false, err
		}
		return consent, false, nil

	case model.AttemptsExhausted, model.AttemptExpired:
		decision := s.policy.ShouldFallback(challenge, now.Sub(challenge.SentAt))
		if decision.Activate {
			consent, err := s.activateFallback(ctx, consent, decision, meta)
			return consent, err == nil, err
		}

		if outcome == model.AttemptExpired {
			consent.Status = model.ConsentExpired
		} else {
			consent.Status = model.ConsentFailed
			consent.LastError = model.ReasonMaxAttempts
		}
		consent.UpdatedAt = now
		if err := s.store.UpdateConsent(ctx, consent); err != nil {
			return nil, false, err
		}
		return consent, false, nil
	}

	return consent, false, nil
}

// activateFallback switches the flow to the email channel. A consent with
// no email on file goes terminal instead.
func (s *OTPService) activateFallback(ctx context.Context, consent *model.ConsentOTP, decision model.FallbackDecision, meta model.RequestMeta) (*model.ConsentOTP, error) {
	now := s.clock()

	if consent.EmailEncrypted == "" {
		if decision.Reason == model.FallbackExpired {
			consent.Status = model.ConsentExpired
		} else {
			consent.Status = model.ConsentFailed
		}
		consent.LastError = "fallback_unavailable"
		consent.UpdatedAt = now
		if err := s.store.UpdateConsent(ctx, consent); err != nil {
			return nil, err
		}
		util.Warn("Fallback requested but consent has no email",
			zap.String("consent_id", consent.ConsentID.String()),
			zap.String("reason", string(decision.Reason)))
		return consent, nil
	}

	consent.Status = model.ConsentFallback
	consent.FallbackUsed = true
	consent.UpdatedAt = now

	enabled := s.newEvent(consent, nil, model.EventFallbackEnabled, "", string(decision.Reason), meta, now)
	if err := s.store.UpdateConsent(ctx, consent, enabled); err != nil {
		return nil, err
	}
	s.export(enabled)

	email, err := s.crypto.OpenString(ctx, consent.EmailEncrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to recover fallback destination: %w", err)
	}

	challenge, err := s.issueChallenge(ctx, consent, model.ChannelEmail, email, decision.Reason, meta)
	if err != nil {
		return consent, err
	}

	used := s.newEvent(consent, challenge, model.EventFallbackUsed, "", string(decision.Reason), meta, s.clock())
	if err := s.store.AppendAudit(ctx, used); err != nil {
		return nil, err
	}
	s.export(used)

	util.Info("Fallback channel activated",
		zap.String("consent_id", consent.ConsentID.String()),
		zap.String("reason", string(decision.Reason)))

	return consent, nil
}

// applyLazyTransitions resolves expiry and the proactive timeout fallback
// for the active challenge, if its deadline passed while nobody was
// looking. Returns the refreshed consent.
func (s *OTPService) applyLazyTransitions(ctx context.Context, consent *model.ConsentOTP, meta model.RequestMeta) (*model.ConsentOTP, error) {
	active, err := s.store.ActiveChallenge(ctx, consent.ConsentID)
	if err != nil {
		if errors.Is(err, model.ErrNoActiveChallenge) {
			return consent, nil
		}
		return nil, err
	}

	now := s.clock()

	if active.Expired(now) {
		// RecordAttempt resolves expiry before consulting the verifier, so
		// this consumes no attempt.
		outcome, updated, ev, err := s.store.RecordAttempt(ctx, active.ChallengeID, now,
			func(string) bool { return false }, meta)
		if err != nil {
			return nil, err
		}
		s.export(ev)
		consent, _, err = s.settleOutcome(ctx, consent, updated, outcome, meta)
		return consent, err
	}

	decision := s.policy.ShouldFallback(active, now.Sub(active.SentAt))
	if !decision.Activate {
		return consent, nil
	}

	ev := s.newEvent(consent, active, model.EventInvalidated, "", model.ReasonFallbackTimeout, meta, now)
	if err := s.store.InvalidateChallenge(ctx, active.ChallengeID, now, model.ReasonFallbackTimeout, ev); err != nil {
		return nil, err
	}
	s.export(ev)

	return s.activateFallback(ctx, consent, decision, meta)
}

func (s *OTPService) destinationFor(ctx context.Context, consent *model.ConsentOTP, channel model.Channel) (string, error) {
	sealed := consent.PhoneEncrypted
	if channel == model.ChannelEmail {
		sealed = consent.EmailEncrypted
	}
	destination, err := s.crypto.OpenString(ctx, sealed)
	if err != nil {
		return "", fmt.Errorf("failed to recover destination: %w", err)
	}
	if destination == "" {
		return "", fmt.Errorf("consent has no destination for channel %s", channel)
	}
	return destination, nil
}

func (s *OTPService) newEvent(consent *model.ConsentOTP, challenge *model.OTPChallenge, event model.AuditEventType, result, reason string, meta model.RequestMeta, now time.Time) *model.OTPAuditLog {
	ev := &model.OTPAuditLog{
		AuditID:   uuid.New(),
		ConsentID: consent.ConsentID,
		EventType: event,
		Result:    result,
		Reason:    reason,
		Meta:      meta,
		CreatedAt: now,
	}
	if challenge != nil {
		id := challenge.ChallengeID
		ev.ChallengeID = &id
		ev.Channel = challenge.Channel
		ev.Provider = challenge.Provider
	}
	return ev
}

func (s *OTPService) export(events ...*model.OTPAuditLog) {
	if s.exporter == nil {
		return
	}
	s.exporter.Export(events...)
}
