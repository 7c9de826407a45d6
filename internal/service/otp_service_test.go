package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"consent-otp-service/internal/audit"
	"consent-otp-service/internal/config"
	"consent-otp-service/internal/encryption"
	"consent-otp-service/internal/hashing"
	"consent-otp-service/internal/model"
	"consent-otp-service/internal/repository/memory"
	"consent-otp-service/internal/sender"
)

// testClock is a controllable clock shared by the service under test.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeSender records deliveries and can be primed to fail.
type fakeSender struct {
	channel  model.Channel
	provider model.Provider

	mu        sync.Mutex
	failures  int // deliveries to fail before succeeding
	sentCodes []string
	sentTo    []string
}

func (f *fakeSender) Channel() model.Channel   { return f.channel }
func (f *fakeSender) Provider() model.Provider { return f.provider }

func (f *fakeSender) Send(ctx context.Context, destination, code string) sender.ProviderResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return sender.ProviderResult{Err: errors.New("provider unavailable")}
	}
	f.sentCodes = append(f.sentCodes, code)
	f.sentTo = append(f.sentTo, destination)
	return sender.ProviderResult{Success: true, ProviderRef: "ref-1"}
}

func (f *fakeSender) lastCode(t *testing.T) string {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sentCodes) == 0 {
		t.Fatal("no code was delivered")
	}
	return f.sentCodes[len(f.sentCodes)-1]
}

func (f *fakeSender) deliveries() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sentCodes)
}

type fixture struct {
	svc   *OTPService
	store *memory.Store
	clock *testClock
	sms   *fakeSender
	email *fakeSender
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, tune func(*config.Config)) *fixture {
	t.Helper()

	cfg := &config.Config{
		Environment: "development",
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
			PepperSecret:      "test-pepper",
		},
		OTP: config.OTPConfig{
			Digits:           6,
			SMSTTL:           5 * time.Minute,
			EmailTTL:         10 * time.Minute,
			SMSMaxAttempts:   2,
			EmailMaxAttempts: 3,
			FallbackTimeout:  10 * time.Minute,
			SendRetries:      1,
			ResendCooldown:   30 * time.Second,
			ResendMax:        2,
		},
	}
	if tune != nil {
		tune(cfg)
	}

	store := memory.NewStore()
	clock := newTestClock()
	sms := &fakeSender{channel: model.ChannelSMS, provider: model.ProviderTwilioSMS}
	email := &fakeSender{channel: model.ChannelEmail, provider: model.ProviderInternalEmail}

	svc := NewOTPService(cfg, store,
		hashing.NewHasher(cfg),
		encryption.NewEncryptionManager(cfg),
		[]sender.Sender{sms, email},
		nil, nil, clock.Now)

	return &fixture{svc: svc, store: store, clock: clock, sms: sms, email: email}
}

func (fx *fixture) start(t *testing.T, email string) *model.ConsentOTP {
	t.Helper()
	view, err := fx.svc.Start(context.Background(), StartConsentInput{
		SubjectRef: "CC-1032456789",
		FullName:   "Maria Lopez",
		Phone:      "+57 300 123 4567",
		Email:      email,
	})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return view.Consent
}

// assertReplayMatches folds the audit trail and compares it against the
// stored consent status.
func (fx *fixture) assertReplayMatches(t *testing.T, consentID uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	events, err := fx.svc.Audit(ctx, consentID)
	if err != nil {
		t.Fatalf("Audit failed: %v", err)
	}
	consent, err := fx.store.GetConsent(ctx, consentID)
	if err != nil {
		t.Fatalf("GetConsent failed: %v", err)
	}
	if replayed := audit.ReplayStatus(events); replayed != consent.Status {
		t.Errorf("replayed status %q does not match stored status %q", replayed, consent.Status)
	}
}

func TestStartDeliversPrimarySMS(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "maria@example.com")

	if consent.Status != model.ConsentOTPSent {
		t.Errorf("Status = %q, want otp_sent", consent.Status)
	}
	if consent.PhoneMasked != "*********4567" {
		t.Errorf("PhoneMasked = %q", consent.PhoneMasked)
	}
	if fx.sms.deliveries() != 1 {
		t.Errorf("SMS deliveries = %d, want 1", fx.sms.deliveries())
	}
	if fx.email.deliveries() != 0 {
		t.Error("email delivered before any fallback")
	}

	events, err := fx.svc.Audit(context.Background(), consent.ConsentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 || events[0].EventType != model.EventGenerated || events[1].EventType != model.EventSent {
		t.Errorf("audit trail = %v, want generated then sent", eventTypes(events))
	}
}

func TestStartRequiresPhone(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.svc.Start(context.Background(), StartConsentInput{SubjectRef: "CC-1", Phone: "   "})
	if !errors.Is(err, ErrPhoneRequired) {
		t.Errorf("err = %v, want ErrPhoneRequired", err)
	}
}

func TestValidateCorrectCode(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "maria@example.com")
	code := fx.sms.lastCode(t)

	result, err := fx.svc.Validate(context.Background(), consent.ConsentID, code, model.RequestMeta{})
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if result.Outcome != model.AttemptOK {
		t.Fatalf("Outcome = %q, want ok", result.Outcome)
	}
	if result.Consent.Status != model.ConsentValidated {
		t.Errorf("Status = %q, want otp_validated", result.Consent.Status)
	}
	if result.Consent.AuthorizedChannel != model.ChannelSMS {
		t.Errorf("AuthorizedChannel = %q, want sms", result.Consent.AuthorizedChannel)
	}
	if result.Consent.AuthorizedOTPMasked == "" || result.Consent.AuthorizedOTPMasked == code {
		t.Errorf("AuthorizedOTPMasked = %q, want masked code", result.Consent.AuthorizedOTPMasked)
	}

	// Terminal: a second validation is refused.
	if _, err := fx.svc.Validate(context.Background(), consent.ConsentID, code, model.RequestMeta{}); !errors.Is(err, ErrConsentClosed) {
		t.Errorf("second Validate = %v, want ErrConsentClosed", err)
	}

	fx.assertReplayMatches(t, consent.ConsentID)
}

func TestValidateAcceptsFormattedCode(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "")
	code := fx.sms.lastCode(t)

	formatted := " " + code[:3] + "-" + code[3:] + " "
	result, err := fx.svc.Validate(context.Background(), consent.ConsentID, formatted, model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != model.AttemptOK {
		t.Errorf("Outcome = %q, want ok for formatted input", result.Outcome)
	}
}

func TestExhaustionActivatesEmailFallback(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "maria@example.com")
	ctx := context.Background()

	// SMSMaxAttempts is 2.
	result, err := fx.svc.Validate(ctx, consent.ConsentID, "000000", model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != model.AttemptWrongCode || result.FallbackActivated {
		t.Fatalf("first wrong attempt: %+v", result)
	}

	result, err = fx.svc.Validate(ctx, consent.ConsentID, "000000", model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != model.AttemptsExhausted {
		t.Fatalf("Outcome = %q, want exhausted", result.Outcome)
	}
	if !result.FallbackActivated {
		t.Fatal("fallback did not activate on exhaustion")
	}
	if result.Consent.Status != model.ConsentFallback || !result.Consent.FallbackUsed {
		t.Errorf("consent after fallback = %+v", result.Consent)
	}
	if fx.email.deliveries() != 1 {
		t.Fatalf("email deliveries = %d, want 1", fx.email.deliveries())
	}

	// The email challenge has its own budget and code.
	emailCode := fx.email.lastCode(t)
	result, err = fx.svc.Validate(ctx, consent.ConsentID, emailCode, model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != model.AttemptOK {
		t.Fatalf("email validation outcome = %q", result.Outcome)
	}
	if result.Consent.Status != model.ConsentValidated {
		t.Errorf("Status = %q, want otp_validated", result.Consent.Status)
	}
	if result.Consent.AuthorizedChannel != model.ChannelEmail {
		t.Errorf("AuthorizedChannel = %q, want email", result.Consent.AuthorizedChannel)
	}

	fx.assertReplayMatches(t, consent.ConsentID)
}

func TestExhaustionWithoutEmailFailsConsent(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "")
	ctx := context.Background()

	fx.svc.Validate(ctx, consent.ConsentID, "000000", model.RequestMeta{})
	result, err := fx.svc.Validate(ctx, consent.ConsentID, "000000", model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.FallbackActivated {
		t.Error("fallback activated with no email on file")
	}
	if result.Consent.Status != model.ConsentFailed {
		t.Errorf("Status = %q, want otp_failed", result.Consent.Status)
	}
	if fx.email.deliveries() != 0 {
		t.Error("email delivered with no address on file")
	}
}

func TestExpiryBeatsCorrectCode(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "")
	code := fx.sms.lastCode(t)

	fx.clock.Advance(6 * time.Minute) // past SMSTTL

	result, err := fx.svc.Validate(context.Background(), consent.ConsentID, code, model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != model.AttemptExpired {
		t.Fatalf("Outcome = %q, want expired", result.Outcome)
	}
	if result.Challenge.AttemptsUsed != 0 {
		t.Errorf("expiry consumed an attempt: %d", result.Challenge.AttemptsUsed)
	}
	if result.Consent.Status != model.ConsentExpired {
		t.Errorf("Status = %q, want expired", result.Consent.Status)
	}
}

func TestExpiryWithEmailFallsBack(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "maria@example.com")

	fx.clock.Advance(6 * time.Minute)

	result, err := fx.svc.Validate(context.Background(), consent.ConsentID, "000000", model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != model.AttemptExpired {
		t.Fatalf("Outcome = %q, want expired", result.Outcome)
	}
	if !result.FallbackActivated || result.Consent.Status != model.ConsentFallback {
		t.Errorf("expiry did not fall back: %+v", result)
	}
	if fx.email.deliveries() != 1 {
		t.Errorf("email deliveries = %d, want 1", fx.email.deliveries())
	}
}

func TestStatusAppliesLazyExpiry(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "")

	fx.clock.Advance(6 * time.Minute)

	view, err := fx.svc.Status(context.Background(), consent.ConsentID, model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if view.Consent.Status != model.ConsentExpired {
		t.Errorf("Status = %q, want expired after lazy evaluation", view.Consent.Status)
	}
	if view.Challenge != nil {
		t.Error("expired challenge still reported active")
	}
}

func TestStatusActivatesTimeoutFallback(t *testing.T) {
	// TTL longer than the fallback timeout, so the timeout fires while
	// the SMS code is still valid.
	fx := newFixtureWith(t, func(cfg *config.Config) {
		cfg.OTP.SMSTTL = 30 * time.Minute
		cfg.OTP.FallbackTimeout = 10 * time.Minute
	})
	consent := fx.start(t, "maria@example.com")

	fx.clock.Advance(11 * time.Minute)

	view, err := fx.svc.Status(context.Background(), consent.ConsentID, model.RequestMeta{})
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if view.Consent.Status != model.ConsentFallback || !view.Consent.FallbackUsed {
		t.Fatalf("consent after timeout = %+v, want fallback_used", view.Consent)
	}
	if view.Challenge == nil || view.Challenge.Channel != model.ChannelEmail {
		t.Fatalf("active challenge = %+v, want email", view.Challenge)
	}
	if view.Challenge.FallbackReason != model.FallbackTimeout {
		t.Errorf("FallbackReason = %q, want timeout", view.Challenge.FallbackReason)
	}
	if fx.email.deliveries() != 1 {
		t.Errorf("email deliveries = %d, want 1", fx.email.deliveries())
	}

	// The email code carries the flow to completion.
	emailCode := fx.email.lastCode(t)
	result, err := fx.svc.Validate(context.Background(), consent.ConsentID, emailCode, model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != model.AttemptOK || result.Consent.Status != model.ConsentValidated {
		t.Errorf("email validation after timeout fallback: %+v", result)
	}

	fx.assertReplayMatches(t, consent.ConsentID)
}

func TestValidateAcceptsCodeAfterFallbackTimeout(t *testing.T) {
	// The timeout fallback is evaluated on Status and Resend. A correct
	// code submitted directly still wins as long as the challenge is
	// within its TTL.
	fx := newFixtureWith(t, func(cfg *config.Config) {
		cfg.OTP.SMSTTL = 30 * time.Minute
		cfg.OTP.FallbackTimeout = 10 * time.Minute
	})
	consent := fx.start(t, "maria@example.com")
	code := fx.sms.lastCode(t)

	fx.clock.Advance(11 * time.Minute)

	result, err := fx.svc.Validate(context.Background(), consent.ConsentID, code, model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != model.AttemptOK {
		t.Fatalf("Outcome = %q, want ok", result.Outcome)
	}
	if result.FallbackActivated {
		t.Error("fallback activated on a successful validation")
	}
	if result.Consent.Status != model.ConsentValidated || result.Consent.AuthorizedChannel != model.ChannelSMS {
		t.Errorf("consent = %+v, want validated over sms", result.Consent)
	}
	if fx.email.deliveries() != 0 {
		t.Errorf("email deliveries = %d, want 0", fx.email.deliveries())
	}
}

func TestResendReplacesChallenge(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "")
	ctx := context.Background()
	oldCode := fx.sms.lastCode(t)

	view, err := fx.svc.Resend(ctx, consent.ConsentID, model.RequestMeta{})
	if err != nil {
		t.Fatalf("Resend failed: %v", err)
	}
	if view.Consent.ResendCount != 1 {
		t.Errorf("ResendCount = %d, want 1", view.Consent.ResendCount)
	}
	if fx.sms.deliveries() != 2 {
		t.Fatalf("SMS deliveries = %d, want 2", fx.sms.deliveries())
	}

	newCode := fx.sms.lastCode(t)
	if oldCode == newCode {
		t.Log("resend produced the same random code; validation still targets the new challenge")
	}

	// The replaced challenge is dead even for its own correct code.
	result, err := fx.svc.Validate(ctx, consent.ConsentID, newCode, model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outcome != model.AttemptOK {
		t.Errorf("new code outcome = %q", result.Outcome)
	}
	if result.Challenge.ChallengeID != view.Challenge.ChallengeID {
		t.Error("validated a challenge other than the fresh one")
	}
}

func TestResendLimit(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "")
	ctx := context.Background()

	// ResendMax is 2.
	for i := 0; i < 2; i++ {
		if _, err := fx.svc.Resend(ctx, consent.ConsentID, model.RequestMeta{}); err != nil {
			t.Fatalf("resend %d failed: %v", i+1, err)
		}
	}
	if _, err := fx.svc.Resend(ctx, consent.ConsentID, model.RequestMeta{}); !errors.Is(err, ErrResendLimit) {
		t.Errorf("third resend = %v, want ErrResendLimit", err)
	}
}

func TestResendAfterFallbackUsesEmail(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "maria@example.com")
	ctx := context.Background()

	fx.svc.Validate(ctx, consent.ConsentID, "000000", model.RequestMeta{})
	fx.svc.Validate(ctx, consent.ConsentID, "000000", model.RequestMeta{}) // exhausts, falls back

	before := fx.email.deliveries()
	if _, err := fx.svc.Resend(ctx, consent.ConsentID, model.RequestMeta{}); err != nil {
		t.Fatalf("Resend failed: %v", err)
	}
	if fx.email.deliveries() != before+1 {
		t.Error("resend after fallback did not use the email channel")
	}
	if fx.sms.deliveries() != 1 {
		t.Error("resend after fallback went back to SMS")
	}
}

func TestInvalidateCancelsFlow(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "")
	ctx := context.Background()
	code := fx.sms.lastCode(t)

	cancelled, err := fx.svc.Invalidate(ctx, consent.ConsentID, model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if cancelled.Status != model.ConsentFailed {
		t.Errorf("Status = %q, want otp_failed", cancelled.Status)
	}

	if _, err := fx.svc.Validate(ctx, consent.ConsentID, code, model.RequestMeta{}); !errors.Is(err, ErrConsentClosed) {
		t.Errorf("Validate after cancel = %v, want ErrConsentClosed", err)
	}

	fx.assertReplayMatches(t, consent.ConsentID)
}

func TestSendFailureDoesNotConsumeAttempts(t *testing.T) {
	fx := newFixture(t)
	fx.sms.failures = 10 // outlasts SendRetries+1

	view, err := fx.svc.Start(context.Background(), StartConsentInput{
		SubjectRef: "CC-1032456789",
		Phone:      "+573001234567",
	})
	if !errors.Is(err, ErrSendFailed) {
		t.Fatalf("Start = %v, want ErrSendFailed", err)
	}
	if view == nil || view.Consent == nil {
		t.Fatal("consent not returned on delivery failure")
	}
	consent := view.Consent

	challenge, storeErr := fx.store.ActiveChallenge(context.Background(), consent.ConsentID)
	if storeErr != nil {
		t.Fatalf("ActiveChallenge: %v", storeErr)
	}
	if challenge.AttemptsUsed != 0 {
		t.Errorf("delivery failure consumed validation attempts: %d", challenge.AttemptsUsed)
	}

	events, _ := fx.svc.Audit(context.Background(), consent.ConsentID)
	var sawSendError bool
	for _, ev := range events {
		if ev.Result == model.ResultSendError {
			sawSendError = true
		}
	}
	if !sawSendError {
		t.Error("send failure missing from the audit trail")
	}
}

func TestSendRetrySucceedsAfterTransientFailure(t *testing.T) {
	fx := newFixture(t)
	fx.sms.failures = 1 // SendRetries=1 allows two tries

	consent := fx.start(t, "")
	if consent.Status != model.ConsentOTPSent {
		t.Errorf("Status = %q after retried delivery, want otp_sent", consent.Status)
	}

	challenge, err := fx.store.ActiveChallenge(context.Background(), consent.ConsentID)
	if err != nil {
		t.Fatal(err)
	}
	if challenge.SendAttempts != 2 {
		t.Errorf("SendAttempts = %d, want 2", challenge.SendAttempts)
	}
}

func TestMarkConsentGenerated(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "")
	ctx := context.Background()

	if _, err := fx.svc.MarkConsentGenerated(ctx, consent.ConsentID, model.RequestMeta{}); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("MarkConsentGenerated before validation = %v, want ErrNotAuthorized", err)
	}

	code := fx.sms.lastCode(t)
	if _, err := fx.svc.Validate(ctx, consent.ConsentID, code, model.RequestMeta{}); err != nil {
		t.Fatal(err)
	}

	updated, err := fx.svc.MarkConsentGenerated(ctx, consent.ConsentID, model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != model.ConsentDocGenerated {
		t.Errorf("Status = %q, want consent_generated", updated.Status)
	}

	fx.assertReplayMatches(t, consent.ConsentID)
}

func TestAuthorizedSummary(t *testing.T) {
	fx := newFixture(t)
	consent := fx.start(t, "")
	ctx := context.Background()

	if _, err := fx.svc.AuthorizedSummary(ctx, consent.ConsentID); !errors.Is(err, ErrNotAuthorized) {
		t.Fatalf("summary before validation = %v, want ErrNotAuthorized", err)
	}

	code := fx.sms.lastCode(t)
	if _, err := fx.svc.Validate(ctx, consent.ConsentID, code, model.RequestMeta{}); err != nil {
		t.Fatal(err)
	}

	summary, err := fx.svc.AuthorizedSummary(ctx, consent.ConsentID)
	if err != nil {
		t.Fatal(err)
	}
	want := "Autorizado mediante OTP " + code[:2] + "****" + " enviado por SMS"
	if summary != want {
		t.Errorf("summary = %q, want %q", summary, want)
	}
}

func eventTypes(events []*model.OTPAuditLog) []model.AuditEventType {
	out := make([]model.AuditEventType, 0, len(events))
	for _, ev := range events {
		out = append(out, ev.EventType)
	}
	return out
}
