package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"consent-otp-service/internal/model"
)

func newConsent() *model.ConsentOTP {
	now := time.Now()
	return &model.ConsentOTP{
		ConsentID:  uuid.New(),
		SubjectRef: "CC-1032456789",
		FullName:   "Maria Lopez",
		Status:     model.ConsentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func newChallenge(consentID uuid.UUID, maxAttempts int, expiresAt time.Time) *model.OTPChallenge {
	return &model.OTPChallenge{
		ChallengeID: uuid.New(),
		ConsentID:   consentID,
		Channel:     model.ChannelSMS,
		Provider:    model.ProviderTwilioSMS,
		CodeHash:    "stored-hash",
		Result:      model.ResultPending,
		ExpiresAt:   expiresAt,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now(),
	}
}

func matchCode(want string) model.CodeVerifier {
	return func(hash string) bool { return hash == want }
}

func TestConsentRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	consent := newConsent()

	if err := store.CreateConsent(ctx, consent); err != nil {
		t.Fatalf("CreateConsent failed: %v", err)
	}
	if err := store.CreateConsent(ctx, consent); err == nil {
		t.Fatal("duplicate CreateConsent succeeded")
	}

	got, err := store.GetConsent(ctx, consent.ConsentID)
	if err != nil {
		t.Fatalf("GetConsent failed: %v", err)
	}
	if got.SubjectRef != consent.SubjectRef {
		t.Errorf("SubjectRef = %q, want %q", got.SubjectRef, consent.SubjectRef)
	}

	got.Status = model.ConsentOTPSent
	if err := store.UpdateConsent(ctx, got); err != nil {
		t.Fatalf("UpdateConsent failed: %v", err)
	}
	got, _ = store.GetConsent(ctx, consent.ConsentID)
	if got.Status != model.ConsentOTPSent {
		t.Errorf("Status = %q after update, want %q", got.Status, model.ConsentOTPSent)
	}

	if _, err := store.GetConsent(ctx, uuid.New()); err != model.ErrConsentNotFound {
		t.Errorf("GetConsent(unknown) = %v, want ErrConsentNotFound", err)
	}
}

func TestActiveChallenge(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	consent := newConsent()
	if err := store.CreateConsent(ctx, consent); err != nil {
		t.Fatal(err)
	}

	if _, err := store.ActiveChallenge(ctx, consent.ConsentID); err != model.ErrNoActiveChallenge {
		t.Fatalf("ActiveChallenge with no challenges = %v, want ErrNoActiveChallenge", err)
	}

	first := newChallenge(consent.ConsentID, 3, time.Now().Add(time.Minute))
	if err := store.CreateChallenge(ctx, first); err != nil {
		t.Fatal(err)
	}

	active, err := store.ActiveChallenge(ctx, consent.ConsentID)
	if err != nil {
		t.Fatalf("ActiveChallenge failed: %v", err)
	}
	if active.ChallengeID != first.ChallengeID {
		t.Error("wrong active challenge returned")
	}

	if err := store.InvalidateChallenge(ctx, first.ChallengeID, time.Now(), model.ReasonReplacedByResend); err != nil {
		t.Fatal(err)
	}

	second := newChallenge(consent.ConsentID, 3, time.Now().Add(time.Minute))
	if err := store.CreateChallenge(ctx, second); err != nil {
		t.Fatal(err)
	}

	active, err = store.ActiveChallenge(ctx, consent.ConsentID)
	if err != nil {
		t.Fatalf("ActiveChallenge failed: %v", err)
	}
	if active.ChallengeID != second.ChallengeID {
		t.Error("invalidated challenge still reported active")
	}
}

func TestRecordAttemptWrongThenCorrect(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	consent := newConsent()
	store.CreateConsent(ctx, consent)

	ch := newChallenge(consent.ConsentID, 3, time.Now().Add(time.Minute))
	store.CreateChallenge(ctx, ch)

	now := time.Now()
	outcome, updated, ev, err := store.RecordAttempt(ctx, ch.ChallengeID, now, matchCode("nope"), model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != model.AttemptWrongCode {
		t.Fatalf("outcome = %q, want wrong code", outcome)
	}
	if updated.AttemptsUsed != 1 {
		t.Errorf("AttemptsUsed = %d, want 1", updated.AttemptsUsed)
	}
	if ev == nil || ev.EventType != model.EventValidatedFail || ev.Reason != model.ReasonInvalidCode {
		t.Errorf("audit row = %+v, want validated_fail/invalid_code", ev)
	}

	outcome, updated, ev, err = store.RecordAttempt(ctx, ch.ChallengeID, now, matchCode("stored-hash"), model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != model.AttemptOK {
		t.Fatalf("outcome = %q, want ok", outcome)
	}
	if updated.Result != model.ResultValidatedOK || updated.VerifiedAt == nil {
		t.Errorf("challenge not resolved ok: %+v", updated)
	}
	if updated.AttemptsUsed != 2 {
		t.Errorf("AttemptsUsed = %d, want 2", updated.AttemptsUsed)
	}
	if ev == nil || ev.EventType != model.EventValidatedOK {
		t.Errorf("audit row = %+v, want validated_ok", ev)
	}

	// The winner closed the challenge; further calls change nothing.
	outcome, _, ev, err = store.RecordAttempt(ctx, ch.ChallengeID, now, matchCode("stored-hash"), model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != model.AttemptAlreadyResolved {
		t.Errorf("outcome = %q after resolution, want already resolved", outcome)
	}
	if ev != nil {
		t.Error("already-resolved attempt produced an audit row")
	}
}

func TestRecordAttemptExhaustion(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	consent := newConsent()
	store.CreateConsent(ctx, consent)

	ch := newChallenge(consent.ConsentID, 2, time.Now().Add(time.Minute))
	store.CreateChallenge(ctx, ch)

	now := time.Now()
	outcome, _, _, _ := store.RecordAttempt(ctx, ch.ChallengeID, now, matchCode("nope"), model.RequestMeta{})
	if outcome != model.AttemptWrongCode {
		t.Fatalf("first attempt outcome = %q", outcome)
	}

	outcome, updated, ev, _ := store.RecordAttempt(ctx, ch.ChallengeID, now, matchCode("nope"), model.RequestMeta{})
	if outcome != model.AttemptsExhausted {
		t.Fatalf("second attempt outcome = %q, want exhausted", outcome)
	}
	if updated.Result != model.ResultValidatedFail {
		t.Errorf("Result = %q, want validated_fail", updated.Result)
	}
	if updated.AttemptsUsed != 2 {
		t.Errorf("AttemptsUsed = %d, want exactly the cap", updated.AttemptsUsed)
	}
	if ev.Reason != model.ReasonMaxAttempts {
		t.Errorf("Reason = %q, want max_attempts_reached", ev.Reason)
	}

	// A correct code after exhaustion is refused without incrementing.
	outcome, updated, _, _ = store.RecordAttempt(ctx, ch.ChallengeID, now, matchCode("stored-hash"), model.RequestMeta{})
	if outcome != model.AttemptAlreadyResolved {
		t.Errorf("post-exhaustion outcome = %q", outcome)
	}
	if updated.AttemptsUsed != 2 {
		t.Errorf("AttemptsUsed grew past the cap: %d", updated.AttemptsUsed)
	}
}

func TestRecordAttemptExpiryBeatsCorrectCode(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	consent := newConsent()
	store.CreateConsent(ctx, consent)

	ch := newChallenge(consent.ConsentID, 3, time.Now().Add(-time.Second))
	store.CreateChallenge(ctx, ch)

	outcome, updated, ev, err := store.RecordAttempt(ctx, ch.ChallengeID, time.Now(), matchCode("stored-hash"), model.RequestMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if outcome != model.AttemptExpired {
		t.Fatalf("outcome = %q, want expired", outcome)
	}
	if updated.Result != model.ResultExpired {
		t.Errorf("Result = %q, want expired", updated.Result)
	}
	if updated.AttemptsUsed != 0 {
		t.Errorf("expiry consumed an attempt: %d", updated.AttemptsUsed)
	}
	if ev.EventType != model.EventExpired || ev.Reason != model.ReasonTTLElapsed {
		t.Errorf("audit row = %+v, want expired/ttl_elapsed", ev)
	}
}

// Many goroutines race the same challenge with wrong codes; attempts_used
// must land exactly on the cap and exactly one caller observes the
// exhausting attempt.
func TestRecordAttemptConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	consent := newConsent()
	store.CreateConsent(ctx, consent)

	const maxAttempts = 3
	ch := newChallenge(consent.ConsentID, maxAttempts, time.Now().Add(time.Minute))
	store.CreateChallenge(ctx, ch)

	const callers = 20
	var wg sync.WaitGroup
	outcomes := make(chan model.AttemptOutcome, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, _, _, err := store.RecordAttempt(ctx, ch.ChallengeID, time.Now(), matchCode("nope"), model.RequestMeta{})
			if err != nil {
				t.Errorf("RecordAttempt failed: %v", err)
				return
			}
			outcomes <- outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	var wrong, exhausted, resolved int
	for outcome := range outcomes {
		switch outcome {
		case model.AttemptWrongCode:
			wrong++
		case model.AttemptsExhausted:
			exhausted++
		case model.AttemptAlreadyResolved:
			resolved++
		default:
			t.Errorf("unexpected outcome %q", outcome)
		}
	}

	if wrong != maxAttempts-1 {
		t.Errorf("wrong-code outcomes = %d, want %d", wrong, maxAttempts-1)
	}
	if exhausted != 1 {
		t.Errorf("exhausted outcomes = %d, want exactly 1", exhausted)
	}
	if resolved != callers-maxAttempts {
		t.Errorf("already-resolved outcomes = %d, want %d", resolved, callers-maxAttempts)
	}

	final, err := store.GetChallenge(ctx, ch.ChallengeID)
	if err != nil {
		t.Fatal(err)
	}
	if final.AttemptsUsed != maxAttempts {
		t.Errorf("final AttemptsUsed = %d, want %d", final.AttemptsUsed, maxAttempts)
	}
	if final.Result != model.ResultValidatedFail {
		t.Errorf("final Result = %q, want validated_fail", final.Result)
	}
}

// A resend or fallback creates a new challenge while validations against
// the previous one are still in flight. Both paths touch the consent's
// challenge list and must serialize on its lock.
func TestRecordAttemptDuringChallengeCreation(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	consent := newConsent()
	store.CreateConsent(ctx, consent)

	first := newChallenge(consent.ConsentID, 1000, time.Now().Add(time.Minute))
	store.CreateChallenge(ctx, first)

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			if _, _, _, err := store.RecordAttempt(ctx, first.ChallengeID, time.Now(), matchCode("nope"), model.RequestMeta{}); err != nil {
				t.Errorf("RecordAttempt failed: %v", err)
				return
			}
		}
	}()

	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			ch := newChallenge(consent.ConsentID, 3, time.Now().Add(time.Minute))
			if err := store.CreateChallenge(ctx, ch); err != nil {
				t.Errorf("CreateChallenge failed: %v", err)
				return
			}
		}
	}()

	wg.Wait()

	final, err := store.GetChallenge(ctx, first.ChallengeID)
	if err != nil {
		t.Fatal(err)
	}
	if final.AttemptsUsed != 100 {
		t.Errorf("AttemptsUsed = %d, want 100", final.AttemptsUsed)
	}
}

func TestAuditTrailOrderingAndImmutability(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	consent := newConsent()
	store.CreateConsent(ctx, consent)

	base := time.Now()
	for i, eventType := range []model.AuditEventType{model.EventGenerated, model.EventSent, model.EventValidatedOK} {
		ev := &model.OTPAuditLog{
			AuditID:   uuid.New(),
			ConsentID: consent.ConsentID,
			EventType: eventType,
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := store.AppendAudit(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.ListAudit(ctx, consent.ConsentID)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].CreatedAt.Before(events[i-1].CreatedAt) {
			t.Error("audit trail out of order")
		}
	}

	// Mutating a returned row must not leak into the store.
	events[0].EventType = model.EventInvalidated
	again, _ := store.ListAudit(ctx, consent.ConsentID)
	if again[0].EventType != model.EventGenerated {
		t.Error("caller mutation reached the stored audit row")
	}
}

func TestInvalidateChallengeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	consent := newConsent()
	store.CreateConsent(ctx, consent)

	ch := newChallenge(consent.ConsentID, 3, time.Now().Add(time.Minute))
	store.CreateChallenge(ctx, ch)

	first := time.Now()
	if err := store.InvalidateChallenge(ctx, ch.ChallengeID, first, model.ReasonUserCancelled); err != nil {
		t.Fatal(err)
	}
	later := first.Add(time.Minute)
	if err := store.InvalidateChallenge(ctx, ch.ChallengeID, later, model.ReasonReplacedByResend); err != nil {
		t.Fatal(err)
	}

	got, _ := store.GetChallenge(ctx, ch.ChallengeID)
	if got.InvalidatedAt == nil || !got.InvalidatedAt.Equal(first) {
		t.Error("second invalidation overwrote the first")
	}
	if got.LastError != model.ReasonUserCancelled {
		t.Errorf("LastError = %q, want the original reason", got.LastError)
	}
}
