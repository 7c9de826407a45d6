package memory

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"consent-otp-service/internal/model"
)

// Store is the in-memory implementation of model.Store used for local
// development and tests. All mutations on one consent serialize on that
// consent's mutex, so the atomicity contract holds without a database.
type Store struct {
	mu         sync.RWMutex
	consents   map[uuid.UUID]*consentState
	challenges map[uuid.UUID]uuid.UUID // challenge -> owning consent
}

type consentState struct {
	mu         sync.Mutex
	consent    model.ConsentOTP
	challenges []*model.OTPChallenge
	audit      []*model.OTPAuditLog
}

func NewStore() *Store {
	return &Store{
		consents:   make(map[uuid.UUID]*consentState),
		challenges: make(map[uuid.UUID]uuid.UUID),
	}
}

func (s *Store) CreateConsent(ctx context.Context, consent *model.ConsentOTP, events ...*model.OTPAuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.consents[consent.ConsentID]; ok {
		return fmt.Errorf("consent %s already exists", consent.ConsentID)
	}

	cs := &consentState{consent: *consent}
	for _, ev := range events {
		e := *ev
		cs.audit = append(cs.audit, &e)
	}
	s.consents[consent.ConsentID] = cs
	return nil
}

func (s *Store) GetConsent(ctx context.Context, consentID uuid.UUID) (*model.ConsentOTP, error) {
	cs, err := s.state(consentID)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := cs.consent
	return &c, nil
}

func (s *Store) UpdateConsent(ctx context.Context, consent *model.ConsentOTP, events ...*model.OTPAuditLog) error {
	cs, err := s.state(consent.ConsentID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.consent = *consent
	cs.appendAudit(events)
	return nil
}

func (s *Store) CreateChallenge(ctx context.Context, challenge *model.OTPChallenge, events ...*model.OTPAuditLog) error {
	cs, err := s.state(challenge.ConsentID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	ch := *challenge
	cs.challenges = append(cs.challenges, &ch)
	cs.appendAudit(events)
	cs.mu.Unlock()

	s.mu.Lock()
	s.challenges[challenge.ChallengeID] = challenge.ConsentID
	s.mu.Unlock()
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, challengeID uuid.UUID) (*model.OTPChallenge, error) {
	cs, ch, err := s.challengeState(challengeID)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := *ch
	return &c, nil
}

func (s *Store) ActiveChallenge(ctx context.Context, consentID uuid.UUID) (*model.OTPChallenge, error) {
	cs, err := s.state(consentID)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	// Latest first: at most one challenge is unresolved at any time, and
	// it is always the newest.
	for i := len(cs.challenges) - 1; i >= 0; i-- {
		ch := cs.challenges[i]
		if ch.Result == model.ResultPending && ch.InvalidatedAt == nil {
			c := *ch
			return &c, nil
		}
	}
	return nil, model.ErrNoActiveChallenge
}

func (s *Store) MarkChallengeSent(ctx context.Context, challengeID uuid.UUID, sentAt time.Time, sendAttempts int, events ...*model.OTPAuditLog) error {
	cs, ch, err := s.challengeState(challengeID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	ch.SentAt = sentAt
	ch.SendAttempts = sendAttempts
	ch.LastError = ""
	cs.appendAudit(events)
	return nil
}

func (s *Store) MarkSendFailed(ctx context.Context, challengeID uuid.UUID, lastError string, events ...*model.OTPAuditLog) error {
	cs, ch, err := s.challengeState(challengeID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	ch.LastError = lastError
	cs.appendAudit(events)
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, challengeID uuid.UUID, now time.Time, verify model.CodeVerifier, meta model.RequestMeta) (model.AttemptOutcome, *model.OTPChallenge, *model.OTPAuditLog, error) {
	cs, ch, err := s.challengeState(challengeID)
	if err != nil {
		return "", nil, nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	// Losers of a resolution race land here. No state change, no audit row.
	if ch.Result != model.ResultPending || ch.InvalidatedAt != nil {
		c := *ch
		return model.AttemptAlreadyResolved, &c, nil, nil
	}

	// Expiry beats everything, including a correct code.
	if ch.Expired(now) {
		ch.Result = model.ResultExpired
		ev := attemptAudit(ch, model.EventExpired, string(model.ResultExpired), model.ReasonTTLElapsed, meta, now)
		cs.audit = append(cs.audit, ev)
		c, e := *ch, *ev
		return model.AttemptExpired, &c, &e, nil
	}

	// The budget gate never increments past the cap.
	if ch.AttemptsUsed >= ch.MaxAttempts {
		ch.Result = model.ResultValidatedFail
		ev := attemptAudit(ch, model.EventValidatedFail, string(model.ResultValidatedFail), model.ReasonMaxAttempts, meta, now)
		cs.audit = append(cs.audit, ev)
		c, e := *ch, *ev
		return model.AttemptsExhausted, &c, &e, nil
	}

	ch.AttemptsUsed++

	if verify(ch.CodeHash) {
		ch.Result = model.ResultValidatedOK
		ch.VerifiedAt = &now
		ev := attemptAudit(ch, model.EventValidatedOK, string(model.ResultValidatedOK), "", meta, now)
		cs.audit = append(cs.audit, ev)
		c, e := *ch, *ev
		return model.AttemptOK, &c, &e, nil
	}

	if ch.AttemptsUsed >= ch.MaxAttempts {
		ch.Result = model.ResultValidatedFail
		ev := attemptAudit(ch, model.EventValidatedFail, string(model.ResultValidatedFail), model.ReasonMaxAttempts, meta, now)
		cs.audit = append(cs.audit, ev)
		c, e := *ch, *ev
		return model.AttemptsExhausted, &c, &e, nil
	}

	ev := attemptAudit(ch, model.EventValidatedFail, string(model.ResultPending), model.ReasonInvalidCode, meta, now)
	cs.audit = append(cs.audit, ev)
	c, e := *ch, *ev
	return model.AttemptWrongCode, &c, &e, nil
}

func (s *Store) InvalidateChallenge(ctx context.Context, challengeID uuid.UUID, now time.Time, reason string, events ...*model.OTPAuditLog) error {
	cs, ch, err := s.challengeState(challengeID)
	if err != nil {
		return err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if ch.InvalidatedAt == nil && ch.Result == model.ResultPending {
		ch.InvalidatedAt = &now
		ch.LastError = reason
	}
	cs.appendAudit(events)
	return nil
}

func (s *Store) AppendAudit(ctx context.Context, events ...*model.OTPAuditLog) error {
	for _, ev := range events {
		cs, err := s.state(ev.ConsentID)
		if err != nil {
			return err
		}
		cs.mu.Lock()
		e := *ev
		cs.audit = append(cs.audit, &e)
		cs.mu.Unlock()
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, consentID uuid.UUID) ([]*model.OTPAuditLog, error) {
	cs, err := s.state(consentID)
	if err != nil {
		return nil, err
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	out := make([]*model.OTPAuditLog, 0, len(cs.audit))
	for _, ev := range cs.audit {
		e := *ev
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) HealthCheck(ctx context.Context) error { return nil }

func (s *Store) state(consentID uuid.UUID) (*consentState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.consents[consentID]
	if !ok {
		return nil, model.ErrConsentNotFound
	}
	return cs, nil
}

func (s *Store) challengeState(challengeID uuid.UUID) (*consentState, *model.OTPChallenge, error) {
	s.mu.RLock()
	consentID, ok := s.challenges[challengeID]
	if !ok {
		s.mu.RUnlock()
		return nil, nil, model.ErrChallengeNotFound
	}
	cs := s.consents[consentID]
	s.mu.RUnlock()

	// cs.challenges is appended to under cs.mu; the scan must hold it too.
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, ch := range cs.challenges {
		if ch.ChallengeID == challengeID {
			return cs, ch, nil
		}
	}
	return nil, nil, model.ErrChallengeNotFound
}

// appendAudit copies rows under the caller's lock.
func (cs *consentState) appendAudit(events []*model.OTPAuditLog) {
	for _, ev := range events {
		e := *ev
		cs.audit = append(cs.audit, &e)
	}
}

func attemptAudit(ch *model.OTPChallenge, event model.AuditEventType, result, reason string, meta model.RequestMeta, now time.Time) *model.OTPAuditLog {
	cid := ch.ChallengeID
	return &model.OTPAuditLog{
		AuditID:     uuid.New(),
		ConsentID:   ch.ConsentID,
		ChallengeID: &cid,
		EventType:   event,
		Channel:     ch.Channel,
		Provider:    ch.Provider,
		Result:      result,
		Reason:      reason,
		Meta:        meta,
		Payload: map[string]string{
			"attempts_used": strconv.Itoa(ch.AttemptsUsed),
			"max_attempts":  strconv.Itoa(ch.MaxAttempts),
		},
		CreatedAt: now,
	}
}
