package scylla

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consent-otp-service/internal/bucketing"
	"consent-otp-service/internal/model"
	"consent-otp-service/internal/util"
)

// Conditional updates for the attempt path. The IF clause on result and
// attempts_used serializes concurrent validations: only one caller per
// observed attempt count wins, everyone else re-reads.
const (
	cqlAttemptAdvance = `
        UPDATE otp_challenges SET attempts_used = ?
        WHERE consent_id = ? AND challenge_id = ?
        IF result = 'pending' AND attempts_used = ?`

	cqlAttemptResolve = `
        UPDATE otp_challenges SET attempts_used = ?, result = ?
        WHERE consent_id = ? AND challenge_id = ?
        IF result = 'pending' AND attempts_used = ?`

	cqlAttemptResolveOK = `
        UPDATE otp_challenges SET attempts_used = ?, result = ?, verified_at = ?
        WHERE consent_id = ? AND challenge_id = ?
        IF result = 'pending' AND attempts_used = ?`
)

const attemptCASRetries = 4

// Store is the ScyllaDB implementation of model.Store.
//
// Tables:
//
//	consent_otps         PK ((consent_bucket), consent_id)
//	otp_challenges       PK ((consent_id), challenge_id)
//	challenge_to_consent PK (challenge_id)
//	otp_audit_logs       PK ((consent_id), created_at, audit_id)
//
// State writes and their audit rows go out in one logged batch. The
// attempt path uses lightweight transactions instead; its audit row is
// written right after the winning CAS, so a crash in that window can
// lose one audit row but never an attempt increment.
type Store struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewStore(client *ScyllaClient, buckets *bucketing.BucketingManager) *Store {
	return &Store{client: client, buckets: buckets}
}

func (s *Store) CreateConsent(ctx context.Context, consent *model.ConsentOTP, events ...*model.OTPAuditLog) error {
	batch := s.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(cqlInsertConsent, s.consentArgs(consent)...)
	s.appendAuditToBatch(batch, events)

	if err := s.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create consent",
			zap.String("consent_id", consent.ConsentID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create consent: %w", err)
	}
	return nil
}

func (s *Store) GetConsent(ctx context.Context, consentID uuid.UUID) (*model.ConsentOTP, error) {
	bucket := s.buckets.ConsentBucket(consentID)
	query := s.client.Prepared.GetConsent.Bind(bucket, consentID.String()).WithContext(ctx)

	consent, err := scanConsent(query)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrConsentNotFound
		}
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	return consent, nil
}

func (s *Store) UpdateConsent(ctx context.Context, consent *model.ConsentOTP, events ...*model.OTPAuditLog) error {
	bucket := s.buckets.ConsentBucket(consent.ConsentID)

	batch := s.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(cqlUpdateConsent,
		string(consent.Status), string(consent.AuthorizedChannel), consent.AuthorizedOTPMasked,
		consent.FallbackUsed, consent.ResendCount, consent.LastSentAt.UTC(),
		consent.LastError, consent.UpdatedAt.UTC(),
		bucket, consent.ConsentID.String())
	s.appendAuditToBatch(batch, events)

	if err := s.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to update consent",
			zap.String("consent_id", consent.ConsentID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to update consent: %w", err)
	}
	return nil
}

func (s *Store) CreateChallenge(ctx context.Context, challenge *model.OTPChallenge, events ...*model.OTPAuditLog) error {
	batch := s.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(cqlInsertChallenge, s.challengeArgs(challenge)...)
	batch.Query(cqlInsertChallengeLookup,
		challenge.ChallengeID.String(), challenge.ConsentID.String())
	s.appendAuditToBatch(batch, events)

	if err := s.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create challenge",
			zap.String("challenge_id", challenge.ChallengeID.String()),
			zap.Error(err))
		return fmt.Errorf("failed to create challenge: %w", err)
	}
	return nil
}

func (s *Store) GetChallenge(ctx context.Context, challengeID uuid.UUID) (*model.OTPChallenge, error) {
	consentID, err := s.challengeConsent(ctx, challengeID)
	if err != nil {
		return nil, err
	}

	query := s.client.Prepared.GetChallenge.
		Bind(consentID.String(), challengeID.String()).WithContext(ctx)

	challenge, err := scanChallenge(query)
	if err != nil {
		if err == gocql.ErrNotFound {
			return nil, model.ErrChallengeNotFound
		}
		return nil, fmt.Errorf("failed to get challenge: %w", err)
	}
	return challenge, nil
}

func (s *Store) ActiveChallenge(ctx context.Context, consentID uuid.UUID) (*model.OTPChallenge, error) {
	iter := s.client.Prepared.ListChallenges.Bind(consentID.String()).WithContext(ctx).Iter()

	var active *model.OTPChallenge
	for {
		challenge, ok, err := scanChallengeIter(iter)
		if err != nil {
			iter.Close()
			return nil, fmt.Errorf("failed to list challenges: %w", err)
		}
		if !ok {
			break
		}
		if challenge.Result != model.ResultPending || challenge.InvalidatedAt != nil {
			continue
		}
		if active == nil || challenge.CreatedAt.After(active.CreatedAt) {
			active = challenge
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list challenges: %w", err)
	}
	if active == nil {
		return nil, model.ErrNoActiveChallenge
	}
	return active, nil
}

func (s *Store) MarkChallengeSent(ctx context.Context, challengeID uuid.UUID, sentAt time.Time, sendAttempts int, events ...*model.OTPAuditLog) error {
	consentID, err := s.challengeConsent(ctx, challengeID)
	if err != nil {
		return err
	}

	batch := s.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(cqlMarkChallengeSent,
		sentAt.UTC(), sendAttempts, consentID.String(), challengeID.String())
	s.appendAuditToBatch(batch, events)

	if err := s.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to mark challenge sent: %w", err)
	}
	return nil
}

func (s *Store) MarkSendFailed(ctx context.Context, challengeID uuid.UUID, lastError string, events ...*model.OTPAuditLog) error {
	consentID, err := s.challengeConsent(ctx, challengeID)
	if err != nil {
		return err
	}

	batch := s.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	batch.Query(cqlMarkSendFailed, lastError, consentID.String(), challengeID.String())
	s.appendAuditToBatch(batch, events)

	if err := s.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to mark send failed: %w", err)
	}
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, challengeID uuid.UUID, now time.Time, verify model.CodeVerifier, meta model.RequestMeta) (model.AttemptOutcome, *model.OTPChallenge, *model.OTPAuditLog, error) {
	for i := 0; i < attemptCASRetries; i++ {
		challenge, err := s.GetChallenge(ctx, challengeID)
		if err != nil {
			return "", nil, nil, err
		}

		if challenge.Result != model.ResultPending || challenge.InvalidatedAt != nil {
			return model.AttemptAlreadyResolved, challenge, nil, nil
		}

		var (
			query   *gocql.Query
			outcome model.AttemptOutcome
			event   model.AuditEventType
			result  string
			reason  string
		)

		observed := challenge.AttemptsUsed
		cid, chid := challenge.ConsentID.String(), challengeID.String()

		switch {
		case challenge.Expired(now):
			query = s.client.Query(cqlAttemptResolve,
				observed, string(model.ResultExpired), cid, chid, observed)
			challenge.Result = model.ResultExpired
			outcome, event = model.AttemptExpired, model.EventExpired
			result, reason = string(model.ResultExpired), model.ReasonTTLElapsed

		case observed >= challenge.MaxAttempts:
			query = s.client.Query(cqlAttemptResolve,
				observed, string(model.ResultValidatedFail), cid, chid, observed)
			challenge.Result = model.ResultValidatedFail
			outcome, event = model.AttemptsExhausted, model.EventValidatedFail
			result, reason = string(model.ResultValidatedFail), model.ReasonMaxAttempts

		default:
			next := observed + 1
			challenge.AttemptsUsed = next
			if verify(challenge.CodeHash) {
				query = s.client.Query(cqlAttemptResolveOK,
					next, string(model.ResultValidatedOK), now.UTC(), cid, chid, observed)
				challenge.Result = model.ResultValidatedOK
				challenge.VerifiedAt = &now
				outcome, event = model.AttemptOK, model.EventValidatedOK
				result = string(model.ResultValidatedOK)
			} else if next >= challenge.MaxAttempts {
				query = s.client.Query(cqlAttemptResolve,
					next, string(model.ResultValidatedFail), cid, chid, observed)
				challenge.Result = model.ResultValidatedFail
				outcome, event = model.AttemptsExhausted, model.EventValidatedFail
				result, reason = string(model.ResultValidatedFail), model.ReasonMaxAttempts
			} else {
				query = s.client.Query(cqlAttemptAdvance, next, cid, chid, observed)
				outcome, event = model.AttemptWrongCode, model.EventValidatedFail
				result, reason = string(model.ResultPending), model.ReasonInvalidCode
			}
		}

		applied, err := query.WithContext(ctx).MapScanCAS(make(map[string]interface{}))
		if err != nil {
			return "", nil, nil, fmt.Errorf("attempt CAS failed: %w", err)
		}
		if !applied {
			// Lost the race, re-read and re-evaluate.
			continue
		}

		ev := &model.OTPAuditLog{
			AuditID:     uuid.New(),
			ConsentID:   challenge.ConsentID,
			ChallengeID: &challengeID,
			EventType:   event,
			Channel:     challenge.Channel,
			Provider:    challenge.Provider,
			Result:      result,
			Reason:      reason,
			Meta:        meta,
			Payload: map[string]string{
				"attempts_used": strconv.Itoa(challenge.AttemptsUsed),
				"max_attempts":  strconv.Itoa(challenge.MaxAttempts),
			},
			CreatedAt: now,
		}
		if err := s.AppendAudit(ctx, ev); err != nil {
			util.Error("Failed to append attempt audit row",
				zap.String("challenge_id", chid),
				zap.Error(err))
		}
		return outcome, challenge, ev, nil
	}

	return "", nil, nil, fmt.Errorf("attempt contention on challenge %s", challengeID)
}

func (s *Store) InvalidateChallenge(ctx context.Context, challengeID uuid.UUID, now time.Time, reason string, events ...*model.OTPAuditLog) error {
	consentID, err := s.challengeConsent(ctx, challengeID)
	if err != nil {
		return err
	}

	query := s.client.Query(cqlInvalidateChallenge,
		now.UTC(), reason, consentID.String(), challengeID.String()).WithContext(ctx)

	// Already-resolved challenges fail the IF clause; invalidation is
	// idempotent so that is not an error.
	if _, err := query.MapScanCAS(make(map[string]interface{})); err != nil {
		return fmt.Errorf("failed to invalidate challenge: %w", err)
	}

	return s.AppendAudit(ctx, events...)
}

func (s *Store) AppendAudit(ctx context.Context, events ...*model.OTPAuditLog) error {
	if len(events) == 0 {
		return nil
	}

	batch := s.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	s.appendAuditToBatch(batch, events)

	if err := s.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to append audit rows: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, consentID uuid.UUID) ([]*model.OTPAuditLog, error) {
	iter := s.client.Prepared.ListAudit.Bind(consentID.String()).WithContext(ctx).Iter()

	var out []*model.OTPAuditLog
	for {
		ev, ok, err := scanAuditIter(iter)
		if err != nil {
			iter.Close()
			return nil, fmt.Errorf("failed to list audit rows: %w", err)
		}
		if !ok {
			break
		}
		out = append(out, ev)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list audit rows: %w", err)
	}
	return out, nil
}

func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck()
}

// -------------------- helpers --------------------

func (s *Store) challengeConsent(ctx context.Context, challengeID uuid.UUID) (uuid.UUID, error) {
	var raw string
	query := s.client.Prepared.GetChallengeConsent.Bind(challengeID.String()).WithContext(ctx)
	if err := s.client.ScanWithRetry(query, &raw); err != nil {
		if err == gocql.ErrNotFound {
			return uuid.Nil, model.ErrChallengeNotFound
		}
		return uuid.Nil, fmt.Errorf("failed to resolve challenge owner: %w", err)
	}
	return uuid.Parse(raw)
}

func (s *Store) consentArgs(c *model.ConsentOTP) []interface{} {
	return []interface{}{
		s.buckets.ConsentBucket(c.ConsentID), c.ConsentID.String(), c.SubjectRef, c.FullName,
		c.PhoneMasked, c.PhoneEncrypted, c.EmailMasked, c.EmailEncrypted,
		string(c.Status), string(c.AuthorizedChannel), c.AuthorizedOTPMasked, c.FallbackUsed,
		c.ResendCount, c.LastSentAt.UTC(), c.LastError, c.CreatedAt.UTC(), c.UpdatedAt.UTC(),
	}
}

func (s *Store) challengeArgs(c *model.OTPChallenge) []interface{} {
	return []interface{}{
		c.ConsentID.String(), c.ChallengeID.String(), string(c.Channel), string(c.Provider),
		c.DestinationMasked, c.DestinationEncrypted,
		c.CodeHash, c.CodeEncrypted, c.CodeMasked,
		string(c.Result), c.ExpiresAt.UTC(), c.MaxAttempts, c.AttemptsUsed, c.SendAttempts,
		string(c.FallbackReason), c.SentAt.UTC(), optionalTime(c.VerifiedAt), optionalTime(c.InvalidatedAt),
		c.LastError, c.CreatedAt.UTC(),
	}
}

func (s *Store) appendAuditToBatch(batch *gocql.Batch, events []*model.OTPAuditLog) {
	for _, ev := range events {
		challengeID := ""
		if ev.ChallengeID != nil {
			challengeID = ev.ChallengeID.String()
		}
		batch.Query(cqlInsertAudit,
			ev.ConsentID.String(), ev.CreatedAt.UTC(), ev.AuditID.String(), challengeID,
			string(ev.EventType), string(ev.Channel), string(ev.Provider),
			ev.Result, ev.Reason,
			ev.Meta.SessionKey, ev.Meta.IPAddress, ev.Meta.ForwardedFor, ev.Meta.UserAgent,
			ev.Payload)
	}
}

func optionalTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() || t.Unix() <= 0 {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanConsent(query *gocql.Query) (*model.ConsentOTP, error) {
	var (
		bucket                           int
		consentID, subjectRef, fullName  string
		phoneMasked, phoneEnc            string
		emailMasked, emailEnc            string
		status, authChannel, authMasked  string
		fallbackUsed                     bool
		resendCount                      int
		lastSentAt, createdAt, updatedAt time.Time
		lastError                        string
	)

	err := query.Scan(&bucket, &consentID, &subjectRef, &fullName,
		&phoneMasked, &phoneEnc, &emailMasked, &emailEnc,
		&status, &authChannel, &authMasked, &fallbackUsed,
		&resendCount, &lastSentAt, &lastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(consentID)
	if err != nil {
		return nil, fmt.Errorf("corrupt consent id %q: %w", consentID, err)
	}

	return &model.ConsentOTP{
		ConsentID:           id,
		SubjectRef:          subjectRef,
		FullName:            fullName,
		PhoneMasked:         phoneMasked,
		PhoneEncrypted:      phoneEnc,
		EmailMasked:         emailMasked,
		EmailEncrypted:      emailEnc,
		Status:              model.ConsentStatus(status),
		AuthorizedChannel:   model.Channel(authChannel),
		AuthorizedOTPMasked: authMasked,
		FallbackUsed:        fallbackUsed,
		ResendCount:         resendCount,
		LastSentAt:          lastSentAt,
		LastError:           lastError,
		CreatedAt:           createdAt,
		UpdatedAt:           updatedAt,
	}, nil
}

type challengeRow struct {
	consentID, challengeID, channel, provider string
	destMasked, destEnc                       string
	codeHash, codeEnc, codeMasked             string
	result                                    string
	expiresAt, sentAt                         time.Time
	verifiedAt, invalidatedAt, createdAt      time.Time
	maxAttempts, attemptsUsed, sendAttempts   int
	fallbackReason, lastError                 string
}

func (r *challengeRow) fields() []interface{} {
	return []interface{}{
		&r.consentID, &r.challengeID, &r.channel, &r.provider,
		&r.destMasked, &r.destEnc,
		&r.codeHash, &r.codeEnc, &r.codeMasked,
		&r.result, &r.expiresAt, &r.maxAttempts, &r.attemptsUsed, &r.sendAttempts,
		&r.fallbackReason, &r.sentAt, &r.verifiedAt, &r.invalidatedAt,
		&r.lastError, &r.createdAt,
	}
}

func (r *challengeRow) toModel() (*model.OTPChallenge, error) {
	consentID, err := uuid.Parse(r.consentID)
	if err != nil {
		return nil, fmt.Errorf("corrupt consent id %q: %w", r.consentID, err)
	}
	challengeID, err := uuid.Parse(r.challengeID)
	if err != nil {
		return nil, fmt.Errorf("corrupt challenge id %q: %w", r.challengeID, err)
	}

	return &model.OTPChallenge{
		ChallengeID:          challengeID,
		ConsentID:            consentID,
		Channel:              model.Channel(r.channel),
		Provider:             model.Provider(r.provider),
		DestinationMasked:    r.destMasked,
		DestinationEncrypted: r.destEnc,
		CodeHash:             r.codeHash,
		CodeEncrypted:        r.codeEnc,
		CodeMasked:           r.codeMasked,
		Result:               model.ChallengeResult(r.result),
		ExpiresAt:            r.expiresAt,
		MaxAttempts:          r.maxAttempts,
		AttemptsUsed:         r.attemptsUsed,
		SendAttempts:         r.sendAttempts,
		FallbackReason:       model.FallbackReason(r.fallbackReason),
		SentAt:               r.sentAt,
		VerifiedAt:           timePtr(r.verifiedAt),
		InvalidatedAt:        timePtr(r.invalidatedAt),
		LastError:            r.lastError,
		CreatedAt:            r.createdAt,
	}, nil
}

func scanChallenge(query *gocql.Query) (*model.OTPChallenge, error) {
	var row challengeRow
	if err := query.Scan(row.fields()...); err != nil {
		return nil, err
	}
	return row.toModel()
}

func scanChallengeIter(iter *gocql.Iter) (*model.OTPChallenge, bool, error) {
	var row challengeRow
	if !iter.Scan(row.fields()...) {
		return nil, false, nil
	}
	challenge, err := row.toModel()
	if err != nil {
		return nil, false, err
	}
	return challenge, true, nil
}

func scanAuditIter(iter *gocql.Iter) (*model.OTPAuditLog, bool, error) {
	var (
		consentID, auditID, challengeID          string
		eventType, channel, provider             string
		result, reason                           string
		sessionKey, ipAddress, fwdFor, userAgent string
		payload                                  map[string]string
		createdAt                                time.Time
	)

	if !iter.Scan(&consentID, &createdAt, &auditID, &challengeID,
		&eventType, &channel, &provider, &result, &reason,
		&sessionKey, &ipAddress, &fwdFor, &userAgent, &payload) {
		return nil, false, nil
	}

	cid, err := uuid.Parse(consentID)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt consent id %q: %w", consentID, err)
	}
	aid, err := uuid.Parse(auditID)
	if err != nil {
		return nil, false, fmt.Errorf("corrupt audit id %q: %w", auditID, err)
	}

	var chID *uuid.UUID
	if challengeID != "" {
		parsed, err := uuid.Parse(challengeID)
		if err != nil {
			return nil, false, fmt.Errorf("corrupt challenge id %q: %w", challengeID, err)
		}
		chID = &parsed
	}

	return &model.OTPAuditLog{
		AuditID:     aid,
		ConsentID:   cid,
		ChallengeID: chID,
		EventType:   model.AuditEventType(eventType),
		Channel:     model.Channel(channel),
		Provider:    model.Provider(provider),
		Result:      result,
		Reason:      reason,
		Meta: model.RequestMeta{
			SessionKey:   sessionKey,
			IPAddress:    ipAddress,
			ForwardedFor: fwdFor,
			UserAgent:    userAgent,
		},
		Payload:   payload,
		CreatedAt: createdAt,
	}, true, nil
}
