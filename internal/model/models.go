package model

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// -------------------- CONSENT FLOW --------------------

type ConsentStatus string

const (
	ConsentPending      ConsentStatus = "pending"
	ConsentOTPSent      ConsentStatus = "otp_sent"
	ConsentValidated    ConsentStatus = "otp_validated"
	ConsentFailed       ConsentStatus = "otp_failed"
	ConsentFallback     ConsentStatus = "fallback_used"
	ConsentExpired      ConsentStatus = "expired"
	ConsentDocGenerated ConsentStatus = "consent_generated"
)

// IsTerminal reports whether the consent flow can no longer accept
// validation. Terminal consents are never reopened; a new user action
// creates a new ConsentOTP.
func (s ConsentStatus) IsTerminal() bool {
	switch s {
	case ConsentValidated, ConsentFailed, ConsentExpired, ConsentDocGenerated:
		return true
	}
	return false
}

type Channel string

const (
	ChannelSMS   Channel = "sms"
	ChannelEmail Channel = "email"
)

type Provider string

const (
	ProviderTwilioSMS     Provider = "twilio_sms"
	ProviderInternalEmail Provider = "internal_email"
)

// ConsentOTP is one end-user consent flow. It owns zero or more
// challenges in chronological order (primary, then at most one fallback).
type ConsentOTP struct {
	ConsentID           uuid.UUID     `json:"consent_id" db:"consent_id"`
	SubjectRef          string        `json:"subject_ref" db:"subject_ref"` // document/person consulted
	FullName            string        `json:"full_name" db:"full_name"`
	PhoneMasked         string        `json:"phone_masked" db:"phone_masked"`
	PhoneEncrypted      string        `json:"-" db:"phone_encrypted"`
	EmailMasked         string        `json:"email_masked" db:"email_masked"`
	EmailEncrypted      string        `json:"-" db:"email_encrypted"`
	Status              ConsentStatus `json:"status" db:"status"`
	AuthorizedChannel   Channel       `json:"authorized_channel,omitempty" db:"authorized_channel"`
	AuthorizedOTPMasked string        `json:"authorized_otp_masked,omitempty" db:"authorized_otp_masked"`
	FallbackUsed        bool          `json:"fallback_used" db:"fallback_used"`
	ResendCount         int           `json:"resend_count" db:"resend_count"`
	LastSentAt          time.Time     `json:"last_sent_at" db:"last_sent_at"`
	LastError           string        `json:"-" db:"last_error"`
	CreatedAt           time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at" db:"updated_at"`
}

// -------------------- CHALLENGE --------------------

type ChallengeResult string

const (
	ResultPending       ChallengeResult = "pending"
	ResultValidatedOK   ChallengeResult = "validated_ok"
	ResultValidatedFail ChallengeResult = "validated_fail"
	ResultExpired       ChallengeResult = "expired"
)

// OTPChallenge is one issued code on one channel with its own expiry and
// attempt budget. Once Result leaves pending the record is immutable.
type OTPChallenge struct {
	ChallengeID          uuid.UUID       `json:"challenge_id" db:"challenge_id"`
	ConsentID            uuid.UUID       `json:"consent_id" db:"consent_id"`
	Channel              Channel         `json:"channel" db:"channel"`
	Provider             Provider        `json:"provider" db:"provider"`
	DestinationMasked    string          `json:"destination_masked" db:"destination_masked"`
	DestinationEncrypted string          `json:"-" db:"destination_encrypted"`
	CodeHash             string          `json:"-" db:"code_hash"` // serialized hash record, never plaintext
	CodeEncrypted        string          `json:"-" db:"code_encrypted"`
	CodeMasked           string          `json:"code_masked" db:"code_masked"`
	Result               ChallengeResult `json:"result" db:"result"`
	ExpiresAt            time.Time       `json:"expires_at" db:"expires_at"`
	MaxAttempts          int             `json:"max_attempts" db:"max_attempts"`
	AttemptsUsed         int             `json:"attempts_used" db:"attempts_used"`
	SendAttempts         int             `json:"send_attempts" db:"send_attempts"`
	FallbackReason       FallbackReason  `json:"fallback_reason,omitempty" db:"fallback_reason"`
	SentAt               time.Time       `json:"sent_at" db:"sent_at"`
	VerifiedAt           *time.Time      `json:"verified_at,omitempty" db:"verified_at"`
	InvalidatedAt        *time.Time      `json:"invalidated_at,omitempty" db:"invalidated_at"`
	LastError            string          `json:"-" db:"last_error"`
	Meta                 RequestMeta     `json:"-" db:"-"`
	CreatedAt            time.Time       `json:"created_at" db:"created_at"`
}

// Expired evaluates expiry against the given instant. A challenge is
// expired the moment now passes expires_at, whether or not any process
// has touched it since.
func (c *OTPChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Active reports whether the challenge can still accept a validation call.
func (c *OTPChallenge) Active(now time.Time) bool {
	return c.Result == ResultPending && c.InvalidatedAt == nil && !c.Expired(now)
}

// -------------------- ATTEMPT OUTCOMES --------------------

type AttemptOutcome string

const (
	AttemptOK              AttemptOutcome = "validated_ok"
	AttemptWrongCode       AttemptOutcome = "validated_fail"
	AttemptsExhausted      AttemptOutcome = "attempts_exhausted"
	AttemptExpired         AttemptOutcome = "expired"
	AttemptAlreadyResolved AttemptOutcome = "already_resolved"
)

// CodeVerifier checks a submitted code against a stored hash record.
// It is supplied by the orchestrator so stores stay hash-agnostic.
type CodeVerifier func(codeHash string) bool

// -------------------- FALLBACK --------------------

type FallbackReason string

const (
	FallbackNone          FallbackReason = ""
	FallbackValidatedFail FallbackReason = "validated_fail"
	FallbackExpired       FallbackReason = "expired"
	FallbackTimeout       FallbackReason = "timeout"
	FallbackResend        FallbackReason = "resend"
)

// FallbackDecision is the result of the fallback policy check.
type FallbackDecision struct {
	Activate bool
	Reason   FallbackReason
}

// -------------------- AUDIT --------------------

type AuditEventType string

const (
	EventGenerated       AuditEventType = "generated"
	EventSent            AuditEventType = "sent"
	EventValidatedOK     AuditEventType = "validated_ok"
	EventValidatedFail   AuditEventType = "validated_fail"
	EventFallbackEnabled AuditEventType = "fallback_enabled"
	EventFallbackUsed    AuditEventType = "fallback_used"
	EventInvalidated     AuditEventType = "invalidated"
	EventExpired         AuditEventType = "expired"
)

// Audit reason and result vocabulary. Compliance tooling matches on these
// strings, so they never change once emitted.
const (
	ReasonInvalidCode      = "invalid_code"
	ReasonMaxAttempts      = "max_attempts_reached"
	ReasonTTLElapsed       = "ttl_elapsed"
	ReasonUserCancelled    = "user_cancelled"
	ReasonReplacedByResend = "replaced_by_new_send"
	ReasonFallbackTimeout  = "fallback_timeout"

	ResultSendError        = "send_error"
	ResultConsentGenerated = "consent_generated"
)

// OTPAuditLog is one immutable row per state transition. Rows are never
// updated or deleted; the log is the source of truth for compliance
// reporting.
type OTPAuditLog struct {
	AuditID     uuid.UUID         `json:"audit_id" db:"audit_id"`
	ConsentID   uuid.UUID         `json:"consent_id" db:"consent_id"`
	ChallengeID *uuid.UUID        `json:"challenge_id,omitempty" db:"challenge_id"`
	EventType   AuditEventType    `json:"event_type" db:"event_type"`
	Channel     Channel           `json:"channel,omitempty" db:"channel"`
	Provider    Provider          `json:"provider,omitempty" db:"provider"`
	Result      string            `json:"result,omitempty" db:"result"`
	Reason      string            `json:"reason,omitempty" db:"reason"`
	Meta        RequestMeta       `json:"meta" db:"-"`
	Payload     map[string]string `json:"payload,omitempty" db:"payload"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// RequestMeta is the caller context snapshot attached to challenges and
// audit rows for legal traceability.
type RequestMeta struct {
	SessionKey   string `json:"session_key,omitempty"`
	IPAddress    string `json:"ip_address,omitempty"`
	ForwardedFor string `json:"forwarded_for,omitempty"`
	UserAgent    string `json:"user_agent,omitempty"`
}

// -------------------- STORE --------------------

var (
	ErrConsentNotFound   = errors.New("consent not found")
	ErrChallengeNotFound = errors.New("challenge not found")
	ErrNoActiveChallenge = errors.New("no active challenge")
)

// Clock supplies wall-clock time; injected for deterministic tests.
type Clock func() time.Time

// Store persists consents, challenges and audit rows. Every mutating call
// commits its state change and the supplied audit rows in one atomic unit
// with respect to concurrent calls on the same consent. RecordAttempt
// additionally guarantees that at most one call ever resolves a challenge
// and that attempts_used increments are serialized.
type Store interface {
	CreateConsent(ctx context.Context, consent *ConsentOTP, events ...*OTPAuditLog) error
	GetConsent(ctx context.Context, consentID uuid.UUID) (*ConsentOTP, error)
	UpdateConsent(ctx context.Context, consent *ConsentOTP, events ...*OTPAuditLog) error

	CreateChallenge(ctx context.Context, challenge *OTPChallenge, events ...*OTPAuditLog) error
	GetChallenge(ctx context.Context, challengeID uuid.UUID) (*OTPChallenge, error)
	// ActiveChallenge returns the single unresolved challenge of a consent,
	// or ErrNoActiveChallenge.
	ActiveChallenge(ctx context.Context, consentID uuid.UUID) (*OTPChallenge, error)
	MarkChallengeSent(ctx context.Context, challengeID uuid.UUID, sentAt time.Time, sendAttempts int, events ...*OTPAuditLog) error
	MarkSendFailed(ctx context.Context, challengeID uuid.UUID, lastError string, events ...*OTPAuditLog) error

	// RecordAttempt atomically evaluates one validation call: expiry first,
	// then resolution state, then the attempt budget, then the code itself.
	// It writes the matching audit row in the same unit and returns it for
	// export. Losers of a resolution race observe AttemptAlreadyResolved.
	RecordAttempt(ctx context.Context, challengeID uuid.UUID, now time.Time, verify CodeVerifier, meta RequestMeta) (AttemptOutcome, *OTPChallenge, *OTPAuditLog, error)

	// InvalidateChallenge makes a pending challenge permanently unusable
	// (user cancellation, replacement by resend, supersession by fallback).
	InvalidateChallenge(ctx context.Context, challengeID uuid.UUID, now time.Time, reason string, events ...*OTPAuditLog) error

	AppendAudit(ctx context.Context, events ...*OTPAuditLog) error
	ListAudit(ctx context.Context, consentID uuid.UUID) ([]*OTPAuditLog, error)

	HealthCheck(ctx context.Context) error
}
