package scylla

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"consent-otp-service/internal/config"
	"consent-otp-service/internal/util"
)

// CQL statements shared between prepared reads and batched writes.
const (
	cqlInsertConsent = `
        INSERT INTO consent_otps (
            consent_bucket, consent_id, subject_ref, full_name,
            phone_masked, phone_encrypted, email_masked, email_encrypted,
            status, authorized_channel, authorized_otp_masked, fallback_used,
            resend_count, last_sent_at, last_error, created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	cqlGetConsent = `
        SELECT consent_bucket, consent_id, subject_ref, full_name,
            phone_masked, phone_encrypted, email_masked, email_encrypted,
            status, authorized_channel, authorized_otp_masked, fallback_used,
            resend_count, last_sent_at, last_error, created_at, updated_at
        FROM consent_otps WHERE consent_bucket = ? AND consent_id = ?`

	cqlUpdateConsent = `
        UPDATE consent_otps SET
            status = ?, authorized_channel = ?, authorized_otp_masked = ?,
            fallback_used = ?, resend_count = ?, last_sent_at = ?,
            last_error = ?, updated_at = ?
        WHERE consent_bucket = ? AND consent_id = ?`

	cqlInsertChallenge = `
        INSERT INTO otp_challenges (
            consent_id, challenge_id, channel, provider,
            destination_masked, destination_encrypted,
            code_hash, code_encrypted, code_masked,
            result, expires_at, max_attempts, attempts_used, send_attempts,
            fallback_reason, sent_at, verified_at, invalidated_at,
            last_error, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	cqlInsertChallengeLookup = `
        INSERT INTO challenge_to_consent (challenge_id, consent_id)
        VALUES (?, ?)`

	cqlGetChallenge = `
        SELECT consent_id, challenge_id, channel, provider,
            destination_masked, destination_encrypted,
            code_hash, code_encrypted, code_masked,
            result, expires_at, max_attempts, attempts_used, send_attempts,
            fallback_reason, sent_at, verified_at, invalidated_at,
            last_error, created_at
        FROM otp_challenges WHERE consent_id = ? AND challenge_id = ?`

	cqlGetChallengeConsent = `
        SELECT consent_id FROM challenge_to_consent WHERE challenge_id = ?`

	cqlListChallenges = `
        SELECT consent_id, challenge_id, channel, provider,
            destination_masked, destination_encrypted,
            code_hash, code_encrypted, code_masked,
            result, expires_at, max_attempts, attempts_used, send_attempts,
            fallback_reason, sent_at, verified_at, invalidated_at,
            last_error, created_at
        FROM otp_challenges WHERE consent_id = ?`

	cqlMarkChallengeSent = `
        UPDATE otp_challenges SET sent_at = ?, send_attempts = ?, last_error = ''
        WHERE consent_id = ? AND challenge_id = ?`

	cqlMarkSendFailed = `
        UPDATE otp_challenges SET last_error = ?
        WHERE consent_id = ? AND challenge_id = ?`

	cqlInvalidateChallenge = `
        UPDATE otp_challenges SET invalidated_at = ?, last_error = ?
        WHERE consent_id = ? AND challenge_id = ?
        IF result = 'pending' AND invalidated_at = null`

	cqlInsertAudit = `
        INSERT INTO otp_audit_logs (
            consent_id, created_at, audit_id, challenge_id, event_type,
            channel, provider, result, reason,
            session_key, ip_address, forwarded_for, user_agent, payload
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	cqlListAudit = `
        SELECT consent_id, created_at, audit_id, challenge_id, event_type,
            channel, provider, result, reason,
            session_key, ip_address, forwarded_for, user_agent, payload
        FROM otp_audit_logs WHERE consent_id = ?`
)

// PreparedStatements holds the statements used on every request path.
type PreparedStatements struct {
	GetConsent          *gocql.Query
	GetChallenge        *gocql.Query
	GetChallengeConsent *gocql.Query
	ListChallenges      *gocql.Query
	ListAudit           *gocql.Query
}

type ScyllaClient struct {
	Session      *gocql.Session
	config       *config.ScyllaConfig
	Prepared     *PreparedStatements
	prepareMutex sync.RWMutex
	isPrepared   bool
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.MaxRoutingKeyInfo = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        time.Second,
		Max:        10 * time.Second,
		NumRetries: 3,
	}

	if !cfg.IsDevelopment() {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 scyllaConfig.CAPath,
			CertPath:               scyllaConfig.CertPath,
			KeyPath:                scyllaConfig.KeyPath,
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	client := &ScyllaClient{
		Session: session,
		config:  &scyllaConfig,
	}

	if err := client.prepareStatements(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}

	util.Info("ScyllaDB client initialized with prepared statements",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return client, nil
}

func (s *ScyllaClient) prepareStatements() error {
	s.prepareMutex.Lock()
	defer s.prepareMutex.Unlock()

	if s.isPrepared {
		return nil
	}

	s.Prepared = &PreparedStatements{
		GetConsent:          s.Session.Query(cqlGetConsent),
		GetChallenge:        s.Session.Query(cqlGetChallenge),
		GetChallengeConsent: s.Session.Query(cqlGetChallengeConsent),
		ListChallenges:      s.Session.Query(cqlListChallenges),
		ListAudit:           s.Session.Query(cqlListAudit),
	}
	s.isPrepared = true

	util.Info("ScyllaDB prepared statements created successfully")
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...)
}

func (s *ScyllaClient) Batch(typ gocql.BatchType) *gocql.Batch {
	return s.Session.NewBatch(typ)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var clusterName string
	err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName)
	if err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

func (s *ScyllaClient) ExecuteWithRetry(query *gocql.Query, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if err := query.Exec(); err != nil {
			lastErr = err
			if i < maxRetries {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}

func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		if err := query.Scan(dest...); err != nil {
			lastErr = err
			if err == gocql.ErrNotFound {
				return err
			}
			if i < 2 {
				time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
				continue
			}
		} else {
			return nil
		}
	}
	return lastErr
}
