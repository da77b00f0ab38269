package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unionpay/riskgate/internal/models"
)

const (
	selectSessionSQL = `SELECT session_id, subject_id, pending_action_id, tier, requirement, attempted_methods, satisfied_methods, state, created_at, expires_at, updated_at FROM verification_sessions WHERE pending_action_id = $1`

	insertSessionSQL = `INSERT INTO verification_sessions (session_id, subject_id, pending_action_id, tier, requirement, attempted_methods, satisfied_methods, state, created_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (pending_action_id) DO NOTHING`

	replaceSessionSQL = `UPDATE verification_sessions
		SET session_id = $1, subject_id = $2, tier = $4, requirement = $5, attempted_methods = $6, satisfied_methods = $7, state = $8, created_at = $9, expires_at = $10, updated_at = $11
		WHERE pending_action_id = $3`

	// Terminal sessions go once untouched for the retention window, pending
	// ones once their deadline is that far behind.
	purgeSessionsSQL = `DELETE FROM verification_sessions WHERE (state <> 'pending' AND updated_at < $1) OR (state = 'pending' AND expires_at < $1)`

	pgMaxCreateRetries = 3
)

// PostgresSessionStore keeps sessions in verification_sessions, one row per
// pending action. Row locks (SELECT ... FOR UPDATE) give per-action mutual
// exclusion.
type PostgresSessionStore struct {
	db *sql.DB
}

func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

func (r *PostgresSessionStore) InitDB() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS verification_sessions (
			pending_action_id VARCHAR(255) PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL UNIQUE,
			subject_id VARCHAR(255) NOT NULL,
			tier VARCHAR(16) NOT NULL,
			requirement JSONB NOT NULL,
			attempted_methods JSONB NOT NULL DEFAULT '[]',
			satisfied_methods JSONB NOT NULL DEFAULT '[]',
			state VARCHAR(16) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_verification_sessions_state ON verification_sessions(state)`,
		`CREATE INDEX IF NOT EXISTS idx_verification_sessions_expires_at ON verification_sessions(expires_at)`,
	}

	for _, query := range queries {
		if _, err := r.db.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.VerificationSession, error) {
	var (
		s                                 models.VerificationSession
		tier, state                       string
		requirement, attempted, satisfied []byte
	)
	err := row.Scan(&s.SessionID, &s.SubjectID, &s.PendingActionID, &tier, &requirement, &attempted, &satisfied,
		&state, &s.CreatedAt, &s.ExpiresAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if s.Tier, err = models.ParseRiskTier(tier); err != nil {
		return nil, err
	}
	s.State = models.SessionState(state)
	if err := json.Unmarshal(requirement, &s.Requirement); err != nil {
		return nil, fmt.Errorf("decode requirement: %w", err)
	}
	if err := json.Unmarshal(attempted, &s.AttemptedMethods); err != nil {
		return nil, fmt.Errorf("decode attempted methods: %w", err)
	}
	if err := json.Unmarshal(satisfied, &s.SatisfiedMethods); err != nil {
		return nil, fmt.Errorf("decode satisfied methods: %w", err)
	}
	return &s, nil
}

func sessionArgs(s *models.VerificationSession) ([]any, error) {
	requirement, err := json.Marshal(s.Requirement)
	if err != nil {
		return nil, err
	}
	attempted, err := json.Marshal(methodsOrEmpty(s.AttemptedMethods))
	if err != nil {
		return nil, err
	}
	satisfied, err := json.Marshal(methodsOrEmpty(s.SatisfiedMethods))
	if err != nil {
		return nil, err
	}
	return []any{
		s.SessionID, s.SubjectID, s.PendingActionID, s.Tier.String(), requirement, attempted, satisfied,
		string(s.State), s.CreatedAt, s.ExpiresAt, s.UpdatedAt,
	}, nil
}

func methodsOrEmpty(m []models.VerificationMethod) []models.VerificationMethod {
	if m == nil {
		return []models.VerificationMethod{}
	}
	return m
}

func (r *PostgresSessionStore) Get(ctx context.Context, pendingActionID string) (*models.VerificationSession, error) {
	session, err := scanSession(r.db.QueryRowContext(ctx, selectSessionSQL, pendingActionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(pendingActionID)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	return session, nil
}

func (r *PostgresSessionStore) GetOrCreate(ctx context.Context, pendingActionID string, create func() (*models.VerificationSession, error)) (*models.VerificationSession, bool, error) {
	for i := 0; i < pgMaxCreateRetries; i++ {
		session, created, retry, err := r.getOrCreateOnce(ctx, pendingActionID, create)
		if err != nil {
			return nil, false, err
		}
		if !retry {
			return session, created, nil
		}
	}
	return nil, false, fmt.Errorf("create session for %s: too much contention", pendingActionID)
}

// getOrCreateOnce asks for a retry when a concurrent insert won the race;
// the next attempt then blocks on that row's lock.
func (r *PostgresSessionStore) getOrCreateOnce(ctx context.Context, pendingActionID string, create func() (*models.VerificationSession, error)) (session *models.VerificationSession, created, retry bool, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil || retry {
			_ = tx.Rollback()
		}
	}()

	existing, err := scanSession(tx.QueryRowContext(ctx, selectSessionSQL+" FOR UPDATE", pendingActionID))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		existing, err = nil, nil
	case err != nil:
		return nil, false, false, fmt.Errorf("select session: %w", err)
	case !replaceable(existing):
		if err = tx.Commit(); err != nil {
			return nil, false, false, fmt.Errorf("commit: %w", err)
		}
		return existing, false, false, nil
	}

	session, err = create()
	if err != nil {
		return nil, false, false, err
	}
	args, err := sessionArgs(session)
	if err != nil {
		return nil, false, false, fmt.Errorf("encode session: %w", err)
	}

	query := insertSessionSQL
	if existing != nil {
		query = replaceSessionSQL
	}
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, false, fmt.Errorf("write session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, false, false, err
	}
	if rows == 0 {
		return nil, false, true, nil
	}
	if err = tx.Commit(); err != nil {
		return nil, false, false, fmt.Errorf("commit: %w", err)
	}
	return session.Clone(), true, false, nil
}

func (r *PostgresSessionStore) Update(ctx context.Context, pendingActionID string, fn func(*models.VerificationSession) error) (*models.VerificationSession, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	session, err := scanSession(tx.QueryRowContext(ctx, selectSessionSQL+" FOR UPDATE", pendingActionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(pendingActionID)
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}

	fnErr := fn(session)

	args, err := sessionArgs(session)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	if _, err := tx.ExecContext(ctx, replaceSessionSQL, args...); err != nil {
		return nil, fmt.Errorf("update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true
	return session, fnErr
}

// Purge deletes sessions that can no longer be used, matching
// MemorySessionStore.Sweep, and returns how many rows went.
func (r *PostgresSessionStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, purgeSessionsSQL, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	return res.RowsAffected()
}
