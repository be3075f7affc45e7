package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/gossip/internal/model"
)

// PostgresAuthSessionRepo はPostgreSQLを使用したセッションストレージ。
type PostgresAuthSessionRepo struct {
	db *sql.DB
}

// NewPostgresAuthSessionRepo はPostgresAuthSessionRepoを生成する。
func NewPostgresAuthSessionRepo(db *sql.DB) *PostgresAuthSessionRepo {
	return &PostgresAuthSessionRepo{db: db}
}

// FindByVisitID は指定ビジットのセッションを取得する。
func (r *PostgresAuthSessionRepo) FindByVisitID(ctx context.Context, visitID string) (*model.StoredSession, error) {
	stored := &model.StoredSession{}
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT visit_id, user_id, email, access_token, refresh_token, expires_at, created_at, updated_at
		 FROM auth_sessions
		 WHERE visit_id = $1`,
		visitID,
	).Scan(
		&stored.VisitID,
		&stored.Session.User.ID,
		&stored.Session.User.Email,
		&stored.Session.AccessToken,
		&stored.Session.RefreshToken,
		&expiresAt,
		&stored.CreatedAt,
		&stored.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auth session: %w", err)
	}

	if expiresAt.Valid {
		stored.Session.ExpiresAt = expiresAt.Time
	}
	return stored, nil
}

// Save はセッションをUPSERTする。
func (r *PostgresAuthSessionRepo) Save(ctx context.Context, stored *model.StoredSession) error {
	var expiresAt sql.NullTime
	if !stored.Session.ExpiresAt.IsZero() {
		expiresAt = sql.NullTime{Time: stored.Session.ExpiresAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO auth_sessions
		   (visit_id, user_id, email, access_token, refresh_token, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (visit_id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   email = EXCLUDED.email,
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = EXCLUDED.updated_at`,
		stored.VisitID,
		stored.Session.User.ID,
		stored.Session.User.Email,
		stored.Session.AccessToken,
		stored.Session.RefreshToken,
		expiresAt,
		stored.CreatedAt,
		stored.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save auth session: %w", err)
	}
	return nil
}

// DeleteByVisitID は指定ビジットのセッションを削除する。
func (r *PostgresAuthSessionRepo) DeleteByVisitID(ctx context.Context, visitID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE visit_id = $1`,
		visitID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete auth session: %w", err)
	}
	return nil
}

// Touch はセッションの最終利用時刻を更新する。
func (r *PostgresAuthSessionRepo) Touch(ctx context.Context, visitID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE auth_sessions SET updated_at = $2 WHERE visit_id = $1`,
		visitID, at,
	)
	if err != nil {
		return fmt.Errorf("failed to touch auth session: %w", err)
	}
	return nil
}

// DeleteUpdatedBefore は放置されたセッションを削除する。
func (r *PostgresAuthSessionRepo) DeleteUpdatedBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale auth sessions: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ AuthSessionRepository = (*PostgresAuthSessionRepo)(nil)
