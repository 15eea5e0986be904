package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/driver/internal/model"
)

// RefreshRepo defines the interface for refresh session repository operations
type RefreshRepo interface {
	Create(ctx context.Context, driverID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error)
	FindByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	FindByTokenHashIncludeRevoked(ctx context.Context, tokenHash string) (model.RefreshSession, error)
	RevokeAndSetReplacedBy(ctx context.Context, sessionID uuid.UUID, replacedBy uuid.UUID) error
	Revoke(ctx context.Context, sessionID uuid.UUID) error
	RevokeAllForDriver(ctx context.Context, driverID uuid.UUID) error
}

type refreshRepo struct {
	db *sql.DB
}

// NewRefreshRepo creates a new RefreshRepo instance
func NewRefreshRepo(db *sql.DB) RefreshRepo {
	return &refreshRepo{db: db}
}

const sessionColumns = `id, driver_id, token_hash, created_at, expires_at, revoked_at, replaced_by`

// Create inserts a new refresh session
func (r *refreshRepo) Create(ctx context.Context, driverID uuid.UUID, tokenHash string, expiresAt time.Time) (uuid.UUID, error) {
	var id uuid.UUID
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO refresh_sessions (driver_id, token_hash, expires_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, driverID, tokenHash, expiresAt).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert refresh session: %w", err)
	}
	return id, nil
}

// FindByTokenHash returns the session if it exists, is not revoked, and not expired
func (r *refreshRepo) FindByTokenHash(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM refresh_sessions
		WHERE token_hash = $1 AND revoked_at IS NULL AND expires_at > now()
	`, tokenHash))
}

// FindByTokenHashIncludeRevoked returns the session regardless of revocation status (used for reuse detection)
func (r *refreshRepo) FindByTokenHashIncludeRevoked(ctx context.Context, tokenHash string) (model.RefreshSession, error) {
	return scanSession(r.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+`
		FROM refresh_sessions
		WHERE token_hash = $1
	`, tokenHash))
}

// RevokeAndSetReplacedBy sets revoked_at and replaced_by for the session
func (r *refreshRepo) RevokeAndSetReplacedBy(ctx context.Context, sessionID uuid.UUID, replacedBy uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_sessions
		SET revoked_at = now(), replaced_by = $2
		WHERE id = $1 AND revoked_at IS NULL
	`, sessionID, replacedBy)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("active session: %w", ErrNotFound)
	}
	return nil
}

// Revoke sets revoked_at for the session
func (r *refreshRepo) Revoke(ctx context.Context, sessionID uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL
	`, sessionID)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("active session: %w", ErrNotFound)
	}
	return nil
}

// RevokeAllForDriver revokes all active refresh sessions for a driver (reuse/theft response)
func (r *refreshRepo) RevokeAllForDriver(ctx context.Context, driverID uuid.UUID) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_sessions SET revoked_at = now() WHERE driver_id = $1 AND revoked_at IS NULL
	`, driverID)
	if err != nil {
		return fmt.Errorf("revoke all sessions for driver: %w", err)
	}
	return nil
}

func scanSession(row *sql.Row) (model.RefreshSession, error) {
	var s model.RefreshSession
	var replacedBy uuid.NullUUID
	err := row.Scan(&s.ID, &s.DriverID, &s.TokenHash, &s.CreatedAt, &s.ExpiresAt, &s.RevokedAt, &replacedBy)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.RefreshSession{}, fmt.Errorf("session: %w", ErrNotFound)
		}
		return model.RefreshSession{}, fmt.Errorf("find session: %w", err)
	}
	if replacedBy.Valid {
		id := replacedBy.UUID
		s.ReplacedBy = &id
	}
	return s, nil
}
