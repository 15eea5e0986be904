package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/signalix/driver/internal/model"
)

// DriverRepo defines the interface for driver repository operations
type DriverRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Driver, error)
	GetOrCreateByPhone(ctx context.Context, phone string) (model.Driver, error)
	GetByPhone(ctx context.Context, phone string) (model.Driver, error)
}

type driverRepo struct {
	db *sql.DB
}

// NewDriverRepo creates a new DriverRepo instance
func NewDriverRepo(db *sql.DB) DriverRepo {
	return &driverRepo{db: db}
}

// GetByID retrieves a driver by ID
func (r *driverRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Driver, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, phone_number, created_at
		FROM drivers
		WHERE id = $1
	`, id))
}

// GetOrCreateByPhone retrieves a driver by phone number or creates one if it doesn't exist
func (r *driverRepo) GetOrCreateByPhone(ctx context.Context, phone string) (model.Driver, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO drivers (phone_number)
		VALUES ($1)
		ON CONFLICT (phone_number) DO NOTHING
	`, phone)
	if err != nil {
		return model.Driver{}, fmt.Errorf("failed to insert driver: %w", err)
	}
	return r.GetByPhone(ctx, phone)
}

// GetByPhone retrieves a driver by phone number
func (r *driverRepo) GetByPhone(ctx context.Context, phone string) (model.Driver, error) {
	return r.scanOne(r.db.QueryRowContext(ctx, `
		SELECT id, phone_number, created_at
		FROM drivers
		WHERE phone_number = $1
	`, phone))
}

func (r *driverRepo) scanOne(row *sql.Row) (model.Driver, error) {
	var d model.Driver
	if err := row.Scan(&d.ID, &d.PhoneNumber, &d.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Driver{}, fmt.Errorf("driver: %w", ErrNotFound)
		}
		return model.Driver{}, fmt.Errorf("failed to query driver: %w", err)
	}
	return d, nil
}
