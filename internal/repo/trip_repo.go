package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/driver/internal/db"
	"github.com/signalix/driver/internal/model"
)

// AcceptResult is the outcome of one accept attempt
type AcceptResult struct {
	Offer model.Offer
	// Won is true when this call bound the trip to the offer's driver
	Won bool
	// Losers are the other offers of the trip cancelled by this win
	Losers []model.Offer
}

// TripRepo defines the interface for trip and offer repository operations
type TripRepo interface {
	CreateWithOffers(ctx context.Context, driverIDs []uuid.UUID, expiresAt time.Time) (model.Trip, []model.Offer, error)
	GetTrip(ctx context.Context, id uuid.UUID) (model.Trip, error)
	GetOffer(ctx context.Context, id uuid.UUID) (model.Offer, error)
	Accept(ctx context.Context, offerID, driverID uuid.UUID) (AcceptResult, error)
	Reject(ctx context.Context, offerID, driverID uuid.UUID) (model.Offer, error)
}

type tripRepo struct {
	db *sql.DB
}

// NewTripRepo creates a new TripRepo instance
func NewTripRepo(db *sql.DB) TripRepo {
	return &tripRepo{db: db}
}

const offerColumns = `id, trip_id, driver_id, status, created_at, expires_at, responded_at`

// CreateWithOffers inserts an OFFERED trip and one open offer per driver
func (r *tripRepo) CreateWithOffers(ctx context.Context, driverIDs []uuid.UUID, expiresAt time.Time) (model.Trip, []model.Offer, error) {
	var trip model.Trip
	var offers []model.Offer

	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var id uuid.UUID
		err := tx.QueryRowContext(ctx, `
			INSERT INTO trips (status) VALUES ($1)
			RETURNING id, status, created_at
		`, model.TripStatusOffered).Scan(&id, &trip.Status, &trip.CreatedAt)
		if err != nil {
			return fmt.Errorf("insert trip: %w", err)
		}
		trip.ID = id.String()

		for _, driverID := range driverIDs {
			o, err := scanOffer(tx.QueryRowContext(ctx, `
				INSERT INTO trip_offers (trip_id, driver_id, expires_at)
				VALUES ($1, $2, $3)
				RETURNING `+offerColumns, id, driverID, expiresAt))
			if err != nil {
				return fmt.Errorf("insert offer: %w", err)
			}
			offers = append(offers, o)
		}
		return nil
	})
	if err != nil {
		return model.Trip{}, nil, err
	}
	return trip, offers, nil
}

// GetTrip retrieves a trip by ID
func (r *tripRepo) GetTrip(ctx context.Context, id uuid.UUID) (model.Trip, error) {
	var t model.Trip
	var tripID uuid.UUID
	var driverID uuid.NullUUID
	err := r.db.QueryRowContext(ctx, `
		SELECT id, status, driver_id, created_at FROM trips WHERE id = $1
	`, id).Scan(&tripID, &t.Status, &driverID, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Trip{}, fmt.Errorf("trip: %w", ErrNotFound)
		}
		return model.Trip{}, fmt.Errorf("query trip: %w", err)
	}
	t.ID = tripID.String()
	if driverID.Valid {
		s := driverID.UUID.String()
		t.DriverID = &s
	}
	return t, nil
}

// GetOffer retrieves an offer by ID
func (r *tripRepo) GetOffer(ctx context.Context, id uuid.UUID) (model.Offer, error) {
	return scanOffer(r.db.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM trip_offers WHERE id = $1`, id))
}

// Accept resolves an accept for offerID made by driverID. Accepts for the same
// trip are serialized with an advisory lock so exactly one open offer wins.
// Offers that are no longer open are returned unchanged.
func (r *tripRepo) Accept(ctx context.Context, offerID, driverID uuid.UUID) (AcceptResult, error) {
	var res AcceptResult

	err := db.WithTx(ctx, r.db, func(tx *sql.Tx) error {
		var tripID uuid.UUID
		err := tx.QueryRowContext(ctx, `
			SELECT trip_id FROM trip_offers WHERE id = $1 AND driver_id = $2
		`, offerID, driverID).Scan(&tripID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("offer: %w", ErrNotFound)
			}
			return fmt.Errorf("query offer: %w", err)
		}

		// Serialize accepts per trip; released on COMMIT/ROLLBACK.
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(2, hashtext($1))`, tripID.String()); err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		offer, err := scanOffer(tx.QueryRowContext(ctx, `
			SELECT `+offerColumns+` FROM trip_offers WHERE id = $1 FOR UPDATE
		`, offerID))
		if err != nil {
			return err
		}
		res.Offer = offer
		if offer.Status != model.OfferStatusOffered {
			return nil
		}

		if !time.Now().Before(offer.ExpiresAt) {
			res.Offer, err = setOfferStatus(ctx, tx, offerID, model.OfferStatusExpired)
			return err
		}

		var tripStatus model.TripStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM trips WHERE id = $1 FOR UPDATE`, tripID).Scan(&tripStatus); err != nil {
			return fmt.Errorf("query trip: %w", err)
		}
		if !tripStatus.Offerable() {
			res.Offer, err = setOfferStatus(ctx, tx, offerID, model.OfferStatusCancelled)
			return err
		}

		if res.Offer, err = setOfferStatus(ctx, tx, offerID, model.OfferStatusAccepted); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE trips SET status = $2, driver_id = $3, updated_at = now() WHERE id = $1
		`, tripID, model.TripStatusAssigned, driverID); err != nil {
			return fmt.Errorf("assign trip: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			UPDATE trip_offers SET status = $2, responded_at = now()
			WHERE trip_id = $1 AND status = 'OFFERED'
			RETURNING `+offerColumns, tripID, model.OfferStatusCancelled)
		if err != nil {
			return fmt.Errorf("cancel competing offers: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			o, err := scanOffer(rows)
			if err != nil {
				return err
			}
			res.Losers = append(res.Losers, o)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("cancel competing offers: %w", err)
		}
		res.Won = true
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}
	return res, nil
}

// Reject marks an open offer REJECTED. Terminal offers are returned unchanged.
func (r *tripRepo) Reject(ctx context.Context, offerID, driverID uuid.UUID) (model.Offer, error) {
	o, err := scanOffer(r.db.QueryRowContext(ctx, `
		UPDATE trip_offers SET status = $3, responded_at = now()
		WHERE id = $1 AND driver_id = $2 AND status = 'OFFERED'
		RETURNING `+offerColumns, offerID, driverID, model.OfferStatusRejected))
	if err == nil || !errors.Is(err, ErrNotFound) {
		return o, err
	}

	o, err = r.GetOffer(ctx, offerID)
	if err != nil {
		return model.Offer{}, err
	}
	if o.DriverID != driverID {
		return model.Offer{}, fmt.Errorf("offer: %w", ErrNotFound)
	}
	return o, nil
}

func setOfferStatus(ctx context.Context, tx *sql.Tx, id uuid.UUID, status model.OfferStatus) (model.Offer, error) {
	return scanOffer(tx.QueryRowContext(ctx, `
		UPDATE trip_offers SET status = $2, responded_at = now()
		WHERE id = $1
		RETURNING `+offerColumns, id, status))
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOffer(row scanner) (model.Offer, error) {
	var o model.Offer
	err := row.Scan(&o.ID, &o.TripID, &o.DriverID, &o.Status, &o.CreatedAt, &o.ExpiresAt, &o.RespondedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Offer{}, fmt.Errorf("offer: %w", ErrNotFound)
		}
		return model.Offer{}, fmt.Errorf("scan offer: %w", err)
	}
	return o, nil
}
