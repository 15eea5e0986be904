package model

import (
	"time"

	"github.com/google/uuid"
)

// TokenPair is the session credential pair held by the device
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// TripOffer is a time-bounded proposal to bind a trip to this driver
type TripOffer struct {
	OfferID    string    `json:"offerId"`
	TripID     string    `json:"tripId"`
	ExpiresAt  time.Time `json:"expiresAt"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// Valid reports whether the offer carries everything needed to present it
func (o TripOffer) Valid() bool {
	return o.OfferID != "" && o.TripID != "" && !o.ExpiresAt.IsZero()
}

// ExpiredAt reports whether the offer is void at the given instant
func (o TripOffer) ExpiredAt(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// OfferStatus is the server-side status of an offer as returned by the REST API
type OfferStatus string

const (
	OfferStatusOffered   OfferStatus = "OFFERED"
	OfferStatusAccepted  OfferStatus = "ACCEPTED"
	OfferStatusRejected  OfferStatus = "REJECTED"
	OfferStatusExpired   OfferStatus = "EXPIRED"
	OfferStatusCancelled OfferStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible from s
func (s OfferStatus) Terminal() bool {
	return s != OfferStatusOffered
}

// OfferOutcome is the terminal result of an offer as seen by the driver
type OfferOutcome string

const (
	OutcomeAccepted  OfferOutcome = "accepted"
	OutcomeRejected  OfferOutcome = "rejected"
	OutcomeExpired   OfferOutcome = "expired"
	OutcomeCancelled OfferOutcome = "cancelled"
	OutcomeLost      OfferOutcome = "lost"
)

// OutcomeFromStatus maps a REST offer status onto the driver-facing outcome.
// OFFERED has no outcome and returns false.
func OutcomeFromStatus(s OfferStatus) (OfferOutcome, bool) {
	switch s {
	case OfferStatusAccepted:
		return OutcomeAccepted, true
	case OfferStatusRejected:
		return OutcomeRejected, true
	case OfferStatusExpired:
		return OutcomeExpired, true
	case OfferStatusCancelled:
		return OutcomeCancelled, true
	default:
		return "", false
	}
}

// TripStatus is the lifecycle status of a trip
type TripStatus string

const (
	TripStatusRequested  TripStatus = "REQUESTED"
	TripStatusOffered    TripStatus = "OFFERED"
	TripStatusAssigned   TripStatus = "ASSIGNED"
	TripStatusInProgress TripStatus = "IN_PROGRESS"
	TripStatusCompleted  TripStatus = "COMPLETED"
	TripStatusCancelled  TripStatus = "CANCELLED"
)

// Offerable reports whether a trip in this status can still be offered to drivers
func (s TripStatus) Offerable() bool {
	return s == TripStatusRequested || s == TripStatusOffered
}

// Bound reports whether the trip has been assigned to a driver
func (s TripStatus) Bound() bool {
	return s == TripStatusAssigned || s == TripStatusInProgress
}

// Trip is the trip record returned by GET /trips/:id
type Trip struct {
	ID        string     `json:"id"`
	Status    TripStatus `json:"status"`
	DriverID  *string    `json:"driverId,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// TripAssignment confirms a trip is now bound to this session
type TripAssignment struct {
	TripID string `json:"tripId"`
}

// Driver represents a driver account on the dispatch server
type Driver struct {
	ID          uuid.UUID
	PhoneNumber string
	CreatedAt   time.Time
}

// Offer is the server-side offer record
type Offer struct {
	ID          uuid.UUID
	TripID      uuid.UUID
	DriverID    uuid.UUID
	Status      OfferStatus
	CreatedAt   time.Time
	ExpiresAt   time.Time
	RespondedAt *time.Time
}

// RefreshSession represents a refresh token session
type RefreshSession struct {
	ID         uuid.UUID
	DriverID   uuid.UUID
	TokenHash  string
	CreatedAt  time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
	ReplacedBy *uuid.UUID
}
