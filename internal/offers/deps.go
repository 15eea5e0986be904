package offers

//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/signalix/driver/internal/offers API,Emitter,Cache,Notifier

import (
	"context"

	"github.com/signalix/driver/internal/apiclient"
	"github.com/signalix/driver/internal/model"
)

// API is the REST surface the coordinator drives
type API interface {
	AcceptOffer(ctx context.Context, offerID string) (apiclient.OfferStatusResponse, error)
	RejectOffer(ctx context.Context, offerID string) (apiclient.OfferStatusResponse, error)
	GetTrip(ctx context.Context, tripID string) (model.Trip, error)
}

// Emitter sends fire-and-forget realtime events
type Emitter interface {
	Emit(event string, payload any) error
	Connected() bool
}

// Cache is the durable pending-offer list
type Cache interface {
	Save(ctx context.Context, offer model.TripOffer) error
	List(ctx context.Context) ([]model.TripOffer, error)
	Remove(ctx context.Context, offerID string) error
}

// NoticeKind classifies user-facing notifications
type NoticeKind string

const (
	NoticeOffer    NoticeKind = "offer"
	NoticeOutcome  NoticeKind = "outcome"
	NoticeAssigned NoticeKind = "assigned"
	NoticeError    NoticeKind = "error"
)

// Notice is a transient user-facing notification
type Notice struct {
	Kind    NoticeKind
	OfferID string
	TripID  string
	Outcome model.OfferOutcome
	Offer   *model.TripOffer
	Message string
}

// Notifier surfaces notices to the driver
type Notifier interface {
	Notify(n Notice)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(n Notice)

func (f NotifierFunc) Notify(n Notice) { f(n) }

type nopNotifier struct{}

func (nopNotifier) Notify(Notice) {}
