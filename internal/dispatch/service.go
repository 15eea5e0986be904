// Package dispatch creates trips, fans offers out to drivers and resolves
// competing accepts.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/realtime"
	"github.com/signalix/driver/internal/repo"
)

var ErrNoDrivers = errors.New("at least one driver is required")

// Pusher delivers realtime events to a driver's connections
type Pusher interface {
	Push(driverID uuid.UUID, event string, payload any) (int, error)
}

// Service implements the trip and offer operations behind the REST and socket surface
type Service struct {
	trips    repo.TripRepo
	pusher   Pusher
	offerTTL time.Duration
	log      *slog.Logger
	now      func() time.Time

	created prometheus.Counter
	accepts *prometheus.CounterVec
	pushes  *prometheus.CounterVec
}

// NewService creates the dispatch service. reg may be nil.
func NewService(trips repo.TripRepo, pusher Pusher, offerTTL time.Duration, log *slog.Logger, reg prometheus.Registerer) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		trips:    trips,
		pusher:   pusher,
		offerTTL: offerTTL,
		log:      log,
		now:      time.Now,
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_trips_created_total",
			Help: "Trips created with offers.",
		}),
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_offer_accepts_total",
			Help: "Accept attempts by resulting offer status.",
		}, []string{"status"}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_realtime_pushes_total",
			Help: "Realtime events pushed by event and delivery.",
		}, []string{"event", "delivered"}),
	}
	if reg != nil {
		reg.MustRegister(s.created, s.accepts, s.pushes)
	}
	return s
}

// CreateTrip opens a trip with one offer per driver and pushes trip_offer to each
func (s *Service) CreateTrip(ctx context.Context, driverIDs []uuid.UUID) (model.Trip, []model.Offer, error) {
	if len(driverIDs) == 0 {
		return model.Trip{}, nil, ErrNoDrivers
	}
	expiresAt := s.now().Add(s.offerTTL).UTC()
	trip, offers, err := s.trips.CreateWithOffers(ctx, driverIDs, expiresAt)
	if err != nil {
		return model.Trip{}, nil, fmt.Errorf("create trip: %w", err)
	}
	s.created.Inc()

	for _, o := range offers {
		s.push(o.DriverID, realtime.EventTripOffer, realtime.OfferPayload{
			OfferID:   o.ID.String(),
			Trip:      realtime.TripRef{ID: o.TripID.String()},
			ExpiresAt: o.ExpiresAt,
		})
	}
	s.log.Info("trip_created", slog.String("trip_id", trip.ID), slog.Int("offers", len(offers)))
	return trip, offers, nil
}

// Accept resolves driverID's accept of offerID. The winner gets trip_assigned
// and every cancelled competitor gets trip_offer_result lost.
func (s *Service) Accept(ctx context.Context, offerID, driverID uuid.UUID) (model.Offer, error) {
	res, err := s.trips.Accept(ctx, offerID, driverID)
	if err != nil {
		return model.Offer{}, err
	}
	s.accepts.WithLabelValues(string(res.Offer.Status)).Inc()
	if !res.Won {
		return res.Offer, nil
	}

	tripID := res.Offer.TripID.String()
	s.log.Info("trip_assigned", slog.String("trip_id", tripID), slog.String("offer_id", offerID.String()))
	s.push(driverID, realtime.EventTripAssigned, realtime.AssignedPayload{TripID: tripID})
	for _, l := range res.Losers {
		s.push(l.DriverID, realtime.EventTripOfferResult, realtime.ResultPayload{
			OfferID: l.ID.String(),
			Result:  model.OutcomeLost,
			Reason:  "assigned_to_other_driver",
		})
	}
	return res.Offer, nil
}

// Reject declines an offer. Terminal offers are returned unchanged.
func (s *Service) Reject(ctx context.Context, offerID, driverID uuid.UUID) (model.Offer, error) {
	return s.trips.Reject(ctx, offerID, driverID)
}

// GetTrip returns the current trip record
func (s *Service) GetTrip(ctx context.Context, tripID uuid.UUID) (model.Trip, error) {
	return s.trips.GetTrip(ctx, tripID)
}

// HandleSocket serves inbound realtime frames. trip_offer_accept goes through
// Accept; a socket accept that does not win is answered with trip_offer_result.
func (s *Service) HandleSocket(ctx context.Context, driverID uuid.UUID, env realtime.Envelope) {
	if env.Event != realtime.EventTripOfferAccept {
		s.log.Debug("ws_unknown_event", slog.String("event", env.Event))
		return
	}
	var p realtime.AcceptPayload
	if err := (realtime.Event{Name: env.Event, Data: env.Data}).Decode(&p); err != nil {
		s.log.Warn("ws_bad_payload", slog.String("err", err.Error()))
		return
	}
	offerID, err := uuid.Parse(p.OfferID)
	if err != nil {
		s.log.Warn("ws_bad_offer_id", slog.String("offer_id", p.OfferID))
		return
	}

	offer, err := s.Accept(ctx, offerID, driverID)
	if err != nil {
		s.log.Warn("ws_accept_failed", slog.String("offer_id", p.OfferID), slog.String("err", err.Error()))
		return
	}
	if offer.Status == model.OfferStatusAccepted {
		return
	}
	if outcome, ok := model.OutcomeFromStatus(offer.Status); ok {
		s.push(driverID, realtime.EventTripOfferResult, realtime.ResultPayload{OfferID: p.OfferID, Result: outcome})
	}
}

func (s *Service) push(driverID uuid.UUID, event string, payload any) {
	n, err := s.pusher.Push(driverID, event, payload)
	if err != nil {
		s.log.Error("push_failed", slog.String("event", event), slog.String("err", err.Error()))
		return
	}
	delivered := "yes"
	if n == 0 {
		delivered = "no"
	}
	s.pushes.WithLabelValues(event, delivered).Inc()
}
