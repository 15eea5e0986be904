package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/realtime"
	"github.com/signalix/driver/internal/repo"
)

type pushed struct {
	driverID uuid.UUID
	event    string
	payload  any
}

type recordingPusher struct {
	mu   sync.Mutex
	sent []pushed
}

func (p *recordingPusher) Push(driverID uuid.UUID, event string, payload any) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, pushed{driverID, event, payload})
	return 1, nil
}

func (p *recordingPusher) to(driverID uuid.UUID) []pushed {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []pushed
	for _, s := range p.sent {
		if s.driverID == driverID {
			out = append(out, s)
		}
	}
	return out
}

// memTrips mirrors the postgres accept rules in memory
type memTrips struct {
	mu     sync.Mutex
	now    func() time.Time
	trips  map[uuid.UUID]*model.Trip
	offers map[uuid.UUID]*model.Offer
}

func newMemTrips(now func() time.Time) *memTrips {
	return &memTrips{now: now, trips: map[uuid.UUID]*model.Trip{}, offers: map[uuid.UUID]*model.Offer{}}
}

func (m *memTrips) CreateWithOffers(_ context.Context, driverIDs []uuid.UUID, expiresAt time.Time) (model.Trip, []model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	t := &model.Trip{ID: id.String(), Status: model.TripStatusOffered, CreatedAt: m.now()}
	m.trips[id] = t
	var out []model.Offer
	for _, d := range driverIDs {
		o := &model.Offer{ID: uuid.New(), TripID: id, DriverID: d, Status: model.OfferStatusOffered, ExpiresAt: expiresAt}
		m.offers[o.ID] = o
		out = append(out, *o)
	}
	return *t, out, nil
}

func (m *memTrips) GetTrip(_ context.Context, id uuid.UUID) (model.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.trips[id]; ok {
		return *t, nil
	}
	return model.Trip{}, repo.ErrNotFound
}

func (m *memTrips) GetOffer(_ context.Context, id uuid.UUID) (model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.offers[id]; ok {
		return *o, nil
	}
	return model.Offer{}, repo.ErrNotFound
}

func (m *memTrips) Accept(_ context.Context, offerID, driverID uuid.UUID) (repo.AcceptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok || o.DriverID != driverID {
		return repo.AcceptResult{}, repo.ErrNotFound
	}
	if o.Status != model.OfferStatusOffered {
		return repo.AcceptResult{Offer: *o}, nil
	}
	if !m.now().Before(o.ExpiresAt) {
		o.Status = model.OfferStatusExpired
		return repo.AcceptResult{Offer: *o}, nil
	}
	t := m.trips[o.TripID]
	if !t.Status.Offerable() {
		o.Status = model.OfferStatusCancelled
		return repo.AcceptResult{Offer: *o}, nil
	}
	o.Status = model.OfferStatusAccepted
	t.Status = model.TripStatusAssigned
	d := driverID.String()
	t.DriverID = &d
	res := repo.AcceptResult{Offer: *o, Won: true}
	for _, other := range m.offers {
		if other.TripID == o.TripID && other.Status == model.OfferStatusOffered {
			other.Status = model.OfferStatusCancelled
			res.Losers = append(res.Losers, *other)
		}
	}
	return res, nil
}

func (m *memTrips) Reject(_ context.Context, offerID, driverID uuid.UUID) (model.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[offerID]
	if !ok || o.DriverID != driverID {
		return model.Offer{}, repo.ErrNotFound
	}
	if o.Status == model.OfferStatusOffered {
		o.Status = model.OfferStatusRejected
	}
	return *o, nil
}

type fixture struct {
	svc    *Service
	trips  *memTrips
	pusher *recordingPusher
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), pusher: &recordingPusher{}}
	clock := func() time.Time { return f.now }
	f.trips = newMemTrips(clock)
	f.svc = NewService(f.trips, f.pusher, 2*time.Minute, nil, prometheus.NewRegistry())
	f.svc.now = clock
	return f
}

func TestCreateTrip_PushesOfferToEachDriver(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()

	trip, offers, err := f.svc.CreateTrip(context.Background(), []uuid.UUID{a, b})
	require.NoError(t, err)
	require.Len(t, offers, 2)

	for _, o := range offers {
		got := f.pusher.to(o.DriverID)
		require.Len(t, got, 1)
		assert.Equal(t, realtime.EventTripOffer, got[0].event)
		p := got[0].payload.(realtime.OfferPayload)
		assert.Equal(t, o.ID.String(), p.OfferID)
		assert.Equal(t, trip.ID, p.Trip.ID)
		assert.Equal(t, f.now.Add(2*time.Minute), p.ExpiresAt)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.created))
}

func TestCreateTrip_NoDrivers(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.svc.CreateTrip(context.Background(), nil)
	require.ErrorIs(t, err, ErrNoDrivers)
}

func TestAccept_WinnerAssignedLosersNotified(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	_, offers, err := f.svc.CreateTrip(context.Background(), []uuid.UUID{a, b})
	require.NoError(t, err)

	o, err := f.svc.Accept(context.Background(), offers[0].ID, a)
	require.NoError(t, err)
	assert.Equal(t, model.OfferStatusAccepted, o.Status)

	won := f.pusher.to(a)
	require.Len(t, won, 2)
	assert.Equal(t, realtime.EventTripAssigned, won[1].event)
	assert.Equal(t, offers[0].TripID.String(), won[1].payload.(realtime.AssignedPayload).TripID)

	lost := f.pusher.to(b)
	require.Len(t, lost, 2)
	assert.Equal(t, realtime.EventTripOfferResult, lost[1].event)
	rp := lost[1].payload.(realtime.ResultPayload)
	assert.Equal(t, offers[1].ID.String(), rp.OfferID)
	assert.Equal(t, model.OutcomeLost, rp.Result)

	o, err = f.svc.Accept(context.Background(), offers[1].ID, b)
	require.NoError(t, err)
	assert.Equal(t, model.OfferStatusCancelled, o.Status)
	assert.Len(t, f.pusher.to(b), 2)
}

func TestAccept_ExpiredOffer(t *testing.T) {
	f := newFixture(t)
	a := uuid.New()
	_, offers, err := f.svc.CreateTrip(context.Background(), []uuid.UUID{a})
	require.NoError(t, err)

	f.now = f.now.Add(2 * time.Minute)
	o, err := f.svc.Accept(context.Background(), offers[0].ID, a)
	require.NoError(t, err)
	assert.Equal(t, model.OfferStatusExpired, o.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.svc.accepts.WithLabelValues("EXPIRED")))
}

func TestHandleSocket_AcceptAndLoss(t *testing.T) {
	f := newFixture(t)
	a, b := uuid.New(), uuid.New()
	_, offers, err := f.svc.CreateTrip(context.Background(), []uuid.UUID{a, b})
	require.NoError(t, err)

	frame := func(offerID uuid.UUID) realtime.Envelope {
		data, _ := json.Marshal(realtime.AcceptPayload{OfferID: offerID.String()})
		return realtime.Envelope{Event: realtime.EventTripOfferAccept, Data: data}
	}

	f.svc.HandleSocket(context.Background(), a, frame(offers[0].ID))
	trip, err := f.svc.GetTrip(context.Background(), offers[0].TripID)
	require.NoError(t, err)
	assert.Equal(t, model.TripStatusAssigned, trip.Status)

	// b lost the race: it got "lost" from the win, then "cancelled" for its own late accept.
	f.svc.HandleSocket(context.Background(), b, frame(offers[1].ID))
	got := f.pusher.to(b)
	require.Len(t, got, 3)
	assert.Equal(t, model.OutcomeCancelled, got[2].payload.(realtime.ResultPayload).Result)
}

func TestHandleSocket_IgnoresGarbage(t *testing.T) {
	f := newFixture(t)
	a := uuid.New()

	f.svc.HandleSocket(context.Background(), a, realtime.Envelope{Event: "ping"})
	f.svc.HandleSocket(context.Background(), a, realtime.Envelope{Event: realtime.EventTripOfferAccept, Data: []byte(`{"offerId":"nope"}`)})
	f.svc.HandleSocket(context.Background(), a, realtime.Envelope{Event: realtime.EventTripOfferAccept, Data: []byte(`{`)})
	assert.Empty(t, f.pusher.to(a))
}

func TestReject(t *testing.T) {
	f := newFixture(t)
	a := uuid.New()
	_, offers, err := f.svc.CreateTrip(context.Background(), []uuid.UUID{a})
	require.NoError(t, err)

	o, err := f.svc.Reject(context.Background(), offers[0].ID, a)
	require.NoError(t, err)
	assert.Equal(t, model.OfferStatusRejected, o.Status)

	_, err = f.svc.Reject(context.Background(), offers[0].ID, uuid.New())
	require.ErrorIs(t, err, repo.ErrNotFound)
}
