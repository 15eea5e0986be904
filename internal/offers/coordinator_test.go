package offers_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/driver/internal/apiclient"
	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/offercache"
	"github.com/signalix/driver/internal/offers"
	"github.com/signalix/driver/internal/offers/mocks"
	"github.com/signalix/driver/internal/realtime"
	"github.com/signalix/driver/internal/storage"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type noticeLog struct {
	mu      sync.Mutex
	notices []offers.Notice
}

func (l *noticeLog) Notify(n offers.Notice) {
	l.mu.Lock()
	l.notices = append(l.notices, n)
	l.mu.Unlock()
}

func (l *noticeLog) kinds() []offers.NoticeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]offers.NoticeKind, 0, len(l.notices))
	for _, n := range l.notices {
		out = append(out, n.Kind)
	}
	return out
}

func (l *noticeLog) last() offers.Notice {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.notices[len(l.notices)-1]
}

type harness struct {
	api     *mocks.MockAPI
	cache   *offercache.Cache
	clock   *clock
	notices *noticeLog
	reg     *prometheus.Registry
	coord   *offers.Coordinator
}

func newHarness(t *testing.T, tune ...func(*offers.Options)) *harness {
	t.Helper()
	ctrl := gomock.NewController(t)
	h := &harness{
		api:     mocks.NewMockAPI(ctrl),
		clock:   &clock{t: base},
		notices: &noticeLog{},
		reg:     prometheus.NewRegistry(),
	}
	h.cache = offercache.New(storage.NewMemory(), h.clock.Now)
	opts := offers.Options{
		Notifier: h.notices,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:  offers.NewMetrics(h.reg),
		Now:      h.clock.Now,
	}
	for _, f := range tune {
		f(&opts)
	}
	h.coord = offers.New(h.api, h.cache, opts)
	t.Cleanup(h.coord.Close)
	return h
}

func event(t *testing.T, name string, payload any) realtime.Event {
	t.Helper()
	env, err := realtime.NewEnvelope(name, payload)
	require.NoError(t, err)
	return realtime.Event{Name: env.Event, Data: env.Data, ReceivedAt: base}
}

func (h *harness) send(t *testing.T, name string, payload any) {
	t.Helper()
	require.NoError(t, h.coord.HandleEvent(context.Background(), event(t, name, payload)))
}

func (h *harness) offer(t *testing.T, offerID, tripID string, ttl time.Duration) {
	t.Helper()
	h.send(t, realtime.EventTripOffer, realtime.OfferPayload{
		OfferID:   offerID,
		Trip:      realtime.TripRef{ID: tripID},
		ExpiresAt: h.clock.Now().Add(ttl),
	})
}

func (h *harness) pendingIDs(t *testing.T) []string {
	t.Helper()
	list, err := h.cache.List(context.Background())
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, o := range list {
		ids = append(ids, o.OfferID)
	}
	return ids
}

func status(id string, s model.OfferStatus) apiclient.OfferStatusResponse {
	return apiclient.OfferStatusResponse{ID: id, Status: s}
}

func TestScenario_AcceptedThenAssigned(t *testing.T) {
	ctrl := gomock.NewController(t)
	emitter := mocks.NewMockEmitter(ctrl)
	h := newHarness(t, func(o *offers.Options) { o.Emitter = emitter })
	ctx := context.Background()

	h.offer(t, "o1", "t1", 120*time.Second)
	snap := h.coord.Current()
	require.Equal(t, offers.StateOfferPresented, snap.State)
	require.Equal(t, "o1", snap.Offer.OfferID)
	assert.Equal(t, []string{"o1"}, h.pendingIDs(t))

	gomock.InOrder(
		emitter.EXPECT().Connected().Return(true),
		emitter.EXPECT().Emit(realtime.EventTripOfferAccept, realtime.AcceptPayload{OfferID: "o1"}).Return(nil),
		h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusAccepted), nil),
	)
	require.NoError(t, h.coord.Accept(ctx))

	snap = h.coord.Current()
	assert.Equal(t, offers.StateAwaitingAssignment, snap.State, "ACCEPTED keeps the offer until assignment")
	assert.Equal(t, "o1", snap.Offer.OfferID)

	h.send(t, realtime.EventTripAssigned, realtime.AssignedPayload{TripID: "t1"})
	snap = h.coord.Current()
	assert.Equal(t, offers.StateNoOffer, snap.State)
	assert.Nil(t, snap.Offer)
	assert.Empty(t, h.pendingIDs(t))
	assert.Equal(t, []offers.NoticeKind{offers.NoticeOffer, offers.NoticeAssigned}, h.notices.kinds())

	require.NoError(t, testutil.GatherAndCompare(h.reg, strings.NewReader(`
# HELP driver_offers_total Trip offers by terminal outcome.
# TYPE driver_offers_total counter
driver_offers_total{outcome="accepted"} 1
`), "driver_offers_total"))
}

func TestAccept_TwiceMakesOneRESTCall(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)

	release := make(chan struct{})
	h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").
		DoAndReturn(func(ctx context.Context, id string) (apiclient.OfferStatusResponse, error) {
			<-release
			return status(id, model.OfferStatusAccepted), nil
		}).Times(1)

	first := make(chan error, 1)
	go func() { first <- h.coord.Accept(context.Background()) }()
	require.Eventually(t, func() bool { return h.coord.Current().Accepting }, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, h.coord.Accept(context.Background()), offers.ErrAcceptInFlight)

	close(release)
	require.NoError(t, <-first)

	// the latch stays held while waiting for the assignment
	require.ErrorIs(t, h.coord.Accept(context.Background()), offers.ErrAcceptInFlight)
}

func TestAccept_ExpiredOfferFailsWithoutNetwork(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o2", "t2", 10*time.Second)
	h.clock.Advance(11 * time.Second)

	// no AcceptOffer expectation: any REST call fails the test
	require.ErrorIs(t, h.coord.Accept(context.Background()), offers.ErrOfferExpired)

	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
	n := h.notices.last()
	assert.Equal(t, offers.NoticeOutcome, n.Kind)
	assert.Equal(t, model.OutcomeExpired, n.Outcome)
}

func TestReject_ExpiredOfferFailsWithoutNetwork(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o2", "t2", time.Second)
	h.clock.Advance(time.Second)

	require.ErrorIs(t, h.coord.Reject(context.Background()), offers.ErrOfferExpired)
	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
}

func TestAccept_WithoutOffer(t *testing.T) {
	h := newHarness(t)
	require.ErrorIs(t, h.coord.Accept(context.Background()), offers.ErrNoOffer)
	require.ErrorIs(t, h.coord.Reject(context.Background()), offers.ErrNoOffer)
}

func TestEventOrder_AssignmentAndResultCommute(t *testing.T) {
	assigned := func(t *testing.T, h *harness) {
		h.send(t, realtime.EventTripAssigned, realtime.AssignedPayload{TripID: "t1"})
	}
	result := func(t *testing.T, h *harness) {
		h.send(t, realtime.EventTripOfferResult, realtime.ResultPayload{OfferID: "o1", Result: model.OutcomeAccepted})
	}

	tests := []struct {
		name  string
		steps []func(*testing.T, *harness)
	}{
		{name: "assigned first", steps: []func(*testing.T, *harness){assigned, result}},
		{name: "result first", steps: []func(*testing.T, *harness){result, assigned}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.offer(t, "o1", "t1", time.Minute)
			h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusAccepted), nil)
			require.NoError(t, h.coord.Accept(context.Background()))

			for _, step := range tt.steps {
				step(t, h)
			}

			assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
			assert.Equal(t, []offers.NoticeKind{offers.NoticeOffer, offers.NoticeAssigned}, h.notices.kinds())
			assert.Empty(t, h.pendingIDs(t))
		})
	}
}

func TestAccept_NonAcceptedStatusClearsOffer(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)
	h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusCancelled), nil)

	require.NoError(t, h.coord.Accept(context.Background()))

	snap := h.coord.Current()
	assert.Equal(t, offers.StateNoOffer, snap.State)
	assert.False(t, snap.Accepting)
	n := h.notices.last()
	assert.Equal(t, offers.NoticeOutcome, n.Kind)
	assert.Equal(t, model.OutcomeCancelled, n.Outcome)
	assert.Empty(t, h.pendingIDs(t))
}

func TestAccept_TransportErrorKeepsOfferForRetry(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)

	boom := errors.New("connection reset")
	gomock.InOrder(
		h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(apiclient.OfferStatusResponse{}, boom),
		h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusAccepted), nil),
	)

	err := h.coord.Accept(context.Background())
	require.ErrorIs(t, err, boom)

	snap := h.coord.Current()
	assert.Equal(t, offers.StateOfferPresented, snap.State)
	assert.False(t, snap.Accepting, "latch released")
	assert.Equal(t, offers.NoticeError, h.notices.last().Kind)
	assert.Equal(t, []string{"o1"}, h.pendingIDs(t))

	require.NoError(t, h.coord.Accept(context.Background()))
	assert.Equal(t, offers.StateAwaitingAssignment, h.coord.Current().State)
}

func TestAccept_StaleResponseIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)

	release := make(chan struct{})
	h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").
		DoAndReturn(func(ctx context.Context, id string) (apiclient.OfferStatusResponse, error) {
			<-release
			return status(id, model.OfferStatusAccepted), nil
		})

	done := make(chan error, 1)
	go func() { done <- h.coord.Accept(context.Background()) }()
	require.Eventually(t, func() bool { return h.coord.Current().Accepting }, time.Second, 5*time.Millisecond)

	h.send(t, realtime.EventTripAssigned, realtime.AssignedPayload{TripID: "t1"})
	close(release)

	require.NoError(t, <-done)
	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
	assert.NotContains(t, h.notices.kinds(), offers.NoticeError)
	assert.Contains(t, h.notices.kinds(), offers.NoticeAssigned)
}

func TestReject_ClearsBeforeServerAnswers(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)

	release := make(chan struct{})
	h.api.EXPECT().RejectOffer(gomock.Any(), "o1").
		DoAndReturn(func(ctx context.Context, id string) (apiclient.OfferStatusResponse, error) {
			<-release
			return status(id, model.OfferStatusRejected), nil
		})

	done := make(chan error, 1)
	go func() { done <- h.coord.Reject(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.coord.Current().State == offers.StateNoOffer
	}, time.Second, 5*time.Millisecond, "offer must disappear before the server answers")
	assert.Empty(t, h.pendingIDs(t))

	close(release)
	require.NoError(t, <-done)
}

func TestReject_RemoteFailureDoesNotRestoreOffer(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)
	h.api.EXPECT().RejectOffer(gomock.Any(), "o1").Return(apiclient.OfferStatusResponse{}, errors.New("offline"))

	require.Error(t, h.coord.Reject(context.Background()))
	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
}

func TestReject_BlockedWhileAccepting(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)
	h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusAccepted), nil)
	require.NoError(t, h.coord.Accept(context.Background()))

	require.ErrorIs(t, h.coord.Reject(context.Background()), offers.ErrAcceptInFlight)
	assert.Equal(t, offers.StateAwaitingAssignment, h.coord.Current().State)
}

func TestResult_ForNonPresentedOfferIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)

	h.send(t, realtime.EventTripOfferResult, realtime.ResultPayload{OfferID: "o0", Result: model.OutcomeLost})
	h.send(t, realtime.EventTripOfferCancelled, realtime.ResultPayload{OfferID: "o0"})

	snap := h.coord.Current()
	assert.Equal(t, offers.StateOfferPresented, snap.State)
	assert.Equal(t, "o1", snap.Offer.OfferID)
	assert.Equal(t, []offers.NoticeKind{offers.NoticeOffer}, h.notices.kinds())
}

func TestResult_LostIsSurfaced(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)

	h.send(t, realtime.EventTripOfferResult, realtime.ResultPayload{OfferID: "o1", Result: model.OutcomeLost, Reason: "taken"})

	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
	n := h.notices.last()
	assert.Equal(t, offers.NoticeOutcome, n.Kind)
	assert.Equal(t, model.OutcomeLost, n.Outcome)
	assert.Equal(t, "taken", n.Message)
}

func TestCancelledEventDefaultsOutcome(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)

	h.send(t, realtime.EventTripOfferCancelled, realtime.ResultPayload{OfferID: "o1"})

	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
	assert.Equal(t, model.OutcomeCancelled, h.notices.last().Outcome)
}

func TestOutcomeIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)
	h.send(t, realtime.EventTripOfferResult, realtime.ResultPayload{OfferID: "o1", Result: model.OutcomeExpired})

	// redelivery of the same offer and a conflicting result change nothing
	h.offer(t, "o1", "t1", time.Minute)
	h.send(t, realtime.EventTripOfferResult, realtime.ResultPayload{OfferID: "o1", Result: model.OutcomeLost})

	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
	assert.Equal(t, []offers.NoticeKind{offers.NoticeOffer, offers.NoticeOutcome}, h.notices.kinds())
	assert.Equal(t, model.OutcomeExpired, h.notices.last().Outcome)
}

func TestOffer_InvalidOrExpiredIsNotPresented(t *testing.T) {
	h := newHarness(t)

	h.send(t, realtime.EventTripOffer, realtime.OfferPayload{OfferID: "o1", ExpiresAt: base.Add(time.Minute)})
	h.offer(t, "o2", "t2", -time.Second)

	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
	assert.Empty(t, h.pendingIDs(t))
}

func TestOffer_NewerOfferSupersedesSameTrip(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "A", "T", time.Minute)
	h.offer(t, "B", "T", time.Minute)

	assert.Equal(t, "B", h.coord.Current().Offer.OfferID)
	assert.Equal(t, []string{"B"}, h.pendingIDs(t))
}

func TestOffer_HeldWhileAcceptOutstanding(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "A", "T1", time.Minute)

	release := make(chan struct{})
	h.api.EXPECT().AcceptOffer(gomock.Any(), "A").
		DoAndReturn(func(ctx context.Context, id string) (apiclient.OfferStatusResponse, error) {
			<-release
			return status(id, model.OfferStatusExpired), nil
		})

	done := make(chan error, 1)
	go func() { done <- h.coord.Accept(context.Background()) }()
	require.Eventually(t, func() bool { return h.coord.Current().Accepting }, time.Second, 5*time.Millisecond)

	h.offer(t, "B", "T2", time.Minute)
	assert.Equal(t, "A", h.coord.Current().Offer.OfferID, "an accept in flight is not displaced")

	close(release)
	require.NoError(t, <-done)

	snap := h.coord.Current()
	require.Equal(t, offers.StateOfferPresented, snap.State)
	assert.Equal(t, "B", snap.Offer.OfferID)
}

func TestAssignmentTimeout_BoundTripCountsAsAssigned(t *testing.T) {
	h := newHarness(t, func(o *offers.Options) { o.AssignmentTimeout = 20 * time.Millisecond })
	h.offer(t, "o1", "t1", time.Minute)

	h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusAccepted), nil)
	h.api.EXPECT().GetTrip(gomock.Any(), "t1").Return(model.Trip{ID: "t1", Status: model.TripStatusAssigned}, nil)
	require.NoError(t, h.coord.Accept(context.Background()))

	require.Eventually(t, func() bool {
		return h.coord.Current().State == offers.StateNoOffer
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, offers.NoticeAssigned, h.notices.last().Kind)
}

func TestAssignmentTimeout_UnboundTripIsLost(t *testing.T) {
	h := newHarness(t, func(o *offers.Options) { o.AssignmentTimeout = 20 * time.Millisecond })
	h.offer(t, "o1", "t1", time.Minute)

	h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusAccepted), nil)
	h.api.EXPECT().GetTrip(gomock.Any(), "t1").Return(model.Trip{ID: "t1", Status: model.TripStatusCancelled}, nil)
	require.NoError(t, h.coord.Accept(context.Background()))

	require.Eventually(t, func() bool {
		return h.coord.Current().State == offers.StateNoOffer
	}, 2*time.Second, 10*time.Millisecond)
	n := h.notices.last()
	assert.Equal(t, offers.NoticeOutcome, n.Kind)
	assert.Equal(t, model.OutcomeLost, n.Outcome)
}

func TestAssignmentTimeout_TripBoundToAnotherDriverIsLost(t *testing.T) {
	h := newHarness(t, func(o *offers.Options) {
		o.AssignmentTimeout = 20 * time.Millisecond
		o.DriverID = "me"
	})
	h.offer(t, "o1", "t1", time.Minute)

	other := "someone-else"
	h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusAccepted), nil)
	h.api.EXPECT().GetTrip(gomock.Any(), "t1").
		Return(model.Trip{ID: "t1", Status: model.TripStatusAssigned, DriverID: &other}, nil)
	require.NoError(t, h.coord.Accept(context.Background()))

	require.Eventually(t, func() bool {
		return h.coord.Current().State == offers.StateNoOffer
	}, 2*time.Second, 10*time.Millisecond)
	n := h.notices.last()
	assert.Equal(t, offers.NoticeOutcome, n.Kind)
	assert.Equal(t, model.OutcomeLost, n.Outcome)
	assert.NotContains(t, h.notices.kinds(), offers.NoticeAssigned)
}

func TestAssignmentTimeout_TripBoundToThisDriver(t *testing.T) {
	h := newHarness(t, func(o *offers.Options) {
		o.AssignmentTimeout = 20 * time.Millisecond
		o.DriverID = "me"
	})
	h.offer(t, "o1", "t1", time.Minute)

	me := "me"
	h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusAccepted), nil)
	h.api.EXPECT().GetTrip(gomock.Any(), "t1").
		Return(model.Trip{ID: "t1", Status: model.TripStatusInProgress, DriverID: &me}, nil)
	require.NoError(t, h.coord.Accept(context.Background()))

	require.Eventually(t, func() bool {
		return h.coord.Current().State == offers.StateNoOffer
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, offers.NoticeAssigned, h.notices.last().Kind)
}

func TestAssignmentTimeout_DisarmedByAssignment(t *testing.T) {
	h := newHarness(t, func(o *offers.Options) { o.AssignmentTimeout = 30 * time.Millisecond })
	h.offer(t, "o1", "t1", time.Minute)

	h.api.EXPECT().AcceptOffer(gomock.Any(), "o1").Return(status("o1", model.OfferStatusAccepted), nil)
	require.NoError(t, h.coord.Accept(context.Background()))
	h.send(t, realtime.EventTripAssigned, realtime.AssignedPayload{TripID: "t1"})

	// no GetTrip expectation: a late timer check would fail the test
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
}

func TestReconcile_DropsNonOfferableAndRepresents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, o := range []model.TripOffer{
		{OfferID: "o1", TripID: "t1", ExpiresAt: base.Add(3 * time.Minute)},
		{OfferID: "o2", TripID: "t2", ExpiresAt: base.Add(time.Minute)},
		{OfferID: "o3", TripID: "t3", ExpiresAt: base.Add(2 * time.Minute)},
		{OfferID: "o4", TripID: "t4", ExpiresAt: base.Add(4 * time.Minute)},
		{OfferID: "old", TripID: "t5", ExpiresAt: base.Add(-time.Second)},
	} {
		require.NoError(t, h.cache.Save(ctx, o))
	}

	h.api.EXPECT().GetTrip(gomock.Any(), "t1").Return(model.Trip{ID: "t1", Status: model.TripStatusOffered}, nil)
	h.api.EXPECT().GetTrip(gomock.Any(), "t2").Return(model.Trip{ID: "t2", Status: model.TripStatusAssigned}, nil)
	h.api.EXPECT().GetTrip(gomock.Any(), "t3").Return(model.Trip{}, &apiclient.HTTPError{StatusCode: http.StatusNotFound})
	h.api.EXPECT().GetTrip(gomock.Any(), "t4").Return(model.Trip{}, errors.New("timeout"))

	got, err := h.coord.Reconcile(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(got))
	for _, o := range got {
		ids = append(ids, o.OfferID)
	}
	assert.Equal(t, []string{"o1", "o4"}, ids, "unverifiable offers are kept")
	assert.Equal(t, []string{"o1", "o4"}, h.pendingIDs(t))

	snap := h.coord.Current()
	require.Equal(t, offers.StateOfferPresented, snap.State)
	assert.Equal(t, "o1", snap.Offer.OfferID, "earliest-expiring candidate is presented")
}

func TestReconcile_ClearsPresentedOfferWhoseTripIsGone(t *testing.T) {
	h := newHarness(t)
	h.offer(t, "o1", "t1", time.Minute)
	h.api.EXPECT().GetTrip(gomock.Any(), "t1").Return(model.Trip{ID: "t1", Status: model.TripStatusCancelled}, nil)

	got, err := h.coord.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
	assert.Equal(t, model.OutcomeCancelled, h.notices.last().Outcome)
}

func TestReconcile_CacheError(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCache(ctrl)
	api := mocks.NewMockAPI(ctrl)
	coord := offers.New(api, cache, offers.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	cache.EXPECT().List(gomock.Any()).Return(nil, errors.New("disk full"))
	_, err := coord.Reconcile(context.Background())
	require.Error(t, err)
}

func TestCacheFailureDoesNotBlockPresentation(t *testing.T) {
	ctrl := gomock.NewController(t)
	cache := mocks.NewMockCache(ctrl)
	notifier := mocks.NewMockNotifier(ctrl)
	coord := offers.New(mocks.NewMockAPI(ctrl), cache, offers.Options{
		Notifier: notifier,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Now:      func() time.Time { return base },
	})

	cache.EXPECT().Save(gomock.Any(), gomock.Any()).Return(errors.New("read-only fs"))
	notifier.EXPECT().Notify(gomock.Any()).Do(func(n offers.Notice) {
		assert.Equal(t, offers.NoticeOffer, n.Kind)
		assert.Equal(t, "o1", n.OfferID)
	})

	ev := event(t, realtime.EventTripOffer, realtime.OfferPayload{
		OfferID: "o1", Trip: realtime.TripRef{ID: "t1"}, ExpiresAt: base.Add(time.Minute),
	})
	require.NoError(t, coord.HandleEvent(context.Background(), ev))
	assert.Equal(t, offers.StateOfferPresented, coord.Current().State)
}

func TestRun_AppliesEventsInOrder(t *testing.T) {
	h := newHarness(t)
	events := make(chan realtime.Event, 4)
	events <- event(t, realtime.EventTripOffer, realtime.OfferPayload{OfferID: "o1", Trip: realtime.TripRef{ID: "t1"}, ExpiresAt: base.Add(time.Minute)})
	events <- event(t, "driver_location", map[string]any{"lat": 1})
	events <- realtime.Event{Name: realtime.EventTripAssigned, Data: []byte("not json")}
	events <- event(t, realtime.EventTripOfferResult, realtime.ResultPayload{OfferID: "o1", Result: model.OutcomeRejected})
	close(events)

	require.NoError(t, h.coord.Run(context.Background(), events))
	assert.Equal(t, offers.StateNoOffer, h.coord.Current().State)
	assert.Equal(t, []offers.NoticeKind{offers.NoticeOffer, offers.NoticeOutcome}, h.notices.kinds())
}

func TestRun_StopsOnContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, h.coord.Run(ctx, make(chan realtime.Event)), context.Canceled)
}
