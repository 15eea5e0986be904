// Package offers owns the lifecycle of the trip offer presented to the driver.
//
// Realtime events, user actions, REST answers and timers all reach the
// Coordinator as typed inputs applied by one dispatcher under one lock, so
// ordering and idempotence are decided in a single place.
package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/signalix/driver/internal/apiclient"
	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/realtime"
)

var (
	ErrNoOffer        = errors.New("offers: no offer presented")
	ErrOfferExpired   = errors.New("offers: offer expired")
	ErrAcceptInFlight = errors.New("offers: accept already in progress")
	ErrStaleOffer     = errors.New("offers: offer is no longer current")
)

const (
	defaultAssignmentTimeout = 30 * time.Second
	defaultCheckTimeout      = 15 * time.Second
)

// State of the presented offer
type State int

const (
	StateNoOffer State = iota
	StateOfferPresented
	// StateAwaitingAssignment: the server answered ACCEPTED, trip_assigned has not arrived yet
	StateAwaitingAssignment
)

func (s State) String() string {
	switch s {
	case StateOfferPresented:
		return "offer_presented"
	case StateAwaitingAssignment:
		return "awaiting_assignment"
	default:
		return "no_offer"
	}
}

// Snapshot is a copy of the coordinator state
type Snapshot struct {
	State     State
	Offer     *model.TripOffer
	Accepting bool
}

// Options tune a Coordinator. Zero values are replaced with defaults.
type Options struct {
	Emitter  Emitter
	Notifier Notifier
	Logger   *slog.Logger
	Metrics  *Metrics
	Now      func() time.Time
	// AssignmentTimeout bounds the wait for trip_assigned after the server accepted
	AssignmentTimeout time.Duration
	// CheckTimeout bounds the trip lookup made when that wait runs out
	CheckTimeout time.Duration
	// DriverID is the signed-in driver. When set, a trip bound to another
	// driver never counts as this session's assignment.
	DriverID string
}

// Coordinator is the single authority over the presented offer. Safe for concurrent use.
type Coordinator struct {
	api               API
	cache             Cache
	emitter           Emitter
	notifier          Notifier
	log               *slog.Logger
	metrics           *Metrics
	now               func() time.Time
	assignmentTimeout time.Duration
	checkTimeout      time.Duration
	driverID          string

	mu        sync.Mutex
	state     State
	current   *model.TripOffer
	accepting bool
	// held is the newest offer that arrived while an accept was outstanding
	held        *model.TripOffer
	assignTimer *time.Timer
	outcomes    *outcomeLog
	assigned    *outcomeLog
	pending     []Notice
}

// New creates a Coordinator in StateNoOffer
func New(api API, cache Cache, opts Options) *Coordinator {
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.AssignmentTimeout <= 0 {
		opts.AssignmentTimeout = defaultAssignmentTimeout
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}
	return &Coordinator{
		api:               api,
		cache:             cache,
		emitter:           opts.Emitter,
		notifier:          opts.Notifier,
		log:               opts.Logger.With(slog.String("component", "offers")),
		metrics:           opts.Metrics,
		now:               opts.Now,
		assignmentTimeout: opts.AssignmentTimeout,
		checkTimeout:      opts.CheckTimeout,
		driverID:          opts.DriverID,
		outcomes:          newOutcomeLog(outcomeMemory),
		assigned:          newOutcomeLog(outcomeMemory),
	}
}

// Current returns a snapshot of the presented offer
func (c *Coordinator) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{State: c.state, Accepting: c.accepting}
	if c.current != nil {
		o := *c.current
		s.Offer = &o
	}
	return s
}

// Close stops the pending assignment timer
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAssignmentTimer()
}

// Run feeds realtime events to the coordinator in delivery order until ctx is
// done or events is closed
func (c *Coordinator) Run(ctx context.Context, events <-chan realtime.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := c.HandleEvent(ctx, ev); err != nil {
				c.log.Warn("event dropped", slog.String("event", ev.Name), slog.String("err", err.Error()))
			}
		}
	}
}

// HandleEvent decodes one realtime event and applies it
func (c *Coordinator) HandleEvent(ctx context.Context, ev realtime.Event) error {
	switch ev.Name {
	case realtime.EventTripOffer:
		var p realtime.OfferPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		received := ev.ReceivedAt
		if received.IsZero() {
			received = c.now()
		}
		return c.dispatch(ctx, &offerReceived{offer: p.Offer(received)})

	case realtime.EventTripAssigned:
		var p realtime.AssignedPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return c.dispatch(ctx, &tripAssigned{tripID: p.TripID})

	case realtime.EventTripOfferResult, realtime.EventTripOfferCancelled:
		var p realtime.ResultPayload
		if err := ev.Decode(&p); err != nil {
			return err
		}
		return c.dispatch(ctx, &offerResolved{
			offerID:   p.OfferID,
			outcome:   p.Result,
			reason:    p.Reason,
			cancelled: ev.Name == realtime.EventTripOfferCancelled,
		})

	default:
		c.log.Debug("unhandled event", slog.String("event", ev.Name))
		return nil
	}
}

// Accept accepts the presented offer. A second call while one is outstanding
// returns ErrAcceptInFlight without touching the network. An expired offer is
// cleared and ErrOfferExpired returned, also without a network call.
//
// The realtime accept is best effort; the REST answer decides. ACCEPTED keeps
// the offer until trip_assigned arrives. Any other status clears it and is
// surfaced as the outcome. A transport failure keeps the offer for a retry.
// An answer for an offer realtime already resolved is discarded and Accept
// returns nil.
func (c *Coordinator) Accept(ctx context.Context) error {
	req := &acceptRequested{}
	if err := c.dispatch(ctx, req); err != nil {
		return err
	}
	id := req.offer.OfferID

	if c.emitter != nil && c.emitter.Connected() {
		if err := c.emitter.Emit(realtime.EventTripOfferAccept, realtime.AcceptPayload{OfferID: id}); err != nil {
			c.log.Debug("realtime accept not sent", slog.String("offer_id", id), slog.String("err", err.Error()))
		}
	}

	res, err := c.api.AcceptOffer(ctx, id)
	err = c.dispatch(ctx, &acceptAnswered{offerID: id, status: res.Status, err: err})
	if errors.Is(err, ErrStaleOffer) {
		// realtime already settled the offer
		return nil
	}
	return err
}

// Reject dismisses the presented offer.
//
// The offer is cleared locally before the server is asked: the prompt must
// disappear at once. A failed remote reject is logged and returned but does
// not restore the offer; the server lets it expire.
func (c *Coordinator) Reject(ctx context.Context) error {
	req := &rejectRequested{}
	if err := c.dispatch(ctx, req); err != nil {
		return err
	}
	id := req.offer.OfferID

	if _, err := c.api.RejectOffer(ctx, id); err != nil {
		c.log.Warn("remote reject failed", slog.String("offer_id", id), slog.String("err", err.Error()))
		return fmt.Errorf("offers: reject %s: %w", id, err)
	}
	return nil
}

// Reconcile re-validates the cached offers against the server. Offers whose
// trip is no longer offerable are dropped from the cache. When nothing is
// presented, the earliest-expiring remaining offer is presented again.
// Offers whose trip could not be fetched stay as candidates.
func (c *Coordinator) Reconcile(ctx context.Context) ([]model.TripOffer, error) {
	cached, err := c.cache.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("offers: list pending: %w", err)
	}

	candidates := make([]model.TripOffer, 0, len(cached))
	for _, o := range cached {
		trip, err := c.api.GetTrip(ctx, o.TripID)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		check := &tripChecked{offer: o, trip: trip, err: err}
		if derr := c.dispatch(ctx, check); derr != nil {
			return nil, derr
		}
		if check.keep {
			candidates = append(candidates, o)
		}
	}

	if err := c.dispatch(ctx, &presentNext{candidates: candidates}); err != nil {
		return nil, err
	}
	return candidates, nil
}

// inputs applied by the dispatcher

type input interface{ input() }

type offerReceived struct{ offer model.TripOffer }

type tripAssigned struct{ tripID string }

type offerResolved struct {
	offerID   string
	outcome   model.OfferOutcome
	reason    string
	cancelled bool
}

type acceptRequested struct{ offer model.TripOffer }

type acceptAnswered struct {
	offerID string
	status  model.OfferStatus
	err     error
}

type rejectRequested struct{ offer model.TripOffer }

type assignmentChecked struct {
	offerID string
	trip    model.Trip
	err     error
}

type tripChecked struct {
	offer model.TripOffer
	trip  model.Trip
	err   error
	keep  bool
}

type presentNext struct{ candidates []model.TripOffer }

func (*offerReceived) input()     {}
func (*tripAssigned) input()      {}
func (*offerResolved) input()     {}
func (*acceptRequested) input()   {}
func (*acceptAnswered) input()    {}
func (*rejectRequested) input()   {}
func (*assignmentChecked) input() {}
func (*tripChecked) input()       {}
func (*presentNext) input()       {}

// dispatch applies one input under the lock and delivers the resulting
// notices after releasing it. State changes complete even if ctx is canceled.
func (c *Coordinator) dispatch(ctx context.Context, in input) error {
	ctx = context.WithoutCancel(ctx)

	c.mu.Lock()
	var err error
	switch in := in.(type) {
	case *offerReceived:
		c.onOffer(ctx, in.offer)
	case *tripAssigned:
		c.onAssigned(ctx, in.tripID)
	case *offerResolved:
		c.onResolved(ctx, in)
	case *acceptRequested:
		err = c.onAcceptRequested(ctx, in)
	case *acceptAnswered:
		err = c.onAcceptAnswered(ctx, in)
	case *rejectRequested:
		err = c.onRejectRequested(ctx, in)
	case *assignmentChecked:
		c.onAssignmentChecked(ctx, in)
	case *tripChecked:
		c.onTripChecked(ctx, in)
	case *presentNext:
		c.onPresentNext(in.candidates)
	}
	notices := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, n := range notices {
		c.notifier.Notify(n)
	}
	return err
}

func (c *Coordinator) onOffer(ctx context.Context, o model.TripOffer) {
	log := c.log.With(slog.String("offer_id", o.OfferID), slog.String("trip_id", o.TripID))
	if !o.Valid() {
		log.Warn("malformed offer ignored")
		return
	}
	if _, done := c.outcomes.get(o.OfferID); done {
		log.Debug("offer already resolved")
		return
	}
	if o.ExpiredAt(c.now()) {
		log.Info("offer arrived expired", slog.Time("expires_at", o.ExpiresAt))
		return
	}
	if c.current != nil && c.current.OfferID == o.OfferID {
		return
	}

	c.save(ctx, o)

	if c.accepting {
		log.Info("offer held until the outstanding accept resolves")
		h := o
		c.held = &h
		return
	}
	if c.current != nil {
		log.Info("presented offer superseded", slog.String("previous_offer_id", c.current.OfferID))
	}
	c.present(o)
}

// onAssigned clears the presented offer unconditionally: trip_assigned is
// the authoritative win signal
func (c *Coordinator) onAssigned(ctx context.Context, tripID string) {
	if tripID == "" {
		c.log.Warn("assignment without trip id ignored")
		return
	}
	if !c.assigned.record(tripID, model.OutcomeAccepted) {
		c.log.Debug("duplicate assignment", slog.String("trip_id", tripID))
		return
	}
	if c.held != nil && c.held.TripID == tripID {
		c.held = nil
	}

	offerID := ""
	if cur := c.current; cur != nil {
		if cur.TripID == tripID {
			offerID = cur.OfferID
			c.finish(ctx, *cur, model.OutcomeAccepted, "", true)
		} else {
			c.finish(ctx, *cur, model.OutcomeCancelled, "assigned another trip", true)
		}
	}

	c.log.Info("trip assigned", slog.String("trip_id", tripID))
	c.notify(Notice{Kind: NoticeAssigned, TripID: tripID, OfferID: offerID})
	c.promoteHeld()
}

func (c *Coordinator) onResolved(ctx context.Context, in *offerResolved) {
	outcome := in.outcome
	if outcome == "" && in.cancelled {
		outcome = model.OutcomeCancelled
	}
	if !knownOutcome(outcome) {
		c.log.Warn("offer result with unknown outcome ignored",
			slog.String("offer_id", in.offerID), slog.String("outcome", string(outcome)))
		return
	}
	if _, done := c.outcomes.get(in.offerID); done {
		return
	}

	cur := c.current
	if cur == nil || cur.OfferID != in.offerID {
		// stale event for an offer that is not presented: state is untouched
		c.log.Debug("result for non-presented offer", slog.String("offer_id", in.offerID))
		c.outcomes.record(in.offerID, outcome)
		if c.held != nil && c.held.OfferID == in.offerID {
			c.held = nil
		}
		c.remove(ctx, in.offerID)
		return
	}

	// accepted is absorbed silently; trip_assigned confirms the win
	c.finish(ctx, *cur, outcome, in.reason, outcome == model.OutcomeAccepted)
	c.promoteHeld()
}

func (c *Coordinator) onAcceptRequested(ctx context.Context, in *acceptRequested) error {
	cur := c.current
	if cur == nil {
		return ErrNoOffer
	}
	if c.accepting {
		return ErrAcceptInFlight
	}
	if cur.ExpiredAt(c.now()) {
		c.finish(ctx, *cur, model.OutcomeExpired, "", false)
		c.promoteHeld()
		return ErrOfferExpired
	}
	c.accepting = true
	in.offer = *cur
	return nil
}

func (c *Coordinator) onAcceptAnswered(ctx context.Context, in *acceptAnswered) error {
	cur := c.current
	if cur == nil || cur.OfferID != in.offerID || !c.accepting {
		c.log.Info("stale accept response discarded", slog.String("offer_id", in.offerID))
		return ErrStaleOffer
	}
	log := c.log.With(slog.String("offer_id", cur.OfferID), slog.String("trip_id", cur.TripID))

	if in.err != nil {
		c.accepting = false
		log.Warn("accept failed", slog.String("err", in.err.Error()))
		c.notify(Notice{Kind: NoticeError, OfferID: cur.OfferID, TripID: cur.TripID, Message: "accept failed, try again"})
		c.promoteHeld()
		return fmt.Errorf("offers: accept %s: %w", cur.OfferID, in.err)
	}

	if in.status == model.OfferStatusAccepted {
		c.state = StateAwaitingAssignment
		c.armAssignmentTimer(*cur)
		log.Info("accept confirmed, awaiting assignment")
		return nil
	}

	outcome, ok := model.OutcomeFromStatus(in.status)
	if !ok {
		outcome = model.OutcomeLost
	}
	log.Info("accept answered", slog.String("status", string(in.status)))
	c.finish(ctx, *cur, outcome, "", false)
	c.promoteHeld()
	return nil
}

func (c *Coordinator) onRejectRequested(ctx context.Context, in *rejectRequested) error {
	cur := c.current
	if cur == nil {
		return ErrNoOffer
	}
	if c.accepting {
		return ErrAcceptInFlight
	}
	if cur.ExpiredAt(c.now()) {
		c.finish(ctx, *cur, model.OutcomeExpired, "", false)
		c.promoteHeld()
		return ErrOfferExpired
	}
	in.offer = *cur
	c.finish(ctx, *cur, model.OutcomeRejected, "", true)
	c.promoteHeld()
	return nil
}

// onAssignmentChecked applies the trip lookup made when trip_assigned did
// not arrive in time. A bound trip counts as the assignment; anything else
// means the trip went elsewhere.
func (c *Coordinator) onAssignmentChecked(ctx context.Context, in *assignmentChecked) {
	cur := c.current
	if c.state != StateAwaitingAssignment || cur == nil || cur.OfferID != in.offerID {
		return
	}
	if in.err != nil {
		c.log.Warn("assignment check failed, waiting again",
			slog.String("offer_id", cur.OfferID), slog.String("err", in.err.Error()))
		c.armAssignmentTimer(*cur)
		return
	}
	if c.boundToMe(in.trip) {
		c.log.Info("assignment confirmed by trip status", slog.String("trip_id", cur.TripID))
		c.onAssigned(ctx, cur.TripID)
		return
	}
	c.finish(ctx, *cur, model.OutcomeLost, "no assignment after accept", false)
	c.promoteHeld()
}

func (c *Coordinator) onTripChecked(ctx context.Context, in *tripChecked) {
	o := in.offer
	if _, done := c.outcomes.get(o.OfferID); done {
		c.remove(ctx, o.OfferID)
		return
	}

	status := in.trip.Status
	if in.err != nil {
		if !apiclient.IsStatus(in.err, http.StatusNotFound) {
			c.log.Warn("could not revalidate offer",
				slog.String("offer_id", o.OfferID), slog.String("err", in.err.Error()))
			in.keep = true
			return
		}
		status = model.TripStatusCancelled
	}
	if status.Offerable() {
		in.keep = true
		return
	}

	cur := c.current
	if cur == nil || cur.OfferID != o.OfferID {
		if c.held != nil && c.held.OfferID == o.OfferID {
			c.held = nil
		}
		c.remove(ctx, o.OfferID)
		return
	}

	if c.state == StateAwaitingAssignment && in.err == nil && c.boundToMe(in.trip) {
		c.onAssigned(ctx, o.TripID)
		return
	}
	if c.accepting && c.state == StateOfferPresented {
		// the accept answer will settle it
		in.keep = true
		return
	}

	outcome := model.OutcomeLost
	if status == model.TripStatusCancelled {
		outcome = model.OutcomeCancelled
	}
	c.finish(ctx, o, outcome, "trip "+string(status), false)
	c.promoteHeld()
}

// boundToMe reports whether trip is assigned to this session's driver.
// Without a known driver id any bound trip counts.
func (c *Coordinator) boundToMe(trip model.Trip) bool {
	if !trip.Status.Bound() {
		return false
	}
	if c.driverID == "" || trip.DriverID == nil {
		return true
	}
	return *trip.DriverID == c.driverID
}

func (c *Coordinator) onPresentNext(candidates []model.TripOffer) {
	if c.current != nil {
		return
	}
	now := c.now()
	for _, o := range candidates {
		if o.ExpiredAt(now) {
			continue
		}
		if _, done := c.outcomes.get(o.OfferID); done {
			continue
		}
		c.present(o)
		return
	}
}

// helpers below run with c.mu held

func (c *Coordinator) present(o model.TripOffer) {
	c.current = &o
	c.state = StateOfferPresented
	c.accepting = false
	c.stopAssignmentTimer()
	c.metrics.received.Inc()

	c.log.Info("offer presented",
		slog.String("offer_id", o.OfferID),
		slog.String("trip_id", o.TripID),
		slog.Time("expires_at", o.ExpiresAt),
	)
	shown := o
	c.notify(Notice{Kind: NoticeOffer, OfferID: o.OfferID, TripID: o.TripID, Offer: &shown})
}

// finish records the terminal outcome of o, drops it from the cache and
// clears it when it is the presented offer
func (c *Coordinator) finish(ctx context.Context, o model.TripOffer, outcome model.OfferOutcome, reason string, silent bool) {
	if c.outcomes.record(o.OfferID, outcome) {
		c.metrics.outcome(outcome)
	}
	c.remove(ctx, o.OfferID)

	if c.current != nil && c.current.OfferID == o.OfferID {
		c.current = nil
		c.state = StateNoOffer
		c.accepting = false
		c.stopAssignmentTimer()
	}

	c.log.Info("offer resolved",
		slog.String("offer_id", o.OfferID),
		slog.String("outcome", string(outcome)),
		slog.String("reason", reason),
	)
	if !silent {
		c.notify(Notice{Kind: NoticeOutcome, OfferID: o.OfferID, TripID: o.TripID, Outcome: outcome, Message: reason})
	}
}

// promoteHeld presents the offer that was held back during an accept
func (c *Coordinator) promoteHeld() {
	if c.held == nil || c.accepting {
		return
	}
	h := *c.held
	c.held = nil
	if h.ExpiredAt(c.now()) {
		return
	}
	if _, done := c.outcomes.get(h.OfferID); done {
		return
	}
	if c.current != nil && c.current.OfferID == h.OfferID {
		return
	}
	c.present(h)
}

func (c *Coordinator) armAssignmentTimer(o model.TripOffer) {
	c.stopAssignmentTimer()
	offerID, tripID := o.OfferID, o.TripID
	c.assignTimer = time.AfterFunc(c.assignmentTimeout, func() {
		c.checkAssignment(offerID, tripID)
	})
}

func (c *Coordinator) stopAssignmentTimer() {
	if c.assignTimer != nil {
		c.assignTimer.Stop()
		c.assignTimer = nil
	}
}

func (c *Coordinator) checkAssignment(offerID, tripID string) {
	c.mu.Lock()
	waiting := c.state == StateAwaitingAssignment && c.current != nil && c.current.OfferID == offerID
	c.mu.Unlock()
	if !waiting {
		return
	}

	c.log.Info("no assignment yet, checking trip", slog.String("offer_id", offerID), slog.String("trip_id", tripID))
	ctx, cancel := context.WithTimeout(context.Background(), c.checkTimeout)
	defer cancel()
	trip, err := c.api.GetTrip(ctx, tripID)
	_ = c.dispatch(ctx, &assignmentChecked{offerID: offerID, trip: trip, err: err})
}

func (c *Coordinator) save(ctx context.Context, o model.TripOffer) {
	if err := c.cache.Save(ctx, o); err != nil {
		c.log.Warn("pending offer not persisted", slog.String("offer_id", o.OfferID), slog.String("err", err.Error()))
	}
}

func (c *Coordinator) remove(ctx context.Context, offerID string) {
	if err := c.cache.Remove(ctx, offerID); err != nil {
		c.log.Warn("pending offer not removed", slog.String("offer_id", offerID), slog.String("err", err.Error()))
	}
}

func (c *Coordinator) notify(n Notice) {
	c.pending = append(c.pending, n)
}

func knownOutcome(o model.OfferOutcome) bool {
	switch o {
	case model.OutcomeAccepted, model.OutcomeRejected, model.OutcomeExpired, model.OutcomeCancelled, model.OutcomeLost:
		return true
	}
	return false
}
