package offers

import (
	"context"
	"log/slog"
	"time"

	"github.com/signalix/driver/internal/model"
)

// Reconciler re-validates pending offers over REST
type Reconciler interface {
	Reconcile(ctx context.Context) ([]model.TripOffer, error)
}

// Connectivity reports whether realtime delivery is up
type Connectivity interface {
	Connected() bool
}

// Poller reconciles on a fixed interval while realtime is down
type Poller struct {
	r        Reconciler
	conn     Connectivity
	interval time.Duration
	log      *slog.Logger
}

// NewPoller creates a Poller. A nil conn means realtime is never available.
func NewPoller(r Reconciler, conn Connectivity, interval time.Duration, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = 20 * time.Second
	}
	return &Poller{r: r, conn: conn, interval: interval, log: logger.With(slog.String("component", "poller"))}
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	if p.conn != nil && p.conn.Connected() {
		return
	}
	offers, err := p.r.Reconcile(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("reconcile failed", slog.String("err", err.Error()))
		}
		return
	}
	p.log.Debug("reconciled", slog.Int("pending", len(offers)))
}
