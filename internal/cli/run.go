package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/offercache"
	"github.com/signalix/driver/internal/offers"
	"github.com/signalix/driver/internal/realtime"
)

// ErrNotSignedIn is returned by run when the device holds no session
var ErrNotSignedIn = errors.New("not signed in, run `driver login` first")

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stay online and handle trip offers",
		Long: `run connects to the realtime channel and presents incoming trip offers.
Type "accept" or "reject" to answer the presented offer, "status" to show it,
"sync" to re-validate pending offers and "quit" to stop.`,
		RunE: runAgent,
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	a, err := loadAgent(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if _, ok, err := a.tokens.Get(ctx); err != nil {
		return err
	} else if !ok {
		return ErrNotSignedIn
	}

	channel := realtime.New(realtime.Options{
		URL:            a.cfg.RealtimeURL,
		Tokens:         a.tokens,
		Refresher:      a.api,
		Logger:         a.log,
		ConnectTimeout: a.cfg.RealtimeConnectTimeout,
		Reconnect:      true,
		ReconnectMax:   a.cfg.RealtimeReconnectMax,
	})
	defer channel.Disconnect()

	events, unsubscribe := channel.Subscribe(64)
	defer unsubscribe()

	var driverID string
	if me, err := a.api.Me(ctx); err != nil {
		a.log.Warn("could not read driver profile", slog.String("err", err.Error()))
	} else {
		driverID = me.ID
	}

	out := &printer{w: cmd.OutOrStdout()}
	coord := offers.New(a.api, offercache.New(a.kv, time.Now), offers.Options{
		Emitter:           channel,
		Notifier:          offers.NotifierFunc(out.notice),
		Logger:            a.log,
		Metrics:           offers.NewMetrics(a.reg),
		AssignmentTimeout: a.cfg.AssignmentTimeout,
		DriverID:          driverID,
	})
	defer coord.Close()

	if pending, err := coord.Reconcile(ctx); err != nil {
		a.log.Warn("startup reconcile failed", slog.String("err", err.Error()))
	} else {
		a.log.Info("startup reconcile", slog.Int("pending", len(pending)))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return coord.Run(gctx, events) })
	g.Go(func() error {
		return offers.NewPoller(coord, channel, a.cfg.PollInterval, a.log).Run(gctx)
	})
	g.Go(func() error { return connectUntilUp(gctx, channel, a.cfg.RealtimeReconnectMax, a.log) })
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error { return serveMetrics(gctx, a, a.cfg.MetricsAddr) })
	}
	g.Go(func() error {
		err := commandLoop(gctx, cmd.InOrStdin(), coord, out)
		if errors.Is(err, errQuit) {
			stop()
			return nil
		}
		return err
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// connectUntilUp retries the first dial. Once a connection has been made the
// channel reconnects on its own.
func connectUntilUp(ctx context.Context, channel *realtime.Channel, maxDelay time.Duration, log *slog.Logger) error {
	backoff := retry.WithCappedDuration(maxDelay, retry.NewExponential(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := channel.Connect(ctx); err != nil {
			log.Warn("realtime connect failed", slog.String("err", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serveMetrics(ctx context.Context, a *agent, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	a.log.Info("metrics_listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

var errQuit = errors.New("quit")

// offerActions is the part of the coordinator the command loop drives
type offerActions interface {
	Accept(ctx context.Context) error
	Reject(ctx context.Context) error
	Current() offers.Snapshot
	Reconcile(ctx context.Context) ([]model.TripOffer, error)
}

// commandLoop reads driver commands line by line. EOF stops reading but
// keeps the agent online.
func commandLoop(ctx context.Context, in io.Reader, coord offerActions, out *printer) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if err := handleCommand(ctx, line, coord, out); err != nil {
				return err
			}
		}
	}
}

func handleCommand(ctx context.Context, line string, coord offerActions, out *printer) error {
	switch strings.ToLower(line) {
	case "":
	case "accept", "a":
		// Other accept failures reach the driver as coordinator notices.
		switch err := coord.Accept(ctx); {
		case errors.Is(err, offers.ErrNoOffer):
			out.printf("no offer to accept\n")
		case err != nil:
			slog.Debug("accept not completed", slog.String("err", err.Error()))
		}
	case "reject", "r":
		if err := coord.Reject(ctx); err != nil {
			out.printf("reject failed: %v\n", err)
		}
	case "status", "s":
		snap := coord.Current()
		if snap.Offer == nil {
			out.printf("state=%s\n", snap.State)
			return nil
		}
		out.printf("state=%s offer=%s trip=%s accepting=%t\n", snap.State, snap.Offer.OfferID, snap.Offer.TripID, snap.Accepting)
	case "sync":
		pending, err := coord.Reconcile(ctx)
		if err != nil {
			out.printf("sync failed: %v\n", err)
			return nil
		}
		out.printf("%d pending offer(s)\n", len(pending))
	case "quit", "q", "exit":
		return errQuit
	default:
		out.printf("unknown command %q (accept, reject, status, sync, quit)\n", line)
	}
	return nil
}

// printer serializes writes from the coordinator and the command loop
type printer struct {
	mu sync.Mutex
	w  io.Writer
}

func (p *printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *printer) notice(n offers.Notice) {
	switch n.Kind {
	case offers.NoticeOffer:
		if n.Offer != nil {
			p.printf("New trip offer %s for trip %s, expires %s. Type accept or reject.\n",
				n.OfferID, n.TripID, n.Offer.ExpiresAt.Local().Format(time.Kitchen))
			return
		}
		p.printf("New trip offer %s for trip %s\n", n.OfferID, n.TripID)
	case offers.NoticeAssigned:
		p.printf("Trip %s is yours\n", n.TripID)
	case offers.NoticeOutcome:
		p.printf("Offer %s %s\n", n.OfferID, n.Outcome)
	case offers.NoticeError:
		p.printf("Error: %s\n", n.Message)
	}
}
