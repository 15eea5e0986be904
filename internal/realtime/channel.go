// Package realtime keeps one authenticated websocket to the dispatch server,
// fans inbound events out to subscribers and sends fire-and-forget events.
//
// The channel is best-effort infrastructure. Callers must tolerate Connect
// failing and keep working over REST.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/signalix/driver/internal/tokenstore"
)

var (
	ErrNotConnected   = errors.New("realtime: not connected")
	errStopped        = errors.New("realtime: channel stopped")
	ErrConnectTimeout = errors.New("realtime: connect timed out")
	ErrUnauthorized   = errors.New("realtime: handshake rejected")
)

const (
	writeWait          = 10 * time.Second
	reconnectBaseDelay = 500 * time.Millisecond
)

// Refresher renews the access token after the handshake is rejected
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Options configure a Channel. Zero durations get defaults.
type Options struct {
	URL            string
	Tokens         tokenstore.Store
	Refresher      Refresher
	Logger         *slog.Logger
	Dialer         *websocket.Dialer
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongWait       time.Duration
	Reconnect      bool
	ReconnectMax   time.Duration
}

// Conn is the handle of one live connection
type Conn struct {
	ws          *websocket.Conn
	done        chan struct{}
	ConnectedAt time.Time
}

// Done is closed when this connection is gone
func (c *Conn) Done() <-chan struct{} { return c.done }

// Channel is the driver's realtime connection. Safe for concurrent use.
type Channel struct {
	opts Options
	log  *slog.Logger

	connectMu sync.Mutex // serializes dials

	mu              sync.Mutex
	conn            *Conn
	stopped         bool
	cancelReconnect context.CancelFunc

	writeMu sync.Mutex

	subsMu  sync.RWMutex
	subs    map[int]chan Event
	nextSub int
}

// New creates a disconnected Channel
func New(opts Options) *Channel {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = &websocket.Dialer{}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = opts.PongWait * 4 / 10
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	return &Channel{
		opts: opts,
		log:  opts.Logger.With(slog.String("component", "realtime")),
		subs: make(map[int]chan Event),
	}
}

// Connect dials the server unless already connected, in which case the
// existing handle is returned. The handshake is bounded by ConnectTimeout.
func (c *Channel) Connect(ctx context.Context) (*Conn, error) {
	return c.connect(ctx, true)
}

// connect is shared by Connect and the reconnect loop. Only an explicit
// Connect revives a channel stopped by Disconnect.
func (c *Channel) connect(ctx context.Context, explicit bool) (*Conn, error) {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if explicit {
		c.stopped = false
	} else if c.stopped {
		c.mu.Unlock()
		return nil, errStopped
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	ws, err := c.dial(ctx)
	if errors.Is(err, ErrUnauthorized) && c.opts.Refresher != nil {
		c.log.Info("handshake rejected, refreshing token")
		if rerr := c.opts.Refresher.Refresh(ctx); rerr != nil {
			return nil, fmt.Errorf("%w: %w", err, rerr)
		}
		ws, err = c.dial(ctx)
	}
	if err != nil {
		return nil, err
	}

	conn := &Conn{ws: ws, done: make(chan struct{}), ConnectedAt: time.Now()}
	c.mu.Lock()
	if !explicit && c.stopped {
		c.mu.Unlock()
		_ = ws.Close()
		return nil, errStopped
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.log.Info("connected", slog.String("url", c.opts.URL))
	return conn, nil
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if c.opts.Tokens != nil {
		pair, ok, err := c.opts.Tokens.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("realtime: read tokens: %w", err)
		}
		if ok {
			header.Set("Authorization", "Bearer "+pair.AccessToken)
		}
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	ws, resp, err := c.opts.Dialer.DialContext(dctx, c.opts.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		var ne net.Error
		timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout())
		if timedOut && ctx.Err() == nil {
			return nil, ErrConnectTimeout
		}
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	return ws, nil
}

// Disconnect closes the connection and stops reconnecting
func (c *Channel) Disconnect() {
	c.mu.Lock()
	c.stopped = true
	conn := c.conn
	c.conn = nil
	cancel := c.cancelReconnect
	c.cancelReconnect = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.ws.Close()
		<-conn.done
		c.log.Info("disconnected")
	}
}

// Connected reports whether a connection is currently up
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Emit sends one event without waiting for any acknowledgement
func (c *Channel) Emit(event string, payload any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.ws.WriteJSON(env); err != nil {
		return fmt.Errorf("realtime: emit %s: %w", event, err)
	}
	return nil
}

// Subscribe registers a listener. Each listener gets its own buffered channel;
// when it is full the event is dropped for that listener only.
func (c *Channel) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	c.subsMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	c.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			close(ch)
			c.subsMu.Unlock()
		})
	}
}

func (c *Channel) publish(ev Event) {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
			c.log.Warn("subscriber full, event dropped", slog.String("event", ev.Name))
		}
	}
}

func (c *Channel) readLoop(conn *Conn) {
	ws := conn.ws
	_ = ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("read loop ended", slog.String("err", err.Error()))
			}
			break
		}
		if env.Event == "" {
			continue
		}
		c.publish(Event{Name: env.Event, Data: env.Data, ReceivedAt: time.Now()})
	}

	_ = ws.Close()

	c.mu.Lock()
	dropped := c.conn == conn
	if dropped {
		c.conn = nil
	}
	restart := dropped && !c.stopped && c.opts.Reconnect
	var ctx context.Context
	if restart {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		c.cancelReconnect = cancel
	}
	c.mu.Unlock()

	close(conn.done)

	if dropped {
		c.log.Warn("connection lost")
	}
	if restart {
		go c.reconnect(ctx)
	}
}

func (c *Channel) pingLoop(conn *Conn) {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug("ping failed", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// reconnect redials with capped exponential backoff until it succeeds or
// Disconnect cancels ctx
func (c *Channel) reconnect(ctx context.Context) {
	backoff := retry.WithCappedDuration(c.opts.ReconnectMax, retry.NewExponential(reconnectBaseDelay))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := c.connect(ctx, false); err != nil {
			if errors.Is(err, errStopped) {
				return err
			}
			c.log.Debug("reconnect attempt failed", slog.String("err", err.Error()))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, errStopped) {
		c.log.Warn("reconnect gave up", slog.String("err", err.Error()))
	}
}
