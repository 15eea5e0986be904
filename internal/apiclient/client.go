// Package apiclient is the driver's HTTP client for the dispatch API.
//
// Every request carries the current access token. When the server answers 401
// the client runs a single-flight refresh: the first failing request performs
// the refresh call, requests failing meanwhile queue behind it, and all of them
// are replayed once with the new token. A request is replayed at most once.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/tokenstore"
)

const (
	refreshPath           = "/auth/refresh-token"
	maxBodySize           = 4 << 20
	defaultRefreshTimeout = 15 * time.Second
)

// Options tune a Client. Zero values are replaced with defaults.
type Options struct {
	HTTPClient     *http.Client
	Logger         *slog.Logger
	Metrics        *Metrics
	RefreshTimeout time.Duration
}

// Request describes a replayable HTTP call. Body is buffered so it can be sent twice.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Client is safe for concurrent use. Refresh state is per instance.
type Client struct {
	baseURL        string
	httpc          *http.Client
	tokens         tokenstore.Store
	log            *slog.Logger
	metrics        *Metrics
	refreshTimeout time.Duration

	mu         sync.Mutex
	refreshing bool
	// gen counts successful refreshes. A request remembers the generation it
	// was sent under; a 401 from an older generation is replayed without a new refresh.
	gen     uint64
	waiters []chan error
	// epoch advances on Reset. A refresh started in an older epoch leaves
	// the refresh state alone when it finishes.
	epoch uint64
}

// New creates a Client for the API rooted at baseURL
func New(baseURL string, tokens tokenstore.Store, opts Options) *Client {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = defaultRefreshTimeout
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		httpc:          opts.HTTPClient,
		tokens:         tokens,
		log:            opts.Logger.With(slog.String("component", "apiclient")),
		metrics:        opts.Metrics,
		refreshTimeout: opts.RefreshTimeout,
	}
}

// Do sends req with the current access token, running the refresh protocol on 401.
// Non-2xx responses are returned as *HTTPError.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	token, gen, err := c.currentToken(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || req.Path == refreshPath {
		return c.check(req, resp)
	}

	if err := c.awaitRefresh(ctx, gen); err != nil {
		return nil, err
	}

	token, _, err = c.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	c.metrics.replays.Inc()

	// Second attempt. A repeated 401 surfaces as an HTTPError and is not retried again.
	resp, err = c.send(ctx, req, token)
	if err != nil {
		return nil, err
	}
	return c.check(req, resp)
}

// Refresh forces a refresh, joining one already in flight
func (c *Client) Refresh(ctx context.Context) error {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	return c.awaitRefresh(ctx, gen)
}

// Reset drops refresh state, failing every queued request. A refresh already
// on the wire is not cancelled; its outcome is ignored and the next 401 opens
// a new window. Tokens are not cleared.
func (c *Client) Reset() {
	c.mu.Lock()
	waiters := c.waiters
	c.waiters = nil
	c.refreshing = false
	c.epoch++
	c.mu.Unlock()

	for _, w := range waiters {
		w <- fmt.Errorf("%w: client reset", ErrRefreshFailed)
	}
}

// currentToken reads the generation before the token so a token is never
// paired with a generation newer than itself.
func (c *Client) currentToken(ctx context.Context) (string, uint64, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	pair, ok, err := c.tokens.Get(ctx)
	if err != nil {
		return "", gen, fmt.Errorf("apiclient: read tokens: %w", err)
	}
	if !ok {
		return "", gen, nil
	}
	return pair.AccessToken, gen, nil
}

// awaitRefresh returns once the failure window opened at generation sent has been resolved
func (c *Client) awaitRefresh(ctx context.Context, sent uint64) error {
	c.mu.Lock()
	if c.gen != sent {
		c.mu.Unlock()
		return nil
	}
	if c.refreshing {
		ch := make(chan error, 1)
		c.waiters = append(c.waiters, ch)
		c.mu.Unlock()

		select {
		case err := <-ch:
			return err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.refreshing = true
	epoch := c.epoch
	c.mu.Unlock()

	err := c.refresh(ctx)

	c.mu.Lock()
	if c.epoch != epoch {
		c.mu.Unlock()
		c.log.Info("refresh finished after reset, result ignored")
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: client reset", ErrRefreshFailed)
	}
	c.refreshing = false
	if err == nil {
		c.gen++
	}
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	// FIFO: queued requests wake in arrival order and replay independently.
	for _, w := range waiters {
		w <- err
	}
	return err
}

// refresh runs detached from the caller's cancellation: other requests depend on its outcome.
func (c *Client) refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	start := time.Now()
	c.log.Info("refreshing access token")

	if err := c.exchangeRefreshToken(ctx); err != nil {
		c.metrics.refreshes.WithLabelValues("failure").Inc()
		if cerr := c.tokens.Clear(ctx); cerr != nil {
			c.log.Error("failed to clear tokens after refresh failure", slog.String("err", cerr.Error()))
		}
		c.log.Warn("token refresh failed, session cleared",
			slog.String("err", err.Error()),
			slog.Duration("dur", time.Since(start)),
		)
		return fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}

	c.metrics.refreshes.WithLabelValues("success").Inc()
	c.log.Info("access token refreshed", slog.Duration("dur", time.Since(start)))
	return nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

func (c *Client) exchangeRefreshToken(ctx context.Context) error {
	stored, ok, err := c.tokens.Get(ctx)
	if err != nil {
		return fmt.Errorf("read tokens: %w", err)
	}
	if !ok || stored.RefreshToken == "" {
		return ErrNoRefreshToken
	}

	body, err := json.Marshal(refreshRequest{RefreshToken: stored.RefreshToken})
	if err != nil {
		return fmt.Errorf("encode refresh request: %w", err)
	}
	req := &Request{Method: http.MethodPost, Path: refreshPath, Body: body}
	resp, err := c.send(ctx, req, "")
	if err != nil {
		return err
	}
	if _, err := c.check(req, resp); err != nil {
		return err
	}

	var out refreshResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return fmt.Errorf("decode refresh response: %w", err)
	}
	if out.AccessToken == "" {
		return fmt.Errorf("refresh response carried no access token")
	}

	if exp, ok := tokenstore.AccessExpiry(out.AccessToken); ok {
		c.log.Debug("new access token", slog.Time("expires_at", exp))
	}
	if err := c.tokens.Set(ctx, model.TokenPair{AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}); err != nil {
		return fmt.Errorf("store tokens: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, req *Request, token string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, req.Method, c.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("apiclient: build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hreq.Header.Add(k, v)
		}
	}
	if req.Body != nil && hreq.Header.Get("Content-Type") == "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	hreq.Header.Set("Accept", "application/json")
	rid := hreq.Header.Get("X-Request-Id")
	if rid == "" {
		rid = uuid.NewString()
		hreq.Header.Set("X-Request-Id", rid)
	}
	if token != "" {
		hreq.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	hresp, err := c.httpc.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("apiclient: %s %s: %w", req.Method, req.Path, err)
	}
	defer hresp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("apiclient: read %s %s: %w", req.Method, req.Path, err)
	}

	c.log.Debug("http",
		slog.String("request_id", rid),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", hresp.StatusCode),
		slog.Duration("dur", time.Since(start)),
	)

	return &Response{StatusCode: hresp.StatusCode, Header: hresp.Header, Body: data}, nil
}

func (c *Client) check(req *Request, resp *Response) (*Response, error) {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	return nil, &HTTPError{Method: req.Method, Path: req.Path, StatusCode: resp.StatusCode, Body: resp.Body}
}
