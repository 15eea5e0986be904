package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/signalix/driver/internal/model"
)

// OfferStatusResponse is the body of POST /trip-offers/:id/accept and /reject
type OfferStatusResponse struct {
	ID     string            `json:"id"`
	Status model.OfferStatus `json:"status"`
}

// AcceptOffer asks the server to bind the offer's trip to this driver.
// The returned status is authoritative.
func (c *Client) AcceptOffer(ctx context.Context, offerID string) (OfferStatusResponse, error) {
	var out OfferStatusResponse
	err := c.doJSON(ctx, http.MethodPost, "/trip-offers/"+url.PathEscape(offerID)+"/accept", nil, &out)
	return out, err
}

// RejectOffer declines the offer
func (c *Client) RejectOffer(ctx context.Context, offerID string) (OfferStatusResponse, error) {
	var out OfferStatusResponse
	err := c.doJSON(ctx, http.MethodPost, "/trip-offers/"+url.PathEscape(offerID)+"/reject", nil, &out)
	return out, err
}

// Profile is the body of GET /me
type Profile struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phoneNumber"`
}

// Me returns the signed-in driver
func (c *Client) Me(ctx context.Context) (Profile, error) {
	var out Profile
	err := c.doJSON(ctx, http.MethodGet, "/me", nil, &out)
	return out, err
}

// GetTrip fetches the current trip record
func (c *Client) GetTrip(ctx context.Context, tripID string) (model.Trip, error) {
	var out model.Trip
	err := c.doJSON(ctx, http.MethodGet, "/trips/"+url.PathEscape(tripID), nil, &out)
	return out, err
}

type devLoginRequest struct {
	PhoneNumber string `json:"phoneNumber"`
}

// DevLogin signs in against a dispatch server running in dev mode and stores the issued pair
func (c *Client) DevLogin(ctx context.Context, phone string) error {
	var pair model.TokenPair
	if err := c.doJSON(ctx, http.MethodPost, "/auth/dev-login", devLoginRequest{PhoneNumber: phone}, &pair); err != nil {
		return err
	}
	if err := c.tokens.Set(ctx, pair); err != nil {
		return fmt.Errorf("apiclient: store tokens: %w", err)
	}
	return nil
}

// Logout revokes the refresh token remotely when possible and always clears
// the local pair, even when ctx is already done. Only a local clear failure is returned.
func (c *Client) Logout(ctx context.Context) error {
	local := context.WithoutCancel(ctx)
	pair, ok, err := c.tokens.Get(local)
	if err == nil && ok && pair.RefreshToken != "" {
		body := refreshRequest{RefreshToken: pair.RefreshToken}
		if err := c.doJSON(ctx, http.MethodPost, "/auth/logout", body, nil); err != nil {
			c.log.Warn("remote logout failed", slog.String("err", err.Error()))
		}
	}
	return c.tokens.Clear(local)
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	req := &Request{Method: method, Path: path}
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("apiclient: encode %s %s: %w", method, path, err)
		}
		req.Body = body
	}

	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(resp.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body, out); err != nil {
		return fmt.Errorf("apiclient: decode %s %s: %w", method, path, err)
	}
	return nil
}
