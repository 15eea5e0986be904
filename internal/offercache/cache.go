// Package offercache keeps a durable list of trip offers that were received
// but not yet resolved, so an agent restart does not lose them.
package offercache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/storage"
)

// Key is the storage key holding the pending offer list
const Key = "@driver/pending_trip_offers"

// Cache is the pending-offer list. Safe for concurrent use.
type Cache struct {
	kv  storage.KV
	now func() time.Time
	mu  sync.Mutex
}

// New creates a Cache on kv. A nil clock means time.Now.
func New(kv storage.KV, now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{kv: kv, now: now}
}

// Save upserts offer by OfferID and drops every other offer for the same trip
func (c *Cache) Save(ctx context.Context, offer model.TripOffer) error {
	if !offer.Valid() {
		return fmt.Errorf("offercache: invalid offer %q", offer.OfferID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	offers, err := c.load(ctx)
	if err != nil {
		return err
	}

	kept := offers[:0]
	for _, o := range offers {
		if o.OfferID == offer.OfferID || o.TripID == offer.TripID {
			continue
		}
		kept = append(kept, o)
	}
	kept = append(kept, offer)
	return c.store(ctx, kept)
}

// List returns the offers that have not expired yet, ordered by expiry.
// Expired entries are purged from storage as a side effect.
func (c *Cache) List(ctx context.Context) ([]model.TripOffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	offers, err := c.load(ctx)
	if err != nil {
		return nil, err
	}

	now := c.now()
	live := make([]model.TripOffer, 0, len(offers))
	for _, o := range offers {
		if !o.ExpiredAt(now) {
			live = append(live, o)
		}
	}
	if len(live) != len(offers) {
		if err := c.store(ctx, live); err != nil {
			return nil, err
		}
	}

	sort.SliceStable(live, func(i, j int) bool { return live[i].ExpiresAt.Before(live[j].ExpiresAt) })
	return live, nil
}

// Remove deletes the offer with the given id. Unknown ids are ignored.
func (c *Cache) Remove(ctx context.Context, offerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	offers, err := c.load(ctx)
	if err != nil {
		return err
	}

	kept := offers[:0]
	for _, o := range offers {
		if o.OfferID != offerID {
			kept = append(kept, o)
		}
	}
	if len(kept) == len(offers) {
		return nil
	}
	return c.store(ctx, kept)
}

func (c *Cache) load(ctx context.Context) ([]model.TripOffer, error) {
	raw, err := c.kv.Get(ctx, Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("offercache: read: %w", err)
	}

	var offers []model.TripOffer
	if err := json.Unmarshal(raw, &offers); err != nil {
		return nil, fmt.Errorf("offercache: decode: %w", err)
	}
	return offers, nil
}

func (c *Cache) store(ctx context.Context, offers []model.TripOffer) error {
	if len(offers) == 0 {
		if err := c.kv.Delete(ctx, Key); err != nil {
			return fmt.Errorf("offercache: clear: %w", err)
		}
		return nil
	}
	raw, err := json.Marshal(offers)
	if err != nil {
		return fmt.Errorf("offercache: encode: %w", err)
	}
	if err := c.kv.Set(ctx, Key, raw); err != nil {
		return fmt.Errorf("offercache: write: %w", err)
	}
	return nil
}
