package offercache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalix/driver/internal/model"
	"github.com/signalix/driver/internal/storage"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newCache(t *testing.T) (*Cache, *storage.MemoryKV, *fakeClock) {
	t.Helper()
	kv := storage.NewMemory()
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(kv, clock.now), kv, clock
}

func offer(id, trip string, expires time.Time) model.TripOffer {
	return model.TripOffer{OfferID: id, TripID: trip, ExpiresAt: expires, ReceivedAt: expires.Add(-2 * time.Minute)}
}

func ids(offers []model.TripOffer) []string {
	out := make([]string, 0, len(offers))
	for _, o := range offers {
		out = append(out, o.OfferID)
	}
	return out
}

func TestSave_SupersedesSameTrip(t *testing.T) {
	c, _, clock := newCache(t)
	ctx := context.Background()
	exp := clock.now().Add(2 * time.Minute)

	require.NoError(t, c.Save(ctx, offer("A", "T", exp)))
	require.NoError(t, c.Save(ctx, offer("B", "T", exp)))

	got, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(got))
}

func TestSave_UpsertsByOfferID(t *testing.T) {
	c, _, clock := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, offer("A", "T1", clock.now().Add(time.Minute))))
	require.NoError(t, c.Save(ctx, offer("B", "T2", clock.now().Add(time.Minute))))
	require.NoError(t, c.Save(ctx, offer("A", "T1", clock.now().Add(3*time.Minute))))

	got, err := c.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"B", "A"}, ids(got), "ordered by expiry")
	assert.True(t, got[1].ExpiresAt.Equal(clock.now().Add(3*time.Minute)))
}

func TestSave_RejectsInvalidOffer(t *testing.T) {
	c, _, _ := newCache(t)
	require.Error(t, c.Save(context.Background(), model.TripOffer{OfferID: "x"}))
}

func TestList_PurgesExpiredIdempotently(t *testing.T) {
	c, kv, clock := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, offer("old", "T1", clock.now().Add(30*time.Second))))
	require.NoError(t, c.Save(ctx, offer("new", "T2", clock.now().Add(5*time.Minute))))
	clock.advance(time.Minute)

	for i := 0; i < 2; i++ {
		got, err := c.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"new"}, ids(got))
	}

	// the pruned set was written back, not just filtered
	raw, err := kv.Get(ctx, Key)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"old"`)
}

func TestList_ExpiryBoundaryIsVoid(t *testing.T) {
	c, kv, clock := newCache(t)
	ctx := context.Background()

	require.NoError(t, c.Save(ctx, offer("edge", "T1", clock.now().Add(time.Second))))
	clock.advance(time.Second)

	got, err := c.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = kv.Get(ctx, Key)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRemove(t *testing.T) {
	c, _, clock := newCache(t)
	ctx := context.Background()
	exp := clock.now().Add(time.Minute)

	require.NoError(t, c.Save(ctx, offer("A", "T1", exp)))
	require.NoError(t, c.Save(ctx, offer("B", "T2", exp)))
	require.NoError(t, c.Remove(ctx, "A"))
	require.NoError(t, c.Remove(ctx, "missing"))

	got, err := c.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, ids(got))
}

func TestSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	now := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	first := New(storage.NewFile(dir), now)
	require.NoError(t, first.Save(ctx, offer("A", "T1", now().Add(time.Minute))))

	second := New(storage.NewFile(dir), now)
	got, err := second.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, ids(got))
}

func TestCorruptEntryIsReported(t *testing.T) {
	c, kv, _ := newCache(t)
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, Key, []byte("{not json")))

	_, err := c.List(ctx)
	require.Error(t, err)
}
