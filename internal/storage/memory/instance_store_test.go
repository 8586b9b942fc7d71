package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshboard/meshboard/internal/federation"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func record(id, domain string, lastUpdate int64) federation.InstanceRecord {
	return federation.InstanceRecord{
		ID:             id,
		Domain:         domain,
		PubKey:         "-----BEGIN PUBLIC KEY-----\n" + id + "\n-----END PUBLIC KEY-----\n",
		Name:           "Mesh " + id,
		LastUpdateTime: lastUpdate,
	}
}

func TestInstanceStore_UpsertInsertsAndUpdates(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := NewInstanceStore(clock)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, record("a", "a.example.org", 100)))
	require.NoError(t, store.Upsert(ctx, record("a", "renamed.example.org", 200)))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "renamed.example.org", got.Domain)
	assert.EqualValues(t, 200, got.LastUpdateTime)
	assert.Equal(t, 1, store.Len())
}

func TestInstanceStore_LastUpdateTimeNeverRegresses(t *testing.T) {
	t.Parallel()

	store := NewInstanceStore(&fakeClock{now: time.Unix(1_700_000_000, 0)})
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, record("a", "a.example.org", 500)))
	// A replayed older descriptor still updates fields but must not move
	// the freshness timestamp backwards.
	require.NoError(t, store.Upsert(ctx, record("a", "replay.example.org", 100)))

	got, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.EqualValues(t, 500, got.LastUpdateTime)
	assert.Equal(t, "replay.example.org", got.Domain)
}

func TestInstanceStore_GetMissing(t *testing.T) {
	t.Parallel()

	store := NewInstanceStore(&fakeClock{now: time.Now()})
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, federation.ErrNotFound)
}

func TestInstanceStore_ListFreshWindowing(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := NewInstanceStore(&fakeClock{now: now})
	ctx := context.Background()
	window := 7 * 24 * time.Hour

	fresh := record("fresh", "fresh.example.org", now.Add(-time.Hour).Unix())
	edge := record("edge", "edge.example.org", now.Add(-window).Unix())
	stale := record("stale", "stale.example.org", now.Add(-window-time.Minute).Unix())
	require.NoError(t, store.Upsert(ctx, fresh))
	require.NoError(t, store.Upsert(ctx, edge))
	require.NoError(t, store.Upsert(ctx, stale))

	recs, err := store.ListFresh(ctx, window)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "fresh", recs[0].ID)
	assert.Equal(t, "edge", recs[1].ID)

	// Stale records fall out of listings but are not evicted.
	assert.Equal(t, 3, store.Len())
	_, err = store.Get(ctx, "stale")
	assert.NoError(t, err)
}

func TestInstanceStore_ListFreshExcludesPrivate(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	store := NewInstanceStore(&fakeClock{now: now})
	ctx := context.Background()

	pub := record("pub", "pub.example.org", now.Unix())
	priv := record("priv", "priv.example.org", now.Unix())
	priv.IsPrivate = true
	require.NoError(t, store.Upsert(ctx, pub))
	require.NoError(t, store.Upsert(ctx, priv))

	recs, err := store.ListFresh(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "pub", recs[0].ID)
}

func TestNodeSource_ListNodesReturnsCopy(t *testing.T) {
	t.Parallel()

	src := NewNodeSource()
	src.SetNodes([]federation.NodeInfo{
		{NodeID: "n1", LastHeard: 1000},
		{NodeID: "n2", LastHeard: 2000},
	})

	nodes, err := src.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)

	nodes[0].NodeID = "mutated"
	again, err := src.ListNodes(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "n1", again[0].NodeID)
}
