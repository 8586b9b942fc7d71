package announce

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/meshboard/meshboard/internal/federation"
	"github.com/meshboard/meshboard/internal/identity"
	"github.com/meshboard/meshboard/internal/pool"
	"github.com/meshboard/meshboard/internal/storage/memory"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

// fakeTransport records every delivery attempt as "scheme://host" and can be
// told to refuse HTTPS (connection refused) or fail it (server error) per
// host.
type fakeTransport struct {
	mu          sync.Mutex
	attempts    []string
	refuseHTTPS map[string]bool
	failHTTPS   map[string]bool
	bodies      map[string][]byte
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		refuseHTTPS: make(map[string]bool),
		failHTTPS:   make(map[string]bool),
		bodies:      make(map[string][]byte),
	}
}

func (f *fakeTransport) Client(rawURL string) (*http.Client, error) {
	return &http.Client{Transport: roundTripFunc(f.roundTrip)}, nil
}

func (f *fakeTransport) roundTrip(req *http.Request) (*http.Response, error) {
	host := req.URL.Host
	f.mu.Lock()
	f.attempts = append(f.attempts, req.URL.Scheme+"://"+host)
	f.mu.Unlock()

	if req.URL.Scheme == "https" && f.refuseHTTPS[host] {
		return nil, fmt.Errorf("dial tcp: connect: connection refused")
	}
	if req.URL.Scheme == "https" && f.failHTTPS[host] {
		return &http.Response{StatusCode: http.StatusInternalServerError, Body: io.NopCloser(bytes.NewReader(nil))}, nil
	}
	if req.Body != nil {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		f.mu.Lock()
		f.bodies[host] = body
		f.mu.Unlock()
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

func (f *fakeTransport) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.attempts))
	copy(out, f.attempts)
	return out
}

func testIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, _, err := identity.LoadOrGenerate(filepath.Join(t.TempDir(), "key.pem"), "", zap.NewNop())
	require.NoError(t, err)
	return id
}

func testPool(t *testing.T) *pool.Pool {
	t.Helper()
	p := pool.New(2, 8, time.Minute, "announce-test", zap.NewNop())
	t.Cleanup(func() { _ = p.Shutdown(time.Second) })
	return p
}

func newTestAnnouncer(t *testing.T, tr federation.Transport, store federation.InstanceStore, clock federation.Clock, cfg Config) *Announcer {
	t.Helper()
	a, err := New(testIdentity(t), store, tr, clock, testPool(t), nil, cfg, zap.NewNop())
	require.NoError(t, err)
	return a
}

func TestSelfPayload_SignatureVerifies(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	a := newTestAnnouncer(t, newFakeTransport(), memory.NewInstanceStore(clock), clock, Config{
		Domain:    "self.example.org",
		Name:      "Self Mesh",
		Version:   "2.3.0",
		Frequency: 906.875,
	})

	p, err := a.SelfPayload()
	require.NoError(t, err)
	assert.Equal(t, identity.DeriveID(p.PubKey), p.ID)
	assert.Equal(t, clock.now.Unix(), p.LastUpdateTime)

	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	require.NoError(t, err)
	require.NoError(t, identity.Verifier{}.Verify(p.SignedFields(), sig, p.PubKey))
}

func TestAnnounceOnce_RefreshesSelfRecord(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := memory.NewInstanceStore(clock)
	a := newTestAnnouncer(t, newFakeTransport(), store, clock, Config{
		Domain:  "self.example.org",
		Private: true,
	})

	require.NoError(t, a.AnnounceOnce(context.Background()))

	rec, err := store.Get(context.Background(), a.id.ID())
	require.NoError(t, err)
	assert.True(t, rec.IsPrivate)
	assert.Equal(t, "self.example.org", rec.Domain)
	assert.Equal(t, clock.now.Unix(), rec.LastUpdateTime)
}

func TestAnnounceOnce_TargetsSeedsAndFreshDomainsDeduplicated(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := memory.NewInstanceStore(clock)
	tr := newFakeTransport()
	a := newTestAnnouncer(t, tr, store, clock, Config{
		Domain: "self.example.org",
		// The second seed normalizes to the first; both collapse to one
		// target.
		Seeds: []string{"peer1.example.org", "PEER1.example.org."},
	})

	// Known peers: one fresh, one that is also a seed, and one stale.
	require.NoError(t, store.Upsert(context.Background(), federation.InstanceRecord{
		ID: "p1", Domain: "peer1.example.org", LastUpdateTime: clock.now.Unix(),
	}))
	require.NoError(t, store.Upsert(context.Background(), federation.InstanceRecord{
		ID: "p2", Domain: "peer2.example.org", LastUpdateTime: clock.now.Unix(),
	}))
	require.NoError(t, store.Upsert(context.Background(), federation.InstanceRecord{
		ID: "stale", Domain: "stale.example.org", LastUpdateTime: clock.now.Add(-30 * 24 * time.Hour).Unix(),
	}))

	require.NoError(t, a.AnnounceOnce(context.Background()))

	// Self is upserted too but must never be a delivery target.
	attempts := tr.recorded()
	assert.ElementsMatch(t, []string{
		"https://peer1.example.org",
		"https://peer2.example.org",
	}, attempts)
}

func TestDeliver_FallsBackToHTTPOnlyOnConnectionRefused(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newFakeTransport()
	tr.refuseHTTPS["peer1.example.org"] = true
	a := newTestAnnouncer(t, tr, memory.NewInstanceStore(clock), clock, Config{
		Domain: "self.example.org",
		Seeds:  []string{"peer1.example.org"},
	})

	require.NoError(t, a.AnnounceOnce(context.Background()))

	assert.Equal(t, []string{
		"https://peer1.example.org",
		"http://peer1.example.org",
	}, tr.recorded())

	// The fallback delivery carries the same signed descriptor.
	var p federation.AnnouncePayload
	require.NoError(t, json.Unmarshal(tr.bodies["peer1.example.org"], &p))
	assert.Equal(t, a.id.ID(), p.ID)
}

func TestDeliver_NoFallbackOnServerError(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newFakeTransport()
	tr.failHTTPS["peer1.example.org"] = true
	a := newTestAnnouncer(t, tr, memory.NewInstanceStore(clock), clock, Config{
		Domain: "self.example.org",
		Seeds:  []string{"peer1.example.org"},
	})

	// Delivery failure is per-domain; the round itself succeeds.
	require.NoError(t, a.AnnounceOnce(context.Background()))

	assert.Equal(t, []string{"https://peer1.example.org"}, tr.recorded(),
		"a refused connection falls back, a served error must not")
}

func TestAnnounceOnce_DeliveryFailureDoesNotAbortRound(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	tr := newFakeTransport()
	tr.failHTTPS["peer1.example.org"] = true
	a := newTestAnnouncer(t, tr, memory.NewInstanceStore(clock), clock, Config{
		Domain: "self.example.org",
		Seeds:  []string{"peer1.example.org", "peer2.example.org"},
	})

	require.NoError(t, a.AnnounceOnce(context.Background()))
	assert.Contains(t, tr.recorded(), "https://peer2.example.org")
}

func TestScheduleAnnouncement_RunsOnPool(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	store := memory.NewInstanceStore(clock)
	a := newTestAnnouncer(t, newFakeTransport(), store, clock, Config{
		Domain: "self.example.org",
	})

	task, err := a.ScheduleAnnouncement()
	require.NoError(t, err)
	_, err = task.Wait(5 * time.Second)
	require.NoError(t, err)

	_, err = store.Get(context.Background(), a.id.ID())
	assert.NoError(t, err)
}

func TestNew_RejectsInvalidDomain(t *testing.T) {
	t.Parallel()

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	_, err := New(testIdentity(t), memory.NewInstanceStore(clock), newFakeTransport(), clock,
		testPool(t), nil, Config{Domain: "https://self.example.org"}, zap.NewNop())
	require.Error(t, err)
}
