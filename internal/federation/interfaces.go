package federation

import (
	"context"
	"net/http"
	"time"
)

// InstanceStore persists instance descriptors keyed by instance id.
type InstanceStore interface {
	// Upsert creates or refreshes a record. The write is atomic per id and
	// never regresses LastUpdateTime for an existing record.
	Upsert(ctx context.Context, rec InstanceRecord) error
	// ListFresh returns non-private records whose LastUpdateTime falls
	// within the rolling window ending at now. Stale records stay stored.
	ListFresh(ctx context.Context, window time.Duration) ([]InstanceRecord, error)
	// Get loads a single record or returns ErrNotFound.
	Get(ctx context.Context, id string) (InstanceRecord, error)
}

// Transport builds HTTP clients for outbound federation calls. Builders are
// expected to refuse destinations that resolve only to restricted addresses.
type Transport interface {
	Client(rawURL string) (*http.Client, error)
}

// Verifier checks a signature over a canonical field set against a
// PEM-encoded public key.
type Verifier interface {
	Verify(fields map[string]string, signature []byte, pubkeyPEM string) error
}

// NodeSource exposes the local node set, used to answer peer health probes.
type NodeSource interface {
	ListNodes(ctx context.Context) ([]NodeInfo, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}
