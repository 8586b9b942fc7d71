package sinks

import (
	"context"
	"sync"
	"time"

	"github.com/meshboard/meshboard/internal/status"
)

// Snapshot is a point-in-time view of federation activity, served by the
// API's status endpoint.
type Snapshot struct {
	LastAnnounceAt   time.Time `json:"last_announce_at,omitzero"`
	LastDelivered    int       `json:"last_delivered"`
	LastCrawlAt      time.Time `json:"last_crawl_at,omitzero"`
	DomainsVisited   int       `json:"domains_visited"`
	InstancesStored  int       `json:"instances_stored"`
	EntriesSkipped   int       `json:"entries_skipped"`
	BranchesFailed   int       `json:"branches_failed"`
	TotalAnnounces   int64     `json:"total_announces"`
	TotalCrawls      int64     `json:"total_crawls"`
	TotalStoredEver  int64     `json:"total_stored"`
	TotalDeliveries  int64     `json:"total_deliveries"`
	FailedDeliveries int64     `json:"failed_deliveries"`
}

// Tracker is a status.Sink that folds events into the latest Snapshot. A nil
// *Tracker consumes nothing and snapshots to zero values.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker constructs a Tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Consume folds a batch of events into the snapshot.
func (t *Tracker) Consume(_ context.Context, batch []status.Event) error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, evt := range batch {
		switch evt.Stage {
		case status.StageAnnounceRound:
			t.snap.LastAnnounceAt = evt.TS
			t.snap.LastDelivered = evt.Delivered
			t.snap.TotalAnnounces++
		case status.StageAnnounceDelivery:
			t.snap.TotalDeliveries++
			if evt.Outcome != status.OutcomeOK {
				t.snap.FailedDeliveries++
			}
		case status.StageCrawlDone:
			t.snap.LastCrawlAt = evt.TS
			t.snap.DomainsVisited = evt.DomainsVisited
			t.snap.InstancesStored = evt.InstancesStored
			t.snap.EntriesSkipped = evt.EntriesSkipped
			t.snap.BranchesFailed = evt.BranchesFailed
			t.snap.TotalCrawls++
		case status.StageInstanceStored:
			t.snap.TotalStoredEver++
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (t *Tracker) Close(context.Context) error {
	return nil
}

// Snapshot returns the current view.
func (t *Tracker) Snapshot() Snapshot {
	if t == nil {
		return Snapshot{}
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snap
}
