package sinks

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshboard/meshboard/internal/status"
)

func TestTrackerFoldsEvents(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	tracker := NewTracker()

	require.NoError(t, tracker.Consume(context.Background(), []status.Event{
		{TS: now, Stage: status.StageDomainVisited, Domain: "a.example.org", Outcome: status.OutcomeOK},
		{TS: now, Stage: status.StageInstanceStored, Domain: "a.example.org"},
		{TS: now, Stage: status.StageInstanceStored, Domain: "b.example.org"},
		{TS: now, Stage: status.StageCrawlDone, DomainsVisited: 3, InstancesStored: 2, EntriesSkipped: 1},
		{TS: now, Stage: status.StageAnnounceDelivery, Domain: "a.example.org", Outcome: status.OutcomeOK},
		{TS: now, Stage: status.StageAnnounceDelivery, Domain: "b.example.org", Outcome: status.OutcomeFailed},
		{TS: now, Stage: status.StageAnnounceRound, Delivered: 1},
	}))

	snap := tracker.Snapshot()
	assert.Equal(t, now, snap.LastCrawlAt)
	assert.Equal(t, 3, snap.DomainsVisited)
	assert.Equal(t, 2, snap.InstancesStored)
	assert.Equal(t, 1, snap.EntriesSkipped)
	assert.EqualValues(t, 2, snap.TotalStoredEver)
	assert.EqualValues(t, 1, snap.TotalCrawls)
	assert.EqualValues(t, 1, snap.TotalAnnounces)
	assert.Equal(t, 1, snap.LastDelivered)
	assert.EqualValues(t, 2, snap.TotalDeliveries)
	assert.EqualValues(t, 1, snap.FailedDeliveries)
}

func TestTrackerLatestCrawlWins(t *testing.T) {
	t.Parallel()

	now := time.Unix(1_700_000_000, 0)
	tracker := NewTracker()
	require.NoError(t, tracker.Consume(context.Background(), []status.Event{
		{TS: now, Stage: status.StageCrawlDone, DomainsVisited: 10},
		{TS: now.Add(time.Hour), Stage: status.StageCrawlDone, DomainsVisited: 4},
	}))

	snap := tracker.Snapshot()
	assert.Equal(t, 4, snap.DomainsVisited)
	assert.Equal(t, now.Add(time.Hour), snap.LastCrawlAt)
	assert.EqualValues(t, 2, snap.TotalCrawls)
}

func TestNilTracker(t *testing.T) {
	t.Parallel()

	var tracker *Tracker
	require.NoError(t, tracker.Consume(context.Background(), []status.Event{
		{TS: time.Now(), Stage: status.StageAnnounceRound},
	}))
	assert.Zero(t, tracker.Snapshot())
}
