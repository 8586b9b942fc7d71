package status

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported federation stages.
const (
	StageAnnounceRound    Stage = "ANNOUNCE_ROUND"
	StageAnnounceDelivery Stage = "ANNOUNCE_DELIVERY"
	StageCrawlDone        Stage = "CRAWL_DONE"
	StageDomainVisited    Stage = "DOMAIN_VISITED"
	StageInstanceStored   Stage = "INSTANCE_STORED"
)

// Outcome is a coarse result grouping for delivery and visit events.
type Outcome string

// Supported outcomes.
const (
	OutcomeOK          Outcome = "ok"
	OutcomeFailed      Outcome = "failed"
	OutcomeUnreachable Outcome = "unreachable"
)

// Event captures a single federation milestone.
type Event struct {
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which milestone occurred.
	Stage Stage
	// Domain optionally scopes the event to a peer domain.
	Domain string
	// Outcome groups the result for delivery and visit events.
	Outcome Outcome
	// Delivered counts successful deliveries in an announcement round.
	Delivered int
	// DomainsVisited, InstancesStored, EntriesSkipped, and BranchesFailed
	// carry crawl totals on CRAWL_DONE events.
	DomainsVisited  int
	InstancesStored int
	EntriesSkipped  int
	BranchesFailed  int
	// Dur captures execution latency for rounds and crawls.
	Dur time.Duration
	// Note lets emitters attach low-volume debug context.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageAnnounceRound, StageCrawlDone:
	case StageAnnounceDelivery, StageDomainVisited:
		if e.Domain == "" {
			return fmt.Errorf("%s requires domain", e.Stage)
		}
		if e.Outcome == "" {
			return fmt.Errorf("%s requires outcome", e.Stage)
		}
	case StageInstanceStored:
		if e.Domain == "" {
			return errors.New("instance stored requires domain")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
