// Package crawl walks the known-instances graph outward from seed domains,
// validating and storing what it finds. The walk is an explicit worklist
// with a visited set, so its termination bounds are enforced as state, not
// call-stack depth.
package crawl

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/meshboard/meshboard/internal/federation"
	"github.com/meshboard/meshboard/internal/identity"
	"github.com/meshboard/meshboard/internal/metrics"
	"github.com/meshboard/meshboard/internal/status"
)

// Config bounds one crawl invocation.
type Config struct {
	// MaxInstancesPerResponse caps how many entries of one peer's listing
	// are considered; extras are logged and ignored.
	MaxInstancesPerResponse int
	// MaxDomainsPerCrawl caps the visited set for the whole crawl.
	MaxDomainsPerCrawl int
	// MinNodeCount and MaxNodeAge define the remote health heuristic: a
	// peer must report at least MinNodeCount nodes heard within MaxNodeAge.
	MinNodeCount int
	MaxNodeAge   time.Duration
}

// Stats summarizes one crawl invocation.
type Stats struct {
	DomainsVisited   int
	InstancesStored  int
	EntriesSkipped   int
	BranchesFailed   int
	DomainCapReached bool
}

// Orchestrator crawls peer instance listings.
type Orchestrator struct {
	store     federation.InstanceStore
	transport federation.Transport
	verifier  federation.Verifier
	clock     federation.Clock
	emitter   status.Emitter
	cfg       Config
	selfID    string
	logger    *zap.Logger
}

// New constructs an Orchestrator. selfID is skipped wherever it appears in
// remote listings. emitter may be nil.
func New(
	store federation.InstanceStore,
	transport federation.Transport,
	verifier federation.Verifier,
	clock federation.Clock,
	emitter status.Emitter,
	cfg Config,
	selfID string,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxInstancesPerResponse <= 0 {
		cfg.MaxInstancesPerResponse = 64
	}
	if cfg.MaxDomainsPerCrawl <= 0 {
		cfg.MaxDomainsPerCrawl = 256
	}
	if cfg.MinNodeCount <= 0 {
		cfg.MinNodeCount = 10
	}
	if cfg.MaxNodeAge <= 0 {
		cfg.MaxNodeAge = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		transport: transport,
		verifier:  verifier,
		clock:     clock,
		emitter:   emitter,
		cfg:       cfg,
		selfID:    selfID,
		logger:    logger,
	}
}

func (o *Orchestrator) emit(evt status.Event) {
	if o.emitter != nil {
		o.emitter.Emit(evt)
	}
}

// Crawl walks outward from the seed domains until the frontier empties or
// the domain cap is hit. Per-branch transport failures abort only that
// branch; the crawl itself always terminates.
func (o *Orchestrator) Crawl(ctx context.Context, seeds []string) Stats {
	ctx, span := metrics.Tracer("meshboard/crawl").Start(ctx, "federation.crawl")
	defer span.End()

	start := o.clock.Now()
	stats := o.crawl(ctx, seeds)
	span.SetAttributes(
		attribute.Int("domains_visited", stats.DomainsVisited),
		attribute.Int("instances_stored", stats.InstancesStored),
		attribute.Int("entries_skipped", stats.EntriesSkipped),
	)
	o.emit(status.Event{
		TS:              o.clock.Now(),
		Stage:           status.StageCrawlDone,
		DomainsVisited:  stats.DomainsVisited,
		InstancesStored: stats.InstancesStored,
		EntriesSkipped:  stats.EntriesSkipped,
		BranchesFailed:  stats.BranchesFailed,
		Dur:             o.clock.Now().Sub(start),
	})
	return stats
}

func (o *Orchestrator) crawl(ctx context.Context, seeds []string) Stats {
	var stats Stats
	visited := make(map[string]struct{})
	enqueued := make(map[string]struct{})
	frontier := make([]string, 0, len(seeds))

	for _, seed := range seeds {
		domain, err := federation.NormalizeDomain(seed)
		if err != nil {
			o.logger.Warn("skipping invalid seed domain", zap.String("seed", seed), zap.Error(err))
			continue
		}
		if _, ok := enqueued[domain]; ok {
			continue
		}
		enqueued[domain] = struct{}{}
		frontier = append(frontier, domain)
	}

	for len(frontier) > 0 {
		if ctx.Err() != nil {
			return stats
		}
		domain := frontier[0]
		frontier = frontier[1:]

		if _, ok := visited[domain]; ok {
			continue
		}
		if len(visited) >= o.cfg.MaxDomainsPerCrawl {
			stats.DomainCapReached = true
			o.logger.Debug("crawl domain cap reached", zap.Int("cap", o.cfg.MaxDomainsPerCrawl))
			metrics.ObserveCrawlDomain("cap_reached")
			return stats
		}
		visited[domain] = struct{}{}
		stats.DomainsVisited++

		entries, err := o.fetchInstances(ctx, domain)
		if err != nil {
			stats.BranchesFailed++
			metrics.ObserveCrawlDomain("unreachable")
			o.emit(status.Event{
				TS: o.clock.Now(), Stage: status.StageDomainVisited,
				Domain: domain, Outcome: status.OutcomeUnreachable, Note: err.Error(),
			})
			o.logger.Warn("instance listing unreachable", zap.String("domain", domain), zap.Error(err))
			continue
		}
		metrics.ObserveCrawlDomain("visited")
		o.emit(status.Event{
			TS: o.clock.Now(), Stage: status.StageDomainVisited,
			Domain: domain, Outcome: status.OutcomeOK,
		})

		frontier = o.processEntries(ctx, domain, entries, enqueued, frontier, &stats)
	}
	return stats
}

func (o *Orchestrator) processEntries(
	ctx context.Context,
	source string,
	entries []federation.InstanceRecord,
	enqueued map[string]struct{},
	frontier []string,
	stats *Stats,
) []string {
	for i, entry := range entries {
		if i >= o.cfg.MaxInstancesPerResponse {
			o.logger.Debug("response cap reached, ignoring remaining entries",
				zap.String("domain", source),
				zap.Int("cap", o.cfg.MaxInstancesPerResponse),
				zap.Int("ignored", len(entries)-i),
			)
			break
		}
		rec, ok := o.validateEntry(ctx, source, entry)
		if !ok {
			stats.EntriesSkipped++
			continue
		}
		if err := o.store.Upsert(ctx, rec); err != nil {
			o.logger.Error("store crawled instance", zap.String("id", rec.ID), zap.Error(err))
			stats.EntriesSkipped++
			continue
		}
		metrics.ObserveInstanceUpsert("crawl")
		o.emit(status.Event{
			TS: o.clock.Now(), Stage: status.StageInstanceStored, Domain: rec.Domain,
		})
		stats.InstancesStored++

		if _, seen := enqueued[rec.Domain]; !seen {
			enqueued[rec.Domain] = struct{}{}
			frontier = append(frontier, rec.Domain)
		}
	}
	return frontier
}

// validateEntry applies the full acceptance pipeline to one listing entry:
// domain sanitization, self filtering, signature verification against the
// embedded key, and the remote health heuristic.
func (o *Orchestrator) validateEntry(ctx context.Context, source string, entry federation.InstanceRecord) (federation.InstanceRecord, bool) {
	domain, err := federation.NormalizeDomain(entry.Domain)
	if err != nil {
		o.logger.Debug("rejecting entry with invalid domain",
			zap.String("source", source), zap.String("domain", entry.Domain), zap.Error(err))
		return federation.InstanceRecord{}, false
	}
	entry.Domain = domain

	if entry.ID == "" || entry.ID == o.selfID {
		return federation.InstanceRecord{}, false
	}
	if entry.ID != identity.DeriveID(entry.PubKey) {
		o.logger.Debug("rejecting entry whose id does not match its key",
			zap.String("source", source), zap.String("id", entry.ID))
		return federation.InstanceRecord{}, false
	}

	sig, err := base64.StdEncoding.DecodeString(entry.Signature)
	if err != nil {
		o.logger.Debug("rejecting entry with undecodable signature",
			zap.String("source", source), zap.String("id", entry.ID))
		return federation.InstanceRecord{}, false
	}
	if err := o.verifier.Verify(entry.SignedFields(), sig, entry.PubKey); err != nil {
		o.logger.Debug("rejecting entry with unverifiable signature",
			zap.String("source", source), zap.String("id", entry.ID), zap.Error(err))
		return federation.InstanceRecord{}, false
	}

	if err := o.checkRemoteHealth(ctx, entry.Domain); err != nil {
		o.logger.Debug("rejecting entry failing health check",
			zap.String("source", source), zap.String("domain", entry.Domain), zap.Error(err))
		return federation.InstanceRecord{}, false
	}

	entry.LastUpdateTime = o.clock.Now().Unix()
	return entry, true
}

// checkRemoteHealth filters out empty or abandoned instances: the peer must
// report enough recently-heard nodes before its announcements are trusted.
func (o *Orchestrator) checkRemoteHealth(ctx context.Context, domain string) error {
	var nodes []federation.NodeInfo
	if err := o.getJSON(ctx, domain, "/api/nodes", &nodes); err != nil {
		return err
	}
	now := o.clock.Now()
	alive := 0
	for _, n := range nodes {
		if n.HeardWithin(now, o.cfg.MaxNodeAge) {
			alive++
		}
	}
	if alive < o.cfg.MinNodeCount {
		return fmt.Errorf("only %d of required %d recently heard nodes", alive, o.cfg.MinNodeCount)
	}
	return nil
}

func (o *Orchestrator) fetchInstances(ctx context.Context, domain string) ([]federation.InstanceRecord, error) {
	var entries []federation.InstanceRecord
	if err := o.getJSON(ctx, domain, "/api/instances", &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

func (o *Orchestrator) getJSON(ctx context.Context, domain, path string, out any) error {
	target := domainURL(domain) + path
	client, err := o.transport.Client(target)
	if err != nil {
		return federation.WrapFetch(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return federation.WrapFetch(err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return federation.WrapFetch(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return federation.WrapFetch(fmt.Errorf("GET %s: unexpected status %d", target, resp.StatusCode))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return federation.WrapFetch(fmt.Errorf("decode %s response: %w", path, err))
	}
	return nil
}

func domainURL(domain string) string {
	if strings.Contains(domain, "://") {
		return strings.TrimSuffix(domain, "/")
	}
	return "https://" + domain
}
