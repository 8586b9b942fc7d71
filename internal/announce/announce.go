// Package announce pushes this instance's signed descriptor to seed and
// known peer domains, on a periodic schedule run through the worker pool.
package announce

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/meshboard/meshboard/internal/federation"
	"github.com/meshboard/meshboard/internal/identity"
	"github.com/meshboard/meshboard/internal/metrics"
	"github.com/meshboard/meshboard/internal/pool"
	"github.com/meshboard/meshboard/internal/status"
)

// Config describes the local instance and the announcement schedule.
type Config struct {
	// Domain is this instance's canonical host[:port].
	Domain    string
	Name      string
	Version   string
	Channel   string
	Frequency float64
	Latitude  float64
	Longitude float64
	Private   bool

	// Seeds are always announced to, in addition to known fresh domains.
	Seeds []string
	// Interval between periodic announcements.
	Interval time.Duration
	// InitialDelay bounds the randomized delay before the first
	// announcement, spreading restarts across a fleet.
	InitialDelay time.Duration
	// FreshnessWindow selects which known domains are announced to.
	FreshnessWindow time.Duration
}

// Announcer builds and delivers signed self descriptors.
type Announcer struct {
	id        *identity.Identity
	store     federation.InstanceStore
	transport federation.Transport
	clock     federation.Clock
	pool      *pool.Pool
	emitter   status.Emitter
	cfg       Config
	logger    *zap.Logger
}

// New constructs an Announcer. emitter may be nil.
func New(
	id *identity.Identity,
	store federation.InstanceStore,
	transport federation.Transport,
	clock federation.Clock,
	workers *pool.Pool,
	emitter status.Emitter,
	cfg Config,
	logger *zap.Logger,
) (*Announcer, error) {
	domain, err := federation.NormalizeDomain(cfg.Domain)
	if err != nil {
		return nil, fmt.Errorf("instance domain: %w", err)
	}
	cfg.Domain = domain
	if cfg.Interval <= 0 {
		cfg.Interval = 8 * time.Hour
	}
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 7 * 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Announcer{
		id:        id,
		store:     store,
		transport: transport,
		clock:     clock,
		pool:      workers,
		emitter:   emitter,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

func (a *Announcer) emit(evt status.Event) {
	if a.emitter != nil {
		a.emitter.Emit(evt)
	}
}

// SelfPayload builds and signs this instance's descriptor.
func (a *Announcer) SelfPayload() (federation.AnnouncePayload, error) {
	p := federation.AnnouncePayload{
		ID:             a.id.ID(),
		Domain:         a.cfg.Domain,
		PubKey:         a.id.PublicKeyPEM(),
		Name:           a.cfg.Name,
		Version:        a.cfg.Version,
		Channel:        a.cfg.Channel,
		Frequency:      a.cfg.Frequency,
		Latitude:       a.cfg.Latitude,
		Longitude:      a.cfg.Longitude,
		LastUpdateTime: a.clock.Now().Unix(),
	}
	sig, err := a.id.Sign(p.SignedFields())
	if err != nil {
		return federation.AnnouncePayload{}, err
	}
	p.Signature = base64.StdEncoding.EncodeToString(sig)
	return p, nil
}

// SelfRecord returns the signed descriptor as a storable record, marked
// private when the instance is.
func (a *Announcer) SelfRecord() (federation.InstanceRecord, error) {
	p, err := a.SelfPayload()
	if err != nil {
		return federation.InstanceRecord{}, err
	}
	rec := p.Record(a.clock.Now().Unix())
	rec.IsPrivate = a.cfg.Private
	return rec, nil
}

// AnnounceOnce refreshes the local self record and delivers the descriptor
// to every seed and known fresh domain. Per-domain failures are logged and
// do not abort delivery to the remaining domains.
func (a *Announcer) AnnounceOnce(ctx context.Context) error {
	ctx, span := metrics.Tracer("meshboard/announce").Start(ctx, "federation.announce")
	defer span.End()

	payload, err := a.SelfPayload()
	if err != nil {
		return fmt.Errorf("build self descriptor: %w", err)
	}

	rec := payload.Record(a.clock.Now().Unix())
	rec.IsPrivate = a.cfg.Private
	if err := a.store.Upsert(ctx, rec); err != nil {
		a.logger.Warn("refresh self record", zap.Error(err))
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode self descriptor: %w", err)
	}

	start := a.clock.Now()
	delivered := 0
	for _, domain := range a.targets(ctx) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := a.deliver(ctx, domain, body); err != nil {
			metrics.ObserveAnnouncement("failed")
			a.emit(status.Event{
				TS: a.clock.Now(), Stage: status.StageAnnounceDelivery,
				Domain: domain, Outcome: status.OutcomeFailed, Note: err.Error(),
			})
			a.logger.Warn("announcement delivery failed",
				zap.String("domain", domain), zap.Error(err))
			continue
		}
		metrics.ObserveAnnouncement("delivered")
		a.emit(status.Event{
			TS: a.clock.Now(), Stage: status.StageAnnounceDelivery,
			Domain: domain, Outcome: status.OutcomeOK,
		})
		delivered++
	}
	a.emit(status.Event{
		TS:        a.clock.Now(),
		Stage:     status.StageAnnounceRound,
		Delivered: delivered,
		Dur:       a.clock.Now().Sub(start),
	})
	span.SetAttributes(attribute.Int("delivered", delivered))
	a.logger.Info("announcement round complete", zap.Int("delivered", delivered))
	return nil
}

// targets merges seed domains with known fresh domains, deduplicated, self
// excluded.
func (a *Announcer) targets(ctx context.Context) []string {
	seen := map[string]struct{}{a.cfg.Domain: {}}
	var out []string
	add := func(raw string) {
		domain, err := federation.NormalizeDomain(raw)
		if err != nil {
			a.logger.Debug("skipping invalid announce target", zap.String("domain", raw), zap.Error(err))
			return
		}
		if _, ok := seen[domain]; ok {
			return
		}
		seen[domain] = struct{}{}
		out = append(out, domain)
	}

	for _, seed := range a.cfg.Seeds {
		add(seed)
	}
	known, err := a.store.ListFresh(ctx, a.cfg.FreshnessWindow)
	if err != nil {
		a.logger.Warn("list known domains", zap.Error(err))
		return out
	}
	for _, rec := range known {
		add(rec.Domain)
	}
	return out
}

// deliver posts the descriptor to one domain: HTTPS first, retried once
// over HTTP only on connection refusal, which accommodates reverse proxies
// that terminate TLS asymmetrically.
func (a *Announcer) deliver(ctx context.Context, domain string, body []byte) error {
	err := a.post(ctx, "https://"+domain+"/api/instances", body)
	if err == nil {
		return nil
	}
	if !isConnectionRefused(err) {
		return err
	}
	a.logger.Debug("https refused, falling back to http", zap.String("domain", domain))
	return a.post(ctx, "http://"+domain+"/api/instances", body)
}

func (a *Announcer) post(ctx context.Context, target string, body []byte) error {
	client, err := a.transport.Client(target)
	if err != nil {
		return federation.WrapFetch(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return federation.WrapFetch(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return federation.WrapFetch(err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return federation.WrapFetch(fmt.Errorf("POST %s: unexpected status %d", target, resp.StatusCode))
	}
	return nil
}

// Run schedules the first announcement after a randomized short delay, then
// announces on the configured interval until the context finishes. Rounds
// run on the worker pool; a saturated pool skips the round with a warning
// rather than blocking the scheduler.
func (a *Announcer) Run(ctx context.Context) {
	delay := time.Duration(0)
	if a.cfg.InitialDelay > 0 {
		delay = time.Duration(rand.Int63n(int64(a.cfg.InitialDelay))) //nolint:gosec
	}
	select {
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}
	a.schedule(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.schedule(ctx)
		}
	}
}

// ScheduleAnnouncement queues one announcement round on the pool and
// returns its task, letting startup code block (bounded) on the first round
// via Task.Wait.
func (a *Announcer) ScheduleAnnouncement() (*pool.Task, error) {
	return a.pool.Schedule(func(taskCtx context.Context) (any, error) {
		return nil, a.AnnounceOnce(taskCtx)
	})
}

func (a *Announcer) schedule(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	_, err := a.pool.Schedule(func(taskCtx context.Context) (any, error) {
		return nil, a.AnnounceOnce(taskCtx)
	})
	if err != nil {
		if errors.Is(err, pool.ErrQueueFull) {
			a.logger.Warn("announcement skipped, worker pool saturated")
			return
		}
		a.logger.Warn("announcement scheduling failed", zap.Error(err))
	}
}

// isConnectionRefused reports whether err is a TCP connection refusal,
// however deeply wrapped.
func isConnectionRefused(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "connection refused")
}
