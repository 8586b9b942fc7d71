// Package api exposes the HTTP interface for the federation service.
package api

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/meshboard/meshboard/internal/federation"
	"github.com/meshboard/meshboard/internal/identity"
	"github.com/meshboard/meshboard/internal/metrics"
	"github.com/meshboard/meshboard/internal/middleware"
	"github.com/meshboard/meshboard/internal/status/sinks"
)

// Config controls server behavior.
type Config struct {
	// FreshnessWindow bounds which records appear in public listings.
	FreshnessWindow time.Duration
	// RequestTimeout caps request handling end to end.
	RequestTimeout time.Duration
}

// SelfFunc supplies the signed self record included in every listing.
type SelfFunc func() (federation.InstanceRecord, error)

// Server wires HTTP handlers to the instance store and node source.
type Server struct {
	router   chi.Router
	store    federation.InstanceStore
	verifier federation.Verifier
	nodes    federation.NodeSource
	clock    federation.Clock
	self     SelfFunc
	tracker  *sinks.Tracker
	cfg      Config
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes. tracker may be
// nil; the status endpoint then reports zero activity.
func NewServer(
	store federation.InstanceStore,
	verifier federation.Verifier,
	nodes federation.NodeSource,
	clock federation.Clock,
	self SelfFunc,
	tracker *sinks.Tracker,
	cfg Config,
	logger *zap.Logger,
) *Server {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = 7 * 24 * time.Hour
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:    store,
		verifier: verifier,
		nodes:    nodes,
		clock:    clock,
		self:     self,
		tracker:  tracker,
		cfg:      cfg,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logging(logger))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/instances", s.listInstances)
		r.Post("/instances", s.receiveAnnouncement)
		r.Get("/nodes", s.listNodes)
		r.Get("/federation/status", s.federationStatus)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.ListFresh(r.Context(), time.Minute); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable", s.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, s.logger)
}

// receiveAnnouncement accepts a peer's signed descriptor. Only malformed
// JSON is a client error; a descriptor failing validation is dropped
// silently behind a generic success so the endpoint cannot be used as a
// verification oracle.
func (s *Server) receiveAnnouncement(w http.ResponseWriter, r *http.Request) {
	var payload federation.AnnouncePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON", s.logger)
		return
	}

	if rec, ok := s.validateAnnouncement(payload); ok {
		if err := s.store.Upsert(r.Context(), rec); err != nil {
			s.logger.Error("store announced instance", zap.String("id", rec.ID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "storage failure", s.logger)
			return
		}
		metrics.ObserveInstanceUpsert("announce")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

func (s *Server) validateAnnouncement(p federation.AnnouncePayload) (federation.InstanceRecord, bool) {
	domain, err := federation.NormalizeDomain(p.Domain)
	if err != nil {
		s.logger.Debug("dropping announcement with invalid domain",
			zap.String("domain", p.Domain), zap.Error(err))
		return federation.InstanceRecord{}, false
	}
	p.Domain = domain

	if p.ID == "" || p.ID != identity.DeriveID(p.PubKey) {
		s.logger.Debug("dropping announcement whose id does not match its key",
			zap.String("id", p.ID))
		return federation.InstanceRecord{}, false
	}

	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		s.logger.Debug("dropping announcement with undecodable signature", zap.String("id", p.ID))
		return federation.InstanceRecord{}, false
	}
	if err := s.verifier.Verify(p.SignedFields(), sig, p.PubKey); err != nil {
		s.logger.Debug("dropping announcement with unverifiable signature",
			zap.String("id", p.ID), zap.Error(err))
		return federation.InstanceRecord{}, false
	}

	return p.Record(s.clock.Now().Unix()), true
}

// listInstances returns fresh, non-private records with the self record
// always included.
func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListFresh(r.Context(), s.cfg.FreshnessWindow)
	if err != nil {
		s.logger.Error("list instances", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "storage failure", s.logger)
		return
	}

	if s.self != nil {
		self, err := s.self()
		if err != nil {
			s.logger.Error("build self record", zap.Error(err))
		} else if !containsID(recs, self.ID) {
			recs = append([]federation.InstanceRecord{self}, recs...)
		}
	}
	if recs == nil {
		recs = []federation.InstanceRecord{}
	}
	writeJSON(w, http.StatusOK, recs, s.logger)
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.nodes.ListNodes(r.Context())
	if err != nil {
		s.logger.Error("list nodes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "node source failure", s.logger)
		return
	}
	if nodes == nil {
		nodes = []federation.NodeInfo{}
	}
	writeJSON(w, http.StatusOK, nodes, s.logger)
}

// federationStatus reports the latest announcement and crawl activity.
func (s *Server) federationStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot(), s.logger)
}

func containsID(recs []federation.InstanceRecord, id string) bool {
	for _, rec := range recs {
		if rec.ID == id {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string, logger *zap.Logger) {
	writeJSON(w, status, map[string]string{"error": msg}, logger)
}

