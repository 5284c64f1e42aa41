package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"stratagem/config"
	"stratagem/features/stream/pulse"
	"stratagem/runtime/catalog"
	"stratagem/runtime/convo"
	"stratagem/runtime/strategy"
	"stratagem/runtime/subagent"
	"stratagem/runtime/telemetry"
	"stratagem/runtime/wdk"
)

type (
	// siteDeps bundles the per-site collaborators built at startup.
	siteDeps struct {
		client  wdk.Client
		catalog catalog.Reader
		siteURL string
	}

	// service holds the shared dependencies behind the HTTP handlers.
	//
	// Strategy sessions live in process memory keyed by conversation id: a
	// conversation's graphs survive between turns of the same process and
	// are rebuilt by the agent from the persisted snapshots after a restart.
	service struct {
		cfg     config.Config
		store   convo.Store
		agent   subagent.Agent
		sites   map[string]siteDeps
		streams *pulse.TurnStreams
		log     telemetry.Logger
		metrics telemetry.Metrics

		mu       sync.Mutex
		sessions map[string]*strategy.Session
	}

	// unknownSiteError reports a site id absent from the configuration.
	unknownSiteError struct{ id string }
)

func (e *unknownSiteError) Error() string { return fmt.Sprintf("unknown site %q", e.id) }

func newService(cfg config.Config, store convo.Store, agent subagent.Agent, sites map[string]siteDeps, streams *pulse.TurnStreams, log telemetry.Logger, metrics telemetry.Metrics) *service {
	return &service{
		cfg:      cfg,
		store:    store,
		agent:    agent,
		sites:    sites,
		streams:  streams,
		log:      log,
		metrics:  metrics,
		sessions: make(map[string]*strategy.Session),
	}
}

// session returns the conversation's strategy session, creating one bound to
// the site on first use.
func (s *service) session(conversationID, siteID string) *strategy.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[conversationID]
	if !ok {
		sess = strategy.NewSession(siteID)
		s.sessions[conversationID] = sess
	}
	return sess
}

// site resolves a site id to its dependencies, defaulting to the configured
// default site when the id is empty.
func (s *service) site(id string) (string, siteDeps, error) {
	if id == "" {
		id = s.cfg.DefaultSite
	}
	deps, ok := s.sites[id]
	if !ok {
		return "", siteDeps{}, &unknownSiteError{id: id}
	}
	return id, deps, nil
}

// handleGetConversation serves the persisted conversation, including the
// in-flight thinking payload when a turn is running.
func (s *service) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conv, err := s.store.Get(ctx, r.PathValue("id"))
	if err != nil {
		if errors.Is(err, convo.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		s.log.Error(ctx, "get conversation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(conv); err != nil {
		s.log.Warn(ctx, "encode conversation failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
