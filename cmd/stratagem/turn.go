package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"stratagem/runtime/convo"
	"stratagem/runtime/delegate"
	"stratagem/runtime/model"
	"stratagem/runtime/strategy"
	"stratagem/runtime/subagent"
	"stratagem/runtime/toolset"
	"stratagem/runtime/turn"
)

// turnRequest is the body of POST /conversations/{id}/messages.
type turnRequest struct {
	// Content is the user's message. Required.
	Content string `json:"content"`
	// SiteID selects the platform site when the conversation is created.
	// Later turns keep the conversation's site.
	SiteID string `json:"site_id,omitempty"`
	// Title names the conversation on creation. Defaults to the start of
	// the content.
	Title string `json:"title,omitempty"`
}

// handleTurn runs one conversational turn and streams its events as SSE.
func (s *service) handleTurn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	conv, err := s.loadOrCreate(ctx, id, req)
	if err != nil {
		var badSite *unknownSiteError
		if errors.As(err, &badSite) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.log.Error(ctx, "load conversation failed", "conversation", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	siteID, site, err := s.site(conv.SiteID)
	if err != nil {
		// The conversation references a site no longer configured.
		writeError(w, http.StatusConflict, err.Error())
		return
	}

	// History is the dialogue before this turn's user message.
	history := historyMessages(conv.Messages)
	if err := s.store.AppendMessage(ctx, id, convo.Message{Role: "user", Content: req.Content}); err != nil {
		s.log.Error(ctx, "append user message failed", "conversation", id, "error", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	sess := s.session(id, siteID)

	// Fan out to the HTTP response, plus the Pulse stream when configured.
	turn.PrepareResponse(w)
	sinks := []turn.Sink{turn.NewSSEWriter(w)}
	if s.streams != nil {
		sink, err := s.streams.SinkFor(id)
		if err != nil {
			s.log.Warn(ctx, "pulse sink unavailable", "conversation", id, "error", err)
		} else {
			sinks = append(sinks, sink)
		}
	}

	pipeline := turn.NewPipeline(id, s.store, sinks,
		turn.WithPipelineLogger(s.log),
		turn.WithPipelineMetrics(s.metrics),
		turn.WithGraphResolver(func(gid string) string {
			if g, err := sess.Graph(gid); err == nil {
				return g.ID()
			}
			return gid
		}),
	)

	// Persistence and stream closure must survive a dropped client; only
	// the agent's work is bound to the request context.
	finalCtx := context.WithoutCancel(ctx)

	if err := pipeline.Start(ctx, turn.MessageStart{ConversationID: id, Strategy: strategySummary(sess)}); err != nil {
		s.log.Warn(ctx, "message_start not delivered", "conversation", id, "error", err)
	}

	ts, err := toolset.New(toolset.Config{
		Session:            sess,
		Catalog:            site.catalog,
		Client:             site.client,
		Scheduler:          delegate.NewScheduler(delegate.WithSchedulerLogger(s.log), delegate.WithSchedulerMetrics(s.metrics)),
		Agent:              s.agent,
		Emit:               pipeline.OnEvent,
		Goal:               req.Content,
		System:             systemPrompt,
		History:            history,
		MaxConcurrency:     s.cfg.Scheduler.MaxConcurrency,
		RoundTimeout:       s.cfg.Subtask.RoundTimeoutDuration(),
		MaxRounds:          s.cfg.Subtask.MaxRounds,
		SiteURL:            site.siteURL,
		ExistingStrategyID: conv.WdkStrategyID,
		Log:                s.log,
		Metrics:            s.metrics,
	})
	if err != nil {
		s.log.Error(ctx, "toolset init failed", "conversation", id, "error", err)
		pipeline.Abort(finalCtx, "INTERNAL", "toolset initialization failed")
		return
	}

	if _, err := s.agent.RunRound(ctx, subagent.RoundInput{
		Prompt:  req.Content,
		System:  systemPrompt,
		History: history,
		Tools:   ts.Registry(),
		Emit:    pipeline.OnEvent,
	}); err != nil {
		s.log.Error(ctx, "turn failed", "conversation", id, "turn", pipeline.TurnID(), "error", err)
		pipeline.Abort(finalCtx, "MODEL_ERROR", err.Error())
		return
	}

	if err := pipeline.Finalize(finalCtx); err != nil {
		s.log.Warn(ctx, "finalize incomplete", "conversation", id, "turn", pipeline.TurnID(), "error", err)
	}
}

// loadOrCreate fetches the conversation, creating it on first contact. A
// lost creation race defers to the concurrent writer's record.
func (s *service) loadOrCreate(ctx context.Context, id string, req turnRequest) (*convo.Conversation, error) {
	conv, err := s.store.Get(ctx, id)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, convo.ErrNotFound) {
		return nil, err
	}

	siteID, _, err := s.site(req.SiteID)
	if err != nil {
		return nil, err
	}
	conv = &convo.Conversation{
		ID:     id,
		Title:  conversationTitle(req.Title, req.Content),
		SiteID: siteID,
	}
	err = s.store.Create(ctx, conv)
	if errors.Is(err, convo.ErrExists) {
		return s.store.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// historyMessages maps the persisted log to plain dialogue messages. Tool
// call payloads stay behind; the model only needs the conversation text.
func historyMessages(msgs []convo.Message) []model.Message {
	history := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Content == "" {
			continue
		}
		switch m.Role {
		case "user":
			history = append(history, model.Message{Role: model.RoleUser, Content: m.Content})
		case "assistant":
			history = append(history, model.Message{Role: model.RoleAssistant, Content: m.Content})
		}
	}
	return history
}

// strategySummary describes the session's active graph for message_start,
// nil when the session has none yet.
func strategySummary(sess *strategy.Session) *turn.StrategySummary {
	gid := sess.ActiveGraphID()
	if gid == "" {
		return nil
	}
	g, err := sess.Graph(gid)
	if err != nil {
		return nil
	}
	return &turn.StrategySummary{
		ID:         g.ID(),
		Name:       g.Name(),
		RecordType: g.RecordType(),
		StepCount:  g.Len(),
	}
}

// conversationTitle derives a title from the first message when none is
// given.
func conversationTitle(title, content string) string {
	if title != "" {
		return title
	}
	const max = 80
	if len(content) <= max {
		return content
	}
	cut := strings.LastIndexByte(content[:max], ' ')
	if cut <= 0 {
		cut = max
	}
	return content[:cut] + "..."
}
