package convo

import (
	"context"
	"sync"
	"time"
)

// InMemStore is a Store backed by a process-local map. It deep-copies on both
// reads and writes so callers can never alias stored state. Suitable for
// tests and single-process deployments without persistence requirements.
type InMemStore struct {
	mu    sync.RWMutex
	convs map[string]*Conversation
}

var _ Store = (*InMemStore)(nil)

// NewInMemStore returns an empty in-memory store.
func NewInMemStore() *InMemStore {
	return &InMemStore{convs: make(map[string]*Conversation)}
}

// Get implements Store.
func (s *InMemStore) Get(_ context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.convs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneConversation(conv), nil
}

// Create implements Store.
func (s *InMemStore) Create(_ context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convs[conv.ID]; ok {
		return ErrExists
	}
	dup := cloneConversation(conv)
	now := time.Now().UTC()
	if dup.CreatedAt.IsZero() {
		dup.CreatedAt = now
	}
	dup.UpdatedAt = now
	s.convs[conv.ID] = dup
	return nil
}

// Update implements Store.
func (s *InMemStore) Update(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	if patch.Title != nil {
		conv.Title = *patch.Title
	}
	if patch.RecordType != nil {
		conv.RecordType = *patch.RecordType
	}
	if patch.WdkStrategyID != nil {
		conv.WdkStrategyID = *patch.WdkStrategyID
	}
	for graphID, artifact := range patch.Plans {
		if artifact == nil {
			delete(conv.Plans, graphID)
			continue
		}
		if conv.Plans == nil {
			conv.Plans = make(map[string]PlanArtifact)
		}
		conv.Plans[graphID] = *artifact
	}
	for graphID, rec := range patch.Snapshots {
		if rec == nil {
			delete(conv.Snapshots, graphID)
			continue
		}
		if conv.Snapshots == nil {
			conv.Snapshots = make(map[string]SnapshotRecord)
		}
		conv.Snapshots[graphID] = *rec
	}
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendMessage implements Store.
func (s *InMemStore) AppendMessage(_ context.Context, id string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	conv.Messages = append(conv.Messages, msg)
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateThinking implements Store.
func (s *InMemStore) UpdateThinking(_ context.Context, id string, thinking *Thinking) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	if thinking == nil {
		conv.Thinking = nil
	} else {
		dup := *thinking
		dup.ToolCalls = append([]ToolCall(nil), thinking.ToolCalls...)
		dup.Subtasks = append([]SubtaskActivity(nil), thinking.Subtasks...)
		conv.Thinking = &dup
	}
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

// ClearThinking implements Store.
func (s *InMemStore) ClearThinking(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.convs[id]
	if !ok {
		return ErrNotFound
	}
	conv.Thinking = nil
	conv.UpdatedAt = time.Now().UTC()
	return nil
}

func cloneConversation(c *Conversation) *Conversation {
	dup := *c
	if c.Plans != nil {
		dup.Plans = make(map[string]PlanArtifact, len(c.Plans))
		for k, v := range c.Plans {
			dup.Plans[k] = v
		}
	}
	if c.Snapshots != nil {
		dup.Snapshots = make(map[string]SnapshotRecord, len(c.Snapshots))
		for k, v := range c.Snapshots {
			dup.Snapshots[k] = v
		}
	}
	dup.Messages = append([]Message(nil), c.Messages...)
	if c.Thinking != nil {
		t := *c.Thinking
		t.ToolCalls = append([]ToolCall(nil), c.Thinking.ToolCalls...)
		t.Subtasks = append([]SubtaskActivity(nil), c.Thinking.Subtasks...)
		dup.Thinking = &t
	}
	return &dup
}
