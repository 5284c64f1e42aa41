package mongo

import (
	"encoding/json"
	"time"

	"stratagem/runtime/convo"
)

// conversationDocument is the persisted shape of one conversation. BSON field
// names are stable storage contract; renaming one is a migration.
type conversationDocument struct {
	ID            string                      `bson:"_id"`
	Title         string                      `bson:"title,omitempty"`
	SiteID        string                      `bson:"site_id,omitempty"`
	RecordType    string                      `bson:"record_type,omitempty"`
	WdkStrategyID int                         `bson:"wdk_strategy_id,omitempty"`
	Plans         map[string]planDocument     `bson:"plans,omitempty"`
	Snapshots     map[string]snapshotDocument `bson:"snapshots,omitempty"`
	Messages      []messageDocument           `bson:"messages"`
	Thinking      *thinkingDocument           `bson:"thinking,omitempty"`
	CreatedAt     time.Time                   `bson:"created_at"`
	UpdatedAt     time.Time                   `bson:"updated_at"`
}

type planDocument struct {
	Name        string    `bson:"name,omitempty"`
	RecordType  string    `bson:"record_type,omitempty"`
	Description string    `bson:"description,omitempty"`
	Plan        []byte    `bson:"plan,omitempty"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type snapshotDocument struct {
	ID        string    `bson:"id"`
	Graph     []byte    `bson:"graph"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type messageDocument struct {
	Role      string             `bson:"role"`
	Content   string             `bson:"content"`
	ToolCalls []toolCallDocument `bson:"tool_calls,omitempty"`
	Subtasks  []subtaskDocument  `bson:"subtasks,omitempty"`
	CreatedAt time.Time          `bson:"created_at"`
}

type toolCallDocument struct {
	ID        string           `bson:"id"`
	Name      string           `bson:"name"`
	Args      []byte           `bson:"args,omitempty"`
	Result    []byte           `bson:"result,omitempty"`
	Error     *failureDocument `bson:"error,omitempty"`
	StartedAt time.Time        `bson:"started_at,omitempty"`
	ElapsedMS int64            `bson:"elapsed_ms,omitempty"`
}

type failureDocument struct {
	Code    string `bson:"code,omitempty"`
	Message string `bson:"message"`
}

type subtaskDocument struct {
	Task   string             `bson:"task"`
	Status string             `bson:"status"`
	Rounds int                `bson:"rounds,omitempty"`
	Calls  []toolCallDocument `bson:"calls,omitempty"`
	Errors []string           `bson:"errors,omitempty"`
}

type thinkingDocument struct {
	ToolCalls []toolCallDocument `bson:"tool_calls,omitempty"`
	Subtasks  []subtaskDocument  `bson:"subtasks,omitempty"`
	UpdatedAt time.Time          `bson:"updated_at"`
}

func toConversationDocument(c *convo.Conversation) *conversationDocument {
	doc := &conversationDocument{
		ID:            c.ID,
		Title:         c.Title,
		SiteID:        c.SiteID,
		RecordType:    c.RecordType,
		WdkStrategyID: c.WdkStrategyID,
		Messages:      make([]messageDocument, len(c.Messages)),
		Thinking:      toThinkingDocumentPtr(c.Thinking),
		CreatedAt:     c.CreatedAt.UTC(),
		UpdatedAt:     c.UpdatedAt.UTC(),
	}
	if len(c.Plans) > 0 {
		doc.Plans = make(map[string]planDocument, len(c.Plans))
		for id, art := range c.Plans {
			doc.Plans[id] = toPlanDocument(art)
		}
	}
	if len(c.Snapshots) > 0 {
		doc.Snapshots = make(map[string]snapshotDocument, len(c.Snapshots))
		for id, rec := range c.Snapshots {
			doc.Snapshots[id] = toSnapshotDocument(rec)
		}
	}
	for i, msg := range c.Messages {
		doc.Messages[i] = toMessageDocument(msg)
	}
	return doc
}

func fromConversationDocument(doc *conversationDocument) *convo.Conversation {
	conv := &convo.Conversation{
		ID:            doc.ID,
		Title:         doc.Title,
		SiteID:        doc.SiteID,
		RecordType:    doc.RecordType,
		WdkStrategyID: doc.WdkStrategyID,
		Messages:      make([]convo.Message, len(doc.Messages)),
		CreatedAt:     doc.CreatedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	if len(doc.Plans) > 0 {
		conv.Plans = make(map[string]convo.PlanArtifact, len(doc.Plans))
		for id, art := range doc.Plans {
			conv.Plans[id] = fromPlanDocument(art)
		}
	}
	if len(doc.Snapshots) > 0 {
		conv.Snapshots = make(map[string]convo.SnapshotRecord, len(doc.Snapshots))
		for id, rec := range doc.Snapshots {
			conv.Snapshots[id] = fromSnapshotDocument(rec)
		}
	}
	for i, msg := range doc.Messages {
		conv.Messages[i] = fromMessageDocument(msg)
	}
	if doc.Thinking != nil {
		t := fromThinkingDocument(*doc.Thinking)
		conv.Thinking = &t
	}
	return conv
}

func toPlanDocument(a convo.PlanArtifact) planDocument {
	return planDocument{
		Name:        a.Name,
		RecordType:  a.RecordType,
		Description: a.Description,
		Plan:        []byte(a.Plan),
		UpdatedAt:   a.UpdatedAt.UTC(),
	}
}

func fromPlanDocument(doc planDocument) convo.PlanArtifact {
	return convo.PlanArtifact{
		Name:        doc.Name,
		RecordType:  doc.RecordType,
		Description: doc.Description,
		Plan:        rawMessage(doc.Plan),
		UpdatedAt:   doc.UpdatedAt,
	}
}

func toSnapshotDocument(r convo.SnapshotRecord) snapshotDocument {
	return snapshotDocument{
		ID:        r.ID,
		Graph:     []byte(r.Graph),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func fromSnapshotDocument(doc snapshotDocument) convo.SnapshotRecord {
	return convo.SnapshotRecord{
		ID:        doc.ID,
		Graph:     rawMessage(doc.Graph),
		UpdatedAt: doc.UpdatedAt,
	}
}

func toMessageDocument(m convo.Message) messageDocument {
	return messageDocument{
		Role:      m.Role,
		Content:   m.Content,
		ToolCalls: toToolCallDocuments(m.ToolCalls),
		Subtasks:  toSubtaskDocuments(m.Subtasks),
		CreatedAt: m.CreatedAt.UTC(),
	}
}

func fromMessageDocument(doc messageDocument) convo.Message {
	return convo.Message{
		Role:      doc.Role,
		Content:   doc.Content,
		ToolCalls: fromToolCallDocuments(doc.ToolCalls),
		Subtasks:  fromSubtaskDocuments(doc.Subtasks),
		CreatedAt: doc.CreatedAt,
	}
}

func toToolCallDocuments(calls []convo.ToolCall) []toolCallDocument {
	if len(calls) == 0 {
		return nil
	}
	out := make([]toolCallDocument, len(calls))
	for i, c := range calls {
		out[i] = toolCallDocument{
			ID:        c.ID,
			Name:      c.Name,
			Args:      []byte(c.Args),
			Result:    []byte(c.Result),
			StartedAt: c.StartedAt.UTC(),
			ElapsedMS: c.Elapsed.Milliseconds(),
		}
		if c.Error != nil {
			out[i].Error = &failureDocument{Code: c.Error.Code, Message: c.Error.Message}
		}
	}
	return out
}

func fromToolCallDocuments(docs []toolCallDocument) []convo.ToolCall {
	if len(docs) == 0 {
		return nil
	}
	out := make([]convo.ToolCall, len(docs))
	for i, doc := range docs {
		out[i] = convo.ToolCall{
			ID:        doc.ID,
			Name:      doc.Name,
			Args:      rawMessage(doc.Args),
			Result:    rawMessage(doc.Result),
			StartedAt: doc.StartedAt,
			Elapsed:   time.Duration(doc.ElapsedMS) * time.Millisecond,
		}
		if doc.Error != nil {
			out[i].Error = &convo.ToolFailure{Code: doc.Error.Code, Message: doc.Error.Message}
		}
	}
	return out
}

func toSubtaskDocuments(subtasks []convo.SubtaskActivity) []subtaskDocument {
	if len(subtasks) == 0 {
		return nil
	}
	out := make([]subtaskDocument, len(subtasks))
	for i, st := range subtasks {
		out[i] = subtaskDocument{
			Task:   st.Task,
			Status: st.Status,
			Rounds: st.Rounds,
			Calls:  toToolCallDocuments(st.Calls),
			Errors: append([]string(nil), st.Errors...),
		}
	}
	return out
}

func fromSubtaskDocuments(docs []subtaskDocument) []convo.SubtaskActivity {
	if len(docs) == 0 {
		return nil
	}
	out := make([]convo.SubtaskActivity, len(docs))
	for i, doc := range docs {
		out[i] = convo.SubtaskActivity{
			Task:   doc.Task,
			Status: doc.Status,
			Rounds: doc.Rounds,
			Calls:  fromToolCallDocuments(doc.Calls),
			Errors: append([]string(nil), doc.Errors...),
		}
	}
	return out
}

func toThinkingDocument(t convo.Thinking) thinkingDocument {
	return thinkingDocument{
		ToolCalls: toToolCallDocuments(t.ToolCalls),
		Subtasks:  toSubtaskDocuments(t.Subtasks),
		UpdatedAt: t.UpdatedAt.UTC(),
	}
}

func toThinkingDocumentPtr(t *convo.Thinking) *thinkingDocument {
	if t == nil {
		return nil
	}
	doc := toThinkingDocument(*t)
	return &doc
}

func fromThinkingDocument(doc thinkingDocument) convo.Thinking {
	return convo.Thinking{
		ToolCalls: fromToolCallDocuments(doc.ToolCalls),
		Subtasks:  fromSubtaskDocuments(doc.Subtasks),
		UpdatedAt: doc.UpdatedAt,
	}
}

// rawMessage normalizes empty byte slices to nil so round-tripped documents
// compare equal to their inputs.
func rawMessage(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}
