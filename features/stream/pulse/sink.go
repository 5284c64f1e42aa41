// Package pulse fans turn events out to goa.design/pulse streams, one stream
// per conversation. The publisher side hands per-conversation turn.Sink values
// to the pipeline; the subscriber side lets other processes replay the same
// events, e.g. an SSE gateway running on a different replica than the agent.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "stratagem/features/stream/pulse/clients/pulse"
	"stratagem/runtime/turn"
)

type (
	// Options configures the publisher.
	Options struct {
		// Client is the Pulse client used to publish events. Required.
		Client clientspulse.Client
		// StreamName derives the stream name from a conversation id.
		// Defaults to "turn/<conversation id>".
		StreamName func(conversationID string) string
	}

	// Publisher creates per-conversation sinks that publish turn events to
	// Pulse streams. Safe for concurrent use.
	Publisher struct {
		client     clientspulse.Client
		streamName func(string) string
	}

	// sink publishes one conversation's turn events.
	sink struct {
		stream clientspulse.Stream
	}

	// envelope is the wire form of one published event.
	envelope struct {
		Type      string          `json:"type"`
		TurnID    string          `json:"turn_id,omitempty"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload,omitempty"`
	}
)

// NewPublisher constructs a publisher over the given Pulse client.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.StreamName
	if name == nil {
		name = defaultStreamName
	}
	return &Publisher{client: opts.Client, streamName: name}, nil
}

// SinkFor returns a turn.Sink bound to the conversation's stream. The pipeline
// adds it alongside the SSE sink so remote consumers observe the same event
// order.
func (p *Publisher) SinkFor(conversationID string) (turn.Sink, error) {
	if conversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	stream, err := p.client.Stream(p.streamName(conversationID))
	if err != nil {
		return nil, err
	}
	return &sink{stream: stream}, nil
}

// Close releases the underlying Pulse client.
func (p *Publisher) Close(ctx context.Context) error {
	return p.client.Close(ctx)
}

// Send implements turn.Sink.
func (s *sink) Send(ctx context.Context, ev turn.Event) error {
	payload, err := ev.MarshalData()
	if err != nil {
		return fmt.Errorf("pulse marshal event data: %w", err)
	}
	env := envelope{
		Type:      string(ev.Type),
		TurnID:    ev.TurnID,
		Timestamp: ev.Time,
		Payload:   payload,
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("pulse marshal envelope: %w", err)
	}
	if _, err := s.stream.Add(ctx, env.Type, buf); err != nil {
		return err
	}
	return nil
}

// Close implements turn.Sink. Stream handles hold no per-conversation
// resources; the publisher owns the client.
func (s *sink) Close(context.Context) error { return nil }

func defaultStreamName(conversationID string) string {
	return "turn/" + conversationID
}
