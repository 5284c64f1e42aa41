package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "stratagem/features/stream/pulse/clients/pulse"
	"stratagem/runtime/turn"
)

type (
	// EnvelopeDecoder converts raw stream payloads into turn events. Custom
	// decoders handle non-standard envelope formats.
	EnvelopeDecoder func([]byte) (turn.Event, error)

	// SubscriberOptions configures a Pulse-backed subscriber.
	SubscriberOptions struct {
		// Client is the Pulse client used to consume events. Required.
		Client clientspulse.Client
		// SinkName identifies the consumer group. Defaults to
		// "stratagem_subscriber".
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
		// Decoder deserializes event payloads. Defaults to the built-in
		// envelope decoder.
		Decoder EnvelopeDecoder
		// StreamName derives the stream name from a conversation id. Must
		// match the publisher's derivation. Defaults to "turn/<id>".
		StreamName func(conversationID string) string
	}

	// Subscriber consumes a conversation's Pulse stream and re-emits turn
	// events. Decoded events carry their payload as raw JSON.
	Subscriber struct {
		client     clientspulse.Client
		buffer     int
		name       string
		decode     EnvelopeDecoder
		streamName func(string) string
	}
)

// NewSubscriber constructs a Pulse-backed subscriber.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	name := opts.SinkName
	if name == "" {
		name = "stratagem_subscriber"
	}
	buffer := opts.Buffer
	if buffer <= 0 {
		buffer = 64
	}
	decoder := opts.Decoder
	if decoder == nil {
		decoder = decodeEnvelope
	}
	streamName := opts.StreamName
	if streamName == nil {
		streamName = defaultStreamName
	}
	return &Subscriber{
		client:     opts.Client,
		buffer:     buffer,
		name:       name,
		decode:     decoder,
		streamName: streamName,
	}, nil
}

// Subscribe opens a consumer group on the conversation's stream and returns
// channels for events and errors. The returned cancel function stops
// consumption, closes the sink, and closes both channels.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	conversationID string,
	opts ...streamopts.Sink,
) (<-chan turn.Event, <-chan error, context.CancelFunc, error) {
	if conversationID == "" {
		return nil, nil, nil, errors.New("conversation id is required")
	}
	str, err := s.client.Stream(s.streamName(conversationID))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan turn.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return events, errs, cancelFunc, nil
}

// consume reads from the Pulse sink, decodes payloads, and emits turn events.
// Each event is acked after emission. Both channels close when ctx is
// canceled, the sink channel closes, or an error is reported.
func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- turn.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			decoded, err := s.decode(evt.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if ackErr := sink.Ack(ctx, evt); ackErr != nil {
				errs <- fmt.Errorf("pulse ack: %w", ackErr)
				return
			}
		}
	}
}

// decodeEnvelope deserializes the default envelope format. The decoded event
// carries its payload as json.RawMessage.
func decodeEnvelope(payload []byte) (turn.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return turn.Event{}, err
	}
	return turn.Event{
		Type:   turn.EventType(env.Type),
		TurnID: env.TurnID,
		Time:   env.Timestamp,
		Data:   env.Payload,
	}, nil
}
