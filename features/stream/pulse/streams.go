package pulse

import (
	"context"
	"errors"

	clientspulse "stratagem/features/stream/pulse/clients/pulse"
	"stratagem/runtime/turn"
)

// TurnStreams bundles the publishing and subscribing halves of the turn
// stream fan-out over one Pulse client, so services manage a single Redis
// connection pool for both.
type TurnStreams struct {
	pub    *Publisher
	client clientspulse.Client
}

// TurnStreamsOptions configures NewTurnStreams.
type TurnStreamsOptions struct {
	// Client is the Pulse client used for publishing and subscribing.
	// Required; typically built via features/stream/pulse/clients/pulse.
	Client clientspulse.Client
	// Publisher holds optional overrides for the publishing side.
	Publisher Options
}

// NewTurnStreams constructs the fan-out helper. Services pass per-conversation
// sinks to the turn pipeline and create subscribers for remote consumption.
func NewTurnStreams(opts TurnStreamsOptions) (*TurnStreams, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	pubOpts := opts.Publisher
	pubOpts.Client = opts.Client
	pub, err := NewPublisher(pubOpts)
	if err != nil {
		return nil, err
	}
	return &TurnStreams{pub: pub, client: opts.Client}, nil
}

// SinkFor returns a turn.Sink publishing to the conversation's stream.
func (t *TurnStreams) SinkFor(conversationID string) (turn.Sink, error) {
	return t.pub.SinkFor(conversationID)
}

// NewSubscriber constructs a subscriber reusing the helper's client.
func (t *TurnStreams) NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	opts.Client = t.client
	return NewSubscriber(opts)
}

// Close shuts down the publishing side. Call during service shutdown after
// all subscribers have been canceled.
func (t *TurnStreams) Close(ctx context.Context) error {
	return t.pub.Close(ctx)
}
