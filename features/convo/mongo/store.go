// Package mongo implements the MongoDB-backed conversation store. One
// document per conversation, keyed by _id, with the message log embedded as
// an array so appends are single $push updates.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
	"goa.design/clue/health"

	"stratagem/runtime/convo"
)

const (
	defaultCollection = "conversations"
	defaultTimeout    = 5 * time.Second
	storeName         = "convo-mongo"
)

// Options configures the store.
type Options struct {
	// Client is the connected MongoDB client. Required by New; Connect
	// populates it.
	Client *mongodriver.Client
	// Database is the database name. Required.
	Database string
	// Collection overrides the collection name, default "conversations".
	Collection string
	// Timeout bounds each store operation, default 5s.
	Timeout time.Duration
}

// Store is a convo.Store backed by a MongoDB collection. It also implements
// health.Pinger so deployments can surface database reachability.
type Store struct {
	mongo   *mongodriver.Client
	coll    *mongodriver.Collection
	timeout time.Duration
}

var (
	_ convo.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

// New returns a Store over the provided MongoDB client.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongo: database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		mongo:   opts.Client,
		coll:    opts.Client.Database(opts.Database).Collection(collection),
		timeout: timeout,
	}, nil
}

// Connect dials MongoDB at uri and returns a Store over the new client. The
// caller owns the connection; Close releases it.
func Connect(uri string, opts Options) (*Store, error) {
	if uri == "" {
		return nil, errors.New("mongo: uri is required")
	}
	client, err := mongodriver.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", err)
	}
	opts.Client = client
	return New(opts)
}

// Close disconnects the underlying MongoDB client.
func (s *Store) Close(ctx context.Context) error {
	return s.mongo.Disconnect(ctx)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return storeName }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Get implements convo.Store.
func (s *Store) Get(ctx context.Context, id string) (*convo.Conversation, error) {
	if id == "" {
		return nil, errors.New("mongo: conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	var doc conversationDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, convo.ErrNotFound
		}
		return nil, err
	}
	return fromConversationDocument(&doc), nil
}

// Create implements convo.Store.
func (s *Store) Create(ctx context.Context, conv *convo.Conversation) error {
	if conv == nil || conv.ID == "" {
		return errors.New("mongo: conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	doc := toConversationDocument(conv)
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	doc.UpdatedAt = now
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return convo.ErrExists
		}
		return err
	}
	return nil
}

// Update implements convo.Store.
func (s *Store) Update(ctx context.Context, id string, patch convo.Patch) error {
	if id == "" {
		return errors.New("mongo: conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	set := bson.M{"updated_at": time.Now().UTC()}
	unset := bson.M{}
	if patch.Title != nil {
		set["title"] = *patch.Title
	}
	if patch.RecordType != nil {
		set["record_type"] = *patch.RecordType
	}
	if patch.WdkStrategyID != nil {
		set["wdk_strategy_id"] = *patch.WdkStrategyID
	}
	for graphID, artifact := range patch.Plans {
		key := "plans." + graphID
		if artifact == nil {
			unset[key] = ""
			continue
		}
		set[key] = toPlanDocument(*artifact)
	}
	for graphID, rec := range patch.Snapshots {
		key := "snapshots." + graphID
		if rec == nil {
			unset[key] = ""
			continue
		}
		set[key] = toSnapshotDocument(*rec)
	}
	update := bson.M{"$set": set}
	if len(unset) > 0 {
		update["$unset"] = unset
	}
	return s.updateOne(ctx, id, update)
}

// AppendMessage implements convo.Store.
func (s *Store) AppendMessage(ctx context.Context, id string, msg convo.Message) error {
	if id == "" {
		return errors.New("mongo: conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	return s.updateOne(ctx, id, bson.M{
		"$push": bson.M{"messages": toMessageDocument(msg)},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
}

// UpdateThinking implements convo.Store.
func (s *Store) UpdateThinking(ctx context.Context, id string, thinking *convo.Thinking) error {
	if thinking == nil {
		return s.ClearThinking(ctx, id)
	}
	if id == "" {
		return errors.New("mongo: conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	dup := *thinking
	if dup.UpdatedAt.IsZero() {
		dup.UpdatedAt = time.Now().UTC()
	}
	return s.updateOne(ctx, id, bson.M{
		"$set": bson.M{
			"thinking":   toThinkingDocument(dup),
			"updated_at": time.Now().UTC(),
		},
	})
}

// ClearThinking implements convo.Store.
func (s *Store) ClearThinking(ctx context.Context, id string) error {
	if id == "" {
		return errors.New("mongo: conversation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	return s.updateOne(ctx, id, bson.M{
		"$unset": bson.M{"thinking": ""},
		"$set":   bson.M{"updated_at": time.Now().UTC()},
	})
}

func (s *Store) updateOne(ctx context.Context, id string, update bson.M) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return convo.ErrNotFound
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}
