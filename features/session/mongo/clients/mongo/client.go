// Package mongo hosts the MongoDB client used by the session store.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/session"
)

const (
	defaultCollection = "acf_sessions"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "session-mongo"
)

type (
	// Client exposes Mongo-backed operations for session state.
	Client interface {
		health.Pinger

		Get(ctx context.Context, key acf.SessionKey) (session.State, error)
		Create(ctx context.Context, state session.State) (session.State, error)
		Put(ctx context.Context, state session.State, expectedVersion int64) (session.State, error)
		Delete(ctx context.Context, key acf.SessionKey) error
	}

	// Options configures the Mongo session client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo    *mongodriver.Client
		sessions *mongodriver.Collection
		timeout  time.Duration
	}

	// sessionDocument is the persisted shape. The session key is the
	// document identity; State carries the CAS version.
	sessionDocument struct {
		SessionKey string        `bson:"session_key"`
		State      session.State `bson:"state,inline"`
		UpdatedAt  time.Time     `bson:"updated_at"`
	}
)

// New returns a Client backed by MongoDB. It ensures the unique index on
// session_key at startup.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collection)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_, err := coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{
		Keys:    bson.D{{Key: "session_key", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, sessions: coll, timeout: timeout}, nil
}

func (c *client) Name() string {
	return clientName
}

func (c *client) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return c.mongo.Ping(ctx, readpref.Primary())
}

func (c *client) Get(ctx context.Context, key acf.SessionKey) (session.State, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	err := c.sessions.FindOne(ctx, bson.M{"session_key": key.String()}).Decode(&doc)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return session.State{}, session.ErrNotFound
	}
	if err != nil {
		return session.State{}, err
	}
	doc.State.Key = key
	return doc.State, nil
}

func (c *client) Create(ctx context.Context, state session.State) (session.State, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	state.Version = 1
	doc := sessionDocument{
		SessionKey: state.Key.String(),
		State:      state,
		UpdatedAt:  time.Now().UTC(),
	}
	if _, err := c.sessions.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return session.State{}, session.ErrAlreadyExists
		}
		return session.State{}, err
	}
	return state, nil
}

// Put performs the CAS write: the update filter pins the stored version,
// so a lost race surfaces as zero matched documents.
func (c *client) Put(ctx context.Context, state session.State, expectedVersion int64) (session.State, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	state.Version = expectedVersion + 1
	doc := sessionDocument{
		SessionKey: state.Key.String(),
		State:      state,
		UpdatedAt:  time.Now().UTC(),
	}
	res, err := c.sessions.ReplaceOne(ctx, bson.M{
		"session_key": state.Key.String(),
		"version":     expectedVersion,
	}, doc)
	if err != nil {
		return session.State{}, err
	}
	if res.MatchedCount == 0 {
		// Distinguish a missing session from a version race.
		if _, gerr := c.Get(ctx, state.Key); errors.Is(gerr, session.ErrNotFound) {
			return session.State{}, session.ErrNotFound
		}
		return session.State{}, session.ErrVersionConflict
	}
	return state, nil
}

func (c *client) Delete(ctx context.Context, key acf.SessionKey) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	_, err := c.sessions.DeleteOne(ctx, bson.M{"session_key": key.String()})
	return err
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.timeout)
}
