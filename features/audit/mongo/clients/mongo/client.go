// Package mongo hosts the MongoDB client used by the audit store.
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

	"github.com/ruche-ai/fabric/runtime/acf/audit"
	"github.com/ruche-ai/fabric/runtime/acf/event"
)

const (
	defaultCollection = "acf_events"
	defaultOpTimeout  = 5 * time.Second
	defaultListLimit  = 500
	clientName        = "audit-mongo"
)

type (
	// Client exposes Mongo-backed append and query operations for events.
	Client interface {
		health.Pinger

		Append(ctx context.Context, evt event.Event) error
		List(ctx context.Context, q audit.Query) ([]event.Event, error)
	}

	// Options configures the Mongo audit client.
	Options struct {
		Client     *mongodriver.Client
		Database   string
		Collection string
		Timeout    time.Duration
	}

	client struct {
		mongo   *mongodriver.Client
		events  *mongodriver.Collection
		timeout time.Duration
	}

	eventDocument struct {
		Seq   int64       `bson:"seq"`
		Event event.Event `bson:"event"`
	}
)

// New returns a Client backed by MongoDB, ensuring the
// (tenant, turn, type, timestamp) query index at startup.
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
	_, err := coll.Indexes().CreateMany(ctx, []mongodriver.IndexModel{
		{Keys: bson.D{
			{Key: "event.tenant_id", Value: 1},
			{Key: "event.logical_turn_id", Value: 1},
			{Key: "event.type", Value: 1},
			{Key: "event.timestamp", Value: 1},
		}},
		{Keys: bson.D{
			{Key: "event.session_key", Value: 1},
			{Key: "seq", Value: 1},
		}},
	})
	if err != nil {
		return nil, err
	}
	return &client{mongo: opts.Client, events: coll, timeout: timeout}, nil
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

// Append inserts one event. The seq field preserves emission order within
// a turn even when wall clocks collide.
func (c *client) Append(ctx context.Context, evt event.Event) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	doc := eventDocument{
		Seq:   time.Now().UTC().UnixNano(),
		Event: evt,
	}
	_, err := c.events.InsertOne(ctx, doc)
	return err
}

// List queries events in insertion order.
func (c *client) List(ctx context.Context, q audit.Query) ([]event.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	filter := bson.M{}
	if q.TenantID != "" {
		filter["event.tenant_id"] = q.TenantID
	}
	if q.SessionKey != "" {
		filter["event.session_key"] = q.SessionKey
	}
	if q.LogicalTurnID != "" {
		filter["event.logical_turn_id"] = q.LogicalTurnID
	}
	if q.Type != "" {
		filter["event.type"] = q.Type
	}
	ts := bson.M{}
	if !q.Since.IsZero() {
		ts["$gte"] = q.Since
	}
	if !q.Until.IsZero() {
		ts["$lte"] = q.Until
	}
	if len(ts) > 0 {
		filter["event.timestamp"] = ts
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	cursor, err := c.events.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var out []event.Event
	for cursor.Next(ctx) {
		var doc eventDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.Event)
	}
	return out, cursor.Err()
}
