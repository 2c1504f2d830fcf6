// Package mongo implements the append-only audit store on MongoDB.
package mongo

import (
	"context"
	"errors"

	"github.com/ruche-ai/fabric/features/audit/mongo/clients/mongo"
	"github.com/ruche-ai/fabric/runtime/acf/audit"
	"github.com/ruche-ai/fabric/runtime/acf/event"
)

// Store implements audit.Store by delegating to the Mongo client.
type Store struct {
	client mongo.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements audit.Store.
func (s *Store) Append(ctx context.Context, evt event.Event) error {
	return s.client.Append(ctx, evt)
}

// List implements audit.Store.
func (s *Store) List(ctx context.Context, q audit.Query) ([]event.Event, error) {
	return s.client.List(ctx, q)
}
