// Package mongo implements the session store on MongoDB. The CAS contract
// maps to version-pinned replace operations on a unique session_key index.
package mongo

import (
	"context"
	"errors"

	"github.com/ruche-ai/fabric/features/session/mongo/clients/mongo"
	"github.com/ruche-ai/fabric/runtime/acf"
	"github.com/ruche-ai/fabric/runtime/acf/session"
)

// Store implements session.Store by delegating to the Mongo client.
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

// Get implements session.Store.
func (s *Store) Get(ctx context.Context, key acf.SessionKey) (session.State, error) {
	return s.client.Get(ctx, key)
}

// Create implements session.Store.
func (s *Store) Create(ctx context.Context, state session.State) (session.State, error) {
	return s.client.Create(ctx, state)
}

// Put implements session.Store.
func (s *Store) Put(ctx context.Context, state session.State, expectedVersion int64) (session.State, error) {
	return s.client.Put(ctx, state, expectedVersion)
}

// Delete implements session.Store.
func (s *Store) Delete(ctx context.Context, key acf.SessionKey) error {
	return s.client.Delete(ctx, key)
}
