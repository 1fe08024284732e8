// Package store persists the engine state blob: a single JSON object keyed by
// platform name, each value opaque to the store. Values are read in full at
// startup and written whole, merged with the keys already present.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store closed")

// Store is the get/set contract the engine has with durable storage.
type Store interface {
	// Load returns every key of the blob. A missing blob is an empty map.
	Load(ctx context.Context) (map[string]json.RawMessage, error)
	// Save replaces the value under key, leaving other keys untouched.
	Save(ctx context.Context, key string, value json.RawMessage) error
	Close() error
}

// Get loads the blob and returns the value under key, or nil when absent.
func Get(ctx context.Context, s Store, key string) (json.RawMessage, error) {
	all, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	return all[key], nil
}

// SaveJSON marshals v and saves it under key.
func SaveJSON(ctx context.Context, s Store, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Save(ctx, key, b)
}
