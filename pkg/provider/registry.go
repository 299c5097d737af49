package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Opener creates an ObjectStore bound to one bucket.
type Opener func(ctx context.Context, bucket string) (ObjectStore, error)

// Registry lazily opens and caches one ObjectStore per bucket.
//
// Job records reference inputs and results in different buckets, so stages
// resolve a store from each Location they touch.
type Registry struct {
	scheme ProviderType
	open   Opener

	mu     sync.Mutex
	stores map[string]ObjectStore
}

// NewRegistry returns a registry that opens buckets of the given scheme.
func NewRegistry(scheme ProviderType, open Opener) *Registry {
	return &Registry{scheme: scheme, open: open, stores: make(map[string]ObjectStore)}
}

// Scheme returns the provider type of stores this registry opens.
func (r *Registry) Scheme() ProviderType {
	return r.scheme
}

// Bucket returns the cached store for bucket, opening it on first use.
func (r *Registry) Bucket(ctx context.Context, bucket string) (ObjectStore, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[bucket]; ok {
		return s, nil
	}
	s, err := r.open(ctx, bucket)
	if err != nil {
		return nil, err
	}
	r.stores[bucket] = s
	return s, nil
}

// For returns the store holding loc.
func (r *Registry) For(ctx context.Context, loc Location) (ObjectStore, error) {
	if loc.Provider != r.scheme {
		return nil, fmt.Errorf("%w: %s (registry serves %s)", ErrUnsupportedScheme, loc.Provider, r.scheme)
	}
	return r.Bucket(ctx, loc.Bucket)
}

// Close closes every opened store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	r.stores = make(map[string]ObjectStore)
	return errors.Join(errs...)
}
