package authproxy

import (
	"context"
	"sync"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// Store persists ApiKey and ServiceModel records. The production
// implementation is backed by Postgres via jmoiron/sqlx +
// golang-migrate/migrate/v4 (see store_postgres.go); an in-memory
// implementation backs unit tests.
type Store interface {
	InsertApiKey(ctx context.Context, key ApiKey) error
	GetApiKey(ctx context.Context, keyID string) (ApiKey, error)
	DeleteServiceModel(ctx context.Context, serviceID uint64) error
	GetServiceModel(ctx context.Context, serviceID uint64) (ServiceModel, error)
	UpsertServiceModel(ctx context.Context, model ServiceModel) error
}

// MemoryStore is an in-memory Store, used in tests and single-node
// deployments without Postgres configured.
type MemoryStore struct {
	mu       sync.RWMutex
	apiKeys  map[string]ApiKey
	services map[uint64]ServiceModel
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		apiKeys:  make(map[string]ApiKey),
		services: make(map[uint64]ServiceModel),
	}
}

func (s *MemoryStore) InsertApiKey(ctx context.Context, key ApiKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[key.KeyID] = key
	return nil
}

func (s *MemoryStore) GetApiKey(ctx context.Context, keyID string) (ApiKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[keyID]
	if !ok {
		return ApiKey{}, apperrors.NotFound("api key not found")
	}
	return key, nil
}

// DeleteServiceModel performs a hard delete cascading to its api keys, per
// SPEC_FULL §3 — soft-delete would violate the 404-on-delete invariant.
func (s *MemoryStore) DeleteServiceModel(ctx context.Context, serviceID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.services[serviceID]; !ok {
		return apperrors.NotFound("service model not found")
	}
	delete(s.services, serviceID)
	for id, key := range s.apiKeys {
		if key.ServiceID == serviceID {
			delete(s.apiKeys, id)
		}
	}
	return nil
}

func (s *MemoryStore) GetServiceModel(ctx context.Context, serviceID uint64) (ServiceModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	model, ok := s.services[serviceID]
	if !ok {
		return ServiceModel{}, apperrors.NotFound("service model not found")
	}
	return model, nil
}

func (s *MemoryStore) UpsertServiceModel(ctx context.Context, model ServiceModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[model.ServiceID] = model
	return nil
}
