package remotedeploy

import (
	"context"
	"sync"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/logging"
)

// Registry tracks one RemoteDeploymentConfig per (blueprintId, serviceId),
// behind a read/write lock (spec §4.8, §5 "the deployment registry is a
// read/write lock").
type Registry struct {
	mu      sync.RWMutex
	configs map[Key]RemoteDeploymentConfig

	adapters map[string]CloudProviderAdapter
	logger   *logging.Logger
}

// NewRegistry constructs a Registry dispatching cleanup termination to the
// adapter named by each config's Provider field.
func NewRegistry(adapters map[string]CloudProviderAdapter, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.NewFromEnv("remotedeploy")
	}
	return &Registry{
		configs:  make(map[Key]RemoteDeploymentConfig),
		adapters: adapters,
		logger:   logger,
	}
}

// Register inserts or replaces the deployment record for key.
func (r *Registry) Register(key Key, cfg RemoteDeploymentConfig) {
	cfg.Key = key
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[key] = cfg
}

// Get returns the deployment config for key, if any.
func (r *Registry) Get(key Key) (RemoteDeploymentConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[key]
	return cfg, ok
}

// List returns a snapshot of every registered deployment.
func (r *Registry) List() []RemoteDeploymentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RemoteDeploymentConfig, 0, len(r.configs))
	for _, cfg := range r.configs {
		out = append(out, cfg)
	}
	return out
}

// Cleanup removes key's entry and drives the underlying adapter's
// Terminate call. Per the spec §4.8 invariant, Cleanup is a no-op (not an
// error) when key is not registered.
func (r *Registry) Cleanup(ctx context.Context, key Key) error {
	r.mu.Lock()
	cfg, ok := r.configs[key]
	if ok {
		delete(r.configs, key)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	adapter, ok := r.adapters[cfg.Provider]
	if !ok {
		return apperrors.Configuration("no cloud adapter registered for provider " + cfg.Provider)
	}
	if err := adapter.Terminate(ctx, cfg.InstanceID); err != nil {
		r.logger.WithError(err).WithFields(map[string]interface{}{
			"provider":    cfg.Provider,
			"instance_id": cfg.InstanceID,
		}).Warn("remotedeploy: terminate failed during cleanup")
		return apperrors.Wrap(apperrors.KindOther, "failed to terminate remote instance", err)
	}
	return nil
}

// Adapter returns the named adapter, or false if unregistered.
func (r *Registry) Adapter(name string) (CloudProviderAdapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}
