package remotedeploy

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tangle-network/blueprint-core/internal/logging"
)

// Clock is injected so the TTL-expiry scenario (spec §8 scenario 6) can
// advance virtual time instead of sleeping in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// TTLManager tracks a deadline per (blueprintId, serviceId) independent of
// the Registry's own map, and emits expired keys on a channel for a
// separate handler task to clean up (spec §4.8: "A separate handler task
// reads expiry and calls registry.cleanup(key)").
type TTLManager struct {
	mu       sync.Mutex
	deadline map[Key]time.Time
	clock    Clock

	expiry chan Key

	cron *cron.Cron

	logger *logging.Logger
}

// NewTTLManager constructs a TTLManager; Start's checkInterval defaults to
// 60s.
func NewTTLManager(clock Clock, logger *logging.Logger) *TTLManager {
	if clock == nil {
		clock = realClock{}
	}
	if logger == nil {
		logger = logging.NewFromEnv("remotedeploy-ttl")
	}
	return &TTLManager{
		deadline: make(map[Key]time.Time),
		clock:    clock,
		expiry:   make(chan Key, 256),
		logger:   logger,
	}
}

// Register records a TTL deadline for key, ttlSeconds from now.
func (m *TTLManager) Register(key Key, ttlSeconds uint64) {
	if ttlSeconds == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deadline[key] = m.clock.Now().Add(time.Duration(ttlSeconds) * time.Second)
}

// Unregister removes key's TTL tracking without emitting an expiry (used
// when a service is stopped through the normal path, not via TTL).
func (m *TTLManager) Unregister(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deadline, key)
}

// Expiry is the channel the handler task reads expired keys from.
func (m *TTLManager) Expiry() <-chan Key { return m.expiry }

// CheckExpired scans for deadlines that have passed, removes them, and
// pushes them onto the expiry channel. Exported so tests can drive it
// directly against a fake Clock instead of waiting on the cron.
func (m *TTLManager) CheckExpired() []Key {
	now := m.clock.Now()

	m.mu.Lock()
	var expired []Key
	for k, d := range m.deadline {
		if !now.Before(d) {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		delete(m.deadline, k)
	}
	m.mu.Unlock()

	for _, k := range expired {
		select {
		case m.expiry <- k:
		default:
			m.logger.WithFields(map[string]interface{}{
				"blueprint_id": k.BlueprintID,
				"service_id":   k.ServiceID,
			}).Warn("remotedeploy: expiry channel full, dropping this expiry signal")
		}
	}
	return expired
}

// Start runs CheckExpired on checkInterval until Stop is called.
func (m *TTLManager) Start(checkInterval time.Duration) {
	if checkInterval <= 0 {
		checkInterval = 60 * time.Second
	}
	m.cron = cron.New()
	_, _ = m.cron.AddFunc("@every "+checkInterval.String(), func() {
		m.CheckExpired()
	})
	m.cron.Start()
}

// Stop halts the periodic check, if running.
func (m *TTLManager) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// RunExpiryHandler reads keys from Expiry() and drives registry.Cleanup
// for each, until ctx is done (spec §4.8's "separate handler task").
func RunExpiryHandler(ctx context.Context, ttl *TTLManager, registry *Registry) {
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-ttl.Expiry():
			if err := registry.Cleanup(ctx, key); err != nil {
				ttl.logger.WithError(err).WithFields(map[string]interface{}{
					"blueprint_id": key.BlueprintID,
					"service_id":   key.ServiceID,
				}).Warn("remotedeploy: cleanup after TTL expiry failed")
			}
		}
	}
}
