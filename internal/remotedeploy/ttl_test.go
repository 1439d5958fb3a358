package remotedeploy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(0, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// TestTTLExpiryDrivesTermination covers the scenario: register a deployment
// with ttlSeconds=1, advance virtual time 2s, the ttl check emits the key on
// the expiry channel, the handler invokes cleanup, and the adapter's
// Terminate is called exactly once while the registry no longer contains
// the entry.
func TestTTLExpiryDrivesTermination(t *testing.T) {
	clock := newFakeClock()
	ttl := NewTTLManager(clock, nil)

	adapter := &fakeAdapter{name: "fake"}
	reg := NewRegistry(map[string]CloudProviderAdapter{"fake": adapter}, nil)

	key := Key{BlueprintID: 5, ServiceID: 7}
	reg.Register(key, RemoteDeploymentConfig{Provider: "fake", InstanceID: "inst-ttl", TTLSeconds: 1})
	ttl.Register(key, 1)

	clock.Advance(2 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go RunExpiryHandler(ctx, ttl, reg)

	expired := ttl.CheckExpired()
	require.Equal(t, []Key{key}, expired)

	require.Eventually(t, func() bool {
		_, ok := reg.Get(key)
		return !ok
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, []string{"inst-ttl"}, adapter.terminateCalls)
}

func TestTTLCheckExpiredIgnoresFutureDeadlines(t *testing.T) {
	clock := newFakeClock()
	ttl := NewTTLManager(clock, nil)

	key := Key{BlueprintID: 1, ServiceID: 1}
	ttl.Register(key, 60)

	require.Empty(t, ttl.CheckExpired())
}

func TestTTLUnregisterPreventsExpiry(t *testing.T) {
	clock := newFakeClock()
	ttl := NewTTLManager(clock, nil)

	key := Key{BlueprintID: 2, ServiceID: 2}
	ttl.Register(key, 1)
	ttl.Unregister(key)

	clock.Advance(5 * time.Second)
	require.Empty(t, ttl.CheckExpired())
}
