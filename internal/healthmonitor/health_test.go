package healthmonitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tangle-network/blueprint-core/internal/remotedeploy"
)

type mockAdapter struct {
	mu             sync.Mutex
	status         remotedeploy.InstanceStatus
	terminateCalls int
	provisionCalls int
	provisionID    string
}

func (a *mockAdapter) Name() string { return "mock" }

func (a *mockAdapter) Provision(ctx context.Context, spec remotedeploy.ResourceSpec, region string) (remotedeploy.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provisionCalls++
	a.status = remotedeploy.StatusRunning
	return remotedeploy.Instance{ID: a.provisionID, Region: region, Status: remotedeploy.StatusRunning}, nil
}

func (a *mockAdapter) Terminate(ctx context.Context, instanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminateCalls++
	a.status = remotedeploy.StatusTerminated
	return nil
}

func (a *mockAdapter) Status(ctx context.Context, instanceID string) (remotedeploy.InstanceStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, nil
}

func (a *mockAdapter) DeployBlueprint(ctx context.Context, instanceID, artifactRef string, env map[string]string) error {
	return nil
}

func (a *mockAdapter) HealthCheck(ctx context.Context, deployment remotedeploy.RemoteDeploymentConfig) (bool, error) {
	return a.status == remotedeploy.StatusRunning, nil
}

func TestHealthStatusMapping(t *testing.T) {
	require.Equal(t, Healthy, statusFromInstanceStatus(remotedeploy.StatusRunning))
	require.Equal(t, Degraded, statusFromInstanceStatus(remotedeploy.StatusStarting))
	require.Equal(t, Unhealthy, statusFromInstanceStatus(remotedeploy.StatusStopped))
	require.Equal(t, Unhealthy, statusFromInstanceStatus(remotedeploy.StatusTerminated))
	require.Equal(t, Unknown, statusFromInstanceStatus(remotedeploy.StatusUnknown))
}

func TestMonitorIsHealthyWhenRunning(t *testing.T) {
	adapter := &mockAdapter{status: remotedeploy.StatusRunning}
	reg := remotedeploy.NewRegistry(map[string]remotedeploy.CloudProviderAdapter{"mock": adapter}, nil)
	key := remotedeploy.Key{BlueprintID: 1, ServiceID: 1}
	reg.Register(key, remotedeploy.RemoteDeploymentConfig{Provider: "mock", InstanceID: "inst-ok"})

	mon := New(Config{}, reg, nil)
	healthy, err := mon.IsHealthy(context.Background(), key)
	require.NoError(t, err)
	require.True(t, healthy)
}

func TestMonitorRecoversUnhealthyInstanceAfterThreshold(t *testing.T) {
	adapter := &mockAdapter{status: remotedeploy.StatusStopped, provisionID: "instance-new"}
	reg := remotedeploy.NewRegistry(map[string]remotedeploy.CloudProviderAdapter{"mock": adapter}, nil)
	key := remotedeploy.Key{BlueprintID: 2, ServiceID: 3}
	reg.Register(key, remotedeploy.RemoteDeploymentConfig{Provider: "mock", InstanceID: "instance-old"})

	mon := New(Config{
		MaxConsecutiveFailures: 1,
		AutoRecover:            true,
		RecoveryBackoff:        10 * time.Millisecond,
	}, reg, nil)

	mon.CheckAll(context.Background())

	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.provisionCalls == 1 && adapter.terminateCalls == 1
	}, time.Second, 10*time.Millisecond)

	cfg, ok := reg.Get(key)
	require.True(t, ok)
	require.Equal(t, "instance-new", cfg.InstanceID)
}

// flappingAdapter simulates a region that never cleanly reports Healthy:
// every provisioned replacement comes back Stopped on the very next check,
// so recovery must be able to fire again once a fresh failure streak
// accumulates, not just once ever per key.
type flappingAdapter struct {
	mu             sync.Mutex
	terminateCalls int
	provisionCalls int
}

func (a *flappingAdapter) Name() string { return "flapping" }

func (a *flappingAdapter) Provision(ctx context.Context, spec remotedeploy.ResourceSpec, region string) (remotedeploy.Instance, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.provisionCalls++
	id := "instance-" + time.Now().String()
	return remotedeploy.Instance{ID: id, Region: region, Status: remotedeploy.StatusStopped}, nil
}

func (a *flappingAdapter) Terminate(ctx context.Context, instanceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminateCalls++
	return nil
}

func (a *flappingAdapter) Status(ctx context.Context, instanceID string) (remotedeploy.InstanceStatus, error) {
	return remotedeploy.StatusStopped, nil
}

func (a *flappingAdapter) DeployBlueprint(ctx context.Context, instanceID, artifactRef string, env map[string]string) error {
	return nil
}

func (a *flappingAdapter) HealthCheck(ctx context.Context, deployment remotedeploy.RemoteDeploymentConfig) (bool, error) {
	return false, nil
}

func TestMonitorRecoversAgainOnNewFailureStreakAfterFlappingReplacement(t *testing.T) {
	adapter := &flappingAdapter{}
	reg := remotedeploy.NewRegistry(map[string]remotedeploy.CloudProviderAdapter{"flapping": adapter}, nil)
	key := remotedeploy.Key{BlueprintID: 9, ServiceID: 9}
	reg.Register(key, remotedeploy.RemoteDeploymentConfig{Provider: "flapping", InstanceID: "instance-0"})

	mon := New(Config{
		MaxConsecutiveFailures: 1,
		AutoRecover:            true,
		RecoveryBackoff:        time.Millisecond,
	}, reg, nil)

	// First failure streak: recovers once.
	mon.CheckAll(context.Background())
	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.provisionCalls == 1
	}, time.Second, time.Millisecond)

	// The replacement never reports Healthy, so failureCounts resets to 0
	// only via recover()'s own cleanup; the next check starts a brand new
	// streak against the still-Stopped replacement and must recover again.
	mon.CheckAll(context.Background())
	require.Eventually(t, func() bool {
		adapter.mu.Lock()
		defer adapter.mu.Unlock()
		return adapter.provisionCalls == 2 && adapter.terminateCalls == 2
	}, time.Second, time.Millisecond)
}

func TestMonitorDoesNotRecoverBelowThreshold(t *testing.T) {
	adapter := &mockAdapter{status: remotedeploy.StatusStopped}
	reg := remotedeploy.NewRegistry(map[string]remotedeploy.CloudProviderAdapter{"mock": adapter}, nil)
	key := remotedeploy.Key{BlueprintID: 4, ServiceID: 4}
	reg.Register(key, remotedeploy.RemoteDeploymentConfig{Provider: "mock", InstanceID: "instance-x"})

	mon := New(Config{MaxConsecutiveFailures: 3, AutoRecover: true}, reg, nil)
	mon.CheckAll(context.Background())

	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	require.Zero(t, adapter.terminateCalls)
}

func TestMonitorSamplesHostUsageOnlyForLocalProvider(t *testing.T) {
	adapter := &mockAdapter{status: remotedeploy.StatusRunning}
	reg := remotedeploy.NewRegistry(map[string]remotedeploy.CloudProviderAdapter{
		"mock":  adapter,
		"local": adapter,
	}, nil)
	remoteKey := remotedeploy.Key{BlueprintID: 5, ServiceID: 1}
	localKey := remotedeploy.Key{BlueprintID: 5, ServiceID: 2}
	reg.Register(remoteKey, remotedeploy.RemoteDeploymentConfig{Provider: "mock", InstanceID: "inst-remote"})
	reg.Register(localKey, remotedeploy.RemoteDeploymentConfig{Provider: "local", InstanceID: "inst-local"})

	mon := New(Config{}, reg, nil)
	results := mon.CheckAll(context.Background())

	for _, r := range results {
		if r.Key == localKey {
			require.NotNil(t, r.HostUsage)
		} else {
			require.Nil(t, r.HostUsage)
		}
	}
}
