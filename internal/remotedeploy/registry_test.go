package remotedeploy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	name          string
	terminateErr  error
	terminateCalls []string
}

func (f *fakeAdapter) Name() string { return f.name }
func (f *fakeAdapter) Provision(ctx context.Context, spec ResourceSpec, region string) (Instance, error) {
	return Instance{ID: "fake-instance", Region: region, Status: StatusRunning}, nil
}
func (f *fakeAdapter) Terminate(ctx context.Context, instanceID string) error {
	f.terminateCalls = append(f.terminateCalls, instanceID)
	return f.terminateErr
}
func (f *fakeAdapter) Status(ctx context.Context, instanceID string) (InstanceStatus, error) {
	return StatusRunning, nil
}
func (f *fakeAdapter) DeployBlueprint(ctx context.Context, instanceID, artifactRef string, env map[string]string) error {
	return nil
}
func (f *fakeAdapter) HealthCheck(ctx context.Context, deployment RemoteDeploymentConfig) (bool, error) {
	return true, nil
}

func TestRegistryRegisterGetCleanup(t *testing.T) {
	adapter := &fakeAdapter{name: "fake"}
	reg := NewRegistry(map[string]CloudProviderAdapter{"fake": adapter}, nil)

	key := Key{BlueprintID: 1, ServiceID: 2}
	cfg := RemoteDeploymentConfig{Provider: "fake", InstanceID: "inst-1"}
	reg.Register(key, cfg)

	got, ok := reg.Get(key)
	require.True(t, ok)
	require.Equal(t, "inst-1", got.InstanceID)

	require.NoError(t, reg.Cleanup(context.Background(), key))
	_, ok = reg.Get(key)
	require.False(t, ok)
	require.Equal(t, []string{"inst-1"}, adapter.terminateCalls)
}

func TestRegistryCleanupUnregisteredIsNoop(t *testing.T) {
	reg := NewRegistry(nil, nil)
	err := reg.Cleanup(context.Background(), Key{BlueprintID: 9, ServiceID: 9})
	require.NoError(t, err)
}

func TestRegistryCleanupUnknownProviderErrors(t *testing.T) {
	reg := NewRegistry(map[string]CloudProviderAdapter{}, nil)
	key := Key{BlueprintID: 1, ServiceID: 1}
	reg.Register(key, RemoteDeploymentConfig{Provider: "missing"})
	err := reg.Cleanup(context.Background(), key)
	require.Error(t, err)
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry(map[string]CloudProviderAdapter{"fake": &fakeAdapter{name: "fake"}}, nil)
	reg.Register(Key{BlueprintID: 1, ServiceID: 1}, RemoteDeploymentConfig{Provider: "fake"})
	reg.Register(Key{BlueprintID: 1, ServiceID: 2}, RemoteDeploymentConfig{Provider: "fake"})
	require.Len(t, reg.List(), 2)
}
