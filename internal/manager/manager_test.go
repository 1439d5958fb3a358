package manager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/blueprint"
	"github.com/tangle-network/blueprint-core/internal/chainsource"
	"github.com/tangle-network/blueprint-core/internal/resolvers"
)

type fakeMetadata struct {
	services      map[uint64]blueprint.ServiceInstance
	registration  map[uint64]blueprint.ServiceInstance
	operatorSvcs  []uint64
}

func (f *fakeMetadata) ServiceMetadata(ctx context.Context, serviceID uint64) (blueprint.ServiceInstance, error) {
	inst, ok := f.services[serviceID]
	if !ok {
		return blueprint.ServiceInstance{}, apperrors.NotFound("no such service")
	}
	return inst, nil
}

func (f *fakeMetadata) RegistrationMetadata(ctx context.Context, blueprintID uint64) (blueprint.ServiceInstance, bool, error) {
	inst, ok := f.registration[blueprintID]
	return inst, ok, nil
}

func (f *fakeMetadata) OperatorServices(ctx context.Context, operator string) ([]uint64, error) {
	return f.operatorSvcs, nil
}

type fakeSupervisor struct {
	spawned map[string]bool
	failHealth bool
}

func (f *fakeSupervisor) Spawn(ctx context.Context, id blueprint.ServiceIdentity, artifact blueprint.BlueprintArtifact, registrationMode bool) error {
	if f.spawned == nil {
		f.spawned = map[string]bool{}
	}
	f.spawned[id.String()] = true
	return nil
}

func (f *fakeSupervisor) HealthCheck(ctx context.Context, id blueprint.ServiceIdentity) error {
	if f.failHealth {
		return apperrors.Hypervisor("unhealthy", nil)
	}
	return nil
}

func (f *fakeSupervisor) Stop(ctx context.Context, id blueprint.ServiceIdentity, grace time.Duration) error {
	if f.spawned != nil {
		delete(f.spawned, id.String())
	}
	return nil
}

func testSource() blueprint.BlueprintSource {
	return blueprint.BlueprintSource{Kind: blueprint.SourceContainer, Image: "svc", ImageDigest: "sha256:abc"}
}

func TestEnsureServiceRunningIsIdempotent(t *testing.T) {
	identity := blueprint.ServiceIdentity{BlueprintID: 1, ServiceID: 1}
	meta := &fakeMetadata{services: map[uint64]blueprint.ServiceInstance{
		1: {Identity: identity, Sources: []blueprint.BlueprintSource{testSource()}},
	}}
	sup := &fakeSupervisor{}
	m := New(Config{Metadata: meta, Supervisor: sup, CacheRoot: t.TempDir()})

	m.HandleEvent(context.Background(), chainsource.ProtocolEvent{Kind: chainsource.EventServiceActivated, ServiceID: 1})
	m.HandleEvent(context.Background(), chainsource.ProtocolEvent{Kind: chainsource.EventServiceActivated, ServiceID: 1})

	assert.Len(t, sup.spawned, 1)
	running := m.ActiveBlueprints()[1]
	require.Len(t, running, 1)
	assert.Equal(t, identity, running[0].Identity)
}

func TestEnsureServiceRunningTriesNextSourceOnHealthFailure(t *testing.T) {
	identity := blueprint.ServiceIdentity{BlueprintID: 1, ServiceID: 2}
	meta := &fakeMetadata{services: map[uint64]blueprint.ServiceInstance{
		2: {Identity: identity, Sources: []blueprint.BlueprintSource{testSource(), testSource()}},
	}}
	sup := &fakeSupervisor{failHealth: true}
	m := New(Config{Metadata: meta, Supervisor: sup, CacheRoot: t.TempDir(), ResolverOptions: resolvers.Options{}})

	err := m.ensureServiceRunning(context.Background(), meta.services[2])
	require.Error(t, err)
	assert.Equal(t, apperrors.KindOther, apperrors.KindOf(err))
	assert.Contains(t, err.Error(), "2 errors occurred")
}

func TestStopServiceRemovesEmptyBlueprintEntry(t *testing.T) {
	identity := blueprint.ServiceIdentity{BlueprintID: 5, ServiceID: 9}
	meta := &fakeMetadata{services: map[uint64]blueprint.ServiceInstance{
		9: {Identity: identity, Sources: []blueprint.BlueprintSource{testSource()}},
	}}
	sup := &fakeSupervisor{}
	m := New(Config{Metadata: meta, Supervisor: sup, CacheRoot: t.TempDir()})

	require.NoError(t, m.ensureServiceRunning(context.Background(), meta.services[9]))
	require.NoError(t, m.stopService(context.Background(), identity))

	assert.Empty(t, m.ActiveBlueprints())
}

func TestRegistrationModeRunsOnceAndExits(t *testing.T) {
	identity := blueprint.ServiceIdentity{BlueprintID: 7, ServiceID: 0}
	meta := &fakeMetadata{registration: map[uint64]blueprint.ServiceInstance{
		7: {Identity: identity, Sources: []blueprint.BlueprintSource{testSource()}},
	}}
	sup := &fakeSupervisor{}
	m := New(Config{Metadata: meta, Supervisor: sup, CacheRoot: t.TempDir(), RegistrationMode: true, RegistrationBlueprintID: 7})

	require.NoError(t, m.Initialize(context.Background(), nil))
	assert.Len(t, sup.spawned, 1)
}
