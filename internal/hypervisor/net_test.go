package hypervisor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeTapCreator struct {
	created []string
	deleted []string
}

func (f *fakeTapCreator) CreateTap(ctx context.Context, name string) error {
	f.created = append(f.created, name)
	return nil
}

func (f *fakeTapCreator) DeleteTap(ctx context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func TestNetworkManagerLeaseLifecycle(t *testing.T) {
	creator := &fakeTapCreator{}
	nm := NewNetworkManager(creator, "")

	lease, tap, err := nm.NewTapInterface(context.Background(), 7)
	require.NoError(t, err)
	require.NotEmpty(t, tap)
	require.NotNil(t, lease.Addr())
	require.Contains(t, creator.created, tap)

	lease.Release()
	require.Contains(t, creator.deleted, tap)

	// Idempotent: releasing twice must not double-delete.
	lease.Release()
	require.Len(t, creator.deleted, 1)
}

func TestInstanceCIDOffsetsReservedCIDs(t *testing.T) {
	require.Equal(t, uint32(3), instanceCID(0))
	require.Equal(t, uint32(10), instanceCID(7))
}
