package hypervisor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/blueprint"
)

type fakeProcess struct {
	killed  bool
	signals []syscall.Signal
}

func (p *fakeProcess) Pid() int { return 1234 }
func (p *fakeProcess) Signal(sig syscall.Signal) error {
	p.signals = append(p.signals, sig)
	return nil
}
func (p *fakeProcess) Wait() error { return nil }
func (p *fakeProcess) Kill() error { p.killed = true; return nil }

type fakeProcessStarter struct {
	started []string
}

func (f *fakeProcessStarter) Start(ctx context.Context, name string, args []string, stdout, stderr io.Writer) (Process, error) {
	f.started = append(f.started, name)
	return &fakeProcess{}, nil
}

type fakeHVClient struct {
	booted    bool
	infoCalls int
	gone      bool
}

func (f *fakeHVClient) Ping(ctx context.Context) error           { return nil }
func (f *fakeHVClient) CreateVM(ctx context.Context, cfg VMConfig) error { return nil }
func (f *fakeHVClient) BootVM(ctx context.Context) error          { f.booted = true; return nil }
func (f *fakeHVClient) PowerButton(ctx context.Context) error     { f.gone = true; return nil }
func (f *fakeHVClient) VMInfo(ctx context.Context) (VMInfo, error) {
	f.infoCalls++
	if f.gone {
		return VMInfo{}, apperrors.NotFound("vm gone")
	}
	return VMInfo{State: "Running", MemoryMiB: 1024}, nil
}
func (f *fakeHVClient) ShutdownVMM(ctx context.Context) error { return nil }

func newTestSupervisor(t *testing.T) (*Supervisor, *fakeHVClient) {
	t.Helper()
	root := t.TempDir()
	client := &fakeHVClient{}
	starter := &fakeProcessStarter{}
	cfg := Config{
		RuntimeDirRoot: filepath.Join(root, "run"),
		CacheDirRoot:   filepath.Join(root, "cache"),
		RootfsPath:     filepath.Join(root, "rootfs.raw"),
		ProcessStarter: starter,
		ClientFactory:  func(string) Client { return client },
	}
	return NewSupervisor(cfg), client
}

func TestSupervisorSpawnHealthCheckStop(t *testing.T) {
	sup, client := newTestSupervisor(t)
	id := blueprint.ServiceIdentity{BlueprintID: 1, ServiceID: 2}

	binDir := t.TempDir()
	binPath := filepath.Join(binDir, "service-bin")
	require.NoError(t, os.WriteFile(binPath, []byte("fake-binary"), 0o755))

	artifact := blueprint.BlueprintArtifact{
		ExecutablePath: binPath,
		Env:            blueprint.EnvContract{"FOO": "bar"},
		Args:           []string{"--serve"},
	}

	err := sup.Spawn(context.Background(), id, artifact, false)
	require.NoError(t, err)
	require.True(t, client.booted)
	require.Equal(t, 1, sup.ActiveCount())

	require.NoError(t, sup.HealthCheck(context.Background(), id))

	err = sup.Stop(context.Background(), id, 2*time.Second)
	require.NoError(t, err)
	require.True(t, client.gone)
	require.Equal(t, 0, sup.ActiveCount())

	require.Error(t, sup.HealthCheck(context.Background(), id))
}

func TestSupervisorSpawnDuplicateRejected(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	id := blueprint.ServiceIdentity{BlueprintID: 1, ServiceID: 2}
	binDir := t.TempDir()
	binPath := filepath.Join(binDir, "service-bin")
	require.NoError(t, os.WriteFile(binPath, []byte("x"), 0o755))
	artifact := blueprint.BlueprintArtifact{ExecutablePath: binPath}

	require.NoError(t, sup.Spawn(context.Background(), id, artifact, false))
	err := sup.Spawn(context.Background(), id, artifact, false)
	require.True(t, apperrors.Is(err, apperrors.KindAlreadyExists))
}
