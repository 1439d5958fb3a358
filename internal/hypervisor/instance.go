package hypervisor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/blueprint"
)

// Config configures a Supervisor shared by every VM it spawns.
type Config struct {
	RuntimeDirRoot   string
	CacheDirRoot     string
	KernelPath       string
	InitramfsPath    string
	RootfsPath       string
	HypervisorBinary string // default "cloud-hypervisor"
	VirtiofsdBinary  string // default "/usr/lib/virtiofsd"
	MemoryMiB        uint64 // default 4096
	WatchdogInterval time.Duration
	MemoryCeilingMiB uint64 // watchdog warns when vm_info approaches this
	NetworkManager   *NetworkManager
	ProcessStarter   ProcessStarter
	Logger           *zap.Logger

	// ClientFactory builds the Client for a VM's control socket; overridable
	// in tests to avoid dialing a real cloud-hypervisor process.
	ClientFactory func(sockPath string) Client
}

func (c *Config) setDefaults() {
	if c.HypervisorBinary == "" {
		c.HypervisorBinary = "cloud-hypervisor"
	}
	if c.VirtiofsdBinary == "" {
		c.VirtiofsdBinary = "/usr/lib/virtiofsd"
	}
	if c.MemoryMiB == 0 {
		c.MemoryMiB = 4096
	}
	if c.WatchdogInterval == 0 {
		c.WatchdogInterval = 5 * time.Second
	}
	if c.ProcessStarter == nil {
		c.ProcessStarter = DefaultProcessStarter
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.ClientFactory == nil {
		c.ClientFactory = NewClient
	}
}

// runningVM tracks every resource a spawned VM owns, so Stop can release
// all of them regardless of how far Spawn got before succeeding.
type runningVM struct {
	identity blueprint.ServiceIdentity

	client Client

	sockPath         string
	binaryImagePath  string
	cloudInitImgPath string

	hypervisorProc Process
	dataVirtio     Process
	keystoreVirtio Process

	lease *Lease

	watchdogStop chan struct{}
	watchdogDone chan struct{}

	registrationMode bool
}

// Supervisor implements the VM Hypervisor Instance (spec §4.4): one
// Cloud Hypervisor VM per running service, with its own control socket,
// filesystem-sharing helpers, TAP interface, and vsock bridge.
type Supervisor struct {
	cfg Config

	mu  sync.Mutex
	vms map[blueprint.ServiceIdentity]*runningVM
}

// NewSupervisor constructs a Supervisor. It implements manager.ServiceSupervisor.
func NewSupervisor(cfg Config) *Supervisor {
	cfg.setDefaults()
	return &Supervisor{cfg: cfg, vms: make(map[blueprint.ServiceIdentity]*runningVM)}
}

func (s *Supervisor) serviceDir(root string, id blueprint.ServiceIdentity) string {
	return filepath.Join(root, fmt.Sprintf("%d-%d", id.BlueprintID, id.ServiceID))
}

// Spawn implements manager.ServiceSupervisor: it creates, prepares, and
// boots exactly one VM for (blueprintId, serviceId). Every resource it
// acquires is released on any failure path before returning an error
// (spec §9 "scoped resource release").
func (s *Supervisor) Spawn(ctx context.Context, id blueprint.ServiceIdentity, artifact blueprint.BlueprintArtifact, registrationMode bool) error {
	s.mu.Lock()
	if _, exists := s.vms[id]; exists {
		s.mu.Unlock()
		return apperrors.AlreadyExists("a VM is already running for this service")
	}
	s.mu.Unlock()

	runtimeDir := s.serviceDir(s.cfg.RuntimeDirRoot, id)
	cacheDir := s.serviceDir(s.cfg.CacheDirRoot, id)
	dataDir := filepath.Join(cacheDir, "data")
	keystoreDir := filepath.Join(cacheDir, "keystore")
	for _, dir := range []string{runtimeDir, cacheDir, dataDir, keystoreDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperrors.Hypervisor("failed to create service runtime directories", err)
		}
	}

	vm := &runningVM{identity: id, registrationMode: registrationMode}
	release := func() { s.teardown(ctx, vm, 0) }

	sockPath := filepath.Join(runtimeDir, "ch-api.sock")
	vm.sockPath = sockPath

	stdout, err := os.OpenFile(filepath.Join(cacheDir, "service.log.stdout"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperrors.Hypervisor("failed to open stdout log", err)
	}
	stderr, err := os.OpenFile(filepath.Join(cacheDir, "service.log.stderr"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		stdout.Close()
		return apperrors.Hypervisor("failed to open stderr log", err)
	}
	release = func() {
		s.teardown(ctx, vm, 0)
		stdout.Close()
		stderr.Close()
	}

	hvProc, err := s.cfg.ProcessStarter.Start(ctx, s.cfg.HypervisorBinary, []string{"--api-socket", sockPath}, stdout, stderr)
	if err != nil {
		release()
		return apperrors.Hypervisor("failed to spawn cloud-hypervisor", err)
	}
	vm.hypervisorProc = hvProc

	dataSock := filepath.Join(runtimeDir, "data-dir.sock")
	dataVirtio, err := s.cfg.ProcessStarter.Start(ctx, "unshare", virtiofsdArgs(s.cfg.VirtiofsdBinary, dataSock, dataDir), stdout, stderr)
	if err != nil {
		release()
		return apperrors.Hypervisor("failed to spawn data-dir filesystem helper", err)
	}
	vm.dataVirtio = dataVirtio

	keystoreSock := filepath.Join(runtimeDir, "keystore.sock")
	keystoreVirtio, err := s.cfg.ProcessStarter.Start(ctx, "unshare", virtiofsdArgs(s.cfg.VirtiofsdBinary, keystoreSock, keystoreDir), stdout, stderr)
	if err != nil {
		release()
		return apperrors.Hypervisor("failed to spawn keystore filesystem helper", err)
	}
	vm.keystoreVirtio = keystoreVirtio

	if err := s.prepare(ctx, vm, runtimeDir, cacheDir, dataDir, keystoreDir, dataSock, keystoreSock, artifact, id); err != nil {
		release()
		return err
	}

	vm.client = s.cfg.ClientFactory(sockPath)
	if err := vm.client.Ping(ctx); err != nil {
		release()
		return apperrors.Hypervisor("cloud-hypervisor control socket not responding after spawn", err)
	}
	if err := vm.client.BootVM(ctx); err != nil {
		release()
		return apperrors.Hypervisor("boot_vm failed", err)
	}

	vm.watchdogStop = make(chan struct{})
	vm.watchdogDone = make(chan struct{})
	go s.watchdog(vm)

	s.mu.Lock()
	s.vms[id] = vm
	s.mu.Unlock()
	return nil
}

// prepare builds the two FAT images, acquires a TAP lease, and issues
// vm.create (spec §4.4 step 2).
func (s *Supervisor) prepare(ctx context.Context, vm *runningVM, runtimeDir, cacheDir, dataDir, keystoreDir, dataSock, keystoreSock string, artifact blueprint.BlueprintArtifact, id blueprint.ServiceIdentity) error {
	vm.binaryImagePath = filepath.Join(cacheDir, "bin.img")
	vm.cloudInitImgPath = filepath.Join(cacheDir, "cloud-init.img")

	launcher := renderLauncher(dataDir, keystoreDir, artifact.Env, artifact.Args)
	binFiles := []fatFile{
		{name: "launch", data: []byte(launcher)},
	}
	if artifact.ExecutablePath != "" {
		binFiles = append(binFiles, fatFile{name: "service", path: artifact.ExecutablePath})
	}
	if err := buildFatImage(vm.binaryImagePath, "SERVICEDISK", binFiles); err != nil {
		return err
	}

	instanceID := instanceIDFor(id)
	metaData := renderCloudInitMetaData(instanceID)
	ciFiles := []fatFile{
		{name: "user-data", data: []byte(cloudInitUserData)},
		{name: "meta-data", data: []byte(metaData)},
	}
	if err := buildFatImage(vm.cloudInitImgPath, "CIDATA     ", ciFiles); err != nil {
		return err
	}

	var lease *Lease
	var tap string
	if s.cfg.NetworkManager != nil {
		var err error
		lease, tap, err = s.cfg.NetworkManager.NewTapInterface(ctx, instanceID)
		if err != nil {
			return err
		}
	}
	vm.lease = lease

	bridgeSockPath := filepath.Join(runtimeDir, "vsock-bridge.sock")
	cfg := VMConfig{
		Memory: MemoryConfig{SizeBytes: s.cfg.MemoryMiB * 1024 * 1024, Shared: true},
		Payload: PayloadConfig{
			Kernel:    s.cfg.KernelPath,
			Initramfs: s.cfg.InitramfsPath,
			Cmdline:   "root=/dev/vda1 rw console=ttyS0",
		},
		Disks: []DiskConfig{
			{Path: s.cfg.RootfsPath, ReadOnly: false, Direct: true},
			{Path: vm.cloudInitImgPath, ReadOnly: true, Direct: true},
			{Path: vm.binaryImagePath, ReadOnly: true, Direct: true},
		},
		Fs: []FsConfig{
			{Tag: dataDirVirtioTag, Socket: dataSock},
			{Tag: keystoreVirtioTag, Socket: keystoreSock},
		},
		Serial:  ConsoleConfig{Mode: ConsoleModeFile, File: filepath.Join(cacheDir, "guest.log")},
		Console: ConsoleConfig{Mode: ConsoleModeOff},
		Vsock:   &VsockConfig{CID: int64(instanceCID(instanceID)), Socket: bridgeSockPath},
	}
	if tap != "" {
		net := NetConfig{Tap: tap}
		if lease != nil && lease.Addr() != nil {
			net.IP = lease.Addr().String()
		}
		cfg.Net = []NetConfig{net}
	}

	client := s.cfg.ClientFactory(vm.sockPath)
	if err := client.Ping(ctx); err != nil {
		return apperrors.Hypervisor("cloud-hypervisor control socket not responding before create_vm", err)
	}
	if err := client.CreateVM(ctx, cfg); err != nil {
		return err
	}
	return nil
}

func instanceIDFor(id blueprint.ServiceIdentity) uint32 {
	return uint32(id.BlueprintID<<16) ^ uint32(id.ServiceID)
}

func virtiofsdArgs(binary, socketPath, sharedDir string) []string {
	return []string{
		"-r", "--map-auto", "--",
		binary,
		"--sandbox", "chroot",
		fmt.Sprintf("--socket-path=%s", socketPath),
		fmt.Sprintf("--shared-dir=%s", sharedDir),
	}
}

// HealthCheck implements manager.ServiceSupervisor: the VM is healthy as
// long as its control socket answers.
func (s *Supervisor) HealthCheck(ctx context.Context, id blueprint.ServiceIdentity) error {
	s.mu.Lock()
	vm, ok := s.vms[id]
	s.mu.Unlock()
	if !ok {
		return apperrors.NotFound("no VM running for this service")
	}
	if err := vm.client.Ping(ctx); err != nil {
		return apperrors.Hypervisor("VM health check failed", err)
	}
	return nil
}

// Stop implements manager.ServiceSupervisor: the bounded, 30s-grace
// shutdown sequence of spec §4.4 step 4.
func (s *Supervisor) Stop(ctx context.Context, id blueprint.ServiceIdentity, grace time.Duration) error {
	s.mu.Lock()
	vm, ok := s.vms[id]
	if ok {
		delete(s.vms, id)
	}
	s.mu.Unlock()
	if !ok {
		return apperrors.NotFound("no VM running for this service")
	}
	s.teardown(ctx, vm, grace)
	return nil
}

// teardown runs every release step defensively: it never assumes a prior
// step succeeded, since it's also the failure-path cleanup invoked from
// Spawn.
func (s *Supervisor) teardown(ctx context.Context, vm *runningVM, grace time.Duration) {
	if grace == 0 {
		grace = 30 * time.Second
	}

	if vm.watchdogStop != nil {
		close(vm.watchdogStop)
		select {
		case <-vm.watchdogDone:
		case <-time.After(2 * time.Second):
		}
	}

	if vm.client != nil {
		_ = vm.client.PowerButton(ctx)

		deadline := time.Now().Add(grace)
		for time.Now().Before(deadline) {
			_, err := vm.client.VMInfo(ctx)
			if err != nil && apperrors.Is(err, apperrors.KindNotFound) {
				break
			}
			time.Sleep(500 * time.Millisecond)
		}

		if vm.sockPath != "" {
			_ = os.Remove(vm.sockPath)
		}

		if err := vm.client.ShutdownVMM(ctx); err != nil && vm.hypervisorProc != nil {
			s.cfg.Logger.Warn("vmm.shutdown failed, killing hypervisor process",
				zap.String("service", vm.identity.String()), zap.Error(err))
			_ = vm.hypervisorProc.Kill()
		}
	}

	if vm.client == nil && vm.hypervisorProc != nil {
		_ = vm.hypervisorProc.Kill()
	}
	if vm.hypervisorProc != nil {
		_ = vm.hypervisorProc.Wait()
	}

	reapHelper(vm.dataVirtio)
	reapHelper(vm.keystoreVirtio)

	if vm.lease != nil {
		vm.lease.Release()
	}
}

// reapHelper sends SIGINT then waits, never relying on GC to kill the
// child (spec §9 "do not rely on GC/drop to kill them; reap explicitly").
func reapHelper(p Process) {
	if p == nil {
		return
	}
	_ = p.Signal(syscall.SIGINT)
	_ = p.Wait()
}

// watchdog polls vm_info on an interval and logs when resident memory
// approaches the configured ceiling. [NEW] per SPEC_FULL §4.4b.
func (s *Supervisor) watchdog(vm *runningVM) {
	defer close(vm.watchdogDone)
	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-vm.watchdogStop:
			return
		case <-ticker.C:
			info, err := vm.client.VMInfo(context.Background())
			if err != nil {
				continue
			}
			if s.cfg.MemoryCeilingMiB > 0 && info.MemoryMiB >= s.cfg.MemoryCeilingMiB*9/10 {
				s.cfg.Logger.Warn("vm memory approaching ceiling",
					zap.String("service", vm.identity.String()),
					zap.Uint64("memory_mib", info.MemoryMiB),
					zap.Uint64("ceiling_mib", s.cfg.MemoryCeilingMiB))
			}
		}
	}
}

// ActiveCount reports how many VMs this supervisor currently owns, for
// the admin introspection surface.
func (s *Supervisor) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.vms)
}
