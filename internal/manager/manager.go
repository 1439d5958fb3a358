// Package manager implements the Blueprint Manager: it reconciles the
// local set of running services against the on-chain desired set for this
// operator, reacting to the Chain Event Source and driving Source
// Resolvers and the VM Hypervisor.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/blueprint"
	"github.com/tangle-network/blueprint-core/internal/chainsource"
	"github.com/tangle-network/blueprint-core/internal/logging"
	"github.com/tangle-network/blueprint-core/internal/resolvers"
)

// MetadataProvider resolves chain identifiers to the metadata needed to
// start a service.
type MetadataProvider interface {
	ServiceMetadata(ctx context.Context, serviceID uint64) (blueprint.ServiceInstance, error)
	RegistrationMetadata(ctx context.Context, blueprintID uint64) (blueprint.ServiceInstance, bool, error)
	OperatorServices(ctx context.Context, operator string) ([]uint64, error)
}

// ServiceSupervisor owns the spawn/health/stop lifecycle of one running
// service (section 4.4, the VM Hypervisor Instance).
type ServiceSupervisor interface {
	Spawn(ctx context.Context, identity blueprint.ServiceIdentity, artifact blueprint.BlueprintArtifact, registrationMode bool) error
	HealthCheck(ctx context.Context, identity blueprint.ServiceIdentity) error
	Stop(ctx context.Context, identity blueprint.ServiceIdentity, grace time.Duration) error
}

// Config configures a Manager.
type Config struct {
	Metadata                   MetadataProvider
	Supervisor                 ServiceSupervisor
	ResolverOptions             resolvers.Options
	RegistrationMode            bool
	RegistrationBlueprintID     uint64
	LocalBuildFallback          *blueprint.BlueprintSource
	LocalBuildFallbackEnabled   bool
	CacheRoot                   string
	StopGrace                   time.Duration
	Operator                    string
	Logger                      *logging.Logger
}

type runningService struct {
	instance blueprint.ServiceInstance
}

// Manager is the reconciler described in spec §4.2.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	active map[uint64]map[uint64]*runningService

	logger *logging.Logger
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	if cfg.StopGrace == 0 {
		cfg.StopGrace = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewFromEnv("manager")
	}
	return &Manager{
		cfg:    cfg,
		active: make(map[uint64]map[uint64]*runningService),
		logger: logger,
	}
}

// Initialize runs the startup behavior of spec §4.2: registration-mode
// single run, or catch-up via the provided snapshot events, falling back
// to a full operator-service scan when no events are available.
func (m *Manager) Initialize(ctx context.Context, snapshot []chainsource.ProtocolEvent) error {
	if m.cfg.RegistrationMode {
		inst, ok, err := m.cfg.Metadata.RegistrationMetadata(ctx, m.cfg.RegistrationBlueprintID)
		if err != nil {
			return apperrors.Wrap(apperrors.KindOther, "failed to resolve registration metadata", err)
		}
		if !ok {
			return apperrors.NotFound("no registration metadata for blueprint")
		}
		inst.RegistrationMode = true
		return m.ensureServiceRunning(ctx, inst)
	}

	found := false
	for _, ev := range snapshot {
		if ev.Kind != chainsource.EventServiceActivated {
			continue
		}
		found = true
		if err := m.handleServiceActivated(ctx, ev.ServiceID); err != nil {
			m.logger.WithError(err).Warn("manager: catch-up activation failed")
		}
	}
	if found {
		return nil
	}

	serviceIDs, err := m.cfg.Metadata.OperatorServices(ctx, m.cfg.Operator)
	if err != nil {
		return apperrors.Wrap(apperrors.KindOther, "failed to scan contract state for operator services", err)
	}
	for _, id := range serviceIDs {
		if err := m.handleServiceActivated(ctx, id); err != nil {
			m.logger.WithError(err).Warn("manager: contract-state scan activation failed")
		}
	}
	return nil
}

// HandleEvent dispatches one ProtocolEvent per spec §4.2.
func (m *Manager) HandleEvent(ctx context.Context, ev chainsource.ProtocolEvent) {
	var err error
	switch ev.Kind {
	case chainsource.EventServiceActivated:
		err = m.handleServiceActivated(ctx, ev.ServiceID)
	case chainsource.EventServiceTerminated:
		err = m.handleServiceTerminated(ctx, ev.ServiceID)
	case chainsource.EventOperatorPreRegistered:
		err = m.handleOperatorPreRegistered(ctx, ev.BlueprintID)
	}
	if err != nil {
		m.logger.WithError(err).WithField("event_kind", string(ev.Kind)).Error("manager: event handler failed")
	}
}

func (m *Manager) handleServiceActivated(ctx context.Context, serviceID uint64) error {
	inst, err := m.cfg.Metadata.ServiceMetadata(ctx, serviceID)
	if err != nil {
		m.logger.WithError(err).WithField("service_id", serviceID).Warn("manager: metadata lookup failed, event consumed")
		return nil
	}
	if m.isRunning(inst.Identity) {
		return nil
	}
	return m.ensureServiceRunning(ctx, inst)
}

func (m *Manager) handleServiceTerminated(ctx context.Context, serviceID uint64) error {
	blueprintID, ok := m.findBlueprintFor(serviceID)
	if !ok {
		return nil
	}
	return m.stopService(ctx, blueprint.ServiceIdentity{BlueprintID: blueprintID, ServiceID: serviceID})
}

func (m *Manager) handleOperatorPreRegistered(ctx context.Context, blueprintID uint64) error {
	inst, ok, err := m.cfg.Metadata.RegistrationMetadata(ctx, blueprintID)
	if err != nil {
		m.logger.WithError(err).WithField("blueprint_id", blueprintID).Warn("manager: registration metadata lookup failed, event consumed")
		return nil
	}
	if !ok {
		return nil
	}
	inst.RegistrationMode = true
	return m.ensureServiceRunning(ctx, inst)
}

// ServiceSourcesUpdated restarts a running service in place when its
// source list changed on-chain. [NEW] per SPEC_FULL §4.2b.
func (m *Manager) ServiceSourcesUpdated(ctx context.Context, serviceID uint64) error {
	blueprintID, ok := m.findBlueprintFor(serviceID)
	if ok {
		if err := m.stopService(ctx, blueprint.ServiceIdentity{BlueprintID: blueprintID, ServiceID: serviceID}); err != nil {
			m.logger.WithError(err).Warn("manager: stop-before-restart failed")
		}
	}
	return m.handleServiceActivated(ctx, serviceID)
}

func (m *Manager) isRunning(id blueprint.ServiceIdentity) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	services, ok := m.active[id.BlueprintID]
	if !ok {
		return false
	}
	_, ok = services[id.ServiceID]
	return ok
}

func (m *Manager) findBlueprintFor(serviceID uint64) (uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for blueprintID, services := range m.active {
		if _, ok := services[serviceID]; ok {
			return blueprintID, true
		}
	}
	return 0, false
}

// ensureServiceRunning implements spec §4.2's idempotent spawn-with-fallback.
func (m *Manager) ensureServiceRunning(ctx context.Context, inst blueprint.ServiceInstance) error {
	if m.isRunning(inst.Identity) {
		return nil
	}

	cacheDir := fmt.Sprintf("%s/%s", m.cfg.CacheRoot, inst.Identity.String())
	var attemptErrs *multierror.Error

	for _, src := range inst.Sources {
		resolver, err := resolvers.ForKind(src.Kind, m.cfg.ResolverOptions)
		if err != nil {
			attemptErrs = multierror.Append(attemptErrs, err)
			continue
		}
		artifact, err := resolver.Resolve(ctx, src, cacheDir)
		if err != nil {
			attemptErrs = multierror.Append(attemptErrs, err)
			continue
		}
		if err := m.cfg.Supervisor.Spawn(ctx, inst.Identity, artifact, inst.RegistrationMode); err != nil {
			attemptErrs = multierror.Append(attemptErrs, err)
			continue
		}
		if err := m.cfg.Supervisor.HealthCheck(ctx, inst.Identity); err != nil {
			attemptErrs = multierror.Append(attemptErrs, err)
			_ = m.cfg.Supervisor.Stop(ctx, inst.Identity, m.cfg.StopGrace)
			continue
		}
		m.recordRunning(inst)
		return nil
	}

	if m.cfg.LocalBuildFallbackEnabled && m.cfg.LocalBuildFallback != nil {
		resolver, _ := resolvers.ForKind(m.cfg.LocalBuildFallback.Kind, m.cfg.ResolverOptions)
		artifact, err := resolver.Resolve(ctx, *m.cfg.LocalBuildFallback, cacheDir)
		if err == nil {
			if err := m.cfg.Supervisor.Spawn(ctx, inst.Identity, artifact, inst.RegistrationMode); err == nil {
				m.recordRunning(inst)
				return nil
			} else {
				attemptErrs = multierror.Append(attemptErrs, err)
			}
		} else {
			attemptErrs = multierror.Append(attemptErrs, err)
		}
	}

	msg := "no source produced a running service"
	if attemptErrs != nil {
		msg = attemptErrs.Error()
	}
	return apperrors.New(apperrors.KindOther, fmt.Sprintf("NoSources: %s", msg)).WithDetail("service", inst.Identity.String())
}

func (m *Manager) recordRunning(inst blueprint.ServiceInstance) {
	inst.Lifecycle = blueprint.LifecycleRunning
	inst.CreatedAt = time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	services, ok := m.active[inst.Identity.BlueprintID]
	if !ok {
		services = make(map[uint64]*runningService)
		m.active[inst.Identity.BlueprintID] = services
	}
	services[inst.Identity.ServiceID] = &runningService{instance: inst}
}

// stopService implements spec §4.2's teardown: remove the record, drop
// the outer blueprint entry if empty, then invoke the bounded-grace
// supervisor shutdown.
func (m *Manager) stopService(ctx context.Context, id blueprint.ServiceIdentity) error {
	m.mu.Lock()
	services, ok := m.active[id.BlueprintID]
	if ok {
		delete(services, id.ServiceID)
		if len(services) == 0 {
			delete(m.active, id.BlueprintID)
		}
	}
	m.mu.Unlock()

	return m.cfg.Supervisor.Stop(ctx, id, m.cfg.StopGrace)
}

// ActiveBlueprints returns a snapshot of the current reconciled state, for
// the admin HTTP surface. [NEW] SPEC_FULL §3.
func (m *Manager) ActiveBlueprints() map[uint64][]blueprint.ServiceInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64][]blueprint.ServiceInstance, len(m.active))
	for blueprintID, services := range m.active {
		list := make([]blueprint.ServiceInstance, 0, len(services))
		for _, svc := range services {
			list = append(list, svc.instance)
		}
		out[blueprintID] = list
	}
	return out
}

// Shutdown stops every running service in parallel with the configured
// grace period, per spec §5's cancellation semantics.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	identities := make([]blueprint.ServiceIdentity, 0)
	for blueprintID, services := range m.active {
		for serviceID := range services {
			identities = append(identities, blueprint.ServiceIdentity{BlueprintID: blueprintID, ServiceID: serviceID})
		}
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range identities {
		wg.Add(1)
		go func(id blueprint.ServiceIdentity) {
			defer wg.Done()
			if err := m.stopService(ctx, id); err != nil {
				m.logger.WithError(err).WithField("service", id.String()).Warn("manager: shutdown stop failed")
			}
		}(id)
	}
	wg.Wait()
}
