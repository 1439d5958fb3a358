// Package healthmonitor implements the periodic health checks and
// auto-recovery loop for remotely deployed instances (spec §4.9).
package healthmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tangle-network/blueprint-core/internal/logging"
	"github.com/tangle-network/blueprint-core/internal/remotedeploy"
)

// Status is the monitor's judgement of one deployment's health, distinct
// from the cloud adapter's raw InstanceStatus.
type Status string

const (
	Healthy   Status = "Healthy"
	Degraded  Status = "Degraded"
	Unhealthy Status = "Unhealthy"
	Unknown   Status = "Unknown"
)

// CheckResult is one health check's outcome for one deployment.
type CheckResult struct {
	Key                 remotedeploy.Key
	Status               Status
	InstanceStatus       remotedeploy.InstanceStatus
	LastCheck            time.Time
	ConsecutiveFailures  uint32
	Message              string
	HostUsage            *HostUsage
}

// HostUsage supplements an adapter's reported instance status with
// host-side signals sampled directly on this node. Populated only when
// the deployment is co-located with the monitor (Provider == "local"),
// since remote cloud instances aren't observable this way.
type HostUsage struct {
	CPUPercent    float64
	MemoryPercent float64
}

// sampleHostUsage reads local CPU/memory pressure for co-located
// deployments, where an adapter's own Status call can't see host-level
// contention the VM itself might be suffering from.
func sampleHostUsage() *HostUsage {
	cpuPercents, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercents) == 0 {
		return nil
	}
	vmem, err := mem.VirtualMemory()
	if err != nil {
		return nil
	}
	return &HostUsage{CPUPercent: cpuPercents[0], MemoryPercent: vmem.UsedPercent}
}

func statusFromInstanceStatus(s remotedeploy.InstanceStatus) Status {
	switch s {
	case remotedeploy.StatusRunning:
		return Healthy
	case remotedeploy.StatusStarting:
		return Degraded
	case remotedeploy.StatusStopping, remotedeploy.StatusStopped, remotedeploy.StatusTerminated:
		return Unhealthy
	default:
		return Unknown
	}
}

// Config controls the monitor's cadence and recovery policy (mirrors
// config.HealthConfig).
type Config struct {
	CheckInterval          time.Duration
	MaxConsecutiveFailures uint32
	AutoRecover            bool
	// RecoveryBackoff is the pause between terminating a replaced instance
	// and provisioning its replacement. Spec §4.9 fixes this at 10s.
	RecoveryBackoff time.Duration
}

func (c *Config) setDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 60 * time.Second
	}
	if c.MaxConsecutiveFailures == 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.RecoveryBackoff <= 0 {
		c.RecoveryBackoff = 10 * time.Second
	}
}

// Monitor polls every registry entry's instance status, tracks
// consecutive-failure streaks per key, and (when enabled) drives
// terminate-then-reprovision recovery at most once per streak.
type Monitor struct {
	cfg      Config
	registry *remotedeploy.Registry
	logger   *logging.Logger

	mu             sync.Mutex
	failureCounts  map[remotedeploy.Key]uint32
	recoveredAt    map[remotedeploy.Key]bool

	cron *cron.Cron
}

// New constructs a Monitor against registry, applying default cadence and
// failure-threshold values for any zero fields in cfg.
func New(cfg Config, registry *remotedeploy.Registry, logger *logging.Logger) *Monitor {
	cfg.setDefaults()
	if logger == nil {
		logger = logging.NewFromEnv("healthmonitor")
	}
	return &Monitor{
		cfg:           cfg,
		registry:      registry,
		logger:        logger,
		failureCounts: make(map[remotedeploy.Key]uint32),
		recoveredAt:   make(map[remotedeploy.Key]bool),
	}
}

// Start runs CheckAll on cfg.CheckInterval until Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	m.cron = cron.New()
	_, _ = m.cron.AddFunc("@every "+m.cfg.CheckInterval.String(), func() {
		m.CheckAll(ctx)
	})
	m.cron.Start()
}

// Stop halts the periodic loop.
func (m *Monitor) Stop() {
	if m.cron != nil {
		m.cron.Stop()
	}
}

// CheckAll checks every deployment currently in the registry, one at a
// time, updating failure streaks and triggering recovery as needed.
func (m *Monitor) CheckAll(ctx context.Context) []CheckResult {
	deployments := m.registry.List()
	results := make([]CheckResult, 0, len(deployments))
	for _, dep := range deployments {
		results = append(results, m.checkOne(ctx, dep))
	}
	return results
}

func (m *Monitor) checkOne(ctx context.Context, dep remotedeploy.RemoteDeploymentConfig) CheckResult {
	key := dep.Key
	fields := map[string]interface{}{
		"blueprint_id": key.BlueprintID,
		"service_id":   key.ServiceID,
		"provider":     dep.Provider,
	}

	adapter, ok := m.registry.Adapter(dep.Provider)
	if !ok {
		m.logger.WithFields(fields).Warn("healthmonitor: no adapter registered for provider")
		return CheckResult{Key: key, Status: Unknown, LastCheck: time.Now(), Message: "no adapter for provider"}
	}

	instanceStatus, err := adapter.Status(ctx, dep.InstanceID)
	if err != nil {
		m.logger.WithFields(fields).WithError(err).Warn("healthmonitor: failed to fetch instance status")
		return CheckResult{Key: key, Status: Unknown, LastCheck: time.Now(), Message: err.Error()}
	}

	status := statusFromInstanceStatus(instanceStatus)
	result := CheckResult{
		Key:            key,
		Status:         status,
		InstanceStatus: instanceStatus,
		LastCheck:      time.Now(),
	}
	if dep.Provider == "local" {
		result.HostUsage = sampleHostUsage()
	}

	m.mu.Lock()
	switch status {
	case Healthy:
		delete(m.failureCounts, key)
		delete(m.recoveredAt, key)
		m.mu.Unlock()
		m.logger.WithFields(fields).Info("healthmonitor: deployment healthy")
		return result
	case Degraded:
		m.failureCounts[key]++
		result.ConsecutiveFailures = m.failureCounts[key]
		m.mu.Unlock()
		m.logger.WithFields(fields).Warn("healthmonitor: deployment degraded")
		return result
	case Unhealthy:
		m.failureCounts[key]++
		failures := m.failureCounts[key]
		result.ConsecutiveFailures = failures
		alreadyRecovered := m.recoveredAt[key]
		shouldRecover := m.cfg.AutoRecover && failures >= m.cfg.MaxConsecutiveFailures && !alreadyRecovered
		if shouldRecover {
			m.recoveredAt[key] = true
		}
		m.mu.Unlock()

		m.logger.WithFields(fields).Warn("healthmonitor: deployment unhealthy")
		if shouldRecover {
			if err := m.recover(ctx, dep, adapter); err != nil {
				m.logger.WithFields(fields).WithError(err).Error("healthmonitor: auto-recovery failed")
				result.Message = err.Error()
			}
		}
		return result
	default:
		m.mu.Unlock()
		m.logger.WithFields(fields).Warn("healthmonitor: unable to determine deployment health")
		return result
	}
}

// recover terminates the unhealthy instance, waits RecoveryBackoff, then
// reprovisions a replacement and updates the registry record in place.
// Matches the terminate -> sleep -> reprovision sequence from the original
// health monitor.
func (m *Monitor) recover(ctx context.Context, dep remotedeploy.RemoteDeploymentConfig, adapter remotedeploy.CloudProviderAdapter) error {
	key := dep.Key
	if err := adapter.Terminate(ctx, dep.InstanceID); err != nil {
		m.logger.WithFields(map[string]interface{}{
			"blueprint_id": key.BlueprintID,
			"service_id":   key.ServiceID,
		}).WithError(err).Warn("healthmonitor: failed to terminate unhealthy instance before recovery")
	}

	select {
	case <-time.After(m.cfg.RecoveryBackoff):
	case <-ctx.Done():
		return ctx.Err()
	}

	region := dep.Region
	instance, err := adapter.Provision(ctx, dep.ResourceSpec, region)
	if err != nil {
		return err
	}

	dep.InstanceID = instance.ID
	dep.Region = instance.Region
	dep.DeployedAt = time.Now()
	m.registry.Register(key, dep)

	m.mu.Lock()
	delete(m.failureCounts, key)
	delete(m.recoveredAt, key)
	m.mu.Unlock()

	m.logger.WithFields(map[string]interface{}{
		"blueprint_id": key.BlueprintID,
		"service_id":   key.ServiceID,
		"new_instance": instance.ID,
	}).Info("healthmonitor: recovered deployment with replacement instance")
	return nil
}

// IsHealthy reports whether key's most recent instance status resolves to
// Healthy, fetching a fresh status rather than relying on cached state.
func (m *Monitor) IsHealthy(ctx context.Context, key remotedeploy.Key) (bool, error) {
	dep, ok := m.registry.Get(key)
	if !ok {
		return false, nil
	}
	result := m.checkOne(ctx, dep)
	return result.Status == Healthy, nil
}
