// Package remotedeploy implements the Remote Deployment Registry (spec
// §4.8): tracking externally-provisioned instances per (blueprintId,
// serviceId), enforcing TTL, and coordinating termination with cloud
// adapters.
package remotedeploy

import (
	"context"
	"time"
)

// InstanceStatus is a cloud adapter's view of one provisioned instance.
type InstanceStatus string

const (
	StatusRunning     InstanceStatus = "Running"
	StatusStarting    InstanceStatus = "Starting"
	StatusStopping    InstanceStatus = "Stopping"
	StatusStopped     InstanceStatus = "Stopped"
	StatusTerminated  InstanceStatus = "Terminated"
	StatusUnknown     InstanceStatus = "Unknown"
)

// ResourceSpec describes the compute shape a deployment requires.
type ResourceSpec struct {
	VCPUs    uint32
	MemoryMB uint64
	DiskGB   uint64
	GPUCount uint32
}

// Instance is what a CloudProviderAdapter hands back from Provision.
type Instance struct {
	ID     string
	Region string
	Status InstanceStatus
}

// Key identifies one service's remote deployment slot.
type Key struct {
	BlueprintID uint64
	ServiceID   uint64
}

// RemoteDeploymentConfig is the registry's stored record for one key (spec
// §3 "RemoteDeploymentConfig").
type RemoteDeploymentConfig struct {
	Key          Key
	Provider     string
	Region       string
	InstanceID   string
	ResourceSpec ResourceSpec
	TTLSeconds   uint64
	DeployedAt   time.Time
}

// CloudProviderAdapter is the abstract boundary to a specific cloud (spec
// §4.8). Each concrete adapter must make Terminate idempotent: terminating
// an already-terminated or unknown instance is not an error.
type CloudProviderAdapter interface {
	Name() string
	Provision(ctx context.Context, spec ResourceSpec, region string) (Instance, error)
	Terminate(ctx context.Context, instanceID string) error
	Status(ctx context.Context, instanceID string) (InstanceStatus, error)
	DeployBlueprint(ctx context.Context, instanceID string, artifactRef string, env map[string]string) error
	HealthCheck(ctx context.Context, deployment RemoteDeploymentConfig) (bool, error)
}

// RegionLister is an optional capability: adapters that can enumerate
// their provider-native regions implement it for CLI convenience.
// [NEW] per SPEC_FULL §4.8b.
type RegionLister interface {
	ListRegions(ctx context.Context) ([]string, error)
}
