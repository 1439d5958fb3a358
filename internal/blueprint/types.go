// Package blueprint defines the core data model shared by the Blueprint
// Manager, Source Resolvers, and VM Hypervisor: service identity, source
// descriptors, and the artifacts resolvers hand to the hypervisor.
package blueprint

import "time"

// Lifecycle is the state of a ServiceInstance.
type Lifecycle string

const (
	LifecyclePending     Lifecycle = "pending"
	LifecycleRunning     Lifecycle = "running"
	LifecycleTerminating Lifecycle = "terminating"
	LifecycleGone        Lifecycle = "gone"
)

// SourceKind distinguishes the variants of BlueprintSource.
type SourceKind string

const (
	SourceTesting   SourceKind = "testing"
	SourceGithub    SourceKind = "github"
	SourceContainer SourceKind = "container"
	SourceRemote    SourceKind = "remote"
)

// BlueprintSource is one entry in a service's ordered source list. Only the
// fields relevant to Kind are populated; the Manager walks sources in
// order until one resolves and spawns successfully.
type BlueprintSource struct {
	Kind SourceKind

	// Testing
	WorkspacePath string
	BuildCommand  []string

	// Github
	Repo          string
	Tag           string
	AssetPattern  string
	BinaryHashHex string // optional; absence triggers a CLI warning

	// Container
	Image       string
	ImageDigest string

	// Remote
	URL         string
	ChecksumHex string

	// Env contract required by the launcher regardless of source kind.
	RequiredEnv []string
	Args        []string
}

// ServiceIdentity pairs a blueprint with one of its running services.
type ServiceIdentity struct {
	BlueprintID uint64
	ServiceID   uint64
}

func (s ServiceIdentity) String() string {
	return identityKey(s.BlueprintID, s.ServiceID)
}

func identityKey(blueprintID, serviceID uint64) string {
	return uint64ToString(blueprintID) + "/" + uint64ToString(serviceID)
}

func uint64ToString(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// ServiceInstance is the desired-state record the Blueprint Manager
// reconciles against the running set.
type ServiceInstance struct {
	Identity         ServiceIdentity
	Name             string
	Sources          []BlueprintSource
	RegistrationMode bool
	Lifecycle        Lifecycle
	CreatedAt        time.Time
	LastError        *string
}

// EnvContract is the set of environment variables a launcher must export to
// the service process.
type EnvContract map[string]string

// BlueprintArtifact is what a Source Resolver hands to the VM Hypervisor: a
// spawnable payload plus the environment it requires.
type BlueprintArtifact struct {
	// ExecutablePath is set for binary artifacts (testing/github/remote).
	ExecutablePath string
	// ContainerRef is set for container artifacts.
	ContainerRef string
	// AttestationVerified records whether provenance was checked; false is
	// only acceptable when AllowUncheckedAttestations is configured.
	AttestationVerified bool
	Env                 EnvContract
	Args                []string
	SourceKind          SourceKind
}
