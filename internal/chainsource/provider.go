package chainsource

import "context"

// RPCProvider is the minimal read surface the Chain Event Source consumes.
// The chain itself is out of scope (spec §1); this is the only boundary the
// core talks to.
type RPCProvider interface {
	BlockNumber(ctx context.Context) (uint64, error)
	GetLogs(ctx context.Context, filter LogFilter) ([]RawLog, error)
}

// WriteProvider is the minimal write surface consumed by downstream
// components (job submission, permitted-caller management).
type WriteProvider interface {
	SubmitJobResult(ctx context.Context, serviceID, callID uint64, result []byte) error
	AddPermittedCaller(ctx context.Context, serviceID uint64, caller string) error
	// RequestJobCall requests a job invocation on serviceID (spec §6.2's
	// `blueprint jobs submit`), returning the callID the chain assigned so
	// the caller can watch for its JobResultSubmitted event.
	RequestJobCall(ctx context.Context, serviceID uint64, job uint32, payload []byte) (callID uint64, err error)
}

// ReadProvider is the contract-state read surface used for manager catch-up
// scans when no ServiceActivated events are available at startup.
type ReadProvider interface {
	ServiceCount(ctx context.Context) (uint64, error)
	GetService(ctx context.Context, serviceID uint64) (ServiceRecord, error)
	IsServiceOperator(ctx context.Context, serviceID uint64, operator string) (bool, error)
	GetBlueprintDefinition(ctx context.Context, blueprintID uint64) (BlueprintDefinition, error)
}

// ServiceRecord is the on-chain view of a service.
type ServiceRecord struct {
	ServiceID   uint64
	BlueprintID uint64
	Operators   []string
}

// BlueprintDefinition is the on-chain blueprint metadata: its source list
// and job schema, encoded as raw JSON so PaesslerAG/jsonpath can pull
// specific fields without a rigid struct per blueprint author.
type BlueprintDefinition struct {
	BlueprintID uint64
	RawJSON     []byte
}
