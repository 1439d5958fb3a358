// Package chainsource implements the Chain Event Source: a resumable,
// reliable stream of domain lifecycle events derived from an EVM-style
// on-chain RPC provider. It is adapted from the polling event-listener
// shape used throughout the rest of the platform's chain-indexing code,
// generalized away from any single chain's log encoding.
package chainsource

import "time"

// EventKind distinguishes the protocol event variants.
type EventKind string

const (
	EventServiceActivated     EventKind = "ServiceActivated"
	EventServiceTerminated    EventKind = "ServiceTerminated"
	EventOperatorPreRegistered EventKind = "OperatorPreRegistered"
	EventJobCalled            EventKind = "JobCalled"
	EventJobResultSubmitted   EventKind = "JobResultSubmitted"
)

// ProtocolEvent is one decoded domain event, carrying the block context
// needed for resumability.
type ProtocolEvent struct {
	Kind        EventKind
	BlockNumber uint64
	BlockHash   string
	Timestamp   time.Time
	LogIndex    int

	BlueprintID uint64
	ServiceID   uint64
	Operator    string
	CallID      uint64
	Job         uint32
	Payload     []byte
	Result      []byte
}

// RawLog is the minimal shape a provider must return per log entry; State
// is the raw JSON-encoded event arguments, parsed lazily via gjson so the
// source never needs a full per-event struct.
type RawLog struct {
	BlockNumber uint64
	BlockHash   string
	Timestamp   time.Time
	TxHash      string
	LogIndex    int
	EventName   string
	Address     string
	State       []byte // raw JSON array of event args
}

// LogFilter narrows a getLogs call to a block range and optional addresses.
type LogFilter struct {
	FromBlock uint64
	ToBlock   uint64
	Addresses []string
}
