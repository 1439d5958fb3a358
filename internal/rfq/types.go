// Package rfq implements the RFQ Processor: a gossiped quote-request/
// response protocol with deterministic fingerprinting and PoW-gated
// requests, culminating in a priced, signed Quote.
package rfq

import "time"

// ResourceRequirement is one requested resource count in a QuoteRequest.
type ResourceRequirement struct {
	Kind  string
	Count uint64
}

// QuoteRequest is gossiped by a client seeking a price for a blueprint.
type QuoteRequest struct {
	ID              string
	RequesterPubKey string
	BlueprintID     uint64
	Requirements    []ResourceRequirement
	MaxPrice        uint64
	TimeoutSecs     uint64
	CreatedAt       time.Time
	ExpiresAt       time.Time
	Nonce           uint64 // PoW nonce
}

// PricedResource is one entry in an operator's pricing model.
type PricedResource struct {
	Kind             string
	PricingBasisCount uint64
	PricePerUnitRate  int64 // may be negative in input; clamped to 0 when evaluated
}

// PricingModel is the set of priced resources an operator publishes for a
// blueprint, plus the FaaS-style flat-rate mode. [NEW] SPEC_FULL §4.7b.
type PricingModel struct {
	Resources       []PricedResource
	InvocationBased bool
	FlatPricePerCall uint64
	Formula         string // optional goja-evaluated pricing formula
}

// Quote is an operator's signed price response.
type Quote struct {
	RequestID          string
	OperatorPubKey      string
	BlueprintID         uint64
	PricePerSecond      uint64
	TTLBlocks           uint64
	SignatureHex        string
	ProviderPubKeyAlgo  string // [NEW] SPEC_FULL §3, always "secp256k1"
}

// RequestStatus is the lifecycle of a locally-submitted request.
type RequestStatus string

const (
	StatusPending RequestStatus = "Pending"
	StatusReady   RequestStatus = "Ready"
	StatusExpired RequestStatus = "Expired"
)
