package aggregation

import (
	"math/bits"
	"sync"
	"time"
)

// ThresholdKind distinguishes how quorum is computed.
type ThresholdKind string

const (
	// ThresholdCount requires a fixed number of distinct signers.
	ThresholdCount ThresholdKind = "count"
	// ThresholdStakeBps requires the signer set's summed weight (in basis
	// points) to reach a configured threshold. Resolves Open Question #2:
	// an operator with zero registered weight contributes 0 bps and can
	// never singlehandedly satisfy a StakeBps threshold.
	ThresholdStakeBps ThresholdKind = "stake_bps"
)

// Threshold configures quorum policy for one task.
type Threshold struct {
	Kind        ThresholdKind
	Count       int    // used when Kind == ThresholdCount
	StakeBps    uint32 // used when Kind == ThresholdStakeBps, out of 10_000
	OperatorWeights OperatorWeights
}

// OperatorWeights resolves an operator index to its stake weight in basis
// points, for StakeBps threshold math.
type OperatorWeights interface {
	Weight(operatorIndex int) uint16
}

type signerEntry struct {
	output    []byte
	signature []byte
	publicKey []byte
}

// task is the internal mutable state behind one (serviceId, callId) key,
// guarded by its own lock so distinct tasks never contend.
type task struct {
	mu sync.Mutex

	serviceID uint64
	callID    uint64
	output    []byte
	threshold Threshold
	expiresAt time.Time

	signers   map[int]signerEntry
	bitmap    uint64 // supports up to 64 operators per bitmap word; higher indices use bitmapHigh
	bitmapHigh map[int]bool

	submitted bool
}

func newTask(serviceID, callID uint64, output []byte, threshold Threshold, ttl time.Duration) *task {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	return &task{
		serviceID:  serviceID,
		callID:     callID,
		output:     output,
		threshold:  threshold,
		expiresAt:  expiresAt,
		signers:    make(map[int]signerEntry),
		bitmapHigh: make(map[int]bool),
	}
}

func (t *task) isExpired() bool {
	return !t.expiresAt.IsZero() && time.Now().After(t.expiresAt)
}

func (t *task) setBit(idx int) {
	if idx < 64 {
		t.bitmap |= 1 << uint(idx)
		return
	}
	t.bitmapHigh[idx] = true
}

func (t *task) signerIndices() []int {
	indices := make([]int, 0, len(t.signers))
	for idx := range t.signers {
		indices = append(indices, idx)
	}
	return indices
}

func (t *task) signaturesCollected() int {
	return len(t.signers)
}

// thresholdMet evaluates the configured quorum policy against the current
// signer set.
func (t *task) thresholdMet() bool {
	switch t.threshold.Kind {
	case ThresholdStakeBps:
		var total uint32
		for idx := range t.signers {
			if t.threshold.OperatorWeights != nil {
				total += uint32(t.threshold.OperatorWeights.Weight(idx))
			}
		}
		return total >= t.threshold.StakeBps
	default:
		return t.signaturesCollected() >= t.threshold.Count
	}
}

// bitCount reports how many bits of a bitmap word are set.
func bitCount(bitmap uint64) int { return bits.OnesCount64(bitmap) }
