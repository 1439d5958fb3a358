// Package aggregation implements the Tangle Aggregation Service: a BLS
// signature aggregator enforcing quorum thresholds, at-most-once
// submission, TTL expiry, and deterministic signer bitmaps over
// (service, call) tuples.
package aggregation

import (
	"sync"
	"time"

	bls12381 "github.com/kilic/bls12-381"
	"github.com/robfig/cron/v3"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/logging"
)

type key struct {
	serviceID uint64
	callID    uint64
}

// Options tunes verification policy.
type Options struct {
	ValidateOutput       bool
	VerifyOnSubmit       bool
	CleanupInterval      time.Duration
}

// Service is the aggregation store described in spec §4.5.
type Service struct {
	mu    sync.RWMutex
	tasks map[key]*task

	opts   Options
	logger *logging.Logger

	cron *cron.Cron
}

// New constructs a Service. If opts.CleanupInterval is nonzero, a
// background cron worker invokes Cleanup on that cadence until Stop is
// called.
func New(opts Options, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.NewFromEnv("aggregation")
	}
	s := &Service{
		tasks:  make(map[key]*task),
		opts:   opts,
		logger: logger,
	}
	if opts.CleanupInterval > 0 {
		s.cron = cron.New()
		spec := "@every " + opts.CleanupInterval.String()
		_, _ = s.cron.AddFunc(spec, func() {
			n := s.Cleanup()
			if n > 0 {
				s.logger.WithFields(map[string]interface{}{"removed": n}).Info("aggregation: cleanup removed tasks")
			}
		})
		s.cron.Start()
	}
	return s
}

// Stop halts the cleanup worker, if running.
func (s *Service) Stop() {
	if s.cron != nil {
		s.cron.Stop()
	}
}

// InitTask inserts a fresh task, failing with AlreadyExists if present.
func (s *Service) InitTask(serviceID, callID uint64, output []byte, threshold Threshold, ttl time.Duration) error {
	k := key{serviceID, callID}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[k]; exists {
		return apperrors.AlreadyExists("aggregation task already initialized")
	}
	s.tasks[k] = newTask(serviceID, callID, output, threshold, ttl)
	return nil
}

// SubmitSignature validates and records one operator's signature share.
func (s *Service) SubmitSignature(serviceID, callID uint64, operatorIndex int, output, signature, publicKey []byte) (collected int, thresholdMet bool, err error) {
	t, err := s.lookup(serviceID, callID)
	if err != nil {
		return 0, false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.submitted {
		return 0, false, apperrors.New(apperrors.KindOther, "aggregation task already submitted")
	}
	if t.isExpired() {
		return 0, false, apperrors.Expired("aggregation task expired")
	}
	if s.opts.ValidateOutput && !bytesEqual(output, t.output) {
		return 0, false, apperrors.OutputMismatch("submitted output does not match task output")
	}
	if _, dup := t.signers[operatorIndex]; dup {
		return 0, false, apperrors.AlreadyExists("operator already submitted a signature for this task")
	}

	sigPoint, err := decodeSignature(signature)
	if err != nil {
		return 0, false, err
	}
	pubPoint, err := decodePublicKey(publicKey)
	if err != nil {
		return 0, false, err
	}

	if s.opts.VerifyOnSubmit {
		msg := signingMessage(serviceID, callID, t.output)
		ok, verr := verify(sigPoint, pubPoint, msg)
		if verr != nil {
			return 0, false, verr
		}
		if !ok {
			return 0, false, apperrors.Verification("BLS signature verification failed")
		}
	}

	t.signers[operatorIndex] = signerEntry{output: output, signature: signature, publicKey: publicKey}
	t.setBit(operatorIndex)

	return t.signaturesCollected(), t.thresholdMet(), nil
}

// Status is the read model returned by GetStatus.
type Status struct {
	SignaturesCollected int
	Threshold           Threshold
	ThresholdMet        bool
	SignerBitmap        uint64
	Submitted           bool
	IsExpired           bool
	TimeRemainingSecs   int64
}

// GetStatus reports the current state of a task.
func (s *Service) GetStatus(serviceID, callID uint64) (Status, error) {
	t, err := s.lookup(serviceID, callID)
	if err != nil {
		return Status{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	var remaining int64
	if !t.expiresAt.IsZero() {
		remaining = int64(time.Until(t.expiresAt).Seconds())
		if remaining < 0 {
			remaining = 0
		}
	}

	return Status{
		SignaturesCollected: t.signaturesCollected(),
		Threshold:           t.threshold,
		ThresholdMet:        t.thresholdMet(),
		SignerBitmap:        t.bitmap,
		Submitted:           t.submitted,
		IsExpired:           t.isExpired(),
		TimeRemainingSecs:   remaining,
	}, nil
}

// AggregatedResult is returned by GetAggregatedResult.
type AggregatedResult struct {
	Output             []byte
	SignerBitmap        uint64
	NonSignerIndices    []int
	AggregatedSignature []byte // compressed G1
	AggregatedPublicKey []byte // compressed G2
}

// GetAggregatedResult aggregates stored shares once threshold is met and
// the task has not yet been marked submitted.
func (s *Service) GetAggregatedResult(serviceID, callID uint64, operatorCount int) (AggregatedResult, error) {
	t, err := s.lookup(serviceID, callID)
	if err != nil {
		return AggregatedResult{}, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.submitted {
		return AggregatedResult{}, apperrors.New(apperrors.KindOther, "aggregation task already submitted")
	}
	if !t.thresholdMet() {
		return AggregatedResult{}, apperrors.New(apperrors.KindOther, "aggregation threshold not yet met")
	}

	sigs := make([]*bls12381.PointG1, 0, len(t.signers))
	pubs := make([]*bls12381.PointG2, 0, len(t.signers))
	for _, entry := range t.signers {
		sigPoint, derr := decodeSignature(entry.signature)
		if derr != nil {
			return AggregatedResult{}, derr
		}
		pubPoint, derr := decodePublicKey(entry.publicKey)
		if derr != nil {
			return AggregatedResult{}, derr
		}
		sigs = append(sigs, sigPoint)
		pubs = append(pubs, pubPoint)
	}

	aggSig := aggregateSignatures(sigs)
	aggPub := aggregatePublicKeys(pubs)

	nonSigners := make([]int, 0)
	for i := 0; i < operatorCount; i++ {
		if _, ok := t.signers[i]; !ok {
			nonSigners = append(nonSigners, i)
		}
	}

	g1 := bls12381.NewG1()
	g2 := bls12381.NewG2()

	return AggregatedResult{
		Output:              t.output,
		SignerBitmap:        t.bitmap,
		NonSignerIndices:     nonSigners,
		AggregatedSignature: g1.ToCompressed(aggSig),
		AggregatedPublicKey:  g2.ToCompressed(aggPub),
	}, nil
}

// MarkSubmitted sets the terminal flag; once set, SubmitSignature rejects
// and GetAggregatedResult refuses further calls.
func (s *Service) MarkSubmitted(serviceID, callID uint64) error {
	t, err := s.lookup(serviceID, callID)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.submitted = true
	return nil
}

// Cleanup removes submitted and expired tasks, returning the count
// removed.
func (s *Service) Cleanup() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, t := range s.tasks {
		t.mu.Lock()
		shouldRemove := t.submitted || t.isExpired()
		t.mu.Unlock()
		if shouldRemove {
			delete(s.tasks, k)
			removed++
		}
	}
	return removed
}

func (s *Service) lookup(serviceID, callID uint64) (*task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[key{serviceID, callID}]
	if !ok {
		return nil, apperrors.NotFound("aggregation task not found")
	}
	return t, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
