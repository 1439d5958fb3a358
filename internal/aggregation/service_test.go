package aggregation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

type fixedWeights map[int]uint16

func (w fixedWeights) Weight(idx int) uint16 { return w[idx] }

func TestInitTaskRejectsDuplicate(t *testing.T) {
	s := New(Options{}, nil)
	require.NoError(t, s.InitTask(1, 1, []byte("out"), Threshold{Kind: ThresholdCount, Count: 2}, time.Minute))
	err := s.InitTask(1, 1, []byte("out"), Threshold{Kind: ThresholdCount, Count: 2}, time.Minute)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAlreadyExists, apperrors.KindOf(err))
}

func TestSubmitSignatureFullFlowWithVerification(t *testing.T) {
	s := New(Options{VerifyOnSubmit: true, ValidateOutput: true}, nil)
	output := []byte("job-output")
	require.NoError(t, s.InitTask(10, 5, output, Threshold{Kind: ThresholdCount, Count: 2}, time.Hour))

	msg := signingMessage(10, 5, output)
	sec1, pub1 := testKeypair(t, 101)
	sig1 := testSign(t, sec1, msg)
	sec2, pub2 := testKeypair(t, 102)
	sig2 := testSign(t, sec2, msg)

	collected, met, err := s.SubmitSignature(10, 5, 0, output, sig1, pub1)
	require.NoError(t, err)
	assert.Equal(t, 1, collected)
	assert.False(t, met)

	collected, met, err = s.SubmitSignature(10, 5, 1, output, sig2, pub2)
	require.NoError(t, err)
	assert.Equal(t, 2, collected)
	assert.True(t, met)

	result, err := s.GetAggregatedResult(10, 5, 2)
	require.NoError(t, err)
	assert.Equal(t, output, result.Output)
	assert.Empty(t, result.NonSignerIndices)
	assert.Equal(t, uint64(0b11), result.SignerBitmap)
}

func TestSubmitSignatureRejectsOutputMismatch(t *testing.T) {
	s := New(Options{ValidateOutput: true}, nil)
	require.NoError(t, s.InitTask(1, 1, []byte("expected"), Threshold{Kind: ThresholdCount, Count: 1}, time.Hour))

	sec, pub := testKeypair(t, 1)
	sig := testSign(t, sec, signingMessage(1, 1, []byte("expected")))
	_, _, err := s.SubmitSignature(1, 1, 0, []byte("wrong"), sig, pub)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindOutputMismatch, apperrors.KindOf(err))
}

func TestSubmitSignatureRejectsDuplicateOperator(t *testing.T) {
	s := New(Options{}, nil)
	require.NoError(t, s.InitTask(1, 1, []byte("out"), Threshold{Kind: ThresholdCount, Count: 5}, time.Hour))

	_, pub := testKeypair(t, 1)
	sec, _ := testKeypair(t, 1)
	msg := signingMessage(1, 1, []byte("out"))
	sig := testSign(t, sec, msg)

	_, _, err := s.SubmitSignature(1, 1, 0, []byte("out"), sig, pub)
	require.NoError(t, err)
	_, _, err = s.SubmitSignature(1, 1, 0, []byte("out"), sig, pub)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindAlreadyExists, apperrors.KindOf(err))
}

func TestStakeBpsThreshold(t *testing.T) {
	s := New(Options{}, nil)
	weights := fixedWeights{0: 6000, 1: 3000, 2: 0}
	require.NoError(t, s.InitTask(1, 1, []byte("out"), Threshold{Kind: ThresholdStakeBps, StakeBps: 8000, OperatorWeights: weights}, time.Hour))

	sec0, pub0 := testKeypair(t, 10)
	msg := signingMessage(1, 1, []byte("out"))
	sig0 := testSign(t, sec0, msg)
	_, met, err := s.SubmitSignature(1, 1, 0, []byte("out"), sig0, pub0)
	require.NoError(t, err)
	assert.False(t, met) // 6000 bps < 8000 threshold

	sec2, pub2 := testKeypair(t, 12)
	sig2 := testSign(t, sec2, msg)
	_, met, err = s.SubmitSignature(1, 1, 2, []byte("out"), sig2, pub2)
	require.NoError(t, err)
	assert.False(t, met) // operator 2 has zero weight, still 6000 bps

	sec1, pub1 := testKeypair(t, 11)
	sig1 := testSign(t, sec1, msg)
	_, met, err = s.SubmitSignature(1, 1, 1, []byte("out"), sig1, pub1)
	require.NoError(t, err)
	assert.True(t, met) // 6000 + 3000 = 9000 >= 8000
}

func TestMarkSubmittedBlocksFurtherSubmission(t *testing.T) {
	s := New(Options{}, nil)
	require.NoError(t, s.InitTask(1, 1, []byte("out"), Threshold{Kind: ThresholdCount, Count: 1}, time.Hour))
	require.NoError(t, s.MarkSubmitted(1, 1))

	_, pub := testKeypair(t, 1)
	sec, _ := testKeypair(t, 1)
	sig := testSign(t, sec, signingMessage(1, 1, []byte("out")))

	_, _, err := s.SubmitSignature(1, 1, 0, []byte("out"), sig, pub)
	require.Error(t, err)
}

func TestCleanupRemovesSubmittedAndExpired(t *testing.T) {
	s := New(Options{}, nil)
	require.NoError(t, s.InitTask(1, 1, []byte("out"), Threshold{Kind: ThresholdCount, Count: 1}, time.Hour))
	require.NoError(t, s.InitTask(2, 2, []byte("out"), Threshold{Kind: ThresholdCount, Count: 1}, time.Nanosecond))
	require.NoError(t, s.MarkSubmitted(1, 1))

	time.Sleep(5 * time.Millisecond)
	removed := s.Cleanup()
	assert.Equal(t, 2, removed)

	_, err := s.GetStatus(1, 1)
	require.Error(t, err)
	_, err = s.GetStatus(2, 2)
	require.Error(t, err)
}
