package chainsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockProvider struct {
	blockNumber uint64
	logsByRange map[[2]uint64][]RawLog
	err         error
	calls       int
}

func (m *mockProvider) BlockNumber(ctx context.Context) (uint64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.blockNumber, nil
}

func (m *mockProvider) GetLogs(ctx context.Context, filter LogFilter) ([]RawLog, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.logsByRange[[2]uint64{filter.FromBlock, filter.ToBlock}], nil
}

func TestSourceInitializeAppliesConfirmationWindow(t *testing.T) {
	provider := &mockProvider{
		blockNumber: 100,
		logsByRange: map[[2]uint64][]RawLog{
			{0, 97}: {
				{
					EventName:   string(EventServiceActivated),
					BlockNumber: 50,
					State:       MarshalState(42),
				},
			},
		},
	}

	src := New(Config{Provider: provider, Confirmations: 3, PollInterval: time.Millisecond, StepBlocks: 10000})
	ev, err := src.Initialize(context.Background())
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventServiceActivated, ev.Kind)
	assert.Equal(t, uint64(42), ev.ServiceID)
}

func TestSourceStaysIdleOnTransportError(t *testing.T) {
	provider := &mockProvider{err: errors.New("rpc down")}
	src := New(Config{Provider: provider, Confirmations: 3, PollInterval: time.Millisecond})

	ev, err := src.Initialize(context.Background())
	require.NoError(t, err) // tick swallows the error internally
	assert.Nil(t, ev)
	assert.False(t, src.Healthy() == false) // no poll has succeeded yet, so it still reports healthy
	require.Error(t, src.LastError())
}

func TestSourceSubscribeDeliversBufferedEvents(t *testing.T) {
	provider := &mockProvider{
		blockNumber: 10,
		logsByRange: map[[2]uint64][]RawLog{
			{0, 7}: {
				{EventName: string(EventJobCalled), BlockNumber: 5, State: MarshalState(1, 2, 3, "0xdead")},
			},
		},
	}
	src := New(Config{Provider: provider, Confirmations: 3, PollInterval: 5 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	ch := src.Subscribe(ctx)

	select {
	case ev := <-ch:
		assert.Equal(t, EventJobCalled, ev.Kind)
		assert.Equal(t, uint64(1), ev.ServiceID)
		assert.Equal(t, uint64(2), ev.CallID)
		assert.Equal(t, uint32(3), ev.Job)
		assert.Equal(t, []byte{0xde, 0xad}, ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestDecodeLogIgnoresUnknownEventNames(t *testing.T) {
	_, ok := decodeLog(RawLog{EventName: "SomethingElse", State: MarshalState()})
	assert.False(t, ok)
}
