package chainsource

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
	"github.com/tangle-network/blueprint-core/internal/logging"
)

type pollState int

const (
	stateIdle pollState = iota
	stateFetchingBlockNumber
	stateFetchingLogs
)

// Config configures a polling-variant Source.
type Config struct {
	Provider      RPCProvider
	Confirmations uint64
	StepBlocks    uint64
	PollInterval  time.Duration
	CallTimeout   time.Duration
	StartBlock    uint64
	Logger        *logging.Logger
}

// Source implements the spec §4.1 polling Chain Event Source: each poll
// tick buffers the decoded events, then delivers every buffered event in
// order on the subscription channel, blocking while that channel is full,
// so polling stalls until the consumer drains and no decoded event is
// dropped.
type Source struct {
	mu            sync.Mutex
	provider      RPCProvider
	confirmations uint64
	stepBlocks    uint64
	pollInterval  time.Duration
	callTimeout   time.Duration
	logger        *logging.Logger

	state       pollState
	lastQueried uint64
	buffered    []ProtocolEvent
	lastErr     error
	lastSuccess time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New constructs a Source from cfg, applying sane defaults.
func New(cfg Config) *Source {
	if cfg.StepBlocks == 0 {
		cfg.StepBlocks = 2000
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.CallTimeout == 0 || cfg.CallTimeout > 10*time.Second {
		cfg.CallTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewFromEnv("chainsource")
	}
	return &Source{
		provider:      cfg.Provider,
		confirmations: cfg.Confirmations,
		stepBlocks:    cfg.StepBlocks,
		pollInterval:  cfg.PollInterval,
		callTimeout:   cfg.CallTimeout,
		logger:        logger,
		state:         stateIdle,
		lastQueried:   cfg.StartBlock,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Initialize returns the latest finalized event seen so far (nil if none),
// for manager catch-up. It performs one synchronous poll tick first.
func (s *Source) Initialize(ctx context.Context) (*ProtocolEvent, error) {
	s.tick(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffered) == 0 {
		return nil, nil
	}
	last := s.buffered[len(s.buffered)-1]
	return &last, nil
}

// Subscribe starts the background poll loop and returns a channel of
// events. The channel is closed when ctx is done or Stop is called.
func (s *Source) Subscribe(ctx context.Context) <-chan ProtocolEvent {
	out := make(chan ProtocolEvent, 64)
	go func() {
		defer close(out)
		defer close(s.doneCh)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.tick(ctx)
				s.drainInto(ctx, out)
			}
		}
	}()
	return out
}

// Stop terminates the poll loop.
func (s *Source) Stop() { close(s.stopCh) }

// Healthy reports true until the first successful poll, even when polls
// have failed; after that it reports whether a poll has succeeded within
// 2x the poll interval.
// [NEW] per SPEC_FULL §4.1b, grounded on original_source's polling
// producer's lastError/liveness tracking.
func (s *Source) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSuccess.IsZero() {
		return true // no poll has succeeded yet
	}
	return time.Since(s.lastSuccess) <= 2*s.pollInterval
}

func (s *Source) drainInto(ctx context.Context, out chan<- ProtocolEvent) {
	for {
		s.mu.Lock()
		if len(s.buffered) == 0 {
			s.mu.Unlock()
			return
		}
		ev := s.buffered[0]
		s.buffered = s.buffered[1:]
		s.mu.Unlock()

		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}
}

// tick advances the Idle -> FetchingBlockNumber -> FetchingLogs -> Idle
// state machine exactly once.
func (s *Source) tick(ctx context.Context) {
	s.mu.Lock()
	s.state = stateFetchingBlockNumber
	s.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
	current, err := s.provider.BlockNumber(callCtx)
	cancel()
	if err != nil {
		s.recordFailure(err)
		return
	}

	var safeBlock uint64
	if current > s.confirmations {
		safeBlock = current - s.confirmations
	} else {
		s.backToIdle()
		return
	}

	s.mu.Lock()
	from := s.lastQueried + 1
	if s.lastQueried == 0 {
		from = 0
	}
	s.state = stateFetchingLogs
	s.mu.Unlock()

	if from > safeBlock {
		s.backToIdle()
		return
	}

	to := from + s.stepBlocks
	if to > safeBlock {
		to = safeBlock
	}

	callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	logs, err := s.provider.GetLogs(callCtx, LogFilter{FromBlock: from, ToBlock: to})
	cancel()
	if err != nil {
		s.recordFailure(err)
		return
	}

	events := make([]ProtocolEvent, 0, len(logs))
	for _, l := range logs {
		ev, ok := decodeLog(l)
		if ok {
			events = append(events, ev)
		}
	}

	s.mu.Lock()
	s.buffered = append(s.buffered, events...)
	s.lastQueried = to
	s.state = stateIdle
	s.lastErr = nil
	s.lastSuccess = time.Now()
	s.mu.Unlock()
}

func (s *Source) recordFailure(err error) {
	s.mu.Lock()
	s.lastErr = apperrors.Transport("chain rpc call failed", err)
	s.state = stateIdle
	s.mu.Unlock()
	s.logger.WithError(err).Warn("chain event source: transient rpc failure, staying idle")
}

func (s *Source) backToIdle() {
	s.mu.Lock()
	s.state = stateIdle
	s.mu.Unlock()
}

// LastError returns the most recent transport error, if any.
func (s *Source) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// decodeLog turns a RawLog into a ProtocolEvent using gjson against the raw
// JSON state array, tolerating unknown event names by returning ok=false
// (never silently dropping a *recognized* event, per spec §4.1).
func decodeLog(l RawLog) (ProtocolEvent, bool) {
	ev := ProtocolEvent{
		BlockNumber: l.BlockNumber,
		BlockHash:   l.BlockHash,
		Timestamp:   l.Timestamp,
		LogIndex:    l.LogIndex,
	}
	state := gjson.ParseBytes(l.State)

	switch l.EventName {
	case string(EventServiceActivated):
		ev.Kind = EventServiceActivated
		ev.ServiceID = state.Get("0").Uint()
	case string(EventServiceTerminated):
		ev.Kind = EventServiceTerminated
		ev.ServiceID = state.Get("0").Uint()
	case string(EventOperatorPreRegistered):
		ev.Kind = EventOperatorPreRegistered
		ev.BlueprintID = state.Get("0").Uint()
		ev.Operator = state.Get("1").String()
	case string(EventJobCalled):
		ev.Kind = EventJobCalled
		ev.ServiceID = state.Get("0").Uint()
		ev.CallID = state.Get("1").Uint()
		ev.Job = uint32(state.Get("2").Uint())
		if raw := state.Get("3").String(); raw != "" {
			if b, err := hex.DecodeString(trimHexPrefix(raw)); err == nil {
				ev.Payload = b
			}
		}
	case string(EventJobResultSubmitted):
		ev.Kind = EventJobResultSubmitted
		ev.ServiceID = state.Get("0").Uint()
		ev.CallID = state.Get("1").Uint()
		if raw := state.Get("2").String(); raw != "" {
			if b, err := hex.DecodeString(trimHexPrefix(raw)); err == nil {
				ev.Result = b
			}
		}
	default:
		return ProtocolEvent{}, false
	}
	return ev, true
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// MarshalState is a test/mock helper building the raw JSON state array a
// provider would return for an event.
func MarshalState(args ...interface{}) []byte {
	b, _ := json.Marshal(args)
	return b
}
