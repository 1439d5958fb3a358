package rfq

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// GossipMessage is the wire envelope exchanged over the gossip transport.
type GossipMessage struct {
	Request  *QuoteRequest
	Response *Quote
}

// Signer signs and verifies quotes over secp256k1 (distinct from the BLS
// keys used for job-result aggregation, per SPEC_FULL §2).
type Signer interface {
	Sign(payload []byte) (string, error)
	PublicKeyHex() string
}

// Options tunes processor policy.
type Options struct {
	PowDifficultyBits    int
	CreatedAtTolerance   time.Duration
	DedupCacheSize       int
	GossipRateLimit      rate.Limit
	GossipBurst          int
}

type trackedRequest struct {
	request QuoteRequest
	quotes  []Quote
	status  RequestStatus
	expires time.Time
}

// Processor is the single-actor RFQ state machine described in spec
// §4.7: internal state behind one mutex, driven by an incoming channel
// and publishing to an outgoing channel.
type Processor struct {
	mu sync.Mutex

	operatorBlueprints map[uint64]PricingModel
	dedup              *lru.Cache[DedupKey, struct{}]
	local              map[string]*trackedRequest

	signer  Signer
	opts    Options
	limiter *rate.Limiter
	logger  zerolog.Logger

	incoming chan GossipMessage
	outgoing chan GossipMessage
	stopCh   chan struct{}
}

// New constructs a Processor. [NEW] uses rs/zerolog for its gossip-wire
// log stream, an independently-migrated subsystem logger per SPEC_FULL §2.
func New(signer Signer, opts Options, logger zerolog.Logger) *Processor {
	if opts.DedupCacheSize == 0 {
		opts.DedupCacheSize = 4096
	}
	if opts.GossipRateLimit == 0 {
		opts.GossipRateLimit = 50
	}
	if opts.GossipBurst == 0 {
		opts.GossipBurst = 100
	}
	dedup, _ := lru.New[DedupKey, struct{}](opts.DedupCacheSize)

	return &Processor{
		operatorBlueprints: make(map[uint64]PricingModel),
		dedup:              dedup,
		local:              make(map[string]*trackedRequest),
		signer:             signer,
		opts:               opts,
		limiter:            rate.NewLimiter(opts.GossipRateLimit, opts.GossipBurst),
		logger:             logger,
		incoming:           make(chan GossipMessage, 256),
		outgoing:           make(chan GossipMessage, 256),
		stopCh:             make(chan struct{}),
	}
}

// PublishPriceModel registers the pricing model this operator serves for
// a blueprint.
func (p *Processor) PublishPriceModel(blueprintID uint64, model PricingModel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.operatorBlueprints[blueprintID] = model
}

// Incoming exposes the inbound gossip channel for a transport to feed.
func (p *Processor) Incoming() chan<- GossipMessage { return p.incoming }

// Outgoing exposes the outbound gossip channel for a transport to drain.
func (p *Processor) Outgoing() <-chan GossipMessage { return p.outgoing }

// Run drives the single-actor loop until Stop is called.
func (p *Processor) Run() {
	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.incoming:
			p.handleMessage(msg)
		}
	}
}

// Stop terminates Run.
func (p *Processor) Stop() { close(p.stopCh) }

func (p *Processor) handleMessage(msg GossipMessage) {
	if !p.limiter.Allow() {
		p.logger.Warn().Msg("rfq: gossip message dropped by rate limiter")
		return
	}
	switch {
	case msg.Request != nil:
		p.handleRequest(*msg.Request)
	case msg.Response != nil:
		p.handleResponse(*msg.Response)
	}
}

func (p *Processor) handleRequest(req QuoteRequest) {
	if err := ValidatePoW(req, p.opts.PowDifficultyBits); err != nil {
		p.logger.Debug().Err(err).Str("request_id", req.ID).Msg("rfq: request rejected by pow check")
		return
	}
	if err := ValidateFreshness(req, p.opts.CreatedAtTolerance); err != nil {
		p.logger.Debug().Err(err).Str("request_id", req.ID).Msg("rfq: request rejected as stale")
		return
	}

	p.mu.Lock()
	k := dedupKeyFor(req)
	if _, dup := p.dedup.Get(k); dup {
		p.mu.Unlock()
		return
	}
	p.dedup.Add(k, struct{}{})
	model, served := p.operatorBlueprints[req.BlueprintID]
	p.mu.Unlock()

	if !served {
		return
	}

	price, err := Evaluate(model, req.Requirements)
	if err != nil {
		p.logger.Warn().Err(err).Str("request_id", req.ID).Msg("rfq: pricing evaluation failed")
		return
	}

	quote := Quote{
		RequestID:         req.ID,
		OperatorPubKey:    p.signer.PublicKeyHex(),
		BlueprintID:       req.BlueprintID,
		PricePerSecond:    price,
		TTLBlocks:         64,
		ProviderPubKeyAlgo: "secp256k1",
	}
	sig, err := p.signer.Sign(quoteSigningPayload(quote))
	if err != nil {
		p.logger.Warn().Err(err).Msg("rfq: failed to sign quote")
		return
	}
	quote.SignatureHex = sig

	select {
	case p.outgoing <- GossipMessage{Response: &quote}:
	default:
		p.logger.Warn().Str("request_id", req.ID).Msg("rfq: outgoing gossip channel full, dropping quote")
	}
}

func (p *Processor) handleResponse(quote Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tracked, ok := p.local[quote.RequestID]
	if !ok {
		return
	}
	if time.Now().After(tracked.expires) {
		tracked.status = StatusExpired
		return
	}
	tracked.quotes = append(tracked.quotes, quote)
	tracked.status = StatusReady
}

// RequestForQuote implements the client surface of spec §4.7: submits a
// new QuoteRequest onto the gossip network and returns its id.
func (p *Processor) RequestForQuote(blueprintID uint64, requirements []ResourceRequirement, maxPrice, timeoutSecs uint64) (string, error) {
	requestID := uuid.NewString()
	now := time.Now()
	req := QuoteRequest{
		ID:              requestID,
		RequesterPubKey: p.signer.PublicKeyHex(),
		BlueprintID:     blueprintID,
		Requirements:    requirements,
		MaxPrice:        maxPrice,
		TimeoutSecs:     timeoutSecs,
		CreatedAt:       now,
		ExpiresAt:       now.Add(time.Duration(timeoutSecs) * time.Second),
	}

	p.mu.Lock()
	p.local[requestID] = &trackedRequest{
		request: req,
		status:  StatusPending,
		expires: req.ExpiresAt,
	}
	p.mu.Unlock()

	select {
	case p.outgoing <- GossipMessage{Request: &req}:
	default:
		return "", apperrors.Transport("outgoing gossip channel full", nil)
	}
	return requestID, nil
}

// RfqResults is the read model returned by GetRfqResults.
type RfqResults struct {
	Status RequestStatus
	Quotes []Quote
}

// GetRfqResults implements spec §4.7's getRfqResults.
func (p *Processor) GetRfqResults(requestID string) (RfqResults, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tracked, ok := p.local[requestID]
	if !ok {
		return RfqResults{}, apperrors.NotFound("unknown rfq request id")
	}
	if tracked.status == StatusPending && time.Now().After(tracked.expires) {
		tracked.status = StatusExpired
	}
	return RfqResults{Status: tracked.status, Quotes: append([]Quote(nil), tracked.quotes...)}, nil
}

func quoteSigningPayload(q Quote) []byte {
	var buf [8]byte
	payload := make([]byte, 0, 64)
	payload = append(payload, []byte(q.RequestID)...)
	payload = append(payload, []byte(q.OperatorPubKey)...)
	binary.BigEndian.PutUint64(buf[:], q.BlueprintID)
	payload = append(payload, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], q.PricePerSecond)
	payload = append(payload, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], q.TTLBlocks)
	payload = append(payload, buf[:]...)
	payload = append(payload, []byte(q.ProviderPubKeyAlgo)...)
	return payload
}
