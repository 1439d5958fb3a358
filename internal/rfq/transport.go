package rfq

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// wireMessage is the JSON envelope sent over the websocket gossip link.
type wireMessage struct {
	Request  *QuoteRequest `json:"request,omitempty"`
	Response *Quote        `json:"response,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// GossipPeer bridges a single websocket connection into a Processor's
// incoming/outgoing channels. Each peer connection runs its own pair of
// pump goroutines; the Processor itself stays single-threaded.
type GossipPeer struct {
	conn   *websocket.Conn
	proc   *Processor
	logger zerolog.Logger
	done   chan struct{}
}

// AcceptGossipPeer upgrades an inbound HTTP request to a websocket gossip
// connection and starts pumping messages to/from proc.
func AcceptGossipPeer(w http.ResponseWriter, r *http.Request, proc *Processor, logger zerolog.Logger) (*GossipPeer, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	p := &GossipPeer{conn: conn, proc: proc, logger: logger, done: make(chan struct{})}
	go p.readPump()
	go p.writePump()
	return p, nil
}

// DialGossipPeer connects out to a remote gossip peer.
func DialGossipPeer(url string, proc *Processor, logger zerolog.Logger) (*GossipPeer, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	p := &GossipPeer{conn: conn, proc: proc, logger: logger, done: make(chan struct{})}
	go p.readPump()
	go p.writePump()
	return p, nil
}

func (p *GossipPeer) readPump() {
	defer close(p.done)
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.logger.Debug().Err(err).Msg("rfq: gossip peer read loop ended")
			return
		}
		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.logger.Warn().Err(err).Msg("rfq: discarding malformed gossip message")
			continue
		}
		select {
		case p.proc.Incoming() <- GossipMessage{Request: msg.Request, Response: msg.Response}:
		default:
			p.logger.Warn().Msg("rfq: processor incoming queue full, dropping gossip message")
		}
	}
}

func (p *GossipPeer) writePump() {
	for {
		select {
		case <-p.done:
			return
		case msg, ok := <-p.proc.Outgoing():
			if !ok {
				return
			}
			data, err := json.Marshal(wireMessage{Request: msg.Request, Response: msg.Response})
			if err != nil {
				p.logger.Warn().Err(err).Msg("rfq: failed to encode gossip message")
				continue
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				p.logger.Debug().Err(err).Msg("rfq: gossip peer write loop ended")
				return
			}
		}
	}
}

// Close tears down the underlying connection.
func (p *GossipPeer) Close() error {
	return p.conn.Close()
}
