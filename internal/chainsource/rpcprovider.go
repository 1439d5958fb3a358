package chainsource

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// EVMRPCProvider implements RPCProvider against a standard Ethereum-style
// JSON-RPC HTTP endpoint (eth_blockNumber / eth_getLogs). There is no
// chain-client library anywhere in the example pack to ground this on —
// it is plain JSON-RPC request/response plumbing over net/http, decoded
// with gjson like the rest of this package's log handling.
type EVMRPCProvider struct {
	endpoint   string
	httpClient *http.Client
	contract   string
	topics     map[EventKind]string
}

// NewEVMRPCProvider builds a provider against endpoint, filtering GetLogs
// to contract and decoding by the given event-name-to-topic0 mapping.
func NewEVMRPCProvider(endpoint, contract string, topics map[EventKind]string) *EVMRPCProvider {
	return &EVMRPCProvider{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		contract:   contract,
		topics:     topics,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

func (p *EVMRPCProvider) call(ctx context.Context, method string, params []interface{}) (gjson.Result, error) {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return gjson.Result{}, apperrors.Wrap(apperrors.KindOther, "failed to marshal json-rpc request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return gjson.Result{}, apperrors.Wrap(apperrors.KindTransport, "failed to build json-rpc request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, apperrors.Wrap(apperrors.KindTransport, "json-rpc request failed", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return gjson.Result{}, apperrors.Wrap(apperrors.KindTransport, "failed to read json-rpc response", err)
	}

	parsed := gjson.ParseBytes(buf.Bytes())
	if errMsg := parsed.Get("error.message"); errMsg.Exists() {
		return gjson.Result{}, apperrors.New(apperrors.KindTransport, fmt.Sprintf("json-rpc error: %s", errMsg.String()))
	}
	return parsed.Get("result"), nil
}

// BlockNumber implements RPCProvider via eth_blockNumber.
func (p *EVMRPCProvider) BlockNumber(ctx context.Context) (uint64, error) {
	result, err := p.call(ctx, "eth_blockNumber", nil)
	if err != nil {
		return 0, err
	}
	return parseHexUint(result.String())
}

// GetLogs implements RPCProvider via eth_getLogs, decoding each entry's
// topic0 back to an EventName the Source's decodeLog understands.
func (p *EVMRPCProvider) GetLogs(ctx context.Context, filter LogFilter) ([]RawLog, error) {
	params := map[string]interface{}{
		"fromBlock": toHexBlock(filter.FromBlock),
		"toBlock":   toHexBlock(filter.ToBlock),
	}
	if p.contract != "" {
		params["address"] = p.contract
	}

	result, err := p.call(ctx, "eth_getLogs", []interface{}{params})
	if err != nil {
		return nil, err
	}

	var logs []RawLog
	for _, entry := range result.Array() {
		blockNumber, err := parseHexUint(entry.Get("blockNumber").String())
		if err != nil {
			continue
		}
		logIndex, _ := parseHexUint(entry.Get("logIndex").String())

		topic0 := entry.Get("topics.0").String()
		eventName := p.eventNameForTopic(topic0)
		if eventName == "" {
			continue
		}

		logs = append(logs, RawLog{
			BlockNumber: blockNumber,
			BlockHash:   entry.Get("blockHash").String(),
			TxHash:      entry.Get("transactionHash").String(),
			LogIndex:    int(logIndex),
			EventName:   eventName,
			Address:     entry.Get("address").String(),
			State:       decodeLogData(entry),
		})
	}
	return logs, nil
}

func (p *EVMRPCProvider) eventNameForTopic(topic string) string {
	for name, t := range p.topics {
		if strings.EqualFold(t, topic) {
			return string(name)
		}
	}
	return ""
}

// decodeLogData re-encodes the log's non-indexed data plus indexed topics
// (skipping topic0) as a JSON array, matching the state-array shape
// decodeLog expects.
func decodeLogData(entry gjson.Result) []byte {
	args := make([]interface{}, 0, 4)
	topics := entry.Get("topics").Array()
	for i, t := range topics {
		if i == 0 {
			continue
		}
		args = append(args, t.String())
	}
	if data := entry.Get("data").String(); data != "" && data != "0x" {
		args = append(args, data)
	}
	b, _ := json.Marshal(args)
	return b
}

func toHexBlock(n uint64) string {
	return "0x" + strconv.FormatUint(n, 16)
}

func parseHexUint(s string) (uint64, error) {
	s = trimHexPrefix(s)
	if s == "" {
		return 0, apperrors.Validation("empty hex value")
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.KindValidation, "malformed hex value", err)
	}
	return v, nil
}
