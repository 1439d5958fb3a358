package chainsource

import (
	"context"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// EthReadProvider implements ReadProvider against the same EVM-style
// JSON-RPC endpoint as EVMRPCProvider, via eth_call and hand-rolled
// Solidity ABI encoding. It also satisfies WriteProvider, but holds no
// transaction signer and sends no transaction: every write method returns
// a KindOther error. The encoding is the standard
// 4-byte-selector-plus-32-byte-word calling convention, not a new
// cryptographic primitive, so this stays on the stdlib/keccak boundary
// rather than pulling in a full ABI/contract-binding library the example
// pack doesn't carry.
type EthReadProvider struct {
	rpc      *EVMRPCProvider
	contract string
}

// NewEthReadProvider builds a read/write provider calling contract through
// rpc's JSON-RPC endpoint.
func NewEthReadProvider(rpc *EVMRPCProvider, contract string) *EthReadProvider {
	return &EthReadProvider{rpc: rpc, contract: contract}
}

func selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

func encodeUint64Word(v uint64) []byte {
	word := make([]byte, 32)
	for i := 0; i < 8; i++ {
		word[31-i] = byte(v >> (8 * i))
	}
	return word
}

func encodeAddressWord(addrHex string) []byte {
	addrHex = strings.TrimPrefix(strings.TrimPrefix(addrHex, "0x"), "0X")
	raw, _ := hex.DecodeString(addrHex)
	word := make([]byte, 32)
	copy(word[32-len(raw):], raw)
	return word
}

func decodeUint64Word(word []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(word); i++ {
		v = v<<8 | uint64(word[len(word)-8+i])
	}
	return v
}

func (p *EthReadProvider) ethCall(ctx context.Context, data []byte) ([]byte, error) {
	callData := "0x" + hex.EncodeToString(data)
	result, err := p.rpc.call(ctx, "eth_call", []interface{}{
		map[string]interface{}{"to": p.contract, "data": callData},
		"latest",
	})
	if err != nil {
		return nil, err
	}
	raw := strings.TrimPrefix(strings.TrimPrefix(result.String(), "0x"), "0X")
	decoded, err := hex.DecodeString(raw)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, "malformed eth_call return data", err)
	}
	return decoded, nil
}

func wordAt(data []byte, index int) []byte {
	start := index * 32
	if start+32 > len(data) {
		return make([]byte, 32)
	}
	return data[start : start+32]
}

// ServiceCount calls serviceCount() -> uint256.
func (p *EthReadProvider) ServiceCount(ctx context.Context) (uint64, error) {
	result, err := p.ethCall(ctx, selector("serviceCount()"))
	if err != nil {
		return 0, err
	}
	return decodeUint64Word(wordAt(result, 0)), nil
}

// GetService calls getService(uint256) -> (uint256 blueprintId, address[] operators).
func (p *EthReadProvider) GetService(ctx context.Context, serviceID uint64) (ServiceRecord, error) {
	data := append(selector("getService(uint256)"), encodeUint64Word(serviceID)...)
	result, err := p.ethCall(ctx, data)
	if err != nil {
		return ServiceRecord{}, err
	}
	if len(result) < 64 {
		return ServiceRecord{}, apperrors.Validation("getService returned too few words")
	}

	blueprintID := decodeUint64Word(wordAt(result, 0))
	arrayOffset := int(decodeUint64Word(wordAt(result, 1))) / 32
	arrayLen := int(decodeUint64Word(wordAt(result, arrayOffset)))

	operators := make([]string, 0, arrayLen)
	for i := 0; i < arrayLen; i++ {
		word := wordAt(result, arrayOffset+1+i)
		operators = append(operators, "0x"+hex.EncodeToString(word[12:]))
	}

	return ServiceRecord{ServiceID: serviceID, BlueprintID: blueprintID, Operators: operators}, nil
}

// IsServiceOperator calls isServiceOperator(uint256,address) -> bool.
func (p *EthReadProvider) IsServiceOperator(ctx context.Context, serviceID uint64, operator string) (bool, error) {
	data := append(selector("isServiceOperator(uint256,address)"), encodeUint64Word(serviceID)...)
	data = append(data, encodeAddressWord(operator)...)
	result, err := p.ethCall(ctx, data)
	if err != nil {
		return false, err
	}
	word := wordAt(result, 0)
	return word[len(word)-1] != 0, nil
}

// GetBlueprintDefinition calls getBlueprintDefinition(uint256) -> bytes,
// the blueprint's raw JSON metadata.
func (p *EthReadProvider) GetBlueprintDefinition(ctx context.Context, blueprintID uint64) (BlueprintDefinition, error) {
	data := append(selector("getBlueprintDefinition(uint256)"), encodeUint64Word(blueprintID)...)
	result, err := p.ethCall(ctx, data)
	if err != nil {
		return BlueprintDefinition{}, err
	}
	if len(result) < 32 {
		return BlueprintDefinition{}, apperrors.Validation("getBlueprintDefinition returned too few words")
	}

	length := int(decodeUint64Word(wordAt(result, 1)))
	start := 64
	if start+length > len(result) {
		return BlueprintDefinition{}, apperrors.Validation("getBlueprintDefinition data truncated")
	}
	return BlueprintDefinition{BlueprintID: blueprintID, RawJSON: result[start : start+length]}, nil
}

// SubmitJobResult satisfies WriteProvider's submitJobResult(uint256,
// uint256,bytes) method but sends no transaction: EthReadProvider holds no
// transaction signer, so it always returns a KindOther error. Every manager
// decision is driven by the read methods.
func (p *EthReadProvider) SubmitJobResult(ctx context.Context, serviceID, callID uint64, result []byte) error {
	return apperrors.New(apperrors.KindOther, "SubmitJobResult requires a configured transaction signer, none configured")
}

// AddPermittedCaller satisfies addPermittedCaller(uint256,address) but, like
// SubmitJobResult, sends no transaction and always returns a KindOther
// error.
func (p *EthReadProvider) AddPermittedCaller(ctx context.Context, serviceID uint64, caller string) error {
	return apperrors.New(apperrors.KindOther, "AddPermittedCaller requires a configured transaction signer, none configured")
}

// RequestJobCall satisfies requestJobCall(uint256,uint8,bytes) but, like
// SubmitJobResult, sends no transaction and always returns call ID 0 with a
// KindOther error.
func (p *EthReadProvider) RequestJobCall(ctx context.Context, serviceID uint64, job uint32, payload []byte) (uint64, error) {
	return 0, apperrors.New(apperrors.KindOther, "RequestJobCall requires a configured transaction signer, none configured")
}
