package rfq

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/tangle-network/blueprint-core/internal/apperrors"
)

// fingerprint deterministically encodes a QuoteRequest for PoW hashing and
// dedup keys, independent of field ordering in whatever wire format
// carried it.
func fingerprint(req QuoteRequest) []byte {
	buf := make([]byte, 0, 64)
	buf = append(buf, []byte(req.ID)...)
	buf = append(buf, []byte(req.RequesterPubKey)...)
	var blueprintBuf [8]byte
	binary.BigEndian.PutUint64(blueprintBuf[:], req.BlueprintID)
	buf = append(buf, blueprintBuf[:]...)
	var nonceBuf [8]byte
	binary.BigEndian.PutUint64(nonceBuf[:], req.Nonce)
	buf = append(buf, nonceBuf[:]...)
	return buf
}

// ValidatePoW checks that sha256(fingerprint(req)) has at least
// difficultyBits leading zero bits.
func ValidatePoW(req QuoteRequest, difficultyBits int) error {
	sum := sha256.Sum256(fingerprint(req))
	if leadingZeroBits(sum[:]) < difficultyBits {
		return apperrors.Validation("quote request proof-of-work does not meet the configured difficulty")
	}
	return nil
}

func leadingZeroBits(b []byte) int {
	count := 0
	for _, byt := range b {
		if byt == 0 {
			count += 8
			continue
		}
		for bit := 7; bit >= 0; bit-- {
			if byt&(1<<uint(bit)) == 0 {
				count++
			} else {
				return count
			}
		}
	}
	return count
}

// ValidateFreshness checks expiresAt > now and createdAt within tolerance
// of now (spec §4.7).
func ValidateFreshness(req QuoteRequest, createdAtTolerance time.Duration) error {
	now := time.Now()
	if !req.ExpiresAt.After(now) {
		return apperrors.Expired("quote request has already expired")
	}
	if req.CreatedAt.After(now.Add(createdAtTolerance)) || req.CreatedAt.Before(now.Add(-createdAtTolerance)) {
		return apperrors.Validation("quote request createdAt is outside tolerance")
	}
	return nil
}

// DedupKey is (id, requesterPubKey), per spec §4.7.
type DedupKey struct {
	ID              string
	RequesterPubKey string
}

func dedupKeyFor(req QuoteRequest) DedupKey {
	return DedupKey{ID: req.ID, RequesterPubKey: req.RequesterPubKey}
}
