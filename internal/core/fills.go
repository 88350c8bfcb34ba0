package core

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// NewFillID derives the deterministic fill identifier from the broker order
// id and the per-order fill sequence. Replayed polls regenerate the same id,
// which is what lets the ledger dedupe instead of trusting process memory.
func NewFillID(brokerOrderID string, fillSeq int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", brokerOrderID, fillSeq)))
	return hex.EncodeToString(sum[:16])
}
