package blockutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ddr4869/organchain/common/types"
	"github.com/pkg/errors"
)

// canonicalBlock builds the hashed form of a block. Maps are marshalled with
// sorted keys by encoding/json, so the digest does not depend on how the
// block value was constructed. Decrypted views are not part of it.
func canonicalBlock(block *types.Block) map[string]any {
	entries := make([]map[string]any, 0, len(block.Data))
	for _, entry := range block.Data {
		entries = append(entries, map[string]any{
			"data_encrypted": entry.DataEncrypted,
		})
	}
	return map[string]any{
		"index":         block.Index,
		"timestamp":     block.Timestamp,
		"previous_hash": block.PreviousHash,
		"data":          entries,
	}
}

// CalculateBlockHash returns the hex sha256 of the block's canonical content.
func CalculateBlockHash(block *types.Block) (string, error) {
	if block == nil {
		return "", errors.New("block cannot be nil")
	}
	encoded, err := json.Marshal(canonicalBlock(block))
	if err != nil {
		return "", errors.Wrapf(err, "failed to encode block %d for hash", block.Index)
	}
	hash := sha256.Sum256(encoded)
	return hex.EncodeToString(hash[:]), nil
}

// MustBlockHash is CalculateBlockHash for blocks already known to be
// well formed (every field of a non-nil block is encodable).
func MustBlockHash(block *types.Block) string {
	hash, err := CalculateBlockHash(block)
	if err != nil {
		panic(err)
	}
	return hash
}
