// Package integrity provides tamper-evident hashing and Merkle tree
// construction over the contradiction ledger. All functions are pure
// and deterministic, adapted from the teacher's decision-ledger
// integrity proofs (internal/integrity/integrity.go) onto
// SPEC_FULL.md §12's ledger tamper-evidence requirement.
package integrity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// LeafHash produces the SHA-256 hex digest of one ledger entry's
// canonical content string (as returned by
// storage.GetContradictionContentForBatch). Content already encodes
// the contradiction_id, kind, and full resolution_history, so two
// leaves collide only if the entries are byte-identical.
func LeafHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// hashPair produces SHA-256(0x01 || len(a) || a || b) as a hex string.
// The 0x01 prefix is a domain separator for internal Merkle tree nodes
// (per RFC 6962), ensuring internal node hashes can never collide with
// leaf content hashes. The 4-byte big-endian length prefix on `a`
// prevents second-preimage attacks from boundary ambiguity (e.g.
// hashPair("ab","c") != hashPair("a","bc")).
func hashPair(a, b string) string {
	h := sha256.New()
	h.Write([]byte{0x01}) // internal node domain separator
	aBytes := []byte(a)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(aBytes))) //nolint:gosec // hash inputs are bounded-length hex strings
	h.Write(lenBuf[:])
	h.Write(aBytes)
	h.Write([]byte(b))
	return hex.EncodeToString(h.Sum(nil))
}

// BuildMerkleRoot constructs a Merkle tree from leaf hashes and returns the root.
// Leaves must be sorted lexicographically by the caller for determinism.
// If leaves is empty, returns an empty string.
// If leaves has one element, the root is that element.
// Odd-length levels hash the last node with itself for structural binding.
func BuildMerkleRoot(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	if len(leaves) == 1 {
		return leaves[0]
	}

	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		var next []string
		for i := 0; i < len(level); i += 2 {
			if i+1 < len(level) {
				next = append(next, hashPair(level[i], level[i+1]))
			} else {
				next = append(next, hashPair(level[i], level[i]))
			}
		}
		level = next
	}

	return level[0]
}
