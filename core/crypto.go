package core

import (
	"bytes"
	"crypto/sha256"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// VerifySignature checks a single-sig author's authentifier: sig is the
// DER-encoded secp256k1 ECDSA signature over the unit hash, pubKeyBytes is
// the 33-byte compressed public key named by the author's definition.
func VerifySignature(pubKeyBytes []byte, unitHash Hash32, sig []byte) (bool, error) {
	pub, err := btcec.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false, unitErr("crypto.VerifySignature", "malformed public key", err)
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false, nil // malformed signature is a verification failure, not a crash
	}
	return parsed.Verify(unitHash[:], pub), nil
}

// Sign produces a DER-encoded secp256k1 signature over hash using priv.
// Within this module it is called only from tests.
func Sign(priv *btcec.PrivateKey, hash Hash32) []byte {
	sig := ecdsa.Sign(priv, hash[:])
	return sig.Serialize()
}

// ComputeMerkleRoot builds a Bitcoin-style double-SHA256 Merkle root over
// leaves in canonical (sorted) order. Used by the hash-tree/catchup layer
// to commit a chunk of balls to a single root for compact verification;
// unit/ball hashing itself goes through UnitHash/BallHash in core/ids.go
// and core/hashing.go, never through this helper, since the protocol's
// byte-exact hash format is a simple newline-joined SHA-256, not a Merkle
// tree.
func ComputeMerkleRoot(leaves [][]byte) ([]byte, error) {
	if len(leaves) == 0 {
		return nil, jointErr("crypto.ComputeMerkleRoot", "no leaves", nil)
	}
	ordered := make([][]byte, len(leaves))
	copy(ordered, leaves)
	sort.SliceStable(ordered, func(i, j int) bool { return bytes.Compare(ordered[i], ordered[j]) < 0 })

	level := make([][]byte, len(ordered))
	for i, l := range ordered {
		h := sha256.Sum256(l)
		hh := sha256.Sum256(h[:])
		level[i] = hh[:]
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([][]byte, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			pair := append(append([]byte{}, level[i]...), level[i+1]...)
			h := sha256.Sum256(pair)
			hh := sha256.Sum256(h[:])
			next = append(next, hh[:])
		}
		level = next
	}
	root := make([]byte, 32)
	copy(root, level[0])
	return root, nil
}
