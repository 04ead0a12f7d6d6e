package core

import "github.com/ethereum/go-ethereum/rlp"

// rlpHashTreeChunk mirrors HashTreeChunk using only RLP-safe field types: a
// bool is carried as a 0/1 byte since catchup peers may run against older
// rlp encoder/decoder revisions with inconsistent direct bool support.
type rlpHashTreeChunk struct {
	Ball          string
	UnitID        string
	ParentBalls   []string
	SkiplistBalls []string
	IsNonserial   uint8
}

func toRLPChunk(c HashTreeChunk) rlpHashTreeChunk {
	var nonserial uint8
	if c.IsNonserial {
		nonserial = 1
	}
	return rlpHashTreeChunk{
		Ball:          c.Ball,
		UnitID:        c.UnitID,
		ParentBalls:   c.ParentBalls,
		SkiplistBalls: c.SkiplistBalls,
		IsNonserial:   nonserial,
	}
}

func fromRLPChunk(c rlpHashTreeChunk) HashTreeChunk {
	return HashTreeChunk{
		Ball:          c.Ball,
		UnitID:        c.UnitID,
		ParentBalls:   c.ParentBalls,
		SkiplistBalls: c.SkiplistBalls,
		IsNonserial:   c.IsNonserial != 0,
	}
}

// EncodeHashTreeChunks packs a catchup hash-tree range into the compact RLP
// wire format, avoiding per-chunk JSON object overhead when a catchup round
// spans many thousands of chunks.
func EncodeHashTreeChunks(chunks []HashTreeChunk) ([]byte, error) {
	wire := make([]rlpHashTreeChunk, len(chunks))
	for i, c := range chunks {
		wire[i] = toRLPChunk(c)
	}
	raw, err := rlp.EncodeToBytes(wire)
	if err != nil {
		return nil, protocolErr("wireformat.EncodeHashTreeChunks", "rlp encode", err)
	}
	return raw, nil
}

// DecodeHashTreeChunks unpacks a hash_tree wire blob previously produced by
// EncodeHashTreeChunks.
func DecodeHashTreeChunks(raw []byte) ([]HashTreeChunk, error) {
	var wire []rlpHashTreeChunk
	if err := rlp.DecodeBytes(raw, &wire); err != nil {
		return nil, protocolErr("wireformat.DecodeHashTreeChunks", "rlp decode", err)
	}
	chunks := make([]HashTreeChunk, len(wire))
	for i, c := range wire {
		chunks[i] = fromRLPChunk(c)
	}
	return chunks, nil
}
