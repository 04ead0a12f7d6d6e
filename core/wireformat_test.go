package core

import "testing"

func TestEncodeDecodeHashTreeChunksRoundTrip(t *testing.T) {
	chunks := []HashTreeChunk{
		{
			Ball:          "ballA",
			UnitID:        "unitA",
			ParentBalls:   []string{"p1", "p2"},
			SkiplistBalls: []string{"s1"},
			IsNonserial:   false,
		},
		{
			Ball:          "ballB",
			UnitID:        "unitB",
			ParentBalls:   nil,
			SkiplistBalls: nil,
			IsNonserial:   true,
		},
	}

	raw, err := EncodeHashTreeChunks(chunks)
	if err != nil {
		t.Fatalf("EncodeHashTreeChunks: %v", err)
	}
	if len(raw) == 0 {
		t.Fatal("expected non-empty encoded payload")
	}

	got, err := DecodeHashTreeChunks(raw)
	if err != nil {
		t.Fatalf("DecodeHashTreeChunks: %v", err)
	}
	if len(got) != len(chunks) {
		t.Fatalf("decoded %d chunks, want %d", len(got), len(chunks))
	}
	for i := range chunks {
		if got[i].Ball != chunks[i].Ball || got[i].UnitID != chunks[i].UnitID {
			t.Fatalf("chunk %d mismatch: got %+v, want %+v", i, got[i], chunks[i])
		}
		if got[i].IsNonserial != chunks[i].IsNonserial {
			t.Fatalf("chunk %d IsNonserial = %v, want %v", i, got[i].IsNonserial, chunks[i].IsNonserial)
		}
	}
}

func TestEncodeHashTreeChunksEmpty(t *testing.T) {
	raw, err := EncodeHashTreeChunks(nil)
	if err != nil {
		t.Fatalf("EncodeHashTreeChunks(nil): %v", err)
	}
	got, err := DecodeHashTreeChunks(raw)
	if err != nil {
		t.Fatalf("DecodeHashTreeChunks: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected zero chunks back, got %d", len(got))
	}
}

func TestDecodeHashTreeChunksRejectsGarbage(t *testing.T) {
	if _, err := DecodeHashTreeChunks([]byte("not rlp")); err == nil {
		t.Fatal("expected decode error for non-RLP input")
	}
}
