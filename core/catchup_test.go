package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// seedStableUnit writes a fully stable unit (units row + joint + ball KV
// entry) so BuildHashTreeChunks can resolve it purely through storage.
func seedStableUnit(t *testing.T, s *Storage, unitID, ball string, mci int64, parents []string) {
	t.Helper()
	tx := s.Begin()
	props := UnitProps{UnitID: unitID, MainChainIndex: mci, IsStable: true, IsOnMainChain: true}
	if err := tx.AddQuery("units", unitID, props); err != nil {
		t.Fatalf("AddQuery: %v", err)
	}
	joint := Joint{Unit: Unit{UnitID: unitID, ParentUnits: parents}, Ball: ball}
	raw := mustMarshalJoint(t, joint)
	tx.PutKV("j\n"+unitID, raw)
	tx.PutKV("b\n"+ball, []byte(unitID))
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func mustMarshalJoint(t *testing.T, j Joint) []byte {
	t.Helper()
	raw, err := json.Marshal(j)
	if err != nil {
		t.Fatalf("marshal joint: %v", err)
	}
	return raw
}

func TestBuildHashTreeChunksWalksStableRange(t *testing.T) {
	s := newTestStorage(t)
	seedStableUnit(t, s, "A", "ballA", 0, nil)
	seedStableUnit(t, s, "B", "ballB", 1, []string{"A"})
	seedStableUnit(t, s, "C", "ballC", 2, []string{"B"})
	catchup := NewCatchupServer(s, NewGraph(s))

	chunks, err := catchup.BuildHashTreeChunks("ballA", "ballC")
	if err != nil {
		t.Fatalf("BuildHashTreeChunks: %v", err)
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks = %d, want 2", len(chunks))
	}
	if chunks[0].UnitID != "B" || chunks[0].Ball != "ballB" {
		t.Fatalf("chunks[0] = %+v, want unit B/ballB", chunks[0])
	}
	if chunks[1].UnitID != "C" || chunks[1].Ball != "ballC" {
		t.Fatalf("chunks[1] = %+v, want unit C/ballC", chunks[1])
	}
	if len(chunks[0].ParentBalls) != 1 || chunks[0].ParentBalls[0] != "ballA" {
		t.Fatalf("chunks[0].ParentBalls = %v, want [ballA]", chunks[0].ParentBalls)
	}
}

func TestBuildHashTreeChunksRejectsUnknownBall(t *testing.T) {
	s := newTestStorage(t)
	seedStableUnit(t, s, "A", "ballA", 0, nil)
	catchup := NewCatchupServer(s, NewGraph(s))

	if _, err := catchup.BuildHashTreeChunks("ballA", "ghost-ball"); !Is(err, KindProtocol) {
		t.Fatalf("expected KindProtocol for unknown to_ball, got %v", err)
	}
}

func TestBuildHashTreeChunksRejectsUnstableBall(t *testing.T) {
	s := newTestStorage(t)
	seedStableUnit(t, s, "A", "ballA", 0, nil)
	tx := s.Begin()
	if err := tx.AddQuery("units", "B", UnitProps{UnitID: "B", MainChainIndex: 1, IsStable: false}); err != nil {
		t.Fatalf("AddQuery: %v", err)
	}
	tx.PutKV("j\nB", mustMarshalJoint(t, Joint{Unit: Unit{UnitID: "B"}, Ball: "ballB"}))
	tx.PutKV("b\nballB", []byte("B"))
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	catchup := NewCatchupServer(s, NewGraph(s))

	if _, err := catchup.BuildHashTreeChunks("ballA", "ballB"); !Is(err, KindProtocol) {
		t.Fatalf("expected KindProtocol for an unstable to_ball, got %v", err)
	}
}

func TestBuildWitnessProofWalksBackToMajority(t *testing.T) {
	s := newTestStorage(t)
	witnesses := twelveWitnesses()
	ids := []string{"u0", "u1", "u2", "u3", "u4", "u5", "u6"}
	for i, id := range ids {
		bp := ""
		var parents []string
		if i > 0 {
			bp = ids[i-1]
			parents = []string{bp}
		}
		s.MarkUnstable(&UnitProps{UnitID: id, Level: int64(i), BestParentUnit: bp})
		u := Unit{UnitID: id, ParentUnits: parents, Authors: []Author{{Address: witnesses[i]}}}
		if id == "u6" {
			u.LastBallUnit = "somewhere"
		}
		putFullJoint(t, s, Joint{Unit: u})
	}
	catchup := NewCatchupServer(s, NewGraph(s))

	proof, err := catchup.BuildWitnessProof("u6", witnesses)
	if err != nil {
		t.Fatalf("BuildWitnessProof: %v", err)
	}
	if len(proof.UnstableMCJoints) != len(ids) {
		t.Fatalf("UnstableMCJoints = %d, want %d", len(proof.UnstableMCJoints), len(ids))
	}
}

func TestBuildWitnessProofFailsWithInsufficientWitnesses(t *testing.T) {
	s := newTestStorage(t)
	witnesses := twelveWitnesses()
	s.MarkUnstable(&UnitProps{UnitID: "only", Level: 0})
	putFullJoint(t, s, Joint{Unit: Unit{
		UnitID: "only", LastBallUnit: "somewhere",
		Authors: []Author{{Address: witnesses[0]}},
	}})
	catchup := NewCatchupServer(s, NewGraph(s))

	if _, err := catchup.BuildWitnessProof("only", witnesses); !Is(err, KindProtocol) {
		t.Fatalf("expected KindProtocol when too few distinct witnesses are found, got %v", err)
	}
}

func TestValidateWitnessProofRejectsInsufficientDistinctWitnesses(t *testing.T) {
	u := buildValidGenesisStyleUnit(t)
	u.LastBallUnit = "somewhere"
	h, err := UnitHash(u)
	if err != nil {
		t.Fatalf("UnitHash: %v", err)
	}
	u.UnitID = h.String()
	proof := &WitnessProof{UnstableMCJoints: []Joint{{Unit: u}}}
	// u's only author is its own wallet address, not one of its witnesses.
	if err := ValidateWitnessProof(proof, u.Witnesses); err == nil {
		t.Fatal("expected rejection for insufficient distinct witness authors")
	}
}

func TestValidateWitnessProofRejectsTamperedUnitID(t *testing.T) {
	u := buildValidGenesisStyleUnit(t)
	u.UnitID = "tampered"
	proof := &WitnessProof{UnstableMCJoints: []Joint{{Unit: u}}}
	if err := ValidateWitnessProof(proof, u.Witnesses); err == nil {
		t.Fatal("expected rejection for a tampered unit_id")
	}
}

// TestValidateHashTreeChunkRejectsFabricatedSkiplist proves a chunk
// claiming a skiplist ball that was never scheduled for delivery in this
// catchup range, and was never independently verified, is rejected.
func TestValidateHashTreeChunkRejectsFabricatedSkiplist(t *testing.T) {
	chunk := HashTreeChunk{Ball: "ballZ", UnitID: "Z", SkiplistBalls: []string{"forged-ball"}}
	scheduled := map[string]bool{"ballA": true, "ballB": true}
	verified := map[string]bool{}
	if err := ValidateHashTreeChunk(chunk, scheduled, verified); err == nil {
		t.Fatal("expected rejection of a fabricated skiplist ball")
	}
}

func TestValidateHashTreeChunkAcceptsScheduledSkiplist(t *testing.T) {
	chunk := HashTreeChunk{Ball: "ballZ", UnitID: "Z", SkiplistBalls: []string{"ballA"}}
	scheduled := map[string]bool{"ballA": true}
	verified := map[string]bool{}
	if err := ValidateHashTreeChunk(chunk, scheduled, verified); err != nil {
		t.Fatalf("expected acceptance of a scheduled skiplist ball, got %v", err)
	}
}

type fakeCatchupClient struct {
	calls int
	err   error
}

func (f *fakeCatchupClient) RequestCatchup(ctx context.Context, lastKnownMCI int64) error {
	f.calls++
	return f.err
}

func TestSyncManagerStartStopStatus(t *testing.T) {
	client := &fakeCatchupClient{}
	m := NewSyncManager(client)
	if status := m.Status(); status["active"] != false {
		t.Fatalf("Status before Start = %v, want inactive", status)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx, 0)
	time.Sleep(10 * time.Millisecond)
	if client.calls == 0 {
		t.Fatal("expected RequestCatchup to be called at least once")
	}
	m.Stop()
}

func TestSyncManagerRetriesOnFailure(t *testing.T) {
	client := &fakeCatchupClient{err: errors.New("peer unreachable")}
	m := NewSyncManager(client)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	m.Start(ctx, 0)
	<-ctx.Done()
	if client.calls == 0 {
		t.Fatal("expected at least one retry attempt before context expiry")
	}
	m.Stop()
}
