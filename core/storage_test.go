package core

import (
	"path/filepath"
	"testing"
)

func TestOpenStorageRejectsEmptyWALPath(t *testing.T) {
	if _, err := OpenStorage(StorageConfig{}); !Is(err, KindFatal) {
		t.Fatalf("expected KindFatal for empty WAL path, got %v", err)
	}
}

func TestStoragePutKVAndReadJointRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	putJoint(t, s, "unit1", []string{"parentA"})

	j, ok, err := s.ReadJoint("unit1")
	if err != nil {
		t.Fatalf("ReadJoint: %v", err)
	}
	if !ok {
		t.Fatal("expected joint to be found")
	}
	if j.Unit.UnitID != "unit1" || len(j.Unit.ParentUnits) != 1 || j.Unit.ParentUnits[0] != "parentA" {
		t.Fatalf("unexpected joint read back: %+v", j)
	}
}

func TestStorageReadJointMissingReturnsFalseNotError(t *testing.T) {
	s := newTestStorage(t)
	_, ok, err := s.ReadJoint("does-not-exist")
	if err != nil {
		t.Fatalf("ReadJoint: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for unknown unit")
	}
}

func TestStorageWALReplaysAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	walPath := filepath.Join(dir, "wal.log")
	kv := newMemKV()

	s1, err := OpenStorage(StorageConfig{WALPath: walPath, KV: kv})
	if err != nil {
		t.Fatalf("OpenStorage (first): %v", err)
	}
	putJoint(t, s1, "persisted-unit", nil)
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen against the same WAL file and KV store: the relational table
	// (units) replays from the WAL; the KV-stored joint is still served by
	// the same kv instance, exactly as a long-lived embedded store would.
	s2, err := OpenStorage(StorageConfig{WALPath: walPath, KV: kv})
	if err != nil {
		t.Fatalf("OpenStorage (second): %v", err)
	}
	defer s2.Close()

	j, ok, err := s2.ReadJoint("persisted-unit")
	if err != nil {
		t.Fatalf("ReadJoint after reopen: %v", err)
	}
	if !ok || j.Unit.UnitID != "persisted-unit" {
		t.Fatalf("joint not recovered after reopen: ok=%v joint=%+v", ok, j)
	}
}

func TestStorageMarkUnstableThenPromoteStable(t *testing.T) {
	s := newTestStorage(t)
	props := &UnitProps{UnitID: "u1", Level: 1, Sequence: SeqGood}
	s.MarkUnstable(props)

	got, ok := s.ReadUnitProps("u1")
	if !ok || got.UnitID != "u1" || got.IsStable {
		t.Fatalf("expected to read back unstable props, got ok=%v props=%+v", ok, got)
	}

	tx := s.Begin()
	stable := *props
	stable.IsStable = true
	if err := s.PromoteStable(tx, &stable); err != nil {
		t.Fatalf("PromoteStable: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	s.CommitStablePromotion("u1")

	if len(s.UnstableProps()) != 0 {
		t.Fatal("expected no unstable props remaining after promotion")
	}
	final, ok := s.ReadUnitProps("u1")
	if !ok || !final.IsStable {
		t.Fatalf("expected promoted props to be stable, got ok=%v props=%+v", ok, final)
	}
}

func TestStorageKnownBadTracking(t *testing.T) {
	s := newTestStorage(t)
	if s.IsKnownBad("u1") {
		t.Fatal("unit should not start out known-bad")
	}
	s.MarkKnownBad("u1")
	if !s.IsKnownBad("u1") {
		t.Fatal("expected unit to be known-bad after MarkKnownBad")
	}
}

func TestTxRollbackDiscardsStagedWrites(t *testing.T) {
	s := newTestStorage(t)
	tx := s.Begin()
	tx.PutKV("j\nshould-not-persist", []byte("x"))
	tx.Rollback()

	if _, ok, _ := s.ReadJoint("should-not-persist"); ok {
		t.Fatal("rolled-back transaction must not persist its writes")
	}
}

func TestTxCommitTwiceFails(t *testing.T) {
	s := newTestStorage(t)
	tx := s.Begin()
	if err := tx.Commit(); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := tx.Commit(); err == nil {
		t.Fatal("expected error committing an already-finished transaction")
	}
}

func TestReadDefinitionByAddressTieBreaksByUnitID(t *testing.T) {
	s := newTestStorage(t)
	tx := s.Begin()
	if err := tx.AddQuery("address_definition_changes", "u-zzz", definitionRow{Address: "addr1", MCI: 5, UnitID: "u-zzz"}); err != nil {
		t.Fatalf("AddQuery: %v", err)
	}
	if err := tx.AddQuery("address_definition_changes", "u-aaa", definitionRow{Address: "addr1", MCI: 5, UnitID: "u-aaa"}); err != nil {
		t.Fatalf("AddQuery: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	row, ok := s.ReadDefinitionByAddress("addr1", 10)
	if !ok {
		t.Fatal("expected a definition row")
	}
	if row.UnitID != "u-aaa" {
		t.Fatalf("ReadDefinitionByAddress tie-break = %q, want lexicographically smallest %q", row.UnitID, "u-aaa")
	}
}

func TestReadDefinitionByAddressRespectsMaxMCI(t *testing.T) {
	s := newTestStorage(t)
	tx := s.Begin()
	if err := tx.AddQuery("address_definition_changes", "u1", definitionRow{Address: "addr1", MCI: 100, UnitID: "u1"}); err != nil {
		t.Fatalf("AddQuery: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, ok := s.ReadDefinitionByAddress("addr1", 50); ok {
		t.Fatal("definition committed at MCI 100 must not be visible at maxMCI 50")
	}
}
