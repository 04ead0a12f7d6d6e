package core

import (
	"errors"
	"testing"
)

func TestErrorMessageIncludesWrappedCause(t *testing.T) {
	cause := errors.New("disk full")
	e := storageErr("storage.OpenStorage", "open WAL", cause)
	msg := e.Error()
	if msg != "storage.OpenStorage: open WAL: disk full" {
		t.Fatalf("Error() = %q", msg)
	}
}

func TestErrorMessageWithoutCause(t *testing.T) {
	e := unitErr("validator.Validate", "bad timestamp", nil)
	if e.Error() != "validator.Validate: bad timestamp" {
		t.Fatalf("Error() = %q", e.Error())
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("root cause")
	e := jointErr("writer.WriteJoint", "stage failed", cause)
	if errors.Unwrap(e) != cause {
		t.Fatal("Unwrap should return the wrapped cause")
	}
}

func TestIsMatchesOwnKind(t *testing.T) {
	e := transientErr("graph.BestParent", "parent not known", nil)
	if !Is(e, KindTransient) {
		t.Fatal("Is should match the error's own kind")
	}
	if Is(e, KindFatal) {
		t.Fatal("Is should not match an unrelated kind")
	}
}

func TestIsUnwrapsNestedTypedErrors(t *testing.T) {
	inner := storageErr("storage.applyTx", "kv put", nil)
	outer := &Error{Kind: KindJoint, Op: "writer.WriteJoint", Message: "commit failed", Err: inner}
	if !Is(outer, KindStorage) {
		t.Fatal("Is should unwrap through a chain of *Error values")
	}
}

func TestIsFalseOnPlainError(t *testing.T) {
	if Is(errors.New("plain"), KindUnit) {
		t.Fatal("Is should return false for a non-*Error error")
	}
	if Is(nil, KindUnit) {
		t.Fatal("Is should return false for nil")
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	kinds := []Kind{KindUnit, KindJoint, KindTransient, KindConsensus, KindStorage, KindProtocol, KindFatal}
	seen := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		s := k.String()
		if s == "unknown" {
			t.Fatalf("Kind %d stringified as unknown", k)
		}
		if seen[s] {
			t.Fatalf("Kind %d produced duplicate string %q", k, s)
		}
		seen[s] = true
	}
}
