package core

import (
	"testing"
	"time"
)

// buildValidGenesisStyleUnit assembles a single-author, no-parent unit whose
// commissions, hash and signature are all internally consistent, so
// Validator.Validate should accept it outright.
func buildValidGenesisStyleUnit(t *testing.T) Unit {
	t.Helper()
	priv := testPrivateKey(t)
	rawDef := []interface{}{"sig", map[string]interface{}{"pubkey": string(priv.PubKey().SerializeCompressed())}}
	addr, err := AddressFromDefinition(rawDef)
	if err != nil {
		t.Fatalf("AddressFromDefinition: %v", err)
	}

	u := Unit{
		Version:   "4.0",
		Alt:       "1",
		Timestamp: time.Now().Unix(),
		Witnesses: twelveWitnesses(),
		Authors: []Author{{
			Address:       addr.String(),
			Definition:    rawDef,
			Authentifiers: Authentifier{},
		}},
		Messages: []Message{{
			App:        AppPayment,
			PayloadLoc: PayloadInline,
			Outputs:    []Output{{Address: "recipient", Amount: 100}},
		}},
	}

	strippedMessages := make([]interface{}, len(u.Messages))
	for i, m := range u.Messages {
		strippedMessages[i] = map[string]interface{}{
			"app":              string(m.App),
			"payload_location": string(m.PayloadLoc),
			"payload_hash":     m.PayloadHash,
		}
	}
	payloadSize, err := TotalPayloadSize(strippedMessages, 0, true)
	if err != nil {
		t.Fatalf("TotalPayloadSize: %v", err)
	}
	u.PayloadCommission = payloadSize

	headersStripped := map[string]interface{}{
		"version":      u.Version,
		"alt":          u.Alt,
		"parent_units": toAnySlice(u.ParentUnits),
		"authors":      len(u.Authors),
		"timestamp":    u.Timestamp,
	}
	headersLen, err := GetLength(headersStripped, true, 0)
	if err != nil {
		t.Fatalf("GetLength: %v", err)
	}
	u.HeadersCommission = headersLen

	hash, err := UnitHash(u)
	if err != nil {
		t.Fatalf("UnitHash: %v", err)
	}
	u.UnitID = hash.String()

	sig := Sign(priv, hash)
	u.Authors[0].Authentifiers = Authentifier{"r": string(sig)}

	return u
}

func TestValidatorAcceptsWellFormedGenesisStyleUnit(t *testing.T) {
	u := buildValidGenesisStyleUnit(t)
	s := newTestStorage(t)
	v := NewValidator(s, NewGraph(s), NewDefinitionStore(s), "1", false)

	res := v.Validate(Joint{Unit: u}, time.Now())
	if res.Outcome != Ok {
		t.Fatalf("Validate outcome = %v, want Ok (err=%v, missing=%v)", res.Outcome, res.Err, res.Missing)
	}
}

func TestValidatorRejectsAltMismatch(t *testing.T) {
	u := buildValidGenesisStyleUnit(t)
	s := newTestStorage(t)
	v := NewValidator(s, NewGraph(s), NewDefinitionStore(s), "2", false)

	res := v.Validate(Joint{Unit: u}, time.Now())
	if res.Outcome != Rejected {
		t.Fatalf("Validate outcome = %v, want Rejected for alt mismatch", res.Outcome)
	}
}

func TestValidatorRejectsTamperedUnitID(t *testing.T) {
	u := buildValidGenesisStyleUnit(t)
	u.UnitID = "tampered-id"
	s := newTestStorage(t)
	v := NewValidator(s, NewGraph(s), NewDefinitionStore(s), "1", false)

	res := v.Validate(Joint{Unit: u}, time.Now())
	if res.Outcome != Rejected {
		t.Fatalf("Validate outcome = %v, want Rejected for unit_id mismatch", res.Outcome)
	}
}

func TestValidatorRejectsBadCommission(t *testing.T) {
	u := buildValidGenesisStyleUnit(t)
	u.PayloadCommission += 1
	s := newTestStorage(t)
	v := NewValidator(s, NewGraph(s), NewDefinitionStore(s), "1", false)

	res := v.Validate(Joint{Unit: u}, time.Now())
	if res.Outcome != Rejected {
		t.Fatalf("Validate outcome = %v, want Rejected for payload_commission mismatch", res.Outcome)
	}
}

func TestValidatorRejectsWrongWitnessCount(t *testing.T) {
	u := buildValidGenesisStyleUnit(t)
	u.Witnesses = u.Witnesses[:5]
	s := newTestStorage(t)
	v := NewValidator(s, NewGraph(s), NewDefinitionStore(s), "1", false)

	res := v.Validate(Joint{Unit: u}, time.Now())
	if res.Outcome != Rejected {
		t.Fatalf("Validate outcome = %v, want Rejected for wrong witness count", res.Outcome)
	}
}

func TestValidatorNeedsParentsWhenParentUnknown(t *testing.T) {
	u := buildValidGenesisStyleUnit(t)
	u.ParentUnits = []string{"unknown-parent"}
	// Recompute hash/commissions since parent_units is part of the hashed
	// and headers-commission form.
	headersStripped := map[string]interface{}{
		"version": u.Version, "alt": u.Alt, "parent_units": toAnySlice(u.ParentUnits),
		"authors": len(u.Authors), "timestamp": u.Timestamp,
	}
	headersLen, err := GetLength(headersStripped, true, 0)
	if err != nil {
		t.Fatalf("GetLength: %v", err)
	}
	u.HeadersCommission = headersLen
	hash, err := UnitHash(u)
	if err != nil {
		t.Fatalf("UnitHash: %v", err)
	}
	u.UnitID = hash.String()

	s := newTestStorage(t)
	v := NewValidator(s, NewGraph(s), NewDefinitionStore(s), "1", false)
	res := v.Validate(Joint{Unit: u}, time.Now())
	if res.Outcome != NeedParents {
		t.Fatalf("Validate outcome = %v, want NeedParents (err=%v)", res.Outcome, res.Err)
	}
	if len(res.Missing) != 1 || res.Missing[0] != "unknown-parent" {
		t.Fatalf("Missing = %v, want [unknown-parent]", res.Missing)
	}
}
