package core

import "testing"

func TestEffectiveDefinitionPrefersInlineOverStored(t *testing.T) {
	s := newTestStorage(t)
	ds := NewDefinitionStore(s)

	inline := []interface{}{"sig", map[string]interface{}{"pubkey": "aabbcc"}}
	def, err := ds.EffectiveDefinition("addr1", inline, 100)
	if err != nil {
		t.Fatalf("EffectiveDefinition: %v", err)
	}
	if def.Op != "sig" {
		t.Fatalf("Op = %q, want sig", def.Op)
	}
}

func TestEffectiveDefinitionFallsBackToStoredAndCaches(t *testing.T) {
	s := newTestStorage(t)
	ds := NewDefinitionStore(s)

	tx := s.Begin()
	stored := []interface{}{"sig", map[string]interface{}{"pubkey": "ddeeff"}}
	if err := tx.AddQuery("address_definition_changes", "u1", definitionRow{Address: "addr2", Definition: stored, MCI: 5, UnitID: "u1"}); err != nil {
		t.Fatalf("AddQuery: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	def, err := ds.EffectiveDefinition("addr2", nil, 10)
	if err != nil {
		t.Fatalf("EffectiveDefinition: %v", err)
	}
	if def.Op != "sig" {
		t.Fatalf("Op = %q, want sig", def.Op)
	}

	// Second lookup should be served from cache without touching storage;
	// InvalidateCache should force a fresh read.
	def2, err := ds.EffectiveDefinition("addr2", nil, 10)
	if err != nil {
		t.Fatalf("EffectiveDefinition (cached): %v", err)
	}
	if def2 != def {
		t.Fatal("expected the cached pointer to be returned on second lookup")
	}
	ds.InvalidateCache("addr2")
	def3, err := ds.EffectiveDefinition("addr2", nil, 10)
	if err != nil {
		t.Fatalf("EffectiveDefinition (after invalidate): %v", err)
	}
	if def3 == def {
		t.Fatal("expected a freshly parsed definition after InvalidateCache")
	}
}

func TestEffectiveDefinitionUnknownAddressIsTransient(t *testing.T) {
	s := newTestStorage(t)
	ds := NewDefinitionStore(s)
	_, err := ds.EffectiveDefinition("ghost", nil, 10)
	if !Is(err, KindTransient) {
		t.Fatalf("expected KindTransient, got %v", err)
	}
}

func TestVerifyAuthentifiersSingleSig(t *testing.T) {
	priv := testPrivateKey(t)
	def := &Definition{Op: "sig", PubKey: priv.PubKey().SerializeCompressed()}
	hash := Hash32(sha256Of([]byte("unit to authenticate")))
	sig := Sign(priv, hash)

	ok, err := VerifyAuthentifiers(def, hash, Authentifier{"r": string(sig)})
	if err != nil {
		t.Fatalf("VerifyAuthentifiers: %v", err)
	}
	if !ok {
		t.Fatal("expected single-sig authentifier to verify")
	}
}

func TestVerifyAuthentifiersAndRequiresAllSubs(t *testing.T) {
	priv1 := testPrivateKey(t)
	priv2 := testPrivateKey(t)
	def := &Definition{Op: "and", Subs: []*Definition{
		{Op: "sig", PubKey: priv1.PubKey().SerializeCompressed()},
		{Op: "sig", PubKey: priv2.PubKey().SerializeCompressed()},
	}}
	hash := Hash32(sha256Of([]byte("joint sig unit")))
	sig1 := Sign(priv1, hash)

	auth := Authentifier{"r.0": string(sig1)} // missing r.1
	ok, err := VerifyAuthentifiers(def, hash, auth)
	if err != nil {
		t.Fatalf("VerifyAuthentifiers: %v", err)
	}
	if ok {
		t.Fatal("and-definition must fail when one sub-signature is missing")
	}
}

func TestVerifyAuthentifiersWeightedAndThreshold(t *testing.T) {
	priv1 := testPrivateKey(t)
	priv2 := testPrivateKey(t)
	def := &Definition{
		Op:       "weighted and",
		Subs:     []*Definition{{Op: "sig", PubKey: priv1.PubKey().SerializeCompressed()}, {Op: "sig", PubKey: priv2.PubKey().SerializeCompressed()}},
		Weights:  []int{1, 2},
		Required: 2,
	}
	hash := Hash32(sha256Of([]byte("weighted unit")))
	sig1 := Sign(priv1, hash)

	ok, err := VerifyAuthentifiers(def, hash, Authentifier{"r.0": string(sig1)})
	if err != nil {
		t.Fatalf("VerifyAuthentifiers: %v", err)
	}
	if ok {
		t.Fatal("weight 1 alone must not satisfy a required threshold of 2")
	}

	sig2 := Sign(priv2, hash)
	ok, err = VerifyAuthentifiers(def, hash, Authentifier{"r.1": string(sig2)})
	if err != nil {
		t.Fatalf("VerifyAuthentifiers: %v", err)
	}
	if !ok {
		t.Fatal("weight 2 alone must satisfy a required threshold of 2")
	}
}

func TestVerifyAuthentifiersAutonomousAgentCannotAuthor(t *testing.T) {
	def := &Definition{Op: "autonomous agent", AABody: map[string]interface{}{}}
	hash := Hash32(sha256Of([]byte("x")))
	_, err := VerifyAuthentifiers(def, hash, Authentifier{"r": "whatever"})
	if !Is(err, KindUnit) {
		t.Fatalf("expected KindUnit error rejecting AA-address authorship, got %v", err)
	}
}
