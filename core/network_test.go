package core

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// fakeRequestServer is a scriptable RequestServer double so network_test.go
// can drive HTTPRequestServer's routing and status-code mapping without a
// real Storage-backed node behind it.
type fakeRequestServer struct {
	joint      *Joint
	jointErr   error
	witnesses  []string
	hashTree   []HashTreeChunk
	hashErr    error
	catchupErr error
	lightErr   error
	linkProofs []Joint
	linkErr    error
}

func (f *fakeRequestServer) GetJoint(unitID string) (*Joint, error) { return f.joint, f.jointErr }

func (f *fakeRequestServer) Catchup(witnessList []string, lastStableMCI, lastKnownMCI int64) (*WitnessProof, []HashTreeChunk, error) {
	return nil, f.hashTree, f.catchupErr
}

func (f *fakeRequestServer) GetHashTree(fromBall, toBall string) ([]HashTreeChunk, error) {
	return f.hashTree, f.hashErr
}

func (f *fakeRequestServer) GetWitnesses() []string { return f.witnesses }

func (f *fakeRequestServer) LightGetHistory(witnesses []string, requestedUnits, addresses []string, minMCI int64) (*WitnessProof, []string, []Joint, error) {
	return nil, nil, nil, f.lightErr
}

func (f *fakeRequestServer) LightGetLinkProofs(unitIDs []string) ([]Joint, error) {
	return f.linkProofs, f.linkErr
}

func TestHandleGetJointReturnsJointFromPathVar(t *testing.T) {
	f := &fakeRequestServer{joint: &Joint{Unit: Unit{UnitID: "u1"}}}
	h := NewHTTPRequestServer(f)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/get_joint/u1", nil)

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got Joint
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if got.Unit.UnitID != "u1" {
		t.Fatalf("got = %+v, want unit u1", got)
	}
}

func TestHandleGetJointMapsUnitErrorToBadRequest(t *testing.T) {
	f := &fakeRequestServer{jointErr: unitErr("test", "unit not found", nil)}
	h := NewHTTPRequestServer(f)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/get_joint/missing", nil)

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGetJointMapsFatalErrorToInternalServerError(t *testing.T) {
	f := &fakeRequestServer{jointErr: newErr(KindFatal, "test", "boom", nil)}
	h := NewHTTPRequestServer(f)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/get_joint/x", nil)

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestHandleGetJointMapsTransientErrorToAccepted(t *testing.T) {
	f := &fakeRequestServer{jointErr: newErr(KindTransient, "test", "try later", nil)}
	h := NewHTTPRequestServer(f)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/get_joint/x", nil)

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
}

func TestHandleGetHashTreeDecodesBodyAndReturnsChunks(t *testing.T) {
	f := &fakeRequestServer{hashTree: []HashTreeChunk{{UnitID: "a", Ball: "ballA"}}}
	h := NewHTTPRequestServer(f)
	body, _ := json.Marshal(hashTreeRequest{FromBall: "ballA", ToBall: "ballB"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/get_hash_tree", bytes.NewReader(body))

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var chunks []HashTreeChunk
	if err := json.Unmarshal(rec.Body.Bytes(), &chunks); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(chunks) != 1 || chunks[0].UnitID != "a" {
		t.Fatalf("chunks = %+v, want [{a ballA}]", chunks)
	}
}

func TestHandleGetHashTreeRejectsMalformedBody(t *testing.T) {
	f := &fakeRequestServer{}
	h := NewHTTPRequestServer(f)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/get_hash_tree", bytes.NewReader([]byte("not json")))

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleGetHashTreeRLPEncodesChunks(t *testing.T) {
	f := &fakeRequestServer{hashTree: []HashTreeChunk{{UnitID: "a", Ball: "ballA"}}}
	h := NewHTTPRequestServer(f)
	body, _ := json.Marshal(hashTreeRequest{FromBall: "ballA", ToBall: "ballB"})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/get_hash_tree_rlp", bytes.NewReader(body))

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/rlp" {
		t.Fatalf("content-type = %q, want application/rlp", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected a non-empty RLP body")
	}
}

func TestHandleGetWitnessesReturnsList(t *testing.T) {
	f := &fakeRequestServer{witnesses: twelveWitnesses()}
	h := NewHTTPRequestServer(f)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/get_witnesses", nil)

	h.ServeHTTP(rec, req)

	var got []string
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("witnesses = %d, want 12", len(got))
	}
}

func TestHandleLightGetLinkProofsRejectsTooManyUnits(t *testing.T) {
	f := &fakeRequestServer{}
	h := NewHTTPRequestServer(f)
	ids := make([]string, MaxLinkProofUnits+1)
	var zero Hash32
	for i := range ids {
		ids[i] = zero.String()
	}
	body, _ := json.Marshal(linkProofsRequest{UnitIDs: ids})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/light/get_link_proofs", bytes.NewReader(body))

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleLightGetLinkProofsReturnsProofs(t *testing.T) {
	f := &fakeRequestServer{linkProofs: []Joint{{Unit: Unit{UnitID: "p1"}}}}
	h := NewHTTPRequestServer(f)
	var zero Hash32
	body, _ := json.Marshal(linkProofsRequest{UnitIDs: []string{zero.String()}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/light/get_link_proofs", bytes.NewReader(body))

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got []Joint
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].Unit.UnitID != "p1" {
		t.Fatalf("proofs = %+v, want [p1]", got)
	}
}
