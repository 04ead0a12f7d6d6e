package core

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
)

// Network is the pluggable wire-framing/peer-discovery/hub-relay
// collaborator: this module depends only on its ability to deliver units
// and requests/responses.
type Network interface {
	Broadcast(ctx context.Context, joint Joint) error
	SendRequest(ctx context.Context, peer, command string, input interface{}) (interface{}, error)
}

// RequestServer answers the peer requests a node serves regardless of
// transport. HTTPRequestServer below is one concrete, swappable transport
// implementing it; a node can equally drive RequestServer over the
// abstract Network interface.
type RequestServer interface {
	GetJoint(unitID string) (*Joint, error)
	Catchup(witnessList []string, lastStableMCI, lastKnownMCI int64) (*WitnessProof, []HashTreeChunk, error)
	GetHashTree(fromBall, toBall string) ([]HashTreeChunk, error)
	GetWitnesses() []string
	LightGetHistory(witnesses []string, requestedUnits, addresses []string, minMCI int64) (*WitnessProof, []string, []Joint, error)
	LightGetLinkProofs(unitIDs []string) ([]Joint, error)
}

// HTTPRequestServer exposes a RequestServer over HTTP using gorilla/mux, a
// concrete optional transport: every route corresponds 1:1 to one
// peer-request operation.
type HTTPRequestServer struct {
	srv RequestServer
}

// NewHTTPRequestServer builds a gorilla/mux router exposing srv's operations.
func NewHTTPRequestServer(srv RequestServer) http.Handler {
	h := &HTTPRequestServer{srv: srv}
	r := mux.NewRouter()
	r.HandleFunc("/get_joint/{unit}", h.handleGetJoint).Methods("GET")
	r.HandleFunc("/catchup", h.handleCatchup).Methods("POST")
	r.HandleFunc("/get_hash_tree", h.handleGetHashTree).Methods("POST")
	r.HandleFunc("/get_hash_tree_rlp", h.handleGetHashTreeRLP).Methods("POST")
	r.HandleFunc("/get_witnesses", h.handleGetWitnesses).Methods("GET")
	r.HandleFunc("/light/get_history", h.handleLightGetHistory).Methods("POST")
	r.HandleFunc("/light/get_link_proofs", h.handleLightGetLinkProofs).Methods("POST")
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeTypedError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if Is(err, KindUnit) || Is(err, KindJoint) || Is(err, KindProtocol) {
		status = http.StatusBadRequest
	} else if Is(err, KindTransient) {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (h *HTTPRequestServer) handleGetJoint(w http.ResponseWriter, r *http.Request) {
	unitID := mux.Vars(r)["unit"]
	j, err := h.srv.GetJoint(unitID)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

type catchupRequest struct {
	WitnessList   []string `json:"witness_list"`
	LastStableMCI int64    `json:"last_stable_mci"`
	LastKnownMCI  int64    `json:"last_known_mci"`
}

func (h *HTTPRequestServer) handleCatchup(w http.ResponseWriter, r *http.Request) {
	var req catchupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTypedError(w, protocolErr("network.handleCatchup", "malformed request body", err))
		return
	}
	proof, chunks, err := h.srv.Catchup(req.WitnessList, req.LastStableMCI, req.LastKnownMCI)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"witness_proof": proof, "hash_tree": chunks})
}

type hashTreeRequest struct {
	FromBall string `json:"from_ball"`
	ToBall   string `json:"to_ball"`
}

func (h *HTTPRequestServer) handleGetHashTree(w http.ResponseWriter, r *http.Request) {
	var req hashTreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTypedError(w, protocolErr("network.handleGetHashTree", "malformed request body", err))
		return
	}
	chunks, err := h.srv.GetHashTree(req.FromBall, req.ToBall)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunks)
}

// handleGetHashTreeRLP is the bandwidth-conscious counterpart to
// handleGetHashTree: the same chunk range, RLP-encoded instead of JSON, for
// peers doing a deep catchup over many thousands of chunks.
func (h *HTTPRequestServer) handleGetHashTreeRLP(w http.ResponseWriter, r *http.Request) {
	var req hashTreeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTypedError(w, protocolErr("network.handleGetHashTreeRLP", "malformed request body", err))
		return
	}
	chunks, err := h.srv.GetHashTree(req.FromBall, req.ToBall)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	raw, err := EncodeHashTreeChunks(chunks)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/rlp")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (h *HTTPRequestServer) handleGetWitnesses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.srv.GetWitnesses())
}

type lightHistoryRequest struct {
	Witnesses      []string `json:"witnesses"`
	RequestedUnits []string `json:"requested_units,omitempty"`
	Addresses      []string `json:"addresses,omitempty"`
	MinMCI         int64    `json:"min_mci,omitempty"`
}

func (h *HTTPRequestServer) handleLightGetHistory(w http.ResponseWriter, r *http.Request) {
	var req lightHistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTypedError(w, protocolErr("network.handleLightGetHistory", "malformed request body", err))
		return
	}
	proof, proofchainBalls, joints, err := h.srv.LightGetHistory(req.Witnesses, req.RequestedUnits, req.Addresses, req.MinMCI)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"witness_proof": proof, "proofchain_balls": proofchainBalls, "joints": joints,
	})
}

type linkProofsRequest struct {
	UnitIDs []string `json:"unit_ids"`
}

func (h *HTTPRequestServer) handleLightGetLinkProofs(w http.ResponseWriter, r *http.Request) {
	var req linkProofsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeTypedError(w, protocolErr("network.handleLightGetLinkProofs", "malformed request body", err))
		return
	}
	if err := ValidateLinkProofRequest(req.UnitIDs); err != nil {
		writeTypedError(w, err)
		return
	}
	proofs, err := h.srv.LightGetLinkProofs(req.UnitIDs)
	if err != nil {
		writeTypedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proofs)
}
