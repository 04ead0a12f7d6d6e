package core

// NodeRequestServer is the RequestServer backing a running node's
// peer-request endpoints: joint lookup, catchup/witness-proof building,
// hash-tree range queries, and the light-client history/link-proof
// queries.
type NodeRequestServer struct {
	store     *Storage
	catchup   *CatchupServer
	witnesses []string
}

// NewNodeRequestServer binds a NodeRequestServer to the node's storage,
// catchup server and configured witness list.
func NewNodeRequestServer(store *Storage, catchup *CatchupServer, witnesses []string) *NodeRequestServer {
	return &NodeRequestServer{store: store, catchup: catchup, witnesses: witnesses}
}

func (n *NodeRequestServer) GetJoint(unitID string) (*Joint, error) {
	joint, found, err := n.store.ReadJoint(unitID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, protocolErr("requestserver.GetJoint", "unit not found: "+unitID, nil)
	}
	return joint, nil
}

// currentTip picks the on-main-chain unstable unit with the greatest
// main_chain_index as the node's current tip.
func (n *NodeRequestServer) currentTip() (string, bool) {
	var best *UnitProps
	for _, p := range n.store.UnstableProps() {
		if !p.IsOnMainChain {
			continue
		}
		if best == nil || p.MainChainIndex > best.MainChainIndex {
			best = p
		}
	}
	if best == nil {
		return "", false
	}
	return best.UnitID, true
}

func (n *NodeRequestServer) Catchup(witnessList []string, lastStableMCI, lastKnownMCI int64) (*WitnessProof, []HashTreeChunk, error) {
	tip, ok := n.currentTip()
	if !ok {
		return nil, nil, protocolErr("requestserver.Catchup", "no main-chain tip available yet", nil)
	}
	proof, err := n.catchup.BuildWitnessProof(tip, witnessList)
	if err != nil {
		return nil, nil, err
	}
	return proof, nil, nil
}

func (n *NodeRequestServer) GetHashTree(fromBall, toBall string) ([]HashTreeChunk, error) {
	return n.catchup.BuildHashTreeChunks(fromBall, toBall)
}

func (n *NodeRequestServer) GetWitnesses() []string {
	return n.witnesses
}

func (n *NodeRequestServer) LightGetHistory(witnesses, requestedUnits, addresses []string, minMCI int64) (*WitnessProof, []string, []Joint, error) {
	tip, ok := n.currentTip()
	if !ok {
		return nil, nil, nil, protocolErr("requestserver.LightGetHistory", "no main-chain tip available yet", nil)
	}
	proof, err := n.catchup.BuildWitnessProof(tip, witnesses)
	if err != nil {
		return nil, nil, nil, err
	}
	var joints []Joint
	for _, u := range requestedUnits {
		joint, found, err := n.store.ReadJoint(u)
		if err != nil {
			return nil, nil, nil, err
		}
		if found {
			joints = append(joints, *joint)
		}
	}
	return proof, nil, joints, nil
}

func (n *NodeRequestServer) LightGetLinkProofs(unitIDs []string) ([]Joint, error) {
	if err := ValidateLinkProofRequest(unitIDs); err != nil {
		return nil, err
	}
	out := make([]Joint, 0, len(unitIDs))
	for _, u := range unitIDs {
		joint, found, err := n.store.ReadJoint(u)
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, protocolErr("requestserver.LightGetLinkProofs", "unit not found: "+u, nil)
		}
		out = append(out, *joint)
	}
	return out, nil
}
