package core

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// HashTreeChunk is one item of the catchup hash-tree stream: a ball, its unit, and the balls/skiplist-balls it commits to.
type HashTreeChunk struct {
	Ball          string
	UnitID        string
	ParentBalls   []string
	SkiplistBalls []string
	IsNonserial   bool
}

// WitnessProof is the compact evidence a server builds so a light client
// can trust a claimed main-chain tip without downloading the whole DAG.
type WitnessProof struct {
	UnstableMCJoints                 []Joint
	WitnessChangeAndDefinitionJoints []Joint
}

// CatchupServer builds witness proofs and hash-tree ranges for peers.
type CatchupServer struct {
	log   *logrus.Logger
	store *Storage
	graph *Graph
}

// NewCatchupServer binds a CatchupServer to the shared Storage/Graph.
func NewCatchupServer(store *Storage, graph *Graph) *CatchupServer {
	return &CatchupServer{log: logrus.StandardLogger(), store: store, graph: graph}
}

// BuildWitnessProof walks the current MC tip backward until at least
// MajorityOfWitnesses distinct witnesses have authored units and a
// last_ball_unit has been included. tipUnitID is the unit to start from.
func (c *CatchupServer) BuildWitnessProof(tipUnitID string, witnesses []string) (*WitnessProof, error) {
	witnessSet := make(map[string]bool, len(witnesses))
	for _, w := range witnesses {
		witnessSet[w] = true
	}
	seen := make(map[string]bool, MajorityOfWitnesses)
	var joints []Joint
	foundLastBall := false
	cur := tipUnitID
	for i := 0; i < MaxDeterminedIncluded; i++ {
		joint, found, err := c.store.ReadJoint(cur)
		if err != nil {
			return nil, storageErr("catchup.BuildWitnessProof", "read joint", err)
		}
		if !found {
			return nil, protocolErr("catchup.BuildWitnessProof", "unit not found while building proof: "+cur, nil)
		}
		joints = append(joints, *joint)
		for _, a := range joint.Unit.Authors {
			if witnessSet[a.Address] {
				seen[a.Address] = true
			}
		}
		if joint.Unit.LastBallUnit != "" {
			foundLastBall = true
		}
		if len(seen) >= MajorityOfWitnesses && foundLastBall {
			break
		}
		props, ok := c.store.ReadUnitProps(cur)
		if !ok || props.BestParentUnit == "" {
			break
		}
		cur = props.BestParentUnit
	}
	if len(seen) < MajorityOfWitnesses {
		return nil, protocolErr("catchup.BuildWitnessProof", "insufficient distinct witnesses found", nil)
	}
	if !foundLastBall {
		return nil, protocolErr("catchup.BuildWitnessProof", "no last_ball_unit found in proof chain", nil)
	}

	defJoints := c.witnessDefinitionJoints(witnesses)
	return &WitnessProof{UnstableMCJoints: joints, WitnessChangeAndDefinitionJoints: defJoints}, nil
}

// witnessDefinitionJoints returns the minimal set of stable units
// introducing the current witnesses' definitions.
func (c *CatchupServer) witnessDefinitionJoints(witnesses []string) []Joint {
	var out []Joint
	for _, w := range witnesses {
		row, ok := c.store.ReadDefinitionByAddress(w, 1<<62)
		if !ok {
			continue
		}
		if joint, found, err := c.store.ReadJoint(row.UnitID); err == nil && found {
			out = append(out, *joint)
		}
	}
	return out
}

// BuildHashTreeChunks walks every stable unit strictly after fromBall up
// to and including toBall, in main_chain_index order, and returns one
// HashTreeChunk per unit carrying its own ball and its parents' balls.
// Skiplist balls are left empty: this server does not yet maintain the
// skip-list index stabilization would need to populate one.
func (c *CatchupServer) BuildHashTreeChunks(fromBall, toBall string) ([]HashTreeChunk, error) {
	fromUnit, found, err := c.store.ReadBallUnit(fromBall)
	if err != nil {
		return nil, storageErr("catchup.BuildHashTreeChunks", "read from_ball", err)
	}
	if !found {
		return nil, protocolErr("catchup.BuildHashTreeChunks", "unknown from_ball: "+fromBall, nil)
	}
	toUnit, found, err := c.store.ReadBallUnit(toBall)
	if err != nil {
		return nil, storageErr("catchup.BuildHashTreeChunks", "read to_ball", err)
	}
	if !found {
		return nil, protocolErr("catchup.BuildHashTreeChunks", "unknown to_ball: "+toBall, nil)
	}
	fromProps, ok := c.store.ReadUnitProps(fromUnit)
	if !ok || !fromProps.IsStable {
		return nil, protocolErr("catchup.BuildHashTreeChunks", "from_ball is not stable", nil)
	}
	toProps, ok := c.store.ReadUnitProps(toUnit)
	if !ok || !toProps.IsStable {
		return nil, protocolErr("catchup.BuildHashTreeChunks", "to_ball is not stable", nil)
	}
	if toProps.MainChainIndex < fromProps.MainChainIndex {
		return nil, protocolErr("catchup.BuildHashTreeChunks", "to_ball precedes from_ball on the main chain", nil)
	}

	var chunks []HashTreeChunk
	for mci := fromProps.MainChainIndex + 1; mci <= toProps.MainChainIndex; mci++ {
		unitID, ok := c.store.StableUnitAtMCI(mci)
		if !ok {
			return nil, storageErr("catchup.BuildHashTreeChunks", "no stable unit at mci "+strconv.FormatInt(mci, 10), nil)
		}
		joint, found, err := c.store.ReadJoint(unitID)
		if err != nil {
			return nil, storageErr("catchup.BuildHashTreeChunks", "read joint", err)
		}
		if !found {
			return nil, fatalErr("catchup.BuildHashTreeChunks", "stable unit missing its joint: "+unitID, nil)
		}
		parentBalls := make([]string, 0, len(joint.Unit.ParentUnits))
		for _, p := range joint.Unit.ParentUnits {
			if pj, ok, _ := c.store.ReadJoint(p); ok {
				parentBalls = append(parentBalls, pj.Ball)
			}
		}
		chunks = append(chunks, HashTreeChunk{
			Ball:        joint.Ball,
			UnitID:      unitID,
			ParentBalls: parentBalls,
		})
	}
	return chunks, nil
}

// WitnessProofError is the typed rejection returned to the caller when a
// client-side verification fails.
type WitnessProofError struct{ Reason string }

func (e *WitnessProofError) Error() string { return "witness proof rejected: " + e.Reason }

// ValidateWitnessProof is the client-side check: it walks
// unstable_mc_joints in order verifying hashes, parent inclusion, witness
// authorship, and that each unit's own witness list still shares >= 11
// addresses with the client's expected witnesses.
func ValidateWitnessProof(proof *WitnessProof, expectedWitnesses []string) error {
	if len(proof.UnstableMCJoints) == 0 {
		return &WitnessProofError{"empty unstable_mc_joints"}
	}
	witnessSet := make(map[string]bool, len(expectedWitnesses))
	for _, w := range expectedWitnesses {
		witnessSet[w] = true
	}
	seen := make(map[string]bool, MajorityOfWitnesses)
	foundLastBall := false

	for i, joint := range proof.UnstableMCJoints {
		computed, err := UnitHash(joint.Unit)
		if err != nil || computed.String() != joint.Unit.UnitID {
			return &WitnessProofError{"hash mismatch at position " + itoa(i)}
		}
		if i > 0 {
			prev := proof.UnstableMCJoints[i-1]
			if !containsString(prev.Unit.ParentUnits, joint.Unit.UnitID) {
				return &WitnessProofError{"unit not among prior unit's parents at position " + itoa(i)}
			}
		}
		overlap := sharedWitnessCount(joint.Unit.Witnesses, expectedWitnesses)
		if overlap < MinSharedWitnesses {
			return &WitnessProofError{"insufficient shared witnesses at position " + itoa(i)}
		}
		for _, a := range joint.Unit.Authors {
			if witnessSet[a.Address] {
				seen[a.Address] = true
			}
		}
		if joint.Unit.LastBallUnit != "" {
			foundLastBall = true
		}
	}
	if len(seen) < MajorityOfWitnesses {
		return &WitnessProofError{"insufficient distinct witnesses"}
	}
	if !foundLastBall {
		return &WitnessProofError{"no last_ball_unit present"}
	}
	return nil
}

func containsString(ss []string, s string) bool {
	for _, x := range ss {
		if x == s {
			return true
		}
	}
	return false
}

func sharedWitnessCount(a, b []string) int {
	set := make(map[string]bool, len(b))
	for _, x := range b {
		set[x] = true
	}
	n := 0
	for _, x := range a {
		if set[x] {
			n++
		}
	}
	return n
}

// ValidateHashTreeChunk enforces the skiplist-fabrication defense: a
// skiplist reference to a ball already seen in this catchup range must
// point to a unit that is itself scheduled for delivery in the range (or
// already fully verified), otherwise the chunk is rejected.
func ValidateHashTreeChunk(chunk HashTreeChunk, scheduledUnits map[string]bool, verifiedBalls map[string]bool) error {
	for _, sb := range chunk.SkiplistBalls {
		if verifiedBalls[sb] {
			continue
		}
		unitForBall, scheduled := scheduledUnits[sb]
		if !scheduled || !unitForBall {
			return &WitnessProofError{"skiplist ball not scheduled for delivery: " + sb}
		}
	}
	return nil
}

// SyncManager drives the catchup loop on the client side with a
// start/stop/loop/Status lifecycle.
type SyncManager struct {
	log    *logrus.Logger
	client CatchupClient

	mu     sync.RWMutex
	active bool
	quit   chan struct{}
}

// CatchupClient is the external collaborator that actually talks to
// peers; SyncManager only orchestrates calls against it.
type CatchupClient interface {
	RequestCatchup(ctx context.Context, lastKnownMCI int64) error
}

// NewSyncManager wires a SyncManager to its CatchupClient.
func NewSyncManager(client CatchupClient) *SyncManager {
	return &SyncManager{log: logrus.StandardLogger(), client: client, quit: make(chan struct{})}
}

// Start launches a background goroutine that repeats a failed catchup round
// once a second until one round succeeds, Stop is called, or ctx is
// cancelled.
func (m *SyncManager) Start(ctx context.Context, lastKnownMCI int64) {
	m.mu.Lock()
	if m.active {
		m.mu.Unlock()
		return
	}
	m.active = true
	m.mu.Unlock()
	go m.loop(ctx, lastKnownMCI)
}

// Stop terminates the background catchup loop.
func (m *SyncManager) Stop() {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	close(m.quit)
	m.active = false
	m.mu.Unlock()
}

func (m *SyncManager) loop(ctx context.Context, lastKnownMCI int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.quit:
			return
		default:
		}
		if err := m.client.RequestCatchup(ctx, lastKnownMCI); err != nil {
			m.log.WithError(err).Warn("catchup round failed")
			time.Sleep(time.Second)
			continue
		}
		return
	}
}

// Status reports the active flag, which is true from Start until Stop,
// including after the background loop has returned.
func (m *SyncManager) Status() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]any{"active": m.active}
}
