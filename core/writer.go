package core

import (
	"encoding/json"
	"sort"

	"github.com/sirupsen/logrus"
)

// conflictCandidate is one unstable input competing to spend the same
// output, tracked so the deterministic double-spend winner can be picked
// once ancestors stabilize.
type conflictCandidate struct {
	unitID string
	mci    int64
	level  int64
}

func (c conflictCandidate) lessThan(o conflictCandidate) bool {
	if c.mci != o.mci {
		return c.mci < o.mci
	}
	if c.level != o.level {
		return c.level < o.level
	}
	return c.unitID < o.unitID
}

// Writer is the sole mutator of Storage. All
// persistence, double-spend resolution and main-chain extension happen
// here, under the caller-held write lock (core/mutex.go).
type Writer struct {
	log           *logrus.Logger
	store         *Storage
	graph         *Graph
	defs          *DefinitionStore
	witnesses     []string
	lastStableMCI int64

	spentBy map[string][]conflictCandidate // "src_unit#msg#out" -> candidates
}

// conflictCandidateDTO is conflictCandidate's WAL-serializable twin:
// conflictCandidate's fields are unexported, so this is what actually
// gets written to/read from the "pending_spends" table.
type conflictCandidateDTO struct {
	UnitID string `json:"unit_id"`
	MCI    int64  `json:"mci"`
	Level  int64  `json:"level"`
}

// NewWriter constructs a Writer bound to the shared Storage/Graph/DefinitionStore,
// rebuilding its pending double-spend candidates from the "pending_spends"
// table so a restarted node remembers which outputs were already contested
// instead of starting with a blank spentBy map.
func NewWriter(store *Storage, graph *Graph, defs *DefinitionStore, witnesses []string) *Writer {
	w := &Writer{
		log:       logrus.StandardLogger(),
		store:     store,
		graph:     graph,
		defs:      defs,
		witnesses: witnesses,
		spentBy:   make(map[string][]conflictCandidate),
	}
	for key, raw := range store.ReadAllRows("pending_spends") {
		var dto []conflictCandidateDTO
		if err := json.Unmarshal(raw, &dto); err != nil {
			continue
		}
		candidates := make([]conflictCandidate, len(dto))
		for i, d := range dto {
			candidates[i] = conflictCandidate{unitID: d.UnitID, mci: d.MCI, level: d.Level}
		}
		w.spentBy[key] = candidates
	}
	return w
}

// persistPendingSpend stages the current candidate list for key so it
// survives a restart; called every time stageMessages or
// resolveConflictsAt mutates w.spentBy[key].
func (w *Writer) persistPendingSpend(tx *Tx, key string) error {
	candidates := w.spentBy[key]
	dto := make([]conflictCandidateDTO, len(candidates))
	for i, c := range candidates {
		dto[i] = conflictCandidateDTO{UnitID: c.unitID, MCI: c.mci, Level: c.level}
	}
	if err := tx.AddQuery("pending_spends", key, dto); err != nil {
		return storageErr("writer.persistPendingSpend", "stage pending-spend row", err)
	}
	return nil
}

// WriteResult reports what WriteJoint did, including any units newly
// stabilized and any AA triggers that must now be scheduled.
type WriteResult struct {
	Sequence    Sequence
	NewlyStable []*UnitProps
	NewTriggers []AATrigger
}

// WriteJoint persists joint per the nine-step sequence below. Callers
// must run this under the `write` mutex key (see core/mutex.go); this method
// itself does not acquire any lock.
func (w *Writer) WriteJoint(joint Joint) (*WriteResult, error) {
	u := joint.Unit
	tx := w.store.Begin()

	props := &UnitProps{
		UnitID:                u.UnitID,
		MainChainIndex:        -1,
		LatestIncludedMCIndex: -1,
		Sequence:              SeqGood,
		Witnesses:             u.Witnesses,
	}

	// 2. Insert units row.
	if err := tx.AddQuery("units", u.UnitID, props); err != nil {
		tx.Rollback()
		return nil, storageErr("writer.WriteJoint", "stage units row", err)
	}

	// 3. Insert messages/outputs/inputs; detect double spend.
	seq, err := w.stageMessages(tx, u, props)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	props.Sequence = seq

	// 4. parenthoods / unit_authors / commissions / unit_witnesses.
	if err := w.stageParenthoodsAndAuthors(tx, u); err != nil {
		tx.Rollback()
		return nil, err
	}

	// 5. best_parent_unit, level, witnessed_level.
	if len(u.ParentUnits) > 0 {
		bp, err := w.graph.BestParent(u.ParentUnits)
		if err != nil {
			tx.Rollback()
			return nil, err
		}
		props.BestParentUnit = bp
		var maxParentLevel int64
		for _, p := range u.ParentUnits {
			if pp, ok := w.store.ReadUnitProps(p); ok && pp.Level > maxParentLevel {
				maxParentLevel = pp.Level
			}
		}
		props.Level = maxParentLevel + 1
		wl, err := w.graph.WitnessedLevel(u.UnitID, w.witnesses)
		if err != nil {
			// witnessed_level recomputed lazily on compact nodes; a
			// transient failure here does not abort the write.
			wl = props.Level
		}
		props.WitnessedLevel = wl
	}

	// Persist the now-complete props (level/witnessed_level/best parent).
	if err := tx.AddQuery("units", u.UnitID, props); err != nil {
		tx.Rollback()
		return nil, storageErr("writer.WriteJoint", "stage final units row", err)
	}

	// Store the joint in the KV layer under j\n<unit>.
	rawJoint, err := json.Marshal(joint)
	if err != nil {
		tx.Rollback()
		return nil, storageErr("writer.WriteJoint", "marshal joint", err)
	}
	tx.PutKV("j\n"+u.UnitID, rawJoint)

	// 6. Advance the MC tip.
	if err := w.advanceMainChain(tx); err != nil {
		tx.Rollback()
		return nil, err
	}

	// 7. Stabilize units past the frontier.
	newlyStable, err := w.stabilizeFrontier(tx)
	if err != nil {
		tx.Rollback()
		return nil, err
	}

	// 8. Enqueue AA triggers for newly-stable units.
	triggers := w.collectTriggers(newlyStable)

	// 9. Commit.
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	// In-memory unstable-unit indexes updated only after commit success.
	w.store.MarkUnstable(props)
	for _, p := range newlyStable {
		w.store.CommitStablePromotion(p.UnitID)
	}

	return &WriteResult{Sequence: props.Sequence, NewlyStable: newlyStable, NewTriggers: triggers}, nil
}

// stageMessages inserts message/input/output rows and resolves the
// double-spend policy: an input already spent by an
// ancestor makes the whole unit final-bad; spent by a non-ancestor
// sibling marks both temp-bad until stabilization deterministically
// decides the winner. A transfer input's amount is always the referenced
// output's stored amount, never the author's declared value: an author
// cannot manufacture value by citing a real output and inflating Amount.
func (w *Writer) stageMessages(tx *Tx, u Unit, props *UnitProps) (Sequence, error) {
	seq := SeqGood
	for mi, m := range u.Messages {
		if m.App != AppPayment {
			continue
		}
		for ii, in := range m.Inputs {
			key := in.SrcUnit + "#" + itoa(in.SrcMessageIdx) + "#" + itoa(in.SrcOutputIdx)
			amount := in.Amount
			if in.Type == InputTransfer {
				out, found := w.store.ReadOutput(key)
				if !found {
					return seq, transientErr("writer.stageMessages", "referenced output not known: "+key, nil)
				}
				if out.Amount != in.Amount {
					return seq, unitErr("writer.stageMessages", "input amount does not match the referenced output: "+key, nil)
				}
				if out.IsSpent {
					// Already settled by a different, already-decided
					// spend: this reference loses outright.
					seq = SeqFinalBad
				}
				amount = out.Amount
			}

			candidate := conflictCandidate{unitID: u.UnitID, mci: props.MainChainIndex, level: props.Level}

			existing := w.spentBy[key]
			for _, other := range existing {
				included := w.graph.DetermineIfIncluded(other.unitID, []string{u.UnitID})
				if included == InclusionYes {
					// spent by an ancestor: this unit loses outright.
					seq = SeqFinalBad
				} else {
					// spent by a sibling: both stay temp-bad pending
					// stabilization's deterministic tie-break.
					if seq == SeqGood {
						seq = SeqTempBad
					}
				}
			}
			w.spentBy[key] = append(existing, candidate)
			if err := w.persistPendingSpend(tx, key); err != nil {
				return seq, err
			}

			row := map[string]interface{}{
				"src_unit": in.SrcUnit, "msg_index": mi, "input_index": ii,
				"spending_unit": u.UnitID, "amount": amount,
			}
			if err := tx.AddQuery("inputs", u.UnitID+"#"+itoa(mi)+"#"+itoa(ii), row); err != nil {
				return seq, storageErr("writer.stageMessages", "stage input row", err)
			}
		}
		for oi, out := range m.Outputs {
			row := outputRow{Address: out.Address, Amount: out.Amount}
			if err := tx.AddQuery("outputs", u.UnitID+"#"+itoa(mi)+"#"+itoa(oi), row); err != nil {
				return seq, storageErr("writer.stageMessages", "stage output row", err)
			}
		}
	}
	return seq, nil
}

// markSpentOutputs marks every transfer input's referenced output as
// spent by u, called only once u itself has stabilized with a good
// sequence: a temp-bad or final-bad unit never gets to claim an output.
func (w *Writer) markSpentOutputs(tx *Tx, u Unit) error {
	for _, m := range u.Messages {
		if m.App != AppPayment {
			continue
		}
		for _, in := range m.Inputs {
			if in.Type != InputTransfer {
				continue
			}
			key := in.SrcUnit + "#" + itoa(in.SrcMessageIdx) + "#" + itoa(in.SrcOutputIdx)
			if err := w.store.MarkOutputSpent(tx, key, u.UnitID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *Writer) stageParenthoodsAndAuthors(tx *Tx, u Unit) error {
	for _, p := range u.ParentUnits {
		if err := tx.AddQuery("parenthoods", u.UnitID+"#"+p, map[string]string{"child": u.UnitID, "parent": p}); err != nil {
			return storageErr("writer.stageParenthoodsAndAuthors", "stage parenthood row", err)
		}
	}
	for _, a := range u.Authors {
		if err := tx.AddQuery("unit_authors", u.UnitID+"#"+a.Address, map[string]string{"unit": u.UnitID, "address": a.Address}); err != nil {
			return storageErr("writer.stageParenthoodsAndAuthors", "stage author row", err)
		}
		if a.Definition != nil {
			w.defs.InvalidateCache(a.Address)
		}
	}
	if err := tx.AddQuery("commissions", u.UnitID, map[string]int64{
		"headers_commission": u.HeadersCommission, "payload_commission": u.PayloadCommission,
	}); err != nil {
		return storageErr("writer.stageParenthoodsAndAuthors", "stage commission row", err)
	}
	for _, wAddr := range u.Witnesses {
		if err := tx.AddQuery("unit_witnesses", u.UnitID+"#"+wAddr, map[string]string{"unit": u.UnitID, "address": wAddr}); err != nil {
			return storageErr("writer.stageParenthoodsAndAuthors", "stage witness row", err)
		}
	}
	return nil
}

// advanceMainChain walks forward from the current MC tip along best-parent
// paths, assigning main_chain_index and is_on_main_chain, stopping at the
// frontier where a unit's best child is not yet known. main_chain_index values assigned are strictly increasing and never
// reassigned.
func (w *Writer) advanceMainChain(tx *Tx) error {
	unstable := w.store.UnstableProps()
	byBestParent := make(map[string][]*UnitProps)
	for _, p := range unstable {
		if p.MainChainIndex >= 0 {
			continue
		}
		byBestParent[p.BestParentUnit] = append(byBestParent[p.BestParentUnit], p)
	}

	var nextMCI int64
	for _, p := range unstable {
		if p.MainChainIndex >= nextMCI {
			nextMCI = p.MainChainIndex + 1
		}
	}

	var tip *UnitProps
	for _, p := range unstable {
		if tip == nil || p.Level > tip.Level {
			tip = p
		}
	}
	for tip != nil {
		children := byBestParent[tip.UnitID]
		if len(children) == 0 {
			break
		}
		sort.Slice(children, func(i, j int) bool {
			a, b := children[i], children[j]
			if a.WitnessedLevel != b.WitnessedLevel {
				return a.WitnessedLevel > b.WitnessedLevel
			}
			if a.Level != b.Level {
				return a.Level > b.Level
			}
			return a.UnitID < b.UnitID
		})
		best := children[0]
		if best.MainChainIndex < 0 {
			best.MainChainIndex = nextMCI
			nextMCI++
			best.IsOnMainChain = true
			if err := tx.AddQuery("units", best.UnitID, best); err != nil {
				return storageErr("writer.advanceMainChain", "stage mc-advanced units row", err)
			}
		}
		tip = best
	}
	return nil
}

// stabilizeFrontier assigns balls to units whose MCI is greater than
// lastStableMCI, taken contiguously from lastStableMCI+1, and whose
// witnessed_level from the tip reaches majority.
func (w *Writer) stabilizeFrontier(tx *Tx) ([]*UnitProps, error) {
	unstable := w.store.UnstableProps()
	var candidates []*UnitProps
	for _, p := range unstable {
		if p.IsOnMainChain && p.MainChainIndex > w.lastStableMCI && p.WitnessedLevel >= int64(MajorityOfWitnesses) {
			candidates = append(candidates, p)
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].MainChainIndex < candidates[j].MainChainIndex })

	var stabilized []*UnitProps
	for _, p := range candidates {
		if p.MainChainIndex != w.lastStableMCI+1 {
			break // stabilize contiguously; never skip ahead
		}
		joint, found, err := w.store.ReadJoint(p.UnitID)
		if err != nil {
			return nil, storageErr("writer.stabilizeFrontier", "read joint for stabilization", err)
		}
		if !found {
			return nil, fatalErr("writer.stabilizeFrontier", "unit scheduled to stabilize has no stored joint", nil)
		}
		parentBalls := make([]string, 0, len(joint.Unit.ParentUnits))
		for _, par := range joint.Unit.ParentUnits {
			if pj, ok, _ := w.store.ReadJoint(par); ok {
				parentBalls = append(parentBalls, pj.Ball)
			}
		}
		ball := BallHash(p.UnitID, parentBalls, nil, false)
		joint.Ball = ball.String()
		p.IsStable = true

		rawJoint, err := json.Marshal(joint)
		if err != nil {
			return nil, storageErr("writer.stabilizeFrontier", "marshal stabilized joint", err)
		}
		tx.PutKV("j\n"+p.UnitID, rawJoint)
		tx.PutKV("b\n"+ball.String(), []byte(p.UnitID))
		if err := w.store.PromoteStable(tx, p); err != nil {
			return nil, err
		}
		if p.Sequence == SeqGood {
			if err := w.markSpentOutputs(tx, joint.Unit); err != nil {
				return nil, err
			}
		}
		if err := w.resolveConflictsAt(tx, p); err != nil {
			return nil, err
		}
		w.lastStableMCI = p.MainChainIndex
		stabilized = append(stabilized, p)
	}
	return stabilized, nil
}

// resolveConflictsAt finalizes double-spend resolution for any input
// conflicts whose disputed unit just stabilized: the deterministic winner
// is the smallest (mci, level, unit_id) tuple; losers become final-bad.
// The output itself is marked spent separately, by markSpentOutputs once
// the winning unit's own stabilization reaches this code.
func (w *Writer) resolveConflictsAt(tx *Tx, stable *UnitProps) error {
	for key, candidates := range w.spentBy {
		if len(candidates) < 2 {
			continue
		}
		winner := candidates[0]
		for _, c := range candidates[1:] {
			if c.lessThan(winner) {
				winner = c
			}
		}
		for _, c := range candidates {
			if c.unitID != winner.unitID {
				if p, ok := w.store.ReadUnitProps(c.unitID); ok {
					p.Sequence = SeqFinalBad
					w.store.MarkUnstable(p)
				}
			}
		}
		w.spentBy[key] = []conflictCandidate{winner}
		if err := w.persistPendingSpend(tx, key); err != nil {
			return err
		}
	}
	return nil
}

// collectTriggers scans newly-stable units for payments to AA addresses
// and returns the triggers to schedule, ordered by AATrigger.Less.
func (w *Writer) collectTriggers(stabilized []*UnitProps) []AATrigger {
	var triggers []AATrigger
	for _, p := range stabilized {
		joint, found, err := w.store.ReadJoint(p.UnitID)
		if err != nil || !found {
			continue
		}
		for _, m := range joint.Unit.Messages {
			if m.App != AppPayment {
				continue
			}
			for _, out := range m.Outputs {
				if def, err := w.defs.EffectiveDefinition(out.Address, nil, p.MainChainIndex); err == nil && def.Op == "autonomous agent" {
					triggers = append(triggers, AATrigger{
						MCI: p.MainChainIndex, Level: p.Level, UnitID: p.UnitID,
						AAAddress: out.Address, TriggerUnit: p.UnitID, Amount: out.Amount,
					})
				}
			}
		}
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i].Less(triggers[j]) })
	return triggers
}
