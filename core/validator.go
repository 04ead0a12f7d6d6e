package core

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"
)

// SupportedVersions lists the unit wire-format versions this node accepts.
var SupportedVersions = map[string]bool{"4.0": true}

// ValidationOutcome is the closed set of results validate() can return; it
// never throws to its caller.
type ValidationOutcome int

const (
	Ok ValidationOutcome = iota
	NeedParents
	Rejected
)

// ValidationResult is what Validate returns: Outcome tells the caller what
// happened, Missing carries the parent list for NeedParents, Err carries
// the typed cause for Rejected.
type ValidationResult struct {
	Outcome ValidationOutcome
	Missing []string
	Err     error
}

// Validator runs the single-unit validation pipeline. It is read-only: it
// observes Storage/Graph/DefinitionStore but never mutates them.
type Validator struct {
	log           *logrus.Logger
	store         *Storage
	graph         *Graph
	defs          *DefinitionStore
	localAlt      string
	isLightClient bool
}

// NewValidator constructs a Validator bound to the node's storage, graph
// and definition resolver, and to the network tag (`alt`) this node runs.
func NewValidator(store *Storage, graph *Graph, defs *DefinitionStore, localAlt string, isLightClient bool) *Validator {
	return &Validator{
		log:           logrus.StandardLogger(),
		store:         store,
		graph:         graph,
		defs:          defs,
		localAlt:      localAlt,
		isLightClient: isLightClient,
	}
}

func ok() ValidationResult     { return ValidationResult{Outcome: Ok} }
func reject(err error) ValidationResult {
	return ValidationResult{Outcome: Rejected, Err: err}
}
func needParents(missing []string) ValidationResult {
	return ValidationResult{Outcome: NeedParents, Missing: missing}
}

// Validate runs the full pipeline against joint in a fixed order; that
// order is part of the contract, not an implementation detail.
func (v *Validator) Validate(joint Joint, now time.Time) ValidationResult {
	u := joint.Unit

	// 1. Structural.
	if res := v.validateStructure(u); res.Outcome != Ok {
		return res
	}

	// 2. Hash.
	computed, err := UnitHash(u)
	if err != nil {
		return reject(jointErr("validator.Validate", "unit hash computation failed", err))
	}
	if computed.String() != u.UnitID {
		return reject(jointErr("validator.Validate", "unit_hash mismatch", nil))
	}

	// 3. Commissions.
	if res := v.validateCommissions(u); res.Outcome != Ok {
		return res
	}

	// 4. Parents.
	if res := v.validateParents(u, now); res.Outcome != Ok {
		return res
	}

	// 5. Witness list.
	witnesses, res := v.resolveWitnesses(u)
	if res.Outcome != Ok {
		return res
	}
	if res := v.validateWitnessOverlap(u, witnesses); res.Outcome != Ok {
		return res
	}

	// 6. Authors.
	if res := v.validateAuthors(u, computed); res.Outcome != Ok {
		return res
	}

	// 7. Messages.
	if res := v.validateMessages(u); res.Outcome != Ok {
		return res
	}

	// 8. Last ball.
	if res := v.validateLastBall(u); res.Outcome != Ok {
		return res
	}

	if v.isLightClient {
		if !SupportedVersions[u.Version] || u.Alt != v.localAlt {
			return reject(unitErr("validator.Validate", "unsupported version/alt", nil))
		}
	}

	return ok()
}

func (v *Validator) validateStructure(u Unit) ValidationResult {
	if !SupportedVersions[u.Version] {
		return reject(unitErr("validator.validateStructure", "unsupported version "+u.Version, nil))
	}
	if u.Alt != v.localAlt {
		return reject(unitErr("validator.validateStructure", "alt mismatch", nil))
	}
	if u.WitnessListUnit != "" && len(u.Witnesses) > 0 {
		return reject(unitErr("validator.validateStructure", "witness_list_unit and inline witnesses are mutually exclusive", nil))
	}
	return ok()
}

func (v *Validator) validateCommissions(u Unit) ValidationResult {
	stripped := strippedUnitForHashing(u)
	ratio, err := Ratio(stripped)
	if err != nil {
		return reject(jointErr("validator.validateCommissions", "payload size computation failed", err))
	}
	if ratio > MaxRatio {
		return reject(jointErr("validator.validateCommissions", "key/value ratio exceeds limit", nil))
	}

	strippedMessages := make([]interface{}, len(u.Messages))
	var tempDataLen int64
	for i, m := range u.Messages {
		strippedMessages[i] = map[string]interface{}{
			"app":              string(m.App),
			"payload_location": string(m.PayloadLoc),
			"payload_hash":     m.PayloadHash,
		}
		if m.App == AppTemporaryData {
			tempDataLen += m.TempDataLength
		}
	}
	payloadSize, err := TotalPayloadSize(strippedMessages, tempDataLen, true)
	if err != nil {
		return reject(jointErr("validator.validateCommissions", "payload size computation failed", err))
	}
	if payloadSize != u.PayloadCommission {
		return reject(unitErr("validator.validateCommissions", "payload_commission mismatch", nil))
	}

	headersStripped := map[string]interface{}{
		"version":      u.Version,
		"alt":          u.Alt,
		"parent_units": toAnySlice(u.ParentUnits),
		"authors":      len(u.Authors),
		"timestamp":    u.Timestamp,
	}
	headersLen, err := GetLength(headersStripped, true, 0)
	if err != nil {
		return reject(jointErr("validator.validateCommissions", "payload size computation failed", err))
	}
	if headersLen != u.HeadersCommission {
		return reject(unitErr("validator.validateCommissions", "headers_commission mismatch", nil))
	}
	return ok()
}

func (v *Validator) validateParents(u Unit, now time.Time) ValidationResult {
	if len(u.ParentUnits) == 0 {
		// genesis unit: no further parent checks apply.
		return ok()
	}
	sorted := append([]string{}, u.ParentUnits...)
	sort.Strings(sorted)
	for i := range sorted {
		if sorted[i] != u.ParentUnits[i] {
			return reject(unitErr("validator.validateParents", "parents must be sorted ascending", nil))
		}
		if i > 0 && sorted[i] == sorted[i-1] {
			return reject(unitErr("validator.validateParents", "duplicate parent", nil))
		}
	}
	var missing []string
	var maxParentTimestamp int64
	for _, p := range u.ParentUnits {
		props, ok := v.store.ReadUnitProps(p)
		if !ok {
			missing = append(missing, p)
			continue
		}
		if props.Sequence != "" && props.Sequence != SeqGood {
			return reject(unitErr("validator.validateParents", "parent is not good: "+p, nil))
		}
		j, found, err := v.store.ReadJoint(p)
		if err == nil && found && j.Unit.Timestamp > maxParentTimestamp {
			maxParentTimestamp = j.Unit.Timestamp
		}
	}
	if len(missing) > 0 {
		return needParents(missing)
	}
	if u.Timestamp < maxParentTimestamp {
		return reject(unitErr("validator.validateParents", "timestamp older than a parent's timestamp", nil))
	}
	if u.Timestamp > now.Add(time.Hour).Unix() {
		return reject(transientErr("validator.validateParents", "timestamp too far in the future", nil))
	}
	return ok()
}

func (v *Validator) resolveWitnesses(u Unit) ([]string, ValidationResult) {
	if u.WitnessListUnit != "" {
		j, found, err := v.store.ReadJoint(u.WitnessListUnit)
		if err != nil {
			return nil, reject(storageErr("validator.resolveWitnesses", "read witness_list_unit", err))
		}
		if !found {
			return nil, needParents([]string{u.WitnessListUnit})
		}
		return j.Unit.Witnesses, ok()
	}
	if len(u.Witnesses) != CountWitnesses {
		return nil, reject(unitErr("validator.resolveWitnesses", "witness list must have exactly 12 addresses", nil))
	}
	sorted := append([]string{}, u.Witnesses...)
	sort.Strings(sorted)
	for i := range sorted {
		if sorted[i] != u.Witnesses[i] {
			return nil, reject(unitErr("validator.resolveWitnesses", "witnesses must be sorted ascending", nil))
		}
	}
	return u.Witnesses, ok()
}

// validateWitnessOverlap enforces that the unit's witness list shares at
// least MinSharedWitnesses addresses with each direct parent's recorded
// witness list. Parents without one are skipped; further ancestors are not
// visited.
func (v *Validator) validateWitnessOverlap(u Unit, witnesses []string) ValidationResult {
	if len(u.ParentUnits) == 0 {
		return ok()
	}
	witnessSet := make(map[string]bool, len(witnesses))
	for _, w := range witnesses {
		witnessSet[w] = true
	}
	for _, p := range u.ParentUnits {
		props, found := v.store.ReadUnitProps(p)
		if !found || len(props.Witnesses) == 0 {
			continue
		}
		shared := 0
		for _, w := range props.Witnesses {
			if witnessSet[w] {
				shared++
			}
		}
		if shared < MinSharedWitnesses {
			return reject(unitErr("validator.validateWitnessOverlap", "not enough matching witnesses", nil))
		}
	}
	return ok()
}

func (v *Validator) validateAuthors(u Unit, unitHash Hash32) ValidationResult {
	if len(u.Authors) == 0 {
		return reject(unitErr("validator.validateAuthors", "unit must have at least one author", nil))
	}
	sorted := append([]Author{}, u.Authors...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })
	for i := range sorted {
		if sorted[i].Address != u.Authors[i].Address {
			return reject(unitErr("validator.validateAuthors", "authors must be sorted ascending by address", nil))
		}
	}
	var maxParentMCI int64
	for _, p := range u.ParentUnits {
		if props, found := v.store.ReadUnitProps(p); found && props.MainChainIndex > maxParentMCI {
			maxParentMCI = props.MainChainIndex
		}
	}
	for _, a := range u.Authors {
		def, err := v.defs.EffectiveDefinition(a.Address, a.Definition, maxParentMCI)
		if err != nil {
			if Is(err, KindTransient) {
				return needParents([]string{a.Address})
			}
			return reject(err)
		}
		addr, err := AddressFromDefinition(def.op2Raw())
		if err != nil {
			return reject(unitErr("validator.validateAuthors", "cannot derive address from definition", err))
		}
		if addr.String() != a.Address {
			return reject(unitErr("validator.validateAuthors", "address does not match definition", nil))
		}
		valid, err := VerifyAuthentifiers(def, unitHash, a.Authentifiers)
		if err != nil {
			return reject(err)
		}
		if !valid {
			return reject(unitErr("validator.validateAuthors", "signature verification failed for "+a.Address, nil))
		}
	}
	return ok()
}

// validateMessages enforces that every transfer input's declared amount
// matches the output it claims to spend (rather than trusting the
// author's Input.Amount verbatim) before summing inputs against outputs.
// A transfer input referencing an unknown output needs its source parent
// fetched before the unit can be judged at all.
func (v *Validator) validateMessages(u Unit) ValidationResult {
	spentByAncestor := make(map[string]bool)
	for _, m := range u.Messages {
		if m.App != AppPayment {
			continue
		}
		var inputSum, outputSum int64
		for _, in := range m.Inputs {
			key := in.SrcUnit + "#" + itoa(in.SrcMessageIdx) + "#" + itoa(in.SrcOutputIdx)
			if spentByAncestor[key] {
				return reject(consensusErr("validator.validateMessages", "double spend within same unit", nil))
			}
			spentByAncestor[key] = true
			if in.Type == InputTransfer {
				out, found := v.store.ReadOutput(key)
				if !found {
					return needParents([]string{in.SrcUnit})
				}
				if out.Amount != in.Amount {
					return reject(unitErr("validator.validateMessages", "input amount does not match the referenced output", nil))
				}
				if out.IsSpent {
					return reject(consensusErr("validator.validateMessages", "input references an already-spent output", nil))
				}
				inputSum += out.Amount
			} else {
				inputSum += in.Amount
			}
		}
		for _, out := range m.Outputs {
			outputSum += out.Amount
		}
		if len(m.Inputs) > 0 && inputSum < outputSum {
			return reject(unitErr("validator.validateMessages", "outputs exceed inputs", nil))
		}
	}
	return ok()
}

func (v *Validator) validateLastBall(u Unit) ValidationResult {
	if u.LastBallUnit == "" {
		// nonserial stripped units may omit last_ball; genesis has none.
		return ok()
	}
	props, found := v.store.ReadUnitProps(u.LastBallUnit)
	if !found {
		return needParents([]string{u.LastBallUnit})
	}
	if !props.IsStable {
		return reject(unitErr("validator.validateLastBall", "last_ball_unit is not stable", nil))
	}
	joint, found, err := v.store.ReadJoint(u.LastBallUnit)
	if err != nil {
		return reject(storageErr("validator.validateLastBall", "read last_ball_unit joint", err))
	}
	if !found || joint.Ball != u.LastBall {
		return reject(unitErr("validator.validateLastBall", "last_ball does not match stored ball", nil))
	}
	included := v.graph.DetermineIfIncluded(u.LastBallUnit, u.ParentUnits)
	if included == InclusionNo {
		return reject(unitErr("validator.validateLastBall", "last_ball_unit not included by all parents", nil))
	}
	if included == InclusionUnknown {
		return needParents(u.ParentUnits)
	}
	return ok()
}

// op2Raw converts a parsed Definition back to the [op, params] shape
// AddressFromDefinition expects, so address derivation and signature
// verification share exactly one parse of the wire definition.
func (d *Definition) op2Raw() interface{} {
	switch d.Op {
	case "sig":
		return []interface{}{"sig", map[string]interface{}{"pubkey": string(d.PubKey)}}
	case "and", "or":
		items := make([]interface{}, len(d.Subs))
		for i, s := range d.Subs {
			items[i] = s.op2Raw()
		}
		return []interface{}{d.Op, items}
	case "weighted and":
		set := make([]interface{}, len(d.Subs))
		for i, s := range d.Subs {
			set[i] = map[string]interface{}{"weight": d.Weights[i], "value": s.op2Raw()}
		}
		return []interface{}{"weighted and", map[string]interface{}{"required": d.Required, "set": set}}
	case "autonomous agent":
		return []interface{}{"autonomous agent", d.AABody}
	default:
		return nil
	}
}
