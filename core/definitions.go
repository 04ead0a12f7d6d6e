package core

import (
	"strconv"
	"sync"
)

// Definition is a parsed address-definition predicate tree. The only
// shapes this node recognizes are:
// `sig`, `and`, `or`, `weighted and`, and `autonomous agent` (an AA body,
// opaque to the signature checker and handled by core/aaengine.go).
type Definition struct {
	Op       string        // "sig", "and", "or", "weighted and", "autonomous agent"
	PubKey   []byte        // leaf: compressed secp256k1 pubkey, for Op == "sig"
	Subs     []*Definition // "and"/"or"/"weighted and" children
	Weights  []int         // parallel to Subs for "weighted and"
	Required int           // "weighted and": minimum weighted sum of satisfied subs
	AABody   interface{}   // Op == "autonomous agent": the formula tree, opaque here
}

// DefinitionStore resolves addresses to definitions and caches the
// (address, role) style lookups the way AccessController does, keyed here
// by address instead of (address, role) since a definition is a single
// value per address.
type DefinitionStore struct {
	store *Storage

	mu    sync.Mutex
	cache map[string]*Definition
}

// NewDefinitionStore binds a DefinitionStore to the shared Storage.
func NewDefinitionStore(store *Storage) *DefinitionStore {
	return &DefinitionStore{store: store, cache: make(map[string]*Definition)}
}

// EffectiveDefinition resolves the definition that governs address at
// maxMCI: an inline definition on the author (first use) takes priority,
// otherwise the most recent address_definition_change with MCI <= maxMCI,
// tie-broken by unit_id ascending.
func (d *DefinitionStore) EffectiveDefinition(address string, inline interface{}, maxMCI int64) (*Definition, error) {
	if inline != nil {
		def, err := parseDefinition(inline)
		if err != nil {
			return nil, unitErr("definitions.EffectiveDefinition", "malformed inline definition", err)
		}
		return def, nil
	}
	d.mu.Lock()
	if cached, ok := d.cache[address]; ok {
		d.mu.Unlock()
		return cached, nil
	}
	d.mu.Unlock()

	row, ok := d.store.ReadDefinitionByAddress(address, maxMCI)
	if !ok {
		return nil, transientErr("definitions.EffectiveDefinition", "no definition on file for "+address, nil)
	}
	def, err := parseDefinition(row.Definition)
	if err != nil {
		return nil, unitErr("definitions.EffectiveDefinition", "malformed stored definition", err)
	}
	d.mu.Lock()
	d.cache[address] = def
	d.mu.Unlock()
	return def, nil
}

// InvalidateCache drops any cached definition for address. The Writer calls
// it while staging a unit whose author carries an inline definition, before
// that unit's transaction commits.
func (d *DefinitionStore) InvalidateCache(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cache, address)
}

func parseDefinition(raw interface{}) (*Definition, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, jointErr("definitions.parseDefinition", "definition must be a 2-element [op, params] array", nil)
	}
	op, ok := arr[0].(string)
	if !ok {
		return nil, jointErr("definitions.parseDefinition", "definition op must be a string", nil)
	}
	switch op {
	case "sig":
		params, ok := arr[1].(map[string]interface{})
		if !ok {
			return nil, jointErr("definitions.parseDefinition", "sig params must be an object", nil)
		}
		pubHex, _ := params["pubkey"].(string)
		if pubHex == "" {
			return nil, jointErr("definitions.parseDefinition", "sig definition missing pubkey", nil)
		}
		return &Definition{Op: "sig", PubKey: []byte(pubHex)}, nil
	case "and", "or":
		items, ok := arr[1].([]interface{})
		if !ok {
			return nil, jointErr("definitions.parseDefinition", op+" params must be an array", nil)
		}
		subs := make([]*Definition, 0, len(items))
		for _, it := range items {
			sub, err := parseDefinition(it)
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
		}
		return &Definition{Op: op, Subs: subs}, nil
	case "weighted and":
		params, ok := arr[1].(map[string]interface{})
		if !ok {
			return nil, jointErr("definitions.parseDefinition", "weighted and params must be an object", nil)
		}
		items, _ := params["set"].([]interface{})
		required, _ := params["required"].(float64)
		subs := make([]*Definition, 0, len(items))
		weights := make([]int, 0, len(items))
		for _, it := range items {
			entry, ok := it.(map[string]interface{})
			if !ok {
				return nil, jointErr("definitions.parseDefinition", "weighted and entry must be an object", nil)
			}
			weight, _ := entry["weight"].(float64)
			sub, err := parseDefinition(entry["value"])
			if err != nil {
				return nil, err
			}
			subs = append(subs, sub)
			weights = append(weights, int(weight))
		}
		return &Definition{Op: "weighted and", Subs: subs, Weights: weights, Required: int(required)}, nil
	case "autonomous agent":
		return &Definition{Op: "autonomous agent", AABody: arr[1]}, nil
	default:
		return nil, jointErr("definitions.parseDefinition", "unsupported definition op "+op, nil)
	}
}

// VerifyAuthentifiers checks that authentifiers satisfy def's predicate
// tree for the given unit hash. Paths are dotted
// indices into the tree ("r" at the root, "r.0", "r.1",... for and/or
// children), mirroring the original wire protocol's authentifier paths.
func VerifyAuthentifiers(def *Definition, unitHash Hash32, auth Authentifier) (bool, error) {
	return verifyNode(def, "r", unitHash, auth)
}

func verifyNode(def *Definition, path string, unitHash Hash32, auth Authentifier) (bool, error) {
	switch def.Op {
	case "sig":
		sig, ok := auth[path]
		if !ok {
			return false, nil
		}
		ok, err := VerifySignature(def.PubKey, unitHash, []byte(sig))
		if err != nil {
			return false, err
		}
		return ok, nil
	case "and":
		for i, sub := range def.Subs {
			ok, err := verifyNode(sub, path+"."+itoa(i), unitHash, auth)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case "or":
		for i, sub := range def.Subs {
			ok, err := verifyNode(sub, path+"."+itoa(i), unitHash, auth)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case "weighted and":
		sum := 0
		for i, sub := range def.Subs {
			ok, err := verifyNode(sub, path+"."+itoa(i), unitHash, auth)
			if err != nil {
				return false, err
			}
			if ok {
				sum += def.Weights[i]
			}
		}
		return sum >= def.Required, nil
	case "autonomous agent":
		return false, unitErr("definitions.verifyNode", "an AA address cannot author units directly", nil)
	default:
		return false, jointErr("definitions.verifyNode", "unsupported definition op "+def.Op, nil)
	}
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
