package core

import "fmt"

// MaxAAOps bounds the total operation count of a formula tree, checked
// once at definition-validation time.
const MaxAAOps = 2000

// FormulaKind enumerates the AA expression-language node kinds this
// tree-walking interpreter understands.
type FormulaKind string

const (
	FLiteral    FormulaKind = "literal"
	FLocalVar   FormulaKind = "local_var"
	FTriggerRef FormulaKind = "trigger"
	FBinOp      FormulaKind = "binop"
	FUnaryOp    FormulaKind = "unaryop"
	FIf         FormulaKind = "if"
	FBlock      FormulaKind = "block"
	FAssign     FormulaKind = "assign"
	FVarGet     FormulaKind = "var_get"  // AA state var read
	FVarSet     FormulaKind = "var_set"  // AA state var write
	FRequire    FormulaKind = "require"
	FBounce     FormulaKind = "bounce"
	FLog        FormulaKind = "log"
	FGetterCall FormulaKind = "getter_call"
	FGetterDecl FormulaKind = "getter_decl" // nested function declaration
	FSend       FormulaKind = "send"        // emit a response-unit payment
	FDataFeed   FormulaKind = "data_feed"
)

// Formula is one node of a parsed AA body.
type Formula struct {
	Kind     FormulaKind
	Literal  interface{}
	Name     string // local_var/var_get/var_set/assign/getter name
	Op       string // binop/unaryop operator symbol
	Children []*Formula
}

// AADefinition is the parsed, validated body of an autonomous agent,
// produced once when the definition is first stored.
type AADefinition struct {
	Address    string
	Body       *Formula
	Getters    map[string]*Formula // every getter declaration in Body, nested ones included
	Complexity int
}

// ValidateAADefinition parses raw (the wire `['autonomous agent', body]`
// payload) and enforces depth <= MaxAAFormulaDepth and op count <=
// MaxAAOps. bounce/require are rejected anywhere lexically inside a
// getter body, including nested function declarations.
func ValidateAADefinition(address string, raw interface{}) (*AADefinition, error) {
	body, err := parseFormula(raw)
	if err != nil {
		return nil, unitErr("aaengine.ValidateAADefinition", "malformed AA body", err)
	}
	depth := formulaDepth(body)
	if depth > MaxAAFormulaDepth {
		return nil, unitErr("aaengine.ValidateAADefinition", "AA formula depth exceeds limit", nil)
	}
	ops := formulaOpCount(body)
	if ops > MaxAAOps {
		return nil, unitErr("aaengine.ValidateAADefinition", "AA formula complexity exceeds limit", nil)
	}

	getters := make(map[string]*Formula)
	collectGetters(body, getters)
	for name, g := range getters {
		if violatesGetterRestriction(g, false) {
			return nil, unitErr("aaengine.ValidateAADefinition", "bounce/require not allowed inside getter "+name, nil)
		}
	}

	return &AADefinition{Address: address, Body: body, Getters: getters, Complexity: ops}, nil
}

func formulaDepth(f *Formula) int {
	if f == nil {
		return 0
	}
	maxChild := 0
	for _, c := range f.Children {
		if d := formulaDepth(c); d > maxChild {
			maxChild = d
		}
	}
	return 1 + maxChild
}

func formulaOpCount(f *Formula) int {
	if f == nil {
		return 0
	}
	n := 1
	for _, c := range f.Children {
		n += formulaOpCount(c)
	}
	return n
}

// collectGetters walks the tree gathering every getter_decl node,
// including ones nested inside other getters.
func collectGetters(f *Formula, out map[string]*Formula) {
	if f == nil {
		return
	}
	if f.Kind == FGetterDecl {
		out[f.Name] = f
	}
	for _, c := range f.Children {
		collectGetters(c, out)
	}
}

// violatesGetterRestriction reports whether f contains a bounce or require
// node while lexically inside a getter body. The direct call on a
// getter_decl node passes false; that node's children are visited with
// insideGetter true.
func violatesGetterRestriction(f *Formula, insideGetter bool) bool {
	if f == nil {
		return false
	}
	if insideGetter && (f.Kind == FBounce || f.Kind == FRequire) {
		return true
	}
	nextInside := insideGetter
	if f.Kind == FGetterDecl {
		nextInside = true
	}
	for _, c := range f.Children {
		if violatesGetterRestriction(c, nextInside) {
			return true
		}
	}
	return false
}

// parseFormula converts the wire representation (nested
// []interface{}{"op",...args}) into a Formula tree. Unknown ops are a
// structural error, not a silent no-op.
func parseFormula(raw interface{}) (*Formula, error) {
	switch v := raw.(type) {
	case nil:
		return &Formula{Kind: FLiteral, Literal: nil}, nil
	case string, float64, bool:
		return &Formula{Kind: FLiteral, Literal: v}, nil
	case []interface{}:
		if len(v) == 0 {
			return nil, fmt.Errorf("empty formula node")
		}
		op, ok := v[0].(string)
		if !ok {
			return nil, fmt.Errorf("formula op must be a string")
		}
		children := make([]*Formula, 0, len(v)-1)
		for _, raw := range v[1:] {
			c, err := parseFormula(raw)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		kind, name, binop, err := classifyOp(op)
		if err != nil {
			return nil, err
		}
		return &Formula{Kind: kind, Name: name, Op: binop, Children: children}, nil
	default:
		return nil, fmt.Errorf("unsupported formula literal type %T", raw)
	}
}

func classifyOp(op string) (FormulaKind, string, string, error) {
	switch op {
	case "if":
		return FIf, "", "", nil
	case "block":
		return FBlock, "", "", nil
	case "require":
		return FRequire, "", "", nil
	case "bounce":
		return FBounce, "", "", nil
	case "log":
		return FLog, "", "", nil
	case "send":
		return FSend, "", "", nil
	case "data_feed":
		return FDataFeed, "", "", nil
	case "+", "-", "*", "/", "%", "==", "!=", "<", "<=", ">", ">=", "&&", "||":
		return FBinOp, "", op, nil
	case "!", "-u":
		return FUnaryOp, "", op, nil
	default:
		// "var_get:key", "var_set:key", "getter:name", "getter_decl:name",
		// "trigger.field", "local.name", "assign:name" style tagged ops
		// carry their identifier as the op string's remainder.
		return classifyTaggedOp(op)
	}
}

// classifyTaggedOp is the fallthrough for the prefix-tagged identifier ops.
// An op matching none of the known prefixes is a structural error, not a
// silent literal: a malformed or unrecognized AA body must fail parsing,
// never be accepted by ValidateAADefinition as a no-op literal.
func classifyTaggedOp(op string) (FormulaKind, string, string, error) {
	if name, ok := stripPrefix(op, "trigger."); ok {
		return FTriggerRef, name, "", nil
	}
	if name, ok := stripPrefix(op, "local."); ok {
		return FLocalVar, name, "", nil
	}
	if name, ok := stripPrefix(op, "assign:"); ok {
		return FAssign, name, "", nil
	}
	if name, ok := stripPrefix(op, "var_get:"); ok {
		return FVarGet, name, "", nil
	}
	if name, ok := stripPrefix(op, "var_set:"); ok {
		return FVarSet, name, "", nil
	}
	if name, ok := stripPrefix(op, "getter_decl:"); ok {
		return FGetterDecl, name, "", nil
	}
	if name, ok := stripPrefix(op, "getter:"); ok {
		return FGetterCall, name, "", nil
	}
	return FLiteral, "", "", fmt.Errorf("unknown formula op %q", op)
}

func stripPrefix(s, prefix string) (string, bool) {
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}
