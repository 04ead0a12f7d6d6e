package core

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"
)

// yieldEvery is how many evaluated formula nodes pass between cooperative
// yield points, so a long AA body never blocks the single logical
// execution context.
const yieldEvery = 100

// AAEngine resolves and executes autonomous-agent triggers: formula
// validation lives in core/aaengine.go, state persistence in
// core/aaengine_state.go, this file is the tree-walking interpreter
// itself.
type AAEngine struct {
	log         *logrus.Logger
	store       *Storage
	defs        *DefinitionStore
	state       *AAStateStore
	getterCache *GetterCache

	parsedDefs map[string]*AADefinition
}

// NewAAEngine constructs an AAEngine bound to the shared Storage and
// DefinitionStore, with a getter cache of the given size.
func NewAAEngine(store *Storage, defs *DefinitionStore, state *AAStateStore, getterCacheSize int) (*AAEngine, error) {
	cache, err := NewGetterCache(getterCacheSize)
	if err != nil {
		return nil, err
	}
	return &AAEngine{
		log:         logrus.StandardLogger(),
		store:       store,
		defs:        defs,
		state:       state,
		getterCache: cache,
		parsedDefs:  make(map[string]*AADefinition),
	}, nil
}

// aaEvalError is a fatal evaluation error (bounce, require-false, division
// by zero, uncaught): the runtime rolls back all state mutations of the
// current trigger and emits a bounce response.
type aaEvalError struct{ msg string }

func (e *aaEvalError) Error() string { return e.msg }

// execContext carries per-trigger interpreter state: local variable
// bindings, the running log argument and byte counts (no log text is
// kept), and the step counter used for cooperative yielding.
type execContext struct {
	engine    *AAEngine
	trigger   AATrigger
	aaDef     *AADefinition
	locals    map[string]interface{}
	logArgs   int
	logBytes  int
	steps     int
	isGetter  bool
	pinnedMCI int64
	tx        *Tx
	mutated   bool
}

// Execute runs the AA body for trigger, within its own transaction. On
// success it returns the response unit (possibly empty, for an AA that
// emits nothing); on a fatal evaluation error it returns that error so the
// caller (Stabilizer) can build a bounce response instead — Execute itself
// never partially commits.
func (e *AAEngine) Execute(trigger AATrigger) (Unit, error) {
	def, err := e.resolveAADefinition(trigger.AAAddress, trigger.MCI)
	if err != nil {
		return Unit{}, err
	}

	tx := e.store.Begin()
	ctx := &execContext{
		engine:    e,
		trigger:   trigger,
		aaDef:     def,
		locals:    make(map[string]interface{}),
		pinnedMCI: trigger.MCI,
		tx:        tx,
	}

	_, err = ctx.eval(def.Body)
	if err != nil {
		tx.Rollback()
		return Unit{}, err
	}
	if err := tx.Commit(); err != nil {
		return Unit{}, err
	}

	outputs := ctx.pendingOutputs()
	return Unit{
		Authors:      []Author{{Address: trigger.AAAddress}},
		Messages:     []Message{{App: AppPayment, PayloadLoc: PayloadInline, Outputs: outputs}},
		IsAAResponse: true,
	}, nil
}

func (e *AAEngine) resolveAADefinition(aaAddress string, mci int64) (*AADefinition, error) {
	if cached, ok := e.parsedDefs[aaAddress]; ok {
		return cached, nil
	}
	def, err := e.defs.EffectiveDefinition(aaAddress, nil, mci)
	if err != nil {
		return nil, err
	}
	if def.Op != "autonomous agent" {
		return nil, unitErr("aaengine.resolveAADefinition", aaAddress+" is not an AA", nil)
	}
	parsed, err := ValidateAADefinition(aaAddress, def.AABody)
	if err != nil {
		return nil, err
	}
	e.parsedDefs[aaAddress] = parsed
	return parsed, nil
}

// outputAccum is stashed in locals under a reserved key so `send` nodes
// can accumulate outputs without a dedicated field threaded through eval.
const outputsLocalKey = "\x00outputs"

func (c *execContext) pendingOutputs() []Output {
	v, ok := c.locals[outputsLocalKey]
	if !ok {
		return nil
	}
	outs, _ := v.([]Output)
	return outs
}

// eval walks f, yielding cooperatively every yieldEvery steps. It returns
// a Go value (float64, string, bool, or nil) or a fatal *aaEvalError.
func (c *execContext) eval(f *Formula) (interface{}, error) {
	c.steps++
	if c.steps%yieldEvery == 0 {
		runtime.Gosched()
	}
	if f == nil {
		return nil, nil
	}
	switch f.Kind {
	case FLiteral:
		return f.Literal, nil
	case FBlock:
		var last interface{}
		for _, child := range f.Children {
			v, err := c.eval(child)
			if err != nil {
				return nil, err
			}
			last = v
		}
		return last, nil
	case FLocalVar:
		return c.locals[f.Name], nil
	case FAssign:
		if len(f.Children) != 1 {
			return nil, &aaEvalError{"assign requires exactly one value"}
		}
		v, err := c.eval(f.Children[0])
		if err != nil {
			return nil, err
		}
		c.locals[f.Name] = v
		return v, nil
	case FTriggerRef:
		return c.triggerField(f.Name), nil
	case FIf:
		if len(f.Children) != 3 {
			return nil, &aaEvalError{"if requires condition/then/else"}
		}
		cond, err := c.eval(f.Children[0])
		if err != nil {
			return nil, err
		}
		if truthy(cond) {
			return c.eval(f.Children[1])
		}
		return c.eval(f.Children[2])
	case FBinOp:
		return c.evalBinOp(f)
	case FUnaryOp:
		return c.evalUnaryOp(f)
	case FRequire:
		if c.isGetter {
			return nil, &aaEvalError{"require is not allowed inside a getter"}
		}
		if len(f.Children) != 1 {
			return nil, &aaEvalError{"require takes exactly one condition"}
		}
		v, err := c.eval(f.Children[0])
		if err != nil {
			return nil, err
		}
		if !truthy(v) {
			return nil, &aaEvalError{"require failed"}
		}
		return true, nil
	case FBounce:
		if c.isGetter {
			return nil, &aaEvalError{"bounce is not allowed inside a getter"}
		}
		msg := "bounce"
		if len(f.Children) == 1 {
			if v, err := c.eval(f.Children[0]); err == nil {
				if s, ok := v.(string); ok {
					msg = s
				}
			}
		}
		return nil, &aaEvalError{msg}
	case FLog:
		if len(f.Children) > MaxAALogArgs {
			return nil, &aaEvalError{"log: too many arguments"}
		}
		c.logArgs += len(f.Children)
		if c.logArgs > MaxAALogArgs {
			return nil, &aaEvalError{"log: argument budget exceeded"}
		}
		for _, child := range f.Children {
			v, err := c.eval(child)
			if err != nil {
				return nil, err
			}
			size := len(fmt.Sprintf("%v", v))
			c.logBytes += size
			if c.logBytes > MaxAALogBytes {
				return nil, &aaEvalError{"log: byte budget exceeded"}
			}
		}
		return nil, nil
	case FVarGet:
		v, _ := c.engine.state.Get(c.trigger.AAAddress, f.Name)
		return v, nil
	case FVarSet:
		if c.isGetter {
			return nil, &aaEvalError{"state mutation is not allowed inside a getter"}
		}
		if len(f.Children) != 1 {
			return nil, &aaEvalError{"var_set requires exactly one value"}
		}
		v, err := c.eval(f.Children[0])
		if err != nil {
			return nil, err
		}
		if err := c.engine.state.Stage(c.tx, c.trigger.AAAddress, f.Name, v); err != nil {
			return nil, err
		}
		c.mutated = true
		return v, nil
	case FSend:
		if c.isGetter {
			return nil, &aaEvalError{"send is not allowed inside a getter"}
		}
		if len(f.Children) != 2 {
			return nil, &aaEvalError{"send requires address and amount"}
		}
		addr, err := c.eval(f.Children[0])
		if err != nil {
			return nil, err
		}
		amt, err := c.eval(f.Children[1])
		if err != nil {
			return nil, err
		}
		addrStr, _ := addr.(string)
		amount, _ := amt.(float64)
		outs, _ := c.locals[outputsLocalKey].([]Output)
		outs = append(outs, Output{Address: addrStr, Amount: int64(amount)})
		c.locals[outputsLocalKey] = outs
		return nil, nil
	case FDataFeed:
		return c.evalDataFeed(f)
	case FGetterDecl:
		return nil, nil // declarations are no-ops when reached directly
	case FGetterCall:
		return c.evalGetterCall(f)
	default:
		return nil, &aaEvalError{"unsupported formula node " + string(f.Kind)}
	}
}

func (c *execContext) triggerField(name string) interface{} {
	switch name {
	case "amount":
		return float64(c.trigger.Amount)
	case "address":
		return c.trigger.SenderAddr
	case "asset":
		return c.trigger.Asset
	case "unit":
		return c.trigger.TriggerUnit
	default:
		if c.trigger.Data != nil {
			return c.trigger.Data[name]
		}
		return nil
	}
}

func (c *execContext) evalBinOp(f *Formula) (interface{}, error) {
	if len(f.Children) != 2 {
		return nil, &aaEvalError{"binop requires two operands"}
	}
	l, err := c.eval(f.Children[0])
	if err != nil {
		return nil, err
	}
	r, err := c.eval(f.Children[1])
	if err != nil {
		return nil, err
	}
	switch f.Op {
	case "&&":
		return truthy(l) && truthy(r), nil
	case "||":
		return truthy(l) || truthy(r), nil
	case "==":
		return l == r, nil
	case "!=":
		return l != r, nil
	}
	lf, lok := l.(float64)
	rf, rok := r.(float64)
	if !lok || !rok {
		return nil, &aaEvalError{"arithmetic operand is not a number"}
	}
	switch f.Op {
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, &aaEvalError{"division by zero"}
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, &aaEvalError{"division by zero"}
		}
		return float64(int64(lf) % int64(rf)), nil
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	default:
		return nil, &aaEvalError{"unsupported operator " + f.Op}
	}
}

func (c *execContext) evalUnaryOp(f *Formula) (interface{}, error) {
	if len(f.Children) != 1 {
		return nil, &aaEvalError{"unary op requires one operand"}
	}
	v, err := c.eval(f.Children[0])
	if err != nil {
		return nil, err
	}
	switch f.Op {
	case "!":
		return !truthy(v), nil
	case "-u":
		n, ok := v.(float64)
		if !ok {
			return nil, &aaEvalError{"negation operand is not a number"}
		}
		return -n, nil
	default:
		return nil, &aaEvalError{"unsupported unary operator " + f.Op}
	}
}

func (c *execContext) evalDataFeed(f *Formula) (interface{}, error) {
	if len(f.Children) < 2 {
		return nil, &aaEvalError{"data_feed requires oracle and feed name"}
	}
	oracleV, err := c.eval(f.Children[0])
	if err != nil {
		return nil, err
	}
	feedV, err := c.eval(f.Children[1])
	if err != nil {
		return nil, err
	}
	oracle, _ := oracleV.(string)
	feed, _ := feedV.(string)
	result, ok := c.engine.store.ReadDataFeed([]string{oracle}, feed, 0, c.pinnedMCI)
	if !ok {
		return nil, nil
	}
	return result.Value, nil
}

// evalGetterCall resolves $other_aa.$getter(args), evaluating the target's
// getter under a read-only view pinned at the same MCI and memoizing the
// result.
func (c *execContext) evalGetterCall(f *Formula) (interface{}, error) {
	if len(f.Children) < 1 {
		return nil, &aaEvalError{"getter call requires a target AA"}
	}
	targetV, err := c.eval(f.Children[0])
	if err != nil {
		return nil, err
	}
	targetAA, _ := targetV.(string)

	args := make([]interface{}, 0, len(f.Children)-1)
	for _, child := range f.Children[1:] {
		v, err := c.eval(child)
		if err != nil {
			return nil, err
		}
		args = append(args, v)
	}

	if cached, ok := c.engine.getterCache.Get(targetAA, f.Name, args, c.pinnedMCI); ok {
		return cached, nil
	}

	def, err := c.engine.resolveAADefinition(targetAA, c.pinnedMCI)
	if err != nil {
		return nil, err
	}
	getterBody, ok := def.Getters[f.Name]
	if !ok {
		return nil, &aaEvalError{"no such getter: " + f.Name}
	}

	sub := &execContext{
		engine:    c.engine,
		trigger:   c.trigger,
		aaDef:     def,
		locals:    make(map[string]interface{}),
		pinnedMCI: c.pinnedMCI,
		tx:        c.tx,
		isGetter:  true,
	}
	// getterBody is the FGetterDecl node itself, whose Children are the
	// getter's statements; evaluating the declaration directly is a no-op
	// (see the FGetterDecl case in eval), so run its body as a block.
	body := &Formula{Kind: FBlock, Children: getterBody.Children}
	result, err := sub.eval(body)
	if err != nil {
		return nil, err
	}
	if sub.mutated {
		return nil, &aaEvalError{"getter mutated state"}
	}
	c.engine.getterCache.Put(targetAA, f.Name, args, c.pinnedMCI, result)
	return result, nil
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}
