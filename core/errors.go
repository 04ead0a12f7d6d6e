package core

import "fmt"

// Kind classifies an error so every layer (network handler, writer, AA
// engine) can decide whether to penalize a peer, retry later, or treat
// the failure as unrecoverable.
type Kind int

const (
	// KindUnit: the unit itself is structurally or semantically invalid.
	// The peer that sent it should be penalized.
	KindUnit Kind = iota
	// KindJoint: the joint envelope (unit + optional ball and skiplist) is
	// invalid independent of the unit's own validity.
	KindJoint
	// KindTransient: validation could not complete because a dependency
	// (parent unit, referenced asset) is not yet known locally. Retry
	// once the dependency arrives; do not penalize the peer.
	KindTransient
	// KindConsensus: the unit conflicts with already-stabilized state
	// (double spend lost the tie-break, stale last_ball, etc).
	KindConsensus
	// KindStorage: a local storage-layer failure (disk I/O, corruption).
	KindStorage
	// KindProtocol: a peer violated the request/response protocol itself
	// (malformed catchup chain, bad witness proof).
	KindProtocol
	// KindFatal: an invariant the process cannot recover from. The only
	// kind permitted to terminate the process, and only from cmd/.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindUnit:
		return "unit"
	case KindJoint:
		return "joint"
	case KindTransient:
		return "transient"
	case KindConsensus:
		return "consensus"
	case KindStorage:
		return "storage"
	case KindProtocol:
		return "protocol"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the single typed error wrapper used throughout core: every
// returned error that crosses a package boundary is wrapped into one of
// these so the caller can type-switch on Kind instead of string-matching.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "validator.ValidateJoint"
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether err carries the given Kind, unwrapping plain *Error
// wrappers as it goes.
func Is(err error, kind Kind) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			if ce.Kind == kind {
				return true
			}
			err = ce.Err
			continue
		}
		break
	}
	return false
}

func newErr(kind Kind, op, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: msg, Err: cause}
}

func unitErr(op, msg string, cause error) *Error      { return newErr(KindUnit, op, msg, cause) }
func jointErr(op, msg string, cause error) *Error     { return newErr(KindJoint, op, msg, cause) }
func transientErr(op, msg string, cause error) *Error { return newErr(KindTransient, op, msg, cause) }
func consensusErr(op, msg string, cause error) *Error { return newErr(KindConsensus, op, msg, cause) }
func storageErr(op, msg string, cause error) *Error   { return newErr(KindStorage, op, msg, cause) }
func protocolErr(op, msg string, cause error) *Error  { return newErr(KindProtocol, op, msg, cause) }
func fatalErr(op, msg string, cause error) *Error     { return newErr(KindFatal, op, msg, cause) }
