// Package chain is the per-update control flow: an ordered list of handlers
// that initialize context, gate access, classify the update, and dispatch to
// a command or the delivery controller. The first decisive result wins and
// short-circuits the rest.
package chain

import "chatrelay/internal/domain"

type resultKind int

const (
	kindNext resultKind = iota
	kindHandled
	kindSkip
	kindDenied
)

// Result is the explicit outcome of one middleware stage. The zero value
// passes control to the next stage. Silent drops and denials are returned,
// never raised: a Skip produces no output at all, a Denied produces a
// deterministic message.
type Result struct {
	kind   resultKind
	reply  *domain.Reply
	reason string
}

// Next passes the update to the following stage.
func Next() Result { return Result{} }

// Handled stops the chain; reply is the final outbound response. A nil reply
// means the stage already delivered its own output.
func Handled(reply *domain.Reply) Result {
	return Result{kind: kindHandled, reply: reply}
}

// Skip stops the chain with no visible output.
func Skip() Result { return Result{kind: kindSkip} }

// Denied stops the chain with a user-facing denial message.
func Denied(reason string) Result {
	return Result{kind: kindDenied, reason: reason}
}

// Decisive reports whether the result short-circuits the chain.
func (r Result) Decisive() bool { return r.kind != kindNext }
