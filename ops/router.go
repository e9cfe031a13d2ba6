// Package ops defines the dispatch contract between script and the host:
// the Router capability, and the tagged Op variants it returns. The
// operations registered behind a Router (fetch, timers, storage, ...) are
// out of scope here — only the shape of dispatch is specified.
package ops

import "context"

// Kind tags which variant an Op holds.
type Kind int

const (
	// NotFound means no operation is registered under the dispatched id.
	NotFound Kind = iota
	// Sync means the op ran to completion and Bytes is the result.
	Sync
	// Async means the op is in flight; Future resolves to the result.
	// The pending future is tracked in the runtime's reffed set and keeps
	// the runtime's poll alive until it resolves.
	Async
	// AsyncUnref is identical to Async except the pending future is tracked
	// unreffed: it does not keep the runtime's poll alive.
	AsyncUnref
)

// Result is the (op-id, bytes) pair a future yields on completion.
type Result struct {
	OpID  uint32
	Bytes []byte
}

// Future is what an Async/AsyncUnref op returns: a function that blocks
// (from the perspective of whatever goroutine runs it — never the runtime's
// own goroutine) until the result is ready. The router is responsible for
// copying anything it needs out of the zero-copy buffers before returning,
// since their backing memory is only guaranteed valid for the duration of
// the synchronous Route call.
type Future func(ctx context.Context) Result

// Op is the tagged union routed ops resolve to. Exactly one of Bytes/Future
// is meaningful, selected by Kind.
type Op struct {
	Kind   Kind
	Bytes  []byte
	Future Future
}

// NotFoundOp is the zero value's canonical spelling, for callers that prefer
// an explicit constructor over the zero value.
func NotFoundOp() Op { return Op{Kind: NotFound} }

// SyncOp wraps an immediately available result.
func SyncOp(b []byte) Op { return Op{Kind: Sync, Bytes: b} }

// AsyncOp wraps a pending, runtime-keeping-alive future.
func AsyncOp(f Future) Op { return Op{Kind: Async, Future: f} }

// AsyncUnrefOp wraps a pending future that does not keep the runtime alive.
func AsyncUnrefOp(f Future) Op { return Op{Kind: AsyncUnref, Future: f} }

// Router is the capability consumed by the runtime. bufs[0] is the control
// buffer; bufs[1:] are zero-copy buffers aliased from script for the
// duration of Route.
type Router interface {
	Route(opID uint32, bufs [][]byte) Op
}

// RouterFunc adapts a plain function to Router.
type RouterFunc func(opID uint32, bufs [][]byte) Op

// Route implements Router.
func (f RouterFunc) Route(opID uint32, bufs [][]byte) Op { return f(opID, bufs) }
