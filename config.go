// Package corejs implements the embeddable V8 async-runtime core: a
// cooperative event loop driving native "operations" invoked from script, an
// ES module graph loader with dynamic-import support, and a snapshot/startup
// facility for fast boot. It is grounded in cryguy-worker's V8 embedding
// (internal/v8engine) and in original_source/core/runtime.rs, the deno_core
// JsRuntime this package's design is distilled from.
package corejs

import (
	"github.com/cryguy/corejs/modules"
	"github.com/cryguy/corejs/ops"
)

// Script is source run once, after bootstrap (§6.4).
type Script struct {
	Source   string
	Filename string
}

// SnapshotKind tags which of the three snapshot representations a Snapshot
// holds, mirroring the original's Snapshot::{Static,JustCreated,Boxed} enum
// (SPEC_FULL.md supplemented feature #3).
type SnapshotKind int

const (
	// SnapshotStatic wraps a blob the caller guarantees outlives the Runtime
	// (e.g. a //go:embed'd asset).
	SnapshotStatic SnapshotKind = iota
	// SnapshotJustCreated wraps a blob this process just produced via
	// Runtime.Snapshot().
	SnapshotJustCreated
	// SnapshotBoxed wraps an owned, heap-allocated blob (e.g. read from disk
	// or a snapshotstore.Store).
	SnapshotBoxed
)

// Snapshot is opaque startup data accepted by Config.StartupSnapshot.
type Snapshot struct {
	Kind SnapshotKind
	Data []byte
}

// StaticSnapshot wraps data the caller promises to keep alive and not
// mutate for the life of the Runtime.
func StaticSnapshot(data []byte) Snapshot { return Snapshot{Kind: SnapshotStatic, Data: data} }

// BoxedSnapshot wraps an owned blob, e.g. loaded from a snapshotstore.Store.
func BoxedSnapshot(data []byte) Snapshot { return Snapshot{Kind: SnapshotBoxed, Data: data} }

// HeapLimits bounds an isolate's heap, in bytes.
type HeapLimits struct {
	Initial uint64
	Max     uint64
}

// Config configures a new Runtime (§4.1).
type Config struct {
	// Router is the op dispatch capability. Required.
	Router ops.Router

	// Loader resolves and loads ES module source. Defaults to
	// modules.NoopLoader, which rejects every resolve.
	Loader modules.Loader

	// StartupSnapshot, if set, initializes the isolate from a previously
	// produced snapshot. Mutually exclusive with WillSnapshot.
	StartupSnapshot *Snapshot

	// StartupScript, if set, runs once after bootstrap.
	StartupScript *Script

	// WillSnapshot requests a snapshot-capable isolate. Mutually exclusive
	// with StartupSnapshot (§4.1).
	WillSnapshot bool

	// HeapLimits optionally bounds the isolate's heap.
	HeapLimits *HeapLimits

	// QueueCapacity sizes the SharedQueue. Defaults to queue.RecommendedSize.
	QueueCapacity int
}
