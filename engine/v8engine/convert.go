// Byte <-> Uint8Array/SharedArrayBuffer conversions. Grounded in the
// teacher's internal/v8engine/runtime.go ReadBinaryFromJS/WriteBinaryToJS,
// which copy between a *v8go.Value backing an ArrayBuffer and a Go []byte
// through the same ArrayBufferGetContents-style accessor used here.
//
//go:build v8

package v8engine

import (
	"fmt"

	"github.com/cryguy/corejs"
	v8 "github.com/tommie/v8go"
)

// uint8ArrayBytes copies the bytes backing a script-provided Uint8Array (or
// ArrayBuffer) argument. Buffers dispatch() receives are only valid for the
// duration of the call (§6.1), so this always copies rather than aliasing.
func uint8ArrayBytes(v *v8.Value) ([]byte, error) {
	if v == nil || v.IsNullOrUndefined() {
		return nil, nil
	}
	ab, err := v.ArrayBuffer()
	if err != nil {
		return nil, fmt.Errorf("v8engine: expected ArrayBuffer/Uint8Array argument: %w", err)
	}
	return ab.Bytes(), nil
}

// bytesToUint8Array wraps b in a freshly allocated ArrayBuffer and returns a
// Uint8Array view over it, for a Sync op's return value (§4.5, P2).
func bytesToUint8Array(ctx *v8.Context, b []byte) (*v8.Value, error) {
	ab := v8.NewArrayBuffer(ctx.Isolate(), len(b))
	copy(ab.Bytes(), b)
	return v8.NewUint8Array(ctx, ab)
}

// SyncSharedQueue mirrors the SharedQueue's backing bytes into the
// SharedArrayBuffer exposed to script as `corejs.shared` (§6.3). It is
// called every poll cycle before the no-argument recv invocation (§4.7 step
// 7); script reads the same bytes through bootstrap.js's DataView parsing.
func (e *Engine) SyncSharedQueue(buf []byte) error {
	if e.sharedBuf == nil {
		sab := v8.NewSharedArrayBuffer(e.iso, len(buf))
		view, err := v8.NewUint8Array(e.ctx, sab)
		if err != nil {
			return fmt.Errorf("v8engine: creating shared queue view: %w", err)
		}
		if err := e.ctx.Global().Set("__corejs_shared_call", e.sharedSetter(view)); err != nil {
			return fmt.Errorf("v8engine: installing shared queue setter: %w", err)
		}
		e.sharedBuf = sab
		if _, err := e.ctx.RunScript("corejs.shared(__corejs_shared_call())", "corejs:shared-install"); err != nil {
			return fmt.Errorf("v8engine: calling corejs.shared: %w", err)
		}
	}
	copy(e.sharedBuf.Bytes(), buf)
	return nil
}

func (e *Engine) sharedSetter(view *v8.Value) *v8.Value {
	tmpl := v8.NewFunctionTemplate(e.iso, func(*v8.FunctionCallbackInfo) *v8.Value { return view })
	return tmpl.GetFunction(e.ctx)
}

// InvokeRecv calls the script-registered receive callback, either with no
// arguments (batch/fast-path delivery, overflow == nil) or with exactly
// (op_id, bytes) for the single-shot overflow response (§4.5, §4.7 steps
// 7-8, §6.3 recv).
func (e *Engine) InvokeRecv(overflow *corejs.OverflowResponse) (*corejs.EngineException, error) {
	if overflow == nil {
		_, err := e.ctx.RunScript("corejs.recv()", "corejs:recv")
		if err != nil {
			return toEngineException(err), nil
		}
		return nil, nil
	}

	bytes, err := bytesToUint8Array(e.ctx, overflow.Data)
	if err != nil {
		return nil, err
	}
	tmpl := v8.NewFunctionTemplate(e.iso, func(*v8.FunctionCallbackInfo) *v8.Value { return bytes })
	if err := e.ctx.Global().Set("__corejs_overflow_bytes", tmpl.GetFunction(e.ctx)); err != nil {
		return nil, err
	}
	script := fmt.Sprintf("corejs.recv(%d, __corejs_overflow_bytes())", overflow.OpID)
	if _, err := e.ctx.RunScript(script, "corejs:recv-overflow"); err != nil {
		return toEngineException(err), nil
	}
	return nil, nil
}
