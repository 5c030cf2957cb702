package session

import "io"

// Backend is the capability set every backend module offers (§6 of the
// façade specification). The façade depends only on this set, never on a
// concrete backend type: a tagged variant or vtable of function pointers
// would be equally valid, this is simply Go's version of that polymorphism.
type Backend interface {
	// Name identifies the backend for logging, e.g. "llamacpp" or "stubcpu".
	Name() string

	// Load opens the model at path and returns an opaque per-session handle.
	// file is left open and owned by the returned Context; the backend must
	// close it when the Context is closed.
	Load(path string, file io.ReadSeekCloser, params Params) (Context, error)
}

// Context is the opaque, backend-owned inference state: tokenizer, KV cache,
// and vocabulary. A Session drives one Context through its lifetime. The
// session — not the Context — owns the RNG and the top-k/top-p/temperature
// sampler (§3's data model makes rng session state); Context only surfaces
// the raw next-token distribution, plus an optional backend-native adaptive
// sampler for backends that can track mirostat's running entropy target
// internally.
type Context interface {
	// Tokenize converts text to token ids. firstAppend tells the tokenizer
	// whether this is the very first text appended to an empty prompt, since
	// leading-space handling differs.
	Tokenize(text string, firstAppend bool) ([]int32, error)
	// Detokenize converts a single token id back to its text fragment.
	Detokenize(token int32) (string, error)

	// EvalBatch feeds tokens[past:past+len(tokens)] to the model, advancing
	// the KV cache. past is the position of tokens[0] in the full sequence.
	EvalBatch(tokens []int32, past int) error

	// Logits returns the next-token distribution for the last evaluated
	// position as parallel (id, logit) slices of equal length. The id space
	// need not be dense or contiguous: a backend may only ever report a
	// handful of candidate ids rather than the full vocabulary. Valid only
	// immediately after a successful EvalBatch; the returned slices must not
	// be retained past the next EvalBatch call.
	Logits() (ids []int32, logits []float32)

	// EOTToken returns the end-of-text token id and whether the vocabulary
	// advertises one.
	EOTToken() (int32, bool)

	// MemPerToken returns the backend's amortized memory-use probe, measured
	// once via a dummy evaluation at construction.
	MemPerToken() uint64

	// SupportsMirostat reports whether this context can run the adaptive
	// sampler natively. When false, Session always uses its own top-k/top-p
	// sampler regardless of Params.PreferMirostat.
	SupportsMirostat() bool
	// MirostatSample draws the next token using the backend's adaptive
	// sampler, threading the caller-owned running entropy estimate through
	// state. Only called when SupportsMirostat reports true.
	MirostatSample(params Params, state *MirostatState) (int32, error)

	// SnapshotState returns an opaque copy of KV cache + embeddings state.
	// The façade never inspects the bytes.
	SnapshotState() ([]byte, error)
	// RestoreState replaces the opaque state from a prior SnapshotState call.
	RestoreState([]byte) error

	// Close releases backend-owned resources (KV cache, open file, etc).
	Close() error
}

// MirostatState carries the adaptive sampler's running entropy estimate
// across calls. It lives on the Session (mirroring rng as session-owned
// state) but its contents are opaque to the façade.
type MirostatState struct {
	Mu float64
}
