package session

import (
	"runtime"
	"time"
)

// Params configures a Session at construction. All fields are immutable after
// New returns, except where noted.
type Params struct {
	// Seed for the session's RNG. 0 means "derive from wall clock".
	Seed uint64
	// NThreads is the number of backend evaluation threads. 0 means "half the
	// hardware concurrency".
	NThreads uint32
	// NCtx is the context window size in tokens.
	NCtx uint32
	// NCtxWindowTopBar is the prefix held fixed across scrolls. Must be < NCtx.
	NCtxWindowTopBar uint32
	// NBatch is the number of tokens evaluated per batch.
	NBatch uint32
	// NRepeatLast is how many trailing tokens the repetition penalty considers.
	NRepeatLast uint32
	// RepeatPenalty scales the probability of recently-seen tokens.
	RepeatPenalty float32
	// NEOSIgnores is how many end-of-text tokens are swallowed before Run stops.
	NEOSIgnores uint32
	// ScrollKeep is the fraction of post-bar context preserved on overflow.
	// 0 drops everything after the top bar.
	ScrollKeep float32
	TopK       uint32
	TopP       float32
	Temp       float32

	MirostatLearningRate float32
	MirostatTargetEntropy float32
	// PreferMirostat selects the adaptive sampler: 0 disabled, 1 or 2 select a
	// mirostat variant when the backend supports it.
	PreferMirostat uint8

	NGPULayers uint32
	UseMLock   bool
}

// scrollRetainRatio is the fixed fraction of post-bar tokens kept on a
// ScrollKeep-enabled scroll. It is a package constant rather than a Params
// field: the sources conflate it with ScrollKeep and the spec does not make
// it independently configurable.
const scrollRetainRatio = 0.4

// resolve fills in the "0 means derive" defaults and returns a copy. It is
// called exactly once, from New.
func (p Params) resolve() Params {
	if p.Seed == 0 {
		p.Seed = uint64(time.Now().UnixNano())
	}
	if p.NThreads == 0 {
		n := runtime.NumCPU() / 2
		if n < 1 {
			n = 1
		}
		p.NThreads = uint32(n)
	}
	if p.NCtx == 0 {
		p.NCtx = 2048
	}
	if p.NBatch == 0 {
		p.NBatch = 8
	}
	return p
}
