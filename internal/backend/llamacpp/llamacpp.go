//go:build llama

// Package llamacpp adapts github.com/go-skynet/go-llama.cpp's whole-prompt
// Predict API to the session.Context per-token contract. go-llama.cpp
// exposes generation only as a single blocking Predict call plus a
// per-token string callback; it does not surface incremental evaluation or
// raw logits the way the original C++ sources' direct llama.cpp bindings
// did (justlm_llama.hpp calls llama_eval/llama_get_logits/llama_sample_*
// itself). This adapter bridges the gap by running one Predict burst per
// generation cycle and replaying its streamed fragments one at a time:
// go-llama.cpp's own sampler, configured from Params via
// mapParamsToPredictOptions, makes the real token choice, and Logits simply
// reports that choice as an overwhelming favorite so the façade's generic
// top-k/top-p sampler passes it straight through.
package llamacpp

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	llama "github.com/go-skynet/go-llama.cpp"

	"lmfacade/internal/backend"
	"lmfacade/pkg/session"
)

// eotSentinel is the synthetic token id Logits and Detokenize use to signal
// end-of-text: go-llama.cpp does not expose the model's real EOS token id.
const eotSentinel = int32(-1)

// Module is the cgo-backed llamacpp backend.Module.
type Module struct{}

// New returns the llamacpp Module, also usable as the NewModule symbol a
// `.so` plugin build of this package would export.
func New() backend.Module { return Module{} }

func (Module) Name() string { return "llamacpp" }

func (Module) Descriptor() backend.Descriptor { return backend.Descriptor{IsFallback: false} }

func (Module) Identify(header []byte) bool {
	magic := backend.ReadMagic(header)
	return magic == backend.MagicGGML || magic == backend.MagicGGMF || magic == backend.MagicGGJT
}

func (Module) Load(path string, file io.ReadSeekCloser, params session.Params) (session.Context, error) {
	// go-llama.cpp opens the model by path itself; it cannot take ownership
	// of an already-open handle, so the caller's file (opened by the façade
	// to read the header for dispatch) is closed here.
	if err := file.Close(); err != nil {
		return nil, fmt.Errorf("llamacpp: closing header handle: %w", err)
	}

	mo := []llama.ModelOption{
		llama.SetContext(int(params.NCtx)),
	}
	if params.NGPULayers > 0 {
		mo = append(mo, llama.SetGPULayers(int(params.NGPULayers)))
	}
	model, err := llama.New(path, mo...)
	if err != nil {
		return nil, fmt.Errorf("llamacpp: load %s: %w", path, err)
	}
	return &llamaContext{model: model, threads: int(params.NThreads), params: params}, nil
}

type llamaContext struct {
	model   *llama.LLama
	threads int
	params  session.Params

	mu        sync.Mutex
	prompt    string
	frags     map[int32]string
	nextID    int32
	queue     []string
	exhausted bool
}

// Tokenize does not have access to go-llama.cpp's vocabulary, so it assigns
// one synthetic token id per appended chunk rather than per real token; the
// façade's window-scroll and repetition-penalty bookkeeping degrade to
// chunk granularity for this backend. Each new chunk re-arms generation:
// the next Logits call will run a fresh Predict burst over the updated
// prompt.
func (c *llamaContext) Tokenize(text string, firstAppend bool) ([]int32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompt += text
	c.exhausted = false
	c.queue = nil
	return []int32{c.allocFrag(text)}, nil
}

func (c *llamaContext) allocFrag(text string) int32 {
	if c.frags == nil {
		c.frags = make(map[int32]string)
	}
	id := c.nextID
	c.nextID++
	c.frags[id] = text
	return id
}

func (c *llamaContext) Detokenize(token int32) (string, error) {
	if token == eotSentinel {
		return "", nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	frag, ok := c.frags[token]
	if !ok {
		return "", fmt.Errorf("llamacpp: unknown token id %d", token)
	}
	return frag, nil
}

// EvalBatch is a no-op: go-llama.cpp re-evaluates the full prompt internally
// on every Predict call and exposes no incremental evaluation step to drive
// from here.
func (c *llamaContext) EvalBatch(tokens []int32, past int) error { return nil }

// Logits lazily runs one Predict burst if the replay queue is empty, and
// reports the next queued fragment as a singleton candidate with all the
// probability mass: go-llama.cpp's own sampler (configured via Params)
// already chose it.
func (c *llamaContext) Logits() ([]int32, []float32) {
	id, _, err := c.nextFragment()
	if err != nil || id == eotSentinel {
		return []int32{eotSentinel}, []float32{1}
	}
	return []int32{id}, []float32{1}
}

func (c *llamaContext) nextFragment() (int32, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 && !c.exhausted {
		if err := c.runPredict(); err != nil {
			return 0, "", err
		}
	}
	if len(c.queue) == 0 {
		return eotSentinel, "", nil
	}
	frag := c.queue[0]
	c.queue = c.queue[1:]
	id := c.allocFrag(frag)
	return id, frag, nil
}

// runPredict drives one blocking go-llama.cpp Predict call over the full
// accumulated prompt, buffering every streamed fragment into c.queue.
func (c *llamaContext) runPredict() error {
	var collected []string
	c.model.SetTokenCallback(func(tok string) bool {
		collected = append(collected, tok)
		return true
	})
	po := mapParamsToPredictOptions(c.params, c.threads)
	if _, err := c.model.Predict(c.prompt, po...); err != nil {
		return fmt.Errorf("llamacpp: predict: %w", err)
	}
	c.queue = collected
	c.exhausted = true
	return nil
}

func (c *llamaContext) EOTToken() (int32, bool) { return eotSentinel, true }

// MemPerToken has no equivalent probe exposed by go-llama.cpp; it returns a
// fixed estimate rather than a measured value.
func (c *llamaContext) MemPerToken() uint64 { return 1 << 16 }

// SupportsMirostat reports false: go-llama.cpp's sampler already runs
// top-k/top-p/temperature internally per Predict call, so there is no
// distinct adaptive-sampler entry point to expose here.
func (c *llamaContext) SupportsMirostat() bool { return false }

func (c *llamaContext) MirostatSample(params session.Params, state *session.MirostatState) (int32, error) {
	return 0, fmt.Errorf("llamacpp: mirostat sampling not supported by this backend")
}

// SnapshotState captures just enough to resume generation deterministically
// across a façade-level restore: go-llama.cpp exposes no equivalent of
// llama_copy_state_data, so the accumulated prompt and any buffered
// not-yet-consumed fragments stand in for KV cache state.
func (c *llamaContext) SnapshotState() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var buf []byte
	buf = appendLenPrefixed(buf, []byte(c.prompt))
	buf = appendUint32(buf, uint32(len(c.queue)))
	for _, frag := range c.queue {
		buf = appendLenPrefixed(buf, []byte(frag))
	}
	return buf, nil
}

func (c *llamaContext) RestoreState(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prompt, rest, err := readLenPrefixed(b)
	if err != nil {
		return fmt.Errorf("llamacpp: restore: %w", err)
	}
	if len(rest) < 4 {
		return fmt.Errorf("llamacpp: restore: truncated queue length")
	}
	n := binary.LittleEndian.Uint32(rest[:4])
	rest = rest[4:]
	queue := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		frag, next, err := readLenPrefixed(rest)
		if err != nil {
			return fmt.Errorf("llamacpp: restore: %w", err)
		}
		queue = append(queue, string(frag))
		rest = next
	}

	c.prompt = string(prompt)
	c.queue = queue
	c.exhausted = len(queue) == 0
	return nil
}

func (c *llamaContext) Close() error {
	if c.model != nil {
		c.model.Free()
		c.model = nil
	}
	return nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendLenPrefixed(buf, data []byte) []byte {
	buf = appendUint32(buf, uint32(len(data)))
	return append(buf, data...)
}

func readLenPrefixed(b []byte) (data, rest []byte, err error) {
	if len(b) < 4 {
		return nil, nil, fmt.Errorf("truncated length prefix")
	}
	n := binary.LittleEndian.Uint32(b[:4])
	b = b[4:]
	if uint32(len(b)) < n {
		return nil, nil, fmt.Errorf("truncated payload")
	}
	return b[:n], b[n:], nil
}

// mapParamsToPredictOptions converts façade Params into go-llama.cpp's
// PredictOptions, mirroring the prior adapter's mapInferParamsToPredictOptions.
func mapParamsToPredictOptions(params session.Params, threads int) []llama.PredictOption {
	topK := int(params.TopK)
	if topK <= 0 {
		topK = llama.DefaultOptions.TopK
	}
	topP := params.TopP
	if topP <= 0 {
		topP = llama.DefaultOptions.TopP
	}
	temp := params.Temp
	if temp <= 0 {
		temp = llama.DefaultOptions.Temperature
	}
	penalty := params.RepeatPenalty
	if penalty <= 0 {
		penalty = llama.DefaultOptions.Penalty
	}
	po := []llama.PredictOption{
		llama.SetTokens(maxInt(1, int(params.NBatch))),
		llama.SetThreads(maxInt(1, threads)),
		llama.SetTopK(topK),
		llama.SetTopP(topP),
		llama.SetTemperature(temp),
		llama.SetPenalty(penalty),
	}
	if params.Seed != 0 {
		po = append(po, llama.SetSeed(int(params.Seed)))
	}
	return po
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
