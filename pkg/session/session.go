// Package session implements the inference session state machine: prompt
// ingestion with batched evaluation, a sliding-context scroll policy,
// streaming generation with end-of-text handling, and in-memory/stream
// persistence. A Session owns exactly one backend Context and is not safe
// for concurrent use — callers must serialize calls per Session (§5).
package session

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
)

// Session is the per-model state machine described in §4.1. Zero value is
// not usable; construct with New.
type Session struct {
	backend Backend
	ctx     Context
	params  Params

	prompt string
	tokens []int32

	rng       *rand.Rand
	mirostat  MirostatState

	memPerToken uint64
	eot         int32
	hasEOT      bool

	newlineTok      int32
	newlineResolved bool

	appended bool
	lastErr  error
}

// New opens modelPath via backend (which takes ownership of file) and
// returns a ready Session with an empty prompt and token sequence. file is
// typically already open because a caller (commonly pkg/facade) needed to
// read its header bytes to choose backend; New does not reopen it.
func New(modelPath string, file io.ReadSeekCloser, params Params, backend Backend) (*Session, error) {
	p := params.resolve()
	if p.NCtxWindowTopBar >= p.NCtx {
		return nil, fmt.Errorf("%w: n_ctx_window_top_bar (%d) must be smaller than n_ctx (%d)", ErrInvalidArgument, p.NCtxWindowTopBar, p.NCtx)
	}

	c, err := backend.Load(modelPath, file, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}

	s := &Session{
		backend: backend,
		ctx:     c,
		params:  p,
		rng:     rand.New(rand.NewSource(int64(p.Seed))),
	}
	s.mirostat.Mu = 2 * float64(p.MirostatTargetEntropy)

	// Measure mem_per_token with a single dummy evaluation, per I4: this is
	// the only time mem_per_token is ever set.
	dummy := []int32{0, 0, 0, 0}
	if err := c.EvalBatch(dummy, 0); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: dummy evaluation: %v", ErrLoadFailed, err)
	}
	s.memPerToken = c.MemPerToken()
	s.eot, s.hasEOT = c.EOTToken()
	return s, nil
}

// NewFromPath is a convenience wrapper that opens modelPath itself. Prefer
// New when the caller already has the file open (e.g. after reading its
// magic header for dispatch) to avoid a second stat/open.
func NewFromPath(modelPath string, params Params, backend Backend) (*Session, error) {
	f, err := os.Open(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLoadFailed, err)
	}
	s, err := New(modelPath, f, params, backend)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

// MemPerToken returns the backend's amortized per-token memory probe,
// measured exactly once at construction (I4).
func (s *Session) MemPerToken() uint64 { return s.memPerToken }

// Prompt returns the canonical text accumulated so far.
func (s *Session) Prompt() string { return s.prompt }

// ContextSize returns the number of tokens currently held by the session.
func (s *Session) ContextSize() int { return len(s.tokens) }

// IsMirostatAvailable reports whether the backing Context supports the
// adaptive ("mirostat") sampler.
func (s *Session) IsMirostatAvailable() bool { return s.ctx.SupportsMirostat() }

// LastError returns the most recent error observed by Append or Run, for
// callers (typically FFI bindings) that cannot carry a structured error.
func (s *Session) LastError() error { return s.lastErr }

// Close releases the backend Context.
func (s *Session) Close() error { return s.ctx.Close() }

// Append tokenizes text and feeds it to the backend, scrolling the context
// window first if the new tokens would overflow n_ctx. onTick, if non-nil,
// is invoked with progress in [0,100] between evaluation batches; returning
// false cancels: tokens already evaluated remain valid (I1, I2 hold), but
// any tokenized-but-unevaluated suffix is dropped from the token sequence.
// prompt always retains the full appended text. The dropped suffix is not
// kept anywhere: a later Append evaluates only its own new text, and
// Append("") fails with ErrInvalidArgument, so those tokens are never re-fed.
func (s *Session) Append(text string, onTick func(progress float64) bool) error {
	if text == "" {
		s.lastErr = ErrInvalidArgument
		return ErrInvalidArgument
	}

	wasEmpty := s.prompt == ""
	newTokens, err := s.ctx.Tokenize(text, wasEmpty)
	if err != nil {
		err = fmt.Errorf("%w: tokenize: %v", ErrEvalFailed, err)
		s.lastErr = err
		return err
	}

	oldCount := len(s.tokens)
	s.tokens = append(s.tokens, newTokens...)
	s.prompt += text
	s.appended = true

	if uint32(len(s.tokens)) > s.params.NCtx {
		if _, err := s.windowScroll(onTick); err != nil {
			s.lastErr = err
			return err
		}
		// window_scroll already re-evaluated the (shorter) token sequence.
		return nil
	}

	evaluatedTo, cancelled, err := s.evaluateTokens(oldCount, onTick)
	if err != nil {
		s.lastErr = err
		return err
	}
	if cancelled {
		s.tokens = s.tokens[:evaluatedTo]
	}
	return nil
}

// Run samples tokens one at a time until end is found in the generated
// text, a callback returns false, or end-of-text terminates generation.
// Run must not be called before at least one successful Append.
//
// onPreTick is invoked after the freshly sampled token has been evaluated,
// with the running progress of that single-token evaluation (always 100,
// kept for symmetry with Append's batch progress callback). onPostTick is
// invoked with the token's detokenized text and is the authoritative
// cancellation signal, mirroring the original single on_tick callback.
func (s *Session) Run(end string, onPreTick func(progress float64) bool, onPostTick func(tokenText string) bool) (string, error) {
	if !s.appended {
		err := fmt.Errorf("%w: Run called before any successful Append", ErrInvalidArgument)
		s.lastErr = err
		return "", err
	}

	var fres strings.Builder
	eosCount := uint32(0)

	for {
		if end != "" {
			if idx := strings.Index(fres.String(), end); idx >= 0 {
				return fres.String()[:idx], nil
			}
		}

		tokenID, err := s.sample()
		if err != nil {
			err = fmt.Errorf("%w: sample: %v", ErrEvalFailed, err)
			s.lastErr = err
			return fres.String(), err
		}

		if s.hasEOT && tokenID == s.eot {
			eosCount++
			if eosCount > s.params.NEOSIgnores {
				// End-of-text terminates generation (iii). The marker was
				// never found, so nothing is stripped.
				break
			}
			nl, err := s.newlineToken()
			if err != nil {
				s.lastErr = err
				return fres.String(), err
			}
			tokenID = nl
		}

		s.tokens = append(s.tokens, tokenID)
		if _, err := s.windowScroll(nil); err != nil {
			s.lastErr = err
			return fres.String(), err
		}

		text, err := s.ctx.Detokenize(tokenID)
		if err != nil {
			err = fmt.Errorf("%w: detokenize: %v", ErrEvalFailed, err)
			s.lastErr = err
			return fres.String(), err
		}
		s.prompt += text
		fres.WriteString(text)

		if err := s.ctx.EvalBatch([]int32{tokenID}, len(s.tokens)-1); err != nil {
			err = fmt.Errorf("%w: %v", ErrEvalFailed, err)
			s.lastErr = err
			return fres.String(), err
		}

		if onPreTick != nil && !onPreTick(100) {
			break
		}
		if onPostTick != nil && !onPostTick(text) {
			break
		}
	}

	return fres.String(), nil
}

// sample draws the next token id. When the adaptive sampler is selected and
// the backend supports it, it is used; otherwise sampling silently falls
// back to the session's own top-k/top-p/temperature/repetition-penalty
// sampler over the backend's raw logits.
func (s *Session) sample() (int32, error) {
	if s.params.PreferMirostat != 0 && s.ctx.SupportsMirostat() {
		return s.ctx.MirostatSample(s.params, &s.mirostat)
	}
	ids, logits := s.ctx.Logits()
	return s.sampleTopKTopP(ids, logits, s.recentWindow())
}

// sampleTopKTopP implements the sources' "llama_sample_top_p_top_k":
// repetition penalty over recentTokens, temperature scaling, restriction to
// the top_k highest-probability candidates, nucleus (top_p) trimming, then
// a weighted draw from the session's own RNG. ids and logits are the
// backend's candidate set as parallel slices (Context.Logits).
func (s *Session) sampleTopKTopP(ids []int32, logits []float32, recentTokens []int32) (int32, error) {
	if len(logits) == 0 || len(ids) != len(logits) {
		return 0, fmt.Errorf("empty or mismatched logit distribution")
	}
	adjusted := make([]float64, len(logits))
	temp := float64(s.params.Temp)
	if temp <= 0 {
		temp = 1.0
	}
	for i, l := range logits {
		adjusted[i] = float64(l) / temp
	}

	if s.params.RepeatPenalty != 0 && s.params.RepeatPenalty != 1 {
		seen := make(map[int32]bool, len(recentTokens))
		for _, t := range recentTokens {
			seen[t] = true
		}
		for i, id := range ids {
			if !seen[id] {
				continue
			}
			if adjusted[i] > 0 {
				adjusted[i] /= float64(s.params.RepeatPenalty)
			} else {
				adjusted[i] *= float64(s.params.RepeatPenalty)
			}
		}
	}

	type cand struct {
		id   int32
		prob float64
	}
	probs := softmax(adjusted)
	cands := make([]cand, len(probs))
	for i, p := range probs {
		cands[i] = cand{id: ids[i], prob: p}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].prob > cands[j].prob })

	k := int(s.params.TopK)
	if k <= 0 || k > len(cands) {
		k = len(cands)
	}
	cands = cands[:k]

	if s.params.TopP > 0 && s.params.TopP < 1 {
		var cum float64
		cut := len(cands)
		for i, c := range cands {
			cum += c.prob
			if cum >= float64(s.params.TopP) {
				cut = i + 1
				break
			}
		}
		cands = cands[:cut]
	}

	var total float64
	for _, c := range cands {
		total += c.prob
	}
	if total <= 0 {
		return cands[0].id, nil
	}
	r := s.rng.Float64() * total
	var acc float64
	for _, c := range cands {
		acc += c.prob
		if r <= acc {
			return c.id, nil
		}
	}
	return cands[len(cands)-1].id, nil
}

// softmax normalizes logits into a probability distribution.
func softmax(logits []float64) []float64 {
	max := logits[0]
	for _, l := range logits {
		if l > max {
			max = l
		}
	}
	out := make([]float64, len(logits))
	var sum float64
	for i, l := range logits {
		e := math.Exp(l - max)
		out[i] = e
		sum += e
	}
	if sum == 0 {
		sum = 1
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}

// recentWindow returns the trailing NRepeatLast tokens used by the
// repetition penalty, or nil when the feature is disabled.
func (s *Session) recentWindow() []int32 {
	if s.params.NRepeatLast == 0 {
		return nil
	}
	n := int(s.params.NRepeatLast)
	if n > len(s.tokens) {
		n = len(s.tokens)
	}
	return s.tokens[len(s.tokens)-n:]
}

// newlineToken resolves and caches the token id for a single newline,
// looked up once via the tokenizer the first time end-of-text substitution
// is needed.
func (s *Session) newlineToken() (int32, error) {
	if s.newlineResolved {
		return s.newlineTok, nil
	}
	toks, err := s.ctx.Tokenize("\n", false)
	if err != nil || len(toks) == 0 {
		return 0, fmt.Errorf("%w: could not resolve newline token: %v", ErrEvalFailed, err)
	}
	s.newlineTok = toks[0]
	s.newlineResolved = true
	return s.newlineTok, nil
}

// evaluateTokens feeds tokens[start:] to the backend in n_batch-sized
// chunks, falling back to one-at-a-time for the remainder (the simple
// correctness path: a short batch could trip backend-specific edge cases).
// It returns the index up to which tokens were actually fed and whether
// onTick requested early cancellation.
func (s *Session) evaluateTokens(start int, onTick func(progress float64) bool) (evaluatedTo int, cancelled bool, err error) {
	total := len(s.tokens)
	i := start
	nbatch := int(s.params.NBatch)

	for i+nbatch <= total {
		if err := s.ctx.EvalBatch(s.tokens[i:i+nbatch], i); err != nil {
			return i, false, fmt.Errorf("%w: %v", ErrEvalFailed, err)
		}
		i += nbatch

		if onTick != nil {
			progress := float64(i-start) / float64(total-start) * 100.0
			if !onTick(progress) {
				return i, true, nil
			}
		}
	}

	for ; i < total; i++ {
		if err := s.ctx.EvalBatch(s.tokens[i:i+1], i); err != nil {
			return i, false, fmt.Errorf("%w: %v", ErrEvalFailed, err)
		}
	}

	if onTick != nil {
		onTick(100)
	}
	return total, false, nil
}

// windowScroll enforces I1 by trimming tokens and re-priming the KV cache
// when n_ctx has been exceeded. It is idempotent — a no-op whenever
// tokens.len <= n_ctx — so callers may invoke it unconditionally (as Run
// does, once per generated token, mirroring the original sources) without
// risking a double scroll within one logical operation.
func (s *Session) windowScroll(onTick func(progress float64) bool) (scrolled bool, err error) {
	if uint32(len(s.tokens)) <= s.params.NCtx {
		return false, nil
	}

	topBar := int(s.params.NCtxWindowTopBar)
	if s.params.ScrollKeep == 0 {
		s.tokens = s.tokens[:topBar]
	} else {
		keepCount := int(float64(len(s.tokens)-topBar) * scrollRetainRatio)
		tail := make([]int32, keepCount)
		copy(tail, s.tokens[len(s.tokens)-keepCount:])
		s.tokens = append(s.tokens[:topBar:topBar], tail...)
	}

	evaluatedTo, cancelled, err := s.evaluateTokens(0, onTick)
	if err != nil {
		return true, err
	}
	if cancelled {
		s.tokens = s.tokens[:evaluatedTo]
	}
	return true, nil
}

// Snapshot is an in-memory copy of session state. It may only be restored
// into the exact Session that produced it (identity is the Session's
// pointer, per the façade specification's recommendation to use a stronger
// tag being noted but not required).
type Snapshot struct {
	owner  *Session
	state  []byte
	tokens []int32
	prompt string
}

// Snapshot captures the current session state for later Restore.
func (s *Session) Snapshot() (Snapshot, error) {
	state, err := s.ctx.SnapshotState()
	if err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrEvalFailed, err)
	}
	return Snapshot{
		owner:  s,
		state:  state,
		tokens: append([]int32(nil), s.tokens...),
		prompt: s.prompt,
	}, nil
}

// Restore replaces the session's state with a prior Snapshot. It fails with
// ErrSnapshotMismatch if snap did not originate from this exact Session.
func (s *Session) Restore(snap Snapshot) error {
	if snap.owner != s {
		return ErrSnapshotMismatch
	}
	if err := s.ctx.RestoreState(snap.state); err != nil {
		return fmt.Errorf("%w: %v", ErrEvalFailed, err)
	}
	s.tokens = append([]int32(nil), snap.tokens...)
	s.prompt = snap.prompt
	return nil
}

// Serialize writes the session's stream format (§6) to w: n_ctx,
// token_count, prompt_byte_len, state_byte_len, tokens, prompt bytes, then
// the backend's opaque state blob.
func (s *Session) Serialize(w io.Writer) error {
	state, err := s.ctx.SnapshotState()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerializationIO, err)
	}

	header := struct {
		NCtx          uint32
		TokenCount    uint32
		PromptByteLen uint32
		StateByteLen  uint32
	}{
		TokenCount:    uint32(len(s.tokens)),
		PromptByteLen: uint32(len(s.prompt)),
		StateByteLen:  uint32(len(state)),
		NCtx:          s.params.NCtx,
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: header: %v", ErrSerializationIO, err)
	}
	if err := binary.Write(w, binary.LittleEndian, s.tokens); err != nil {
		return fmt.Errorf("%w: tokens: %v", ErrSerializationIO, err)
	}
	if _, err := io.WriteString(w, s.prompt); err != nil {
		return fmt.Errorf("%w: prompt: %v", ErrSerializationIO, err)
	}
	if _, err := w.Write(state); err != nil {
		return fmt.Errorf("%w: state: %v", ErrSerializationIO, err)
	}
	return nil
}

// Deserialize replaces all session state from r, which must hold the format
// written by Serialize. On any read error, or a context-size mismatch, the
// session is left completely unchanged.
func (s *Session) Deserialize(r io.Reader) error {
	var header struct {
		NCtx          uint32
		TokenCount    uint32
		PromptByteLen uint32
		StateByteLen  uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("%w: header: %v", ErrSerializationIO, err)
	}
	if header.NCtx != s.params.NCtx {
		return fmt.Errorf("%w: stream n_ctx=%d, session n_ctx=%d", ErrContextMismatch, header.NCtx, s.params.NCtx)
	}

	tokens := make([]int32, header.TokenCount)
	if header.TokenCount > 0 {
		if err := binary.Read(r, binary.LittleEndian, tokens); err != nil {
			return fmt.Errorf("%w: tokens: %v", ErrSerializationIO, err)
		}
	}

	promptBuf := make([]byte, header.PromptByteLen)
	if header.PromptByteLen > 0 {
		if _, err := io.ReadFull(r, promptBuf); err != nil {
			return fmt.Errorf("%w: prompt: %v", ErrSerializationIO, err)
		}
	}

	stateBuf := make([]byte, header.StateByteLen)
	if header.StateByteLen > 0 {
		if _, err := io.ReadFull(r, stateBuf); err != nil {
			return fmt.Errorf("%w: state: %v", ErrSerializationIO, err)
		}
	}

	if err := s.ctx.RestoreState(stateBuf); err != nil {
		return fmt.Errorf("%w: restoring backend state: %v", ErrSerializationIO, err)
	}

	s.tokens = tokens
	s.prompt = string(promptBuf)
	s.appended = len(s.tokens) > 0 || s.appended
	return nil
}
