package stubcpu

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"lmfacade/pkg/session"
)

type nopCloser struct{ io.ReadSeeker }

func (nopCloser) Close() error { return nil }

func newCtx(t *testing.T) *ctx {
	t.Helper()
	m := New()
	c, err := m.Load("model.bin", nopCloser{bytes.NewReader(nil)}, session.Params{})
	require.NoError(t, err)
	return c.(*ctx)
}

func TestTokenizeDetokenizeRoundTrip(t *testing.T) {
	c := newCtx(t)
	toks, err := c.Tokenize("hi", true)
	require.NoError(t, err)
	require.Len(t, toks, 2)

	var out []byte
	for _, tok := range toks {
		frag, err := c.Detokenize(tok)
		require.NoError(t, err)
		out = append(out, frag...)
	}
	require.Equal(t, "hi", string(out))
}

func TestTokenizeContinuationPrefixesSpace(t *testing.T) {
	c := newCtx(t)
	toks, err := c.Tokenize("b", false)
	require.NoError(t, err)
	require.Len(t, toks, 2)
	frag, err := c.Detokenize(toks[0])
	require.NoError(t, err)
	require.Equal(t, " ", frag)
}

func TestLogitsReturnsParallelSlices(t *testing.T) {
	c := newCtx(t)
	ids, logits := c.Logits()
	require.Equal(t, len(ids), len(logits))
	require.Equal(t, vocabSize, len(ids))
}

func TestEOTTokenAdvertised(t *testing.T) {
	c := newCtx(t)
	tok, ok := c.EOTToken()
	require.True(t, ok)
	require.Equal(t, eotToken, tok)
}

func TestSnapshotRestoreStateRoundTrip(t *testing.T) {
	c := newCtx(t)
	require.NoError(t, c.EvalBatch([]int32{42}, 0))
	state, err := c.SnapshotState()
	require.NoError(t, err)

	other := newCtx(t)
	require.NoError(t, other.RestoreState(state))
	require.Equal(t, c.lastToken, other.lastToken)
}

func TestMirostatSampleUpdatesMu(t *testing.T) {
	c := newCtx(t)
	state := &session.MirostatState{Mu: 10}
	before := state.Mu
	_, err := c.MirostatSample(session.Params{MirostatLearningRate: 0.1, MirostatTargetEntropy: 3}, state)
	require.NoError(t, err)
	require.NotEqual(t, before, state.Mu)
}
