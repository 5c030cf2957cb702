//go:build llamaserver

package llamaserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"lmfacade/pkg/session"
)

type sseWriter struct{ w http.ResponseWriter }

func (sw sseWriter) writeLine(line string) {
	sw.w.Write([]byte(line))
	sw.w.Write([]byte("\n"))
	if f, ok := sw.w.(http.Flusher); ok {
		f.Flush()
	}
}

func frag(s string) string {
	msg := streamResponse{Choices: []streamChoiceDelta{{}}}
	msg.Choices[0].Delta.Content = s
	b, _ := json.Marshal(msg)
	return "data: " + string(b)
}

func newMockServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/completions", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		sw := sseWriter{w: w}
		sw.writeLine(frag("Hello"))
		sw.writeLine(frag(" world"))
		sw.writeLine("data: [DONE]")
	})
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return ts
}

func TestIdentifyMatchesGGUFMagic(t *testing.T) {
	m := Module{}
	require.True(t, m.Identify([]byte{0x47, 0x47, 0x55, 0x46, 0, 0, 0, 3}))
	require.False(t, m.Identify([]byte{0, 0, 0, 0, 0, 0, 0, 0}))
}

func TestLoadAndGenerateStreamsFragments(t *testing.T) {
	ts := newMockServer(t)
	require.NoError(t, os.Setenv("LMFACADE_LLAMASERVER_URL", ts.URL))
	defer os.Unsetenv("LMFACADE_LLAMASERVER_URL")

	m := Module{}
	f, err := os.CreateTemp(t.TempDir(), "model-*.gguf")
	require.NoError(t, err)
	defer f.Close()

	ctx, err := m.Load(f.Name(), f, session.Params{NBatch: 8})
	require.NoError(t, err)
	defer ctx.Close()

	_, err = ctx.Tokenize("hello", true)
	require.NoError(t, err)

	ids, logits := ctx.Logits()
	require.Len(t, ids, 1)
	require.Len(t, logits, 1)
	text, err := ctx.Detokenize(ids[0])
	require.NoError(t, err)
	require.Equal(t, "Hello", text)

	ids2, _ := ctx.Logits()
	text2, err := ctx.Detokenize(ids2[0])
	require.NoError(t, err)
	require.Equal(t, " world", text2)

	eot, _ := ctx.Logits()
	require.Equal(t, eotSentinel, eot[0])
}

func TestSnapshotRestoreRoundTrips(t *testing.T) {
	ts := newMockServer(t)
	require.NoError(t, os.Setenv("LMFACADE_LLAMASERVER_URL", ts.URL))
	defer os.Unsetenv("LMFACADE_LLAMASERVER_URL")

	m := Module{}
	dir := t.TempDir()
	f, err := os.CreateTemp(dir, "model-*.gguf")
	require.NoError(t, err)

	ctx, err := m.Load(f.Name(), f, session.Params{NBatch: 8})
	require.NoError(t, err)
	defer ctx.Close()

	lc := ctx.(*llamaContext)
	lc.prompt = "hi"
	lc.queue = []string{"a", "b"}

	snap, err := ctx.SnapshotState()
	require.NoError(t, err)

	f2, err := os.CreateTemp(dir, "model2-*.gguf")
	require.NoError(t, err)
	restored, err := m.Load(f2.Name(), f2, session.Params{NBatch: 8})
	require.NoError(t, err)
	defer restored.Close()
	require.NoError(t, restored.RestoreState(snap))

	rc := restored.(*llamaContext)
	require.Equal(t, "hi", rc.prompt)
	require.Equal(t, []string{"a", "b"}, rc.queue)
}
