package facade_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lmfacade/internal/backend"
	"lmfacade/internal/backend/stubcpu"
	"lmfacade/pkg/facade"
	"lmfacade/pkg/session"
)

func TestConstructDispatchesToFallback(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	require.NoError(t, os.WriteFile(path, []byte("not a real model file"), 0o644))

	d := backend.NewDispatcher()
	d.RegisterBuiltin(stubcpu.New())

	s, err := facade.Construct(path, session.Params{NCtx: 64, NCtxWindowTopBar: 4, NBatch: 4}, d)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Append("hello", nil))
	require.Equal(t, "hello", s.Prompt())
}

func TestConstructFailsWithoutAnyBackend(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "model.bin")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))

	d := backend.NewDispatcher()
	_, err := facade.Construct(path, session.Params{}, d)
	require.ErrorIs(t, err, backend.ErrNoBackend)
}

func TestConstructMissingFile(t *testing.T) {
	d := backend.NewDispatcher()
	d.RegisterBuiltin(stubcpu.New())
	_, err := facade.Construct(filepath.Join(t.TempDir(), "missing.bin"), session.Params{}, d)
	require.Error(t, err)
}
