//go:build !llama

// This file provides a no-cgo stub for the llamacpp backend, compiled when
// the 'llama' build tag is not set, keeping default builds and CI cgo-free.
// The real adapter lives in llamacpp.go (tagged 'llama').
package llamacpp

import (
	"errors"
	"io"

	"lmfacade/internal/backend"
	"lmfacade/pkg/session"
)

// ErrNotBuilt is returned by Load when this binary was not compiled with the
// 'llama' build tag.
var ErrNotBuilt = errors.New("llamacpp: llama support not built (missing 'llama' build tag)")

// Module is a stub that still claims real model files via Identify, so a
// missing build tag produces a clear load error rather than silently
// dispatching a real model to the deterministic fallback backend.
type Module struct{}

func New() backend.Module { return Module{} }

func (Module) Name() string { return "llamacpp" }

func (Module) Descriptor() backend.Descriptor { return backend.Descriptor{IsFallback: false} }

func (Module) Identify(header []byte) bool {
	magic := backend.ReadMagic(header)
	return magic == backend.MagicGGML || magic == backend.MagicGGMF || magic == backend.MagicGGJT
}

func (Module) Load(path string, file io.ReadSeekCloser, params session.Params) (session.Context, error) {
	_ = file.Close()
	return nil, ErrNotBuilt
}
