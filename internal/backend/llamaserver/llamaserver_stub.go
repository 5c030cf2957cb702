//go:build !llamaserver

// This file provides a stub for the llamaserver backend, compiled when the
// 'llamaserver' build tag is not set, keeping default builds free of an
// assumed running llama.cpp server dependency. The real adapter lives in
// llamaserver.go (tagged 'llamaserver').
package llamaserver

import (
	"errors"
	"io"

	"lmfacade/internal/backend"
	"lmfacade/pkg/session"
)

// ErrNotBuilt is returned by Load when this binary was not compiled with the
// 'llamaserver' build tag.
var ErrNotBuilt = errors.New("llamaserver: llama.cpp server support not built (missing 'llamaserver' build tag)")

// Module is a stub that still claims GGUF files via Identify, so a missing
// build tag produces a clear load error rather than silently dispatching a
// real model to the deterministic fallback backend.
type Module struct{}

func New() backend.Module { return Module{} }

func (Module) Name() string { return "llamaserver" }

func (Module) Descriptor() backend.Descriptor { return backend.Descriptor{IsFallback: false} }

func (Module) Identify(header []byte) bool {
	return backend.ReadMagic(header) == backend.MagicGGUF
}

func (Module) Load(path string, file io.ReadSeekCloser, params session.Params) (session.Context, error) {
	_ = file.Close()
	return nil, ErrNotBuilt
}
