package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"
)

// Dispatcher partitions registered Modules into zero-or-one fallback and
// zero-or-more normal backends, and chooses among them by magic match
// (§4.2). A Dispatcher is safe for concurrent ScanDir/RegisterBuiltin calls
// but is intended to be populated once at process start and then only read.
type Dispatcher struct {
	mu       sync.RWMutex
	normal   []Module
	fallback Module
}

// NewDispatcher returns an empty Dispatcher. Use RegisterBuiltin and/or
// ScanDir to populate it before calling Choose.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// RegisterBuiltin attaches a Module that was compiled directly into this
// binary rather than discovered as a `.so` plugin. This is how in-tree
// backends (stubcpu, the cgo llamacpp adapter) make themselves available
// without requiring a filesystem scan, while still going through the exact
// same Choose dispatch path as a scanned plugin.
func (d *Dispatcher) RegisterBuiltin(m Module) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if m.Descriptor().IsFallback {
		d.fallback = m
		return
	}
	d.normal = append(d.normal, m)
}

// ScanDir scans dir once for `*.so` plugin files built with
// `-buildmode=plugin`, loading each with plugin.Open and looking up a
// `NewModule` symbol of type `func() backend.Module`. A plugin that fails
// to load, or does not export that symbol, is silently skipped — this is
// the one exception to the façade's otherwise-total error propagation
// (§7), matching the original dlopen-based scanner's behavior of trying
// every library in the directory and ignoring the ones that don't fit.
func (d *Dispatcher) ScanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("backend: scan %s: %w", dir, err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".so" {
			continue
		}
		path := filepath.Join(dir, e.Name())
		p, err := plugin.Open(path)
		if err != nil {
			continue
		}
		sym, err := p.Lookup("NewModule")
		if err != nil {
			continue
		}
		ctor, ok := sym.(func() Module)
		if !ok {
			continue
		}
		d.RegisterBuiltin(ctor())
	}
	return nil
}

// Choose reads header (at least MinHeaderBytes) and returns the first
// normal Module whose Identify matches, in registration order. If none
// match, the fallback is returned. If no fallback is registered either,
// Choose fails with ErrNoBackend.
func (d *Dispatcher) Choose(header []byte) (Module, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, m := range d.normal {
		if m.Identify(header) {
			return m, nil
		}
	}
	if d.fallback != nil {
		return d.fallback, nil
	}
	return nil, ErrNoBackend
}

// Modules returns every registered Module (fallback last, if present), for
// diagnostics/listing endpoints.
func (d *Dispatcher) Modules() []Module {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Module, 0, len(d.normal)+1)
	out = append(out, d.normal...)
	if d.fallback != nil {
		out = append(out, d.fallback)
	}
	return out
}
