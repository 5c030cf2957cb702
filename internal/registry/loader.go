// Package registry discovers model files on disk and tags each with the
// backend.Module that would claim it, so callers (notably GET /models) can
// see which backend a model will actually dispatch to before a session is
// ever constructed.
package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"lmfacade/internal/backend"
	"lmfacade/internal/common/fsutil"
	"lmfacade/pkg/types"
)

// LoadDir scans dir for regular files and tags each with the name of the
// backend.Module the dispatcher would choose for it, leaving Backend empty
// when no normal module matches (the fallback would apply). Unlike an
// extension-filtered scan, every file is probed by magic header: the
// façade's backends are identified by content, not by filename suffix.
func LoadDir(dir string, dispatcher *backend.Dispatcher) ([]types.Model, error) {
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("registry: abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("registry: read dir: %w", err)
	}

	models := make([]types.Model, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(abs, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}

		model := types.Model{ID: e.Name(), Path: path, SizeBytes: info.Size()}
		if name, ok := identifyFile(path, dispatcher); ok {
			model.Backend = name
		}
		models = append(models, model)
	}
	return models, nil
}

func identifyFile(path string, dispatcher *backend.Dispatcher) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	header := make([]byte, backend.MinHeaderBytes)
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return "", false
	}

	for _, m := range dispatcher.Modules() {
		if m.Descriptor().IsFallback {
			continue
		}
		if m.Identify(header[:n]) {
			return m.Name(), true
		}
	}
	return "", false
}
