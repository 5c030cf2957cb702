// Package facade implements the one entry point callers use to turn a model
// path and a set of parameters into a running session.Session: open the
// file, read enough of its header to dispatch, hand the still-open file to
// whichever backend.Module claims it.
package facade

import (
	"fmt"
	"os"

	"lmfacade/internal/backend"
	"lmfacade/pkg/session"
)

// Construct opens path, reads its header, asks dispatcher to choose a
// backend module, and builds a Session from the result. On any failure the
// opened file is closed before returning.
func Construct(path string, params session.Params, dispatcher *backend.Dispatcher) (*session.Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("facade: open %s: %w", path, err)
	}

	header := make([]byte, backend.MinHeaderBytes)
	n, err := f.Read(header)
	if err != nil && n < backend.MinHeaderBytes {
		_ = f.Close()
		return nil, fmt.Errorf("facade: read header of %s: %w", path, err)
	}
	header = header[:n]

	module, err := dispatcher.Choose(header)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("facade: %s: %w", path, err)
	}

	if _, err := f.Seek(0, 0); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("facade: rewind %s: %w", path, err)
	}

	sess, err := session.New(path, f, params, module)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("facade: construct %s via %s: %w", path, module.Name(), err)
	}
	return sess, nil
}
