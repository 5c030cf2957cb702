// Package backend implements runtime discovery and selection of backend
// modules (§4.2): scanning a directory for plugins, matching a model file's
// magic header against each, and handing the winner to pkg/session.New.
//
// Module handles are process-global and outlive every Session built from
// them, breaking the cyclic ownership a Session would otherwise have with
// the module that produced it (§9).
package backend

import (
	"fmt"

	"lmfacade/pkg/session"
)

// Descriptor is the one piece of static metadata every Module publishes: is
// this the fallback backend chosen when no normal backend's Identify
// matches?
type Descriptor struct {
	IsFallback bool
}

// Module is the full backend contract (§6): a descriptor, a magic-header
// matcher, and the session.Backend capability set used to actually
// construct sessions. Exactly one exported symbol set per loadable unit,
// whether that unit is a `.so` plugin discovered by ScanDir or a built-in
// registered by the binary via RegisterBuiltin.
type Module interface {
	session.Backend

	// Descriptor returns this module's static metadata.
	Descriptor() Descriptor
	// Identify is a pure function of the first bytes of a model file. It
	// must not be called for the fallback module during dispatch.
	Identify(header []byte) bool
}

// MinHeaderBytes is the minimum number of header bytes Dispatcher reads
// before calling Identify (§6: "at least 8 bytes" — a 32-bit magic plus a
// 32-bit version word).
const MinHeaderBytes = 8

// ErrNoBackend is returned by Choose when no normal Module's Identify
// matched and no fallback is registered.
var ErrNoBackend = fmt.Errorf("backend: no module matched and no fallback is registered")
