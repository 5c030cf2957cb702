// Package pool implements a bounded set of long-lived inference sessions,
// evicting and persisting to disk by least-recent access when the pool is
// full and a new session id is requested. It is the Go-native rendering of
// the sources' InferencePool: a fixed-size slot array, binary slot files
// keyed by pool name and session id, and the same get_free_slot / find_slot_by_id
// control flow, adapted to pkg/session.Session and pkg/facade.Construct.
package pool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"lmfacade/internal/backend"
	"lmfacade/internal/eventbus"
	"lmfacade/pkg/facade"
	"lmfacade/pkg/session"
)

// Config configures a Pool at construction.
type Config struct {
	// Size is the number of concurrently held sessions. 0 is treated as 1.
	Size int
	// Name namespaces this pool's slot files from any other pool sharing Dir.
	Name string
	// Dir is the directory slot files are written to and read from.
	Dir string
	// CleanOnStart removes any stale slot files belonging to Name under Dir
	// before the pool serves its first request.
	CleanOnStart bool
	// Dispatcher chooses the backend.Module for a slot reloaded from disk.
	Dispatcher *backend.Dispatcher
	// Publisher receives session lifecycle events. Defaults to eventbus.Noop.
	Publisher eventbus.Publisher
}

type slot struct {
	id         int64
	sess       *session.Session
	weightsPath string
	params     session.Params
	lastAccess time.Time
}

func (s *slot) isFree() bool { return s.sess == nil }

func (s *slot) reset() {
	s.id = 0
	s.sess = nil
	s.weightsPath = ""
	s.params = session.Params{}
}

// Pool is a fixed-size set of slots. A Pool is safe for concurrent use.
type Pool struct {
	mu   sync.Mutex
	slots []*slot

	name       string
	dir        string
	dispatcher *backend.Dispatcher
	publisher  eventbus.Publisher

	evictions uint64
}

// New constructs a Pool with cfg.Size slots, optionally cleaning up stale
// slot files left over from a previous run.
func New(cfg Config) (*Pool, error) {
	size := cfg.Size
	if size <= 0 {
		size = 1
	}
	publisher := cfg.Publisher
	if publisher == nil {
		publisher = eventbus.Noop{}
	}
	p := &Pool{
		slots:      make([]*slot, size),
		name:       cfg.Name,
		dir:        cfg.Dir,
		dispatcher: cfg.Dispatcher,
		publisher:  publisher,
	}
	for i := range p.slots {
		p.slots[i] = &slot{}
	}
	if cfg.CleanOnStart {
		if err := p.Cleanup(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) slotFilenamePrefix() string {
	return fmt.Sprintf("LMInferencePool_%s_", p.name)
}

func (p *Pool) slotFilename(id int64) string {
	return filepath.Join(p.dir, fmt.Sprintf("%s%d", p.slotFilenamePrefix(), id))
}

// Create evicts the least-recently-used slot if necessary, constructs a new
// session at weightsPath via pkg/facade, and takes ownership of it under id.
func (p *Pool) Create(id int64, weightsPath string, params session.Params) (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.getFreeSlotLocked()
	if err != nil {
		return nil, err
	}
	sess, err := facade.Construct(weightsPath, params, p.dispatcher)
	if err != nil {
		return nil, err
	}
	s.id = id
	s.sess = sess
	s.weightsPath = weightsPath
	s.params = params
	s.lastAccess = time.Now()
	p.publisher.Publish(eventbus.Event{Name: eventbus.SessionCreated, SessionID: id})
	return sess, nil
}

// Get returns the session for id, loading it from disk if it is not
// currently held in memory. It returns ErrNotFound if no slot and no slot
// file exist for id.
func (p *Pool) Get(id int64) (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.findSlotByIDLocked(id, true)
	if err != nil {
		return nil, err
	}
	s.lastAccess = time.Now()
	return s.sess, nil
}

// GetOrCreate returns the existing session for id if present (in memory or
// on disk), otherwise constructs a new one exactly as Create does.
func (p *Pool) GetOrCreate(id int64, weightsPath string, params session.Params) (*session.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.findSlotByIDLocked(id, true)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if s != nil {
		s.lastAccess = time.Now()
		return s.sess, nil
	}

	free, err := p.getFreeSlotLocked()
	if err != nil {
		return nil, err
	}
	sess, err := facade.Construct(weightsPath, params, p.dispatcher)
	if err != nil {
		return nil, err
	}
	free.id = id
	free.sess = sess
	free.weightsPath = weightsPath
	free.params = params
	free.lastAccess = time.Now()
	p.publisher.Publish(eventbus.Event{Name: eventbus.SessionCreated, SessionID: id})
	return sess, nil
}

// Delete releases id's slot, if held, and removes its persisted slot file.
func (p *Pool) Delete(id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if !s.isFree() && s.id == id {
			_ = s.sess.Close()
			s.reset()
			break
		}
	}
	if err := os.Remove(p.slotFilename(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("pool: delete %d: %w", id, err)
	}
	p.publisher.Publish(eventbus.Event{Name: eventbus.SessionDeleted, SessionID: id})
	return nil
}

// StoreAll persists every currently held session to its slot file, without
// evicting it from memory.
func (p *Pool) StoreAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.slots {
		if s.isFree() {
			continue
		}
		if err := p.storeSlot(s); err != nil {
			return err
		}
	}
	return nil
}

// ActiveIDs returns the ids of every slot currently holding a session, in
// slot order.
func (p *Pool) ActiveIDs() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var ids []int64
	for _, s := range p.slots {
		if !s.isFree() {
			ids = append(ids, s.id)
		}
	}
	return ids
}

// Infos returns a snapshot of every currently held session's bookkeeping,
// for status reporting.
func (p *Pool) Infos() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []SlotInfo
	for _, s := range p.slots {
		if s.isFree() {
			continue
		}
		out = append(out, SlotInfo{
			ID:             s.id,
			WeightsPath:    s.weightsPath,
			ContextSize:    s.sess.ContextSize(),
			MemPerToken:    s.sess.MemPerToken(),
			LastAccessUnix: s.lastAccess.Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SlotInfo is a read-only snapshot of one held slot.
type SlotInfo struct {
	ID             int64
	WeightsPath    string
	ContextSize    int
	MemPerToken    uint64
	LastAccessUnix int64
}

// EvictionsTotal returns the number of LRU evictions performed since this
// Pool was constructed.
func (p *Pool) EvictionsTotal() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.evictions
}

// Cleanup removes every slot file belonging to this pool's name under Dir,
// regardless of age.
func (p *Pool) Cleanup() error {
	return p.cleanup(func(time.Time) bool { return true })
}

// CleanupOlderThan removes slot files belonging to this pool's name whose
// modification time is older than maxAge.
func (p *Pool) CleanupOlderThan(maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)
	return p.cleanup(func(mtime time.Time) bool { return mtime.Before(cutoff) })
}

func (p *Pool) cleanup(shouldDelete func(time.Time) bool) error {
	entries, err := os.ReadDir(p.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("pool: cleanup: %w", err)
	}
	prefix := p.slotFilenamePrefix()
	for _, e := range entries {
		if e.IsDir() || len(e.Name()) < len(prefix) || e.Name()[:len(prefix)] != prefix {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if shouldDelete(info.ModTime()) {
			_ = os.Remove(filepath.Join(p.dir, e.Name()))
		}
	}
	return nil
}

// getFreeSlotLocked returns a free slot, evicting the least-recently-used
// held slot (storing it to disk first) if none is free. Mirrors
// get_free_slot: there is always at least one slot, so this never fails.
func (p *Pool) getFreeSlotLocked() (*slot, error) {
	var oldest *slot
	for _, s := range p.slots {
		if s.isFree() {
			return s, nil
		}
		if oldest == nil || s.lastAccess.Before(oldest.lastAccess) {
			oldest = s
		}
	}
	evictedID := oldest.id
	if err := p.storeSlot(oldest); err != nil {
		// The victim could not be persisted: drop it and its partial file
		// rather than leave the pool stuck on it.
		_ = os.Remove(p.slotFilename(evictedID))
	}
	_ = oldest.sess.Close()
	oldest.reset()
	p.evictions++
	p.publisher.Publish(eventbus.Event{Name: eventbus.SessionEvicted, SessionID: evictedID})
	return oldest, nil
}

// findSlotByIDLocked mirrors find_slot_by_id: search held slots first, and
// if deserialize is true, attempt to load id from its slot file into the
// least-recently-used slot when not found in memory. It returns ErrNotFound,
// never a bare nil slot, when id has no resident slot and no slot file.
func (p *Pool) findSlotByIDLocked(id int64, deserialize bool) (*slot, error) {
	var oldest *slot
	for _, s := range p.slots {
		if !s.isFree() && s.id == id {
			return s, nil
		}
		if oldest == nil || s.lastAccess.Before(oldest.lastAccess) {
			oldest = s
		}
	}
	if !deserialize {
		return nil, ErrNotFound
	}

	if _, err := os.Stat(p.slotFilename(id)); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pool: stat slot file %d: %w", id, err)
	}

	if !oldest.isFree() {
		evictedID := oldest.id
		if err := p.storeSlot(oldest); err != nil {
			_ = os.Remove(p.slotFilename(evictedID))
		}
		_ = oldest.sess.Close()
		oldest.reset()
		p.evictions++
		p.publisher.Publish(eventbus.Event{Name: eventbus.SessionEvicted, SessionID: evictedID})
	}
	loaded, err := p.loadSlot(id, oldest)
	if err != nil {
		return nil, fmt.Errorf("pool: load slot %d: %w", id, err)
	}
	p.publisher.Publish(eventbus.Event{Name: eventbus.SessionRestored, SessionID: id})
	return loaded, nil
}

// storeSlot writes weights_path_len, weights_path, the Params record, then
// the session's own stream format (§6), matching store_slot.
func (p *Pool) storeSlot(s *slot) error {
	f, err := os.Create(p.slotFilename(s.id))
	if err != nil {
		return fmt.Errorf("pool: create slot file: %w", err)
	}
	defer f.Close()

	pathBytes := []byte(s.weightsPath)
	if err := binary.Write(f, binary.LittleEndian, uint32(len(pathBytes))); err != nil {
		return fmt.Errorf("pool: write weights path length: %w", err)
	}
	if _, err := f.Write(pathBytes); err != nil {
		return fmt.Errorf("pool: write weights path: %w", err)
	}
	if err := binary.Write(f, binary.LittleEndian, s.params); err != nil {
		return fmt.Errorf("pool: write params: %w", err)
	}
	if err := s.sess.Serialize(f); err != nil {
		return fmt.Errorf("pool: serialize session: %w", err)
	}
	return nil
}

// loadSlot reads a slot file written by storeSlot into target, constructing
// a fresh session via pkg/facade and then restoring its token/prompt/state
// from the stream, matching load_slot.
func (p *Pool) loadSlot(id int64, target *slot) (*slot, error) {
	f, err := os.Open(p.slotFilename(id))
	if err != nil {
		return nil, fmt.Errorf("pool: open slot file: %w", err)
	}
	defer f.Close()

	var pathLen uint32
	if err := binary.Read(f, binary.LittleEndian, &pathLen); err != nil {
		return nil, fmt.Errorf("pool: read weights path length: %w", err)
	}
	pathBytes := make([]byte, pathLen)
	if _, err := f.Read(pathBytes); err != nil {
		return nil, fmt.Errorf("pool: read weights path: %w", err)
	}

	var params session.Params
	if err := binary.Read(f, binary.LittleEndian, &params); err != nil {
		return nil, fmt.Errorf("pool: read params: %w", err)
	}

	weightsPath := string(pathBytes)
	sess, err := facade.Construct(weightsPath, params, p.dispatcher)
	if err != nil {
		return nil, fmt.Errorf("pool: construct %s: %w", weightsPath, err)
	}
	if err := sess.Deserialize(f); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("pool: deserialize session: %w", err)
	}

	target.id = id
	target.sess = sess
	target.weightsPath = weightsPath
	target.params = params
	target.lastAccess = time.Now()
	return target, nil
}
