// Package service wires internal/pool, internal/registry, and
// internal/backend into the httpapi.Service contract: model discovery,
// session lifecycle, and NDJSON-streamed generation. It is the orchestration
// layer the teacher's internal/manager played for its Manager type, narrowed
// to the façade's Pool/Session domain.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"lmfacade/internal/backend"
	"lmfacade/internal/common/fsutil"
	"lmfacade/internal/pool"
	"lmfacade/internal/registry"
	"lmfacade/pkg/session"
	"lmfacade/pkg/types"
)

// Config configures a Service at construction.
type Config struct {
	PoolName      string
	Capacity      int
	ModelsDir     string
	Dispatcher    *backend.Dispatcher
	Pool          *pool.Pool
	Locking       *pool.Locking
	DefaultParams session.Params
}

// Service implements httpapi.Service against a Pool of façade sessions.
type Service struct {
	poolName      string
	capacity      int
	modelsDir     string
	dispatcher    *backend.Dispatcher
	pool          *pool.Pool
	locking       *pool.Locking
	defaultParams session.Params
	nextID        int64
}

// New constructs a Service. nextID starts at 1; ids already present in cfg.Pool
// (e.g. restored from a previous run's slot files) are not reserved, matching
// the sources' own ad hoc id allocation.
func New(cfg Config) *Service {
	return &Service{
		poolName:      cfg.PoolName,
		capacity:      cfg.Capacity,
		modelsDir:     cfg.ModelsDir,
		dispatcher:    cfg.Dispatcher,
		pool:          cfg.Pool,
		locking:       cfg.Locking,
		defaultParams: cfg.DefaultParams,
	}
}

// ListModels scans the models directory, tagging each file with the backend
// that would claim it.
func (s *Service) ListModels() ([]types.Model, error) {
	return registry.LoadDir(s.modelsDir, s.dispatcher)
}

// Status reports the pool's current occupancy for GET /status.
func (s *Service) Status() types.PoolStatus {
	infos := s.pool.Infos()
	active := make([]types.SessionInfo, len(infos))
	for i, info := range infos {
		active[i] = types.SessionInfo{
			ID:             info.ID,
			ModelPath:      info.WeightsPath,
			ContextSize:    info.ContextSize,
			MemPerToken:    info.MemPerToken,
			LastAccessUnix: info.LastAccessUnix,
		}
	}
	return types.PoolStatus{
		Name:           s.poolName,
		Capacity:       s.capacity,
		Active:         active,
		EvictionsTotal: s.pool.EvictionsTotal(),
	}
}

// Ready reports true once the service has a usable dispatcher; the façade
// has no separate model-loading phase to wait on (sessions are constructed
// on demand by CreateSession).
func (s *Service) Ready() bool {
	return s.dispatcher != nil
}

// CreateSession resolves req.ModelPath against the models directory,
// allocates the next numeric session id, and constructs a session in the
// pool, evicting the least-recently-used slot if the pool is full.
func (s *Service) CreateSession(req types.CreateSessionRequest) (types.SessionInfo, error) {
	modelPath := req.ModelPath
	if !filepath.IsAbs(modelPath) {
		modelPath = filepath.Join(s.modelsDir, modelPath)
	}
	if !fsutil.PathExists(modelPath) {
		return types.SessionInfo{}, fmt.Errorf("service: create session: model %s: %w", modelPath, os.ErrNotExist)
	}

	params := s.defaultParams
	if req.Seed != 0 {
		params.Seed = req.Seed
	}
	if req.NCtx != 0 {
		params.NCtx = req.NCtx
	}
	if req.Temperature != 0 {
		params.Temp = req.Temperature
	}
	if req.TopK != 0 {
		params.TopK = req.TopK
	}
	if req.TopP != 0 {
		params.TopP = req.TopP
	}
	if req.RepeatPenalty != 0 {
		params.RepeatPenalty = req.RepeatPenalty
	}
	params.PreferMirostat = req.PreferMirostat

	id := atomic.AddInt64(&s.nextID, 1)
	sess, err := s.pool.Create(id, modelPath, params)
	if err != nil {
		return types.SessionInfo{}, fmt.Errorf("service: create session: %w", err)
	}

	return types.SessionInfo{
		ID:             id,
		ModelPath:      modelPath,
		Backend:        identifyBackend(modelPath, s.dispatcher),
		ContextSize:    sess.ContextSize(),
		MemPerToken:    sess.MemPerToken(),
		LastAccessUnix: 0,
	}, nil
}

// AppendSession tokenizes and evaluates req.Text against session id.
func (s *Service) AppendSession(id int64, req types.AppendRequest) error {
	return s.locking.WithSession(id, func() error {
		sess, err := s.pool.Get(id)
		if err != nil {
			return fmt.Errorf("service: append: %w", err)
		}
		return sess.Append(req.Text, nil)
	})
}

// RunSession streams one NDJSON types.RunEvent per generated token to w,
// followed by a final Done event carrying the accumulated text.
func (s *Service) RunSession(ctx context.Context, id int64, req types.RunRequest, w io.Writer, flush func()) error {
	return s.locking.WithSession(id, func() error {
		sess, err := s.pool.Get(id)
		if err != nil {
			return fmt.Errorf("service: run: %w", err)
		}

		enc := json.NewEncoder(w)
		text, runErr := sess.Run(req.End, nil, func(tokenText string) bool {
			if ctx.Err() != nil {
				return false
			}
			_ = enc.Encode(types.RunEvent{Token: tokenText})
			if flush != nil {
				flush()
			}
			return true
		})
		if runErr != nil {
			return fmt.Errorf("service: run: %w", runErr)
		}
		_ = enc.Encode(types.RunEvent{Done: true, Text: text})
		if flush != nil {
			flush()
		}
		return nil
	})
}

// DeleteSession releases id's slot and forgets its per-session lock.
func (s *Service) DeleteSession(id int64) error {
	return s.locking.WithSession(id, func() error {
		if err := s.pool.Delete(id); err != nil {
			return fmt.Errorf("service: delete: %w", err)
		}
		s.locking.Forget(id)
		return nil
	})
}

// identifyBackend mirrors facade.Construct's own dispatch so SessionInfo.Backend
// names the module that will actually serve the session, fallback included,
// rather than registry.LoadDir's listing convention of leaving Backend empty
// when only the fallback matches.
func identifyBackend(path string, dispatcher *backend.Dispatcher) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	header := make([]byte, backend.MinHeaderBytes)
	n, _ := f.Read(header)
	module, err := dispatcher.Choose(header[:n])
	if err != nil {
		return ""
	}
	return module.Name()
}
