// Package httpapi exposes the façade's Pool/Session API over HTTP: model
// discovery, session lifecycle, and NDJSON-streamed generation, instrumented
// with Prometheus metrics and zerolog request logging in the teacher's
// style.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lmfacade/pkg/types"
)

// Service defines the methods required by the HTTP API layer, implemented
// by internal/service against internal/pool.
type Service interface {
	ListModels() ([]types.Model, error)
	Status() types.PoolStatus
	CreateSession(req types.CreateSessionRequest) (types.SessionInfo, error)
	AppendSession(id int64, req types.AppendRequest) error
	RunSession(ctx context.Context, id int64, req types.RunRequest, w io.Writer, flush func()) error
	DeleteSession(id int64) error
	Ready() bool
}

// NewMux builds the complete chi router for svc.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if mw := corsMiddleware(); mw != nil {
		r.Use(mw)
	}

	r.Get("/models", handleListModels(svc))
	r.Get("/status", handleStatus(svc))
	r.Post("/sessions", handleCreateSession(svc))
	r.Post("/sessions/{id}/append", handleAppendSession(svc))
	r.Post("/sessions/{id}/run", handleRunSession(svc))
	r.Delete("/sessions/{id}", handleDeleteSession(svc))
	r.Get("/healthz", handleHealthz)
	r.Get("/readyz", handleReadyz(svc))
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	MountSwagger(r)

	return r
}

func handleListModels(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		models, err := svc.ListModels()
		if err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(types.ModelsResponse{Models: models}); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	}
}

func handleStatus(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := svc.Status()
		RecordPoolStatus(len(status.Active), status.EvictionsTotal)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
		}
	}
}

func handleCreateSession(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireJSONContentType(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.CreateSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if strings.TrimSpace(req.ModelPath) == "" {
			writeJSONError(w, http.StatusBadRequest, "model_path is required")
			return
		}

		info, err := svc.CreateSession(req)
		if err != nil {
			logEnd(r, "create_session", statusForError(err), err)
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		RecordBackendDispatch(info.Backend)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(info)
	}
}

func handleAppendSession(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionIDFromPath(w, r)
		if !ok {
			return
		}
		if !requireJSONContentType(w, r) {
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.AppendRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.Text == "" {
			writeJSONError(w, http.StatusBadRequest, "text is required")
			return
		}

		if err := svc.AppendSession(id, req); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleRunSession(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionIDFromPath(w, r)
		if !ok {
			return
		}
		var req types.RunRequest
		if r.Header.Get("Content-Type") != "" {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
				return
			}
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		var flush func()
		if f, ok := w.(http.Flusher); ok {
			flush = f.Flush
		}

		writer := io.Writer(w)
		lvl := requestLogLevel(r)
		if lvl >= LevelDebug {
			writer = io.MultiWriter(w, &runLineWriter{})
		}
		start := time.Now()
		logStart(r, "run_session", id)

		runCtx := r.Context()
		if runTimeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, time.Duration(runTimeout)*time.Second)
			defer cancel()
		}
		joinedCtx, cancel := joinContexts(serverBaseCtx, runCtx)
		defer cancel()

		if err := svc.RunSession(joinedCtx, id, req, writer, flush); err != nil {
			if r.Context().Err() != nil || serverBaseCtx.Err() != nil {
				return
			}
			status := statusForError(err)
			logEndDur(r, "run_session", status, start, err)
			_ = json.NewEncoder(w).Encode(types.RunEvent{Done: true, Error: err.Error()})
			return
		}
		logEndDur(r, "run_session", http.StatusOK, start, nil)
	}
}

func handleDeleteSession(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionIDFromPath(w, r)
		if !ok {
			return
		}
		if err := svc.DeleteSession(id); err != nil {
			writeJSONError(w, statusForError(err), err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func handleReadyz(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("loading"))
	}
}

func sessionIDFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return 0, false
	}
	return id, true
}

func requireJSONContentType(w http.ResponseWriter, r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	return true
}

func logStart(r *http.Request, op string, id int64) {
	lvl := requestLogLevel(r)
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		z := zlog.Info().Str("op", op).Int64("session_id", id)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		z.Msg("start")
	} else {
		log.Printf("%s start session_id=%d", op, id)
	}
}

func logEnd(r *http.Request, op string, status int, err error) {
	lvl := requestLogLevel(r)
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		z := zlog.Info().Str("op", op).Int("status", status)
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		if err != nil {
			z = z.Err(err)
		}
		z.Msg("end")
	} else {
		log.Printf("%s end status=%d err=%v", op, status, err)
	}
}

func logEndDur(r *http.Request, op string, status int, start time.Time, err error) {
	lvl := requestLogLevel(r)
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		z := zlog.Info().Str("op", op).Int("status", status).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		if err != nil {
			z = z.Err(err)
		}
		z.Msg("end")
	} else {
		log.Printf("%s end status=%d dur=%s err=%v", op, status, time.Since(start), err)
	}
}
