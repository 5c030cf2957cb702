package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"

	"lmfacade/internal/backend"
	"lmfacade/pkg/types"
)

// blockService blocks RunSession until its context is done, to exercise the
// run timeout path.
type blockService struct{ mockService }

func (b *blockService) RunSession(ctx context.Context, id int64, req types.RunRequest, w io.Writer, flush func()) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestRunSessionLogsWithZerologInfo(t *testing.T) {
	SetLogger(zerolog.New(io.Discard))
	defer SetLogger(zerolog.Logger{})

	svc := &mockService{}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/sessions/1/run?log=info", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with info logging, got %d", rec.Code)
	}
}

func TestCORSAndSecurityHeaders(t *testing.T) {
	SetCORSOptions(true, []string{"*"}, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	defer SetCORSOptions(false, nil, nil, nil)

	svc := &mockService{ready: true}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodGet, "/models", nil)
	req.Header.Set("Origin", "http://example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected X-Content-Type-Options=nosniff, got %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("expected CORS header Access-Control-Allow-Origin to be set, got empty")
	}
}

func TestRunSessionTimeoutReturnsErrorEvent(t *testing.T) {
	defer SetRunTimeoutSeconds(0)
	SetRunTimeoutSeconds(1)

	svc := &blockService{}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/sessions/1/run", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 (NDJSON stream with trailing error event), got %d", rec.Code)
	}
	var ev types.RunEvent
	if err := json.Unmarshal(rec.Body.Bytes(), &ev); err != nil {
		t.Fatalf("decode final event: %v (body %q)", err, rec.Body.String())
	}
	if !ev.Done || ev.Error == "" {
		t.Fatalf("expected a final Done event carrying an error, got %+v", ev)
	}
}

func TestCreateSessionNoBackendMaps503(t *testing.T) {
	svc := &mockService{createErr: backend.ErrNoBackend}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString(`{"model_path":"m.bin"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no backend matched, got %d", rec.Code)
	}
}

func TestContentTypeCaseInsensitive(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/sessions", bytes.NewBufferString(`{"model_path":"m.bin"}`))
	req.Header.Set("Content-Type", "Application/JSON; charset=utf-8")
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 with mixed-case content-type, got %d", rec.Code)
	}
}

func TestRunSessionStreamsWithDebugLogging(t *testing.T) {
	svc := &mockService{}
	h := NewMux(svc)
	req := httptest.NewRequest(http.MethodPost, "/sessions/1/run?log=debug", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with debug logging, got %d", rec.Code)
	}
}
