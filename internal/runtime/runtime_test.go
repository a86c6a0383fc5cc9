package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/ledger"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestReadinessFollowsState(t *testing.T) {
	cfg := config.Default()
	cfg.Dispatch.Enabled = false
	r := New(cfg, "test", newLogger())

	rec := httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before start, got %d", rec.Code)
	}

	r.ready.Store(true)
	rec = httptest.NewRecorder()
	r.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once ready, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	r.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected health response %d %q", rec.Code, rec.Body.String())
	}
}

func TestReadinessRequiresBusWhenDispatching(t *testing.T) {
	r := New(config.Default(), "test", newLogger())
	r.ready.Store(true)
	if r.isReady() {
		t.Fatal("dispatching runtime without a bus must not be ready")
	}
}

func TestRendersEndpointListsLedger(t *testing.T) {
	store, err := ledger.Open(context.Background(), config.LedgerConfig{
		Path:          filepath.Join(t.TempDir(), "renders.db"),
		RetentionMode: "persistent",
	}, newLogger())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		if err := store.Begin(ctx, ledger.Render{ID: id, Session: "rest"}); err != nil {
			t.Fatalf("begin: %v", err)
		}
	}
	if err := store.Finish(ctx, "r1", ledger.Outcome{Status: ledger.StatusSucceeded, IntegratedLUFS: -14}); err != nil {
		t.Fatalf("finish: %v", err)
	}

	r := New(config.Default(), "test", newLogger())
	r.ledger = store

	rec := httptest.NewRecorder()
	r.handleRenders(rec, httptest.NewRequest(http.MethodGet, "/renders?limit=2", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var views []renderView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected limit to apply, got %d rows", len(views))
	}

	rec = httptest.NewRecorder()
	r.handleRenders(rec, httptest.NewRequest(http.MethodGet, "/renders?limit=zero", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected bad request for invalid limit, got %d", rec.Code)
	}
}

func TestCapabilitiesAdvertiseLayersAndLimits(t *testing.T) {
	cfg := config.Default()
	cfg.Render.Workers = 3
	caps := Capabilities(cfg, "1.2.3")
	if !strings.Contains(caps["layers"], "binaural") || !strings.Contains(caps["layers"], "nature") {
		t.Fatalf("layers missing from %q", caps["layers"])
	}
	if caps["workers"] != "3" || caps["version"] != "1.2.3" || caps["voice"] != "file" {
		t.Fatalf("unexpected capabilities %+v", caps)
	}
}
