// Package runtime wires the render daemon: telemetry, bus, ledger, dispatch
// and the HTTP health surface.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/capability"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/dispatch"
	"github.com/loqalabs/loqa-render/internal/ledger"
	"github.com/loqalabs/loqa-render/internal/manifest"
	"github.com/loqalabs/loqa-render/internal/natsserver"
	"github.com/loqalabs/loqa-render/internal/render"
	"github.com/loqalabs/loqa-render/internal/voice"
)

const shutdownTimeout = 10 * time.Second

type Runtime struct {
	cfg           config.Config
	version       string
	logger        *slog.Logger
	httpServer    *http.Server
	metricsServer *http.Server
	telemetryStop func(context.Context) error
	ready         atomic.Bool
	wg            sync.WaitGroup

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	ledger   *ledger.Ledger
	dispatch *dispatch.Service
	registry *capability.Registry
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Start runs the daemon until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stopTelemetry, metricHandler, err := SetupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryStop = stopTelemetry

	if err := r.startServices(ctx); err != nil {
		r.stopServices()
		r.stopTelemetry()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/renders", r.handleRenders)
	if metricHandler != nil {
		if bind := strings.TrimSpace(r.cfg.Telemetry.PrometheusBind); bind != "" {
			metricsMux := http.NewServeMux()
			metricsMux.Handle("/metrics", metricHandler)
			r.metricsServer = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
			r.serve(r.metricsServer, "metrics")
		} else {
			mux.Handle("/metrics", metricHandler)
		}
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("version", r.version))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	r.stopServices()
	r.stopTelemetry()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("server", name), slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) startServices(ctx context.Context) error {
	store, err := ledger.Open(ctx, r.cfg.Ledger, r.logger.With(slog.String("component", "ledger")))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	r.ledger = store

	provider, err := voice.FromConfig(r.cfg.Voice, r.cfg.Dispatch.ManifestDir, r.logger.With(slog.String("component", "voice")))
	if err != nil {
		return fmt.Errorf("voice provider: %w", err)
	}
	renderer := render.New(r.cfg.Render, provider, store, r.logger)

	if !r.cfg.Dispatch.Enabled {
		r.logger.Info("dispatch disabled; serving health and metrics only")
		return nil
	}

	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	r.dispatch = dispatch.NewService(ctx, r.cfg.Dispatch, r.cfg.Node.ID, client, renderer, store, r.logger)
	if err := r.dispatch.Start(); err != nil {
		return err
	}

	registry, err := capability.NewRegistry(ctx, r.cfg.Node, Capabilities(r.cfg, r.version), r.dispatch.Load, client, r.logger)
	if err != nil {
		return fmt.Errorf("capability registry: %w", err)
	}
	r.registry = registry
	return nil
}

// stopServices closes whatever startServices opened, newest first.
func (r *Runtime) stopServices() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.dispatch != nil {
		r.dispatch.Close()
	}
	r.bus.Close()
	r.nats.Shutdown()
	if err := r.ledger.Close(); err != nil {
		r.logger.Error("ledger close error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) stopTelemetry() {
	if r.telemetryStop == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.telemetryStop(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

// Capabilities describes what this node can render.
func Capabilities(cfg config.Config, version string) map[string]string {
	types := make([]string, 0, len(manifest.LayerTypes))
	for _, t := range manifest.LayerTypes {
		types = append(types, string(t))
	}
	workers := "auto"
	if cfg.Render.Workers > 0 {
		workers = strconv.Itoa(cfg.Render.Workers)
	}
	return map[string]string{
		"version":          version,
		"layers":           strings.Join(types, ","),
		"formats":          "pcm16,pcm24",
		"voice":            cfg.Voice.Mode,
		"workers":          workers,
		"memory_budget_mb": strconv.Itoa(cfg.Render.MemoryBudgetMB),
		"max_concurrency":  strconv.Itoa(cfg.Dispatch.MaxConcurrency),
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.isReady() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Dispatch.Enabled {
		return r.bus.Healthy() && r.dispatch.Healthy()
	}
	return true
}

type renderView struct {
	ID             string    `json:"render_id"`
	Session        string    `json:"session"`
	Output         string    `json:"output"`
	Status         string    `json:"status"`
	IntegratedLUFS float64   `json:"integrated_lufs"`
	TruePeakDBTP   float64   `json:"true_peak_dbtp"`
	ShortfallLU    float64   `json:"shortfall_lu,omitempty"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// handleRenders lists recent ledger rows as JSON.
func (r *Runtime) handleRenders(w http.ResponseWriter, req *http.Request) {
	limit := 20
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	rows, err := r.ledger.List(req.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]renderView, 0, len(rows))
	for _, row := range rows {
		views = append(views, renderView{
			ID:             row.ID,
			Session:        row.Session,
			Output:         row.OutputPath,
			Status:         row.Status,
			IntegratedLUFS: row.IntegratedLUFS,
			TruePeakDBTP:   row.TruePeakDBTP,
			ShortfallLU:    row.ShortfallLU,
			ErrorKind:      row.ErrorKind,
			Error:          row.Error,
			CreatedAt:      row.CreatedAt,
			FinishedAt:     row.FinishedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}
