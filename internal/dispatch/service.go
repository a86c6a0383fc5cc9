// Package dispatch accepts render requests from the bus, renders them with
// bounded concurrency and publishes the outcome.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-render/internal/audio"
	"github.com/loqalabs/loqa-render/internal/bus"
	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/ledger"
	"github.com/loqalabs/loqa-render/internal/manifest"
	"github.com/loqalabs/loqa-render/internal/protocol"
	"github.com/loqalabs/loqa-render/internal/render"
)

// QueueGroup spreads requests across every render node subscribed to the
// same bus.
const QueueGroup = "loqa-render"

// KindRequest classifies malformed requests.
const KindRequest = "request"

// Renderer is the part of render.Renderer the service needs.
type Renderer interface {
	Render(ctx context.Context, m *manifest.Manifest, opts render.Options) (*render.Result, error)
}

type Service struct {
	cfg      config.DispatchConfig
	nodeID   string
	bus      *bus.Client
	renderer Renderer
	ledger   *ledger.Ledger
	sub      *nats.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	sema     chan struct{}
	active   atomic.Int64
	logger   *slog.Logger
}

func NewService(parent context.Context, cfg config.DispatchConfig, nodeID string, busClient *bus.Client, renderer Renderer, store *ledger.Ledger, log *slog.Logger) *Service {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		nodeID:   nodeID,
		bus:      busClient,
		renderer: renderer,
		ledger:   store,
		ctx:      ctx,
		cancel:   cancel,
		sema:     make(chan struct{}, cfg.MaxConcurrency),
		logger:   log.With(slog.String("component", "dispatch")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.bus == nil {
		return errors.New("dispatch requires a bus client")
	}
	sub, err := s.bus.Conn().QueueSubscribe(protocol.SubjectRenderRequest, QueueGroup, s.handleRequest)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", protocol.SubjectRenderRequest, err)
	}
	s.sub = sub
	s.logger.Info("dispatch listening",
		slog.String("subject", protocol.SubjectRenderRequest),
		slog.Int("max_concurrency", s.cfg.MaxConcurrency))
	return nil
}

// Close stops accepting requests and waits for in-flight renders.
func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool { return !s.cfg.Enabled || s.sub != nil }

// Load reports running renders against the concurrency limit.
func (s *Service) Load() (active, capacity int) {
	return int(s.active.Load()), s.cfg.MaxConcurrency
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.RenderRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode render request", slogError(err))
		s.fail(msg, req, KindRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case s.sema <- struct{}{}:
		case <-s.ctx.Done():
			s.fail(msg, req, KindRequest, fmt.Errorf("render node shutting down"))
			return
		}
		s.active.Add(1)
		defer func() {
			s.active.Add(-1)
			<-s.sema
		}()
		s.process(msg, req)
	}()
}

func (s *Service) process(msg *nats.Msg, req protocol.RenderRequest) {
	log := s.logger.With(slog.String("request_id", req.RequestID))
	m, opts, err := s.resolve(req)
	if err != nil {
		kind := audio.Kind(err)
		if kind == "" {
			kind = KindRequest
		}
		s.fail(msg, req, kind, err)
		return
	}

	ctx := s.ctx
	if s.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}

	log.Info("render request accepted", slog.String("output", opts.OutputPath), slog.Bool("dry_run", opts.DryRun))
	res, err := s.renderer.Render(ctx, m, opts)
	if err != nil {
		kind := audio.Kind(err)
		if kind == "" {
			kind = "internal"
		}
		s.fail(msg, req, kind, err)
		return
	}

	done := protocol.RenderCompleted{
		RequestID: req.RequestID,
		RenderID:  res.ID,
		NodeID:    s.nodeID,
		Session:   res.Session,
		DryRun:    res.DryRun,
		Warnings:  res.Warnings,
		ElapsedMS: res.Elapsed.Milliseconds(),
		Timestamp: time.Now().UTC(),
	}
	if !res.DryRun {
		done.Output = res.OutputPath
		done.Report = res.ReportPath
	}
	if res.Loudness != nil {
		done.IntegratedLUFS = res.Loudness.MeasuredIntegratedLUFS
		done.TruePeakDBTP = res.Loudness.MeasuredTruePeakDBTP
		if res.Loudness.Shortfall != nil {
			done.ShortfallLU = res.Loudness.Shortfall.LU
		}
	}
	s.publish(msg, protocol.SubjectRenderCompleted, done)

	if err := s.ledger.Prune(s.ctx); err != nil {
		log.Warn("ledger prune failed", slogError(err))
	}
}

// resolve loads the manifest and maps request paths into the configured
// directories. Paths may not escape them.
func (s *Service) resolve(req protocol.RenderRequest) (*manifest.Manifest, render.Options, error) {
	opts := render.Options{
		SampleRate: req.SampleRate,
		Seed:       req.Seed,
		DryRun:     req.DryRun,
	}

	var (
		m   *manifest.Manifest
		err error
	)
	switch {
	case req.ManifestPath != "" && req.Manifest != "":
		return nil, opts, errors.New("request sets both manifest_path and manifest")
	case req.ManifestPath != "":
		path, perr := within(s.cfg.ManifestDir, req.ManifestPath)
		if perr != nil {
			return nil, opts, perr
		}
		opts.ManifestPath = path
		m, err = manifest.Load(path)
	case req.Manifest != "":
		m, err = manifest.Parse([]byte(req.Manifest))
	default:
		return nil, opts, errors.New("request has no manifest")
	}
	if err != nil {
		return nil, opts, err
	}
	// Voice files resolve against the manifest directory like the manifest.
	if m.Voice != nil && m.Voice.Path != "" && !filepath.IsLocal(m.Voice.Path) {
		return nil, opts, fmt.Errorf("voice path %q must be relative and stay inside %s", m.Voice.Path, s.cfg.ManifestDir)
	}

	if !req.DryRun {
		if req.Output == "" {
			return nil, opts, errors.New("request has no output")
		}
		if opts.OutputPath, err = within(s.cfg.OutputDir, req.Output); err != nil {
			return nil, opts, err
		}
	}
	if req.DebugStemsDir != "" {
		if opts.DebugStemsDir, err = within(s.cfg.OutputDir, req.DebugStemsDir); err != nil {
			return nil, opts, err
		}
	}
	return m, opts, nil
}

func within(dir, rel string) (string, error) {
	if !filepath.IsLocal(rel) {
		return "", fmt.Errorf("path %q must be relative and stay inside %s", rel, dir)
	}
	return filepath.Join(dir, rel), nil
}

func (s *Service) fail(msg *nats.Msg, req protocol.RenderRequest, kind string, err error) {
	failed := protocol.RenderFailed{
		RequestID: req.RequestID,
		NodeID:    s.nodeID,
		Kind:      kind,
		Error:     err.Error(),
		Timestamp: time.Now().UTC(),
	}
	var verr *manifest.ValidationError
	if errors.As(err, &verr) {
		for _, issue := range verr.Issues {
			failed.Issues = append(failed.Issues, issue.String())
		}
	}
	s.logger.Warn("render request failed",
		slog.String("request_id", req.RequestID),
		slog.String("kind", kind),
		slogError(err))
	s.publish(msg, protocol.SubjectRenderFailed, failed)
}

// publish broadcasts v and, for request-reply callers, answers the inbox.
func (s *Service) publish(msg *nats.Msg, subject string, v any) {
	if err := s.bus.PublishJSON(subject, v); err != nil {
		s.logger.Warn("failed to publish", slog.String("subject", subject), slogError(err))
	}
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to reply", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
