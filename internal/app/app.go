// Package app wires every kernel service onto one event bus and owns the
// process lifecycle: New constructs and connects the services, Start brings
// them up in dependency order, Run blocks until shutdown is requested, and
// Shutdown tears everything down in reverse order.
//
// Providers come from main.go via the config registry. Tests inject doubles
// through the functional options (WithSink, WithConsole, WithMetrics).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/cli"
	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/debug"
	"github.com/cantinaworks/djrex/internal/dispatch"
	"github.com/cantinaworks/djrex/internal/dj"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/health"
	"github.com/cantinaworks/djrex/internal/led"
	"github.com/cantinaworks/djrex/internal/memory"
	"github.com/cantinaworks/djrex/internal/mode"
	"github.com/cantinaworks/djrex/internal/music"
	"github.com/cantinaworks/djrex/internal/observe"
	"github.com/cantinaworks/djrex/internal/persona"
	"github.com/cantinaworks/djrex/internal/resilience"
	"github.com/cantinaworks/djrex/internal/service"
	"github.com/cantinaworks/djrex/internal/speechcache"
	"github.com/cantinaworks/djrex/internal/synth"
	"github.com/cantinaworks/djrex/internal/timeline"
	"github.com/cantinaworks/djrex/pkg/audio"
	"github.com/cantinaworks/djrex/pkg/provider/llm"
	"github.com/cantinaworks/djrex/pkg/provider/tts"
)

// Providers holds the external backends resolved by main.go. Nil or empty
// slots disable the dependent feature; the kernel still starts.
type Providers struct {
	// TTS is the synthesis fallback chain, tried in order.
	TTS []tts.Provider

	// LLM backs the persona service. Nil leaves persona disabled.
	LLM llm.Provider
}

// App owns the bus and every service lifetime.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	bus     *bus.Bus
	tracker *health.Tracker
	mem     *memory.Service

	sink       audio.Sink
	consoleIn  io.Reader
	consoleOut io.Writer

	// services in start order; Shutdown walks it backwards.
	services []service.Service

	httpSrv *health.Server

	shutdownCh chan struct{}
	reqOnce    sync.Once
	stopOnce   sync.Once
}

// Option is a functional option for New.
type Option func(*App)

// WithSink injects the audio sink shared by synthesis and cached playback.
func WithSink(s audio.Sink) Option {
	return func(a *App) { a.sink = s }
}

// WithConsole redirects the CLI console streams. Defaults to stdin/stdout.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.consoleIn = in; a.consoleOut = out }
}

// WithMetrics injects a private metrics instance instead of the process-wide
// default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// New wires the full service graph. Nothing runs yet; call Start.
func New(cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:        cfg,
		providers:  providers,
		shutdownCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.sink == nil {
		a.sink = audio.NewPacedSink()
	}
	if a.consoleIn == nil {
		a.consoleIn = os.Stdin
	}
	if a.consoleOut == nil {
		a.consoleOut = os.Stdout
	}

	a.bus = bus.New(bus.WithObserver(a.metrics.BusObserver()))
	a.bus.SetErrorHook(a.reportHandlerError)

	a.tracker = health.NewTracker()
	if err := a.tracker.Watch(a.bus); err != nil {
		return nil, fmt.Errorf("app: watch service status: %w", err)
	}
	if _, err := a.bus.On(event.TopicShutdownRequested, a.handleShutdownRequest); err != nil {
		return nil, fmt.Errorf("app: subscribe shutdown: %w", err)
	}

	a.buildServices()

	if addr := cfg.Server.ListenAddr; addr != "" {
		names := make([]string, len(a.services))
		for i, s := range a.services {
			names[i] = s.Name()
		}
		handler := health.New(health.ServiceChecker(a.tracker, names...))
		a.httpSrv = health.NewServer(addr, handler, observe.Middleware(a.metrics))
	}

	return a, nil
}

// buildServices constructs every service in start order. The dispatcher goes
// first so command registrations emitted by later services land.
func (a *App) buildServices() {
	b := a.bus
	a.mem = memory.New(b, a.cfg.Memory)

	a.services = []service.Service{
		dispatch.New(b),
		a.mem,
		debug.New(b, slog.Default()),
		mode.New(b, a.mem),
	}

	// Synthesis requires at least one TTS backend; without one the kernel
	// still starts, with cached speech degraded to misses.
	if len(a.providers.TTS) > 0 {
		voice := tts.Voice{
			ID:       a.cfg.Providers.TTS.VoiceID,
			Provider: a.cfg.Providers.TTS.Name,
		}
		a.services = append(a.services, synth.New(b, a.ttsChain(), voice, a.sink))
	} else {
		slog.Warn("no TTS providers configured, speech synthesis disabled")
	}

	a.services = append(a.services,
		speechcache.New(b, a.cfg.SpeechCache, a.sink),
		music.New(b, a.cfg.Music, a.mem),
		timeline.New(b, a.cfg.Timeline),
		dj.New(b, a.cfg.DJ, a.cfg.Music, a.mem),
		persona.New(b, a.cfg.Persona, a.providers.LLM, a.mem),
		led.New(b, nil),
		cli.New(b, a.consoleIn, a.consoleOut, a.dispatcher()),
	)
}

// ttsChain wraps multiple TTS backends in a circuit-breaker fallback so a
// failing primary is skipped without paying its timeout on every utterance.
func (a *App) ttsChain() []tts.Provider {
	if len(a.providers.TTS) < 2 {
		return a.providers.TTS
	}
	fb := resilience.NewTTSFallback(a.providers.TTS[0], resilience.FallbackConfig{})
	for _, p := range a.providers.TTS[1:] {
		fb.AddFallback(p)
	}
	return []tts.Provider{fb}
}

// dispatcher returns the dispatcher instance from the service list.
func (a *App) dispatcher() *dispatch.Dispatcher {
	for _, s := range a.services {
		if d, ok := s.(*dispatch.Dispatcher); ok {
			return d
		}
	}
	return nil
}

// Bus exposes the bus for tests and for main's signal wiring.
func (a *App) Bus() *bus.Bus { return a.bus }

// Memory exposes the working-memory service.
func (a *App) Memory() *memory.Service { return a.mem }

// Start brings every service up in order. On failure the services already
// running are stopped in reverse and the start error is returned.
func (a *App) Start(ctx context.Context) error {
	for i, s := range a.services {
		if err := s.Start(ctx); err != nil {
			slog.Error("service start failed", "service", s.Name(), "err", err)
			a.stopServices(ctx, i)
			return fmt.Errorf("app: start %s: %w", s.Name(), err)
		}
		slog.Debug("service started", "service", s.Name())
	}
	slog.Info("kernel running", "services", len(a.services))
	return nil
}

// Run blocks until ctx is cancelled or a service requests shutdown. The HTTP
// listener, when configured, runs for the duration.
func (a *App) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)

	if a.httpSrv != nil {
		g.Go(a.httpSrv.ListenAndServe)
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return a.httpSrv.Shutdown(shutCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case <-a.shutdownCh:
			cancel()
			return nil
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// RequestShutdown unblocks Run. Safe to call more than once.
func (a *App) RequestShutdown() {
	a.reqOnce.Do(func() { close(a.shutdownCh) })
}

// Shutdown stops all services in reverse start order.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.RequestShutdown()
		err = a.stopServices(ctx, len(a.services))
		slog.Info("shutdown complete")
	})
	return err
}

// stopServices stops services[0:n] in reverse order, joining the errors.
func (a *App) stopServices(ctx context.Context, n int) error {
	var errs []error
	for i := n - 1; i >= 0; i-- {
		s := a.services[i]
		if err := s.Stop(ctx); err != nil {
			slog.Warn("service stop error", "service", s.Name(), "err", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// handleShutdownRequest serves system/shutdown/requested.
func (a *App) handleShutdownRequest(_ context.Context, p event.Payload) error {
	slog.Info("shutdown requested", "source", p.String("source"), "reason", p.String("reason"))
	a.RequestShutdown()
	return nil
}

// reportHandlerError surfaces bus handler failures as service/status events.
// Emitted from a fresh goroutine so a failing status handler cannot recurse.
func (a *App) reportHandlerError(he bus.HandlerError) {
	kind := event.KindHandlerError
	if he.Timeout {
		kind = event.KindHandlerTimeout
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.bus.Emit(ctx, event.TopicServiceStatus, event.Payload{
			"service":  "bus",
			"status":   string(service.StatusDegraded),
			"severity": string(service.SeverityWarning),
			"message":  fmt.Sprintf("handler %d on %s: %v", he.Index, he.Topic, he.Err),
			"kind":     string(kind),
			"topic":    he.Topic,
			"timeout":  he.Timeout,
		})
	}()
}
