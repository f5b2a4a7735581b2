package app

import (
	"bytes"
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/observe"
	"github.com/cantinaworks/djrex/internal/service"
	"github.com/cantinaworks/djrex/pkg/audio"
)

// lockedBuffer collects console output safely across goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Memory.SnapshotPath = filepath.Join(t.TempDir(), "mem.json")
	cfg.Music.Tracks = []config.MusicTrack{
		{Name: "cantina_band", DurationSeconds: 60},
		{Name: "lapti_nek", DurationSeconds: 45},
	}
	return cfg
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func startApp(t *testing.T, cfg *config.Config, in io.Reader) (*App, *lockedBuffer) {
	t.Helper()
	out := &lockedBuffer{}
	a, err := New(cfg, nil,
		WithConsole(in, out),
		WithSink(audio.NewPacedSink()),
		WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { a.Shutdown(context.Background()) })
	return a, out
}

func TestAllServicesReachRunning(t *testing.T) {
	a, _ := startApp(t, testConfig(t), strings.NewReader(""))

	wanted := []string{
		"command_dispatcher", "memory", "debug", "mode_manager", "cached_speech",
		"music_controller", "timeline_executor", "dj_mode", "persona",
		"eye_light", "cli",
	}
	for _, name := range wanted {
		if st := a.tracker.Status(name); st != service.StatusRunning {
			t.Errorf("service %s status = %q, want RUNNING", name, st)
		}
	}

	// No TTS providers were configured, so synthesis must not be wired.
	if st := a.tracker.Status("speech_synth"); st != "" {
		t.Errorf("speech_synth unexpectedly started: %q", st)
	}
}

func TestConsoleCommandReachesMusic(t *testing.T) {
	_, out := startApp(t, testConfig(t), strings.NewReader("play music cantina_band\n"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), "cantina_band") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("console output = %q", out.String())
}

func TestShutdownEventUnblocksRun(t *testing.T) {
	a, _ := startApp(t, testConfig(t), strings.NewReader(""))

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	// Give Run a moment to be blocked before requesting shutdown.
	time.Sleep(20 * time.Millisecond)
	if err := a.Bus().Emit(context.Background(), event.TopicShutdownRequested, event.Payload{
		"source": "test",
	}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after shutdown request")
	}
}

func TestQuitCommandStopsRun(t *testing.T) {
	a, _ := startApp(t, testConfig(t), strings.NewReader("quit\n"))

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after quit")
	}
}

func TestHandlerErrorReportCarriesKind(t *testing.T) {
	a, _ := startApp(t, testConfig(t), strings.NewReader(""))

	var (
		mu       sync.Mutex
		reported []event.Payload
	)
	a.Bus().On(event.TopicServiceStatus, func(_ context.Context, p event.Payload) error {
		if p.String("service") == "bus" {
			mu.Lock()
			reported = append(reported, p.Clone())
			mu.Unlock()
		}
		return nil
	})

	a.reportHandlerError(bus.HandlerError{Topic: "music/command", Index: 0, Err: errors.New("deck jammed")})
	a.reportHandlerError(bus.HandlerError{Topic: "music/command", Index: 1, Err: errors.New("slow handler"), Timeout: true})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reported)
		mu.Unlock()
		if n >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reported) < 2 {
		t.Fatalf("reported %d bus status events, want 2", len(reported))
	}
	kinds := map[string]bool{}
	for _, p := range reported {
		kinds[p.String("kind")] = true
	}
	if !kinds[string(event.KindHandlerError)] {
		t.Errorf("no report with kind %s: %v", event.KindHandlerError, reported)
	}
	if !kinds[string(event.KindHandlerTimeout)] {
		t.Errorf("no report with kind %s: %v", event.KindHandlerTimeout, reported)
	}
}

func TestShutdownStopsAllServices(t *testing.T) {
	cfg := testConfig(t)
	a, _ := startApp(t, cfg, strings.NewReader(""))

	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for _, s := range a.services {
		if st := s.(interface{ Status() service.Status }).Status(); st != service.StatusStopped {
			t.Errorf("service %s status = %q, want STOPPED", s.Name(), st)
		}
	}
}
