// Package led drives the LED-matrix eye expression. The serial panel itself
// is out of scope; rendering goes through the [Renderer] interface, with a
// logging simulator as the default backend.
package led

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/service"
)

// Renderer paints one eye pattern on the output device.
type Renderer interface {
	Render(ctx context.Context, pattern string) error
}

// knownPatterns is the fixed expression set.
var knownPatterns = map[string]bool{
	"idle":      true,
	"listening": true,
	"thinking":  true,
	"speaking":  true,
	"happy":     true,
	"error":     true,
	"rainbow":   true,
}

// LogRenderer logs each pattern change instead of driving hardware.
type LogRenderer struct{}

func (LogRenderer) Render(_ context.Context, pattern string) error {
	slog.Info("eye pattern", "pattern", pattern)
	return nil
}

// Service is the eye service.
type Service struct {
	*service.Runner

	renderer Renderer

	mu      sync.Mutex
	current string
}

var _ service.Service = (*Service)(nil)

// New creates the eye service. A nil renderer falls back to [LogRenderer].
func New(b *bus.Bus, renderer Renderer) *Service {
	if renderer == nil {
		renderer = LogRenderer{}
	}
	return &Service{
		Runner:   service.NewRunner("eye_light", b),
		renderer: renderer,
		current:  "idle",
	}
}

// Start subscribes eye/command and registers the CLI patterns.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(ctx context.Context) error {
		if err := s.Subscribe(event.TopicEyeCommand, s.handleCommand); err != nil {
			return err
		}
		for _, pattern := range []string{"eye", "eye pattern", "eye test", "eye status"} {
			if err := s.Bus().Emit(ctx, event.TopicRegisterCommand, event.Payload{
				"pattern": pattern,
				"service": s.Name(),
				"topic":   event.TopicEyeCommand,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stop resets the eyes to idle and tears down.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, func(ctx context.Context) error {
		return s.apply(ctx, "idle")
	})
}

// Current returns the active pattern.
func (s *Service) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// handleCommand serves eye/command, both the dispatcher form
// {subcommand, args} and the direct form {pattern}.
func (s *Service) handleCommand(ctx context.Context, p event.Payload) error {
	if name := p.String("pattern"); name != "" {
		return s.setPattern(ctx, name)
	}

	args := p.Strings("args")
	sub := p.String("subcommand")
	if sub == "" && len(args) > 0 {
		sub, args = args[0], args[1:]
	}
	switch sub {
	case "pattern":
		if len(args) == 0 {
			return s.respond(ctx, "Usage: eye pattern <name>", true)
		}
		return s.setPattern(ctx, args[0])
	case "test":
		s.Go(func(taskCtx context.Context) { s.runTest(taskCtx) })
		return s.respond(ctx, "Cycling through all eye patterns.", false)
	case "status":
		return s.respond(ctx, fmt.Sprintf("Eye pattern: %s. Available: %s", s.Current(), patternList()), false)
	default:
		return s.respond(ctx, "Usage: eye <pattern|test|status> ...", true)
	}
}

// setPattern validates and renders a pattern.
func (s *Service) setPattern(ctx context.Context, name string) error {
	name = strings.ToLower(name)
	if !knownPatterns[name] {
		return s.respond(ctx, fmt.Sprintf("Unknown eye pattern %q. Available: %s", name, patternList()), true)
	}
	return s.apply(ctx, name)
}

func (s *Service) apply(ctx context.Context, name string) error {
	s.mu.Lock()
	s.current = name
	s.mu.Unlock()
	return s.renderer.Render(ctx, name)
}

// runTest cycles every pattern briefly and returns to idle.
func (s *Service) runTest(ctx context.Context) {
	for _, name := range patternNames() {
		if err := s.apply(ctx, name); err != nil {
			slog.Warn("eye test render failed", "pattern", name, "err", err)
		}
		t := time.NewTimer(200 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	_ = s.apply(ctx, "idle")
}

func (s *Service) respond(ctx context.Context, text string, isErr bool) error {
	return s.Bus().Emit(ctx, event.TopicCLIResponse, event.Payload{
		"message":  text,
		"is_error": isErr,
	})
}

func patternNames() []string {
	out := make([]string, 0, len(knownPatterns))
	for name := range knownPatterns {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func patternList() string {
	return strings.Join(patternNames(), ", ")
}
