// Package mode implements the system mode state machine. Transitions run as
// bus transactions so that a peer rejecting the mode change rolls the
// internal state back and reports the failure instead of leaving the system
// half-switched.
package mode

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/memory"
	"github.com/cantinaworks/djrex/internal/service"
)

// SystemMode is the top-level behavioral state of the robot.
type SystemMode string

const (
	ModeStartup     SystemMode = "STARTUP"
	ModeIdle        SystemMode = "IDLE"
	ModeAmbient     SystemMode = "AMBIENT"
	ModeInteractive SystemMode = "INTERACTIVE"
	ModeSleeping    SystemMode = "SLEEPING"
)

// Parse maps a user-facing mode string to a SystemMode.
func Parse(s string) (SystemMode, bool) {
	switch SystemMode(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeStartup:
		return ModeStartup, true
	case ModeIdle:
		return ModeIdle, true
	case ModeAmbient:
		return ModeAmbient, true
	case ModeInteractive:
		return ModeInteractive, true
	case ModeSleeping:
		return ModeSleeping, true
	}
	return "", false
}

// Manager owns the current SystemMode and executes transitions.
type Manager struct {
	*service.Runner

	memory *memory.Service

	// transitionMu serializes transitions; concurrent set_mode requests queue
	// behind it.
	transitionMu sync.Mutex

	mu      sync.Mutex
	current SystemMode
}

var _ service.Service = (*Manager)(nil)

// New creates the mode manager in STARTUP. mem may be nil in tests; when set,
// the manager mirrors the current mode into working memory.
func New(b *bus.Bus, mem *memory.Service) *Manager {
	return &Manager{
		Runner:  service.NewRunner("mode_manager", b),
		memory:  mem,
		current: ModeStartup,
	}
}

// Current returns the active mode.
func (m *Manager) Current() SystemMode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Start subscribes to set_mode requests and registers the mode CLI commands.
func (m *Manager) Start(ctx context.Context) error {
	return m.StartWith(ctx, func(ctx context.Context) error {
		if err := m.Subscribe(event.TopicSetModeRequest, m.handleSetMode); err != nil {
			return err
		}
		if err := m.Subscribe("mode/cli", m.handleCLI); err != nil {
			return err
		}
		for _, cmd := range []string{"engage", "disengage", "ambient", "idle", "sleep", "status", "reset"} {
			if err := m.Bus().Emit(ctx, event.TopicRegisterCommand, event.Payload{
				"pattern": cmd,
				"service": m.Name(),
				"topic":   "mode/cli",
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stop removes the subscriptions.
func (m *Manager) Stop(ctx context.Context) error {
	return m.StopWith(ctx, nil)
}

// handleSetMode serves system/set_mode/request {mode}.
func (m *Manager) handleSetMode(ctx context.Context, p event.Payload) error {
	if err := event.Require(p, "mode"); err != nil {
		return err
	}
	target, ok := Parse(p.String("mode"))
	if !ok {
		return event.Errf(event.KindTransitionFailed, m.Name(),
			"unknown mode %q", p.String("mode"))
	}
	return m.Transition(ctx, target)
}

// handleCLI maps the mode commands (engage, disengage, ambient, idle, sleep)
// to transitions and serves the status and reset commands.
func (m *Manager) handleCLI(ctx context.Context, p event.Payload) error {
	var target SystemMode
	switch p.String("command") {
	case "engage":
		target = ModeInteractive
	case "ambient":
		target = ModeAmbient
	case "disengage", "idle":
		target = ModeIdle
	case "sleep":
		target = ModeSleeping
	case "status":
		return m.respond(ctx, m.statusLine(), false)
	case "reset":
		return m.reset(ctx)
	default:
		return nil
	}
	if err := m.Transition(ctx, target); err != nil {
		return m.respond(ctx, fmt.Sprintf("Mode change failed: %v", err), true)
	}
	return m.respond(ctx, fmt.Sprintf("Mode is now %s", target), false)
}

// statusLine renders the operator status summary.
func (m *Manager) statusLine() string {
	line := fmt.Sprintf("Mode: %s", m.Current())
	if m.memory == nil {
		return line
	}
	if track, _ := m.memory.Get(memory.KeyCurrentTrack, "").(string); track != "" {
		line += fmt.Sprintf(" | playing: %s", track)
	}
	if active, _ := m.memory.Get(memory.KeyDJModeActive, false).(bool); active {
		line += " | dj mode: on"
	}
	return line
}

// reset returns the system to the AMBIENT baseline and clears transient
// speech state.
func (m *Manager) reset(ctx context.Context) error {
	if err := m.Transition(ctx, ModeAmbient); err != nil {
		return m.respond(ctx, fmt.Sprintf("Reset failed: %v", err), true)
	}
	_ = m.Bus().Emit(ctx, event.TopicSpeechCacheCleanup, event.Payload{})
	return m.respond(ctx, "System reset: mode AMBIENT, speech cache cleared.", false)
}

func (m *Manager) respond(ctx context.Context, text string, isErr bool) error {
	return m.Bus().Emit(ctx, event.TopicCLIResponse, event.Payload{
		"message":  text,
		"is_error": isErr,
	})
}

// Transition moves the system to target. The sequence is transition/started,
// internal state change, the system/mode/change broadcast, then
// transition/complete; if any handler of the broadcast errors, the state
// reverts and mode/transition/failed is emitted instead.
func (m *Manager) Transition(ctx context.Context, target SystemMode) error {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	old := m.Current()
	if old == target {
		slog.Debug("mode transition skipped", "mode", old)
		return nil
	}

	tx := m.Bus().Transaction()
	tx.Stage(event.TopicModeTransitionStarted, event.Payload{
		"old":    string(old),
		"new":    string(target),
		"status": "started",
	}, nil)
	tx.StageFunc(
		func(context.Context) error {
			m.setCurrent(target)
			return nil
		},
		func(context.Context) { m.setCurrent(old) },
	)
	tx.Stage(event.TopicSystemModeChange, event.Payload{
		"old": string(old),
		"new": string(target),
	}, nil)
	tx.Stage(event.TopicModeTransitionComplete, event.Payload{
		"old":    string(old),
		"new":    string(target),
		"status": "completed",
	}, nil)

	if err := tx.Commit(ctx); err != nil {
		kerr := event.Errf(event.KindTransitionFailed, m.Name(),
			"transition %s -> %s: %w", old, target, err)
		m.EmitStatus(ctx, service.StatusDegraded, kerr.Error(), service.SeverityWarning)
		_ = m.Bus().Emit(ctx, event.TopicModeTransitionFailed, event.Payload{
			"old":    string(old),
			"new":    string(target),
			"reason": err.Error(),
		})
		return kerr
	}

	if m.memory != nil {
		if err := m.memory.Set(ctx, memory.KeyMode, string(target)); err != nil {
			slog.Warn("mode not mirrored to memory", "err", err)
		}
	}
	slog.Info("mode changed", "old", old, "new", target)
	return nil
}

func (m *Manager) setCurrent(mode SystemMode) {
	m.mu.Lock()
	m.current = mode
	m.mu.Unlock()
}
