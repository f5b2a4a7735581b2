package mode

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/event"
)

func newTestManager(t *testing.T) (*Manager, *bus.Bus) {
	t.Helper()
	b := bus.New()
	m := New(b, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Stop(context.Background()) })
	return m, b
}

func TestTransitionEventSequence(t *testing.T) {
	m, b := newTestManager(t)

	var sequence []string
	for _, topic := range []string{
		event.TopicModeTransitionStarted,
		event.TopicModeTransitionComplete,
		event.TopicSystemModeChange,
	} {
		b.On(topic, func(_ context.Context, p event.Payload) error {
			if got := p.String("new"); got != "AMBIENT" {
				t.Errorf("mode event new = %q, want AMBIENT", got)
			}
			sequence = append(sequence, topic)
			return nil
		})
	}

	err := b.Emit(context.Background(), event.TopicSetModeRequest, event.Payload{"mode": "AMBIENT"})
	if err != nil {
		t.Fatalf("set_mode request: %v", err)
	}

	if m.Current() != ModeAmbient {
		t.Fatalf("Current = %s, want AMBIENT", m.Current())
	}
	// The broadcast goes out between started and complete, so peers reacting
	// to system/mode/change do so before the transition is declared done.
	want := []string{
		event.TopicModeTransitionStarted,
		event.TopicSystemModeChange,
		event.TopicModeTransitionComplete,
	}
	if len(sequence) != len(want) {
		t.Fatalf("observed %d mode events, want %d: %v", len(sequence), len(want), sequence)
	}
	for i := range want {
		if sequence[i] != want[i] {
			t.Fatalf("event %d = %s, want %s (full: %v)", i, sequence[i], want[i], sequence)
		}
	}
}

func TestRejectedTransitionRollsBack(t *testing.T) {
	m, b := newTestManager(t)

	// A peer vetoes the mode change from its system/mode/change handler.
	b.On(event.TopicSystemModeChange, func(_ context.Context, _ event.Payload) error {
		return errors.New("hardware not ready")
	})

	var failed []event.Payload
	b.On(event.TopicModeTransitionFailed, func(_ context.Context, p event.Payload) error {
		failed = append(failed, p.Clone())
		return nil
	})
	completed := 0
	b.On(event.TopicModeTransitionComplete, func(_ context.Context, _ event.Payload) error {
		completed++
		return nil
	})

	err := m.Transition(context.Background(), ModeInteractive)
	if err == nil {
		t.Fatal("vetoed transition should return an error")
	}
	if completed != 0 {
		t.Errorf("vetoed transition emitted transition/complete %d times", completed)
	}
	var ke *event.KernelError
	if !errors.As(err, &ke) || ke.Kind != event.KindTransitionFailed {
		t.Errorf("error = %v, want TransitionFailed kind", err)
	}
	if m.Current() != ModeStartup {
		t.Errorf("Current = %s, want rollback to STARTUP", m.Current())
	}
	if len(failed) != 1 || failed[0].String("new") != "INTERACTIVE" {
		t.Errorf("transition/failed events = %v", failed)
	}
}

func TestSameModeTransitionIsNoOp(t *testing.T) {
	m, b := newTestManager(t)

	if err := m.Transition(context.Background(), ModeIdle); err != nil {
		t.Fatalf("first transition: %v", err)
	}

	emitted := 0
	b.On(event.TopicSystemModeChange, func(_ context.Context, _ event.Payload) error {
		emitted++
		return nil
	})
	if err := m.Transition(context.Background(), ModeIdle); err != nil {
		t.Fatalf("redundant transition: %v", err)
	}
	if emitted != 0 {
		t.Errorf("redundant transition emitted %d mode changes, want 0", emitted)
	}
}

func TestUnknownModeRejected(t *testing.T) {
	_, b := newTestManager(t)
	err := b.Emit(context.Background(), event.TopicSetModeRequest, event.Payload{"mode": "PARTY"})
	if err == nil {
		t.Fatal("unknown mode should be rejected")
	}
}

func TestCLICommandsMapToModes(t *testing.T) {
	m, b := newTestManager(t)

	cases := []struct {
		command string
		want    SystemMode
	}{
		{"engage", ModeInteractive},
		{"ambient", ModeAmbient},
		{"disengage", ModeIdle},
		{"sleep", ModeSleeping},
		{"idle", ModeIdle},
	}
	for _, tc := range cases {
		err := b.Emit(context.Background(), "mode/cli", event.Payload{"command": tc.command})
		if err != nil {
			t.Fatalf("cli %s: %v", tc.command, err)
		}
		if m.Current() != tc.want {
			t.Errorf("after %q: Current = %s, want %s", tc.command, m.Current(), tc.want)
		}
	}
}

func TestStatusCommandReportsMode(t *testing.T) {
	m, b := newTestManager(t)

	if err := m.Transition(context.Background(), ModeInteractive); err != nil {
		t.Fatalf("transition: %v", err)
	}

	var resp event.Payload
	b.On(event.TopicCLIResponse, func(_ context.Context, p event.Payload) error {
		resp = p.Clone()
		return nil
	})
	if err := b.Emit(context.Background(), "mode/cli", event.Payload{"command": "status"}); err != nil {
		t.Fatalf("status: %v", err)
	}
	if resp == nil || resp.Bool("is_error") {
		t.Fatalf("response = %v", resp)
	}
	if !strings.Contains(resp.String("message"), "INTERACTIVE") {
		t.Errorf("status message = %q, want the current mode", resp.String("message"))
	}
	if m.Current() != ModeInteractive {
		t.Errorf("status changed the mode to %s", m.Current())
	}
}

func TestResetCommandReturnsToAmbient(t *testing.T) {
	m, b := newTestManager(t)

	if err := m.Transition(context.Background(), ModeInteractive); err != nil {
		t.Fatalf("transition: %v", err)
	}

	cleanups := 0
	b.On(event.TopicSpeechCacheCleanup, func(_ context.Context, _ event.Payload) error {
		cleanups++
		return nil
	})
	var resp event.Payload
	b.On(event.TopicCLIResponse, func(_ context.Context, p event.Payload) error {
		resp = p.Clone()
		return nil
	})

	if err := b.Emit(context.Background(), "mode/cli", event.Payload{"command": "reset"}); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if m.Current() != ModeAmbient {
		t.Errorf("Current = %s, want AMBIENT after reset", m.Current())
	}
	if cleanups != 1 {
		t.Errorf("speech_cache/cleanup emitted %d times, want 1", cleanups)
	}
	if resp == nil || resp.Bool("is_error") {
		t.Errorf("response = %v", resp)
	}
}

func TestParse(t *testing.T) {
	if got, ok := Parse(" interactive "); !ok || got != ModeInteractive {
		t.Errorf("Parse(interactive) = %v %v", got, ok)
	}
	if _, ok := Parse("disco"); ok {
		t.Error("Parse(disco) should fail")
	}
}
