package cli

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/dispatch"
	"github.com/cantinaworks/djrex/internal/event"
)

// safeBuffer is a bytes.Buffer safe for concurrent writes from the read loop
// and reads from the test.
type safeBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *safeBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type recorder struct {
	mu     sync.Mutex
	events map[string][]event.Payload
}

func record(t *testing.T, b *bus.Bus, topics ...string) *recorder {
	t.Helper()
	r := &recorder{events: make(map[string][]event.Payload)}
	for _, topic := range topics {
		b.On(topic, func(_ context.Context, p event.Payload) error {
			r.mu.Lock()
			r.events[topic] = append(r.events[topic], p.Clone())
			r.mu.Unlock()
			return nil
		})
	}
	return r
}

func (r *recorder) all(topic string) []event.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Payload(nil), r.events[topic]...)
}

func (r *recorder) wait(t *testing.T, topic string, n int) []event.Payload {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.all(topic); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wanted %d %s events, got %d", n, topic, len(r.all(topic)))
	return nil
}

func startConsole(t *testing.T, b *bus.Bus, input string, d *dispatch.Dispatcher) (*Console, *safeBuffer) {
	t.Helper()
	out := &safeBuffer{}
	c := New(b, strings.NewReader(input), out, d)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { c.Stop(context.Background()) })
	return c, out
}

func TestLinesBecomeCommands(t *testing.T) {
	b := bus.New()
	rec := record(t, b, event.TopicCLICommand)
	startConsole(t, b, "play music cantina_band\ndj start\n", nil)

	got := rec.wait(t, event.TopicCLICommand, 2)
	first := got[0]
	if first.String("command") != "play" || first.String("raw_input") != "play music cantina_band" {
		t.Errorf("first command = %v", first)
	}
	if args := first.Strings("args"); len(args) != 2 || args[0] != "music" {
		t.Errorf("args = %v", args)
	}
	if first.String("source") != "cli" {
		t.Errorf("source = %q", first.String("source"))
	}
	if got[1].String("command") != "dj" {
		t.Errorf("second command = %v", got[1])
	}
}

func TestBlankLinesIgnored(t *testing.T) {
	b := bus.New()
	rec := record(t, b, event.TopicCLICommand)
	startConsole(t, b, "\n   \nstatus\n", nil)

	got := rec.wait(t, event.TopicCLICommand, 1)
	if len(got) != 1 || got[0].String("command") != "status" {
		t.Errorf("commands = %v", got)
	}
}

func TestQuitRequestsShutdown(t *testing.T) {
	b := bus.New()
	rec := record(t, b, event.TopicShutdownRequested, event.TopicCLICommand)
	startConsole(t, b, "quit\nplay music\n", nil)

	got := rec.wait(t, event.TopicShutdownRequested, 1)
	if got[0].String("source") != "cli" || got[0].String("reason") == "" {
		t.Errorf("shutdown payload = %v", got[0])
	}

	// The loop stops at quit, so the trailing line is never dispatched.
	time.Sleep(20 * time.Millisecond)
	if cmds := rec.all(event.TopicCLICommand); len(cmds) != 0 {
		t.Errorf("commands after quit: %v", cmds)
	}
}

func TestResponsePrinting(t *testing.T) {
	b := bus.New()
	_, out := startConsole(t, b, "", nil)

	b.Emit(context.Background(), event.TopicCLIResponse, event.Payload{
		"message": "Now playing: cantina_band",
	})
	b.Emit(context.Background(), event.TopicCLIResponse, event.Payload{
		"message":  "unknown track",
		"is_error": true,
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := out.String()
		if strings.Contains(s, "Now playing: cantina_band\n") &&
			strings.Contains(s, "[ERROR] unknown track\n") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output = %q", out.String())
}

func TestHelpListsRegisteredPatterns(t *testing.T) {
	b := bus.New()
	d := dispatch.New(b)
	d.Register("play music", "music_controller", event.TopicMusicCommand)
	d.Register("dj start", "dj_mode", event.TopicDJCommand)

	_, out := startConsole(t, b, "help\n", d)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s := out.String()
		if strings.Contains(s, "play music") && strings.Contains(s, "dj start") &&
			strings.Contains(s, "quit") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("help output = %q", out.String())
}
