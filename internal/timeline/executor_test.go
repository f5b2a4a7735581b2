package timeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/event"
)

func testTimelineConfig() config.TimelineConfig {
	return config.TimelineConfig{
		SpeechWaitTimeoutMS: 2000,
		DuckLevel:           0.5,
		DuckFadeMS:          500,
	}
}

type capture struct {
	mu  sync.Mutex
	seq []struct {
		topic   string
		payload event.Payload
	}
}

func captureTopics(t *testing.T, b *bus.Bus, topics ...string) *capture {
	t.Helper()
	c := &capture{}
	for _, topic := range topics {
		b.On(topic, func(_ context.Context, p event.Payload) error {
			c.mu.Lock()
			c.seq = append(c.seq, struct {
				topic   string
				payload event.Payload
			}{topic, p.Clone()})
			c.mu.Unlock()
			return nil
		})
	}
	return c
}

func (c *capture) topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.seq))
	for i, e := range c.seq {
		out[i] = e.topic
	}
	return out
}

func (c *capture) of(topic string) []event.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []event.Payload
	for _, e := range c.seq {
		if e.topic == topic {
			out = append(out, e.payload)
		}
	}
	return out
}

func (c *capture) wait(t *testing.T, topic string, n int) []event.Payload {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.of(topic); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("wanted %d %s events, got %d (seq: %v)", n, topic, len(c.of(topic)), c.topics())
	return nil
}

// fakeCache answers playback requests like the cached speech service: started
// immediately, completed after playDur, echoing the caller's playback_id.
func fakeCache(b *bus.Bus, playDur time.Duration) {
	b.On(event.TopicSpeechCachePlaybackRequest, func(ctx context.Context, p event.Payload) error {
		id := p.String("playback_id")
		meta := p.Map("metadata")
		if err := b.Emit(ctx, event.TopicSpeechCachePlaybackStarted, event.Payload{
			"cache_key":   p.String("cache_key"),
			"playback_id": id,
			"metadata":    meta,
		}); err != nil {
			return err
		}
		go func() {
			time.Sleep(playDur)
			b.Emit(context.Background(), event.TopicSpeechCachePlaybackCompleted, event.Payload{
				"cache_key":         p.String("cache_key"),
				"playback_id":       id,
				"completion_status": "completed",
				"metadata":          meta,
			})
		}()
		return nil
	})
}

// fakeMusicDeck answers crossfade requests after fadeDur.
func fakeMusicDeck(b *bus.Bus, fadeDur time.Duration) {
	b.On(event.TopicMusicCrossfade, func(ctx context.Context, p event.Payload) error {
		id := p.String("crossfade_id")
		go func() {
			time.Sleep(fadeDur)
			b.Emit(context.Background(), event.TopicMusicCrossfadeDone, event.Payload{
				"crossfade_id": id,
				"success":      true,
			})
		}()
		return nil
	})
}

func startExecutor(t *testing.T, b *bus.Bus) *Executor {
	t.Helper()
	e := New(b, testTimelineConfig())
	e.SettleDuck = time.Millisecond
	e.SettleSpeak = time.Millisecond
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { e.Stop(context.Background()) })
	return e
}

func musicPlaying(t *testing.T, b *bus.Bus) {
	t.Helper()
	if err := b.Emit(context.Background(), event.TopicTrackPlaying, event.Payload{"name": "t1"}); err != nil {
		t.Fatalf("track playing: %v", err)
	}
}

func TestCachedSpeechPlanSequence(t *testing.T) {
	b := bus.New()
	fakeCache(b, 50*time.Millisecond)
	fakeMusicDeck(b, 50*time.Millisecond)
	rec := captureTopics(t, b,
		event.TopicAudioDuckingStart,
		event.TopicAudioDuckingStop,
		event.TopicSpeechCachePlaybackStarted,
		event.TopicSpeechCachePlaybackCompleted,
		event.TopicMusicCrossfade,
		event.TopicMusicCrossfadeDone,
		event.TopicPlanEnded,
	)
	e := startExecutor(t, b)
	musicPlaying(t, b)

	err := e.Submit(context.Background(), Plan{
		ID:    "dj-plan-1",
		Layer: LayerForeground,
		Steps: []Step{
			{Kind: StepPlayCachedSpeech, CacheKey: "K1"},
			{Kind: StepDelay, Duration: 20 * time.Millisecond},
			{Kind: StepMusicCrossfade, Track: "t2", CrossfadeDuration: 100 * time.Millisecond},
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ended := rec.wait(t, event.TopicPlanEnded, 1)[0]
	if ended.String("status") != "completed" || ended.String("plan_id") != "dj-plan-1" {
		t.Fatalf("plan/ended = %v", ended)
	}

	// Ordering: duck before playback_started; completed with the same
	// playback_id; unduck; then the crossfade.
	seq := rec.topics()
	index := func(topic string) int {
		for i, got := range seq {
			if got == topic {
				return i
			}
		}
		t.Fatalf("topic %s missing from %v", topic, seq)
		return -1
	}
	if index(event.TopicAudioDuckingStart) > index(event.TopicSpeechCachePlaybackStarted) {
		t.Error("ducking must start before playback")
	}
	if index(event.TopicAudioDuckingStop) < index(event.TopicSpeechCachePlaybackCompleted) {
		t.Error("unduck must follow playback completion")
	}
	if index(event.TopicMusicCrossfade) < index(event.TopicAudioDuckingStop) {
		t.Error("crossfade must come after the speech finished")
	}

	req := rec.of(event.TopicSpeechCachePlaybackStarted)[0]
	done := rec.of(event.TopicSpeechCachePlaybackCompleted)[0]
	if req.String("playback_id") != done.String("playback_id") {
		t.Errorf("playback_id mismatch: %q vs %q", req.String("playback_id"), done.String("playback_id"))
	}
	if e.Ducked() {
		t.Error("duck still held after plan completed")
	}
}

func TestOverridePreemptsAmbient(t *testing.T) {
	b := bus.New()
	rec := captureTopics(t, b, event.TopicPlanStarted, event.TopicPlanEnded, event.TopicStepExecuted)
	e := startExecutor(t, b)

	e.Submit(context.Background(), Plan{
		ID:    "ambient-A",
		Layer: LayerAmbient,
		Steps: []Step{{Kind: StepDelay, Duration: 10 * time.Second}},
	})
	rec.wait(t, event.TopicPlanStarted, 1)

	e.Submit(context.Background(), Plan{
		ID:    "override-O",
		Layer: LayerOverride,
		Steps: []Step{
			{Kind: StepEyePattern, Pattern: "error"},
			{Kind: StepDelay, Duration: 10 * time.Millisecond},
		},
	})

	ended := rec.wait(t, event.TopicPlanEnded, 2)
	if ended[0].String("plan_id") != "ambient-A" || ended[0].String("status") != "cancelled" {
		t.Fatalf("first plan/ended = %v, want cancelled ambient-A", ended[0])
	}
	if ended[1].String("plan_id") != "override-O" || ended[1].String("status") != "completed" {
		t.Fatalf("second plan/ended = %v", ended[1])
	}

	// The cancelled ambient plan is not resumed.
	for _, step := range rec.of(event.TopicStepExecuted) {
		if step.String("plan_id") == "ambient-A" && step.String("status") == "completed" {
			t.Errorf("cancelled ambient plan completed a step: %v", step)
		}
	}
	if e.ActivePlan(LayerAmbient) != "" {
		t.Error("ambient layer still occupied")
	}
}

func TestForegroundPausesAmbientThenResumes(t *testing.T) {
	b := bus.New()
	rec := captureTopics(t, b, event.TopicStepExecuted, event.TopicPlanEnded)
	e := startExecutor(t, b)

	e.Submit(context.Background(), Plan{
		ID:    "ambient-A",
		Layer: LayerAmbient,
		Steps: []Step{
			{ID: "a1", Kind: StepDelay, Duration: 30 * time.Millisecond},
			{ID: "a2", Kind: StepDelay, Duration: 30 * time.Millisecond},
			{ID: "a3", Kind: StepDelay, Duration: 30 * time.Millisecond},
		},
	})
	// Let the first ambient step finish before the foreground plan lands.
	rec.wait(t, event.TopicStepExecuted, 1)

	e.Submit(context.Background(), Plan{
		ID:    "fg-F",
		Layer: LayerForeground,
		Steps: []Step{{ID: "f1", Kind: StepDelay, Duration: 120 * time.Millisecond}},
	})

	ended := rec.wait(t, event.TopicPlanEnded, 2)
	byID := map[string]string{}
	for _, p := range ended {
		byID[p.String("plan_id")] = p.String("status")
	}
	if byID["fg-F"] != "completed" {
		t.Errorf("foreground status = %q", byID["fg-F"])
	}
	if byID["ambient-A"] != "completed" {
		t.Errorf("ambient status = %q, should resume and complete", byID["ambient-A"])
	}

	// The paused ambient steps must not run while the foreground plan is
	// active: every ambient step after the pause point finishes after f1.
	var f1At, a3At int
	for i, entry := range rec.of(event.TopicStepExecuted) {
		switch entry.String("step_id") {
		case "f1":
			f1At = i
		case "a3":
			a3At = i
		}
	}
	if a3At < f1At {
		t.Errorf("ambient step a3 (%d) ran before foreground f1 (%d) completed", a3At, f1At)
	}
}

func TestSameLayerReplacesPlan(t *testing.T) {
	b := bus.New()
	rec := captureTopics(t, b, event.TopicPlanEnded)
	e := startExecutor(t, b)

	e.Submit(context.Background(), Plan{
		ID:    "fg-1",
		Layer: LayerForeground,
		Steps: []Step{{Kind: StepDelay, Duration: 10 * time.Second}},
	})
	e.Submit(context.Background(), Plan{
		ID:    "fg-2",
		Layer: LayerForeground,
		Steps: []Step{{Kind: StepDelay, Duration: 10 * time.Millisecond}},
	})

	ended := rec.wait(t, event.TopicPlanEnded, 2)
	if ended[0].String("plan_id") != "fg-1" || ended[0].String("status") != "cancelled" {
		t.Errorf("replaced plan = %v", ended[0])
	}
	if ended[1].String("plan_id") != "fg-2" || ended[1].String("status") != "completed" {
		t.Errorf("replacement plan = %v", ended[1])
	}
}

func TestPlaybackTimeoutFailsPlan(t *testing.T) {
	b := bus.New()
	// No cache service; the playback request goes unanswered.
	rec := captureTopics(t, b, event.TopicStepExecuted, event.TopicPlanEnded)
	e := New(b, config.TimelineConfig{SpeechWaitTimeoutMS: 50, DuckLevel: 0.5, DuckFadeMS: 500})
	e.SettleDuck = time.Millisecond
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	e.Submit(context.Background(), Plan{
		ID:    "p-timeout",
		Layer: LayerForeground,
		Steps: []Step{
			{Kind: StepPlayCachedSpeech, CacheKey: "missing"},
			{Kind: StepDelay, Duration: time.Millisecond},
		},
	})

	step := rec.wait(t, event.TopicStepExecuted, 1)[0]
	if step.String("status") != "failed" || step.String("reason") != "timeout" {
		t.Errorf("step = %v", step)
	}
	if step.String("error_kind") != string(event.KindPlanStepTimeout) {
		t.Errorf("error_kind = %q, want %s", step.String("error_kind"), event.KindPlanStepTimeout)
	}
	ended := rec.wait(t, event.TopicPlanEnded, 1)[0]
	if ended.String("status") != "failed" {
		t.Errorf("plan/ended = %v", ended)
	}
	// The plan stopped at the failing step.
	if got := rec.of(event.TopicStepExecuted); len(got) != 1 {
		t.Errorf("steps executed = %d, want 1", len(got))
	}
}

func TestSpeakFailureDoesNotStopPlan(t *testing.T) {
	b := bus.New()
	rec := captureTopics(t, b, event.TopicStepExecuted, event.TopicPlanEnded)
	e := New(b, config.TimelineConfig{SpeechWaitTimeoutMS: 30, DuckLevel: 0.5, DuckFadeMS: 500})
	e.SettleDuck = time.Millisecond
	e.SettleSpeak = time.Millisecond
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer e.Stop(context.Background())

	e.Submit(context.Background(), Plan{
		ID:    "p-speak",
		Layer: LayerForeground,
		Steps: []Step{
			{ID: "s1", Kind: StepSpeak, Text: "no synth is listening"},
			{ID: "s2", Kind: StepDelay, Duration: time.Millisecond},
		},
	})

	ended := rec.wait(t, event.TopicPlanEnded, 1)[0]
	if ended.String("status") != "completed" {
		t.Fatalf("plan/ended = %v, speak failures should not terminate the plan", ended)
	}
	steps := rec.of(event.TopicStepExecuted)
	if len(steps) != 2 {
		t.Fatalf("steps executed = %d, want 2", len(steps))
	}
	if steps[0].String("status") != "failed" || steps[0].String("reason") != "timeout" {
		t.Errorf("speak step = %v", steps[0])
	}
	if steps[1].String("status") != "completed" {
		t.Errorf("follow-up step = %v", steps[1])
	}
}

func TestListeningDuckAndRelease(t *testing.T) {
	b := bus.New()
	rec := captureTopics(t, b, event.TopicAudioDuckingStart, event.TopicAudioDuckingStop)
	e := startExecutor(t, b)
	musicPlaying(t, b)

	b.Emit(context.Background(), event.TopicVoiceListeningStart, event.Payload{})
	rec.wait(t, event.TopicAudioDuckingStart, 1)
	if !e.Ducked() {
		t.Fatal("not ducked after listening started")
	}

	b.Emit(context.Background(), event.TopicVoiceListeningStop, event.Payload{})
	rec.wait(t, event.TopicAudioDuckingStop, 1)
	if e.Ducked() {
		t.Fatal("still ducked after listening stopped with no speech active")
	}
}

func TestNoDuckWithoutMusic(t *testing.T) {
	b := bus.New()
	fakeCache(b, 10*time.Millisecond)
	rec := captureTopics(t, b, event.TopicAudioDuckingStart, event.TopicPlanEnded)
	e := startExecutor(t, b)

	e.Submit(context.Background(), Plan{
		ID:    "quiet",
		Layer: LayerForeground,
		Steps: []Step{{Kind: StepPlayCachedSpeech, CacheKey: "K1"}},
	})
	rec.wait(t, event.TopicPlanEnded, 1)
	if got := rec.of(event.TopicAudioDuckingStart); len(got) != 0 {
		t.Errorf("ducked with no music playing: %v", got)
	}
}

func TestStopReportsCancelledPlanBeforeStopped(t *testing.T) {
	b := bus.New()
	rec := captureTopics(t, b, event.TopicPlanStarted, event.TopicPlanEnded, event.TopicServiceStatus)
	e := New(b, testTimelineConfig())
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	e.Submit(context.Background(), Plan{
		ID:    "cut-short",
		Layer: LayerForeground,
		Steps: []Step{{Kind: StepDelay, Duration: 10 * time.Second}},
	})
	rec.wait(t, event.TopicPlanStarted, 1)

	if err := e.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	ended := rec.wait(t, event.TopicPlanEnded, 1)[0]
	if ended.String("plan_id") != "cut-short" || ended.String("status") != "cancelled" {
		t.Fatalf("plan/ended = %v, want cancelled cut-short", ended)
	}

	// The cancelled plan reports its ending before the service goes STOPPED.
	stoppedAt := -1
	endedAt := -1
	rec.mu.Lock()
	for i, entry := range rec.seq {
		switch {
		case entry.topic == event.TopicPlanEnded && endedAt == -1:
			endedAt = i
		case entry.topic == event.TopicServiceStatus && entry.payload.String("status") == "STOPPED":
			stoppedAt = i
		}
	}
	rec.mu.Unlock()
	if stoppedAt == -1 {
		t.Fatal("no STOPPED status observed")
	}
	if endedAt == -1 || endedAt > stoppedAt {
		t.Errorf("plan/ended at %d, STOPPED at %d; ending must be reported first", endedAt, stoppedAt)
	}
}

func TestPlanReadyEventIntake(t *testing.T) {
	b := bus.New()
	rec := captureTopics(t, b, event.TopicPlanEnded)
	startExecutor(t, b)

	err := b.Emit(context.Background(), event.TopicPlanReady, event.Payload{
		"plan": Plan{
			ID:    "via-bus",
			Layer: LayerAmbient,
			Steps: []Step{{Kind: StepDelay, Duration: time.Millisecond}},
		},
	})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}
	ended := rec.wait(t, event.TopicPlanEnded, 1)[0]
	if ended.String("plan_id") != "via-bus" {
		t.Errorf("plan/ended = %v", ended)
	}
}

func TestInvalidPlanRejected(t *testing.T) {
	b := bus.New()
	e := startExecutor(t, b)

	bad := []Plan{
		{ID: "", Layer: LayerAmbient, Steps: []Step{{Kind: StepDelay}}},
		{ID: "empty", Layer: LayerAmbient},
		{ID: "badstep", Layer: LayerAmbient, Steps: []Step{{Kind: StepPlayCachedSpeech}}},
		{ID: "badkind", Layer: LayerAmbient, Steps: []Step{{Kind: "warp"}}},
	}
	for _, plan := range bad {
		if err := e.Submit(context.Background(), plan); err == nil {
			t.Errorf("plan %q should have been rejected", plan.ID)
		}
	}
}

func TestParseLayer(t *testing.T) {
	for name, want := range map[string]Layer{
		"ambient": LayerAmbient, "foreground": LayerForeground, "override": LayerOverride,
	} {
		got, err := ParseLayer(name)
		if err != nil || got != want {
			t.Errorf("ParseLayer(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseLayer("sideband"); err == nil {
		t.Error("ParseLayer accepted an unknown layer")
	}
}
