// Package timeline executes multi-step plans across three priority layers.
// Each layer runs at most one plan; an override cancels everything below it,
// a foreground plan pauses the ambient layer through a gate, and ambient
// plans run only when nothing above them is active. Steps that hand work to
// other services (cached speech playback, music crossfades, legacy speech)
// block on completion barriers keyed by the id the executor generated, so a
// late or foreign completion can never release the wrong step.
package timeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/service"
)

// crossfadeGrace extends a crossfade barrier past the fade itself.
const crossfadeGrace = 5 * time.Second

// running tracks one in-flight plan.
type running struct {
	plan   Plan
	cancel context.CancelFunc
	done   chan struct{}
}

// Executor is the timeline service.
type Executor struct {
	*service.Runner

	cfg config.TimelineConfig

	// SettleDuck and SettleSpeak are the pauses after requesting a duck and
	// after a legacy utterance. Tests shrink them.
	SettleDuck  time.Duration
	SettleSpeak time.Duration

	mu           sync.Mutex
	layers       [layerCount]*running
	gates        [layerCount]*gate
	barriers     map[string]chan event.Payload
	activeSpeech map[string]bool
	speaking     int
	ducked       bool
	musicPlaying bool
}

var _ service.Service = (*Executor)(nil)

// New creates the executor.
func New(b *bus.Bus, cfg config.TimelineConfig) *Executor {
	e := &Executor{
		Runner:       service.NewRunner("timeline_executor", b),
		cfg:          cfg,
		SettleDuck:   150 * time.Millisecond,
		SettleSpeak:  250 * time.Millisecond,
		barriers:     make(map[string]chan event.Payload),
		activeSpeech: make(map[string]bool),
	}
	for i := range e.gates {
		e.gates[i] = newGate()
	}
	return e
}

// Start subscribes the plan intake and the barrier completion handlers.
func (e *Executor) Start(ctx context.Context) error {
	return e.StartWith(ctx, func(ctx context.Context) error {
		subs := []struct {
			topic   string
			handler bus.Handler
		}{
			{event.TopicPlanReady, e.handlePlanReady},
			{event.TopicSpeechCachePlaybackCompleted, e.handlePlaybackCompleted},
			{event.TopicMusicCrossfadeDone, e.handleCrossfadeDone},
			{event.TopicSpeechSynthesisEnded, e.handleSynthesisEnded},
			{event.TopicTrackPlaying, e.handleTrackPlaying},
			{event.TopicTrackStopped, e.handleTrackStopped},
			{event.TopicVoiceListeningStart, e.handleListeningStart},
			{event.TopicVoiceListeningStop, e.handleListeningStop},
		}
		for _, sub := range subs {
			if err := e.Subscribe(sub.topic, sub.handler); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stop cancels running plans and tears the service down. Each cancelled plan
// emits plan/ended status=cancelled before the STOPPED status goes out.
func (e *Executor) Stop(ctx context.Context) error {
	return e.StopWith(ctx, nil)
}

// ActivePlan returns the id of the plan running on layer, or "".
func (e *Executor) ActivePlan(layer Layer) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r := e.layers[layer]; r != nil {
		return r.plan.ID
	}
	return ""
}

// Ducked reports whether the executor currently holds a duck on the music.
func (e *Executor) Ducked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ducked
}

// Submit runs a plan as if it had arrived on plan/ready.
func (e *Executor) Submit(ctx context.Context, plan Plan) error {
	if err := plan.Validate(); err != nil {
		return err
	}
	e.admit(ctx, plan)
	return nil
}

// handlePlanReady accepts plan/ready {plan} where the payload carries a
// [Plan] value.
func (e *Executor) handlePlanReady(ctx context.Context, p event.Payload) error {
	plan, ok := p["plan"].(Plan)
	if !ok {
		return event.Errf(event.KindDispatchInvalidPayload, e.Name(), "plan/ready payload carries no plan")
	}
	return e.Submit(ctx, plan)
}

// admit applies layer arbitration and launches the plan task.
func (e *Executor) admit(ctx context.Context, plan Plan) {
	planCtx, cancel := context.WithCancel(context.Background())
	run := &running{plan: plan, cancel: cancel, done: make(chan struct{})}

	var preempted []*running
	e.mu.Lock()
	if prev := e.layers[plan.Layer]; prev != nil {
		preempted = append(preempted, prev)
	}
	switch plan.Layer {
	case LayerOverride:
		// Everything below is cancelled outright, not paused.
		for l := LayerAmbient; l < LayerOverride; l++ {
			if r := e.layers[l]; r != nil {
				preempted = append(preempted, r)
			}
			e.gates[l].clear()
		}
	case LayerForeground:
		e.gates[LayerAmbient].clear()
	}
	e.layers[plan.Layer] = run
	e.mu.Unlock()

	for _, r := range preempted {
		r.cancel()
		<-r.done
	}

	e.Go(func(taskCtx context.Context) {
		defer close(run.done)
		e.runPlan(taskCtx, planCtx, run)
	})
}

// runPlan executes the plan's steps in order, gated by the plan layer's gate.
func (e *Executor) runPlan(taskCtx, planCtx context.Context, run *running) {
	plan := run.plan
	ctx, cancel := mergeCancel(taskCtx, planCtx)
	defer cancel()

	_ = e.Bus().Emit(ctx, event.TopicPlanStarted, event.Payload{
		"plan_id": plan.ID,
		"layer":   plan.Layer.String(),
		"steps":   len(plan.Steps),
	})

	status := "completed"
steps:
	for i, step := range plan.Steps {
		if !e.gates[plan.Layer].wait(ctx) {
			status = "cancelled"
			break
		}

		reason, err := e.execStep(ctx, plan, i, step)
		record := event.Payload{
			"plan_id": plan.ID,
			"step_id": step.ID,
			"index":   i,
			"kind":    string(step.Kind),
			"status":  "completed",
			"reason":  reason,
		}
		if reason != "" {
			record["status"] = "failed"
			record["error_kind"] = string(event.KindPlanStepFailure)
			if reason == "timeout" {
				record["error_kind"] = string(event.KindPlanStepTimeout)
			}
		}
		_ = e.Bus().Emit(context.WithoutCancel(taskCtx), event.TopicStepExecuted, record)

		switch {
		case errors.Is(err, context.Canceled):
			status = "cancelled"
			break steps
		case err != nil:
			status = "failed"
			break steps
		}

		if step.DelayAfter > 0 && !sleepCtx(ctx, step.DelayAfter) {
			status = "cancelled"
			break
		}
	}

	e.finish(run)

	// Terminal events survive cancellation: a plan cut down by shutdown still
	// reports its ending before the service goes STOPPED.
	_ = e.Bus().Emit(context.WithoutCancel(taskCtx), event.TopicPlanEnded, event.Payload{
		"plan_id": plan.ID,
		"layer":   plan.Layer.String(),
		"status":  status,
	})
}

// finish clears the layer slot and re-opens gates below layers that no longer
// hold a plan.
func (e *Executor) finish(run *running) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.layers[run.plan.Layer] == run {
		e.layers[run.plan.Layer] = nil
	}
	if e.layers[LayerOverride] == nil {
		if e.layers[LayerForeground] == nil {
			e.gates[LayerAmbient].set()
		}
		e.gates[LayerForeground].set()
	}
}

// execStep runs one step. A non-empty reason marks the step failed; a non-nil
// error additionally terminates the plan.
func (e *Executor) execStep(ctx context.Context, plan Plan, index int, step Step) (reason string, err error) {
	switch step.Kind {
	case StepDelay:
		if !sleepCtx(ctx, step.Duration) {
			return "cancelled", context.Canceled
		}
		return "", nil

	case StepPlayCachedSpeech:
		return e.execCachedSpeech(ctx, plan, step)

	case StepMusicCrossfade:
		return e.execCrossfade(ctx, step)

	case StepSpeak:
		return e.execSpeak(ctx, plan, step)

	case StepEyePattern:
		// Fire and forget through the dispatcher.
		return "", e.dispatch(ctx, "eye", []string{"pattern", step.Pattern})

	case StepPlayMusic:
		args := []string{"music"}
		if step.MusicAction == "play" {
			args = append(args, step.Track)
		}
		return "", e.dispatch(ctx, step.MusicAction, args)
	}
	return fmt.Sprintf("unknown step kind %q", step.Kind), fmt.Errorf("timeline: unknown step kind %q", step.Kind)
}

// execCachedSpeech ducks the music, requests playback, and blocks until the
// completion event for this step's playback_id arrives.
func (e *Executor) execCachedSpeech(ctx context.Context, plan Plan, step Step) (string, error) {
	playbackID := uuid.NewString()

	e.mu.Lock()
	e.activeSpeech[playbackID] = true
	e.mu.Unlock()
	ch := e.armBarrier(playbackID)

	if err := e.duck(ctx); err != nil {
		slog.Warn("duck request failed", "err", err)
	}

	volume := step.Volume
	if volume <= 0 {
		volume = 1.0
	}
	err := e.Bus().Emit(ctx, event.TopicSpeechCachePlaybackRequest, event.Payload{
		"cache_key":   step.CacheKey,
		"playback_id": playbackID,
		"volume":      volume,
		"metadata": event.Payload{
			"plan_id":   plan.ID,
			"step_id":   step.ID,
			"cache_key": step.CacheKey,
		},
	})
	if err != nil {
		e.abandonSpeech(ctx, playbackID)
		return fmt.Sprintf("playback request: %v", err), err
	}

	result, ok, cancelled := e.await(ctx, ch, e.cfg.SpeechWaitTimeout())
	if cancelled {
		// The playback finishes on its own; its completion event will clear
		// the active set and release the duck.
		e.dropBarrier(playbackID)
		return "cancelled", context.Canceled
	}
	if !ok {
		e.abandonSpeech(ctx, playbackID)
		return "timeout", fmt.Errorf("timeline: playback %s timed out", playbackID)
	}
	if s := result.String("completion_status"); s != "completed" {
		return fmt.Sprintf("playback %s: %s", s, result.String("error")), fmt.Errorf("timeline: playback failed")
	}
	return "", nil
}

// execCrossfade requests a crossfade and blocks on its completion.
func (e *Executor) execCrossfade(ctx context.Context, step Step) (string, error) {
	crossfadeID := uuid.NewString()
	ch := e.armBarrier(crossfadeID)

	err := e.Bus().Emit(ctx, event.TopicMusicCrossfade, event.Payload{
		"track":        step.Track,
		"duration_ms":  int(step.CrossfadeDuration / time.Millisecond),
		"crossfade_id": crossfadeID,
	})
	if err != nil {
		e.dropBarrier(crossfadeID)
		return fmt.Sprintf("crossfade request: %v", err), err
	}

	result, ok, cancelled := e.await(ctx, ch, step.CrossfadeDuration+crossfadeGrace)
	if cancelled {
		e.dropBarrier(crossfadeID)
		return "cancelled", context.Canceled
	}
	if !ok {
		e.dropBarrier(crossfadeID)
		return "timeout", fmt.Errorf("timeline: crossfade %s timed out", crossfadeID)
	}
	if !result.Bool("success") {
		return result.String("error"), fmt.Errorf("timeline: crossfade failed")
	}
	return "", nil
}

// execSpeak runs the legacy on-the-fly synthesis path. Barrier failures are
// recorded but do not terminate the plan.
func (e *Executor) execSpeak(ctx context.Context, plan Plan, step Step) (string, error) {
	if err := e.duck(ctx); err != nil {
		slog.Warn("duck request failed", "err", err)
	}

	e.mu.Lock()
	e.speaking++
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.speaking--
		e.mu.Unlock()
		e.maybeUnduck(ctx)
	}()

	clipID := uuid.NewString()
	ch := e.armBarrier(clipID)

	err := e.Bus().Emit(ctx, event.TopicTTSGenerateRequest, event.Payload{
		"text":    step.Text,
		"clip_id": clipID,
		"play":    true,
		"plan_id": plan.ID,
		"step_id": step.ID,
	})
	if err != nil {
		e.dropBarrier(clipID)
		return fmt.Sprintf("speech request: %v", err), nil
	}

	result, ok, cancelled := e.await(ctx, ch, e.cfg.SpeechWaitTimeout())
	if cancelled {
		e.dropBarrier(clipID)
		return "cancelled", context.Canceled
	}

	reason := ""
	switch {
	case !ok:
		e.dropBarrier(clipID)
		reason = "timeout"
	case result.String("status") != "completed":
		reason = "synthesis " + result.String("status")
	}
	sleepCtx(ctx, e.SettleSpeak)
	return reason, nil
}

// Completion handlers.

func (e *Executor) handlePlaybackCompleted(ctx context.Context, p event.Payload) error {
	playbackID := p.String("playback_id")
	e.resolveBarrier(playbackID, p)

	e.mu.Lock()
	delete(e.activeSpeech, playbackID)
	e.mu.Unlock()
	e.maybeUnduck(ctx)
	return nil
}

func (e *Executor) handleCrossfadeDone(ctx context.Context, p event.Payload) error {
	e.resolveBarrier(p.String("crossfade_id"), p)
	return nil
}

func (e *Executor) handleSynthesisEnded(ctx context.Context, p event.Payload) error {
	e.resolveBarrier(p.String("clip_id"), p)
	return nil
}

func (e *Executor) handleTrackPlaying(ctx context.Context, p event.Payload) error {
	e.mu.Lock()
	e.musicPlaying = true
	e.mu.Unlock()
	return nil
}

func (e *Executor) handleTrackStopped(ctx context.Context, p event.Payload) error {
	e.mu.Lock()
	e.musicPlaying = false
	e.mu.Unlock()
	return nil
}

// handleListeningStart ducks the music while the microphone is hot.
func (e *Executor) handleListeningStart(ctx context.Context, p event.Payload) error {
	return e.duck(ctx)
}

// handleListeningStop releases the listening duck unless speech is still
// playing.
func (e *Executor) handleListeningStop(ctx context.Context, p event.Payload) error {
	e.maybeUnduck(ctx)
	return nil
}

// Ducking.

// duck lowers the music ahead of speech, once, and waits a short settle so
// the fade is audible before the utterance starts.
func (e *Executor) duck(ctx context.Context) error {
	e.mu.Lock()
	if e.ducked || !e.musicPlaying {
		e.mu.Unlock()
		return nil
	}
	e.ducked = true
	e.mu.Unlock()

	err := e.Bus().Emit(ctx, event.TopicAudioDuckingStart, event.Payload{
		"level":   e.cfg.DuckLevel,
		"fade_ms": e.cfg.DuckFadeMS,
	})
	sleepCtx(ctx, e.SettleDuck)
	return err
}

// maybeUnduck restores the music when no speech remains.
func (e *Executor) maybeUnduck(ctx context.Context) {
	e.mu.Lock()
	if !e.ducked || len(e.activeSpeech) > 0 || e.speaking > 0 {
		e.mu.Unlock()
		return
	}
	e.ducked = false
	e.mu.Unlock()

	_ = e.Bus().Emit(ctx, event.TopicAudioDuckingStop, event.Payload{
		"fade_ms": e.cfg.DuckFadeMS,
	})
}

// abandonSpeech drops the barrier and active-set entry for a playback that
// will never complete.
func (e *Executor) abandonSpeech(ctx context.Context, playbackID string) {
	e.dropBarrier(playbackID)
	e.mu.Lock()
	delete(e.activeSpeech, playbackID)
	e.mu.Unlock()
	e.maybeUnduck(ctx)
}

// Barriers.

func (e *Executor) armBarrier(id string) chan event.Payload {
	ch := make(chan event.Payload, 1)
	e.mu.Lock()
	e.barriers[id] = ch
	e.mu.Unlock()
	return ch
}

func (e *Executor) resolveBarrier(id string, p event.Payload) {
	if id == "" {
		return
	}
	e.mu.Lock()
	ch, ok := e.barriers[id]
	if ok {
		delete(e.barriers, id)
	}
	e.mu.Unlock()
	if ok {
		ch <- p.Clone()
	}
}

func (e *Executor) dropBarrier(id string) {
	e.mu.Lock()
	delete(e.barriers, id)
	e.mu.Unlock()
}

// await blocks on a barrier channel. ok is false on timeout; cancelled is
// true when ctx ended first.
func (e *Executor) await(ctx context.Context, ch chan event.Payload, timeout time.Duration) (p event.Payload, ok, cancelled bool) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case p = <-ch:
		return p, true, false
	case <-t.C:
		return nil, false, false
	case <-ctx.Done():
		return nil, false, true
	}
}

// dispatch routes a command through the dispatcher as if typed on the CLI.
func (e *Executor) dispatch(ctx context.Context, command string, args []string) error {
	return e.Bus().Emit(ctx, event.TopicCLICommand, event.Payload{
		"command":   command,
		"args":      args,
		"raw_input": strings.TrimSpace(command + " " + strings.Join(args, " ")),
	})
}

//

// sleepCtx sleeps for d, returning false when ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// mergeCancel returns a context cancelled when either parent ends.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
