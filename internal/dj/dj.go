// Package dj implements autonomous DJ mode: no-repeat track selection,
// commentary pre-rendering through the speech cache, and timed transition
// plans submitted to the timeline executor when the current track announces
// it is ending soon.
package dj

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"strings"
	"sync"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/memory"
	"github.com/cantinaworks/djrex/internal/service"
	"github.com/cantinaworks/djrex/internal/timeline"
)

// defaultCommentary is used when the config declares no lines.
var defaultCommentary = []string{
	"Coming up next, {track}! Keep those servos moving!",
	"You are locked in with DJ R-3X, and here comes {track}!",
	"Time for a change of pace. This one is called {track}.",
}

// Service is the DJ mode service.
type Service struct {
	*service.Runner

	cfg   config.DJConfig
	music config.MusicConfig
	mem   *memory.Service // nilable

	// randFn picks an index in [0, n). Tests swap it for determinism.
	randFn func(n int) int

	mu           sync.Mutex
	active       bool
	currentTrack string
	history      []string
	next         string // chosen upcoming track
	queued       string // explicit "dj queue" override
	pendingKey   string // commentary cache key awaiting speech_cache/ready
	readyKey     string // commentary cache key confirmed rendered
}

var _ service.Service = (*Service)(nil)

// New creates the DJ service. mem may be nil.
func New(b *bus.Bus, cfg config.DJConfig, music config.MusicConfig, mem *memory.Service) *Service {
	return &Service{
		Runner: service.NewRunner("dj_mode", b),
		cfg:    cfg,
		music:  music,
		mem:    mem,
		randFn: rand.Intn,
	}
}

// Start subscribes the DJ handlers and registers the CLI commands.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(ctx context.Context) error {
		subs := []struct {
			topic   string
			handler bus.Handler
		}{
			{event.TopicDJCommand, s.handleCommand},
			{event.TopicTrackEndingSoon, s.handleEndingSoon},
			{event.TopicTrackPlaying, s.handleTrackPlaying},
			{event.TopicSpeechCacheReady, s.handleCacheReady},
			{event.TopicSpeechCacheError, s.handleCacheError},
		}
		for _, sub := range subs {
			if err := s.Subscribe(sub.topic, sub.handler); err != nil {
				return err
			}
		}
		for _, pattern := range []string{"dj start", "dj stop", "dj next", "dj queue"} {
			if err := s.Bus().Emit(ctx, event.TopicRegisterCommand, event.Payload{
				"pattern": pattern,
				"service": s.Name(),
				"topic":   event.TopicDJCommand,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stop deactivates DJ mode and tears the service down.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, func(ctx context.Context) error {
		s.deactivate(ctx)
		return nil
	})
}

// Active reports whether DJ mode is running.
func (s *Service) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// NextTrack returns the selected upcoming track, or "".
func (s *Service) NextTrack() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// handleCommand serves dj/command {subcommand, args} routed by the
// dispatcher from "dj start|stop|next|queue <track>".
func (s *Service) handleCommand(ctx context.Context, p event.Payload) error {
	switch p.String("subcommand") {
	case "start":
		return s.startDJ(ctx)
	case "stop":
		s.deactivate(ctx)
		return s.respond(ctx, "DJ mode stopped.", false)
	case "next":
		if !s.Active() {
			return s.respond(ctx, "DJ mode is not running.", true)
		}
		s.transition(ctx)
		return s.respond(ctx, "Skipping to the next track.", false)
	case "queue":
		args := p.Strings("args")
		if len(args) == 0 {
			return s.respond(ctx, "Usage: dj queue <number|name>", true)
		}
		return s.queueTrack(ctx, strings.Join(args, " "))
	default:
		return s.respond(ctx, fmt.Sprintf("Unknown dj command %q", p.String("subcommand")), true)
	}
}

// startDJ activates DJ mode, starts music when the deck is idle, and begins
// the lookahead pipeline.
func (s *Service) startDJ(ctx context.Context) error {
	if len(s.music.Tracks) == 0 {
		return s.respond(ctx, "Cannot start DJ mode: the music library is empty.", true)
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return s.respond(ctx, "DJ mode is already running.", false)
	}
	s.active = true
	playing := s.currentTrack
	s.mu.Unlock()

	s.setMemory(ctx, memory.KeyDJModeActive, true)
	_ = s.Bus().Emit(ctx, event.TopicDJModeStart, event.Payload{})

	if playing == "" {
		first := s.selectTrack("")
		s.recordSelection(ctx, first)
		_ = s.Bus().Emit(ctx, event.TopicMusicCommand, event.Payload{
			"action": "play",
			"track":  first,
		})
	}
	// Lookahead for the following track starts on track/playing.
	return s.respond(ctx, "DJ mode engaged. Let's get this party started!", false)
}

// deactivate turns DJ mode off and clears the lookahead state.
func (s *Service) deactivate(ctx context.Context) {
	s.mu.Lock()
	wasActive := s.active
	s.active = false
	s.next = ""
	s.queued = ""
	s.pendingKey = ""
	s.readyKey = ""
	s.mu.Unlock()
	if !wasActive {
		return
	}

	s.setMemory(ctx, memory.KeyDJModeActive, false)
	if s.mem != nil {
		_ = s.mem.ClearLookaheadState(ctx)
	}
	_ = s.Bus().Emit(ctx, event.TopicDJModeStop, event.Payload{})
}

// queueTrack pins the next selection to an explicit track, referenced by
// 1-based library number or by name.
func (s *Service) queueTrack(ctx context.Context, ref string) error {
	name, ok := s.resolveTrack(ref)
	if !ok {
		return s.respond(ctx, fmt.Sprintf("Unknown track %q", ref), true)
	}

	s.mu.Lock()
	s.queued = name
	active := s.active
	s.mu.Unlock()

	_ = s.Bus().Emit(ctx, event.TopicDJTrackQueued, event.Payload{"track": name})
	if active {
		// Re-run lookahead against the queued track.
		s.prepareNext(ctx)
	}
	return s.respond(ctx, fmt.Sprintf("Queued %s as the next track.", name), false)
}

// handleTrackPlaying follows the deck and kicks off lookahead for the track
// after the one that just started.
func (s *Service) handleTrackPlaying(ctx context.Context, p event.Payload) error {
	s.mu.Lock()
	s.currentTrack = p.String("name")
	active := s.active
	s.mu.Unlock()

	if active {
		s.prepareNext(ctx)
	}
	return nil
}

// handleEndingSoon runs the transition when the current track nears its end.
func (s *Service) handleEndingSoon(ctx context.Context, p event.Payload) error {
	if !s.Active() {
		return nil
	}
	s.transition(ctx)
	return nil
}

// prepareNext selects the upcoming track and pre-renders its commentary.
func (s *Service) prepareNext(ctx context.Context) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	choice := s.queued
	if choice == "" {
		choice = s.selectTrackLocked(s.currentTrack)
	}
	s.next = choice
	line := s.commentaryFor(choice)
	key := cacheKeyFor(line)
	s.pendingKey = key
	s.readyKey = ""
	s.mu.Unlock()

	s.setMemory(ctx, memory.KeyDJNextTrack, choice)
	if s.mem != nil {
		_ = s.mem.SetLookaheadState(ctx, choice, memory.LookaheadPending, map[string]any{
			"cache_key": key,
		})
	}
	_ = s.Bus().Emit(ctx, event.TopicDJNextTrackSelected, event.Payload{
		"track":     choice,
		"cache_key": key,
	})
	_ = s.Bus().Emit(ctx, event.TopicSpeechCacheRequest, event.Payload{
		"cache_key": key,
		"text":      line,
		"metadata":  event.Payload{"source": s.Name(), "track": choice},
	})
}

// handleCacheReady marks the lookahead ready when our commentary arrives.
func (s *Service) handleCacheReady(ctx context.Context, p event.Payload) error {
	key := p.String("cache_key")

	s.mu.Lock()
	if key == "" || key != s.pendingKey {
		s.mu.Unlock()
		return nil
	}
	s.pendingKey = ""
	s.readyKey = key
	track := s.next
	s.mu.Unlock()

	if s.mem != nil {
		_ = s.mem.SetLookaheadState(ctx, track, memory.LookaheadReady, map[string]any{
			"cache_key": key,
		})
	}
	return nil
}

// handleCacheError marks the lookahead failed; the transition falls back to a
// crossfade without commentary.
func (s *Service) handleCacheError(ctx context.Context, p event.Payload) error {
	key := p.String("cache_key")

	s.mu.Lock()
	if key == "" || key != s.pendingKey {
		s.mu.Unlock()
		return nil
	}
	s.pendingKey = ""
	track := s.next
	s.mu.Unlock()

	slog.Warn("dj commentary pre-render failed", "track", track, "err", p.String("error"))
	if s.mem != nil {
		_ = s.mem.SetLookaheadState(ctx, track, memory.LookaheadFailed, map[string]any{
			"cache_key": key,
			"error":     p.String("error"),
		})
	}
	return nil
}

// transition submits the foreground transition plan: cached commentary over
// the outgoing track, then the crossfade. When the commentary is not ready
// the plan degrades to crossfade only.
func (s *Service) transition(ctx context.Context) {
	s.mu.Lock()
	target := s.next
	if target == "" {
		target = s.selectTrackLocked(s.currentTrack)
	}
	commentaryKey := s.readyKey
	s.queued = ""
	s.next = ""
	s.readyKey = ""
	s.mu.Unlock()

	s.recordSelection(ctx, target)

	var steps []timeline.Step
	if commentaryKey != "" {
		steps = append(steps, timeline.Step{
			ID:       "commentary",
			Kind:     timeline.StepPlayCachedSpeech,
			CacheKey: commentaryKey,
		})
	}
	steps = append(steps, timeline.Step{
		ID:                "crossfade",
		Kind:              timeline.StepMusicCrossfade,
		Track:             target,
		CrossfadeDuration: s.music.DefaultCrossfade(),
	})

	_ = s.Bus().Emit(ctx, event.TopicPlanReady, event.Payload{
		"plan": timeline.Plan{
			ID:    "dj-transition-" + cacheKeyFor(target)[:8],
			Layer: timeline.LayerForeground,
			Steps: steps,
		},
	})
}

// selectTrack picks a track excluding the exclude name and the recent
// history. When every track is excluded, the history resets and selection
// runs once more.
func (s *Service) selectTrack(exclude string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectTrackLocked(exclude)
}

func (s *Service) selectTrackLocked(exclude string) string {
	eligible := s.eligibleLocked(exclude)
	if len(eligible) == 0 {
		s.history = nil
		eligible = s.eligibleLocked(exclude)
	}
	if len(eligible) == 0 {
		// Single-track library playing that track.
		return s.music.Tracks[0].Name
	}
	return eligible[s.randFn(len(eligible))]
}

func (s *Service) eligibleLocked(exclude string) []string {
	blocked := make(map[string]bool, len(s.history)+1)
	for _, name := range s.history {
		blocked[name] = true
	}
	if exclude != "" {
		blocked[exclude] = true
	}
	var out []string
	for _, track := range s.music.Tracks {
		if !blocked[track.Name] {
			out = append(out, track.Name)
		}
	}
	return out
}

// recordSelection appends to the bounded selection history and mirrors it to
// memory.
func (s *Service) recordSelection(ctx context.Context, name string) {
	s.mu.Lock()
	s.history = append(s.history, name)
	if max := s.cfg.MaxRecentTracks; max > 0 && len(s.history) > max {
		s.history = s.history[len(s.history)-max:]
	}
	snapshot := append([]string(nil), s.history...)
	s.mu.Unlock()

	s.setMemory(ctx, memory.KeyDJTrackHistory, snapshot)
}

// commentaryFor renders a commentary line for the upcoming track.
func (s *Service) commentaryFor(track string) string {
	lines := s.cfg.CommentaryLines
	if len(lines) == 0 {
		lines = defaultCommentary
	}
	line := lines[s.randFn(len(lines))]
	return strings.ReplaceAll(line, "{track}", track)
}

// resolveTrack maps a 1-based library number or a case-insensitive name to
// the canonical track name.
func (s *Service) resolveTrack(ref string) (string, bool) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(s.music.Tracks) {
			return "", false
		}
		return s.music.Tracks[n-1].Name, true
	}
	for _, track := range s.music.Tracks {
		if strings.EqualFold(track.Name, ref) {
			return track.Name, true
		}
	}
	return "", false
}

func (s *Service) setMemory(ctx context.Context, key string, value any) {
	if s.mem == nil {
		return
	}
	if err := s.mem.Set(ctx, key, value); err != nil {
		slog.Warn("dj memory update failed", "key", key, "err", err)
	}
}

func (s *Service) respond(ctx context.Context, text string, isErr bool) error {
	return s.Bus().Emit(ctx, event.TopicCLIResponse, event.Payload{
		"message":  text,
		"is_error": isErr,
	})
}

// cacheKeyFor derives a stable content key for a commentary line.
func cacheKeyFor(text string) string {
	sum := sha256.Sum256([]byte(text))
	return "dj-" + hex.EncodeToString(sum[:8])
}
