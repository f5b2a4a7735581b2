// Package music implements the music controller. The deck is driven by a
// wall-clock model of the configured track library: playing a track arms
// timers for the ending-soon notice and the natural end of the track, and
// crossfades swap the deck after the fade duration. Volume ducking is tracked
// as controller state and reported on the bus.
package music

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/memory"
	"github.com/cantinaworks/djrex/internal/service"
)

// deck is the currently playing track and its clock.
type deck struct {
	track     config.MusicTrack
	startedAt time.Time
	cancel    context.CancelFunc
}

// Controller is the music service.
type Controller struct {
	*service.Runner

	cfg config.MusicConfig
	mem *memory.Service // nilable; state mirroring is best effort

	mu      sync.Mutex
	current *deck
	volume  float64
	ducked  bool

	// TimeScale divides every deck delay. Tests set this high so that full
	// length tracks and crossfades elapse in milliseconds.
	TimeScale int
}

var _ service.Service = (*Controller)(nil)

// New creates the controller. mem may be nil.
func New(b *bus.Bus, cfg config.MusicConfig, mem *memory.Service) *Controller {
	return &Controller{
		Runner:    service.NewRunner("music_controller", b),
		cfg:       cfg,
		mem:       mem,
		volume:    1.0,
		TimeScale: 1,
	}
}

// Start subscribes command and ducking handlers and registers the CLI
// patterns.
func (c *Controller) Start(ctx context.Context) error {
	return c.StartWith(ctx, func(ctx context.Context) error {
		subs := []struct {
			topic   string
			handler bus.Handler
		}{
			{event.TopicMusicCommand, c.handleCommand},
			{event.TopicMusicCrossfade, c.handleCrossfade},
			{event.TopicAudioDuckingStart, c.handleDuckStart},
			{event.TopicAudioDuckingStop, c.handleDuckStop},
		}
		for _, sub := range subs {
			if err := c.Subscribe(sub.topic, sub.handler); err != nil {
				return err
			}
		}
		for _, pattern := range []string{"play music", "stop music", "list music", "crossfade music"} {
			if err := c.Bus().Emit(ctx, event.TopicRegisterCommand, event.Payload{
				"pattern": pattern,
				"service": c.Name(),
				"topic":   event.TopicMusicCommand,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stop halts playback and tears the service down.
func (c *Controller) Stop(ctx context.Context) error {
	return c.StopWith(ctx, func(ctx context.Context) error {
		c.stopPlayback(ctx)
		return nil
	})
}

// CurrentTrack returns the playing track name, or "" when the deck is idle.
func (c *Controller) CurrentTrack() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.track.Name
}

// Volume returns the current output volume.
func (c *Controller) Volume() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.volume
}

// handleCommand serves music/command events, both the CLI form routed by the
// dispatcher ({command, args}) and the direct form ({action, track}).
func (c *Controller) handleCommand(ctx context.Context, p event.Payload) error {
	action := p.String("action")
	args := p.Strings("args")
	if action == "" {
		action = p.String("command")
	}

	switch action {
	case "play":
		name := p.String("track")
		if name == "" && len(args) > 0 {
			name = strings.Join(args, " ")
		}
		if name == "" {
			return c.respond(ctx, "Usage: play music <number|name>", true)
		}
		track, err := c.lookup(name)
		if err != nil {
			return c.respond(ctx, err.Error(), true)
		}
		c.playTrack(ctx, track)
		return c.respond(ctx, fmt.Sprintf("Now playing: %s", track.Name), false)

	case "stop":
		c.stopPlayback(ctx)
		return c.respond(ctx, "Music stopped.", false)

	case "list":
		return c.respond(ctx, c.listTracks(), false)

	case "crossfade":
		if len(args) == 0 {
			return c.respond(ctx, "Usage: crossfade music <track> [duration_ms]", true)
		}
		duration := c.cfg.DefaultCrossfade()
		trackArg := strings.Join(args, " ")
		if len(args) > 1 {
			if ms, err := strconv.Atoi(args[len(args)-1]); err == nil {
				duration = time.Duration(ms) * time.Millisecond
				trackArg = strings.Join(args[:len(args)-1], " ")
			}
		}
		track, err := c.lookup(trackArg)
		if err != nil {
			return c.respond(ctx, err.Error(), true)
		}
		c.crossfadeTo(ctx, track, duration, "")
		return c.respond(ctx, fmt.Sprintf("Crossfading to %s over %s", track.Name, duration), false)

	default:
		return c.respond(ctx, fmt.Sprintf("Unknown music command %q", action), true)
	}
}

// handleCrossfade serves the programmatic music/crossfade {track, duration_ms,
// crossfade_id} request used by timeline plans. crossfade_complete carries the
// caller's crossfade_id.
func (c *Controller) handleCrossfade(ctx context.Context, p event.Payload) error {
	if err := event.Require(p, "track", "crossfade_id"); err != nil {
		return err
	}
	track, err := c.lookup(p.String("track"))
	if err != nil {
		return c.Bus().Emit(ctx, event.TopicMusicCrossfadeDone, event.Payload{
			"crossfade_id": p.String("crossfade_id"),
			"success":      false,
			"error":        err.Error(),
		})
	}
	duration := c.cfg.DefaultCrossfade()
	if p.Has("duration_ms") {
		duration = time.Duration(p.Int("duration_ms")) * time.Millisecond
	}
	c.crossfadeTo(ctx, track, duration, p.String("crossfade_id"))
	return nil
}

// handleDuckStart lowers the music volume under speech.
func (c *Controller) handleDuckStart(ctx context.Context, p event.Payload) error {
	level := 0.5
	if p.Has("level") {
		level = p.Float64("level")
	}

	c.mu.Lock()
	c.ducked = true
	c.volume = level
	c.mu.Unlock()

	return c.Bus().Emit(ctx, event.TopicMusicVolumeDucked, event.Payload{
		"level":   level,
		"fade_ms": p.Int("fade_ms"),
	})
}

// handleDuckStop restores full volume.
func (c *Controller) handleDuckStop(ctx context.Context, p event.Payload) error {
	c.mu.Lock()
	if !c.ducked {
		c.mu.Unlock()
		return nil
	}
	c.ducked = false
	c.volume = 1.0
	c.mu.Unlock()

	return c.Bus().Emit(ctx, event.TopicMusicVolumeRestored, event.Payload{
		"fade_ms": p.Int("fade_ms"),
	})
}

// playTrack starts the deck on track, replacing any current playback.
func (c *Controller) playTrack(ctx context.Context, track config.MusicTrack) {
	deckCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.current != nil {
		c.current.cancel()
	}
	c.current = &deck{track: track, startedAt: time.Now(), cancel: cancel}
	c.mu.Unlock()

	_ = c.Bus().Emit(ctx, event.TopicTrackPlaying, event.Payload{
		"name":        track.Name,
		"duration_ms": int(track.DurationSeconds * 1000),
	})
	c.mirror(ctx, true, track.Name)

	c.Go(func(taskCtx context.Context) {
		c.runDeck(taskCtx, deckCtx, track)
	})
}

// runDeck waits out the track, emitting ending_soon before the end. deckCtx is
// cancelled when another track replaces this one; taskCtx when the service
// stops.
func (c *Controller) runDeck(taskCtx, deckCtx context.Context, track config.MusicTrack) {
	total := time.Duration(track.DurationSeconds * float64(time.Second))
	notice := c.cfg.EndingSoon()

	if notice > 0 && notice < total {
		if !c.deckSleep(taskCtx, deckCtx, total-notice) {
			return
		}
		_ = c.Bus().Emit(taskCtx, event.TopicTrackEndingSoon, event.Payload{
			"name":         track.Name,
			"remaining_ms": int(notice / time.Millisecond),
		})
		total = notice
	}
	if !c.deckSleep(taskCtx, deckCtx, total) {
		return
	}

	c.mu.Lock()
	if c.current == nil || c.current.track.Name != track.Name {
		c.mu.Unlock()
		return
	}
	c.current = nil
	c.mu.Unlock()

	_ = c.Bus().Emit(taskCtx, event.TopicTrackStopped, event.Payload{"name": track.Name})
	c.mirror(taskCtx, false, "")
}

// deckSleep waits for d (divided by TimeScale) unless either context ends.
func (c *Controller) deckSleep(taskCtx, deckCtx context.Context, d time.Duration) bool {
	if c.TimeScale > 1 {
		d /= time.Duration(c.TimeScale)
	}
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-taskCtx.Done():
		return false
	case <-deckCtx.Done():
		return false
	case <-t.C:
		return true
	}
}

// crossfadeTo starts the new track immediately and reports completion after
// the fade duration. An empty crossfadeID suppresses the completion event
// (CLI-initiated fades have no barrier waiting).
func (c *Controller) crossfadeTo(ctx context.Context, track config.MusicTrack, duration time.Duration, crossfadeID string) {
	c.playTrack(ctx, track)

	c.Go(func(taskCtx context.Context) {
		d := duration
		if c.TimeScale > 1 {
			d /= time.Duration(c.TimeScale)
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-taskCtx.Done():
			return
		case <-t.C:
		}
		if crossfadeID == "" {
			return
		}
		_ = c.Bus().Emit(taskCtx, event.TopicMusicCrossfadeDone, event.Payload{
			"crossfade_id": crossfadeID,
			"track":        track.Name,
			"success":      true,
		})
	})
}

// stopPlayback halts the deck if one is running.
func (c *Controller) stopPlayback(ctx context.Context) {
	c.mu.Lock()
	current := c.current
	c.current = nil
	c.mu.Unlock()
	if current == nil {
		return
	}
	current.cancel()

	_ = c.Bus().Emit(ctx, event.TopicTrackStopped, event.Payload{"name": current.track.Name})
	c.mirror(ctx, false, "")
}

// lookup resolves a track by 1-based index or by name.
func (c *Controller) lookup(ref string) (config.MusicTrack, error) {
	if n, err := strconv.Atoi(ref); err == nil {
		if n < 1 || n > len(c.cfg.Tracks) {
			return config.MusicTrack{}, fmt.Errorf("music: track number %d out of range 1..%d", n, len(c.cfg.Tracks))
		}
		return c.cfg.Tracks[n-1], nil
	}
	for _, track := range c.cfg.Tracks {
		if strings.EqualFold(track.Name, ref) {
			return track, nil
		}
	}
	return config.MusicTrack{}, fmt.Errorf("music: unknown track %q", ref)
}

// listTracks renders the library for the CLI.
func (c *Controller) listTracks() string {
	if len(c.cfg.Tracks) == 0 {
		return "The music library is empty."
	}
	var b strings.Builder
	b.WriteString("Music library:\n")
	for i, track := range c.cfg.Tracks {
		fmt.Fprintf(&b, "  %d. %s (%.0fs)\n", i+1, track.Name, track.DurationSeconds)
	}
	return strings.TrimRight(b.String(), "\n")
}

// mirror records playback state in working memory when a memory service is
// attached.
func (c *Controller) mirror(ctx context.Context, playing bool, track string) {
	if c.mem == nil {
		return
	}
	_ = c.mem.Set(ctx, memory.KeyMusicPlaying, playing)
	_ = c.mem.Set(ctx, memory.KeyCurrentTrack, track)
}

// respond prints to the operator console.
func (c *Controller) respond(ctx context.Context, text string, isErr bool) error {
	return c.Bus().Emit(ctx, event.TopicCLIResponse, event.Payload{
		"message":  text,
		"is_error": isErr,
	})
}
