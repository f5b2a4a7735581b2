// Package memory implements the kernel's working memory: a small keyed state
// map with a bounded chat-history ring, predicate waits, and JSON snapshot
// persistence. State lives for the process lifetime; other services read and
// write it either directly (in-process) or over the bus via memory/get and
// memory/set.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/service"
)

// Recognized state keys. Set rejects anything outside this set.
const (
	KeyMode             = "mode"
	KeyMusicPlaying     = "music_playing"
	KeyCurrentTrack     = "current_track"
	KeyLastIntent       = "last_intent"
	KeyChatHistory      = "chat_history"
	KeyDJModeActive     = "dj_mode_active"
	KeyDJTrackHistory   = "dj_track_history"
	KeyDJNextTrack      = "dj_next_track"
	KeyDJTransition     = "dj_transition_style"
	KeyDJPreferences    = "dj_user_preferences"
	KeyDJLookaheadCache = "dj_lookahead_cache"
)

// ErrUnknownKey is returned by Set for keys outside the recognized set.
var ErrUnknownKey = errors.New("memory: unknown key")

// Lookahead cache states for the DJ pre-render pipeline.
const (
	LookaheadPending = "pending"
	LookaheadReady   = "ready"
	LookaheadFailed  = "failed"
	LookaheadCleared = "cleared"
)

// ChatMessage is one turn of the conversation history.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Service owns the state map. All mutations persist a JSON snapshot and wake
// predicate waiters.
type Service struct {
	*service.Runner

	cfg config.MemoryConfig

	mu      sync.Mutex
	state   map[string]any
	waiters map[*waiter]struct{}
}

type waiter struct {
	pred func(map[string]any) bool
	done chan struct{}
}

var _ service.Service = (*Service)(nil)

// New creates the memory service. State is defaults-only until Start loads
// the snapshot.
func New(b *bus.Bus, cfg config.MemoryConfig) *Service {
	return &Service{
		Runner:  service.NewRunner("memory", b),
		cfg:     cfg,
		state:   defaultState(),
		waiters: make(map[*waiter]struct{}),
	}
}

func defaultState() map[string]any {
	return map[string]any{
		KeyMode:             "STARTUP",
		KeyMusicPlaying:     false,
		KeyCurrentTrack:     "",
		KeyLastIntent:       "",
		KeyChatHistory:      []ChatMessage{},
		KeyDJModeActive:     false,
		KeyDJTrackHistory:   []string{},
		KeyDJNextTrack:      "",
		KeyDJTransition:     "",
		KeyDJPreferences:    map[string]any{},
		KeyDJLookaheadCache: map[string]any{},
	}
}

// Start loads the snapshot (a missing file is fine) and registers the bus
// handlers for memory/get and memory/set.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(ctx context.Context) error {
		if err := s.load(); err != nil {
			return err
		}
		if err := s.Subscribe(event.TopicMemoryGet, s.handleGet); err != nil {
			return err
		}
		return s.Subscribe(event.TopicMemorySet, s.handleSet)
	})
}

// Stop persists a final snapshot and releases all waiters.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, func(context.Context) error {
		s.mu.Lock()
		for w := range s.waiters {
			close(w.done)
		}
		clear(s.waiters)
		s.mu.Unlock()
		return s.persist()
	})
}

// Get returns the value for key, or def when the key is absent.
func (s *Service) Get(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.state[key]; ok {
		return v
	}
	return def
}

// Set updates key, persists the snapshot, emits memory/updated, and wakes any
// waiter whose predicate now holds.
func (s *Service) Set(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	if _, known := s.state[key]; !known {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	old := s.state[key]
	s.state[key] = value
	s.wakeLocked()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		slog.Warn("memory snapshot failed", "key", key, "err", err)
	}
	_ = s.Bus().Emit(ctx, event.TopicMemoryUpdated, event.Payload{
		"key": key,
		"old": old,
		"new": value,
	})
	return nil
}

// AppendChat appends one turn to the chat history, trimming the ring to the
// configured max turns.
func (s *Service) AppendChat(ctx context.Context, msg ChatMessage) error {
	s.mu.Lock()
	history := s.chatHistoryLocked()
	history = append(history, msg)
	if max := s.cfg.ChatHistoryMaxTurns; len(history) > max {
		history = history[len(history)-max:]
	}
	s.state[KeyChatHistory] = history
	s.wakeLocked()
	s.mu.Unlock()

	if err := s.persist(); err != nil {
		slog.Warn("memory snapshot failed", "key", KeyChatHistory, "err", err)
	}
	_ = s.Bus().Emit(ctx, event.TopicMemoryUpdated, event.Payload{
		"key": KeyChatHistory,
		"new": history,
	})
	return nil
}

// ChatHistory returns a copy of the current history ring.
func (s *Service) ChatHistory() []ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.chatHistoryLocked()
	out := make([]ChatMessage, len(history))
	copy(out, history)
	return out
}

// chatHistoryLocked normalizes the stored value, which is []ChatMessage when
// set in-process and []any after a JSON snapshot round-trip.
func (s *Service) chatHistoryLocked() []ChatMessage {
	switch v := s.state[KeyChatHistory].(type) {
	case []ChatMessage:
		return v
	case []any:
		out := make([]ChatMessage, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, ChatMessage{
					Role:    event.Payload(m).String("role"),
					Content: event.Payload(m).String("content"),
				})
			}
		}
		return out
	}
	return nil
}

// WaitFor blocks until pred observes a true state or the context expires. It
// reports whether the predicate was satisfied. The predicate runs under the
// state lock and must not call back into the service.
func (s *Service) WaitFor(ctx context.Context, pred func(map[string]any) bool) bool {
	s.mu.Lock()
	if pred(s.state) {
		s.mu.Unlock()
		return true
	}
	w := &waiter{pred: pred, done: make(chan struct{})}
	s.waiters[w] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.waiters, w)
		s.mu.Unlock()
	}()

	select {
	case <-w.done:
		s.mu.Lock()
		ok := pred(s.state)
		s.mu.Unlock()
		return ok
	case <-ctx.Done():
		return false
	}
}

// wakeLocked signals waiters whose predicate now holds. Caller holds s.mu.
func (s *Service) wakeLocked() {
	for w := range s.waiters {
		if w.pred(s.state) {
			close(w.done)
			delete(s.waiters, w)
		}
	}
}

// SetUserPreference stores one DJ user preference.
func (s *Service) SetUserPreference(ctx context.Context, key string, value any) error {
	s.mu.Lock()
	prefs := asStringMap(s.state[KeyDJPreferences])
	prefs[key] = value
	s.mu.Unlock()
	return s.Set(ctx, KeyDJPreferences, prefs)
}

// GetUserPreference reads one DJ user preference.
func (s *Service) GetUserPreference(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefs := asStringMap(s.state[KeyDJPreferences])
	if v, ok := prefs[key]; ok {
		return v
	}
	return def
}

// SetLookaheadState records the DJ pre-render state for a track.
func (s *Service) SetLookaheadState(ctx context.Context, trackID, state string, details map[string]any) error {
	entry := map[string]any{
		"track_id": trackID,
		"state":    state,
		"details":  details,
		"updated":  time.Now().UnixNano(),
	}
	return s.Set(ctx, KeyDJLookaheadCache, entry)
}

// ClearLookaheadState resets the DJ lookahead cache.
func (s *Service) ClearLookaheadState(ctx context.Context) error {
	return s.Set(ctx, KeyDJLookaheadCache, map[string]any{"state": LookaheadCleared})
}

func asStringMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	}
	return map[string]any{}
}

// handleGet serves memory/get {key, callback_topic}: the value is emitted on
// the requested callback topic.
func (s *Service) handleGet(ctx context.Context, p event.Payload) error {
	if err := event.Require(p, "key", "callback_topic"); err != nil {
		return err
	}
	key := p.String("key")
	value := s.Get(key, nil)
	return s.Bus().Emit(ctx, p.String("callback_topic"), event.Payload{
		"key":   key,
		"value": value,
	})
}

// handleSet serves memory/set {key, value}.
func (s *Service) handleSet(ctx context.Context, p event.Payload) error {
	if err := event.Require(p, "key", "value"); err != nil {
		return err
	}
	return s.Set(ctx, p.String("key"), p["value"])
}

// load reads the JSON snapshot and merges it over defaults. Unknown keys in
// the file are dropped; missing keys keep their default initialization.
func (s *Service) load() error {
	data, err := os.ReadFile(s.cfg.SnapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("memory: read snapshot: %w", err)
	}

	var loaded map[string]any
	if err := json.Unmarshal(data, &loaded); err != nil {
		slog.Warn("memory snapshot corrupt, starting from defaults",
			"path", s.cfg.SnapshotPath, "err", err)
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, value := range loaded {
		if _, known := s.state[key]; known {
			s.state[key] = value
		}
	}
	return nil
}

// persist writes the snapshot atomically so a crash mid-write never leaves a
// truncated file.
func (s *Service) persist() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.state, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("memory: marshal snapshot: %w", err)
	}
	if err := renameio.WriteFile(s.cfg.SnapshotPath, data, 0o644); err != nil {
		return fmt.Errorf("memory: write snapshot: %w", err)
	}
	return nil
}
