// Package speechcache implements the pre-rendered speech cache. Utterances
// are synthesized once, stored as PCM keyed by a caller-chosen cache key, and
// replayed on demand. An ordered map provides LRU ordering; capacity, total
// size, and TTL bounds keep the cache small.
package speechcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/service"
	"github.com/cantinaworks/djrex/pkg/audio"
)

// Entry is one cached utterance.
type Entry struct {
	PCM        []byte
	SampleRate int
	Created    time.Time
	LastAccess time.Time
	Metadata   event.Payload
}

// Duration returns the playback length of the cached PCM.
func (e *Entry) Duration() time.Duration {
	return audio.PCMDuration(len(e.PCM), e.SampleRate, 1)
}

// pendingReq tracks an in-flight synthesis request so that the tts/audio_data
// answer can be matched back to the cache key that asked for it.
type pendingReq struct {
	cacheKey string
	metadata event.Payload
}

// Service is the cached speech service.
type Service struct {
	*service.Runner

	cfg  config.SpeechCacheConfig
	sink audio.Sink

	mu        sync.Mutex
	entries   *orderedmap.OrderedMap[string, *Entry]
	totalSize int64
	// pending maps the synthesis clip id (echoed back as the audio_data
	// request_id) to the waiting cache request. keyBusy guards against
	// launching two generations for the same key.
	pending map[string]pendingReq
	keyBusy map[string]bool
}

var _ service.Service = (*Service)(nil)

// New creates the cache service. sink receives playback audio; it must not be
// nil.
func New(b *bus.Bus, cfg config.SpeechCacheConfig, sink audio.Sink) *Service {
	return &Service{
		Runner:  service.NewRunner("cached_speech", b),
		cfg:     cfg,
		sink:    sink,
		entries: orderedmap.New[string, *Entry](),
		pending: make(map[string]pendingReq),
		keyBusy: make(map[string]bool),
	}
}

// Start subscribes the cache handlers and launches the TTL janitor.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(ctx context.Context) error {
		subs := []struct {
			topic   string
			handler bus.Handler
		}{
			{event.TopicSpeechCacheRequest, s.handleRequest},
			{event.TopicSpeechCacheCleanup, s.handleCleanup},
			{event.TopicSpeechCachePlaybackRequest, s.handlePlayback},
			{event.TopicTTSAudioData, s.handleAudioData},
		}
		for _, sub := range subs {
			if err := s.Subscribe(sub.topic, sub.handler); err != nil {
				return err
			}
		}
		s.Go(s.janitor)
		return nil
	})
}

// Stop tears the service down. Cached entries are discarded with the process.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, nil)
}

// Len returns the number of cached entries.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries.Len()
}

// SizeBytes returns the total cached PCM size.
func (s *Service) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSize
}

// handleRequest serves speech_cache/request {cache_key, text, metadata?}. A
// hit answers immediately; a miss kicks off synthesis and answers when
// tts/audio_data arrives.
func (s *Service) handleRequest(ctx context.Context, p event.Payload) error {
	if err := event.Require(p, "cache_key", "text"); err != nil {
		return err
	}
	key := p.String("cache_key")
	metadata := p.Map("metadata")

	s.mu.Lock()
	if entry, ok := s.entries.Get(key); ok {
		s.touchLocked(key, entry)
		ready := s.readyPayload(key, entry, metadata)
		s.mu.Unlock()
		return s.Bus().Emit(ctx, event.TopicSpeechCacheReady, ready)
	}
	if s.keyBusy[key] {
		// Synthesis already in flight for this key; the pending answer will
		// emit ready for all interested parties.
		s.mu.Unlock()
		return nil
	}
	requestID := uuid.NewString()
	s.pending[requestID] = pendingReq{cacheKey: key, metadata: metadata}
	s.keyBusy[key] = true
	s.mu.Unlock()

	return s.Bus().Emit(ctx, event.TopicTTSGenerateRequest, event.Payload{
		"text":    p.String("text"),
		"clip_id": requestID,
	})
}

// handleAudioData fulfils pending synthesis requests from tts/audio_data
// {request_id, success, audio_data, sample_rate}.
func (s *Service) handleAudioData(ctx context.Context, p event.Payload) error {
	requestID := p.String("request_id")

	s.mu.Lock()
	req, ok := s.pending[requestID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.pending, requestID)
	delete(s.keyBusy, req.cacheKey)

	if !p.Bool("success") {
		s.mu.Unlock()
		return s.Bus().Emit(ctx, event.TopicSpeechCacheError, event.Payload{
			"cache_key": req.cacheKey,
			"error":     p.String("error"),
			"kind":      string(event.KindCacheError),
			"metadata":  req.metadata,
		})
	}

	entry := &Entry{
		PCM:        p.Bytes("audio_data"),
		SampleRate: p.Int("sample_rate"),
		Created:    time.Now(),
		LastAccess: time.Now(),
		Metadata:   req.metadata,
	}
	s.insertLocked(req.cacheKey, entry)
	ready := s.readyPayload(req.cacheKey, entry, req.metadata)
	s.mu.Unlock()

	return s.Bus().Emit(ctx, event.TopicSpeechCacheReady, ready)
}

// handlePlayback serves speech_cache/playback_request {cache_key, playback_id,
// volume?, metadata?}. The playback_id from the request is echoed verbatim in
// both the started and completed events; downstream barriers key off it.
func (s *Service) handlePlayback(ctx context.Context, p event.Payload) error {
	if err := event.Require(p, "cache_key", "playback_id"); err != nil {
		return err
	}
	key := p.String("cache_key")
	playbackID := p.String("playback_id")
	metadata := p.Map("metadata")

	s.mu.Lock()
	entry, ok := s.entries.Get(key)
	if ok {
		s.touchLocked(key, entry)
	}
	s.mu.Unlock()

	if !ok {
		_ = s.Bus().Emit(ctx, event.TopicSpeechCacheMiss, event.Payload{
			"cache_key":   key,
			"playback_id": playbackID,
			"kind":        string(event.KindCacheMiss),
			"error":       fmt.Sprintf("no cached audio for key %q", key),
		})
		// Synthetic completion so the requester's barrier releases instead of
		// waiting out its timeout.
		return s.Bus().Emit(ctx, event.TopicSpeechCachePlaybackCompleted, event.Payload{
			"cache_key":         key,
			"playback_id":       playbackID,
			"completion_status": "error",
			"error":             "cache miss",
			"metadata":          metadata,
		})
	}

	if err := s.Bus().Emit(ctx, event.TopicSpeechCachePlaybackStarted, event.Payload{
		"cache_key":   key,
		"playback_id": playbackID,
		"duration_ms": int(entry.Duration() / time.Millisecond),
		"metadata":    metadata,
	}); err != nil {
		return err
	}

	volume := 1.0
	if p.Has("volume") {
		volume = p.Float64("volume")
	}
	s.Go(func(ctx context.Context) {
		s.play(ctx, key, playbackID, entry, volume, metadata)
	})
	return nil
}

// play streams the entry to the sink on a worker task and emits the
// completion event.
func (s *Service) play(ctx context.Context, key, playbackID string, entry *Entry, volume float64, metadata event.Payload) {
	pcm := entry.PCM
	if volume < 1.0 {
		scaled := make([]byte, len(pcm))
		copy(scaled, pcm)
		audio.ApplyGain(scaled, volume)
		pcm = scaled
	}

	err := s.sink.Play(ctx, audio.Frame{
		Data:       pcm,
		SampleRate: entry.SampleRate,
		Channels:   1,
	})

	status := "completed"
	result := event.Payload{
		"cache_key":         key,
		"playback_id":       playbackID,
		"completion_status": status,
		"metadata":          metadata,
	}
	if err != nil {
		result["completion_status"] = "error"
		result["error"] = err.Error()
	}
	_ = s.Bus().Emit(ctx, event.TopicSpeechCachePlaybackCompleted, result)
}

// handleCleanup serves speech_cache/cleanup {keys?, max_age_seconds?}: listed
// keys are deleted; otherwise entries older than max_age are evicted;
// otherwise the whole cache is cleared.
func (s *Service) handleCleanup(ctx context.Context, p event.Payload) error {
	s.mu.Lock()
	removed := 0
	switch {
	case p.Has("keys"):
		for _, key := range p.Strings("keys") {
			if s.deleteLocked(key) {
				removed++
			}
		}
	case p.Has("max_age_seconds"):
		maxAge := time.Duration(p.Float64("max_age_seconds") * float64(time.Second))
		removed = s.evictOlderLocked(maxAge)
	default:
		removed = s.entries.Len()
		s.entries = orderedmap.New[string, *Entry]()
		s.totalSize = 0
	}
	s.mu.Unlock()

	return s.Bus().Emit(ctx, event.TopicSpeechCacheCleared, event.Payload{
		"success": true,
		"removed": removed,
	})
}

// janitor periodically evicts entries past the configured TTL.
func (s *Service) janitor(ctx context.Context) {
	interval := s.cfg.CleanupInterval()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			removed := s.evictOlderLocked(s.cfg.TTL())
			s.mu.Unlock()
			if removed > 0 {
				_ = s.Bus().Emit(ctx, event.TopicSpeechCacheCleared, event.Payload{
					"success": true,
					"removed": removed,
				})
			}
		}
	}
}

// touchLocked refreshes LRU position and access time for a hit.
func (s *Service) touchLocked(key string, entry *Entry) {
	entry.LastAccess = time.Now()
	_ = s.entries.MoveToBack(key)
}

// insertLocked adds an entry, evicting from the LRU head until the capacity
// and size bounds hold.
func (s *Service) insertLocked(key string, entry *Entry) {
	if old, ok := s.entries.Get(key); ok {
		s.totalSize -= int64(len(old.PCM))
	}
	s.entries.Set(key, entry)
	_ = s.entries.MoveToBack(key)
	s.totalSize += int64(len(entry.PCM))

	maxSize := int64(s.cfg.MaxSizeMB) * 1024 * 1024
	for s.entries.Len() > s.cfg.MaxEntries || (maxSize > 0 && s.totalSize > maxSize) {
		head := s.entries.Oldest()
		if head == nil || head.Key == key && s.entries.Len() == 1 {
			break
		}
		s.deleteLocked(head.Key)
	}
}

// deleteLocked removes one entry, returning whether it existed.
func (s *Service) deleteLocked(key string) bool {
	entry, ok := s.entries.Get(key)
	if !ok {
		return false
	}
	s.totalSize -= int64(len(entry.PCM))
	s.entries.Delete(key)
	return true
}

// evictOlderLocked removes entries created more than maxAge ago.
func (s *Service) evictOlderLocked(maxAge time.Duration) int {
	if maxAge <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	var stale []string
	for pair := s.entries.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Created.Before(cutoff) {
			stale = append(stale, pair.Key)
		}
	}
	for _, key := range stale {
		s.deleteLocked(key)
	}
	return len(stale)
}

// readyPayload builds the speech_cache/ready event for an entry.
func (s *Service) readyPayload(key string, entry *Entry, metadata event.Payload) event.Payload {
	return event.Payload{
		"cache_key":   key,
		"duration_ms": int(entry.Duration() / time.Millisecond),
		"size_bytes":  len(entry.PCM),
		"metadata":    metadata,
	}
}
