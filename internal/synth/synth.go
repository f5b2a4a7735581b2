// Package synth implements the speech synthesis service. It serves
// tts/generate_request events by rendering text through the configured TTS
// provider chain and answering with tts/audio_data; requests flagged for
// direct playback (the legacy Speak path) are additionally streamed to the
// audio sink, ending with speech/synthesis_ended.
package synth

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/service"
	"github.com/cantinaworks/djrex/pkg/audio"
	"github.com/cantinaworks/djrex/pkg/provider/tts"
)

// Service renders speech. Providers are tried in order; the first success
// wins, so a fallback backend keeps speech alive when the primary is down.
type Service struct {
	*service.Runner

	providers []tts.Provider
	voice     tts.Voice
	sink      audio.Sink
}

var _ service.Service = (*Service)(nil)

// New creates the synthesis service. providers must be non-empty; sink may be
// nil when direct playback is not needed (cache-only deployments).
func New(b *bus.Bus, providers []tts.Provider, voice tts.Voice, sink audio.Sink) *Service {
	return &Service{
		Runner:    service.NewRunner("speech_synth", b),
		providers: providers,
		voice:     voice,
		sink:      sink,
	}
}

// Start subscribes the generation handler.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(ctx context.Context) error {
		if len(s.providers) == 0 {
			return errors.New("synth: no TTS providers configured")
		}
		return s.Subscribe(event.TopicTTSGenerateRequest, s.handleGenerate)
	})
}

// Stop removes the subscriptions and waits for in-flight synthesis tasks.
func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, nil)
}

// handleGenerate serves tts/generate_request {text, clip_id, play?,
// volume?, metadata?}. Synthesis runs on an owned task so the emitter is not
// held for the provider round-trip.
func (s *Service) handleGenerate(ctx context.Context, p event.Payload) error {
	if err := event.Require(p, "text", "clip_id"); err != nil {
		return err
	}
	req := p.Clone()

	if err := s.Bus().Emit(ctx, event.TopicSpeechGenerationStarted, event.Payload{
		"clip_id": req.String("clip_id"),
		"text":    req.String("text"),
	}); err != nil {
		slog.Warn("generation started emit failed", "err", err)
	}

	s.Go(func(ctx context.Context) {
		s.generate(ctx, req)
	})
	return nil
}

// generate runs the provider chain and publishes the result events. Failed
// requests that asked for playback still emit synthesis_ended so the
// requester's wait ends now instead of at its timeout.
func (s *Service) generate(ctx context.Context, req event.Payload) {
	clipID := req.String("clip_id")
	text := req.String("text")

	clip, provider, err := s.synthesize(ctx, text)
	if err != nil {
		kerr := event.Errf(event.KindExternalProviderError, s.Name(), "synthesize: %w", err)
		s.ReportError(ctx, event.KindExternalProviderError, kerr)
		_ = s.Bus().Emit(ctx, event.TopicTTSAudioData, event.Payload{
			"request_id": clipID,
			"success":    false,
			"error":      err.Error(),
		})
		_ = s.Bus().Emit(ctx, event.TopicSpeechGenerationComplete, event.Payload{
			"clip_id": clipID,
			"success": false,
			"error":   err.Error(),
		})
		if req.Bool("play") {
			_ = s.Bus().Emit(ctx, event.TopicSpeechSynthesisEnded, event.Payload{
				"clip_id": clipID,
				"status":  "error",
				"error":   err.Error(),
			})
		}
		return
	}

	clip = normalize(clip)

	_ = s.Bus().Emit(ctx, event.TopicTTSAudioData, event.Payload{
		"request_id":  clipID,
		"success":     true,
		"audio_data":  clip.PCM,
		"sample_rate": clip.SampleRate,
		"provider":    provider,
	})
	_ = s.Bus().Emit(ctx, event.TopicSpeechGenerationComplete, event.Payload{
		"clip_id":     clipID,
		"success":     true,
		"duration_ms": int(clip.Duration() / time.Millisecond),
		"provider":    provider,
	})

	if req.Bool("play") && s.sink != nil {
		s.play(ctx, clipID, clip)
	}
}

// normalize converts provider output to the kernel speech format so cached
// clips and sink playback always carry the same rate regardless of backend.
func normalize(clip tts.Clip) tts.Clip {
	frame := audio.Normalize(audio.Frame{
		Data:       clip.PCM,
		SampleRate: clip.SampleRate,
		Channels:   1,
	}, audio.SpeechFormat)
	return tts.Clip{PCM: frame.Data, SampleRate: frame.SampleRate}
}

// synthesize tries each provider in order and returns the first success.
func (s *Service) synthesize(ctx context.Context, text string) (tts.Clip, string, error) {
	var errs []error
	for _, p := range s.providers {
		clip, err := p.Synthesize(ctx, text, s.voice)
		if err == nil {
			return clip, p.Name(), nil
		}
		if ctx.Err() != nil {
			return tts.Clip{}, "", ctx.Err()
		}
		slog.Warn("tts provider failed, trying next", "provider", p.Name(), "err", err)
		errs = append(errs, err)
	}
	return tts.Clip{}, "", errors.Join(errs...)
}

// play streams the clip to the sink and signals end of speech. The timeline
// executor's Speak barrier and its unduck logic key off synthesis_ended.
func (s *Service) play(ctx context.Context, clipID string, clip tts.Clip) {
	err := s.sink.Play(ctx, audio.Frame{
		Data:       clip.PCM,
		SampleRate: clip.SampleRate,
		Channels:   1,
	})
	status := "completed"
	if err != nil {
		status = "error"
	}
	_ = s.Bus().Emit(ctx, event.TopicSpeechSynthesisEnded, event.Payload{
		"clip_id": clipID,
		"status":  status,
	})
}
