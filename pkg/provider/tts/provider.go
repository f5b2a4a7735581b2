// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (e.g., ElevenLabs or the
// OpenAI speech API) and presents a uniform whole-utterance interface. The
// kernel synthesizes complete clips rather than streaming fragments: clips
// are cached and replayed by key, so the full PCM buffer and its duration
// must be known up front.
//
// Implementations must be safe for concurrent use.
package tts

import "context"

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Name identifies the backend ("elevenlabs", "openai"). Used in logs and
	// in speech/generation events.
	Name() string

	// Synthesize renders text with the given voice and returns the complete
	// clip. Implementations should honour ctx cancellation promptly; a
	// cancelled synthesis returns ctx.Err().
	Synthesize(ctx context.Context, text string, voice Voice) (Clip, error)

	// ListVoices returns the voices available from this provider. The list
	// reflects the provider's current catalogue and may change between calls.
	ListVoices(ctx context.Context) ([]Voice, error)
}
