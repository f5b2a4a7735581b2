package tts

import "time"

// Voice describes a synthesis voice configuration.
type Voice struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS backend this voice belongs to.
	Provider string

	// Stability and SimilarityBoost tune expressiveness on providers that
	// support them (0..1; zero values select provider defaults).
	Stability       float64
	SimilarityBoost float64

	// Metadata holds provider-specific voice attributes.
	Metadata map[string]string
}

// Clip is one fully synthesized utterance.
type Clip struct {
	// PCM is little-endian int16 mono audio.
	PCM []byte

	// SampleRate in Hz.
	SampleRate int
}

// Duration returns the playback time of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	samples := len(c.PCM) / 2
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}
