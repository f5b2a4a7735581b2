package audio

import "time"

// Frame is a chunk of little-endian int16 PCM flowing through the pipeline:
// synthesized speech from a TTS provider, a cached utterance being replayed,
// or a music stream chunk.
type Frame struct {
	// PCM audio data, 2 bytes per sample.
	Data []byte

	// SampleRate in Hz (e.g., 24000 for TTS output, 44100 for music).
	SampleRate int

	// Channels: 1 for mono speech, 2 for stereo music.
	Channels int

	// Timestamp marks when this frame was produced, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback time of the frame's PCM data.
func (f Frame) Duration() time.Duration {
	return PCMDuration(len(f.Data), f.SampleRate, f.Channels)
}

// PCMDuration returns the playback time of n bytes of int16 PCM.
func PCMDuration(n, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 || channels <= 0 {
		return 0
	}
	samples := n / 2 / channels
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
