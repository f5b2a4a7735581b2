package audio

import (
	"context"
	"math"
	"sync"
	"time"
)

// Sink is the audio output device abstraction. Exactly one stream should
// write at a time; callers coordinate through ducking and playback barriers
// rather than through the sink itself.
//
// Play blocks until the frame's worth of audio has been delivered or ctx is
// cancelled. Implementations must be safe for concurrent use.
type Sink interface {
	// Play writes one frame at the sink's current gain.
	Play(ctx context.Context, f Frame) error

	// SetGain ramps the output gain to level (0..1) over fade. A zero fade
	// applies the level immediately.
	SetGain(level float64, fade time.Duration)

	// Gain returns the current output gain.
	Gain() float64
}

// PacedSink is a Sink that consumes frames in real time, sleeping for each
// frame's PCM duration, without touching any hardware. It stands in for the
// audio device in tests and headless deployments; barrier timing downstream
// of playback behaves as it would with a real device.
type PacedSink struct {
	mu     sync.Mutex
	gain   float64
	played int // total bytes accepted

	// Speedup divides the pacing delay. Tests set this high so that multi
	// second utterances complete in milliseconds.
	Speedup int
}

var _ Sink = (*PacedSink)(nil)

// NewPacedSink returns a sink at unity gain.
func NewPacedSink() *PacedSink {
	return &PacedSink{gain: 1.0, Speedup: 1}
}

// Play sleeps for the frame's duration (divided by Speedup) or until ctx is
// cancelled.
func (s *PacedSink) Play(ctx context.Context, f Frame) error {
	d := f.Duration()
	if s.Speedup > 1 {
		d /= time.Duration(s.Speedup)
	}

	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}

	s.mu.Lock()
	s.played += len(f.Data)
	s.mu.Unlock()
	return nil
}

// SetGain applies the target level. The fade is honoured as elapsed time but
// not rendered, since no samples are produced.
func (s *PacedSink) SetGain(level float64, fade time.Duration) {
	s.mu.Lock()
	s.gain = clampGain(level)
	s.mu.Unlock()
}

// Gain returns the current gain.
func (s *PacedSink) Gain() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gain
}

// BytesPlayed returns the total PCM bytes accepted so far.
func (s *PacedSink) BytesPlayed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.played
}

func clampGain(g float64) float64 {
	if math.IsNaN(g) || g < 0 {
		return 0
	}
	if g > 1 {
		return 1
	}
	return g
}
