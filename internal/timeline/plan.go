package timeline

import (
	"fmt"
	"time"
)

// Layer is a plan priority layer. Higher layers preempt lower ones.
type Layer int

const (
	LayerAmbient Layer = iota
	LayerForeground
	LayerOverride

	layerCount = 3
)

// String returns the layer name used in events.
func (l Layer) String() string {
	switch l {
	case LayerAmbient:
		return "ambient"
	case LayerForeground:
		return "foreground"
	case LayerOverride:
		return "override"
	}
	return fmt.Sprintf("layer(%d)", int(l))
}

// ParseLayer parses a layer name.
func ParseLayer(s string) (Layer, error) {
	switch s {
	case "ambient":
		return LayerAmbient, nil
	case "foreground":
		return LayerForeground, nil
	case "override":
		return LayerOverride, nil
	}
	return 0, fmt.Errorf("timeline: unknown layer %q", s)
}

// StepKind tags a plan step variant.
type StepKind string

const (
	StepDelay            StepKind = "delay"
	StepPlayCachedSpeech StepKind = "play_cached_speech"
	StepMusicCrossfade   StepKind = "music_crossfade"
	StepEyePattern       StepKind = "eye_pattern"
	StepSpeak            StepKind = "speak"
	StepPlayMusic        StepKind = "play_music"
)

// Step is one unit of a plan. Only the fields for the step's Kind are
// meaningful.
type Step struct {
	// ID is an optional opaque step identifier echoed in step/executed.
	ID string

	Kind StepKind

	// Duration applies to Delay steps.
	Duration time.Duration

	// CacheKey and Volume apply to PlayCachedSpeech. A zero Volume plays at
	// full level.
	CacheKey string
	Volume   float64

	// Track and CrossfadeDuration apply to MusicCrossfade.
	Track             string
	CrossfadeDuration time.Duration

	// Pattern applies to EyePattern.
	Pattern string

	// Text applies to Speak.
	Text string

	// MusicAction ("play", "stop", "list") applies to PlayMusic; Track names
	// the target for "play".
	MusicAction string

	// DelayAfter inserts a pause after the step's barrier resolves.
	DelayAfter time.Duration
}

// Plan is an ordered step sequence bound to one layer. Plans are immutable
// once submitted on plan/ready.
type Plan struct {
	ID    string
	Layer Layer
	Steps []Step
}

// Validate rejects structurally unusable plans before execution starts.
func (p Plan) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("timeline: plan has no id")
	}
	if p.Layer < LayerAmbient || p.Layer > LayerOverride {
		return fmt.Errorf("timeline: plan %s has invalid layer %d", p.ID, int(p.Layer))
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("timeline: plan %s has no steps", p.ID)
	}
	for i, step := range p.Steps {
		if err := step.validate(); err != nil {
			return fmt.Errorf("timeline: plan %s step %d: %w", p.ID, i, err)
		}
	}
	return nil
}

func (s Step) validate() error {
	switch s.Kind {
	case StepDelay:
		if s.Duration < 0 {
			return fmt.Errorf("negative delay")
		}
	case StepPlayCachedSpeech:
		if s.CacheKey == "" {
			return fmt.Errorf("play_cached_speech requires a cache key")
		}
	case StepMusicCrossfade:
		if s.Track == "" {
			return fmt.Errorf("music_crossfade requires a track")
		}
	case StepEyePattern:
		if s.Pattern == "" {
			return fmt.Errorf("eye_pattern requires a pattern name")
		}
	case StepSpeak:
		if s.Text == "" {
			return fmt.Errorf("speak requires text")
		}
	case StepPlayMusic:
		switch s.MusicAction {
		case "play":
			if s.Track == "" {
				return fmt.Errorf("play_music play requires a track")
			}
		case "stop", "list":
		default:
			return fmt.Errorf("play_music action %q is not play, stop, or list", s.MusicAction)
		}
	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}
