package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind. Used by
// [Validate] to reject typos early.
var ValidProviderNames = map[string][]string{
	"tts": {"elevenlabs", "openai"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq"},
}

// Environment variables consulted when a provider entry has no api_key.
const (
	EnvElevenLabsKey = "DJREX_ELEVENLABS_KEY"
	EnvOpenAIKey     = "DJREX_OPENAI_KEY"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. Useful in tests where configs are constructed from
// string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero-valued fields with the documented defaults and
// resolves API keys from the environment when the config omits them.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Memory.SnapshotPath == "" {
		cfg.Memory.SnapshotPath = "djrex_memory.json"
	}
	if cfg.Memory.ChatHistoryMaxTurns <= 0 {
		cfg.Memory.ChatHistoryMaxTurns = 20
	}
	if cfg.SpeechCache.MaxEntries <= 0 {
		cfg.SpeechCache.MaxEntries = 10
	}
	if cfg.SpeechCache.MaxSizeMB <= 0 {
		cfg.SpeechCache.MaxSizeMB = 50
	}
	if cfg.SpeechCache.TTLSeconds <= 0 {
		cfg.SpeechCache.TTLSeconds = 300
	}
	if cfg.SpeechCache.CleanupIntervalSeconds <= 0 {
		cfg.SpeechCache.CleanupIntervalSeconds = 60
	}
	if cfg.Timeline.SpeechWaitTimeoutMS <= 0 {
		cfg.Timeline.SpeechWaitTimeoutMS = 10000
	}
	if cfg.Timeline.DuckLevel <= 0 {
		cfg.Timeline.DuckLevel = 0.5
	}
	if cfg.Timeline.DuckFadeMS <= 0 {
		cfg.Timeline.DuckFadeMS = 500
	}
	if cfg.Music.DefaultCrossfadeMS <= 0 {
		cfg.Music.DefaultCrossfadeMS = 3000
	}
	if cfg.Music.EndingSoonMS <= 0 {
		cfg.Music.EndingSoonMS = 15000
	}
	if cfg.DJ.MaxRecentTracks <= 0 {
		cfg.DJ.MaxRecentTracks = 3
	}
	if cfg.Persona.MaxTokens <= 0 {
		cfg.Persona.MaxTokens = 256
	}
	if cfg.Persona.Temperature <= 0 {
		cfg.Persona.Temperature = 0.7
	}

	resolveKey(&cfg.Providers.TTS)
	resolveKey(&cfg.Providers.TTSFallback)
	resolveKey(&cfg.Providers.LLM)
	resolveKey(&cfg.Providers.LLMFallback)
}

// resolveKey fills entry.APIKey from the provider's environment variable
// when the config omits it.
func resolveKey(entry *ProviderEntry) {
	if entry.APIKey != "" {
		return
	}
	switch entry.Name {
	case "elevenlabs":
		entry.APIKey = os.Getenv(EnvElevenLabsKey)
	case "openai":
		entry.APIKey = os.Getenv(EnvOpenAIKey)
	}
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if err := validateProviderName("tts", cfg.Providers.TTS.Name); err != nil {
		errs = append(errs, err)
	}
	if err := validateProviderName("tts", cfg.Providers.TTSFallback.Name); err != nil {
		errs = append(errs, err)
	}
	if err := validateProviderName("llm", cfg.Providers.LLM.Name); err != nil {
		errs = append(errs, err)
	}
	if err := validateProviderName("llm", cfg.Providers.LLMFallback.Name); err != nil {
		errs = append(errs, err)
	}

	if cfg.Timeline.DuckLevel < 0 || cfg.Timeline.DuckLevel > 1 {
		errs = append(errs, fmt.Errorf("timeline.duck_level %.2f is out of range [0, 1]", cfg.Timeline.DuckLevel))
	}

	trackNames := make(map[string]int, len(cfg.Music.Tracks))
	for i, track := range cfg.Music.Tracks {
		prefix := fmt.Sprintf("music.tracks[%d]", i)
		if track.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := trackNames[track.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of music.tracks[%d]", prefix, track.Name, prev))
		}
		trackNames[track.Name] = i
		if track.DurationSeconds <= 0 {
			errs = append(errs, fmt.Errorf("%s.duration_seconds must be positive", prefix))
		}
	}

	if n, lib := cfg.DJ.MaxRecentTracks, len(cfg.Music.Tracks); lib > 0 && n >= lib {
		// Selection history must leave at least one eligible track; the DJ
		// service resets history when forced, but a permanently impossible
		// configuration is a user error.
		errs = append(errs, fmt.Errorf("dj.max_recent_tracks %d must be smaller than the music library size %d", n, lib))
	}

	return errors.Join(errs...)
}

// validateProviderName returns an error if name is non-empty and not a known
// provider for the given kind.
func validateProviderName(kind, name string) error {
	if name == "" {
		return nil
	}
	known := ValidProviderNames[kind]
	if slices.Contains(known, name) {
		return nil
	}
	return fmt.Errorf("providers.%s.name %q is unknown; valid values: %v", kind, name, known)
}
