// Package config provides the configuration schema, loader, and provider
// registry for the DJ R3X kernel.
package config

import "time"

// LogLevel controls log verbosity for the kernel.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for the kernel. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	Memory      MemoryConfig      `yaml:"memory"`
	SpeechCache SpeechCacheConfig `yaml:"speech_cache"`
	Timeline    TimelineConfig    `yaml:"timeline"`
	Music       MusicConfig       `yaml:"music"`
	DJ          DJConfig          `yaml:"dj"`
	Persona     PersonaConfig     `yaml:"persona"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for the health and metrics endpoints
	// (e.g., ":8090"). Empty disables the HTTP listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProvidersConfig declares which external provider to use per concern. A
// missing API key disables the provider; the kernel still starts.
type ProvidersConfig struct {
	TTS         ProviderEntry `yaml:"tts"`
	TTSFallback ProviderEntry `yaml:"tts_fallback"`
	LLM         ProviderEntry `yaml:"llm"`
	LLMFallback ProviderEntry `yaml:"llm_fallback"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation
	// (e.g., "elevenlabs", "openai").
	Name string `yaml:"name"`

	// APIKey is the authentication key. When empty, the loader falls back to
	// the provider's environment variable (DJREX_ELEVENLABS_KEY,
	// DJREX_OPENAI_KEY).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// VoiceID selects the synthesis voice for TTS providers.
	VoiceID string `yaml:"voice_id"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// MemoryConfig configures the working-memory service.
type MemoryConfig struct {
	// SnapshotPath is the JSON snapshot file. Default: "djrex_memory.json"
	// under the working directory.
	SnapshotPath string `yaml:"snapshot_path"`

	// ChatHistoryMaxTurns bounds the chat history ring. Default: 20.
	ChatHistoryMaxTurns int `yaml:"chat_history_max_turns"`
}

// SpeechCacheConfig bounds the pre-rendered speech cache.
type SpeechCacheConfig struct {
	// MaxEntries caps the number of cached utterances. Default: 10.
	MaxEntries int `yaml:"max_entries"`

	// MaxSizeMB caps the total cached audio size. Default: 50.
	MaxSizeMB int `yaml:"max_size_mb"`

	// TTLSeconds is the age past which the janitor evicts entries.
	// Default: 300.
	TTLSeconds int `yaml:"ttl_seconds"`

	// CleanupIntervalSeconds is the janitor period. Default: 60.
	CleanupIntervalSeconds int `yaml:"cleanup_interval_seconds"`
}

// TimelineConfig tunes the plan executor.
type TimelineConfig struct {
	// SpeechWaitTimeoutMS bounds the wait for a cached-speech playback
	// completion when the entry duration is unknown. Default: 10000.
	SpeechWaitTimeoutMS int `yaml:"speech_wait_timeout_ms"`

	// DuckLevel is the music gain applied while speech plays, in [0, 1].
	// Default: 0.5.
	DuckLevel float64 `yaml:"duck_level"`

	// DuckFadeMS is the duck/unduck ramp duration. Default: 500.
	DuckFadeMS int `yaml:"duck_fade_ms"`
}

// MusicTrack declares one track of the music library.
type MusicTrack struct {
	Name string `yaml:"name"`

	// DurationSeconds is the track length used by the deck clock.
	DurationSeconds float64 `yaml:"duration_seconds"`
}

// MusicConfig configures the music controller.
type MusicConfig struct {
	// Tracks is the declared library.
	Tracks []MusicTrack `yaml:"tracks"`

	// DefaultCrossfadeMS is the crossfade duration when a command omits one.
	// Default: 3000.
	DefaultCrossfadeMS int `yaml:"default_crossfade_ms"`

	// EndingSoonMS is how long before track end the controller emits
	// track/ending_soon. Default: 15000.
	EndingSoonMS int `yaml:"ending_soon_ms"`
}

// DJConfig tunes autonomous DJ mode.
type DJConfig struct {
	// MaxRecentTracks is how many recent selections are excluded from the
	// next-track pick. Default: 3.
	MaxRecentTracks int `yaml:"max_recent_tracks"`

	// CommentaryLines are template lines rendered into transition commentary;
	// "{track}" expands to the upcoming track name.
	CommentaryLines []string `yaml:"commentary_lines"`
}

// PersonaConfig configures the LLM reply service.
type PersonaConfig struct {
	// SystemPrompt is the character instruction prepended to every
	// conversation. A default DJ R3X prompt applies when empty.
	SystemPrompt string `yaml:"system_prompt"`

	// MaxTokens caps completion length. Default: 256.
	MaxTokens int `yaml:"max_tokens"`

	// Temperature controls sampling randomness. Default: 0.7.
	Temperature float64 `yaml:"temperature"`
}

// SpeechWaitTimeout returns the configured speech barrier timeout as a
// duration.
func (t TimelineConfig) SpeechWaitTimeout() time.Duration {
	return time.Duration(t.SpeechWaitTimeoutMS) * time.Millisecond
}

// DuckFade returns the duck ramp as a duration.
func (t TimelineConfig) DuckFade() time.Duration {
	return time.Duration(t.DuckFadeMS) * time.Millisecond
}

// TTL returns the cache TTL as a duration.
func (s SpeechCacheConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// CleanupInterval returns the janitor period as a duration.
func (s SpeechCacheConfig) CleanupInterval() time.Duration {
	return time.Duration(s.CleanupIntervalSeconds) * time.Second
}

// DefaultCrossfade returns the default crossfade as a duration.
func (m MusicConfig) DefaultCrossfade() time.Duration {
	return time.Duration(m.DefaultCrossfadeMS) * time.Millisecond
}

// EndingSoon returns the lookahead margin as a duration.
func (m MusicConfig) EndingSoon() time.Duration {
	return time.Duration(m.EndingSoonMS) * time.Millisecond
}
