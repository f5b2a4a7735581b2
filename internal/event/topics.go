// Package event defines the closed topic namespace, payload representation,
// and error taxonomy shared by every service on the DJ R3X event bus.
//
// Topics are plain strings so that the bus stays decoupled from payload
// schemas; the constants below are the only topics the kernel emits or
// subscribes to. Payloads are keyed maps ([Payload]) with typed accessors and
// per-topic validators.
package event

// Service lifecycle.
const (
	TopicServiceStatus = "service/status"
)

// System mode.
const (
	TopicSetModeRequest         = "system/set_mode/request"
	TopicModeTransitionStarted  = "mode/transition/started"
	TopicModeTransitionComplete = "mode/transition/complete"
	TopicModeTransitionFailed   = "mode/transition/failed"
	TopicSystemModeChange       = "system/mode/change"
)

// CLI and command routing.
const (
	TopicCLICommand      = "cli/command"
	TopicCLIResponse     = "cli/response"
	TopicRegisterCommand = "register/command"
)

// Transcription and voice lifecycle.
const (
	TopicTranscriptionInterim = "transcription/interim"
	TopicTranscriptionFinal   = "transcription/final"
	TopicVoiceListeningStart  = "voice/listening/started"
	TopicVoiceListeningStop   = "voice/listening/stopped"
	TopicVoiceProcessingStart = "voice/processing/started"
)

// LLM responses.
const (
	TopicLLMResponse      = "llm/response"
	TopicLLMResponseChunk = "llm/response/chunk"
)

// Text-to-speech synthesis.
const (
	TopicTTSGenerateRequest       = "tts/generate_request"
	TopicTTSAudioData             = "tts/audio_data"
	TopicSpeechGenerationStarted  = "speech/generation/started"
	TopicSpeechGenerationComplete = "speech/generation/complete"
	TopicSpeechSynthesisEnded     = "speech/synthesis_ended"
)

// Cached speech.
const (
	TopicSpeechCacheRequest           = "speech_cache/request"
	TopicSpeechCacheReady             = "speech_cache/ready"
	TopicSpeechCacheMiss              = "speech_cache/miss"
	TopicSpeechCacheError             = "speech_cache/error"
	TopicSpeechCachePlaybackRequest   = "speech_cache/playback_request"
	TopicSpeechCachePlaybackStarted   = "speech_cache/playback_started"
	TopicSpeechCachePlaybackCompleted = "speech_cache/playback_completed"
	TopicSpeechCacheCleanup           = "speech_cache/cleanup"
	TopicSpeechCacheCleared           = "speech_cache/cleared"
)

// Music and audio ducking.
const (
	TopicMusicCommand          = "music/command"
	TopicMusicCrossfade        = "music/crossfade"
	TopicTrackPlaying          = "track/playing"
	TopicTrackStopped          = "track/stopped"
	TopicTrackEndingSoon       = "track/ending_soon"
	TopicAudioDuckingStart     = "audio/ducking/start"
	TopicAudioDuckingStop      = "audio/ducking/stop"
	TopicMusicVolumeDucked     = "music/volume/ducked"
	TopicMusicVolumeRestored   = "music/volume/restored"
	TopicMusicCrossfadeDone    = "music/crossfade_complete"
)

// LED eye matrix.
const (
	TopicEyeCommand = "eye/command"
)

// DJ mode.
const (
	TopicDJCommand           = "dj/command"
	TopicDJModeStart         = "dj/mode/start"
	TopicDJModeStop          = "dj/mode/stop"
	TopicDJNextTrackSelected = "dj/next_track_selected"
	TopicDJTrackQueued       = "dj/track/queued"
)

// Timeline plans.
const (
	TopicPlanReady    = "plan/ready"
	TopicPlanStarted  = "plan/started"
	TopicStepReady    = "step/ready"
	TopicStepExecuted = "step/executed"
	TopicPlanEnded    = "plan/ended"
)

// Working memory.
const (
	TopicMemoryGet     = "memory/get"
	TopicMemorySet     = "memory/set"
	TopicMemoryUpdated = "memory/updated"
)

// Debug.
const (
	TopicDebugLog             = "debug/log"
	TopicDebugCommand         = "debug/command"
	TopicDebugCommandTrace    = "debug/command_trace"
	TopicDebugPerformance     = "debug/performance"
	TopicDebugStateTransition = "debug/state_transition"
	TopicDebugConfig          = "debug/config"
	TopicDebugSetGlobalLevel  = "debug/set_global_level"
)

// Shutdown.
const (
	TopicShutdownRequested = "system/shutdown/requested"
)
