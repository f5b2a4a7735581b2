package event

// requiredFields lists the mandatory payload fields per topic for topics the
// kernel validates at the bus boundary. Topics not listed here accept any
// payload shape — the consuming service applies its own checks.
var requiredFields = map[string][]string{
	TopicServiceStatus:                {"service", "status"},
	TopicSetModeRequest:               {"mode"},
	TopicCLICommand:                   {"command", "args", "raw_input"},
	TopicCLIResponse:                  {"message"},
	TopicRegisterCommand:              {"service", "topic"},
	TopicTranscriptionFinal:           {"text"},
	TopicLLMResponse:                  {"text"},
	TopicTTSGenerateRequest:           {"text", "clip_id"},
	TopicTTSAudioData:                 {"request_id", "success"},
	TopicSpeechCacheRequest:           {"cache_key", "text"},
	TopicSpeechCachePlaybackRequest:   {"cache_key", "playback_id"},
	TopicSpeechCachePlaybackStarted:   {"cache_key", "playback_id"},
	TopicSpeechCachePlaybackCompleted: {"playback_id", "completion_status"},
	TopicMusicCrossfade:               {"track", "crossfade_id"},
	TopicMusicCrossfadeDone:           {"crossfade_id"},
	TopicPlanReady:                    {"plan"},
	TopicPlanEnded:                    {"plan_id", "layer", "status"},
	TopicMemoryGet:                    {"key", "callback_topic"},
	TopicMemorySet:                    {"key", "value"},
	TopicDebugLog:                     {"component", "level", "message"},
}

// Validate checks p against the required-field table for topic. Unlisted
// topics always validate. The returned error carries kind
// [KindDispatchInvalidPayload].
func Validate(topic string, p Payload) error {
	fields, ok := requiredFields[topic]
	if !ok {
		return nil
	}
	if err := Require(p, fields...); err != nil {
		ke := err.(*KernelError)
		ke.Service = topic
		return ke
	}
	return nil
}
