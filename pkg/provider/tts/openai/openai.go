// Package openai provides a TTS provider backed by the OpenAI speech API.
// It serves as the fallback backend when ElevenLabs is unavailable.
package openai

import (
	"context"
	"fmt"
	"io"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/cantinaworks/djrex/pkg/provider/tts"
)

// The PCM response format is 24kHz 16-bit mono little-endian.
const pcmSampleRate = 24000

const defaultModel = "gpt-4o-mini-tts"

// Option is a functional option for Provider.
type Option func(*Provider)

// WithModel overrides the speech model.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		p.baseURL = url
	}
}

// Provider implements tts.Provider using the OpenAI speech endpoint.
type Provider struct {
	client  oai.Client
	model   string
	baseURL string
}

var _ tts.Provider = (*Provider)(nil)

// New constructs an OpenAI TTS provider.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	p := &Provider{model: defaultModel}
	for _, o := range opts {
		o(p)
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if p.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(p.baseURL))
	}
	p.client = oai.NewClient(reqOpts...)
	return p, nil
}

// Name returns "openai".
func (p *Provider) Name() string { return "openai" }

// Synthesize renders text as a complete PCM clip. The voice ID selects one of
// the fixed OpenAI voices ("alloy", "onyx", ...); an empty ID defaults to
// "onyx".
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (tts.Clip, error) {
	if text == "" {
		return tts.Clip{}, fmt.Errorf("openai: text must not be empty")
	}
	voiceID := voice.ID
	if voiceID == "" {
		voiceID = "onyx"
	}

	resp, err := p.client.Audio.Speech.New(ctx, oai.AudioSpeechNewParams{
		Model:          p.model,
		Input:          text,
		Voice:          oai.AudioSpeechNewParamsVoice(voiceID),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	})
	if err != nil {
		return tts.Clip{}, fmt.Errorf("openai: speech request: %w", err)
	}
	defer resp.Body.Close()

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return tts.Clip{}, fmt.Errorf("openai: read speech body: %w", err)
	}
	if len(pcm) == 0 {
		return tts.Clip{}, fmt.Errorf("openai: synthesis produced no audio")
	}
	return tts.Clip{PCM: pcm, SampleRate: pcmSampleRate}, nil
}

// fixedVoices is the OpenAI speech voice catalogue; the API has no voice
// listing endpoint.
var fixedVoices = []string{"alloy", "ash", "coral", "echo", "fable", "onyx", "nova", "sage", "shimmer"}

// ListVoices returns the fixed OpenAI voice set.
func (p *Provider) ListVoices(_ context.Context) ([]tts.Voice, error) {
	out := make([]tts.Voice, 0, len(fixedVoices))
	for _, name := range fixedVoices {
		out = append(out, tts.Voice{ID: name, Name: name, Provider: "openai"})
	}
	return out, nil
}
