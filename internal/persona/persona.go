// Package persona turns final transcriptions into spoken DJ R3X replies. It
// keeps the conversation in working memory, streams a completion from the
// configured LLM backend, and submits a foreground plan that animates the
// eyes and speaks the reply.
package persona

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/cantinaworks/djrex/internal/bus"
	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/event"
	"github.com/cantinaworks/djrex/internal/memory"
	"github.com/cantinaworks/djrex/internal/service"
	"github.com/cantinaworks/djrex/internal/timeline"
	"github.com/cantinaworks/djrex/pkg/provider/llm"
)

// defaultSystemPrompt keeps R3X in character when the config has no prompt.
const defaultSystemPrompt = "You are DJ R-3X, the enthusiastic droid DJ at Oga's Cantina. " +
	"Reply in one or two short, upbeat sentences. Stay in character."

// Service is the persona service.
type Service struct {
	*service.Runner

	cfg      config.PersonaConfig
	provider llm.Provider
	mem      *memory.Service // nilable
}

var _ service.Service = (*Service)(nil)

// New creates the persona service. A nil provider leaves the service
// disabled; Start succeeds but transcriptions are ignored.
func New(b *bus.Bus, cfg config.PersonaConfig, provider llm.Provider, mem *memory.Service) *Service {
	return &Service{
		Runner:   service.NewRunner("persona", b),
		cfg:      cfg,
		provider: provider,
		mem:      mem,
	}
}

// Enabled reports whether an LLM backend is attached.
func (s *Service) Enabled() bool { return s.provider != nil }

// Start subscribes the transcription intake.
func (s *Service) Start(ctx context.Context) error {
	return s.StartWith(ctx, func(ctx context.Context) error {
		if s.provider == nil {
			return nil
		}
		return s.Subscribe(event.TopicTranscriptionFinal, s.handleTranscription)
	})
}

func (s *Service) Stop(ctx context.Context) error {
	return s.StopWith(ctx, nil)
}

// handleTranscription runs one conversation turn on an owned task.
func (s *Service) handleTranscription(ctx context.Context, p event.Payload) error {
	if err := event.Require(p, "text"); err != nil {
		return err
	}
	text := strings.TrimSpace(p.String("text"))
	if text == "" {
		return nil
	}
	conversationID := p.String("conversation_id")

	_ = s.Bus().Emit(ctx, event.TopicVoiceProcessingStart, event.Payload{
		"conversation_id": conversationID,
	})

	if s.mem != nil {
		_ = s.mem.AppendChat(ctx, memory.ChatMessage{Role: "user", Content: text})
	}

	s.Go(func(taskCtx context.Context) {
		s.respond(taskCtx, text, conversationID)
	})
	return nil
}

// respond streams the completion, publishes the reply, and submits the speech
// plan.
func (s *Service) respond(ctx context.Context, text, conversationID string) {
	reply, err := s.complete(ctx, conversationID)
	if err != nil {
		kerr := event.Errf(event.KindExternalProviderError, s.Name(), "completion: %w", err)
		s.ReportError(ctx, event.KindExternalProviderError, kerr)
		_ = s.Bus().Emit(ctx, event.TopicLLMResponse, event.Payload{
			"text":            "",
			"conversation_id": conversationID,
			"is_complete":     true,
			"error":           err.Error(),
		})
		return
	}

	if s.mem != nil {
		_ = s.mem.AppendChat(ctx, memory.ChatMessage{Role: "assistant", Content: reply})
	}

	_ = s.Bus().Emit(ctx, event.TopicLLMResponse, event.Payload{
		"text":            reply,
		"conversation_id": conversationID,
		"is_complete":     true,
	})

	_ = s.Bus().Emit(ctx, event.TopicPlanReady, event.Payload{
		"plan": timeline.Plan{
			ID:    "persona-" + uuid.NewString()[:8],
			Layer: timeline.LayerForeground,
			Steps: []timeline.Step{
				{ID: "eyes-on", Kind: timeline.StepEyePattern, Pattern: "speaking"},
				{ID: "reply", Kind: timeline.StepSpeak, Text: reply},
				{ID: "eyes-off", Kind: timeline.StepEyePattern, Pattern: "idle"},
			},
		},
	})
}

// complete streams the model output, forwarding each chunk on
// llm/response/chunk and returning the assembled reply.
func (s *Service) complete(ctx context.Context, conversationID string) (string, error) {
	req := llm.CompletionRequest{
		Messages:     s.conversation(),
		SystemPrompt: s.systemPrompt(),
		MaxTokens:    s.cfg.MaxTokens,
		Temperature:  s.cfg.Temperature,
	}

	chunks, err := s.provider.StreamCompletion(ctx, req)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	var streamErr error
	for chunk := range chunks {
		if streamErr != nil {
			// Keep reading so the producer can close the channel.
			continue
		}
		if chunk.FinishReason == "error" {
			streamErr = fmt.Errorf("persona: stream failed: %s", chunk.Text)
			continue
		}
		if chunk.Text != "" {
			b.WriteString(chunk.Text)
			_ = s.Bus().Emit(ctx, event.TopicLLMResponseChunk, event.Payload{
				"text":            chunk.Text,
				"conversation_id": conversationID,
			})
		}
	}
	if streamErr != nil {
		return "", streamErr
	}
	return strings.TrimSpace(b.String()), nil
}

// conversation renders the memory chat history as completion messages. The
// latest user turn is already in the history by the time this runs.
func (s *Service) conversation() []llm.Message {
	if s.mem == nil {
		return nil
	}
	history := s.mem.ChatHistory()
	out := make([]llm.Message, 0, len(history))
	for _, msg := range history {
		out = append(out, llm.Message{Role: msg.Role, Content: msg.Content})
	}
	return out
}

func (s *Service) systemPrompt() string {
	if s.cfg.SystemPrompt != "" {
		return s.cfg.SystemPrompt
	}
	return defaultSystemPrompt
}
