package app

import (
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/cantinaworks/djrex/internal/config"
	"github.com/cantinaworks/djrex/internal/resilience"
	"github.com/cantinaworks/djrex/pkg/provider/llm"
	"github.com/cantinaworks/djrex/pkg/provider/llm/anyllm"
	"github.com/cantinaworks/djrex/pkg/provider/tts"
	"github.com/cantinaworks/djrex/pkg/provider/tts/elevenlabs"
	"github.com/cantinaworks/djrex/pkg/provider/tts/openai"
)

// ttsRegistry maps TTS provider names to constructors.
func ttsRegistry() *config.Registry[tts.Provider] {
	r := config.NewRegistry[tts.Provider]()
	r.Register("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})
	r.Register("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []openai.Option
		if entry.Model != "" {
			opts = append(opts, openai.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		return openai.New(entry.APIKey, opts...)
	})
	return r
}

// BuildProviders resolves the configured external backends. Entries with no
// name are skipped silently; entries that fail to build (typically a missing
// API key) are skipped with a warning so the kernel can run without them.
func BuildProviders(cfg *config.Config) *Providers {
	p := &Providers{}
	registry := ttsRegistry()

	for _, entry := range []config.ProviderEntry{cfg.Providers.TTS, cfg.Providers.TTSFallback} {
		if entry.Name == "" {
			continue
		}
		provider, err := buildTTS(registry, entry)
		if err != nil {
			slog.Warn("skipping TTS provider", "provider", entry.Name, "err", err)
			continue
		}
		p.TTS = append(p.TTS, provider)
		slog.Info("TTS provider ready", "provider", entry.Name)
	}

	if entry := cfg.Providers.LLM; entry.Name != "" {
		provider, err := buildLLM(entry)
		if err != nil {
			slog.Warn("skipping LLM provider, persona disabled", "provider", entry.Name, "err", err)
		} else {
			slog.Info("LLM provider ready", "provider", entry.Name, "model", entry.Model)
			p.LLM = wrapLLMFallback(provider, entry, cfg.Providers.LLMFallback)
		}
	}

	return p
}

// wrapLLMFallback chains the fallback LLM behind the primary through a
// circuit breaker, mirroring the TTS chain. A missing or broken fallback
// leaves the primary bare.
func wrapLLMFallback(primary llm.Provider, primaryEntry, fbEntry config.ProviderEntry) llm.Provider {
	if fbEntry.Name == "" {
		return primary
	}
	fb, err := buildLLM(fbEntry)
	if err != nil {
		slog.Warn("skipping LLM fallback provider", "provider", fbEntry.Name, "err", err)
		return primary
	}
	chain := resilience.NewLLMFallback(primary, primaryEntry.Name, resilience.FallbackConfig{})
	chain.AddFallback(fbEntry.Name, fb)
	slog.Info("LLM fallback ready", "provider", fbEntry.Name, "model", fbEntry.Model)
	return chain
}

func buildTTS(r *config.Registry[tts.Provider], entry config.ProviderEntry) (tts.Provider, error) {
	if entry.APIKey == "" {
		return nil, fmt.Errorf("no API key for %q", entry.Name)
	}
	return r.Build(entry)
}

func buildLLM(entry config.ProviderEntry) (*anyllm.Provider, error) {
	var opts []anyllmlib.Option
	if entry.APIKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
	}
	if entry.BaseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
	}
	return anyllm.New(entry.Name, entry.Model, opts...)
}
