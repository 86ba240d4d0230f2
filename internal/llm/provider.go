package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/comigor/weathergpt-go/internal/agent"
	"github.com/comigor/weathergpt-go/internal/audio"
	"github.com/comigor/weathergpt-go/internal/config"
	"github.com/comigor/weathergpt-go/internal/generation"
	"github.com/comigor/weathergpt-go/internal/logger"
)

// Provider bundles the model-backed collaborators of the app. Videos is nil
// when video generation is disabled.
type Provider struct {
	Streamer agent.ModelStreamer
	Titler   agent.Titler
	Speech   audio.Synthesizer
	Images   generation.ImageGenerator
	Videos   generation.VideoGenerator

	closers []func() error
}

// New builds the provider selected by cfg.LLM.Provider.
func New(ctx context.Context, cfg *config.Config) (*Provider, error) {
	p := &Provider{}

	switch cfg.LLM.Provider {
	case "openai":
		o := NewOpenAI(NewClient(cfg.LLM), *cfg)
		p.Streamer, p.Titler, p.Speech, p.Images = o, o, o, o
		if cfg.Video.Backend == "gemini" {
			logger.L.Warn("gemini video backend needs the gemini provider; video generation disabled")
		}
	case "gemini", "":
		client, err := NewGeminiClient(ctx, cfg.LLM)
		if err != nil {
			return nil, err
		}
		g := NewGemini(client, *cfg)
		p.Streamer, p.Titler, p.Speech, p.Images = g, g, g, g
		if cfg.Video.Backend == "gemini" {
			p.Videos = NewGeminiVideo(client, cfg.Video.Model)
		}
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.LLM.Provider)
	}

	if cfg.Video.Backend == "mcp" {
		c, err := ConnectMCP(ctx, cfg.Video.MCP)
		if err != nil {
			logger.L.Error("MCP video backend unavailable; video generation disabled", "error", err)
		} else {
			v := NewMCPVideo(c)
			p.Videos = v
			p.closers = append(p.closers, v.Close)
		}
	}
	return p, nil
}

// Close releases backend connections.
func (p *Provider) Close() error {
	var errs []error
	for _, c := range p.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
