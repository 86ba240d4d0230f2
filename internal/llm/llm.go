package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/weathergpt-go/internal/agent"
	"github.com/comigor/weathergpt-go/internal/audio"
	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/config"
	"github.com/comigor/weathergpt-go/internal/generation"
	"github.com/comigor/weathergpt-go/internal/logger"
)

// PCM format produced by both speech backends.
const (
	speechSampleRate = 24000
	speechChannels   = 1
)

// NewClient creates a new OpenAI client
func NewClient(cfg config.LLMConfig) *openai.Client {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return openai.NewClientWithConfig(config)
}

// OpenAI serves chat, titles, speech and images from an OpenAI-compatible API.
type OpenAI struct {
	client Client
	cfg    config.Config
	log    *slog.Logger
}

// NewOpenAI wraps client.
func NewOpenAI(client Client, cfg config.Config) *OpenAI {
	return &OpenAI{client: client, cfg: cfg, log: logger.Component("openai")}
}

func (o *OpenAI) model(tier chat.ModelTier) string {
	if tier == chat.TierAdvanced {
		return o.cfg.LLM.AdvancedModel
	}
	return o.cfg.LLM.FastModel
}

// Stream implements agent.ModelStreamer.
func (o *OpenAI) Stream(ctx context.Context, req agent.StreamRequest) (agent.FragmentStream, error) {
	messages := []openai.ChatCompletionMessage{{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemInstruction(req.Tier, o.cfg.LLM.SystemPrompt) + locationNote(req.Location),
	}}
	for i, m := range req.History {
		last := i == len(req.History)-1
		switch m.Role {
		case chat.RoleAssistant:
			if m.Content == "" {
				continue
			}
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		default:
			attachment := m.Attachment
			if last && req.Attachment != nil {
				attachment = req.Attachment
			}
			messages = append(messages, userMessage(m.Content, attachment))
		}
	}

	o.log.Debug("opening chat stream", "model", o.model(req.Tier), "messages", len(messages))
	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    o.model(req.Tier),
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("openai stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

func userMessage(text string, attachment *chat.Attachment) openai.ChatCompletionMessage {
	if attachment == nil || !strings.HasPrefix(attachment.MIMEType, "image/") {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	}
	var parts []openai.ChatMessagePart
	if text != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	}
	parts = append(parts, openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: dataURL(attachment.MIMEType, attachment.Data)},
	})
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

func dataURL(mimeType string, data []byte) string {
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

func (s *openAIStream) Recv() (agent.Fragment, error) {
	for {
		resp, err := s.stream.Recv()
		if err != nil {
			return agent.Fragment{}, err
		}
		if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
			continue
		}
		return agent.Fragment{Text: resp.Choices[0].Delta.Content}, nil
	}
}

func (s *openAIStream) Close() error { return s.stream.Close() }

// Title implements agent.Titler.
func (o *OpenAI) Title(ctx context.Context, firstText string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.cfg.LLM.TitleModel,
		Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: titlePrompt(firstText)}},
	})
	if err != nil {
		return "", fmt.Errorf("openai title: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai title: no choices")
	}
	return strings.ReplaceAll(strings.TrimSpace(resp.Choices[0].Message.Content), `"`, ""), nil
}

var openAIVoices = map[string]openai.SpeechVoice{
	"alloy":   openai.VoiceAlloy,
	"echo":    openai.VoiceEcho,
	"fable":   openai.VoiceFable,
	"onyx":    openai.VoiceOnyx,
	"nova":    openai.VoiceNova,
	"shimmer": openai.VoiceShimmer,
}

// Synthesize implements audio.Synthesizer. Voices the API does not know
// fall back to alloy.
func (o *OpenAI) Synthesize(ctx context.Context, text, voice string) (audio.Clip, error) {
	v, ok := openAIVoices[strings.ToLower(voice)]
	if !ok {
		v = openai.VoiceAlloy
	}
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.cfg.Speech.Model),
		Input:          text,
		Voice:          v,
		ResponseFormat: openai.SpeechResponseFormatPcm,
	})
	if err != nil {
		return audio.Clip{}, fmt.Errorf("openai speech: %w", err)
	}
	defer resp.Close()

	pcm, err := io.ReadAll(resp)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("openai speech: read: %w", err)
	}
	if len(pcm) == 0 {
		return audio.Clip{}, errors.New("openai speech: no audio data in response")
	}
	return audio.Clip{PCM: pcm, SampleRate: speechSampleRate, Channels: speechChannels}, nil
}

// GenerateImage implements generation.ImageGenerator. Reference images are
// not supported by this endpoint and are ignored.
func (o *OpenAI) GenerateImage(ctx context.Context, job generation.ImageJob) (string, error) {
	if job.Reference != nil {
		o.log.Debug("reference image ignored by openai image endpoint")
	}
	resp, err := o.client.CreateImage(ctx, openai.ImageRequest{
		Prompt:         job.Prompt,
		Model:          o.cfg.Image.Model,
		N:              1,
		Size:           imageSize(job.AspectRatio),
		ResponseFormat: openai.CreateImageResponseFormatB64JSON,
	})
	if err != nil {
		return "", fmt.Errorf("openai image: %w", err)
	}
	if len(resp.Data) == 0 {
		return "", errors.New("openai image: no image data in response")
	}
	if resp.Data[0].B64JSON != "" {
		return "data:image/png;base64," + resp.Data[0].B64JSON, nil
	}
	return resp.Data[0].URL, nil
}

func imageSize(aspect string) string {
	switch aspect {
	case "16:9", "4:3":
		return openai.CreateImageSize1792x1024
	case "9:16", "3:4":
		return openai.CreateImageSize1024x1792
	default:
		return openai.CreateImageSize1024x1024
	}
}
