package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/comigor/weathergpt-go/internal/agent"
	"github.com/comigor/weathergpt-go/internal/audio"
	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/config"
	"github.com/comigor/weathergpt-go/internal/generation"
	"github.com/comigor/weathergpt-go/internal/logger"
)

// NewGeminiClient creates a Gemini Developer API client.
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (*genai.Client, error) {
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return client, nil
}

// Gemini serves chat, titles, speech and images from the Gemini API.
type Gemini struct {
	client *genai.Client
	cfg    config.Config
	log    *slog.Logger
}

// NewGemini wraps client.
func NewGemini(client *genai.Client, cfg config.Config) *Gemini {
	return &Gemini{client: client, cfg: cfg, log: logger.Component("gemini")}
}

func (g *Gemini) model(tier chat.ModelTier) string {
	if tier == chat.TierAdvanced {
		return g.cfg.LLM.AdvancedModel
	}
	return g.cfg.LLM.FastModel
}

// Stream implements agent.ModelStreamer. Replies are grounded on Google
// Search and biased towards req.Location when known.
func (g *Gemini) Stream(ctx context.Context, req agent.StreamRequest) (agent.FragmentStream, error) {
	var contents []*genai.Content
	for i, m := range req.History {
		if m.Role == chat.RoleAssistant {
			if m.Content != "" {
				contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
			}
			continue
		}
		attachment := m.Attachment
		if i == len(req.History)-1 && req.Attachment != nil {
			attachment = req.Attachment
		}
		var parts []*genai.Part
		if attachment != nil {
			parts = append(parts, genai.NewPartFromBytes(attachment.Data, attachment.MIMEType))
		}
		if m.Content != "" {
			parts = append(parts, genai.NewPartFromText(m.Content))
		}
		if len(parts) > 0 {
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(SystemInstruction(req.Tier, g.cfg.LLM.SystemPrompt), genai.RoleUser),
		Tools:             []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	if req.Location != nil {
		cfg.ToolConfig = &genai.ToolConfig{
			RetrievalConfig: &genai.RetrievalConfig{
				LatLng: &genai.LatLng{
					Latitude:  genai.Ptr(req.Location.Latitude),
					Longitude: genai.Ptr(req.Location.Longitude),
				},
			},
		}
	}
	if req.Tier == chat.TierAdvanced && g.cfg.LLM.ThinkingBudget > 0 {
		cfg.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: genai.Ptr(int32(g.cfg.LLM.ThinkingBudget))}
	}

	g.log.Debug("opening chat stream", "model", g.model(req.Tier), "contents", len(contents))
	next, stop := iter.Pull2(g.client.Models.GenerateContentStream(ctx, g.model(req.Tier), contents, cfg))
	return &geminiStream{next: next, stop: stop}, nil
}

type geminiStream struct {
	next func() (*genai.GenerateContentResponse, error, bool)
	stop func()
}

func (s *geminiStream) Recv() (agent.Fragment, error) {
	for {
		resp, err, ok := s.next()
		if !ok {
			return agent.Fragment{}, io.EOF
		}
		if err != nil {
			return agent.Fragment{}, fmt.Errorf("gemini stream: %w", err)
		}
		frag := agent.Fragment{Text: resp.Text(), Citations: citations(resp)}
		if frag.Text == "" && len(frag.Citations) == 0 {
			continue
		}
		return frag, nil
	}
}

func (s *geminiStream) Close() error {
	s.stop()
	return nil
}

func citations(resp *genai.GenerateContentResponse) []chat.Citation {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].GroundingMetadata == nil {
		return nil
	}
	var out []chat.Citation
	for _, chunk := range resp.Candidates[0].GroundingMetadata.GroundingChunks {
		if chunk == nil || chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		out = append(out, chat.Citation{URI: chunk.Web.URI, Title: chunk.Web.Title})
	}
	return out
}

// Title implements agent.Titler.
func (g *Gemini) Title(ctx context.Context, firstText string) (string, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.LLM.TitleModel, genai.Text(titlePrompt(firstText)), nil)
	if err != nil {
		return "", fmt.Errorf("gemini title: %w", err)
	}
	return strings.TrimSpace(resp.Text()), nil
}

// Synthesize implements audio.Synthesizer with a prebuilt voice.
func (g *Gemini) Synthesize(ctx context.Context, text, voice string) (audio.Clip, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Speech.Model, genai.Text(text), cfg)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("gemini speech: %w", err)
	}
	blob := firstInline(resp)
	if blob == nil || len(blob.Data) == 0 {
		return audio.Clip{}, errors.New("gemini speech: no audio data in response")
	}
	return audio.Clip{PCM: blob.Data, SampleRate: speechSampleRate, Channels: speechChannels}, nil
}

// GenerateImage implements generation.ImageGenerator. A reference image is
// sent ahead of the prompt.
func (g *Gemini) GenerateImage(ctx context.Context, job generation.ImageJob) (string, error) {
	var parts []*genai.Part
	if job.Reference != nil {
		parts = append(parts, genai.NewPartFromBytes(job.Reference.Data, job.Reference.MIMEType))
	}
	parts = append(parts, genai.NewPartFromText(imagePrompt(job.Prompt, job.AspectRatio)))

	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityImage), string(genai.ModalityText)},
		ImageConfig:        &genai.ImageConfig{AspectRatio: job.AspectRatio},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Image.Model,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini image: %w", err)
	}
	blob := firstInline(resp)
	if blob == nil || len(blob.Data) == 0 {
		return "", errors.New("gemini image: no image data in response")
	}
	mimeType := blob.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return dataURL(mimeType, blob.Data), nil
}

func firstInline(resp *genai.GenerateContentResponse) *genai.Blob {
	if resp == nil {
		return nil
	}
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if p != nil && p.InlineData != nil {
				return p.InlineData
			}
		}
	}
	return nil
}

// GeminiVideo runs Veo operations.
type GeminiVideo struct {
	client *genai.Client
	model  string
}

// NewGeminiVideo creates a video backend for model.
func NewGeminiVideo(client *genai.Client, model string) *GeminiVideo {
	return &GeminiVideo{client: client, model: model}
}

// SubmitVideo implements generation.VideoGenerator.
func (v *GeminiVideo) SubmitVideo(ctx context.Context, prompt, aspectRatio string) (string, error) {
	op, err := v.client.Models.GenerateVideos(ctx, v.model, prompt, nil, &genai.GenerateVideosConfig{
		NumberOfVideos: 1,
		AspectRatio:    aspectRatio,
		Resolution:     "720p",
	})
	if err != nil {
		return "", classify(err)
	}
	if op == nil || op.Name == "" {
		return "", errors.New("gemini video: no operation returned")
	}
	return op.Name, nil
}

// PollVideo implements generation.VideoGenerator.
func (v *GeminiVideo) PollVideo(ctx context.Context, operation string) (generation.VideoStatus, error) {
	op, err := v.client.Operations.GetVideosOperation(ctx, &genai.GenerateVideosOperation{Name: operation}, nil)
	if err != nil {
		return generation.VideoStatus{}, classify(err)
	}
	if op.Error != nil {
		return generation.VideoStatus{}, fmt.Errorf("gemini video: %v", op.Error["message"])
	}
	if !op.Done {
		return generation.VideoStatus{}, nil
	}
	st := generation.VideoStatus{Done: true}
	if op.Response != nil && len(op.Response.GeneratedVideos) > 0 {
		if gv := op.Response.GeneratedVideos[0]; gv != nil && gv.Video != nil {
			st.URI = gv.Video.URI
		}
	}
	return st, nil
}

// classify maps a 404 from the API to generation.ErrOperationNotFound.
func classify(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", generation.ErrOperationNotFound, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr.Code == http.StatusNotFound {
		return fmt.Errorf("%w: %s", generation.ErrOperationNotFound, apiErrPtr.Message)
	}
	if msg := err.Error(); strings.Contains(msg, "404") || strings.Contains(msg, "NOT_FOUND") {
		return fmt.Errorf("%w: %s", generation.ErrOperationNotFound, msg)
	}
	return fmt.Errorf("gemini video: %w", err)
}
