package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/comigor/weathergpt-go/internal/agent"
	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/config"
	"github.com/comigor/weathergpt-go/internal/generation"
)

func testConfig(baseURL string) config.Config {
	return config.Config{
		LLM: config.LLMConfig{
			APIKey:        "test-key",
			BaseURL:       baseURL,
			FastModel:     "fast-model",
			AdvancedModel: "advanced-model",
			TitleModel:    "title-model",
		},
		Speech: config.SpeechConfig{Model: "tts-1"},
		Image:  config.ImageConfig{Model: "dall-e-3"},
	}
}

type recorder struct {
	mu     sync.Mutex
	bodies map[string][]byte
}

func (r *recorder) save(path string, body []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bodies == nil {
		r.bodies = map[string][]byte{}
	}
	r.bodies[path] = body
}

func (r *recorder) get(path string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bodies[path]
}

func newOpenAIServer(t *testing.T) (*OpenAI, *recorder) {
	t.Helper()
	rec := &recorder{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		rec.save(r.URL.Path, body)
		switch r.URL.Path {
		case "/v1/chat/completions":
			var req openai.ChatCompletionRequest
			_ = json.Unmarshal(body, &req)
			if req.Stream {
				w.Header().Set("Content-Type", "text/event-stream")
				for _, piece := range []string{"It's ", "", "sunny"} {
					fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", piece)
				}
				fmt.Fprint(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[]}\n\n")
				fmt.Fprint(w, "data: [DONE]\n\n")
				return
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":" \"Tokyo Weather\" "}}]}`)
		case "/v1/audio/speech":
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write([]byte{1, 2, 3, 4})
		case "/v1/images/generations":
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"created":1,"data":[{"b64_json":"aGVsbG8="}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return NewOpenAI(NewClient(testConfig(srv.URL+"/v1").LLM), testConfig(srv.URL+"/v1")), rec
}

func drain(t *testing.T, s agent.FragmentStream) []agent.Fragment {
	t.Helper()
	defer s.Close()
	var out []agent.Fragment
	for {
		f, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestOpenAI_Stream(t *testing.T) {
	o, rec := newOpenAIServer(t)

	stream, err := o.Stream(context.Background(), agent.StreamRequest{
		Tier: chat.TierAdvanced,
		History: []chat.Message{
			{Role: chat.RoleUser, Content: "hello"},
			{Role: chat.RoleAssistant, Content: "hi!"},
			{Role: chat.RoleUser, Content: "what is this?"},
		},
		Attachment: &chat.Attachment{MIMEType: "image/png", Data: []byte("png")},
		Location:   &chat.Coordinates{Latitude: 35.68, Longitude: 139.69},
	})
	require.NoError(t, err)

	frags := drain(t, stream)
	require.Len(t, frags, 2)
	require.Equal(t, "It's ", frags[0].Text)
	require.Equal(t, "sunny", frags[1].Text)

	var req openai.ChatCompletionRequest
	require.NoError(t, json.Unmarshal(rec.get("/v1/chat/completions"), &req))
	require.Equal(t, "advanced-model", req.Model)
	require.Len(t, req.Messages, 4)
	require.Equal(t, openai.ChatMessageRoleSystem, req.Messages[0].Role)
	require.Contains(t, req.Messages[0].Content, "json_weather")
	require.Contains(t, req.Messages[0].Content, "latitude 35.6800")
	require.Equal(t, "hello", req.Messages[1].Content)

	last := req.Messages[3]
	require.Len(t, last.MultiContent, 2)
	require.Equal(t, "what is this?", last.MultiContent[0].Text)
	require.Equal(t, "data:image/png;base64,cG5n", last.MultiContent[1].ImageURL.URL)
}

func TestOpenAI_Title(t *testing.T) {
	o, _ := newOpenAIServer(t)
	title, err := o.Title(context.Background(), "weather in Tokyo")
	require.NoError(t, err)
	require.Equal(t, "Tokyo Weather", title)
}

func TestOpenAI_Synthesize(t *testing.T) {
	o, rec := newOpenAIServer(t)
	clip, err := o.Synthesize(context.Background(), "hello", "Zephyr")
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, clip.PCM)
	require.Equal(t, 24000, clip.SampleRate)

	var req openai.CreateSpeechRequest
	require.NoError(t, json.Unmarshal(rec.get("/v1/audio/speech"), &req))
	require.Equal(t, openai.VoiceAlloy, req.Voice)
	require.Equal(t, openai.SpeechResponseFormatPcm, req.ResponseFormat)
}

func TestOpenAI_GenerateImage(t *testing.T) {
	o, rec := newOpenAIServer(t)
	url, err := o.GenerateImage(context.Background(), generation.ImageJob{Prompt: "a cat", AspectRatio: "9:16"})
	require.NoError(t, err)
	require.Equal(t, "data:image/png;base64,aGVsbG8=", url)

	var req openai.ImageRequest
	require.NoError(t, json.Unmarshal(rec.get("/v1/images/generations"), &req))
	require.Equal(t, openai.CreateImageSize1024x1792, req.Size)
}

func TestImageSize(t *testing.T) {
	cases := map[string]string{
		"1:1":  openai.CreateImageSize1024x1024,
		"16:9": openai.CreateImageSize1792x1024,
		"4:3":  openai.CreateImageSize1792x1024,
		"3:4":  openai.CreateImageSize1024x1792,
		"":     openai.CreateImageSize1024x1024,
	}
	for aspect, want := range cases {
		require.Equal(t, want, imageSize(aspect), aspect)
	}
}

func TestSystemInstruction(t *testing.T) {
	fast := SystemInstruction(chat.TierFast, "")
	require.True(t, strings.HasPrefix(fast, fastPersona))
	require.Contains(t, fast, "```json_weather")
	require.NotContains(t, fast, "~~~")

	require.True(t, strings.HasPrefix(SystemInstruction(chat.TierAdvanced, ""), advancedPersona))
	require.True(t, strings.HasPrefix(SystemInstruction(chat.TierAdvanced, " Be brief. "), "Be brief.\n\n"))
	require.Equal(t, "", locationNote(nil))
}

func TestNew_UnknownProvider(t *testing.T) {
	cfg := testConfig("")
	cfg.LLM.Provider = "bogus"
	_, err := New(context.Background(), &cfg)
	require.Error(t, err)
}

func TestNew_OpenAI(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1/v1")
	cfg.LLM.Provider = "openai"
	cfg.Video.Backend = "gemini"
	p, err := New(context.Background(), &cfg)
	require.NoError(t, err)
	require.NotNil(t, p.Streamer)
	require.Nil(t, p.Videos)
	require.NoError(t, p.Close())
}
