package chat

import (
	"time"

	"github.com/comigor/weathergpt-go/internal/units"
	"github.com/comigor/weathergpt-go/internal/weather"
)

// Role of a message author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ModelTier selects the model family used for a session.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierAdvanced ModelTier = "advanced"
)

// AudioState is the playback status of an assistant message.
type AudioState string

const (
	AudioIdle    AudioState = "idle"
	AudioLoading AudioState = "loading"
	AudioPlaying AudioState = "playing"
)

// OperationStatus is the lifecycle of an async image/video generation.
type OperationStatus string

const (
	StatusGenerating OperationStatus = "generating"
	StatusDone       OperationStatus = "done"
	StatusError      OperationStatus = "error"
)

// Attachment is binary content supplied by the user with a turn.
type Attachment struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

// Citation is a source the model grounded its answer on.
type Citation struct {
	URI   string `json:"uri"`
	Title string `json:"title,omitempty"`
}

// Coordinates is a latitude/longitude pair.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// ImageRequest is a json_image payload.
type ImageRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspectRatio"`
}

// ImageResult tracks an image generation attached to a message.
type ImageResult struct {
	Status OperationStatus `json:"status"`
	Prompt string          `json:"prompt,omitempty"`
	URL    string          `json:"url,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// VideoRequest is a json_video payload.
type VideoRequest struct {
	Prompt      string `json:"prompt"`
	AspectRatio string `json:"aspectRatio"`
}

// VideoResult tracks a video generation attached to a message.
type VideoResult struct {
	Status   OperationStatus `json:"status"`
	URI      string          `json:"uri,omitempty"`
	Error    string          `json:"error,omitempty"`
	Progress int             `json:"progress"`
}

// Message is a single entry of a session. Content only grows while
// IsStreaming is true and is frozen afterwards; the payload fields below may
// still be written by side-effect coordinators.
type Message struct {
	ID          string      `json:"id"`
	Role        Role        `json:"role"`
	Content     string      `json:"content"`
	IsStreaming bool        `json:"isStreaming"`
	CreatedAt   time.Time   `json:"createdAt"`
	Attachment  *Attachment `json:"attachment,omitempty"`

	Location     string              `json:"location,omitempty"`
	Current      *weather.Current    `json:"current,omitempty"`
	Hourly       []weather.DataPoint `json:"hourly,omitempty"`
	Daily        []weather.DataPoint `json:"daily,omitempty"`
	Alerts       []weather.Alert     `json:"alerts,omitempty"`
	Insights     []string            `json:"insights,omitempty"`
	Units        units.System        `json:"units,omitempty"`
	Diagrams     []string            `json:"diagrams,omitempty"`
	Citations    []Citation          `json:"citations,omitempty"`
	ContainsPlan bool                `json:"containsPlan,omitempty"`

	AudioState   AudioState    `json:"audioState,omitempty"`
	ImageRequest *ImageRequest `json:"imageRequest,omitempty"`
	ImageResult  *ImageResult  `json:"imageResult,omitempty"`
	VideoRequest *VideoRequest `json:"videoRequest,omitempty"`
	VideoResult  *VideoResult  `json:"videoResult,omitempty"`
}

// Clone returns a copy that shares no mutable state with m.
func (m Message) Clone() Message {
	out := m
	if m.Attachment != nil {
		a := *m.Attachment
		a.Data = append([]byte(nil), m.Attachment.Data...)
		out.Attachment = &a
	}
	if m.Current != nil {
		c := *m.Current
		out.Current = &c
	}
	out.Hourly = cloneSlice(m.Hourly)
	out.Daily = cloneSlice(m.Daily)
	out.Alerts = cloneSlice(m.Alerts)
	out.Insights = cloneSlice(m.Insights)
	out.Diagrams = cloneSlice(m.Diagrams)
	out.Citations = cloneSlice(m.Citations)
	if m.ImageRequest != nil {
		r := *m.ImageRequest
		out.ImageRequest = &r
	}
	if m.ImageResult != nil {
		r := *m.ImageResult
		out.ImageResult = &r
	}
	if m.VideoRequest != nil {
		r := *m.VideoRequest
		out.VideoRequest = &r
	}
	if m.VideoResult != nil {
		r := *m.VideoResult
		out.VideoResult = &r
	}
	return out
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}
	return append([]T(nil), s...)
}

// Session is an ordered conversation.
type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"createdAt"`
	Model     ModelTier `json:"model"`
	Messages  []Message `json:"messages"`
}

// Clone returns a deep copy of s.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	for i, m := range s.Messages {
		out.Messages[i] = m.Clone()
	}
	return out
}

// DefaultTitle is used until title generation completes.
const DefaultTitle = "New Chat"

// Settings are the user preferences that influence turn handling.
type Settings struct {
	DefaultModel       ModelTier    `json:"defaultModel"`
	Voice              string       `json:"voice"`
	Units              units.System `json:"units"`
	ConversationalMode bool         `json:"conversationalMode"`
}

// DefaultSettings mirrors the out-of-the-box preferences.
func DefaultSettings() Settings {
	return Settings{
		DefaultModel: TierFast,
		Voice:        "Zephyr",
		Units:        units.Metric,
	}
}
