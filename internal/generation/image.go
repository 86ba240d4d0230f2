package generation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/logger"
)

// ImageJob is one image request.
type ImageJob struct {
	Prompt      string
	AspectRatio string
	Reference   *chat.Attachment
}

// ImageGenerator renders an image and returns a URL or data URL.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, job ImageJob) (string, error)
}

// Images coordinates single-shot image generations.
type Images struct {
	store *chat.Store
	gen   ImageGenerator
	ops   inflight
	log   *slog.Logger
}

// NewImages creates an image coordinator.
func NewImages(store *chat.Store, gen ImageGenerator) *Images {
	return &Images{store: store, gen: gen, log: logger.Component("images")}
}

// StartImage marks the message as generating and renders in the background.
func (i *Images) StartImage(ctx context.Context, sessionID, messageID string, req chat.ImageRequest, reference *chat.Attachment) error {
	key := opKey(sessionID, messageID)
	if !i.ops.acquire(key) {
		return ErrOperationInFlight
	}
	ok := i.store.UpdateMessage(sessionID, messageID, func(m *chat.Message) {
		r := req
		m.ImageRequest = &r
		m.ImageResult = &chat.ImageResult{Status: chat.StatusGenerating, Prompt: req.Prompt}
	})
	if !ok {
		i.ops.release(key)
		return chat.ErrMessageNotFound
	}

	go func() {
		defer i.ops.release(key)
		i.run(context.WithoutCancel(ctx), sessionID, messageID, req, reference)
	}()
	return nil
}

func (i *Images) run(ctx context.Context, sessionID, messageID string, req chat.ImageRequest, reference *chat.Attachment) {
	url, err := i.gen.GenerateImage(ctx, ImageJob{Prompt: req.Prompt, AspectRatio: req.AspectRatio, Reference: reference})

	result := chat.ImageResult{Status: chat.StatusDone, Prompt: req.Prompt, URL: url}
	if err != nil {
		i.log.Error("image generation failed", "session", sessionID, "message", messageID, "error", err)
		result = chat.ImageResult{Status: chat.StatusError, Prompt: req.Prompt, Error: fmt.Sprintf("Image generation failed: %v", err)}
	} else if url == "" {
		result = chat.ImageResult{Status: chat.StatusError, Prompt: req.Prompt, Error: "Image generation completed, but no image was returned."}
	}

	if !i.store.UpdateMessage(sessionID, messageID, func(m *chat.Message) { m.ImageResult = &result }) {
		i.log.Info("image finished for a message that no longer exists", "session", sessionID, "message", messageID)
	}
}

// Running reports whether the message has an image in flight.
func (i *Images) Running(sessionID, messageID string) bool {
	return i.ops.running(opKey(sessionID, messageID))
}

// Wait blocks until every started image has finished.
func (i *Images) Wait() { i.ops.wg.Wait() }
