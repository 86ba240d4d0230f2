package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/logger"
)

const (
	// LostVideoMessage is shown when the backend forgets a running operation.
	LostVideoMessage       = "Video generation session lost. This can happen due to high traffic or model timeouts. Please try again."
	modelUnavailableMsg    = "Video generation model is currently unavailable or your account lacks access to it."
	noURIMessage           = "Video generation completed, but no URI was returned."
	timeoutMessage         = "Video generation timed out. Please try again."
	defaultPollInterval    = 10 * time.Second
	defaultMaxPolls        = 90
	progressAfterSubmit    = 10
	progressStep           = 5
	progressCapUntilFinish = 95
)

// VideoStatus is one poll result. Progress is the backend's own estimate,
// 0 when it has none.
type VideoStatus struct {
	Done     bool
	URI      string
	Progress int
}

// VideoGenerator submits and polls long-running video operations.
type VideoGenerator interface {
	SubmitVideo(ctx context.Context, prompt, aspectRatio string) (string, error)
	PollVideo(ctx context.Context, operation string) (VideoStatus, error)
}

// Videos coordinates submit-then-poll video generations.
type Videos struct {
	store    *chat.Store
	gen      VideoGenerator
	interval time.Duration
	maxPolls int
	ops      inflight
	log      *slog.Logger
}

// VideoOption configures Videos.
type VideoOption func(*Videos)

// WithPollInterval sets the delay between polls.
func WithPollInterval(d time.Duration) VideoOption {
	return func(v *Videos) {
		if d > 0 {
			v.interval = d
		}
	}
}

// WithMaxPolls caps the number of polls before giving up.
func WithMaxPolls(n int) VideoOption {
	return func(v *Videos) {
		if n > 0 {
			v.maxPolls = n
		}
	}
}

// NewVideos creates a video coordinator.
func NewVideos(store *chat.Store, gen VideoGenerator, opts ...VideoOption) *Videos {
	v := &Videos{
		store:    store,
		gen:      gen,
		interval: defaultPollInterval,
		maxPolls: defaultMaxPolls,
		log:      logger.Component("videos"),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// StartVideo marks the message as generating and runs the operation in the
// background.
func (v *Videos) StartVideo(ctx context.Context, sessionID, messageID string, req chat.VideoRequest) error {
	key := opKey(sessionID, messageID)
	if !v.ops.acquire(key) {
		return ErrOperationInFlight
	}
	ok := v.store.UpdateMessage(sessionID, messageID, func(m *chat.Message) {
		r := req
		m.VideoRequest = &r
		m.VideoResult = &chat.VideoResult{Status: chat.StatusGenerating, Progress: 0}
	})
	if !ok {
		v.ops.release(key)
		return chat.ErrMessageNotFound
	}

	go func() {
		defer v.ops.release(key)
		v.run(context.WithoutCancel(ctx), sessionID, messageID, req)
	}()
	return nil
}

func (v *Videos) run(ctx context.Context, sessionID, messageID string, req chat.VideoRequest) {
	log := v.log.With("session", sessionID, "message", messageID)

	update := func(r chat.VideoResult) bool {
		return v.store.UpdateMessage(sessionID, messageID, func(m *chat.Message) { m.VideoResult = &r })
	}
	fail := func(msg string) {
		update(chat.VideoResult{Status: chat.StatusError, Error: msg})
	}

	op, err := v.gen.SubmitVideo(ctx, req.Prompt, req.AspectRatio)
	if err != nil {
		log.Error("video submit failed", "error", err)
		if errors.Is(err, ErrOperationNotFound) {
			fail(modelUnavailableMsg)
		} else {
			fail(fmt.Sprintf("Video generation failed: %v", err))
		}
		return
	}
	progress := progressAfterSubmit
	if !update(chat.VideoResult{Status: chat.StatusGenerating, Progress: progress}) {
		log.Info("message gone; abandoning video operation", "operation", op)
		return
	}

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	for polls := 0; polls < v.maxPolls; polls++ {
		select {
		case <-ctx.Done():
			fail(fmt.Sprintf("Video generation failed: %v", ctx.Err()))
			return
		case <-ticker.C:
		}

		st, err := v.gen.PollVideo(ctx, op)
		if errors.Is(err, ErrOperationNotFound) {
			log.Warn("video operation lost", "operation", op)
			fail(LostVideoMessage)
			return
		}
		if err != nil {
			log.Error("video poll failed", "operation", op, "error", err)
			fail(fmt.Sprintf("Video generation failed: %v", err))
			return
		}

		if st.Done {
			if st.URI == "" {
				fail(noURIMessage)
				return
			}
			update(chat.VideoResult{Status: chat.StatusDone, URI: st.URI, Progress: 100})
			log.Info("video ready", "operation", op)
			return
		}

		progress = nextProgress(progress, st.Progress)
		if !update(chat.VideoResult{Status: chat.StatusGenerating, Progress: progress}) {
			log.Info("message gone; abandoning video operation", "operation", op)
			return
		}
	}

	log.Warn("video polling gave up", "operation", op, "polls", v.maxPolls)
	fail(timeoutMessage)
}

// nextProgress is monotonic and stays below 100 until the operation is done.
func nextProgress(current, reported int) int {
	next := current + progressStep
	if reported > next {
		next = reported
	}
	return min(next, progressCapUntilFinish)
}

// Running reports whether the message has a video in flight.
func (v *Videos) Running(sessionID, messageID string) bool {
	return v.ops.running(opKey(sessionID, messageID))
}

// Wait blocks until every started video has finished.
func (v *Videos) Wait() { v.ops.wg.Wait() }
