package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/qmuntal/stateless"

	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/interpreter"
	"github.com/comigor/weathergpt-go/internal/logger"
)

// TurnState is a state of the per-turn machine.
type TurnState string

const (
	StateIdle                TurnState = "Idle"
	StateUserMessageAppended TurnState = "UserMessageAppended"
	StateStreaming           TurnState = "AssistantPlaceholderStreaming"
	StateFinalized           TurnState = "AssistantFinalized"
	StateDispatched          TurnState = "SideEffectsDispatched" // terminal
)

type turnTrigger string

const (
	triggerAppended        turnTrigger = "Appended"
	triggerStreamStarted   turnTrigger = "StreamStarted"
	triggerStreamCompleted turnTrigger = "StreamCompleted"
	triggerStreamFailed    turnTrigger = "StreamFailed"
	triggerDispatch        turnTrigger = "Dispatch"
)

var (
	ErrEmptyInput   = errors.New("nothing to send")
	ErrTurnInFlight = chat.ErrTurnInFlight
)

const (
	titleFallbackRunes = 30
	defaultLocateWait  = 10 * time.Second
)

// StreamRequest is what the model sees for one turn.
type StreamRequest struct {
	Tier       chat.ModelTier
	History    []chat.Message // oldest first, ends with the new user message
	Attachment *chat.Attachment
	Location   *chat.Coordinates
}

// Fragment is one piece of a streamed reply.
type Fragment struct {
	Text      string
	Citations []chat.Citation
}

// FragmentStream yields fragments until Recv returns io.EOF.
type FragmentStream interface {
	Recv() (Fragment, error)
	Close() error
}

// ModelStreamer opens a streaming completion.
type ModelStreamer interface {
	Stream(ctx context.Context, req StreamRequest) (FragmentStream, error)
}

// Titler names a session after its first message.
type Titler interface {
	Title(ctx context.Context, firstText string) (string, error)
}

// Locator resolves the user's position.
type Locator interface {
	Locate(ctx context.Context) (*chat.Coordinates, error)
}

// Speaker reads a finished reply aloud.
type Speaker interface {
	Play(ctx context.Context, sessionID, messageID, text string, restartCaptureAfter bool)
}

// ImageStarter begins an image generation for a message.
type ImageStarter interface {
	StartImage(ctx context.Context, sessionID, messageID string, req chat.ImageRequest, reference *chat.Attachment) error
}

// VideoStarter begins a video generation for a message.
type VideoStarter interface {
	StartVideo(ctx context.Context, sessionID, messageID string, req chat.VideoRequest) error
}

// VoiceHooks lets the voice loop observe turns.
type VoiceHooks interface {
	AutoPlayPending() bool
	ClearAutoPlay()
	Rearm()
}

// Agent runs turns against the current session.
type Agent struct {
	store *chat.Store
	input *chat.InputBuffer
	model ModelStreamer

	titler     Titler
	locator    Locator
	speaker    Speaker
	images     ImageStarter
	videos     VideoStarter
	voice      VoiceHooks
	locateWait time.Duration

	log *slog.Logger
}

// Option configures an Agent.
type Option func(*Agent)

func WithTitler(t Titler) Option { return func(a *Agent) { a.titler = t } }
func WithLocator(l Locator) Option { return func(a *Agent) { a.locator = l } }
func WithSpeaker(s Speaker) Option { return func(a *Agent) { a.speaker = s } }
func WithImages(i ImageStarter) Option { return func(a *Agent) { a.images = i } }
func WithVideos(v VideoStarter) Option { return func(a *Agent) { a.videos = v } }
func WithInput(b *chat.InputBuffer) Option { return func(a *Agent) { a.input = b } }
func WithLocateTimeout(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.locateWait = d
		}
	}
}

// New creates an agent.
func New(store *chat.Store, model ModelStreamer, opts ...Option) *Agent {
	a := &Agent{
		store:      store,
		input:      &chat.InputBuffer{},
		model:      model,
		locateWait: defaultLocateWait,
		log:        logger.Component("agent"),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// SetVoiceHooks attaches the voice loop. It is set after construction
// because the voice loop itself submits through the agent.
func (a *Agent) SetVoiceHooks(v VoiceHooks) { a.voice = v }

// Input is the pending input buffer.
func (a *Agent) Input() *chat.InputBuffer { return a.input }

// Turn is one user message and the reply to it.
type Turn struct {
	SessionID          string
	UserMessageID      string
	AssistantMessageID string

	tier       chat.ModelTier
	text       string
	attachment *chat.Attachment

	fsm  *stateless.StateMachine
	done chan struct{}

	reply     strings.Builder
	citations []chat.Citation
	err       error
	parsed    interpreter.ParsedTurn
	live      bool // assistant message still existed at finalization
}

// Done is closed once side effects have been dispatched.
func (t *Turn) Done() <-chan struct{} { return t.done }

// State reports where the turn is.
func (t *Turn) State() TurnState {
	return t.fsm.MustState().(TurnState)
}

// Err is the stream error, if any. Valid after Done.
func (t *Turn) Err() error { return t.err }

// Submit starts a turn in the current session, creating one if needed.
// It returns once both messages are appended; the reply streams in the
// background. ctx bounds the model call, not Submit itself.
func (a *Agent) Submit(ctx context.Context, text string, attachment *chat.Attachment) (*Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" && attachment == nil {
		a.rearm()
		return nil, ErrEmptyInput
	}

	sessionID := a.store.CurrentID()
	sess, ok := a.store.Session(sessionID)
	if !ok {
		sess = a.store.CreateSession(a.store.Settings().DefaultModel)
		sessionID = sess.ID
	}

	now := a.store.Now()
	user := chat.Message{
		ID:         a.store.NewID(),
		Role:       chat.RoleUser,
		Content:    text,
		CreatedAt:  now,
		Attachment: attachment,
	}
	placeholder := chat.Message{
		ID:          a.store.NewID(),
		Role:        chat.RoleAssistant,
		IsStreaming: true,
		CreatedAt:   now,
		AudioState:  chat.AudioIdle,
	}

	first, err := a.store.AppendTurn(sessionID, user, placeholder)
	if err != nil {
		a.rearm()
		return nil, err
	}

	t := &Turn{
		SessionID:          sessionID,
		UserMessageID:      user.ID,
		AssistantMessageID: placeholder.ID,
		tier:               sess.Model,
		text:               text,
		attachment:         attachment,
		done:               make(chan struct{}),
	}
	a.configure(t)

	if err := t.fsm.FireCtx(ctx, triggerAppended, first); err != nil {
		a.log.Error("turn machine rejected append", "session", sessionID, "error", err)
	}
	go a.run(context.WithoutCancel(ctx), t)
	return t, nil
}

// Retry drops a user message and everything after it, then sends the same
// content again.
func (a *Agent) Retry(ctx context.Context, userMessageID string) (*Turn, error) {
	sessionID := a.store.CurrentID()
	m, ok := a.store.Message(sessionID, userMessageID)
	if !ok || m.Role != chat.RoleUser {
		return nil, chat.ErrMessageNotFound
	}
	if a.store.Streaming(sessionID) {
		return nil, ErrTurnInFlight
	}
	if err := a.store.TruncateFrom(sessionID, userMessageID); err != nil {
		return nil, err
	}
	return a.Submit(ctx, m.Content, m.Attachment)
}

func (a *Agent) configure(t *Turn) {
	fsm := stateless.NewStateMachine(StateIdle)

	fsm.Configure(StateIdle).
		Permit(triggerAppended, StateUserMessageAppended)

	fsm.Configure(StateUserMessageAppended).
		OnEntry(func(ctx context.Context, args ...any) error {
			a.input.Clear()
			if len(args) > 0 && args[0] == true {
				go a.generateTitle(context.WithoutCancel(ctx), t.SessionID, t.text)
			}
			return nil
		}).
		Permit(triggerStreamStarted, StateStreaming)

	fsm.Configure(StateStreaming).
		OnEntry(func(ctx context.Context, _ ...any) error {
			t.err = a.consume(ctx, t)
			return nil
		}).
		Permit(triggerStreamCompleted, StateFinalized).
		Permit(triggerStreamFailed, StateFinalized)

	fsm.Configure(StateFinalized).
		OnEntryFrom(triggerStreamCompleted, func(ctx context.Context, _ ...any) error {
			a.finalize(t)
			return nil
		}).
		OnEntryFrom(triggerStreamFailed, func(ctx context.Context, _ ...any) error {
			a.fail(t)
			return nil
		}).
		Permit(triggerDispatch, StateDispatched)

	fsm.Configure(StateDispatched).
		OnEntry(func(ctx context.Context, _ ...any) error {
			a.dispatch(ctx, t)
			return nil
		})

	t.fsm = fsm
}

func (a *Agent) run(ctx context.Context, t *Turn) {
	defer close(t.done)

	fire := func(trigger turnTrigger) {
		if err := t.fsm.FireCtx(ctx, trigger); err != nil {
			a.log.Error("turn machine transition failed", "trigger", trigger, "session", t.SessionID, "error", err)
		}
	}

	fire(triggerStreamStarted)
	if t.err != nil {
		fire(triggerStreamFailed)
	} else {
		fire(triggerStreamCompleted)
	}
	fire(triggerDispatch)
}

func (a *Agent) consume(ctx context.Context, t *Turn) error {
	sess, ok := a.store.Session(t.SessionID)
	if !ok {
		return chat.ErrSessionNotFound
	}
	history := make([]chat.Message, 0, len(sess.Messages))
	for _, m := range sess.Messages {
		if m.ID != t.AssistantMessageID {
			history = append(history, m)
		}
	}

	stream, err := a.model.Stream(ctx, StreamRequest{
		Tier:       t.tier,
		History:    history,
		Attachment: t.attachment,
		Location:   a.locate(ctx),
	})
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	for {
		frag, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read stream: %w", err)
		}
		t.reply.WriteString(frag.Text)
		t.citations = mergeCitations(t.citations, frag.Citations)

		citations := append([]chat.Citation(nil), t.citations...)
		if !a.store.UpdateMessage(t.SessionID, t.AssistantMessageID, func(m *chat.Message) {
			m.Content += frag.Text
			m.Citations = citations
		}) {
			a.log.Debug("placeholder gone; draining stream without write-back", "session", t.SessionID)
		}
	}
}

func (a *Agent) finalize(t *Turn) {
	t.parsed = interpreter.Interpret(t.reply.String(), a.store.Settings().Units)
	citations := append([]chat.Citation(nil), t.citations...)
	t.live = a.store.UpdateMessage(t.SessionID, t.AssistantMessageID, func(m *chat.Message) {
		t.parsed.Apply(m)
		m.Citations = citations
	})
	if !t.live {
		a.log.Info("reply finished for a message that no longer exists", "session", t.SessionID)
		return
	}
	if t.parsed.Location != "" {
		a.store.RememberLocation(t.parsed.Location)
	}
}

func (a *Agent) fail(t *Turn) {
	a.log.Error("stream failed", "session", t.SessionID, "error", t.err)
	content := fmt.Sprintf("Sorry, I encountered an error. Details: %v", t.err)
	t.live = a.store.UpdateMessage(t.SessionID, t.AssistantMessageID, func(m *chat.Message) {
		m.Content = content
		m.IsStreaming = false
	})
}

func (a *Agent) dispatch(ctx context.Context, t *Turn) {
	if !t.live {
		return
	}
	p := t.parsed

	if p.Video != nil && a.videos != nil {
		if err := a.videos.StartVideo(ctx, t.SessionID, t.AssistantMessageID, *p.Video); err != nil {
			a.log.Warn("video not started", "session", t.SessionID, "error", err)
		}
	}
	if p.Image != nil && a.images != nil {
		if err := a.images.StartImage(ctx, t.SessionID, t.AssistantMessageID, *p.Image, t.attachment); err != nil {
			a.log.Warn("image not started", "session", t.SessionID, "error", err)
		}
	}

	conversational := a.store.Settings().ConversationalMode
	autoPlay := a.voice != nil && a.voice.AutoPlayPending()
	if (autoPlay || conversational) && p.Text != "" && a.speaker != nil {
		if a.voice != nil {
			a.voice.ClearAutoPlay()
		}
		go a.speaker.Play(ctx, t.SessionID, t.AssistantMessageID, p.Text, conversational)
		return
	}
	if conversational {
		a.rearm()
	}
}

func (a *Agent) rearm() {
	if a.voice != nil {
		a.voice.Rearm()
	}
}

func (a *Agent) locate(ctx context.Context) *chat.Coordinates {
	if a.locator == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.locateWait)
	defer cancel()
	c, err := a.locator.Locate(ctx)
	if err != nil {
		a.log.Warn("location unavailable; continuing without it", "error", err)
		return nil
	}
	return c
}

func (a *Agent) generateTitle(ctx context.Context, sessionID, text string) {
	title := ""
	if a.titler != nil {
		t, err := a.titler.Title(ctx, text)
		if err != nil {
			a.log.Warn("title generation failed; using fallback", "session", sessionID, "error", err)
		} else {
			title = t
		}
	}
	title = CleanTitle(title)
	if title == chat.DefaultTitle {
		title = CleanTitle(truncateRunes(text, titleFallbackRunes))
	}
	if !a.store.SetTitle(sessionID, title) {
		a.log.Debug("session deleted before title arrived", "session", sessionID)
	}
}

// CleanTitle trims whitespace and surrounding quotes. An empty result is
// the default title.
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`“”‘’")
	s = strings.TrimSpace(s)
	if s == "" {
		return chat.DefaultTitle
	}
	return s
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func mergeCitations(have, add []chat.Citation) []chat.Citation {
	for _, c := range add {
		if c.URI == "" {
			continue
		}
		dup := false
		for _, h := range have {
			if h.URI == c.URI {
				dup = true
				break
			}
		}
		if !dup {
			have = append(have, c)
		}
	}
	return have
}
