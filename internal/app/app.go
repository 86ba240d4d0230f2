// Package app wires the turn orchestrator, the side-effect coordinators and
// the voice loop around one chat store.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/comigor/weathergpt-go/internal/agent"
	"github.com/comigor/weathergpt-go/internal/audio"
	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/config"
	"github.com/comigor/weathergpt-go/internal/generation"
	"github.com/comigor/weathergpt-go/internal/history"
	"github.com/comigor/weathergpt-go/internal/llm"
	"github.com/comigor/weathergpt-go/internal/logger"
	"github.com/comigor/weathergpt-go/internal/units"
	"github.com/comigor/weathergpt-go/internal/voice"
	"github.com/comigor/weathergpt-go/internal/weather"
)

// AspectRatios accepted by the image studio.
var AspectRatios = []string{"1:1", "16:9", "9:16", "4:3", "3:4"}

var (
	ErrInvalidAspectRatio = errors.New("unsupported aspect ratio")
	ErrEmptyPrompt        = errors.New("prompt is empty")
	ErrNotAssistant       = errors.New("not an assistant message")
	ErrNothingToPlay      = errors.New("message has no finished text to read")
)

// Deps are the collaborators the app is built from. Videos and Locator may
// be nil.
type Deps struct {
	KV       chat.KeyValue
	Streamer agent.ModelStreamer
	Titler   agent.Titler
	Speech   audio.Synthesizer
	Player   audio.Player
	Images   generation.ImageGenerator
	Videos   generation.VideoGenerator
	Locator  agent.Locator
	Capture  voice.Capture
}

// App is one user's WeatherGPT.
type App struct {
	Store  *chat.Store
	Agent  *agent.Agent
	Audio  *audio.Coordinator
	Images *generation.Images
	Videos *generation.Videos
	Voice  *voice.Controller

	mu        sync.Mutex
	dismissed map[string]bool

	// fileSettings is the settings section last read from the config file.
	fileSettings config.SettingsConfig

	closers []func() error
	log     *slog.Logger
}

// Build opens persistence and the configured model provider.
func Build(ctx context.Context, cfg *config.Config) (*App, *voice.RemoteCapture, error) {
	provider, err := llm.New(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("model provider: %w", err)
	}
	kv := history.Open(cfg.Store.Path)
	capture := &voice.RemoteCapture{}

	a := New(cfg, Deps{
		KV:       kv,
		Streamer: provider.Streamer,
		Titler:   provider.Titler,
		Speech:   provider.Speech,
		Player:   audio.ClockPlayer{},
		Images:   provider.Images,
		Videos:   provider.Videos,
		Locator:  NewStaticLocator(cfg.Location),
		Capture:  capture,
	})
	a.closers = append(a.closers, provider.Close, kv.Close)
	return a, capture, nil
}

// New wires an app from deps and restores persisted state.
func New(cfg *config.Config, deps Deps) *App {
	store := chat.NewStore(deps.KV,
		chat.WithFlushInterval(cfg.Store.FlushInterval),
		chat.WithSettings(SettingsFromConfig(cfg.Settings)),
	)
	store.Restore()

	a := &App{
		Store:        store,
		dismissed:    map[string]bool{},
		fileSettings: cfg.Settings,
		log:          logger.Component("app"),
	}

	a.Audio = audio.NewCoordinator(store, deps.Speech, deps.Player)
	a.Images = generation.NewImages(store, deps.Images)

	opts := []agent.Option{
		agent.WithTitler(deps.Titler),
		agent.WithSpeaker(a.Audio),
		agent.WithImages(a.Images),
		agent.WithLocateTimeout(cfg.Location.Timeout),
	}
	if deps.Locator != nil {
		opts = append(opts, agent.WithLocator(deps.Locator))
	}
	if deps.Videos != nil {
		a.Videos = generation.NewVideos(store, deps.Videos,
			generation.WithPollInterval(cfg.Video.PollInterval),
			generation.WithMaxPolls(cfg.Video.MaxPolls),
		)
		opts = append(opts, agent.WithVideos(a.Videos))
	}
	a.Agent = agent.New(store, deps.Streamer, opts...)

	a.Voice = voice.NewController(store, a.Agent.Input(), deps.Capture, a.Agent)
	a.Agent.SetVoiceHooks(a.Voice)
	a.Audio.SetCapture(a.Voice)

	a.closers = []func() error{store.Close}
	return a
}

// SettingsFromConfig maps the settings section onto user preferences.
func SettingsFromConfig(s config.SettingsConfig) chat.Settings {
	out := chat.DefaultSettings()
	if chat.ModelTier(s.DefaultModel) == chat.TierAdvanced {
		out.DefaultModel = chat.TierAdvanced
	}
	if s.Voice != "" {
		out.Voice = s.Voice
	}
	out.Units = units.Parse(s.Units)
	out.ConversationalMode = s.ConversationalMode
	return out
}

// Submit sends text (and an optional attachment) as a new turn.
func (a *App) Submit(ctx context.Context, text string, attachment *chat.Attachment) (*agent.Turn, error) {
	return a.Agent.Submit(ctx, text, attachment)
}

// NewSession starts an empty session and makes it current. An unknown
// model falls back to the default tier.
func (a *App) NewSession(model chat.ModelTier) chat.Session {
	if model != chat.TierFast && model != chat.TierAdvanced {
		model = ""
	}
	sess := a.Store.CreateSession(model)
	a.sessionChanged()
	return sess
}

// SwitchSession makes id current.
func (a *App) SwitchSession(id string) error {
	prev := a.Store.CurrentID()
	if err := a.Store.SetCurrent(id); err != nil {
		return err
	}
	if prev != id {
		a.sessionChanged()
	}
	return nil
}

// DeleteSession removes id; if it was current the next newest takes over.
func (a *App) DeleteSession(id string) error {
	prev := a.Store.CurrentID()
	if err := a.Store.DeleteSession(id); err != nil {
		return err
	}
	if prev == id {
		a.sessionChanged()
	}
	return nil
}

// sessionChanged stops capture and playback and forgets dismissed alerts.
// Streams and generations of the old session keep running.
func (a *App) sessionChanged() {
	a.Voice.Reset()
	a.Audio.Stop()
	if cur := a.Store.CurrentID(); cur != "" {
		a.Audio.StopAll(cur)
	}
	a.mu.Lock()
	a.dismissed = map[string]bool{}
	a.mu.Unlock()
}

// UpdateSettings applies fn to the preferences and reacts to changes.
func (a *App) UpdateSettings(fn func(*chat.Settings)) chat.Settings {
	s := a.Store.UpdateSettings(fn)
	a.Voice.SetConversational(s.ConversationalMode)
	return s
}

// ApplyConfig is the live-reload hook for config file changes. Only the
// settings that changed in the file are applied, so preferences changed at
// runtime survive unrelated edits.
func (a *App) ApplyConfig(cfg *config.Config) {
	a.mu.Lock()
	prev := a.fileSettings
	a.fileSettings = cfg.Settings
	a.mu.Unlock()

	next := SettingsFromConfig(cfg.Settings)
	was := SettingsFromConfig(prev)
	s := a.UpdateSettings(func(s *chat.Settings) {
		if next.DefaultModel != was.DefaultModel {
			s.DefaultModel = next.DefaultModel
		}
		if next.Voice != was.Voice {
			s.Voice = next.Voice
		}
		if next.Units != was.Units {
			s.Units = next.Units
		}
		if next.ConversationalMode != was.ConversationalMode {
			s.ConversationalMode = next.ConversationalMode
		}
	})
	logger.SetLevel(cfg.Log.Level)
	a.log.Info("configuration reloaded", "units", s.Units, "voice", s.Voice, "conversational", s.ConversationalMode)
}

// DismissAlert hides the alerts titled title until the session changes.
func (a *App) DismissAlert(title string) {
	a.mu.Lock()
	a.dismissed[title] = true
	a.mu.Unlock()
}

// DismissAll hides every given alert.
func (a *App) DismissAll(alerts []weather.Alert) {
	a.mu.Lock()
	for _, al := range alerts {
		a.dismissed[al.Title] = true
	}
	a.mu.Unlock()
}

// VisibleAlerts filters out dismissed alerts.
func (a *App) VisibleAlerts(alerts []weather.Alert) []weather.Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []weather.Alert
	for _, al := range alerts {
		if !a.dismissed[al.Title] {
			out = append(out, al)
		}
	}
	return out
}

// Suggestions returns remembered locations starting with prefix.
func (a *App) Suggestions(prefix string) []string {
	return a.Store.Suggestions(prefix)
}

// GenerateImage renders prompt as the image of an assistant message.
func (a *App) GenerateImage(ctx context.Context, sessionID, messageID, prompt, aspectRatio string) error {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return ErrEmptyPrompt
	}
	if aspectRatio == "" {
		aspectRatio = AspectRatios[0]
	}
	if !slices.Contains(AspectRatios, aspectRatio) {
		return fmt.Errorf("%w: %q", ErrInvalidAspectRatio, aspectRatio)
	}
	msg, ok := a.Store.Message(sessionID, messageID)
	if !ok {
		return chat.ErrMessageNotFound
	}
	if msg.Role != chat.RoleAssistant {
		return ErrNotAssistant
	}
	return a.Images.StartImage(ctx, sessionID, messageID, chat.ImageRequest{Prompt: prompt, AspectRatio: aspectRatio}, nil)
}

// PlayMessage reads an assistant message aloud on request.
func (a *App) PlayMessage(ctx context.Context, sessionID, messageID string) error {
	msg, ok := a.Store.Message(sessionID, messageID)
	if !ok {
		return chat.ErrMessageNotFound
	}
	if msg.Role != chat.RoleAssistant {
		return ErrNotAssistant
	}
	if msg.IsStreaming || strings.TrimSpace(msg.Content) == "" {
		return ErrNothingToPlay
	}
	go a.Audio.Play(context.WithoutCancel(ctx), sessionID, messageID, msg.Content, false)
	return nil
}

// Wait blocks until background generations have finished.
func (a *App) Wait() {
	a.Images.Wait()
	if a.Videos != nil {
		a.Videos.Wait()
	}
}

// Close stops capture and playback, flushes state and releases backends.
func (a *App) Close() error {
	a.Voice.Reset()
	a.Audio.Stop()
	var errs []error
	for _, c := range a.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
