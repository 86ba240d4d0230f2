package app

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/comigor/weathergpt-go/internal/agent"
	"github.com/comigor/weathergpt-go/internal/audio"
	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/config"
	"github.com/comigor/weathergpt-go/internal/generation"
	"github.com/comigor/weathergpt-go/internal/units"
	"github.com/comigor/weathergpt-go/internal/voice"
	"github.com/comigor/weathergpt-go/internal/weather"
)

const tokyoReply = "Here is the forecast.\n```json_weather\n" +
	`{"location":"Tokyo, Japan","current":{"temperature":20,"condition":"Clear"},` +
	`"alerts":[{"severity":"Warning","title":"Heat","description":"Hot"},{"severity":"Watch","title":"Wind","description":"Gusty"}]}` +
	"\n```\nStay cool."

type sliceStream struct {
	parts []string
	i     int
}

func (s *sliceStream) Recv() (agent.Fragment, error) {
	if s.i >= len(s.parts) {
		return agent.Fragment{}, io.EOF
	}
	s.i++
	return agent.Fragment{Text: s.parts[s.i-1]}, nil
}

func (s *sliceStream) Close() error { return nil }

type fixedModel struct{ reply string }

func (m fixedModel) Stream(context.Context, agent.StreamRequest) (agent.FragmentStream, error) {
	return &sliceStream{parts: []string{m.reply[:10], m.reply[10:]}}, nil
}

type fixedTitler struct{}

func (fixedTitler) Title(context.Context, string) (string, error) { return "Tokyo Weather", nil }

type silentSynth struct{}

func (silentSynth) Synthesize(context.Context, string, string) (audio.Clip, error) {
	return audio.Clip{PCM: make([]byte, 480), SampleRate: 24000, Channels: 1}, nil
}

type fixedImages struct{}

func (fixedImages) GenerateImage(_ context.Context, job generation.ImageJob) (string, error) {
	return "https://img.example/" + job.AspectRatio, nil
}

type countingCapture struct {
	mu            sync.Mutex
	starts, stops int
}

func (c *countingCapture) Start() error {
	c.mu.Lock()
	c.starts++
	c.mu.Unlock()
	return nil
}

func (c *countingCapture) Stop() {
	c.mu.Lock()
	c.stops++
	c.mu.Unlock()
}

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := &config.Config{
		Settings: config.SettingsConfig{Units: "imperial", Voice: "Kore"},
		Location: config.LocationConfig{Enabled: true, Latitude: 35.68, Longitude: 139.69, Timeout: time.Second},
	}
	a := New(cfg, Deps{
		Streamer: fixedModel{reply: tokyoReply},
		Titler:   fixedTitler{},
		Speech:   silentSynth{},
		Player:   audio.ClockPlayer{Speed: 100},
		Images:   fixedImages{},
		Locator:  NewStaticLocator(cfg.Location),
		Capture:  &countingCapture{},
	})
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func submit(t *testing.T, a *App, text string) *agent.Turn {
	t.Helper()
	turn, err := a.Submit(context.Background(), text, nil)
	require.NoError(t, err)
	select {
	case <-turn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("turn did not finish")
	}
	return turn
}

func TestApp_WeatherTurn(t *testing.T) {
	a := newTestApp(t)
	require.Equal(t, units.Imperial, a.Store.Settings().Units)
	require.Equal(t, "Kore", a.Store.Settings().Voice)

	turn := submit(t, a, "weather in Tokyo")
	msg, ok := a.Store.Message(turn.SessionID, turn.AssistantMessageID)
	require.True(t, ok)
	require.False(t, msg.IsStreaming)
	require.Equal(t, "Tokyo, Japan", msg.Location)
	require.InDelta(t, 68, *msg.Current.Temperature, 0.01)
	require.Equal(t, []string{"Tokyo, Japan"}, a.Suggestions("tok"))
	require.Empty(t, a.Suggestions("paris"))
}

func TestApp_DismissedAlertsResetOnSwitch(t *testing.T) {
	a := newTestApp(t)
	turn := submit(t, a, "weather in Tokyo")
	msg, _ := a.Store.Message(turn.SessionID, turn.AssistantMessageID)
	require.Len(t, msg.Alerts, 2)

	a.DismissAlert("Heat")
	visible := a.VisibleAlerts(msg.Alerts)
	require.Len(t, visible, 1)
	require.Equal(t, "Wind", visible[0].Title)

	a.DismissAll(visible)
	require.Empty(t, a.VisibleAlerts(msg.Alerts))

	other := a.NewSession("")
	require.Len(t, a.VisibleAlerts(msg.Alerts), 2)
	require.Equal(t, other.ID, a.Store.CurrentID())

	a.DismissAlert("Heat")
	require.NoError(t, a.SwitchSession(turn.SessionID))
	require.Len(t, a.VisibleAlerts([]weather.Alert{{Title: "Heat"}}), 1)
	require.ErrorIs(t, a.SwitchSession("missing"), chat.ErrSessionNotFound)
}

func TestApp_SessionChangeStopsVoice(t *testing.T) {
	a := newTestApp(t)
	require.Equal(t, voice.StateListening, a.Voice.Toggle())

	a.NewSession(chat.TierAdvanced)
	require.Equal(t, voice.StateOff, a.Voice.State())

	sess := a.Store.CurrentID()
	s, _ := a.Store.Session(sess)
	require.Equal(t, chat.TierAdvanced, s.Model)

	require.NoError(t, a.DeleteSession(sess))
	require.NotEqual(t, sess, a.Store.CurrentID())
	require.ErrorIs(t, a.DeleteSession(sess), chat.ErrSessionNotFound)
}

func TestApp_ConversationalOffStopsVoice(t *testing.T) {
	a := newTestApp(t)
	a.UpdateSettings(func(s *chat.Settings) { s.ConversationalMode = true })
	a.Voice.Toggle()
	require.Equal(t, voice.StateListening, a.Voice.State())

	s := a.UpdateSettings(func(s *chat.Settings) { s.ConversationalMode = false })
	require.False(t, s.ConversationalMode)
	require.Equal(t, voice.StateOff, a.Voice.State())
}

func TestApp_ApplyConfig(t *testing.T) {
	a := newTestApp(t)
	a.ApplyConfig(&config.Config{
		Settings: config.SettingsConfig{DefaultModel: "advanced", Units: "metric", Voice: "Puck"},
		Log:      config.LogConfig{Level: "info"},
	})
	s := a.Store.Settings()
	require.Equal(t, chat.TierAdvanced, s.DefaultModel)
	require.Equal(t, units.Metric, s.Units)
	require.Equal(t, "Puck", s.Voice)
}

func TestApp_ApplyConfigKeepsRuntimeChanges(t *testing.T) {
	a := newTestApp(t)
	a.UpdateSettings(func(s *chat.Settings) {
		s.Voice = "Puck"
		s.Units = units.Metric
	})

	a.ApplyConfig(&config.Config{
		Settings: config.SettingsConfig{Units: "imperial", Voice: "Kore", ConversationalMode: true},
		Log:      config.LogConfig{Level: "debug"},
	})
	s := a.Store.Settings()
	require.Equal(t, "Puck", s.Voice)
	require.Equal(t, units.Metric, s.Units)
	require.True(t, s.ConversationalMode)

	a.ApplyConfig(&config.Config{
		Settings: config.SettingsConfig{Units: "imperial", Voice: "Charon", ConversationalMode: true},
		Log:      config.LogConfig{Level: "info"},
	})
	s = a.Store.Settings()
	require.Equal(t, "Charon", s.Voice)
	require.Equal(t, units.Metric, s.Units)
}

func TestApp_GenerateImage(t *testing.T) {
	a := newTestApp(t)
	turn := submit(t, a, "weather in Tokyo")
	ctx := context.Background()

	require.ErrorIs(t, a.GenerateImage(ctx, turn.SessionID, turn.AssistantMessageID, "  ", "1:1"), ErrEmptyPrompt)
	require.ErrorIs(t, a.GenerateImage(ctx, turn.SessionID, turn.AssistantMessageID, "sky", "2:1"), ErrInvalidAspectRatio)
	require.ErrorIs(t, a.GenerateImage(ctx, turn.SessionID, turn.UserMessageID, "sky", "1:1"), ErrNotAssistant)
	require.ErrorIs(t, a.GenerateImage(ctx, turn.SessionID, "missing", "sky", "1:1"), chat.ErrMessageNotFound)

	require.NoError(t, a.GenerateImage(ctx, turn.SessionID, turn.AssistantMessageID, "a clear sky over Tokyo", "16:9"))
	a.Wait()

	msg, _ := a.Store.Message(turn.SessionID, turn.AssistantMessageID)
	require.Equal(t, chat.StatusDone, msg.ImageResult.Status)
	require.Equal(t, "https://img.example/16:9", msg.ImageResult.URL)
	require.Equal(t, "a clear sky over Tokyo", msg.ImageRequest.Prompt)
}

func TestApp_PlayMessage(t *testing.T) {
	a := newTestApp(t)
	turn := submit(t, a, "weather in Tokyo")
	ctx := context.Background()

	require.ErrorIs(t, a.PlayMessage(ctx, turn.SessionID, turn.UserMessageID), ErrNotAssistant)
	require.NoError(t, a.PlayMessage(ctx, turn.SessionID, turn.AssistantMessageID))

	require.Eventually(t, func() bool {
		_, ok := a.Audio.Clip(turn.AssistantMessageID)
		return ok
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		msg, _ := a.Store.Message(turn.SessionID, turn.AssistantMessageID)
		return msg.AudioState == chat.AudioIdle
	}, time.Second, 5*time.Millisecond)
}

func TestStaticLocator(t *testing.T) {
	l := NewStaticLocator(config.LocationConfig{Enabled: true, Latitude: 1, Longitude: 2})
	c, err := l.Locate(context.Background())
	require.NoError(t, err)
	require.Equal(t, &chat.Coordinates{Latitude: 1, Longitude: 2}, c)

	_, err = NewStaticLocator(config.LocationConfig{}).Locate(context.Background())
	require.ErrorIs(t, err, ErrLocationDisabled)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Locate(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestSettingsFromConfig(t *testing.T) {
	s := SettingsFromConfig(config.SettingsConfig{DefaultModel: "turbo", Units: "kelvin"})
	require.Equal(t, chat.DefaultSettings(), s)

	s = SettingsFromConfig(config.SettingsConfig{DefaultModel: "advanced", ConversationalMode: true})
	require.Equal(t, chat.TierAdvanced, s.DefaultModel)
	require.True(t, s.ConversationalMode)
}
