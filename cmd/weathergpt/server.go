package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/comigor/weathergpt-go/internal/agent"
	"github.com/comigor/weathergpt-go/internal/app"
	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/generation"
	"github.com/comigor/weathergpt-go/internal/logger"
	"github.com/comigor/weathergpt-go/internal/render"
	"github.com/comigor/weathergpt-go/internal/units"
	"github.com/comigor/weathergpt-go/internal/voice"
	"github.com/comigor/weathergpt-go/internal/weather"
)

const maxBody = 20 << 20

type server struct {
	app     *app.App
	capture *voice.RemoteCapture

	// turnWait bounds how long the plain-text endpoint waits for a reply.
	turnWait time.Duration
	log      *slog.Logger
}

func newServer(a *app.App, capture *voice.RemoteCapture) *server {
	return &server{app: a, capture: capture, turnWait: 2 * time.Minute, log: logger.Component("http")}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	// plain-text inference: body in, finished reply out
	mux.HandleFunc("POST /{$}", s.handleInference)

	mux.HandleFunc("POST /chat", s.handleSubmit)
	mux.HandleFunc("GET /sessions", s.handleSessions)
	mux.HandleFunc("POST /sessions", s.handleNewSession)
	mux.HandleFunc("GET /sessions/{id}", s.handleSession)
	mux.HandleFunc("PUT /sessions/{id}/current", s.handleSwitch)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDelete)
	mux.HandleFunc("POST /sessions/{id}/messages/{mid}/retry", s.handleRetry)
	mux.HandleFunc("GET /sessions/{id}/messages/{mid}/markdown", s.handleMarkdown)
	mux.HandleFunc("POST /sessions/{id}/messages/{mid}/image", s.handleImage)
	mux.HandleFunc("POST /sessions/{id}/messages/{mid}/audio", s.handlePlay)
	mux.HandleFunc("GET /sessions/{id}/messages/{mid}/audio", s.handleAudio)
	mux.HandleFunc("POST /alerts/dismiss", s.handleDismiss)
	mux.HandleFunc("GET /suggestions", s.handleSuggestions)
	mux.HandleFunc("GET /settings", s.handleSettings)
	mux.HandleFunc("PUT /settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /voice", s.handleVoice)
	mux.HandleFunc("POST /voice/toggle", s.handleVoiceToggle)
	mux.HandleFunc("POST /voice/transcript", s.handleTranscript)
	mux.HandleFunc("POST /voice/end", s.handleCaptureEnd)
	mux.HandleFunc("POST /voice/error", s.handleCaptureError)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, chat.ErrSessionNotFound), errors.Is(err, chat.ErrMessageNotFound):
		status = http.StatusNotFound
	case errors.Is(err, agent.ErrTurnInFlight), errors.Is(err, generation.ErrOperationInFlight):
		status = http.StatusConflict
	case errors.Is(err, agent.ErrEmptyInput), errors.Is(err, app.ErrEmptyPrompt),
		errors.Is(err, app.ErrInvalidAspectRatio), errors.Is(err, app.ErrNotAssistant),
		errors.Is(err, app.ErrNothingToPlay):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *server) badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

func (s *server) handleInference(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.log.Error("read body error", "error", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	s.log.Info("inference request", "body", string(body))

	turn, err := s.app.Submit(r.Context(), string(body), nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	select {
	case <-turn.Done():
	case <-time.After(s.turnWait):
		http.Error(w, "reply still streaming", http.StatusGatewayTimeout)
		return
	case <-r.Context().Done():
		return
	}
	msg, ok := s.app.Store.Message(turn.SessionID, turn.AssistantMessageID)
	if !ok {
		s.writeError(w, chat.ErrMessageNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(render.Markdown(msg, s.app.VisibleAlerts(msg.Alerts))))
}

type submitRequest struct {
	Text       string           `json:"text"`
	Attachment *chat.Attachment `json:"attachment,omitempty"`
}

type turnResponse struct {
	SessionID          string `json:"sessionId"`
	UserMessageID      string `json:"userMessageId"`
	AssistantMessageID string `json:"assistantMessageId"`
}

func (s *server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	turn, err := s.app.Submit(context.WithoutCancel(r.Context()), req.Text, req.Attachment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, turnResponse{turn.SessionID, turn.UserMessageID, turn.AssistantMessageID})
}

type sessionSummary struct {
	ID        string         `json:"id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"createdAt"`
	Model     chat.ModelTier `json:"model"`
	Messages  int            `json:"messages"`
	Current   bool           `json:"current"`
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	current := s.app.Store.CurrentID()
	out := []sessionSummary{}
	for _, sess := range s.app.Store.Sessions() {
		out = append(out, sessionSummary{
			ID:        sess.ID,
			Title:     sess.Title,
			CreatedAt: sess.CreatedAt,
			Model:     sess.Model,
			Messages:  len(sess.Messages),
			Current:   sess.ID == current,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleNewSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model chat.ModelTier `json:"model"`
	}
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.app.NewSession(req.Model))
}

func (s *server) handleSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.app.Store.Session(r.PathValue("id"))
	if !ok {
		s.writeError(w, chat.ErrSessionNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	if err := s.app.SwitchSession(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.app.DeleteSession(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.app.SwitchSession(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	turn, err := s.app.Agent.Retry(context.WithoutCancel(r.Context()), r.PathValue("mid"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, turnResponse{turn.SessionID, turn.UserMessageID, turn.AssistantMessageID})
}

func (s *server) handleMarkdown(w http.ResponseWriter, r *http.Request) {
	msg, ok := s.app.Store.Message(r.PathValue("id"), r.PathValue("mid"))
	if !ok {
		s.writeError(w, chat.ErrMessageNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(render.Markdown(msg, s.app.VisibleAlerts(msg.Alerts))))
}

func (s *server) handleImage(w http.ResponseWriter, r *http.Request) {
	var req chat.ImageRequest
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	err := s.app.GenerateImage(context.WithoutCancel(r.Context()), r.PathValue("id"), r.PathValue("mid"), req.Prompt, req.AspectRatio)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handlePlay(w http.ResponseWriter, r *http.Request) {
	if err := s.app.PlayMessage(r.Context(), r.PathValue("id"), r.PathValue("mid")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *server) handleAudio(w http.ResponseWriter, r *http.Request) {
	clip, ok := s.app.Audio.Clip(r.PathValue("mid"))
	if !ok {
		http.Error(w, "no audio for message", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "audio/wav")
	_, _ = w.Write(clip.WAV())
}

func (s *server) handleDismiss(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title  string   `json:"title"`
		Titles []string `json:"titles"`
	}
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	if req.Title != "" {
		s.app.DismissAlert(req.Title)
	}
	var alerts []weather.Alert
	for _, t := range req.Titles {
		alerts = append(alerts, weather.Alert{Title: t})
	}
	s.app.DismissAll(alerts)
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	out := s.app.Suggestions(strings.TrimSpace(r.URL.Query().Get("q")))
	if out == nil {
		out = []string{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *server) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.app.Store.Settings())
}

func (s *server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DefaultModel       *chat.ModelTier `json:"defaultModel"`
		Voice              *string         `json:"voice"`
		Units              *string         `json:"units"`
		ConversationalMode *bool           `json:"conversationalMode"`
	}
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	out := s.app.UpdateSettings(func(st *chat.Settings) {
		if req.DefaultModel != nil && (*req.DefaultModel == chat.TierFast || *req.DefaultModel == chat.TierAdvanced) {
			st.DefaultModel = *req.DefaultModel
		}
		if req.Voice != nil && *req.Voice != "" {
			st.Voice = *req.Voice
		}
		if req.Units != nil {
			st.Units = units.Parse(*req.Units)
		}
		if req.ConversationalMode != nil {
			st.ConversationalMode = *req.ConversationalMode
		}
	})
	writeJSON(w, http.StatusOK, out)
}

type voiceStatus struct {
	State        voice.State `json:"state"`
	Capturing    bool        `json:"capturing"`
	CaptureEpoch int         `json:"captureEpoch"`
	PendingInput string      `json:"pendingInput"`
}

func (s *server) status() voiceStatus {
	st := voiceStatus{State: s.app.Voice.State(), PendingInput: s.app.Agent.Input().String()}
	if s.capture != nil {
		st.Capturing, st.CaptureEpoch = s.capture.Status()
	}
	return st
}

func (s *server) handleVoice(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) handleVoiceToggle(w http.ResponseWriter, r *http.Request) {
	s.app.Voice.Toggle()
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Text string `json:"text"`
	}
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	s.app.Voice.OnTranscript(req.Text)
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) handleCaptureEnd(w http.ResponseWriter, r *http.Request) {
	s.app.Voice.OnCaptureEnd(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusOK, s.status())
}

func (s *server) handleCaptureError(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Error string `json:"error"`
	}
	if err := decode(r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	s.app.Voice.OnCaptureError(errors.New(req.Error))
	writeJSON(w, http.StatusOK, s.status())
}
