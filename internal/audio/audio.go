// Package audio reads assistant replies aloud, one message at a time.
package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/logger"
)

// Clip is raw 16-bit little-endian PCM.
type Clip struct {
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration of the clip at its sample rate.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 || c.Channels <= 0 {
		return 0
	}
	samples := len(c.PCM) / (2 * c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// WAV wraps the PCM in a RIFF header.
func (c Clip) WAV() []byte {
	var buf bytes.Buffer
	byteRate := c.SampleRate * c.Channels * 2
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(36+len(c.PCM)))
	buf.WriteString("WAVEfmt ")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(1)) // PCM
	_ = binary.Write(&buf, binary.LittleEndian, uint16(c.Channels))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(c.SampleRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(c.Channels*2))
	_ = binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, uint32(len(c.PCM)))
	buf.Write(c.PCM)
	return buf.Bytes()
}

// Synthesizer turns text into speech.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string) (Clip, error)
}

// Playback is a clip being played.
type Playback interface {
	Stop()
}

// Player plays clips. onEnded must be called at most once, asynchronously,
// when playback finishes on its own. A call racing with Stop is tolerated.
type Player interface {
	Play(clip Clip, onEnded func()) Playback
}

// CaptureControl lets playback silence the microphone and hand it back.
type CaptureControl interface {
	PauseCapture()
	ResumeCapture()
}

// Coordinator owns the single active playback.
type Coordinator struct {
	store   *chat.Store
	synth   Synthesizer
	player  Player
	capture CaptureControl
	clips   *cache.Cache

	mu            sync.Mutex
	gen           uint64
	active        Playback
	activeSession string
	activeMessage string

	log *slog.Logger
}

// NewCoordinator creates a coordinator. Synthesized clips are cached by
// message id for the life of the process.
func NewCoordinator(store *chat.Store, synth Synthesizer, player Player) *Coordinator {
	return &Coordinator{
		store:  store,
		synth:  synth,
		player: player,
		clips:  cache.New(cache.NoExpiration, 0),
		log:    logger.Component("audio"),
	}
}

// SetCapture attaches the capture engine controls.
func (c *Coordinator) SetCapture(cc CaptureControl) {
	c.mu.Lock()
	c.capture = cc
	c.mu.Unlock()
}

// Clip returns the cached audio of a message.
func (c *Coordinator) Clip(messageID string) (Clip, bool) {
	v, ok := c.clips.Get(messageID)
	if !ok {
		return Clip{}, false
	}
	return v.(Clip), true
}

// Play reads text aloud as the audio of messageID, superseding anything
// playing. When restartCaptureAfter is set and conversational mode is still
// on when playback ends (or fails), capture is resumed.
//
// Status writes happen under c.mu and only while gen is current, so at most
// one message is ever loading or playing.
func (c *Coordinator) Play(ctx context.Context, sessionID, messageID, text string, restartCaptureAfter bool) {
	c.pauseCapture()

	c.mu.Lock()
	c.gen++
	gen := c.gen
	prevSession, prevMessage := c.stopLocked()
	if prevSession != "" && prevSession != sessionID {
		c.setIdle(prevSession, prevMessage)
	}
	found := false
	c.store.UpdateMessages(sessionID, func(m *chat.Message) {
		if m.ID == messageID {
			m.AudioState = chat.AudioLoading
			found = true
			return
		}
		m.AudioState = chat.AudioIdle
	})
	if !found {
		c.mu.Unlock()
		c.log.Debug("message to play no longer exists", "session", sessionID, "message", messageID)
		return
	}
	c.activeSession, c.activeMessage = sessionID, messageID
	c.mu.Unlock()

	clip, ok := c.Clip(messageID)
	if !ok {
		var err error
		clip, err = c.synth.Synthesize(ctx, text, c.store.Settings().Voice)
		if err != nil {
			c.log.Error("speech synthesis failed", "session", sessionID, "message", messageID, "error", err)
			if c.finish(gen) {
				c.maybeResume(restartCaptureAfter)
			}
			return
		}
		c.clips.Set(messageID, clip, cache.NoExpiration)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return
	}
	if !c.store.UpdateMessage(sessionID, messageID, func(m *chat.Message) { m.AudioState = chat.AudioPlaying }) {
		c.activeSession, c.activeMessage = "", ""
		return
	}
	// Player.Play never calls onEnded synchronously, so holding c.mu is safe.
	c.active = c.player.Play(clip, func() {
		if c.finish(gen) {
			c.maybeResume(restartCaptureAfter)
		}
	})
}

// Stop halts playback and returns its message to idle.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAllLocked("")
}

// StopAll halts playback and resets every message of a session to idle.
func (c *Coordinator) StopAll(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopAllLocked(sessionID)
}

func (c *Coordinator) stopAllLocked(sessionID string) {
	c.gen++
	prevSession, prevMessage := c.stopLocked()
	if prevMessage != "" {
		c.setIdle(prevSession, prevMessage)
	}
	if sessionID != "" {
		c.store.UpdateMessages(sessionID, func(m *chat.Message) { m.AudioState = chat.AudioIdle })
	}
}

func (c *Coordinator) stopLocked() (string, string) {
	if c.active != nil {
		c.active.Stop()
		c.active = nil
	}
	s, m := c.activeSession, c.activeMessage
	c.activeSession, c.activeMessage = "", ""
	return s, m
}

// finish returns the active message to idle if gen is still current.
func (c *Coordinator) finish(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	sessionID, messageID := c.activeSession, c.activeMessage
	c.active = nil
	c.activeSession, c.activeMessage = "", ""
	if messageID != "" {
		c.setIdle(sessionID, messageID)
	}
	return true
}

func (c *Coordinator) setIdle(sessionID, messageID string) {
	c.store.UpdateMessage(sessionID, messageID, func(m *chat.Message) { m.AudioState = chat.AudioIdle })
}

func (c *Coordinator) pauseCapture() {
	c.mu.Lock()
	cc := c.capture
	c.mu.Unlock()
	if cc != nil {
		cc.PauseCapture()
	}
}

func (c *Coordinator) maybeResume(requested bool) {
	if !requested || !c.store.Settings().ConversationalMode {
		return
	}
	c.mu.Lock()
	cc := c.capture
	c.mu.Unlock()
	if cc != nil {
		cc.ResumeCapture()
	}
}
