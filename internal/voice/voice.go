// Package voice runs the hands-free loop: listen, submit, speak, listen.
package voice

import (
	"context"
	"log/slog"
	"sync"

	"github.com/qmuntal/stateless"

	"github.com/comigor/weathergpt-go/internal/agent"
	"github.com/comigor/weathergpt-go/internal/chat"
	"github.com/comigor/weathergpt-go/internal/logger"
)

// State of the voice loop.
type State string

const (
	StateOff              State = "Off"
	StateListening        State = "Listening"
	StateSubmitted        State = "Submitted"
	StateIdleBetweenTurns State = "IdleBetweenTurns"
)

type trigger string

const (
	triggerToggleOn trigger = "ToggleOn"
	triggerOff      trigger = "Off"
	triggerSubmit   trigger = "Submit"
	triggerFinish   trigger = "Finish"
	triggerPause    trigger = "Pause"
	triggerResume   trigger = "Resume"
	triggerRestart  trigger = "Restart"
)

// Capture is the speech-to-text engine. Stop must be safe to call when
// capture is not running.
type Capture interface {
	Start() error
	Stop()
}

// Submitter sends the transcribed input.
type Submitter interface {
	Submit(ctx context.Context, text string, attachment *chat.Attachment) (*agent.Turn, error)
}

// Controller is the voice loop state machine. It satisfies agent.VoiceHooks
// and audio.CaptureControl.
type Controller struct {
	mu        sync.Mutex
	fsm       *stateless.StateMachine
	capture   Capture
	submitter Submitter
	input     *chat.InputBuffer
	store     *chat.Store
	autoPlay  bool
	startErr  error

	log *slog.Logger
}

// NewController creates a controller in the Off state.
func NewController(store *chat.Store, input *chat.InputBuffer, capture Capture, submitter Submitter) *Controller {
	c := &Controller{
		store:     store,
		input:     input,
		capture:   capture,
		submitter: submitter,
		log:       logger.Component("voice"),
	}
	c.configure()
	return c
}

func (c *Controller) configure() {
	fsm := stateless.NewStateMachine(StateOff)

	fsm.Configure(StateOff).
		OnEntry(func(context.Context, ...any) error {
			c.capture.Stop()
			return nil
		}).
		Permit(triggerToggleOn, StateListening)

	fsm.Configure(StateListening).
		OnEntry(func(context.Context, ...any) error {
			c.input.Clear()
			c.startErr = c.capture.Start()
			return nil
		}).
		Permit(triggerOff, StateOff).
		Permit(triggerSubmit, StateSubmitted).
		Permit(triggerPause, StateIdleBetweenTurns).
		PermitReentry(triggerRestart)

	fsm.Configure(StateSubmitted).
		Permit(triggerFinish, StateOff).
		Permit(triggerOff, StateOff).
		Permit(triggerPause, StateIdleBetweenTurns).
		Permit(triggerResume, StateListening)

	fsm.Configure(StateIdleBetweenTurns).
		OnEntry(func(context.Context, ...any) error {
			c.capture.Stop()
			return nil
		}).
		Permit(triggerResume, StateListening).
		Permit(triggerOff, StateOff)

	c.fsm = fsm
}

// State reports the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state()
}

func (c *Controller) state() State {
	return c.fsm.MustState().(State)
}

// fire applies t if the current state allows it. Callers hold c.mu.
func (c *Controller) fire(t trigger) bool {
	if ok, _ := c.fsm.CanFire(t); !ok {
		return false
	}
	if err := c.fsm.Fire(t); err != nil {
		c.log.Error("voice transition failed", "trigger", t, "error", err)
		return false
	}
	if c.startErr != nil {
		err := c.startErr
		c.startErr = nil
		c.log.Warn("capture failed to start; voice off", "error", err)
		_ = c.fsm.Fire(triggerOff)
	}
	return true
}

// listen (re)starts capture from any active state. Callers hold c.mu.
func (c *Controller) listen() {
	if c.state() == StateListening {
		c.fire(triggerRestart)
		return
	}
	c.fire(triggerResume)
}

// Toggle turns the loop on or off and returns the new state.
func (c *Controller) Toggle() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state() == StateOff {
		c.autoPlay = true
		c.fire(triggerToggleOn)
	} else {
		c.fire(triggerOff)
	}
	return c.state()
}

// OnTranscript adds recognised speech to the input.
func (c *Controller) OnTranscript(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state() == StateOff {
		return
	}
	c.input.Append(text)
}

// OnCaptureEnd handles the engine stopping on its own, typically at the end
// of an utterance.
func (c *Controller) OnCaptureEnd(ctx context.Context) {
	c.mu.Lock()
	if c.state() != StateListening {
		c.mu.Unlock()
		return
	}
	text := c.input.String()
	conversational := c.store.Settings().ConversationalMode

	if conversational {
		if text == "" {
			c.listen()
			c.mu.Unlock()
			return
		}
		c.fire(triggerSubmit)
		c.mu.Unlock()
		c.submit(ctx, text)
		return
	}

	if text == "" {
		c.fire(triggerOff)
		c.mu.Unlock()
		return
	}
	c.fire(triggerSubmit)
	c.fire(triggerFinish)
	c.mu.Unlock()
	c.submit(ctx, text)
}

func (c *Controller) submit(ctx context.Context, text string) {
	if _, err := c.submitter.Submit(ctx, text, nil); err != nil {
		c.log.Info("voice input not submitted", "error", err)
	}
}

// OnCaptureError logs the failure and turns the loop off.
func (c *Controller) OnCaptureError(err error) {
	c.log.Warn("capture error; voice off", "error", err)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fire(triggerOff)
}

// SetConversational reacts to the preference changing.
func (c *Controller) SetConversational(on bool) {
	if on {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fire(triggerOff)
}

// Reset stops everything, used when the current session changes.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.autoPlay = false
	c.fire(triggerOff)
}

// AutoPlayPending reports whether the next reply should be spoken.
func (c *Controller) AutoPlayPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoPlay
}

// ClearAutoPlay consumes the pending auto-play.
func (c *Controller) ClearAutoPlay() {
	c.mu.Lock()
	c.autoPlay = false
	c.mu.Unlock()
}

// Rearm restarts capture after a turn ends without speech, when the loop
// is active in conversational mode.
func (c *Controller) Rearm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state() == StateOff || !c.store.Settings().ConversationalMode {
		return
	}
	c.listen()
}

// PauseCapture silences the microphone while a reply is spoken. Outside
// conversational mode nothing would resume it, so the loop turns off.
func (c *Controller) PauseCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.store.Settings().ConversationalMode {
		c.fire(triggerOff)
		return
	}
	c.fire(triggerPause)
}

// ResumeCapture listens again after a reply was spoken.
func (c *Controller) ResumeCapture() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state() == StateOff {
		return
	}
	c.listen()
}
