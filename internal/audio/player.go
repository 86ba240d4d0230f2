package audio

import (
	"sync/atomic"
	"time"
)

// ClockPlayer plays nothing; it reports the end of a clip after the clip's
// duration. The HTTP server uses it while the client plays the WAV itself.
type ClockPlayer struct {
	// Speed scales wall time; 0 means real time.
	Speed float64
}

type clockPlayback struct {
	stopped atomic.Bool
	timer   *time.Timer
}

func (p *clockPlayback) Stop() {
	p.stopped.Store(true)
	p.timer.Stop()
}

// Play implements Player.
func (cp ClockPlayer) Play(clip Clip, onEnded func()) Playback {
	d := clip.Duration()
	if cp.Speed > 0 {
		d = time.Duration(float64(d) / cp.Speed)
	}
	pb := &clockPlayback{}
	pb.timer = time.AfterFunc(d, func() {
		if !pb.stopped.Load() {
			onEnded()
		}
	})
	return pb
}
