// Package audiosink wraps the host audio backend: an open/close API that
// invokes a fixed-signature pull callback on the backend's own thread. The
// concrete implementation here targets gordonklaus/portaudio, with the
// buffer/period framing an ALSA/OSS-style handle keeps, reimplemented
// against the portaudio Go API instead of cgo.
package audiosink

import (
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"

	"github.com/gokvm-virtio/virtiosnd/internal/logx"
)

// ErrAlreadyOpen is returned by Open when the sink already has a running
// stream.
var ErrAlreadyOpen = errors.New("audiosink: already open")

// ErrNotOpen is returned by Close when no stream is open.
var ErrNotOpen = errors.New("audiosink: not open")

// PullFunc is invoked by the backend on its private thread to fill one
// period's worth of interleaved 16-bit PCM output samples.
type PullFunc func(out []int16)

// Sink is the host audio backend collaborator. Open blocks until the
// device is producing callbacks; Close stops and joins the callback thread
// before returning, which is what lets PCM_RELEASE safely free the ring
// afterward.
type Sink interface {
	Open(name string, rateHz int, playChannels int, framesPerPeriod int, pull PullFunc) error
	Close() error
}

// PortAudioSink is the default Sink, backed by the portaudio Go bindings.
type PortAudioSink struct {
	log    *log.Logger
	stream *portaudio.Stream
}

// NewPortAudioSink constructs an unopened sink.
func NewPortAudioSink(logger *log.Logger) *PortAudioSink {
	return &PortAudioSink{log: logx.New(logger, "audiosink")}
}

// Open initializes the portaudio library and starts an output-only stream
// at rateHz with playChannels channels and framesPerPeriod frames per
// callback, as PCM_PREPARE requires.
func (s *PortAudioSink) Open(name string, rateHz int, playChannels int, framesPerPeriod int, pull PullFunc) error {
	if s.stream != nil {
		return ErrAlreadyOpen
	}
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("audiosink: initialize: %w", err)
	}

	cb := func(out []int16) {
		pull(out)
	}

	stream, err := portaudio.OpenDefaultStream(0, playChannels, float64(rateHz), framesPerPeriod, cb)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("audiosink: open stream %q: %w", name, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("audiosink: start stream: %w", err)
	}

	s.log.Info("stream opened", "name", name, "rate", rateHz, "channels", playChannels, "period", framesPerPeriod)
	s.stream = stream
	return nil
}

// Close stops and closes the stream, joining the callback thread, then
// terminates the portaudio library instance this sink owns. Stream.Stop
// blocks until the backend's audio thread returns from the pull callback
// it's currently running, so the caller (sound.Device's PCM_RELEASE) must
// have already signaled that callback to stop parking on its wait
// condition before calling Close, or this join never returns.
func (s *PortAudioSink) Close() error {
	if s.stream == nil {
		return ErrNotOpen
	}
	stopErr := s.stream.Stop()
	closeErr := s.stream.Close()
	termErr := portaudio.Terminate()
	s.stream = nil

	for _, err := range []error{stopErr, closeErr, termErr} {
		if err != nil {
			return fmt.Errorf("audiosink: close: %w", err)
		}
	}
	return nil
}

// NullSink is a Sink that never calls back, used by tests and by the demo
// command when no real audio device is available.
type NullSink struct {
	open bool
}

// NewNullSink constructs a closed NullSink.
func NewNullSink() *NullSink { return &NullSink{} }

func (s *NullSink) Open(name string, rateHz int, playChannels int, framesPerPeriod int, pull PullFunc) error {
	if s.open {
		return ErrAlreadyOpen
	}
	s.open = true
	return nil
}

func (s *NullSink) Close() error {
	if !s.open {
		return ErrNotOpen
	}
	s.open = false
	return nil
}
