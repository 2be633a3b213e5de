//go:build portaudio

// Package portaudio binds the session's audio devices to the default
// PortAudio input and output.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicedesk/internal/audio"
	"github.com/antoniostano/voicedesk/internal/reliability"
)

// Available reports whether this binary was built with PortAudio.
const Available = true

// Output stream period; 40 ms at 24 kHz.
const outputFramesPerBuffer = 960

// Devices owns the PortAudio library lifetime.
type Devices struct {
	log zerolog.Logger
}

// Open initialises PortAudio. Close terminates it.
func Open(logger zerolog.Logger) (*Devices, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return &Devices{log: logger.With().Str("component", "portaudio").Logger()}, nil
}

func (d *Devices) Close() error {
	return portaudio.Terminate()
}

func (d *Devices) OpenMicrophone(_ context.Context, sampleRate int) (audio.Microphone, error) {
	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, reliability.Permission("portaudio.microphone", err)
	}
	if dev == nil || dev.MaxInputChannels < 1 {
		return nil, reliability.Permission("portaudio.microphone", fmt.Errorf("no input device"))
	}
	d.log.Debug().Str("device", dev.Name).Int("sample_rate", sampleRate).Msg("microphone selected")
	return &microphone{rate: sampleRate, log: d.log}, nil
}

func (d *Devices) OpenSpeaker(_ context.Context, sampleRate int) (audio.Speaker, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("default output device: %w", err)
	}
	d.log.Debug().Str("device", dev.Name).Int("sample_rate", sampleRate).Msg("speaker selected")
	return &speaker{rate: sampleRate}, nil
}

type microphone struct {
	rate int
	log  zerolog.Logger

	mu     sync.Mutex
	stream *portaudio.Stream
	stop   chan struct{}
	done   chan struct{}
	closed bool
}

func (m *microphone) SampleRate() int { return m.rate }

// Start opens a blocking input stream and reads frameSize blocks on its
// own goroutine. A read failure other than an overrun is reported through
// onError.
func (m *microphone) Start(frameSize int, onBlock func([]float32), onError func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return reliability.Permission("portaudio.microphone", fmt.Errorf("microphone closed"))
	}
	if m.stream != nil {
		return nil
	}
	buf := make([]float32, frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(m.rate), frameSize, buf)
	if err != nil {
		return reliability.Permission("portaudio.microphone", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return reliability.Permission("portaudio.microphone", err)
	}
	m.stream = stream
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	go func() {
		defer close(done)
		pump(stop, stream, buf, isOverrun, onBlock, func(err error) {
			m.log.Warn().Err(err).Msg("microphone lost")
			if onError != nil {
				onError(err)
			}
		})
	}()
	return nil
}

func isOverrun(err error) bool {
	return errors.Is(err, portaudio.InputOverflowed)
}

// Close waits for the reader to finish its current block before stopping
// the stream.
func (m *microphone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	stream, stop, done := m.stream, m.stop, m.done
	m.stream = nil
	m.mu.Unlock()

	if stream == nil {
		return nil
	}
	close(stop)
	<-done
	err := stream.Stop()
	if cerr := stream.Close(); err == nil {
		err = cerr
	}
	return err
}

type speaker struct {
	rate int

	mu     sync.Mutex
	stream *portaudio.Stream
	closed bool
}

func (s *speaker) SampleRate() int { return s.rate }

func (s *speaker) Start(render func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speaker closed")
	}
	if s.stream != nil {
		return nil
	}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(s.rate), outputFramesPerBuffer, func(out []float32) {
		render(out)
	})
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("start output stream: %w", err)
	}
	s.stream = stream
	return nil
}

func (s *speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.stream == nil {
		return nil
	}
	err := s.stream.Stop()
	if cerr := s.stream.Close(); err == nil {
		err = cerr
	}
	s.stream = nil
	return err
}
