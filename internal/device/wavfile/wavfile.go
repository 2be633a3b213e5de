// Package wavfile provides headless audio devices: a microphone that plays
// a WAV file in real time and a speaker that pulls the output clock in real
// time, optionally recording what it rendered.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"

	"github.com/antoniostano/voicedesk/internal/audio"
	"github.com/antoniostano/voicedesk/internal/reliability"
)

const (
	defaultSpeakerPeriod = 20 * time.Millisecond
	pcmFormat            = 1
	recordBitDepth       = 16
)

var ErrNotWAV = errors.New("not a valid WAV file")

// Devices opens the file-backed microphone and the real-time speaker.
type Devices struct {
	// InputPath is the WAV file played as microphone input.
	InputPath string
	// Loop restarts the file at EOF; otherwise silence follows.
	Loop bool
	// OutputPath, when set, records rendered output as 16-bit mono WAV.
	OutputPath string
	// SpeakerPeriod is the render period of the speaker clock.
	SpeakerPeriod time.Duration

	Logger zerolog.Logger
}

func (d *Devices) OpenMicrophone(_ context.Context, sampleRate int) (audio.Microphone, error) {
	f, err := os.Open(d.InputPath)
	if err != nil {
		// A missing input plays the role of a denied microphone.
		return nil, reliability.Permission("wavfile.microphone", err)
	}
	defer f.Close()

	samples, rate, err := decode(f)
	if err != nil {
		return nil, reliability.Permission("wavfile.microphone", fmt.Errorf("%s: %w", d.InputPath, err))
	}
	if rate != sampleRate {
		samples = audio.Resample(samples, rate, sampleRate)
	}
	d.Logger.Debug().Str("path", d.InputPath).Int("source_rate", rate).Int("frames", len(samples)).Msg("wav microphone opened")
	return &microphone{samples: samples, rate: sampleRate, loop: d.Loop}, nil
}

func (d *Devices) OpenSpeaker(_ context.Context, sampleRate int) (audio.Speaker, error) {
	period := d.SpeakerPeriod
	if period <= 0 {
		period = defaultSpeakerPeriod
	}
	s := &speaker{rate: sampleRate, period: period}
	if d.OutputPath != "" {
		f, err := os.Create(d.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", d.OutputPath, err)
		}
		s.file = f
		s.enc = wav.NewEncoder(f, sampleRate, recordBitDepth, 1, pcmFormat)
	}
	return s, nil
}

// decode reads a PCM WAV file and returns its first channel as floats.
func decode(f *os.File) ([]float32, int, error) {
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, ErrNotWAV
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, err
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 {
		return nil, 0, ErrNotWAV
	}
	return monoSamples(buf), buf.Format.SampleRate, nil
}

func monoSamples(buf *goaudio.IntBuffer) []float32 {
	channels := buf.Format.NumChannels
	if channels <= 0 {
		channels = 1
	}
	depth := buf.SourceBitDepth
	if depth <= 0 {
		depth = 16
	}
	scale := float32(int64(1) << (depth - 1))
	out := make([]float32, len(buf.Data)/channels)
	for i := range out {
		out[i] = float32(buf.Data[i*channels]) / scale
	}
	return out
}

type microphone struct {
	samples []float32
	rate    int
	loop    bool

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

func (m *microphone) SampleRate() int { return m.rate }

// Start delivers frameSize blocks at the pace a real device would.
func (m *microphone) Start(frameSize int, onBlock func([]float32), onError func(error)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return reliability.Permission("wavfile.microphone", errors.New("microphone closed"))
	}
	if m.done != nil {
		return nil
	}
	if frameSize <= 0 {
		return fmt.Errorf("invalid frame size %d", frameSize)
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, frameSize, onBlock)
	return nil
}

func (m *microphone) run(ctx context.Context, frameSize int, onBlock func([]float32)) {
	defer close(m.done)
	ticker := time.NewTicker(audio.FramesToDuration(int64(frameSize), m.rate))
	defer ticker.Stop()

	block := make([]float32, frameSize)
	pos := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for i := range block {
			if pos >= len(m.samples) {
				if !m.loop || len(m.samples) == 0 {
					block[i] = 0
					continue
				}
				pos = 0
			}
			block[i] = m.samples[pos]
			pos++
		}
		onBlock(block)
	}
}

func (m *microphone) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

type speaker struct {
	rate   int
	period time.Duration
	file   *os.File
	enc    *wav.Encoder

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
	err    error
}

func (s *speaker) SampleRate() int { return s.rate }

func (s *speaker) Start(render func([]float32)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("speaker closed")
	}
	if s.done != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, render)
	return nil
}

func (s *speaker) run(ctx context.Context, render func([]float32)) {
	defer close(s.done)
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	out := make([]float32, audio.DurationToFrames(s.period, s.rate))
	var rec *goaudio.IntBuffer
	if s.enc != nil {
		rec = &goaudio.IntBuffer{
			Format:         &goaudio.Format{NumChannels: 1, SampleRate: s.rate},
			Data:           make([]int, len(out)),
			SourceBitDepth: recordBitDepth,
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		render(out)
		if rec == nil {
			continue
		}
		for i, v := range out {
			rec.Data[i] = int(v * 32767)
		}
		if err := s.enc.Write(rec); err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			rec = nil
		}
	}
}

// Close stops the clock and finalises the recording, if any.
func (s *speaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	if s.enc == nil {
		return nil
	}
	s.mu.Lock()
	err := s.err
	s.mu.Unlock()
	err = errors.Join(err, s.enc.Close(), s.file.Close())
	return err
}
