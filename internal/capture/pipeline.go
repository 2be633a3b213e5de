// Package capture turns microphone blocks into PCM16 frames for the
// session channel.
package capture

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/antoniostano/voicedesk/internal/audio"
)

// DefaultFrameSize is the fixed capture block size in frames.
const DefaultFrameSize = 4096

var ErrStopped = errors.New("capture pipeline stopped")

// Sink receives one encoded frame per capture block. It must not block;
// it reports whether the frame was accepted.
type Sink func(frame []byte) bool

// Pipeline is microphone -> processor -> encoder -> sink.
type Pipeline struct {
	mic       audio.Microphone
	frameSize int
	sink      Sink
	tap       *audio.Analyser
	onError   func(error)

	mu      sync.Mutex
	started bool
	stopped bool

	forwarded atomic.Uint64
	dropped   atomic.Uint64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithAnalyser taps the raw input blocks into a for activity metering.
func WithAnalyser(a *audio.Analyser) Option {
	return func(p *Pipeline) { p.tap = a }
}

// WithErrorHandler is called when the device fails, e.g. when the
// microphone permission is revoked mid-session.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pipeline) { p.onError = fn }
}

// New builds a pipeline. frameSize <= 0 selects DefaultFrameSize.
func New(mic audio.Microphone, frameSize int, sink Sink, opts ...Option) *Pipeline {
	if frameSize <= 0 {
		frameSize = DefaultFrameSize
	}
	p := &Pipeline{mic: mic, frameSize: frameSize, sink: sink}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start connects the graph. It fails if the pipeline was already stopped.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return ErrStopped
	}
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	if err := p.mic.Start(p.frameSize, p.process, p.fail); err != nil {
		p.mu.Lock()
		p.started = false
		p.mu.Unlock()
		return err
	}
	return nil
}

// Stop disconnects the graph and releases the microphone track. Once Stop
// returns no further frame reaches the sink. Safe to call repeatedly.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()
	_ = p.mic.Close()
}

// Forwarded is the number of frames the sink accepted.
func (p *Pipeline) Forwarded() uint64 { return p.forwarded.Load() }

// Dropped is the number of frames the sink refused.
func (p *Pipeline) Dropped() uint64 { return p.dropped.Load() }

func (p *Pipeline) process(block []float32) {
	// Hold the lock across the sink call so Stop cannot return while a
	// frame is in flight.
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	if p.tap != nil {
		p.tap.Write(block)
	}
	frame := audio.EncodePCM16(block)
	if p.sink != nil && p.sink(frame) {
		p.forwarded.Add(1)
		return
	}
	p.dropped.Add(1)
}

func (p *Pipeline) fail(err error) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped || err == nil || p.onError == nil {
		return
	}
	p.onError(err)
}
