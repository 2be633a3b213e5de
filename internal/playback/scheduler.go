// Package playback schedules decoded audio buffers back-to-back on an
// output clock. The scheduler is the clock: it advances only as the
// speaker device pulls rendered frames through Render.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/antoniostano/voicedesk/internal/audio"
)

var ErrClosed = errors.New("playback scheduler is closed")

// Source is one scheduled, not yet finished buffer.
type Source struct {
	samples []float32
	start   int64 // output frame at which playback begins
	end     int64
	rate    int

	done     chan struct{}
	doneOnce sync.Once
	stopped  atomic.Bool
}

// Start is the scheduled start time on the output clock.
func (s *Source) Start() time.Duration { return audio.FramesToDuration(s.start, s.rate) }

// End is the scheduled end time on the output clock.
func (s *Source) End() time.Duration { return audio.FramesToDuration(s.end, s.rate) }

// Done is closed when the source finishes naturally or is stopped.
func (s *Source) Done() <-chan struct{} { return s.done }

// Stopped reports whether the source was cut short by a flush.
func (s *Source) Stopped() bool { return s.stopped.Load() }

func (s *Source) finish() { s.doneOnce.Do(func() { close(s.done) }) }

// Scheduler owns the output clock, the gain stage and the pending set.
type Scheduler struct {
	mu       sync.Mutex
	rate     int
	frame    int64 // frames rendered so far
	next     int64 // nextPlaybackTime cursor, in frames
	gain     float32
	pending  map[*Source]struct{}
	tap      *audio.Analyser
	onEnded  func(*Source)
	closed   bool
	released bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAnalyser feeds every rendered block to a.
func WithAnalyser(a *audio.Analyser) Option {
	return func(s *Scheduler) { s.tap = a }
}

// WithGain sets the initial output gain.
func WithGain(g float32) Option {
	return func(s *Scheduler) { s.gain = g }
}

// WithEndedHook is called, outside the scheduler lock, for every source
// that finishes naturally.
func WithEndedHook(fn func(*Source)) Option {
	return func(s *Scheduler) { s.onEnded = fn }
}

// NewScheduler creates a scheduler for an output clock running at sampleRate.
func NewScheduler(sampleRate int, opts ...Option) *Scheduler {
	s := &Scheduler{
		rate:    sampleRate,
		gain:    1,
		pending: make(map[*Source]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SampleRate of the output clock.
func (s *Scheduler) SampleRate() int { return s.rate }

// Now is the current output clock time.
func (s *Scheduler) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.FramesToDuration(s.frame, s.rate)
}

// Next is the nextPlaybackTime cursor.
func (s *Scheduler) Next() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.FramesToDuration(s.next, s.rate)
}

// Pending returns the number of scheduled sources that have not finished.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// SetGain changes the output gain.
func (s *Scheduler) SetGain(g float32) {
	s.mu.Lock()
	s.gain = g
	s.mu.Unlock()
}

// Schedule enqueues buf to start at max(next, now) and advances the cursor
// by the buffer's duration.
func (s *Scheduler) Schedule(buf *audio.Buffer) (*Source, error) {
	if buf == nil {
		return nil, errors.New("nil buffer")
	}
	if buf.SampleRate != s.rate {
		return nil, fmt.Errorf("buffer sample rate %d does not match output clock %d", buf.SampleRate, s.rate)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	start := s.next
	if s.frame > start {
		start = s.frame
	}
	src := &Source{
		samples: buf.Samples,
		start:   start,
		end:     start + int64(len(buf.Samples)),
		rate:    s.rate,
		done:    make(chan struct{}),
	}
	s.next = src.end
	if src.end == src.start {
		// Zero-length buffers complete immediately.
		src.finish()
		return src, nil
	}
	s.pending[src] = struct{}{}
	return src, nil
}

// Flush stops every pending source, clears the set and resets the cursor
// so the next buffer starts at the current clock time. It returns the
// number of sources stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Scheduler) flushLocked() int {
	n := len(s.pending)
	for src := range s.pending {
		src.stopped.Store(true)
		src.finish()
		delete(s.pending, src)
	}
	s.next = 0
	return n
}

// Teardown flushes and releases the gain stage. After Teardown, Schedule
// fails and Render produces silence. Safe to call repeatedly.
func (s *Scheduler) Teardown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushLocked()
	s.closed = true
	if !s.released {
		s.released = true
		s.gain = 0
		s.tap = nil
	}
}

// Render mixes every pending source overlapping the next len(out) frames
// into out, applies the gain and advances the clock. It is called from the
// speaker device's goroutine.
func (s *Scheduler) Render(out []float32) {
	for i := range out {
		out[i] = 0
	}

	s.mu.Lock()
	from := s.frame
	to := from + int64(len(out))
	var ended []*Source
	for src := range s.pending {
		if src.start >= to || src.end <= from {
			if src.end <= from {
				ended = append(ended, src)
			}
			continue
		}
		lo := max(src.start, from)
		hi := min(src.end, to)
		for f := lo; f < hi; f++ {
			out[f-from] += src.samples[f-src.start]
		}
		if src.end <= to {
			ended = append(ended, src)
		}
	}
	for _, src := range ended {
		delete(s.pending, src)
		src.finish()
	}
	gain := s.gain
	tap := s.tap
	s.frame = to
	hook := s.onEnded
	s.mu.Unlock()

	for i, v := range out {
		v *= gain
		switch {
		case v > 1:
			v = 1
		case v < -1:
			v = -1
		}
		out[i] = v
	}
	if tap != nil {
		tap.Write(out)
	}
	if hook != nil {
		for _, src := range ended {
			hook(src)
		}
	}
}
