package playback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/voicedesk/internal/audio"
)

const rate = audio.OutputSampleRate

func constBuffer(d time.Duration, v float32) *audio.Buffer {
	n := audio.DurationToFrames(d, rate)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = v
	}
	return &audio.Buffer{Samples: samples, SampleRate: rate}
}

func render(s *Scheduler, d time.Duration) []float32 {
	out := make([]float32, audio.DurationToFrames(d, rate))
	s.Render(out)
	return out
}

func TestScheduleGaplessWithIrregularArrival(t *testing.T) {
	s := NewScheduler(rate)
	durations := []time.Duration{
		300 * time.Millisecond,
		120 * time.Millisecond,
		480 * time.Millisecond,
		40 * time.Millisecond,
	}
	// Clock advances between arrivals but never past the cursor, and never
	// past the end of the first buffer, so nothing has finished yet.
	gaps := []time.Duration{0, 100 * time.Millisecond, 5 * time.Millisecond, 150 * time.Millisecond}

	var prev *Source
	for i, d := range durations {
		render(s, gaps[i])
		src, err := s.Schedule(constBuffer(d, 0.1))
		require.NoError(t, err)
		if prev != nil {
			assert.Equal(t, prev.Start()+durations[i-1], src.Start(), "buffer %d", i)
		} else {
			assert.Equal(t, time.Duration(0), src.Start())
		}
		prev = src
	}
	assert.Equal(t, 940*time.Millisecond, s.Next())
	assert.Equal(t, len(durations), s.Pending())

	// 305 ms: the first buffer ended at 300 ms.
	render(s, 50*time.Millisecond)
	assert.Equal(t, 305*time.Millisecond, s.Now())
	assert.Equal(t, len(durations)-1, s.Pending())
	assert.Equal(t, 940*time.Millisecond, s.Next())
}

func TestScheduleBurstDoesNotOverlap(t *testing.T) {
	s := NewScheduler(rate)
	a, err := s.Schedule(constBuffer(time.Second, 0.25))
	require.NoError(t, err)
	b, err := s.Schedule(constBuffer(time.Second, 0.5))
	require.NoError(t, err)
	assert.Equal(t, a.End(), b.Start())

	out := render(s, 2*time.Second)
	// Every frame carries exactly one source.
	assert.InDelta(t, 0.25, out[0], 1e-6)
	assert.InDelta(t, 0.25, out[rate-1], 1e-6)
	assert.InDelta(t, 0.5, out[rate], 1e-6)
	assert.InDelta(t, 0.5, out[2*rate-1], 1e-6)
}

func TestScheduleAfterIdleStartsAtNow(t *testing.T) {
	s := NewScheduler(rate)
	_, err := s.Schedule(constBuffer(100*time.Millisecond, 0.1))
	require.NoError(t, err)
	render(s, 500*time.Millisecond)

	src, err := s.Schedule(constBuffer(100*time.Millisecond, 0.1))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, src.Start())
}

func TestNaturalCompletionRemovesPending(t *testing.T) {
	var ended []*Source
	s := NewScheduler(rate, WithEndedHook(func(src *Source) { ended = append(ended, src) }))
	src, err := s.Schedule(constBuffer(200*time.Millisecond, 0.1))
	require.NoError(t, err)

	render(s, 100*time.Millisecond)
	assert.Equal(t, 1, s.Pending())

	render(s, 100*time.Millisecond)
	assert.Equal(t, 0, s.Pending())
	require.Len(t, ended, 1)
	assert.Same(t, src, ended[0])
	assert.False(t, src.Stopped())
	select {
	case <-src.Done():
	default:
		t.Fatal("source should be done")
	}
}

func TestFlushResetsCursor(t *testing.T) {
	s := NewScheduler(rate)
	_, err := s.Schedule(constBuffer(2*time.Second, 0.1))
	require.NoError(t, err)
	render(s, 300*time.Millisecond)

	assert.Equal(t, 1, s.Flush())
	assert.Equal(t, time.Duration(0), s.Next())

	src, err := s.Schedule(constBuffer(100*time.Millisecond, 0.1))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, src.Start(), s.Now())
	assert.Equal(t, 300*time.Millisecond, src.Start())
}

func TestInterruptionScenario(t *testing.T) {
	s := NewScheduler(rate)
	a, err := s.Schedule(constBuffer(time.Second, 0.3))
	require.NoError(t, err)
	b, err := s.Schedule(constBuffer(time.Second, 0.3))
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), a.Start())
	require.Equal(t, time.Second, b.Start())

	// A is playing.
	render(s, 400*time.Millisecond)
	require.Equal(t, 2, s.Pending())

	assert.Equal(t, 2, s.Flush())
	assert.True(t, a.Stopped())
	assert.True(t, b.Stopped())
	assert.Equal(t, 0, s.Pending())
	assert.Equal(t, time.Duration(0), s.Next())

	// Nothing left to hear.
	for _, v := range render(s, 100*time.Millisecond) {
		require.Zero(t, v)
	}

	c, err := s.Schedule(constBuffer(200*time.Millisecond, 0.3))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, c.Start())
	assert.NotEqual(t, time.Second, c.Start())
}

func TestFlushIsIdempotent(t *testing.T) {
	s := NewScheduler(rate)
	_, err := s.Schedule(constBuffer(time.Second, 0.1))
	require.NoError(t, err)
	assert.Equal(t, 1, s.Flush())
	assert.Equal(t, 0, s.Flush())
}

func TestTeardownIsIdempotent(t *testing.T) {
	s := NewScheduler(rate)
	src, err := s.Schedule(constBuffer(time.Second, 0.1))
	require.NoError(t, err)

	s.Teardown()
	s.Teardown()

	assert.True(t, src.Stopped())
	assert.Equal(t, 0, s.Pending())
	_, err = s.Schedule(constBuffer(time.Second, 0.1))
	assert.ErrorIs(t, err, ErrClosed)

	out := render(s, 10*time.Millisecond)
	for _, v := range out {
		require.Zero(t, v)
	}
}

func TestScheduleRejectsRateMismatch(t *testing.T) {
	s := NewScheduler(rate)
	_, err := s.Schedule(&audio.Buffer{Samples: make([]float32, 10), SampleRate: audio.InputSampleRate})
	assert.Error(t, err)
}

func TestRenderAppliesGainAndClips(t *testing.T) {
	s := NewScheduler(rate, WithGain(0.5))
	_, err := s.Schedule(constBuffer(10*time.Millisecond, 0.8))
	require.NoError(t, err)
	out := render(s, 5*time.Millisecond)
	assert.InDelta(t, 0.4, out[0], 1e-6)

	s.SetGain(4)
	out = render(s, 5*time.Millisecond)
	assert.Equal(t, float32(1), out[0])
}

func TestRenderFeedsAnalyser(t *testing.T) {
	a := audio.NewAnalyser(audio.DefaultFFTSize)
	s := NewScheduler(rate, WithAnalyser(a))
	_, err := s.Schedule(constBuffer(100*time.Millisecond, 0.9))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		render(s, 10*time.Millisecond)
	}
	assert.Greater(t, a.Level(), 0.0)
}

func TestZeroLengthBufferCompletesImmediately(t *testing.T) {
	s := NewScheduler(rate)
	src, err := s.Schedule(&audio.Buffer{SampleRate: rate})
	require.NoError(t, err)
	assert.Equal(t, 0, s.Pending())
	select {
	case <-src.Done():
	default:
		t.Fatal("zero-length source should be done")
	}
}
