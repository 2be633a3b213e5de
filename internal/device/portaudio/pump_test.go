package portaudio

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/voicedesk/internal/reliability"
)

var errOverrun = errors.New("input overflowed")

// scriptedReader returns the scripted errors in order, then blocks
// briefly per read like a real device.
type scriptedReader struct {
	mu     sync.Mutex
	buf    []float32
	script []error
	reads  int
}

func (r *scriptedReader) Read() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reads++
	for i := range r.buf {
		r.buf[i] = float32(r.reads)
	}
	if len(r.script) == 0 {
		time.Sleep(time.Millisecond)
		return nil
	}
	err := r.script[0]
	r.script = r.script[1:]
	return err
}

func isOverrun(err error) bool { return errors.Is(err, errOverrun) }

func TestPumpReportsDeviceLossOnce(t *testing.T) {
	buf := make([]float32, 4)
	lost := errors.New("device unavailable")
	r := &scriptedReader{buf: buf, script: []error{nil, errOverrun, nil, lost, nil}}

	var blocks []float32
	var errs []error
	done := make(chan struct{})
	go func() {
		defer close(done)
		pump(make(chan struct{}), r, buf, isOverrun,
			func(b []float32) { blocks = append(blocks, b[0]) },
			func(err error) { errs = append(errs, err) })
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop after the device failed")
	}
	// The overrun block is still delivered.
	assert.Equal(t, []float32{1, 2, 3}, blocks)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], reliability.ErrPermission)
	assert.ErrorIs(t, errs[0], lost)
}

func TestPumpStopsQuietly(t *testing.T) {
	buf := make([]float32, 4)
	r := &scriptedReader{buf: buf}
	stop := make(chan struct{})

	var mu sync.Mutex
	n := 0
	var errs []error
	done := make(chan struct{})
	go func() {
		defer close(done)
		pump(stop, r, buf, isOverrun,
			func([]float32) { mu.Lock(); n++; mu.Unlock() },
			func(err error) { errs = append(errs, err) })
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return n >= 3
	}, 2*time.Second, time.Millisecond)
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump did not stop")
	}
	assert.Empty(t, errs)
}
