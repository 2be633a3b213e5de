// Package activity samples an analyser at display cadence and reports a
// single audio level in [0,1].
package activity

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval approximates a 60 Hz display refresh.
const DefaultInterval = 16 * time.Millisecond

// Meter is the analyser side of the monitor.
type Meter interface {
	Level() float64
}

// Monitor polls a Meter on a ticker and forwards each level.
type Monitor struct {
	meter    Meter
	interval time.Duration
	onSample func(float64)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor. interval <= 0 selects DefaultInterval.
func NewMonitor(meter Meter, interval time.Duration, onSample func(float64)) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{meter: meter, interval: interval, onSample: onSample}
}

// Start begins sampling until ctx is done or Stop is called. Calling Start
// on a running monitor does nothing.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(ctx, m.done)
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Stop may have raced the tick.
			if ctx.Err() != nil {
				return
			}
			level := m.meter.Level()
			if level < 0 {
				level = 0
			} else if level > 1 {
				level = 1
			}
			if m.onSample != nil {
				m.onSample(level)
			}
		}
	}
}

// Stop cancels the ticker and waits for the sampling goroutine to exit;
// no sample is delivered after it returns. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
