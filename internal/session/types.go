package session

import (
	"time"

	"github.com/antoniostano/voicedesk/internal/audio"
)

// State of the single session owned by a Manager.
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateFailed        State = "failed"
)

// Activity sources for the level meter.
const (
	ActivityInput  = "input"
	ActivityOutput = "output"
)

// Config holds everything a session needs besides the persona.
type Config struct {
	APIKey string
	Model  string

	InputSampleRate  int
	OutputSampleRate int
	FrameSize        int
	FFTSize          int
	ActivitySource   string
	ActivityInterval time.Duration
	OutputGain       float32

	// ConnectTimeout bounds Connecting; zero waits for the transport.
	ConnectTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.InputSampleRate <= 0 {
		c.InputSampleRate = audio.InputSampleRate
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = audio.OutputSampleRate
	}
	if c.FrameSize <= 0 {
		c.FrameSize = 4096
	}
	if c.FFTSize <= 0 {
		c.FFTSize = audio.DefaultFFTSize
	}
	if c.ActivitySource != ActivityOutput {
		c.ActivitySource = ActivityInput
	}
	if c.OutputGain <= 0 {
		c.OutputGain = 1
	}
	return c
}

// Callbacks are the UI surface of the manager. OnStateChange, OnError and
// OnDisconnect run on the manager's event loop and must not call Connect
// or Disconnect synchronously. OnActivity runs on the monitor's ticker.
type Callbacks struct {
	OnStateChange func(State)
	OnError       func(error)
	OnDisconnect  func()
	OnActivity    func(level float64)
}
