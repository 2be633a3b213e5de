//go:build !portaudio

package portaudio

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/antoniostano/voicedesk/internal/audio"
	"github.com/antoniostano/voicedesk/internal/reliability"
)

// Available reports whether this binary was built with PortAudio.
const Available = false

var ErrUnavailable = errors.New("built without portaudio support (rebuild with -tags portaudio)")

type Devices struct{}

func Open(zerolog.Logger) (*Devices, error) { return nil, ErrUnavailable }

func (d *Devices) Close() error { return nil }

func (d *Devices) OpenMicrophone(context.Context, int) (audio.Microphone, error) {
	return nil, reliability.Permission("portaudio.microphone", ErrUnavailable)
}

func (d *Devices) OpenSpeaker(context.Context, int) (audio.Speaker, error) {
	return nil, ErrUnavailable
}
