package portaudio

import (
	"fmt"

	"github.com/antoniostano/voicedesk/internal/reliability"
)

// blockReader is a blocking input stream that fills its buffer on Read.
type blockReader interface {
	Read() error
}

// pump reads blocks until stop is closed. An overrun still fills the
// buffer, so the block is delivered and reading goes on. Any other read
// failure means the device went away: it is reported once and the loop
// ends.
func pump(stop <-chan struct{}, r blockReader, buf []float32, overrun func(error) bool, onBlock func([]float32), onError func(error)) {
	for {
		select {
		case <-stop:
			return
		default:
		}
		err := r.Read()
		select {
		case <-stop:
			return
		default:
		}
		if err != nil && (overrun == nil || !overrun(err)) {
			if onError != nil {
				onError(reliability.Permission("portaudio.microphone", fmt.Errorf("read input stream: %w", err)))
			}
			return
		}
		onBlock(buf)
	}
}
