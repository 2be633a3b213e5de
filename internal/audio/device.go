package audio

import "context"

// Microphone is an acquired input device. Its clock runs at SampleRate and
// delivers fixed-size blocks on the device's own goroutine.
type Microphone interface {
	SampleRate() int
	// Start begins capture. onBlock receives frameSize samples per call and
	// must not retain the slice. onError reports a fatal device failure such
	// as the permission being revoked.
	Start(frameSize int, onBlock func(block []float32), onError func(error)) error
	// Close stops capture and releases the track. Safe to call repeatedly.
	Close() error
}

// Speaker is an acquired output device that pulls rendered audio.
type Speaker interface {
	SampleRate() int
	// Start resumes the output clock; render fills out on every device period.
	Start(render func(out []float32)) error
	// Close releases the device. Safe to call repeatedly.
	Close() error
}

// Devices acquires audio hardware for one session.
type Devices interface {
	// OpenMicrophone requests microphone access. A denial is reported as a
	// reliability.KindPermission error.
	OpenMicrophone(ctx context.Context, sampleRate int) (Microphone, error)
	OpenSpeaker(ctx context.Context, sampleRate int) (Speaker, error)
}
