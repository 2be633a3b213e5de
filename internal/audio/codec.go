package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/antoniostano/voicedesk/internal/reliability"
)

// EncodePCM16 converts float samples to signed 16-bit little-endian PCM.
// Samples are clamped to [-1,1] and scaled by 32767.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		v := int16(clamp(s) * 32767)
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}

// DecodePCM16 interprets data as little-endian 16-bit mono PCM recorded at
// sourceRate and returns a buffer at destRate.
func DecodePCM16(data []byte, sourceRate, destRate int) (*Buffer, error) {
	if len(data)%BytesPerSample != 0 {
		return nil, reliability.Decode("decode pcm16", fmt.Errorf("byte length %d is not a multiple of %d", len(data), BytesPerSample))
	}
	if sourceRate <= 0 || destRate <= 0 {
		return nil, reliability.Decode("decode pcm16", fmt.Errorf("unsupported sample rate %d -> %d", sourceRate, destRate))
	}

	samples := make([]float32, len(data)/BytesPerSample)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
		samples[i] = float32(v) / 32768
	}
	if sourceRate != destRate {
		samples = Resample(samples, sourceRate, destRate)
	}
	return &Buffer{Samples: samples, SampleRate: destRate}, nil
}

// TextToBytes decodes the transport text encoding (standard base64).
func TextToBytes(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, reliability.Decode("decode base64", err)
	}
	return b, nil
}

// BytesToText encodes b with the transport text encoding.
func BytesToText(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// clamp maps NaN to silence.
func clamp(s float32) float32 {
	switch {
	case math.IsNaN(float64(s)):
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	default:
		return s
	}
}
