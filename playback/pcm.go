package playback

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/bt-bridge/convai-speaker/shared"
	"github.com/cloudwego/base64x"
)

// pcmScale maps a signed 16-bit sample into [-1.0, 1.0).
const pcmScale = 32768.0

// DecodePCM16 turns a base64 fragment of little-endian 16-bit mono PCM into
// normalized samples.
func DecodePCM16(fragment string) ([]float32, error) {
	raw, err := base64x.StdEncoding.DecodeString(fragment)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding base64: %v", shared.ErrMalformedFragment, err)
	}
	return PCM16ToFloat32(raw)
}

func PCM16ToFloat32(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", shared.ErrMalformedFragment)
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: odd byte length %d", shared.ErrMalformedFragment, len(raw))
	}
	samples := make([]float32, len(raw)/2)
	for i := range samples {
		samples[i] = float32(int16(binary.LittleEndian.Uint16(raw[i*2:]))) / pcmScale
	}
	return samples, nil
}

// SamplesDuration is sampleCount / sampleRate as a time.Duration.
func SamplesDuration(samples, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}
