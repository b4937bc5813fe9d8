// Package audio converts PCM16 mono frames between the device and the realtime service.
//
// Every transformation is stateless and degrades to returning its input unchanged when it
// cannot do its job, so a bad frame never stalls a conversation.
package audio

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

const (
	DeviceRate  = 16000
	ServiceRate = 24000
)

var ErrOddLength = errors.New("audio: pcm16 frame has odd byte length")

// BytesToSamples decodes little-endian PCM16.
func BytesToSamples(pcm []byte) ([]int16, error) {
	if len(pcm)%2 != 0 {
		return nil, ErrOddLength
	}
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[2*i:]))
	}
	return samples, nil
}

// SamplesToBytes encodes samples as little-endian PCM16.
func SamplesToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

func clip(v float64) int16 {
	v = math.Round(v)
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// EncodeBase64 is the wire encoding for audio in JSON events.
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

func DecodeBase64(s string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	return pcm, nil
}

// DecodeHex decodes the hex audio_data field devices send in JSON.
func DecodeHex(s string) ([]byte, error) {
	pcm, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("audio: decode hex: %w", err)
	}
	return pcm, nil
}

// RMS returns the root-mean-square amplitude in sample units.
func RMS(pcm []byte) float64 {
	samples, err := BytesToSamples(pcm)
	if err != nil || len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DefaultSilenceThreshold is the RMS below which a frame counts as silence.
const DefaultSilenceThreshold = 500.0

// IsSilent reports whether the frame's RMS is under threshold. Empty frames are silent.
func IsSilent(pcm []byte, threshold float64) bool {
	return RMS(pcm) < threshold
}
