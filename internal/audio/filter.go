package audio

import (
	"math"
)

const (
	DefaultHighPassHz      = 80.0
	DefaultNormalizeTarget = 0.8
)

// HighPass applies a first-order high-pass filter at cutoff Hz. On invalid input the
// unfiltered frame is returned.
func HighPass(pcm []byte, rate int, cutoff float64) []byte {
	if len(pcm) == 0 || rate <= 0 || cutoff <= 0 || cutoff >= float64(rate)/2 {
		return pcm
	}
	in, err := BytesToSamples(pcm)
	if err != nil {
		return pcm
	}

	rc := 1 / (2 * math.Pi * cutoff)
	dt := 1 / float64(rate)
	alpha := rc / (rc + dt)

	out := make([]int16, len(in))
	var prevIn, prevOut float64
	for i, s := range in {
		x := float64(s)
		y := x
		if i > 0 {
			y = alpha * (prevOut + x - prevIn)
		}
		out[i] = clip(y)
		prevIn, prevOut = x, y
	}
	return SamplesToBytes(out)
}

// Normalize scales the frame so its peak sits at target of full scale.
// Silent frames are returned untouched.
func Normalize(pcm []byte, target float64) []byte {
	if target <= 0 || target > 1 {
		return pcm
	}
	in, err := BytesToSamples(pcm)
	if err != nil || len(in) == 0 {
		return pcm
	}

	var peak float64
	for _, s := range in {
		if a := math.Abs(float64(s)); a > peak {
			peak = a
		}
	}
	if peak == 0 {
		return pcm
	}

	gain := target * math.MaxInt16 / peak
	out := make([]int16, len(in))
	for i, s := range in {
		out[i] = clip(float64(s) * gain)
	}
	return SamplesToBytes(out)
}
