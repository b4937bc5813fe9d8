package audio

import (
	"fmt"
	"math"
)

const (
	// zeroCrossings is the one-sided width of the sinc kernel at full bandwidth.
	zeroCrossings = 16
	// maxPhases bounds the polyphase table; rarer ratios evaluate the kernel directly.
	maxPhases = 4096
)

// Resample converts pcm from one sample rate to another. It uses a windowed-sinc polyphase
// filter and falls back to linear interpolation if that fails. The output holds
// int(n*to/from) samples. Empty input yields empty output; invalid input is returned as is.
func Resample(pcm []byte, from, to int) []byte {
	if len(pcm) == 0 {
		return []byte{}
	}
	if from <= 0 || to <= 0 || from == to || len(pcm)%2 != 0 {
		return pcm
	}
	out, err := resampleSinc(pcm, from, to)
	if err == nil {
		return out
	}
	out, err = resampleLinear(pcm, from, to)
	if err != nil {
		return pcm
	}
	return out
}

// ResampleLinear converts pcm by linear interpolation.
func ResampleLinear(pcm []byte, from, to int) []byte {
	if len(pcm) == 0 {
		return []byte{}
	}
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	out, err := resampleLinear(pcm, from, to)
	if err != nil {
		return pcm
	}
	return out
}

func outputLength(n, from, to int) int {
	return int(int64(n) * int64(to) / int64(from))
}

func resampleLinear(pcm []byte, from, to int) ([]byte, error) {
	in, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}
	n := len(in)
	out := make([]int16, outputLength(n, from, to))
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		idx := int(pos)
		if idx >= n {
			idx = n - 1
		}
		next := idx + 1
		if next >= n {
			next = n - 1
		}
		frac := pos - float64(idx)
		out[i] = clip(float64(in[idx])*(1-frac) + float64(in[next])*frac)
	}
	return SamplesToBytes(out), nil
}

func resampleSinc(pcm []byte, from, to int) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audio: sinc resampler: %v", r)
		}
	}()

	in, err := BytesToSamples(pcm)
	if err != nil {
		return nil, err
	}

	g := gcd(from, to)
	up, down := to/g, from/g

	// Cutoff relative to the input Nyquist; downsampling narrows it to avoid aliasing.
	cutoff := math.Min(1, float64(to)/float64(from)) * 0.95
	half := int(math.Ceil(zeroCrossings / cutoff))

	var table [][]float64
	if up <= maxPhases {
		table = make([][]float64, up)
		for p := range table {
			table[p] = kernel(float64(p)/float64(up), half, cutoff)
		}
	}

	n := len(in)
	result := make([]int16, outputLength(n, from, to))
	for k := range result {
		pos := int64(k) * int64(down)
		base := int(pos / int64(up))
		phase := int(pos % int64(up))

		var taps []float64
		if table != nil {
			taps = table[phase]
		} else {
			taps = kernel(float64(phase)/float64(up), half, cutoff)
		}

		var acc float64
		for i, w := range taps {
			idx := base - half + 1 + i
			if idx < 0 {
				idx = 0
			} else if idx >= n {
				idx = n - 1
			}
			acc += w * float64(in[idx])
		}
		result[k] = clip(acc)
	}
	return SamplesToBytes(result), nil
}

// kernel returns 2*half normalized taps for input offsets -half+1..half around frac.
func kernel(frac float64, half int, cutoff float64) []float64 {
	taps := make([]float64, 2*half)
	var sum float64
	for i := range taps {
		x := frac - float64(i-half+1)
		w := cutoff * sinc(cutoff*x) * hann(x, float64(half))
		taps[i] = w
		sum += w
	}
	if sum != 0 {
		for i := range taps {
			taps[i] /= sum
		}
	}
	return taps
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func hann(x, half float64) float64 {
	if math.Abs(x) >= half {
		return 0
	}
	return 0.5 * (1 + math.Cos(math.Pi*x/half))
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}
