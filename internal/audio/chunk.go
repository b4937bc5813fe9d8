package audio

import "time"

// DefaultCrossfadeSamples is the overlap used when joining chunks.
const DefaultCrossfadeSamples = 32

// Chunk splits pcm into frames of dur at rate. The last chunk may be shorter.
func Chunk(pcm []byte, rate int, dur time.Duration) [][]byte {
	size := int(int64(rate)*int64(dur)/int64(time.Second)) * 2
	if size <= 0 || len(pcm) <= size {
		return [][]byte{pcm}
	}
	chunks := make([][]byte, 0, len(pcm)/size+1)
	for start := 0; start < len(pcm); start += size {
		end := start + size
		if end > len(pcm) {
			end = len(pcm)
		}
		chunks = append(chunks, pcm[start:end])
	}
	return chunks
}

// Concat joins chunks, overlapping each boundary by up to fade samples with a linear
// crossfade. With fade <= 0 the chunks are simply appended.
func Concat(chunks [][]byte, fade int) []byte {
	var total int
	for _, c := range chunks {
		total += len(c)
	}
	if fade <= 0 {
		out := make([]byte, 0, total)
		for _, c := range chunks {
			out = append(out, c...)
		}
		return out
	}

	acc := make([]int16, 0, total/2)
	for _, c := range chunks {
		next, err := BytesToSamples(c)
		if err != nil {
			return Concat(chunks, 0)
		}
		f := fade
		if f > len(acc) {
			f = len(acc)
		}
		if f > len(next) {
			f = len(next)
		}
		tail := acc[len(acc)-f:]
		for i := 0; i < f; i++ {
			w := float64(i+1) / float64(f+1)
			tail[i] = clip(float64(tail[i])*(1-w) + float64(next[i])*w)
		}
		acc = append(acc, next[f:]...)
	}
	return SamplesToBytes(acc)
}
