package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// CaptureSampleRate is the rate microphone audio is captured and sent upstream at.
	CaptureSampleRate = 16000
	// UpstreamSampleRate is the rate the dialogue service synthesizes speech at.
	UpstreamSampleRate = 24000

	pcmScale = 32768.0
)

// BytesToSamples decodes 16-bit signed little-endian PCM into samples in [-1, 1).
// A trailing odd byte is ignored.
func BytesToSamples(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / pcmScale
	}
	return out
}

// SamplesToBytes encodes samples as 16-bit signed little-endian PCM.
// Out-of-range values saturate at the int16 limits.
func SamplesToBytes(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := clamp(math.Round(float64(s)*pcmScale), math.MinInt16, math.MaxInt16)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// Resample converts between sample rates by linear interpolation between the
// two nearest source samples. The output holds floor(len(in)*target/source) samples.
func Resample(in []float32, sourceRate, targetRate int) []float32 {
	if sourceRate <= 0 || targetRate <= 0 || len(in) == 0 {
		return nil
	}
	if sourceRate == targetRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	outN := int(int64(len(in)) * int64(targetRate) / int64(sourceRate))
	out := make([]float32, outN)
	step := float64(sourceRate) / float64(targetRate)
	for i := 0; i < outN; i++ {
		src := float64(i) * step
		i0 := int(math.Floor(src))
		i1 := i0 + 1
		if i0 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		if i1 >= len(in) {
			out[i] = in[i0]
			continue
		}
		a := float32(src - float64(i0))
		out[i] = in[i0]*(1-a) + in[i1]*a
	}
	return out
}

// FrameRMS returns the root-mean-square energy of a frame.
func FrameRMS(f []float32) float64 {
	if len(f) == 0 {
		return 0
	}
	var s float64
	for _, x := range f {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s / float64(len(f)))
}

// Duration reports how long n samples last at the given rate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Resampler converts a stream delivered in pieces. Interpolation runs across
// piece boundaries, so resampling a signal in parts matches resampling it
// whole except for the final fractional sample, which is held until the next
// piece or dropped by Reset.
type Resampler struct {
	targetRate int
	sourceRate int
	// pos is the read position in source samples, scaled by targetRate and
	// measured from prev when hasPrev is set.
	pos     int64
	prev    float32
	hasPrev bool
}

func NewResampler(targetRate int) *Resampler {
	return &Resampler{targetRate: targetRate}
}

// Process returns the output samples that in completes. A change of
// sourceRate starts a new stream.
func (r *Resampler) Process(in []float32, sourceRate int) []float32 {
	if sourceRate <= 0 || r.targetRate <= 0 || len(in) == 0 {
		return nil
	}
	if sourceRate != r.sourceRate {
		r.Reset()
		r.sourceRate = sourceRate
	}
	if sourceRate == r.targetRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	src := in
	if r.hasPrev {
		src = make([]float32, 0, len(in)+1)
		src = append(src, r.prev)
		src = append(src, in...)
	}
	target := int64(r.targetRate)
	last := int64(len(src) - 1)
	out := make([]float32, 0, int64(len(in))*target/int64(sourceRate)+1)
	for r.pos/target < last {
		i0 := r.pos / target
		a := float32(r.pos%target) / float32(target)
		out = append(out, src[i0]*(1-a)+src[i0+1]*a)
		r.pos += int64(sourceRate)
	}
	r.pos -= last * target
	r.prev = src[last]
	r.hasPrev = true
	return out
}

// Reset forgets any held sample.
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
	r.hasPrev = false
	r.sourceRate = 0
}
