package audio

import (
	"math"
	"time"
)

// SineTone renders a sine wave as 16-bit little-endian PCM.
func SineTone(freqHz float64, sampleRate int, d time.Duration, amp float64) []byte {
	if sampleRate <= 0 || d <= 0 || freqHz <= 0 {
		return nil
	}
	if amp <= 0 {
		amp = 0.2
	}
	if amp > 1 {
		amp = 1
	}
	n := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if n <= 0 {
		n = 1
	}
	samples := make([]float32, n)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		samples[i] = float32(amp * math.Sin(2*math.Pi*freqHz*t))
	}
	return SamplesToBytes(samples)
}
