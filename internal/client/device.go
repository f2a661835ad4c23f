package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/loqalabs/loqa-live/internal/audio"
	"github.com/loqalabs/loqa-live/internal/playback"
)

// InitAudio initializes PortAudio. Call the returned func on exit.
func InitAudio() (func(), error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize portaudio: %w", err)
	}
	return func() { _ = portaudio.Terminate() }, nil
}

// DeviceCapture reads mono frames from the default input device.
type DeviceCapture struct {
	sampleRate int
	frameSize  int
}

func NewDeviceCapture(sampleRate, frameSize int) *DeviceCapture {
	if sampleRate <= 0 {
		sampleRate = audio.CaptureSampleRate
	}
	if frameSize <= 0 {
		frameSize = audio.DefaultFrameSize
	}
	return &DeviceCapture{sampleRate: sampleRate, frameSize: frameSize}
}

func (d *DeviceCapture) Run(ctx context.Context, onFrame func([]float32)) error {
	buf := make([]float32, d.frameSize)
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(d.sampleRate), len(buf), buf)
	if err != nil {
		return fmt.Errorf("open input stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start input stream: %w", err)
	}
	defer stream.Stop()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := stream.Read(); err != nil {
			return fmt.Errorf("read input stream: %w", err)
		}
		frame := make([]float32, len(buf))
		copy(frame, buf)
		onFrame(frame)
	}
}

// outputStream is the blocking write side of a PortAudio stream. Write plays
// the buffer the stream was opened with.
type outputStream interface {
	Write() error
	Stop() error
	Close() error
}

// DeviceRenderer plays chunks on the default output device at its native
// rate. Consecutive chunks are written as one continuous stream: samples that
// do not fill a device buffer wait for the next chunk and are only padded
// with silence by Flush.
type DeviceRenderer struct {
	mu         sync.Mutex
	stream     outputStream
	out        []float32
	fill       int
	resampler  *audio.Resampler
	sampleRate int
}

func NewDeviceRenderer(bufferSize int) (*DeviceRenderer, error) {
	dev, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("default output device: %w", err)
	}
	rate := int(dev.DefaultSampleRate)
	if rate <= 0 {
		rate = audio.UpstreamSampleRate
	}
	if bufferSize <= 0 {
		bufferSize = 512
	}
	out := make([]float32, bufferSize)
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(rate), len(out), out)
	if err != nil {
		return nil, fmt.Errorf("open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("start output stream: %w", err)
	}
	return newDeviceRenderer(stream, out, rate), nil
}

func newDeviceRenderer(stream outputStream, out []float32, sampleRate int) *DeviceRenderer {
	return &DeviceRenderer{
		stream:     stream,
		out:        out,
		resampler:  audio.NewResampler(sampleRate),
		sampleRate: sampleRate,
	}
}

func (r *DeviceRenderer) SampleRate() int { return r.sampleRate }

// Render writes the chunk with blocking writes. The device clock paces
// playback, so start is only used by renderers without a device. A cancelled
// render discards whatever had not reached the device.
func (r *DeviceRenderer) Render(ctx context.Context, chunk playback.Chunk, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	samples := r.resampler.Process(chunk.Samples, chunk.SampleRate)
	for len(samples) > 0 {
		n := copy(r.out[r.fill:], samples)
		r.fill += n
		samples = samples[n:]
		if r.fill < len(r.out) {
			break
		}
		if err := ctx.Err(); err != nil {
			r.discard()
			return err
		}
		if err := r.stream.Write(); err != nil {
			r.discard()
			return fmt.Errorf("write output stream: %w", err)
		}
		r.fill = 0
	}
	if err := ctx.Err(); err != nil {
		r.discard()
		return err
	}
	return nil
}

// Flush pads the held samples with silence and plays them. Call it when the
// queue drains.
func (r *DeviceRenderer) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resampler.Reset()
	if r.fill == 0 {
		return nil
	}
	for i := r.fill; i < len(r.out); i++ {
		r.out[i] = 0
	}
	r.fill = 0
	if err := r.stream.Write(); err != nil {
		return fmt.Errorf("write output stream: %w", err)
	}
	return nil
}

func (r *DeviceRenderer) discard() {
	r.fill = 0
	r.resampler.Reset()
}

func (r *DeviceRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.stream.Stop(); err != nil {
		_ = r.stream.Close()
		return err
	}
	return r.stream.Close()
}
