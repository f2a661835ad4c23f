package audio

import "sync"

// ControlEvent marks a speech boundary or a change of the detector's pause flag.
type ControlEvent int

const (
	NoEvent ControlEvent = iota
	SpeechStart
	SpeechEnd
	Pause
	Resume
)

func (e ControlEvent) String() string {
	switch e {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	default:
		return "none"
	}
}

// State is the detector's classification state.
type State int

const (
	Idle State = iota
	Speaking
)

func (s State) String() string {
	if s == Speaking {
		return "speaking"
	}
	return "idle"
}

const (
	DefaultThreshold             = 0.015
	DefaultRequiredSilenceFrames = 188
	DefaultFrameSize             = 128
)

// DetectorConfig tunes the energy detector.
type DetectorConfig struct {
	Threshold             float64
	RequiredSilenceFrames int
}

// Frame is one capture callback's worth of samples.
type Frame struct {
	Seq     uint64
	Samples []float32
}

// Decision is the outcome of classifying one frame. When Forward is set the
// frame must be sent before Event is acted on.
type Decision struct {
	Seq     uint64
	RMS     float64
	Forward bool
	Event   ControlEvent
}

// Detector is an RMS voice activity detector. It is safe to call SetPaused
// from a goroutine other than the one calling Process.
type Detector struct {
	cfg DetectorConfig

	mu      sync.Mutex
	state   State
	paused  bool
	silence int
	seq     uint64
}

func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.RequiredSilenceFrames <= 0 {
		cfg.RequiredSilenceFrames = DefaultRequiredSilenceFrames
	}
	return &Detector{cfg: cfg}
}

// Process classifies the next captured frame.
func (d *Detector) Process(samples []float32) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	dec := Decision{Seq: d.seq}
	d.seq++
	if d.paused {
		return dec
	}

	dec.RMS = FrameRMS(samples)
	if dec.RMS > d.cfg.Threshold {
		d.silence = 0
		if d.state == Idle {
			d.state = Speaking
			dec.Event = SpeechStart
		}
		dec.Forward = true
		return dec
	}

	if d.state == Speaking {
		d.silence++
		dec.Forward = true
		if d.silence >= d.cfg.RequiredSilenceFrames {
			d.state = Idle
			d.silence = 0
			dec.Event = SpeechEnd
		}
	}
	return dec
}

// SetPaused toggles the pause flag and reports the resulting Pause or Resume
// event, or NoEvent when the flag did not change.
func (d *Detector) SetPaused(paused bool) ControlEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.paused == paused {
		return NoEvent
	}
	d.paused = paused
	if paused {
		return Pause
	}
	return Resume
}

func (d *Detector) Paused() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused
}

func (d *Detector) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}
