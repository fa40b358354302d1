package vad

import (
	"fmt"
	"sync"

	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/logging"
)

type Config struct {
	Threshold        float32
	FrameSize        int
	SampleRate       int
	MaxSilenceFrames int
}

func DefaultConfig() Config {
	return Config{
		Threshold:        0.5,
		FrameSize:        512,
		SampleRate:       audio.SampleRate,
		MaxSilenceFrames: 15,
	}
}

// Decision summarises the frames scored for one input chunk.
type Decision struct {
	// IsSpeech is true when any frame of the chunk scored at or above the
	// threshold.
	IsSpeech bool `json:"is_speech"`
	// Confidence is the highest frame probability seen in the chunk.
	Confidence float32 `json:"confidence"`
	// SpeechStarted stays true from the first speech frame until Reset.
	SpeechStarted bool `json:"speech_started"`
	// SpeechEnded is true only for the chunk in which the silence tail was
	// reached.
	SpeechEnded bool `json:"speech_ended"`
	// Frames is the number of complete frames scored for this chunk.
	Frames int `json:"frames"`
}

// Detector frames arbitrary-length PCM chunks and applies speech/silence
// hysteresis on the per-frame scores. It is safe for concurrent use but is
// normally driven from the capture goroutine only.
type Detector struct {
	scorer Scorer
	cfg    Config

	mu        sync.Mutex
	remainder []float32
	oddByte   []byte
	started   bool
	ended     bool
	silent    int
	errors    uint64
}

func NewDetector(scorer Scorer, cfg Config) (*Detector, error) {
	if scorer == nil {
		return nil, fmt.Errorf("vad: scorer is required")
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		return nil, fmt.Errorf("vad: threshold must be within (0, 1], got %v", cfg.Threshold)
	}
	if cfg.FrameSize <= 0 {
		return nil, fmt.Errorf("vad: frame size must be positive, got %d", cfg.FrameSize)
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.MaxSilenceFrames <= 0 {
		return nil, fmt.Errorf("vad: max silence frames must be positive, got %d", cfg.MaxSilenceFrames)
	}
	return &Detector{scorer: scorer, cfg: cfg}, nil
}

// Process scores every complete frame available after appending chunk to the
// carried remainder. Samples that do not fill a frame are kept for the next
// call.
func (d *Detector) Process(chunk []byte) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.oddByte) > 0 {
		chunk = append(append([]byte{}, d.oddByte...), chunk...)
		d.oddByte = d.oddByte[:0]
	}
	if len(chunk)%audio.BytesPerSample != 0 {
		d.oddByte = append(d.oddByte, chunk[len(chunk)-1])
		chunk = chunk[:len(chunk)-1]
	}

	buf := append(d.remainder, audio.PCMToFloat32(chunk)...)
	fs := d.cfg.FrameSize
	frames := len(buf) / fs

	var dec Decision
	for i := 0; i < frames; i++ {
		p := d.score(buf[i*fs : (i+1)*fs])
		if p > dec.Confidence {
			dec.Confidence = p
		}
		speech := p >= d.cfg.Threshold
		if speech {
			dec.IsSpeech = true
		}
		if d.ended {
			continue
		}
		if speech {
			d.started = true
			d.silent = 0
			continue
		}
		if d.started {
			d.silent++
			if d.silent >= d.cfg.MaxSilenceFrames {
				d.ended = true
				dec.SpeechEnded = true
			}
		}
	}

	rest := buf[frames*fs:]
	d.remainder = make([]float32, len(rest), max(len(rest), fs))
	copy(d.remainder, rest)

	dec.SpeechStarted = d.started
	dec.Frames = frames
	return dec
}

func (d *Detector) score(frame []float32) float32 {
	p, err := d.scorer.Score(frame, d.cfg.SampleRate)
	if err != nil {
		d.errors++
		logging.Warnf("VAD: scorer failed, treating frame as silence: %v", err)
		return 0
	}
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

// Reset clears the framing remainder, the hysteresis counters and the
// scorer's internal state.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.remainder = nil
	d.oddByte = d.oddByte[:0]
	d.started = false
	d.ended = false
	d.silent = 0
	d.scorer.ResetState()
}

// InSpeech reports whether a segment has started and not yet ended.
func (d *Detector) InSpeech() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.started && !d.ended
}

// ScorerErrors is the number of frames whose score could not be computed.
func (d *Detector) ScorerErrors() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errors
}

func (d *Detector) Config() Config {
	return d.cfg
}

func (d *Detector) Close() error {
	return d.scorer.Close()
}
