package audio

import (
	"fmt"
	"math"
)

// Resampler converts interleaved int16 PCM between sample rates.
type Resampler interface {
	Resample(input []int16, inputRate, outputRate, channels int) ([]int16, error)
}

// LinearResampler 线性插值重采样器
// Quality is adequate for speech; high frequencies alias.
type LinearResampler struct{}

func NewLinearResampler() *LinearResampler {
	return &LinearResampler{}
}

// Resample interpolates output frame k from input position k*inputRate/outputRate.
func (r *LinearResampler) Resample(input []int16, inputRate, outputRate, channels int) ([]int16, error) {
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rate: input=%d, output=%d", inputRate, outputRate)
	}
	if channels <= 0 {
		return nil, fmt.Errorf("invalid channels: %d", channels)
	}
	if len(input) == 0 {
		return []int16{}, nil
	}
	if inputRate == outputRate {
		out := make([]int16, len(input))
		copy(out, input)
		return out, nil
	}

	inFrames := len(input) / channels
	if inFrames == 0 {
		return []int16{}, nil
	}

	ratio := float64(inputRate) / float64(outputRate)
	outFrames := int(math.Ceil(float64(inFrames) / ratio))
	out := make([]int16, outFrames*channels)

	for of := 0; of < outFrames; of++ {
		pos := float64(of) * ratio
		f := int(pos)
		frac := pos - float64(f)
		if f >= inFrames-1 {
			f = max(inFrames-2, 0)
			frac = 1.0
		}
		for ch := 0; ch < channels; ch++ {
			a := f*channels + ch
			b := (f+1)*channels + ch
			if b >= len(input) {
				b = a
			}
			v := float64(input[a])*(1-frac) + float64(input[b])*frac
			out[of*channels+ch] = int16(math.Max(-32768, math.Min(32767, v)))
		}
	}
	return out, nil
}

// Downmix averages interleaved channels into mono.
func Downmix(input []int16, channels int) []int16 {
	if channels <= 1 {
		return input
	}
	frames := len(input) / channels
	out := make([]int16, frames)
	for i := 0; i < frames; i++ {
		var sum int
		for ch := 0; ch < channels; ch++ {
			sum += int(input[i*channels+ch])
		}
		out[i] = int16(sum / channels)
	}
	return out
}

// ToCapture converts raw device samples to capture-format PCM bytes.
func ToCapture(r Resampler, samples []int16, deviceRate, channels int) ([]byte, error) {
	mono := Downmix(samples, channels)
	if deviceRate == SampleRate {
		return Int16ToBytes(mono), nil
	}
	resampled, err := r.Resample(mono, deviceRate, SampleRate, 1)
	if err != nil {
		return nil, err
	}
	return Int16ToBytes(resampled), nil
}
