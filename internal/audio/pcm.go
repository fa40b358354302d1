package audio

import (
	"context"
	"encoding/binary"
	"time"
)

// Capture format shared by every component: 16 kHz, mono, signed 16-bit LE.
const (
	SampleRate     = 16000
	Channels       = 1
	BytesPerSample = 2
	BytesPerSecond = SampleRate * BytesPerSample * Channels
)

// AudioSource 音频输入源接口
// Read returns the next chunk of capture-format PCM. io.EOF ends the stream.
type AudioSource interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// PCMToFloat32 converts LE int16 PCM to samples in [-1, 1). A trailing odd
// byte is ignored.
func PCMToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/BytesPerSample)
	for i := range out {
		s := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToPCM clips samples to [-1, 1] and encodes them as LE int16.
func Float32ToPCM(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, v := range samples {
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		s := int16(v * 32767)
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// BytesToInt16 将 byte 数组转换为 int16 数组 (Little Endian)
func BytesToInt16(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return samples
}

// Int16ToBytes 将 int16 数组转换为 byte 数组 (Little Endian)
func Int16ToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, v := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(v))
	}
	return data
}

// Duration reports how long n bytes of capture-format PCM play for.
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / BytesPerSecond
}

// Seconds is Duration in float seconds.
func Seconds(n int) float64 {
	return float64(n) / BytesPerSecond
}

// BytesFor returns the sample-aligned byte length covering d.
func BytesFor(d time.Duration) int {
	n := int(int64(d) * BytesPerSecond / int64(time.Second))
	return n - n%BytesPerSample
}
