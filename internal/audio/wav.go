package audio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// WriteWAV encodes capture-format PCM as a 16-bit mono WAV file.
func WriteWAV(w io.WriteSeeker, pcm []byte) error {
	if len(pcm)%BytesPerSample != 0 {
		return errors.New("pcm payload not aligned")
	}
	samples := BytesToInt16(pcm)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: Channels, SampleRate: SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(w, SampleRate, 16, Channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// ReadWAV decodes a PCM WAV file into capture-format bytes, downmixing and
// resampling as needed.
func ReadWAV(r io.ReadSeeker) ([]byte, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, errors.New("not a valid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, errors.New("wav has no format chunk")
	}

	shift := int(dec.BitDepth) - 16
	samples := make([]int16, len(buf.Data))
	for i, v := range buf.Data {
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			v <<= -shift
		}
		samples[i] = int16(v)
	}
	return ToCapture(NewLinearResampler(), samples, buf.Format.SampleRate, buf.Format.NumChannels)
}

// FileSource replays a WAV file as an AudioSource in fixed-size chunks.
type FileSource struct {
	mu        sync.Mutex
	pcm       []byte
	pos       int
	chunkSize int
	closed    bool
}

// NewFileSource 从 WAV 文件创建音频源
func NewFileSource(path string, chunkSamples int) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	pcm, err := ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return NewPCMSource(pcm, chunkSamples), nil
}

// NewPCMSource serves pcm from memory.
func NewPCMSource(pcm []byte, chunkSamples int) *FileSource {
	if chunkSamples <= 0 {
		chunkSamples = 4096
	}
	return &FileSource{pcm: pcm, chunkSize: chunkSamples * BytesPerSample}
}

func (s *FileSource) Read(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.pos >= len(s.pcm) {
		return nil, io.EOF
	}
	end := min(s.pos+s.chunkSize, len(s.pcm))
	chunk := s.pcm[s.pos:end]
	s.pos = end
	return chunk, nil
}

func (s *FileSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// Duration of the whole recording.
func (s *FileSource) Duration() float64 {
	return Seconds(len(s.pcm))
}
