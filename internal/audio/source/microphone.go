package source

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"
	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/logging"
)

// MicrophoneSource 麦克风音频源
// Captures mono audio from portaudio and hands out capture-format PCM. The
// stream is opened eagerly but started on the first Read.
type MicrophoneSource struct {
	stream     audioStream
	deviceRate int
	channels   int
	bufferSize int
	buffer     []int16
	resampler  audio.Resampler
	closeCh    chan struct{}
	closeOnce  sync.Once

	startOnce sync.Once
	startErr  error

	mu           sync.Mutex
	totalReads   int64
	blockedReads int64
	lastLogTime  time.Time
}

type audioStream interface {
	Start() error
	Read() error
	Abort() error
	Stop() error
	Close() error
}

type Options struct {
	// DeviceName is matched case-insensitively as a substring. Empty selects
	// the default input device.
	DeviceName  string
	BufferSize  int
	HighLatency bool
}

// Device describes an input device for selection.
type Device struct {
	ID       int     `json:"id"`
	Name     string  `json:"name"`
	Channels int     `json:"channels"`
	Rate     float64 `json:"default_sample_rate"`
	Default  bool    `json:"default"`
}

// NewMicrophoneSource opens the configured input device. portaudio must be
// initialized by the caller.
func NewMicrophoneSource(opts Options) (*MicrophoneSource, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 4096
	}
	logging.Infof("MicrophoneSource: creating source (highLatency=%v, deviceName=%q)", opts.HighLatency, opts.DeviceName)

	var device *portaudio.DeviceInfo
	if opts.DeviceName != "" {
		dev, err := findInputDeviceByName(opts.DeviceName)
		if err != nil {
			logging.Warnf("MicrophoneSource: device %q not found, falling back to default: %v", opts.DeviceName, err)
		}
		device = dev
	}
	if device == nil {
		dev, err := portaudio.DefaultInputDevice()
		if err != nil {
			logging.Errorf("MicrophoneSource: failed to get default input device: %v", err)
			return openDefault(opts.BufferSize)
		}
		device = dev
	}

	// Ask for 16 kHz first; many devices only run at their native rate.
	rates := []float64{audio.SampleRate}
	if device.DefaultSampleRate > 0 && int(device.DefaultSampleRate) != audio.SampleRate {
		rates = append(rates, device.DefaultSampleRate)
	}

	latency := device.DefaultLowInputLatency
	if opts.HighLatency {
		latency = device.DefaultHighInputLatency
	}

	buffer := make([]int16, opts.BufferSize)
	for _, rate := range rates {
		params := portaudio.StreamParameters{
			Input: portaudio.StreamDeviceParameters{
				Device:   device,
				Channels: audio.Channels,
				Latency:  latency,
			},
			SampleRate:      rate,
			FramesPerBuffer: opts.BufferSize,
		}
		stream, err := portaudio.OpenStream(params, &buffer)
		if err != nil {
			logging.Warnf("MicrophoneSource: open %s at %.0f Hz failed: %v", device.Name, rate, err)
			continue
		}
		logging.Infof("MicrophoneSource: device=%s rate=%.0f latency=%.1fms", device.Name, rate, latency.Seconds()*1000)
		return newMicrophoneSourceWithStream(stream, int(rate), audio.Channels, opts.BufferSize, buffer), nil
	}

	logging.Errorf("MicrophoneSource: no usable configuration for %s, falling back to default stream", device.Name)
	return openDefault(opts.BufferSize)
}

func openDefault(bufferSize int) (*MicrophoneSource, error) {
	buffer := make([]int16, bufferSize)
	stream, err := portaudio.OpenDefaultStream(audio.Channels, 0, audio.SampleRate, len(buffer), &buffer)
	if err != nil {
		return nil, fmt.Errorf("open default input stream: %w", err)
	}
	return newMicrophoneSourceWithStream(stream, audio.SampleRate, audio.Channels, bufferSize, buffer), nil
}

func newMicrophoneSourceWithStream(stream audioStream, deviceRate, channels, bufferSize int, buffer []int16) *MicrophoneSource {
	return &MicrophoneSource{
		stream:     stream,
		deviceRate: deviceRate,
		channels:   channels,
		bufferSize: bufferSize,
		buffer:     buffer,
		resampler:  audio.NewLinearResampler(),
		closeCh:    make(chan struct{}),
	}
}

// findInputDeviceByName 按名称查找输入设备（支持部分匹配）
func findInputDeviceByName(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	nameLower := strings.ToLower(name)
	for _, dev := range devices {
		if dev.MaxInputChannels > 0 && strings.Contains(strings.ToLower(dev.Name), nameLower) {
			return dev, nil
		}
	}
	return nil, fmt.Errorf("no input device found matching %q", name)
}

// ListInputDevices enumerates devices with at least one input channel.
func ListInputDevices() ([]Device, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []Device
	for i, dev := range devices {
		if dev.MaxInputChannels <= 0 {
			continue
		}
		out = append(out, Device{
			ID:       i,
			Name:     dev.Name,
			Channels: dev.MaxInputChannels,
			Rate:     dev.DefaultSampleRate,
			Default:  def != nil && def.Name == dev.Name,
		})
	}
	return out, nil
}

func (m *MicrophoneSource) Start() error {
	m.startOnce.Do(func() {
		if err := m.stream.Start(); err != nil {
			logging.Errorf("MicrophoneSource: failed to start stream: %v", err)
			m.startErr = err
			return
		}
		logging.Infof("MicrophoneSource: stream started")
	})
	return m.startErr
}

// Read blocks until the next buffer is captured, ctx is done, or the source
// is closed.
func (m *MicrophoneSource) Read(ctx context.Context) ([]byte, error) {
	if err := m.Start(); err != nil {
		return nil, err
	}

	readStart := time.Now()
	readErr := make(chan error, 1)
	go func() {
		readErr <- m.stream.Read()
	}()

	select {
	case <-ctx.Done():
		m.abortStream("context canceled")
		return nil, ctx.Err()
	case <-m.closeCh:
		m.abortStream("source closed")
		return nil, io.EOF
	case err := <-readErr:
		m.recordReadMetrics(time.Since(readStart))
		if err != nil {
			select {
			case <-m.closeCh:
				return nil, io.EOF
			default:
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
	}

	return audio.ToCapture(m.resampler, m.buffer, m.deviceRate, m.channels)
}

func (m *MicrophoneSource) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closeCh)
		if stopErr := m.stream.Stop(); stopErr != nil {
			logging.Debugf("MicrophoneSource: stop stream: %v", stopErr)
		}
		err = m.stream.Close()
		logging.Infof("MicrophoneSource: closed")
	})
	return err
}

func (m *MicrophoneSource) abortStream(reason string) {
	if err := m.stream.Abort(); err != nil {
		logging.Errorf("MicrophoneSource: error aborting stream (%s): %v", reason, err)
	}
}

func (m *MicrophoneSource) recordReadMetrics(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalReads++
	expected := time.Duration(float64(m.bufferSize) / float64(m.deviceRate) * float64(time.Second))
	if duration > expected*3 {
		m.blockedReads++
		logging.Warnf("MicrophoneSource: read blocked for %v (expected ~%v), blocked %d/%d",
			duration, expected, m.blockedReads, m.totalReads)
	}

	now := time.Now()
	if now.Sub(m.lastLogTime) >= 10*time.Second {
		m.lastLogTime = now
		logging.Debugf("MicrophoneSource: reads=%d blocked=%d", m.totalReads, m.blockedReads)
	}
}
