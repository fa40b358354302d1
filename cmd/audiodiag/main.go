package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/audio/source"
	"github.com/liuscraft/vocistant/internal/vad"
)

func main() {
	device := flag.String("device", "", "input device name (substring match)")
	record := flag.Int("record", 0, "record this many seconds from the device and report levels")
	out := flag.String("out", "", "write the recording to this WAV file")
	highLatency := flag.Bool("high-latency", false, "open the device with its high input latency")
	flag.Parse()

	fmt.Println("=== Vocistant Audio Diagnostics ===")
	fmt.Println()

	if err := portaudio.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize PortAudio: %v\n", err)
		os.Exit(1)
	}
	defer portaudio.Terminate()

	devices, err := source.ListInputDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list devices: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("=== Input Devices (%d) ===\n\n", len(devices))
	for _, dev := range devices {
		mark := ""
		if dev.Default {
			mark = " [DEFAULT]"
		}
		fmt.Printf("[%d] %s%s\n", dev.ID, dev.Name, mark)
		fmt.Printf("    Channels: %d, Default rate: %.0f Hz\n", dev.Channels, dev.Rate)
		if dev.Rate != audio.SampleRate {
			fmt.Printf("    ⚠️  Captured audio will be resampled to %d Hz\n", audio.SampleRate)
		}
	}
	fmt.Println()

	if *record <= 0 {
		fmt.Println("Add this to your config/vocistant.json to pick a device:")
		fmt.Println()
		fmt.Println("\"audio\": {")
		fmt.Println("    \"input_device\": \"<name>\",")
		fmt.Println("    \"block_size\": 4096,")
		fmt.Println("    \"high_latency\": false")
		fmt.Println("}")
		return
	}

	if err := runRecording(*device, *highLatency, time.Duration(*record)*time.Second, *out); err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
}

// runRecording captures from the device and prints the energy score of each
// block, the same score the detector uses.
func runRecording(device string, highLatency bool, d time.Duration, out string) error {
	mic, err := source.NewMicrophoneSource(source.Options{
		DeviceName:  device,
		BufferSize:  4096,
		HighLatency: highLatency,
	})
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	defer mic.Close()

	scorer := vad.NewEnergyScorer(0, 0)
	defer scorer.Close()

	fmt.Printf("Recording %s... speak now\n", d)
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()

	var pcm []byte
	for {
		chunk, err := mic.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return fmt.Errorf("read: %w", err)
		}
		pcm = append(pcm, chunk...)
		p, _ := scorer.Score(audio.PCMToFloat32(chunk), audio.SampleRate)
		fmt.Printf("  %6.2fs  level %.2f %s\n", audio.Seconds(len(pcm)), p, bar(p))
	}
	fmt.Printf("✅ Captured %.2fs of audio\n", audio.Seconds(len(pcm)))

	if out == "" {
		return nil
	}
	f, err := os.Create(out)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := audio.WriteWAV(f, pcm); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", out)
	return nil
}

func bar(p float32) string {
	n := int(p * 40)
	b := make([]byte, n)
	for i := range b {
		b[i] = '#'
	}
	return string(b)
}
