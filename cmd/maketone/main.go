// Command maketone writes a capture-format WAV of tone bursts separated by
// silence, for exercising the detector and the transcribe command.
package main

import (
	"flag"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/liuscraft/vocistant/internal/audio"
)

func main() {
	out := flag.String("out", "test.wav", "output file")
	freq := flag.Float64("freq", 440, "tone frequency in Hz")
	burst := flag.Duration("burst", 2*time.Second, "length of each tone burst")
	gap := flag.Duration("gap", time.Second, "silence after each burst")
	count := flag.Int("count", 1, "number of bursts")
	flag.Parse()

	fmt.Printf("生成音频文件: %s (频率: %.0fHz, %d x %s)\n", *out, *freq, *count, *burst)

	var pcm []byte
	for range *count {
		pcm = append(pcm, tone(*freq, *burst)...)
		pcm = append(pcm, make([]byte, audio.BytesFor(*gap))...)
	}

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "生成失败: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()
	if err := audio.WriteWAV(f, pcm); err != nil {
		fmt.Fprintf(os.Stderr, "生成失败: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("完成! %.2fs\n", audio.Seconds(len(pcm)))
}

func tone(freq float64, d time.Duration) []byte {
	n := audio.BytesFor(d) / audio.BytesPerSample
	samples := make([]int16, n)
	for i := range samples {
		t := float64(i) / audio.SampleRate
		samples[i] = int16(math.Sin(2*math.Pi*freq*t) * 12000)
	}
	return audio.Int16ToBytes(samples)
}
