// Command transcribe runs a WAV file through the dictation pipeline and
// prints each finished utterance.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/liuscraft/vocistant/internal/asr"
	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/config"
	"github.com/liuscraft/vocistant/internal/events"
	"github.com/liuscraft/vocistant/internal/history"
	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/metrics"
	"github.com/liuscraft/vocistant/internal/output"
	"github.com/liuscraft/vocistant/internal/pipeline"
	"github.com/liuscraft/vocistant/internal/refine"
	"github.com/liuscraft/vocistant/internal/session"
	"github.com/liuscraft/vocistant/internal/vad"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "config file path")
	input := flag.String("input", "", "WAV file to transcribe")
	language := flag.String("language", "", "recognition language (default from config)")
	correct := flag.Bool("correct", true, "refine transcripts with the language model")
	partials := flag.Bool("partials", false, "print partial transcripts to stderr")
	flag.Parse()

	if *input == "" {
		fmt.Fprintln(os.Stderr, "Usage: transcribe -input file.wav [-config path] [-language zh] [-correct=false]")
		os.Exit(2)
	}

	appConfig, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := appConfig.ValidateKeys(true, *correct); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Init(logging.Config{
		Level:  appConfig.Logging.Level,
		Format: appConfig.Logging.Format,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()
	logging.SetTraceID(logging.NewTraceID())

	if err := run(appConfig, *input, *language, *correct, *partials); err != nil {
		logging.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(appConfig *config.AppConfig, input, language string, correct, partials bool) error {
	ctx := context.Background()
	m := metrics.NewDiscard()

	var rec asr.Recognizer
	var err error
	if strings.EqualFold(appConfig.ASR.Backend, "exec") {
		rec, err = asr.NewExecRecognizer(appConfig.ASR.Command)
	} else {
		rec, err = asr.NewDashScopeRecognizer(asr.DashScopeConfig{
			APIKey:   appConfig.ASR.APIKey,
			Endpoint: appConfig.ASR.Endpoint,
			Model:    appConfig.ASR.Model,
		})
	}
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}

	var refiner *refine.Refiner
	if correct {
		rc := refine.Config{
			Provider:    appConfig.LLM.Provider,
			APIKey:      appConfig.LLM.APIKey,
			BaseURL:     appConfig.LLM.BaseURL,
			Model:       appConfig.LLM.Model,
			Timeout:     appConfig.LLM.Timeout(),
			Temperature: float32(appConfig.LLM.Temperature),
			MaxRetries:  appConfig.LLM.MaxRetries,
			MaxTokens:   appConfig.LLM.MaxTokens,
		}
		completer, err := refine.NewOpenAICompleter(ctx, rc)
		if err != nil {
			return fmt.Errorf("create llm backend: %w", err)
		}
		refiner = refine.New(completer, rc, m)
	}

	store, err := history.Open(ctx, nil, history.Options{Capacity: appConfig.History.Capacity, Metrics: m})
	if err != nil {
		return err
	}
	defer store.Close()

	hub := events.NewHub(events.HubOptions{Metrics: m})
	defer hub.Close()
	sub := hub.Subscribe(1024, events.TypeTranscription, events.TypeCorrection)
	defer sub.Close()

	cfg, err := pipeline.FromAppConfig(appConfig.Pipeline)
	if err != nil {
		return err
	}
	cfg.OutputMode = output.ModeNone
	cfg.CorrectionEnabled = correct
	if language != "" {
		cfg.ASRLanguage = language
	}

	sess, err := session.New(session.Dependencies{
		OpenSource: func(context.Context) (audio.AudioSource, error) {
			return audio.NewFileSource(input, appConfig.Audio.BlockSize)
		},
		NewDetector: func() (*vad.Detector, error) {
			return vad.NewDetector(vad.NewEnergyScorer(appConfig.VAD.EnergyReference, 0), vad.Config{
				Threshold:        float32(appConfig.VAD.Threshold),
				FrameSize:        appConfig.VAD.FrameSize,
				SampleRate:       audio.SampleRate,
				MaxSilenceFrames: appConfig.VAD.MaxSilenceFrames,
			})
		},
		Recognizer: rec,
		Refiner:    refiner,
		History:    store,
		Output:     output.NewDispatcher(nil, m),
		Hub:        hub,
		Metrics:    m,
	}, cfg, pipeline.Options{
		PreRoll: appConfig.Audio.PreRoll(),
		Transcriber: asr.TranscriberOptions{
			PollInterval: appConfig.ASR.PollInterval(),
			FinalTimeout: appConfig.ASR.FinalTimeout(),
		},
	})
	if err != nil {
		return err
	}

	if err := sess.Start(ctx, cfg); err != nil {
		return err
	}

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for e := range sub.C() {
			switch ev := e.(type) {
			case events.TranscriptionEvent:
				if partials && !ev.IsFinal {
					fmt.Fprintf(os.Stderr, "… %s\n", ev.Text)
				}
			case events.CorrectionEvent:
				fmt.Println(ev.Text)
				if ev.Error != "" {
					logging.Warnf("Segment %d: %s", ev.SegmentID, ev.Error)
				}
			}
		}
	}()

	<-sess.Done()
	// Stop drains the segments still queued behind the end of the file
	if err := sess.Stop(); err != nil {
		return err
	}
	sub.Close()
	<-printed

	logging.Infof("Transcribed %d utterance(s) from %s", store.Len(), input)
	return nil
}
