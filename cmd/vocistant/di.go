package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/samber/do/v2"

	"github.com/liuscraft/vocistant/internal/asr"
	"github.com/liuscraft/vocistant/internal/audio"
	"github.com/liuscraft/vocistant/internal/audio/source"
	"github.com/liuscraft/vocistant/internal/config"
	"github.com/liuscraft/vocistant/internal/events"
	"github.com/liuscraft/vocistant/internal/history"
	"github.com/liuscraft/vocistant/internal/logging"
	"github.com/liuscraft/vocistant/internal/metrics"
	"github.com/liuscraft/vocistant/internal/output"
	"github.com/liuscraft/vocistant/internal/pipeline"
	"github.com/liuscraft/vocistant/internal/refine"
	"github.com/liuscraft/vocistant/internal/server"
	"github.com/liuscraft/vocistant/internal/session"
	"github.com/liuscraft/vocistant/internal/vad"
)

const storageInitTimeout = 15 * time.Second

func setupDI(cfg *config.AppConfig) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	registerMetrics(injector)
	registerEvents(injector)
	registerHistory(injector)
	registerRecognizer(injector)
	registerRefiner(injector)
	registerOutput(injector)
	registerSession(injector)
	registerServer(injector)

	return injector
}

func registerMetrics(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*metrics.Metrics, error) {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		return metrics.New(reg), nil
	})
}

func registerEvents(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*events.Hub, error) {
		cfg := do.MustInvoke[*config.AppConfig](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return events.NewHub(events.HubOptions{
			History: map[events.Type]int{events.TypeLog: cfg.Events.LogHistory},
			Metrics: m,
		}), nil
	})
}

func registerHistory(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*history.Store, error) {
		cfg := do.MustInvoke[*config.AppConfig](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		ctx, cancel := context.WithTimeout(context.Background(), storageInitTimeout)
		defer cancel()

		var p history.Persister
		switch strings.ToLower(cfg.History.Backend) {
		case "sqlite":
			sp, err := history.OpenSQLite(ctx, cfg.History.Path)
			if err != nil {
				return nil, err
			}
			p = sp
		case "postgres":
			pp, err := history.OpenPostgres(ctx, cfg.History.DatabaseURL)
			if err != nil {
				return nil, err
			}
			p = pp
		}
		return history.Open(ctx, p, history.Options{Capacity: cfg.History.Capacity, Metrics: m})
	})
}

func registerRecognizer(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (asr.Recognizer, error) {
		cfg := do.MustInvoke[*config.AppConfig](i)
		switch strings.ToLower(cfg.ASR.Backend) {
		case "exec":
			return asr.NewExecRecognizer(cfg.ASR.Command)
		default:
			return asr.NewDashScopeRecognizer(asr.DashScopeConfig{
				APIKey:   cfg.ASR.APIKey,
				Endpoint: cfg.ASR.Endpoint,
				Model:    cfg.ASR.Model,
			})
		}
	})
}

func refineConfig(c config.LLMConfig) refine.Config {
	return refine.Config{
		Provider:    c.Provider,
		APIKey:      c.APIKey,
		BaseURL:     c.BaseURL,
		Model:       c.Model,
		Timeout:     c.Timeout(),
		Temperature: float32(c.Temperature),
		MaxRetries:  c.MaxRetries,
		MaxTokens:   c.MaxTokens,
	}
}

func newCompleter(ctx context.Context, cfg refine.Config) (refine.Completer, error) {
	return refine.NewOpenAICompleter(ctx, cfg)
}

func registerRefiner(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*refine.Refiner, error) {
		cfg := do.MustInvoke[*config.AppConfig](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		rc := refineConfig(cfg.LLM)
		var completer refine.Completer
		c, err := newCompleter(context.Background(), rc)
		if err != nil {
			// the desktop shell can supply credentials later via update_llm_config
			logging.Warnf("LLM backend unavailable, correction results will be tagged not_configured: %v", err)
		} else {
			completer = c
		}
		return refine.New(completer, rc, m), nil
	})
}

func registerOutput(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*output.Dispatcher, error) {
		cfg := do.MustInvoke[*config.AppConfig](i)
		m := do.MustInvoke[*metrics.Metrics](i)

		var inj output.Injector
		ci, err := output.NewCommandInjector(cfg.Output.InjectTool)
		if err != nil {
			logging.Warnf("Keystroke injection unavailable: %v", err)
		} else {
			logging.Infof("Keystroke injection via %s", ci.Tool())
			inj = ci
		}
		return output.NewDispatcher(inj, m), nil
	})
}

func registerSession(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*session.Session, error) {
		cfg := do.MustInvoke[*config.AppConfig](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		hub := do.MustInvoke[*events.Hub](i)
		store := do.MustInvoke[*history.Store](i)
		rec := do.MustInvoke[asr.Recognizer](i)
		refiner := do.MustInvoke[*refine.Refiner](i)
		out := do.MustInvoke[*output.Dispatcher](i)

		pcfg, err := pipeline.FromAppConfig(cfg.Pipeline)
		if err != nil {
			return nil, fmt.Errorf("pipeline config: %w", err)
		}
		opts := pipeline.Options{
			PreRoll:     cfg.Audio.PreRoll(),
			IdleTimeout: cfg.Pipeline.IdleTimeout(),
			Transcriber: asr.TranscriberOptions{
				PollInterval: cfg.ASR.PollInterval(),
				FinalTimeout: cfg.ASR.FinalTimeout(),
			},
		}

		return session.New(session.Dependencies{
			OpenSource: func(context.Context) (audio.AudioSource, error) {
				return source.NewMicrophoneSource(source.Options{
					DeviceName:  cfg.Audio.InputDevice,
					BufferSize:  cfg.Audio.BlockSize,
					HighLatency: cfg.Audio.HighLatency,
				})
			},
			NewDetector: func() (*vad.Detector, error) {
				return vad.NewDetector(vad.NewEnergyScorer(cfg.VAD.EnergyReference, 0), vad.Config{
					Threshold:        float32(cfg.VAD.Threshold),
					FrameSize:        cfg.VAD.FrameSize,
					SampleRate:       audio.SampleRate,
					MaxSilenceFrames: cfg.VAD.MaxSilenceFrames,
				})
			},
			Recognizer:   rec,
			Refiner:      refiner,
			NewCompleter: newCompleter,
			History:      store,
			Output:       out,
			Hub:          hub,
			Metrics:      m,
		}, pcfg, opts)
	})
}

func registerServer(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*server.Server, error) {
		cfg := do.MustInvoke[*config.AppConfig](i)
		return server.New(server.Options{
			Addr:       cfg.Server.Addr,
			Controller: do.MustInvoke[*session.Session](i),
			Hub:        do.MustInvoke[*events.Hub](i),
			Devices:    source.ListInputDevices,
			Metrics:    do.MustInvoke[*metrics.Metrics](i),
		}), nil
	})
}
