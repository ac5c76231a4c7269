package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/parley-ai/parley/pkg/audio"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/configutil"
	"github.com/parley-ai/parley/pkg/logging"
	"github.com/parley-ai/parley/pkg/metrics"
	"github.com/parley-ai/parley/pkg/providers/deepgram"
	"github.com/parley-ai/parley/pkg/providers/mock"
	"github.com/parley-ai/parley/pkg/providers/openai"
	"github.com/parley-ai/parley/pkg/providers/piper"
	"github.com/parley-ai/parley/pkg/redact"
	"github.com/parley-ai/parley/pkg/resilience"
	"github.com/parley-ai/parley/pkg/retrieval"
	"github.com/parley-ai/parley/pkg/runner"
	"github.com/parley-ai/parley/pkg/session"
	"github.com/parley-ai/parley/pkg/transports/ws"
	"github.com/parley-ai/parley/pkg/vad"
)

type openAISettings struct {
	APIKey            string `mapstructure:"api_key"`
	BaseURL           string `mapstructure:"base_url"`
	Model             string `mapstructure:"model"`
	EmbedModel        string `mapstructure:"embed_model"`
	WhisperModel      string `mapstructure:"whisper_model"`
	MaxTokens         int    `mapstructure:"max_tokens"`
	CircuitThreshold  int    `mapstructure:"circuit_threshold"`
	CircuitCooldownMs int    `mapstructure:"circuit_cooldown_ms"`
}

type deepgramSettings struct {
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	Language  string `mapstructure:"language"`
	Interim   *bool  `mapstructure:"interim"`
	VADEvents *bool  `mapstructure:"vad_events"`
}

type piperSettings struct {
	Binary     string            `mapstructure:"binary"`
	ModelPath  string            `mapstructure:"model_path"`
	ConfigPath string            `mapstructure:"config_path"`
	Voices     map[string]string `mapstructure:"voices"`
	TimeoutS   int               `mapstructure:"timeout_s"`
}

type mockLLMSettings struct {
	StreamChunks []string `mapstructure:"stream_chunks"`
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the server config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	redact.SetEnabled(cfg.Privacy.RedactPII)

	sessionDeps, cleanup, err := buildDeps(cfg)
	if err != nil {
		slog.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	vadCfg := vad.DefaultConfig()
	if cfg.Session.VADSilenceMS > 0 {
		vadCfg.SilenceMs = float64(cfg.Session.VADSilenceMS)
	}
	if cfg.Session.VADBaseThresh > 0 {
		vadCfg.BaseThresh = cfg.Session.VADBaseThresh
	}
	if cfg.Session.VADHystMult > 0 {
		vadCfg.HystMult = cfg.Session.VADHystMult
	}
	if cfg.Session.VADGraceMS >= 0 {
		vadCfg.GraceMs = float64(cfg.Session.VADGraceMS)
	}
	if cfg.Session.VADPrerollMS >= 0 {
		vadCfg.PrerollMs = float64(cfg.Session.VADPrerollMS)
	}

	sessionCfg := session.Config{
		Persona:       cfg.Session.Persona,
		SentenceGap:   time.Duration(cfg.Session.SentenceGapMS) * time.Millisecond,
		TopK:          cfg.Retrieval.TopK,
		LevelWindowMs: cfg.Session.LevelWindowMS,
		DefaultVoice:  cfg.Session.DefaultVoice,
		STTMaxBytes:   cfg.Session.STTMaxBytes,
		RealtimeSTT:   cfg.Session.RealtimeSTT,
		MinCommit:     time.Duration(cfg.Session.STTMinCommitMS) * time.Millisecond,
		VAD:           vadCfg,
		MemoryTurns:   cfg.Session.MemoryTurns,
		MemoryChars:   cfg.Session.MemoryChars,
	}

	transport := ws.New(ws.Config{
		Addr:           cfg.Server.Addr,
		Path:           cfg.Server.WSPath,
		AllowAnyOrigin: cfg.Server.AllowAnyOrigin,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReadLimit:      cfg.Server.ReadLimit,
	}, func(sender ws.Sender) ws.Handler {
		deps := sessionDeps
		deps.Sender = sender
		return session.New(deps, sessionCfg)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := runner.NewLifecycleRunner(drainFunc(func() error {
		err := transport.Stop()
		cleanup()
		return err
	}), runner.Hooks{
		OnStart: func() {
			if err := transport.Start(ctx); err != nil {
				slog.Error("transport start failed", slog.String("error", err.Error()))
				stop()
			}
		},
		OnStop: func() {
			slog.Info("server stopped")
		},
	}, 15*time.Second)

	if err := run.Run(ctx); err != nil {
		slog.Error("shutdown error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

type drainFunc func() error

func (f drainFunc) Drain() error { return f() }

// buildDeps assembles the shared provider set. The Sender is filled in
// per connection by the transport factory.
func buildDeps(cfg config.Config) (session.Deps, func(), error) {
	deps := session.Deps{Logger: slog.Default()}
	cleanup := func() {}

	ffmpeg := &audio.FFmpeg{
		Path:    cfg.Session.FFmpegPath,
		Timeout: time.Duration(cfg.Session.FFmpegTimeoutS) * time.Second,
	}
	deps.Transcoder = ffmpeg
	deps.FFmpeg = ffmpeg

	var oa *openai.Client
	switch cfg.Vendors.LLM.Provider {
	case "openai":
		var s openAISettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &s); err != nil {
			return deps, cleanup, fmt.Errorf("llm settings: %w", err)
		}
		if err := configutil.RequireString(s.APIKey, "vendors.llm.settings.api_key"); err != nil {
			return deps, cleanup, err
		}
		breaker := resilience.NewCircuitBreaker(s.CircuitThreshold,
			time.Duration(s.CircuitCooldownMs)*time.Millisecond)
		oa = openai.New(openai.Config{
			APIKey:       s.APIKey,
			BaseURL:      s.BaseURL,
			ChatModel:    s.Model,
			EmbedModel:   s.EmbedModel,
			WhisperModel: s.WhisperModel,
			MaxTokens:    s.MaxTokens,
		}, logging.NewComponentLogger(slog.Default(), "openai"), breaker)
		deps.LLM = oa
		deps.Embedder = oa
		deps.STT = oa
	case "mock":
		var s mockLLMSettings
		if err := configutil.DecodeSettings(cfg.Vendors.LLM.Settings, &s); err != nil {
			return deps, cleanup, fmt.Errorf("llm settings: %w", err)
		}
		chunks := s.StreamChunks
		if len(chunks) == 0 {
			chunks = []string{"This is a mock reply. ", "Configure a real provider. "}
		}
		deps.LLM = &mock.LLM{Tokens: chunks}
		deps.Embedder = &mock.Embedder{}
		deps.STT = &mock.Transcriber{Text: "mock transcript"}
	default:
		return deps, cleanup, fmt.Errorf("unknown llm provider %q", cfg.Vendors.LLM.Provider)
	}

	switch cfg.Vendors.TTS.Provider {
	case "piper":
		var s piperSettings
		if err := configutil.DecodeSettings(cfg.Vendors.TTS.Settings, &s); err != nil {
			return deps, cleanup, fmt.Errorf("tts settings: %w", err)
		}
		if err := configutil.RequireString(s.ModelPath, "vendors.tts.settings.model_path"); err != nil {
			return deps, cleanup, err
		}
		deps.Synth = piper.New(piper.Config{
			Binary:     s.Binary,
			ModelPath:  s.ModelPath,
			ConfigPath: s.ConfigPath,
			Voices:     s.Voices,
			Timeout:    time.Duration(s.TimeoutS) * time.Second,
		})
	case "mock":
		deps.Synth = &mock.Synthesizer{}
	case "":
		// Text-only deployment; turns still complete without audio.
	default:
		return deps, cleanup, fmt.Errorf("unknown tts provider %q", cfg.Vendors.TTS.Provider)
	}

	switch cfg.Vendors.STT.Provider {
	case "deepgram":
		var s deepgramSettings
		if err := configutil.DecodeSettings(cfg.Vendors.STT.Settings, &s); err != nil {
			return deps, cleanup, fmt.Errorf("stt settings: %w", err)
		}
		if err := configutil.RequireString(s.APIKey, "vendors.stt.settings.api_key"); err != nil {
			return deps, cleanup, err
		}
		deps.RealtimeFactory = deepgramFactory(s)
	case "whisper", "":
		// Batch recognition through the LLM vendor's transcriber.
	default:
		return deps, cleanup, fmt.Errorf("unknown stt provider %q", cfg.Vendors.STT.Provider)
	}

	if cfg.Retrieval.DocsDir != "" {
		chunks, err := retrieval.LoadDir(cfg.Retrieval.DocsDir)
		if err != nil {
			return deps, cleanup, fmt.Errorf("retrieval corpus: %w", err)
		}
		ix, err := retrieval.NewIndex(context.Background(), deps.Embedder, chunks)
		if err != nil {
			return deps, cleanup, fmt.Errorf("retrieval index: %w", err)
		}
		deps.Index = ix
		slog.Info("retrieval corpus loaded",
			slog.String("dir", cfg.Retrieval.DocsDir),
			slog.Int("chunks", ix.Len()))
	}

	if cfg.Observability.MetricsPath != "" {
		f, err := os.OpenFile(cfg.Observability.MetricsPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return deps, cleanup, fmt.Errorf("metrics file: %w", err)
		}
		deps.Observer = metrics.NewJSONLObserver(f)
		cleanup = func() { _ = f.Close() }
	}

	return deps, cleanup, nil
}

// deepgramFactory builds one live recognition stream per stt session and
// adapts its event channel to the session's event type.
func deepgramFactory(s deepgramSettings) session.StreamFactory {
	interim := s.Interim == nil || *s.Interim
	vadEvents := s.VADEvents == nil || *s.VADEvents
	return func(_ context.Context, opts session.StreamOptions) (session.StreamingTranscriber, error) {
		tr := deepgram.New(deepgram.Config{
			APIKey:     s.APIKey,
			Model:      s.Model,
			Language:   firstNonEmpty(opts.Lang, s.Language),
			SampleRate: opts.SampleRate,
			Interim:    interim,
			VADEvents:  vadEvents,
			SessionID:  opts.SessionID,
		})
		return &deepgramStream{tr: tr, out: make(chan session.StreamEvent, 256)}, nil
	}
}

type deepgramStream struct {
	tr   *deepgram.Transcriber
	out  chan session.StreamEvent
	once sync.Once
}

func (d *deepgramStream) Start(ctx context.Context) error {
	if err := d.tr.Start(ctx); err != nil {
		return err
	}
	go func() {
		defer close(d.out)
		for ev := range d.tr.Events() {
			d.out <- convertEvent(ev)
			if ev.Kind == deepgram.EventClosed {
				return
			}
		}
	}()
	return nil
}

func (d *deepgramStream) SendAudio(p []byte) error { return d.tr.SendAudio(p) }

func (d *deepgramStream) Commit() error { return d.tr.Commit() }

func (d *deepgramStream) Events() <-chan session.StreamEvent { return d.out }

func (d *deepgramStream) Close() error {
	var err error
	d.once.Do(func() { err = d.tr.Close() })
	return err
}

func convertEvent(ev deepgram.Event) session.StreamEvent {
	out := session.StreamEvent{Text: ev.Text, Err: ev.Err}
	switch ev.Kind {
	case deepgram.EventOpened:
		out.Kind = session.StreamOpened
	case deepgram.EventPartial:
		out.Kind = session.StreamPartial
	case deepgram.EventFinal:
		out.Kind = session.StreamFinal
	case deepgram.EventSpeechStarted:
		out.Kind = session.StreamSpeechStarted
	case deepgram.EventUtteranceEnd:
		out.Kind = session.StreamUtteranceEnd
	case deepgram.EventClosed:
		out.Kind = session.StreamClosed
	case deepgram.EventError:
		out.Kind = session.StreamError
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
