// Command prompter is the entry point for the live teleprompter alignment
// server.
//
// Server mode listens to the speaker, aligns the speech to the loaded
// script, and streams scroll directives to the scroll-writer over /ws:
//
//	arecord -q -f S16_LE -r 16000 -c 1 | prompter -config prompter.yaml -script talk.txt -audio -
//
// Replay mode feeds a recorded transcript through the same pipeline on a
// simulated clock and prints the commit sequence:
//
//	prompter -config prompter.yaml -script talk.txt -replay session.jsonl
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/prompter/internal/app"
	"github.com/MrWong99/prompter/internal/config"
	"github.com/MrWong99/prompter/internal/observe"
	"github.com/MrWong99/prompter/internal/replay"
	"github.com/MrWong99/prompter/internal/script"
	"github.com/MrWong99/prompter/pkg/audio"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "prompter.yaml", "path to the YAML configuration file (empty for defaults)")
	scriptPath := flag.String("script", "", "path to the script to load at startup")
	replayPath := flag.String("replay", "", "replay a JSONL transcript recording and exit")
	audioPath := flag.String("audio", "", "raw 16-bit PCM source for the recognizer (\"-\" for stdin)")
	audioRate := flag.Int("audio-rate", 0, "sample rate of the -audio source (default: recognizer sample rate)")
	audioChannels := flag.Int("audio-channels", 1, "channel count of the -audio source (1 or 2)")
	watch := flag.Bool("watch", true, "reload tuning when the config file changes")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "prompter: config file %q not found; pass -config \"\" to run with defaults\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "prompter: %v\n", err)
		}
		return 1
	}

	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Slog())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var idx *script.Index
	if *scriptPath != "" {
		idx, err = loadScript(*scriptPath)
		if err != nil {
			slog.Error("failed to load script", "path", *scriptPath, "err", err)
			return 1
		}
		slog.Info("script loaded", "path", *scriptPath, "words", idx.Len(), "lines", len(idx.Lines))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *replayPath != "" {
		return runReplay(ctx, cfg, idx, *replayPath)
	}
	src := audioSource{path: *audioPath, format: audio.Format{SampleRate: *audioRate, Channels: *audioChannels}}
	return runServer(ctx, cfg, idx, level, *configPath, src, *watch)
}

// audioSource names the PCM input handed to the recognizer.
type audioSource struct {
	path   string
	format audio.Format
}

func runServer(ctx context.Context, cfg *config.Config, idx *script.Index, level *slog.LevelVar, configPath string, src audioSource, watch bool) int {
	slog.Info("prompter starting",
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	provider, err := app.NewRecognizer(app.DefaultRegistry(), cfg.Recognizer)
	if err != nil {
		slog.Error("failed to build recognizer", "err", err)
		return 1
	}

	opts := []app.Option{
		app.WithLogger(slog.Default()),
		app.WithLevel(level),
		app.WithProvider(provider),
	}
	if idx != nil {
		opts = append(opts, app.WithScript(idx))
	}
	if src.path != "" {
		r, closeSrc, err := openAudio(src.path)
		if err != nil {
			slog.Error("failed to open audio source", "path", src.path, "err", err)
			return 1
		}
		defer closeSrc()
		if src.format.SampleRate == 0 {
			src.format.SampleRate = cfg.Recognizer.SampleRate
		}
		frames, err := audio.Capture(ctx, r, src.format, cfg.Recognizer.SampleRate, 20*time.Millisecond)
		if err != nil {
			slog.Error("invalid audio source", "path", src.path, "err", err)
			return 1
		}
		opts = append(opts, app.WithAudio(frames))
	}

	printStartupSummary(cfg, idx)

	application, err := app.New(ctx, cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if watch && configPath != "" {
		w, err := config.NewWatcher(configPath, application.Reload)
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

func runReplay(ctx context.Context, cfg *config.Config, idx *script.Index, path string) int {
	if idx == nil {
		fmt.Fprintln(os.Stderr, "prompter: -replay needs -script")
		return 2
	}
	f, err := os.Open(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prompter: %v\n", err)
		return 1
	}
	defer f.Close()

	events, err := replay.Read(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prompter: %v\n", err)
		return 1
	}
	res, err := replay.Run(ctx, idx, events, cfg.SessionConfig(),
		replay.WithLogger(slog.Default()),
		replay.WithTail(time.Duration(cfg.Guard.LeapConfirmWindowMs)*time.Millisecond),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "prompter: %v\n", err)
		return 1
	}
	if err := replay.Print(os.Stdout, idx, res); err != nil {
		fmt.Fprintf(os.Stderr, "prompter: %v\n", err)
		return 1
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	return config.Load(path)
}

func loadScript(path string) (*script.Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return script.Load(f)
}

func openAudio(path string) (io.Reader, func(), error) {
	if path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func printStartupSummary(cfg *config.Config, idx *script.Index) {
	fmt.Println("+---------------------------------------+")
	fmt.Println("|        prompter startup summary       |")
	fmt.Println("+---------------------------------------+")
	rec := cfg.Recognizer.Name
	switch {
	case rec == "":
		rec = "(not configured)"
	case cfg.Recognizer.Model != "":
		rec += " / " + cfg.Recognizer.Model
	}
	fmt.Printf("|  Recognizer      : %-19s |\n", rec)
	fmt.Printf("|  Fallbacks       : %-19d |\n", len(cfg.Recognizer.Fallbacks))
	words := 0
	if idx != nil {
		words = idx.Len()
	}
	fmt.Printf("|  Script words    : %-19d |\n", words)
	fmt.Printf("|  Commit log      : %-19s |\n", cfg.Store.Driver)
	nats := "(disabled)"
	if cfg.Bus.NATSURL != "" {
		nats = cfg.Bus.SubjectPrefix + ".*"
	}
	fmt.Printf("|  NATS            : %-19s |\n", nats)
	fmt.Printf("|  Listen addr     : %-19s |\n", cfg.Server.ListenAddr)
	fmt.Println("+---------------------------------------+")
}
