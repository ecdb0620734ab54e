// Command sesame-voice is an interactive voice-chat client for the Sesame
// streaming service: it captures microphone audio, gates silence, streams
// PCM frames over a WebSocket, and plays back the character's synthesized
// speech.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/chandan-vk6/sesame-voice/internal/config"
	"github.com/chandan-vk6/sesame-voice/internal/health"
	"github.com/chandan-vk6/sesame-voice/internal/observe"
	"github.com/chandan-vk6/sesame-voice/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	character := flag.String("character", "", "voice character to talk to (overrides config)")
	flag.Parse()

	// ── Environment ────────────────────────────────────────────────────────────
	// .env is optional; real environment variables win either way.
	_ = godotenv.Load()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "sesame-voice: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "sesame-voice: %v\n", err)
		}
		return 1
	}
	if *character != "" {
		cfg.Server.Character = *character
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(slogLevel(cfg.LogLevel))
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar}))
	slog.SetDefault(logger)

	slog.Info("sesame-voice starting",
		"config", *configPath,
		"character", cfg.Server.Character,
		"log_level", cfg.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName: "sesame-voice",
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics := observe.DefaultMetrics()

	// ── Session controller ────────────────────────────────────────────────────
	ctrl := session.NewController(
		session.Config{
			URL:              cfg.Server.URL,
			Token:            cfg.Server.Token,
			Character:        cfg.Server.Character,
			SampleRate:       cfg.Audio.SampleRate,
			BlockSize:        cfg.Audio.BlockSize,
			GateThreshold:    cfg.Gate.Threshold,
			SilenceRunLimit:  cfg.Gate.SilenceRunLimit,
			EchoCancellation: cfg.Audio.EchoCancellation,
			NoiseSuppression: cfg.Audio.NoiseSuppression,
			AutoGain:         cfg.Audio.AutoGain,
		},
		session.Callbacks{
			OnStatus: func(s session.Status) {
				if s.Connected {
					fmt.Printf("● connected to %s (%d Hz)\n", s.Character, s.SampleRate)
				} else {
					fmt.Println("○ disconnected")
				}
			},
			OnLog: func(sev session.Severity, msg string) {
				switch sev {
				case session.SeverityError:
					slog.Error(msg)
				case session.SeveritySystem:
					slog.Info(msg)
				default:
					slog.Debug(msg)
				}
			},
		},
		session.WithMetrics(metrics),
	)

	// ── Config hot reload ─────────────────────────────────────────────────────
	// Log level and gate changes apply live; anything else waits for the next
	// session.
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if d.GateChanged {
			ctrl.UpdateGate(d.NewGate.Threshold, d.NewGate.SilenceRunLimit)
			slog.Info("gate parameters changed",
				"threshold", d.NewGate.Threshold,
				"silence_run_limit", d.NewGate.SilenceRunLimit,
			)
		}
		if d.RestartRequired {
			slog.Warn("server or audio settings changed; they apply on the next session")
		}
	})
	if err != nil {
		slog.Error("failed to start config watcher", "err", err)
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg)

	// ── Metrics endpoint + command loop ───────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.ListenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		health.New(health.Checker{
			Name: "session",
			Check: func(context.Context) error {
				if ctrl.State() == session.StateClosing {
					return errors.New("session tearing down")
				}
				return nil
			},
		}).Register(mux)
		srv := &http.Server{
			Addr:    cfg.Metrics.ListenAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
		g.Go(func() error {
			slog.Info("metrics endpoint listening", "addr", cfg.Metrics.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return commandLoop(gctx, ctrl)
	})

	fmt.Println(`type "start" to begin a session, "help" for commands`)

	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	ctrl.Stop()
	ctrl.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// commandLoop reads interactive commands from stdin until EOF, "quit", or
// context cancellation.
func commandLoop(ctx context.Context, ctrl *session.Controller) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return context.Canceled
			}
			switch line {
			case "":
			case "start":
				if err := ctrl.Start(ctx); err != nil {
					slog.Error("start failed", "err", err)
				}
			case "stop":
				ctrl.Stop()
			case "status":
				printStatus(ctrl)
			case "help":
				fmt.Println("commands: start, stop, status, quit")
			case "quit", "exit", "q":
				return context.Canceled
			default:
				fmt.Printf("unknown command %q — try \"help\"\n", line)
			}
		}
	}
}

func printStatus(ctrl *session.Controller) {
	state := ctrl.State()
	fmt.Printf("state: %s\n", state)
	if state == session.StateActive {
		fmt.Printf("character: %s\n", ctrl.Character())
		fmt.Printf("output rate: %d Hz\n", ctrl.OutputRate())
		fmt.Printf("playback queue: %d chunks\n", ctrl.QueueLen())
		fmt.Printf("silence run: %d blocks\n", ctrl.SilenceRun())
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║      sesame-voice — startup summary   ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Character", cfg.Server.Character)
	printRow("Capture", fmt.Sprintf("%d Hz / %d samples", cfg.Audio.SampleRate, cfg.Audio.BlockSize))
	printRow("Gate threshold", fmt.Sprintf("%.0f", cfg.Gate.Threshold))
	printRow("Silence limit", fmt.Sprintf("%d blocks", cfg.Gate.SilenceRunLimit))
	if cfg.Metrics.ListenAddr != "" {
		printRow("Metrics", cfg.Metrics.ListenAddr)
	} else {
		printRow("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(key, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", key, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}
