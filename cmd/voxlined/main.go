package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxline/voxline-core/internal/bus"
	"github.com/voxline/voxline-core/internal/calllog"
	"github.com/voxline/voxline-core/internal/config"
	"github.com/voxline/voxline-core/internal/llm"
	"github.com/voxline/voxline-core/internal/natsserver"
	"github.com/voxline/voxline-core/internal/orchestrator"
	"github.com/voxline/voxline-core/internal/registry"
	"github.com/voxline/voxline-core/internal/runtime"
	"github.com/voxline/voxline-core/internal/signaling"
	"github.com/voxline/voxline-core/internal/stt"
	"github.com/voxline/voxline-core/internal/tts"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "voxline.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	embedded, err := natsserver.Start(cfg.Bus, logger)
	if err != nil {
		logger.Error("failed to start embedded bus", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if embedded != nil {
		defer embedded.Shutdown()
	}

	var busClient *bus.Client
	if cfg.Bus.Enabled {
		busClient, err = bus.Connect(cfg.Bus, logger)
		if err != nil {
			logger.Error("failed to connect to bus", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer busClient.Close()
	}

	store, err := calllog.Open(ctx, cfg.CallLog, logger)
	if err != nil {
		logger.Error("failed to open call log", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	var transport signaling.Transport
	switch cfg.Signaling.Variant {
	case "sip":
		transport = signaling.NewSIP(cfg.Signaling, logger)
	default:
		transport = signaling.NewBridge(cfg.Signaling, logger)
	}

	transcriber, err := stt.FromConfig(cfg.STT)
	if err != nil {
		logger.Error("failed to build transcriber", slog.String("error", err.Error()))
		os.Exit(1)
	}
	generator, err := llm.FromConfig(cfg.LLM)
	if err != nil {
		logger.Error("failed to build generator", slog.String("error", err.Error()))
		os.Exit(1)
	}
	synth, err := tts.FromConfig(cfg.TTS)
	if err != nil {
		logger.Error("failed to build synthesizer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := registry.New(ctx, logger)
	defer reg.Close()

	orch := orchestrator.New(ctx, cfg, orchestrator.Deps{
		Transport:   transport,
		Transcriber: transcriber,
		Generator:   generator,
		Synth:       synth,
		Bus:         busClient,
		Store:       store,
		Registry:    reg,
	}, logger)

	initCtx, cancelInit := context.WithTimeout(ctx, 30*time.Second)
	readiness, err := orch.Initialize(initCtx)
	cancelInit()
	if err != nil {
		logger.Error("initialization failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("orchestrator initialized", slog.String("readiness", string(readiness)))

	rt := runtime.New(cfg, orch, busClient, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	orch.Shutdown()
	logger.Info("shutdown complete")
}
