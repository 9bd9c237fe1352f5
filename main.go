package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/riftlab/gpuforge/internal/backend/fake"
	"github.com/riftlab/gpuforge/internal/config"
	"github.com/riftlab/gpuforge/internal/control"
	"github.com/riftlab/gpuforge/internal/event"
	"github.com/riftlab/gpuforge/internal/global"
	"github.com/riftlab/gpuforge/internal/model"
	"github.com/riftlab/gpuforge/internal/stage"
	"github.com/riftlab/gpuforge/internal/store"
	"github.com/riftlab/gpuforge/internal/vram"
	"github.com/riftlab/gpuforge/pkg/logger"
)

const VERSION = 1.0

var (
	log = logger.Get("Bootstrap")

	logLevelFlag = flag.String("log-level", "info", "Define logging level from one of [verbose, debug, info, important, warning, error]")
	helpFlag     = flag.Bool("help", false, "Whether to display help information")
	configFlag   = flag.String("config", "./config.yaml", "The path to the config file gpuforge will load")
	storeFlag    = flag.String("store", "", "Override the configured store driver: 'postgres' or 'memory'")
)

func main() {
	flag.Parse()

	level, err := parseLogLevelFromString(*logLevelFlag)
	if err != nil {
		fmt.Println(err.Error())
		flag.Usage()

		return
	}
	logger.SetMinLoggingLevel(level)

	if *helpFlag {
		flag.Usage()
		return
	}

	log.Debugf("Loading configuration from '%s'\n", *configFlag)
	cfg, err := config.LoadFromFile(*configFlag)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v\n", err)
		return
	}
	if *storeFlag != "" {
		cfg.StoreDriver = *storeFlag
	}

	startOrchestrator(cfg)
}

func startOrchestrator(cfg *config.Config) {
	log.Emit(logger.INFO, " --- Starting gpuforge (version %.1f) ---\n", VERSION)

	ds, closeStore, err := openStore(cfg)
	if err != nil {
		log.Fatalf("Failed to open data store: %v\n", err)
		return
	}
	if closeStore != nil {
		defer closeStore()
	}

	enabledStages, err := cfg.EnabledModelStages()
	if err != nil {
		log.Fatalf("Invalid enabled_stages configuration: %v\n", err)
		return
	}

	tracker := vram.New(cfg.ModelDevices())
	events := event.New()
	orch := global.New(global.Config{
		EnabledStages:  enabledStages,
		Mode:           cfg.ModelMode(),
		Store:          ds,
		Tracker:        tracker,
		Events:         events,
		NewController:  controllerFactory(cfg, ds, tracker, events),
		WorkerCountFor: func(s model.Stage, deviceID int) int {
			// The allocation string is positional over cfg.Devices, so map
			// the device ID back to its index in that list.
			for i, d := range cfg.Devices {
				if d.ID == deviceID {
					return cfg.WorkerCountFor(s, i)
				}
			}
			return 0
		},
		StopTimeout:    cfg.GlobalStopTimeout(),
	})

	ctx, ctxCancel := context.WithCancel(context.Background())
	go listenForInterrupt(ctxCancel)

	if cfg.ControlAddr != "" {
		ctl := control.NewServer(cfg.ControlAddr, orch)
		go func() {
			if err := ctl.Start(); err != nil && err != http.ErrServerClosed {
				log.Errorf("control surface exited: %v\n", err)
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = ctl.Shutdown(shutdownCtx)
		}()
	}

	if err := orch.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Global orchestrator exited with error: %v\n", err)
		return
	}

	log.Emit(logger.STOP, "gpuforge shutdown complete\n")
}

// openStore resolves the configured store driver into a DataStore. The
// "memory" driver never persists anything past process lifetime and
// exists for local dry-runs without a Postgres instance.
func openStore(cfg *config.Config) (store.DataStore, func(), error) {
	switch strings.ToLower(cfg.StoreDriver) {
	case "memory":
		log.Emit(logger.INFO, "Using in-memory data store (no persistence)\n")
		return store.NewMemStore(), nil, nil
	default:
		pg, err := store.OpenPostgresStore(cfg.DatabaseDSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() { _ = pg.Close() }, nil
	}
}

// controllerFactory builds the Global Orchestrator's ControllerFactory,
// wiring every stage's Per-Stage Orchestrator against the fake backends:
// real model inference is an out-of-scope external collaborator (spec
// Non-goals), so this binary drives the scheduler end-to-end against
// deterministic stand-ins rather than omitting a runnable default.
func controllerFactory(cfg *config.Config, ds store.DataStore, tr *vram.Tracker, events event.EventDispatcher) global.ControllerFactory {
	return func(s model.Stage) stage.Controller {
		batch := cfg.BatchSizes.ForStage(s)
		switch s {
		case model.Tagging:
			tagger := &fake.Tagger{}
			loader := func(_ context.Context, deviceID int) (model.BackendHandle, error) {
				return fake.Handle{Label: fmt.Sprintf("tagger-%d", deviceID)}, nil
			}
			return stage.New(stage.NewTaggingConfig(ds, tagger, loader, "fake-tagger", tr, events, batch))
		case model.FaceDetection:
			detector := fake.FaceDetector{}
			loader := func(_ context.Context, deviceID int) (model.BackendHandle, error) {
				return fake.Handle{Label: fmt.Sprintf("facedetector-%d", deviceID)}, nil
			}
			return stage.New(stage.NewFaceDetectionConfig(ds, detector, loader, tr, events, batch))
		case model.Captioning:
			captioner := &fake.Captioner{}
			loader := func(_ context.Context, deviceID int) (model.BackendHandle, error) {
				return fake.Handle{Label: fmt.Sprintf("captioner-%d", deviceID)}, nil
			}
			return stage.New(stage.NewCaptioningConfig(ds, captioner, loader, tr, events, batch))
		case model.Embedding:
			textEncoder := &fake.TextEncoder{}
			visionEncoder := &fake.VisionEncoder{}
			loadText := func(_ context.Context, deviceID int) (model.BackendHandle, error) {
				return fake.Handle{Label: fmt.Sprintf("text-encoder-%d", deviceID)}, nil
			}
			loadVision := func(_ context.Context, deviceID int) (model.BackendHandle, error) {
				return fake.Handle{Label: fmt.Sprintf("vision-encoder-%d", deviceID)}, nil
			}
			return stage.NewEmbedding(stage.EmbeddingConfig{
				Store:         ds,
				TextEncoder:   textEncoder,
				VisionEncoder: visionEncoder,
				LoadText:      loadText,
				LoadVision:    loadVision,
				BatchSize:     batch,
				GraceTimeout:  cfg.WorkerGraceTimeout(),
				Tracker:       tr,
				Events:        events,
			})
		default:
			log.Fatalf("no controller wiring for stage %s\n", s)
			return nil
		}
	}
}

func listenForInterrupt(ctxCancel context.CancelFunc) {
	exitChannel := make(chan os.Signal, 1)
	signal.Notify(exitChannel, os.Interrupt, syscall.SIGTERM)

	<-exitChannel
	ctxCancel()
}

func parseLogLevelFromString(l string) (logger.LogLevel, error) {
	switch strings.ToLower(l) {
	case "verbose":
		return logger.VERBOSE.Level(), nil
	case "debug":
		return logger.DEBUG.Level(), nil
	case "info":
		return logger.INFO.Level(), nil
	case "important":
		return logger.SUCCESS.Level(), nil
	case "warning":
		return logger.WARNING.Level(), nil
	case "error":
		return logger.ERROR.Level(), nil
	default:
		return logger.INFO.Level(), fmt.Errorf("logging level %s is not recognized", l)
	}
}
