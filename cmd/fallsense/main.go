package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"fallsense/internal/config"
	"fallsense/internal/logging"
)

func main() {
	var (
		configPath  string
		summaryPath string
		renderPath  string
		outPath     string
		evalPath    string
		recordPath  string
		interactive bool
	)
	flag.StringVar(&configPath, "config", "./fallsense.yaml", "Path to YAML config")
	flag.StringVar(&summaryPath, "summary", "", "Print a summary of a sensor trace and exit")
	flag.StringVar(&renderPath, "render", "", "Render a scenario script to a sensor trace (see -o) and exit")
	flag.StringVar(&outPath, "o", "scenario.trace", "Output path for -render")
	flag.StringVar(&evalPath, "eval", "", "Run a sensor trace through the detector offline and exit")
	flag.StringVar(&recordPath, "record", "", "Record live samples to a sensor trace")
	flag.BoolVar(&interactive, "interactive", false, "Read control commands from stdin")
	flag.Parse()

	switch {
	case summaryPath != "":
		if err := printTraceSummary(os.Stdout, summaryPath); err != nil {
			log.Fatalf("summary failed: %v", err)
		}
		return
	case renderPath != "":
		if err := renderScenario(renderPath, outPath); err != nil {
			log.Fatalf("render failed: %v", err)
		}
		fmt.Printf("wrote %s\n", outPath)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	if evalPath != "" {
		if err := evalTrace(os.Stdout, cfg, evalPath); err != nil {
			log.Fatalf("eval failed: %v", err)
		}
		return
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "fallsense")
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt, err := newDaemon(ctx, cfg, logger, recordPath)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer rt.Close()

	logger.Info("fallsense running",
		zap.String("feed", cfg.Monitor.Feed),
		zap.Duration("tick", cfg.Monitor.Tick),
	)

	if interactive {
		go func() {
			if err := runControl(ctx, os.Stdin, os.Stdout, rt); err != nil {
				logger.Warn("control input stopped", zap.Error(err))
			}
		}()
	}

	select {
	case <-ctx.Done():
	case <-rt.svc.StreamEnded():
		logger.Info("exiting after end of sensor stream")
	}
	logger.Info("fallsense stopping")
}
