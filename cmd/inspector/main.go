// Command inspector is the bottle-inspection pipeline's entrypoint: it loads
// configuration, builds the capture source and display sink, starts the
// orchestrator, serves Prometheus metrics, and waits for a shutdown signal.
//
// Grounded on the teacher's cmd/driver/main.go: a zap production logger, a
// promhttp-backed /metrics endpoint on an *http.Server with the same
// Read/Write timeout values, and a single long-running process that exits
// cleanly on completion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bottlevision/pipeline/internal/capture"
	"github.com/bottlevision/pipeline/internal/config"
	"github.com/bottlevision/pipeline/internal/logging"
	"github.com/bottlevision/pipeline/internal/orchestrator"
	"github.com/bottlevision/pipeline/internal/sink"
)

func loadConfig(path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("inspector: reading config %s: %w", path, err)
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("inspector: parsing config %s: %w", path, err)
	}
	if err := cfg.Check(); err != nil {
		return nil, fmt.Errorf("inspector: invalid config: %w", err)
	}
	return &cfg, nil
}

func buildSource(cfg config.Capture) (capture.Source, error) {
	switch cfg.Source {
	case "network_stream":
		return newNetSource(cfg)
	case "local_device":
		return capture.NewFolderSource(cfg.Path)
	default:
		return capture.NewStaticFileSource(cfg.Path), nil
	}
}

func buildSink(display string) (sink.Sink, error) {
	if display == "" {
		return sink.NewMemory(), nil
	}
	return sink.NewFile(display)
}

// program adapts the orchestrator to kardianos/service's Interface so the
// pipeline can install/run as a platform service (§SPEC_FULL ambient stack).
type program struct {
	log  *zap.Logger
	orch *orchestrator.Orchestrator
	srv  *http.Server
}

func (p *program) Start(s service.Service) error {
	go p.run()
	return nil
}

func (p *program) run() {
	p.orch.Start()
	if p.srv != nil {
		go func() {
			if err := p.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				p.log.Error("metrics server stopped unexpectedly", zap.Error(err))
			}
		}()
	}
}

func (p *program) Stop(s service.Service) error {
	if p.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.srv.Shutdown(ctx)
	}
	p.orch.Shutdown()
	return nil
}

func main() {
	configPath := flag.String("config", "config.json", "path to the pipeline configuration file")
	debug := flag.Bool("debug", false, "enable verbose development logging")
	logFile := flag.String("log-file", "", "rotated log file path (empty disables file logging)")
	metricsAddr := flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	display := flag.String("display-dir", "", "directory to write composed frames to (empty uses an in-memory sink)")
	svcCmd := flag.String("service", "", "service control action: install|uninstall|start|stop (run with no action to run in the foreground)")
	flag.Parse()

	// prg is registered with kardianos/service before the real logger exists,
	// since the service wrapper is what supplies the OS service manager's
	// Logger that logging.New bridges into every log entry (event log /
	// syslog) when running installed as a service.
	prg := &program{}
	svcConfig := &service.Config{
		Name:        "bottle-inspector",
		DisplayName: "Bottle Inspection Pipeline",
		Description: "Real-time concurrent vision pipeline for industrial bottle inspection.",
	}
	svc, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspector: failed to construct service wrapper: %v\n", err)
		os.Exit(1)
	}
	svcErrs := make(chan error, 5)
	svcLogger, err := svc.Logger(svcErrs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspector: failed to attach service logger: %v\n", err)
		os.Exit(1)
	}
	go func() {
		for err := range svcErrs {
			fmt.Fprintf(os.Stderr, "inspector: service logger: %v\n", err)
		}
	}()

	log, err := logging.New(logging.Options{Debug: *debug, LogFile: *logFile, ServiceLog: svcLogger})
	if err != nil {
		fmt.Fprintf(os.Stderr, "inspector: cannot initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	prg.log = log

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Error("inspector: failed to load configuration", zap.Error(err))
		os.Exit(1)
	}

	src, err := buildSource(cfg.Capture)
	if err != nil {
		log.Error("inspector: failed to build capture source", zap.Error(err))
		os.Exit(1)
	}
	disp, err := buildSink(*display)
	if err != nil {
		log.Error("inspector: failed to build display sink", zap.Error(err))
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	orch, err := orchestrator.New(log, cfg, orchestrator.Deps{Source: src, Display: disp, Registry: registry})
	if err != nil {
		log.Error("inspector: failed to build pipeline fabric", zap.Error(err))
		os.Exit(1)
	}
	prg.orch = orch

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	prg.srv = &http.Server{
		Addr:           *metricsAddr,
		Handler:        mux,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   7 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	if *svcCmd != "" {
		if err := service.Control(svc, *svcCmd); err != nil {
			log.Error("inspector: service control action failed", zap.String("action", *svcCmd), zap.Error(err))
			os.Exit(1)
		}
		return
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	prg.run()
	log.Info("inspector: pipeline started", zap.String("config", *configPath), zap.String("metrics_addr", *metricsAddr))

	<-sigCh
	log.Info("inspector: shutdown signal received")
	prg.Stop(svc)
	log.Info("inspector: shutdown complete")
}
