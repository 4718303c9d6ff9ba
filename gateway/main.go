package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"cangate/metrics"
	"cangate/safety"
	"cangate/telemetry"
	"cangate/utils"
)

func main() {
	var (
		configPath = flag.String("config", "", "Path to the gateway YAML config")
		mode       = flag.String("mode", "", "Safety mode (overrides config)")
		vehicle    = flag.String("vehicle", "", "SocketCAN interface of the vehicle bus (overrides config)")
		upstream   = flag.String("upstream", "", "SocketCAN interface carrying candidate frames (overrides config)")
		logLevel   = flag.String("log", "", "trace|debug|info|warn|error|critical (overrides config)")
		check      = flag.Bool("check", false, "Audit the mode table and config, then exit")
		list       = flag.Bool("list", false, "List registered safety modes and exit")
	)
	flag.Parse()

	reg := safety.BuiltinRegistry()

	if *list {
		listModes(os.Stdout, reg)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	applyFlags(&cfg, *mode, *vehicle, *upstream, *logLevel)

	if err := reg.CheckIntegrity(); err != nil {
		fatal("mode table integrity check failed: %v", err)
	}
	selected, params, err := cfg.resolveMode(reg)
	if err != nil {
		fatal("resolve mode: %v", err)
	}
	if *check {
		if err := safety.NewEngine(reg).Init(selected.ID, params, 0); err != nil {
			fatal("mode %s: %v", selected.ID, err)
		}
		fmt.Printf("mode table ok; %s (%s) params ok\n", selected.ID, selected.Status)
		return
	}

	log := utils.NewFileLogger(cfg.Logs.File, utils.ParseLogLevel(cfg.Logs.Level), cfg.Logs.Stdout, cfg.Logs.RotationConfig)
	defer log.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	opts := []safety.Option{
		safety.WithLogger(log),
		safety.WithMetrics(metrics.NewProm("cangate", promReg)),
	}

	var decisions *telemetry.NDJSONSink
	if cfg.DecisionLog.File != "" {
		out := utils.NewRotatingFile(cfg.DecisionLog.File, cfg.DecisionLog.RotationConfig)
		defer out.Close()
		decisions = telemetry.NewNDJSONSink(out)
		opts = append(opts, safety.WithSink(decisions))
	}
	// Rx frames stamped ahead of the runner clock are dropped by the engine.
	var runner *Runner
	opts = append(opts, safety.WithClock(func() time.Duration { return runner.Now() }))
	engine := safety.NewEngine(reg, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, promReg, log)
		defer shutdown(srv)
	}

	var flushed flusher
	if decisions != nil {
		flushed = decisions
	}
	runner, err = NewRunner(ctx, cfg, log, engine, flushed)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	if err := engine.Init(selected.ID, params, runner.Now()); err != nil {
		log.Critical("Safety init failed, gate is faulted: %v", err)
	}

	if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		os.Exit(1)
	}
}

func applyFlags(cfg *config, mode, vehicle, upstream, level string) {
	if mode != "" {
		cfg.Mode = mode
	}
	if vehicle != "" {
		cfg.VehicleInterface = vehicle
	}
	if upstream != "" {
		cfg.UpstreamInterface = upstream
	}
	if level != "" {
		cfg.Logs.Level = level
	}
}

func listModes(w io.Writer, reg *safety.Registry) {
	for _, m := range reg.Modes() {
		reach := "internal"
		if m.UserReachable {
			reach = "user"
		}
		fmt.Fprintf(w, "%-24s %-14s %-8s %s\n", m.ID, m.Status, reach, m.Description)
	}
}

func serveMetrics(addr string, g prometheus.Gatherer, log *utils.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Metrics server: %v", err)
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func fatal(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	os.Exit(1)
}
