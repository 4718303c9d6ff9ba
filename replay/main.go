package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"cangate/safety"
	"cangate/telemetry"
	"cangate/utils"
)

func main() {
	var (
		scenPath  = flag.String("scenario", "replay/scenarios/steering_ramp.json", "Scenario JSON file")
		mode      = flag.String("mode", "", "Safety mode (overrides scenario)")
		layout    = flag.String("layout", "", "CAN layout CSV for encoding scenario frames (default: embedded Honda layout)")
		vehicle   = flag.String("vehicle", "", "SocketCAN interface to replay vehicle frames onto")
		upstream  = flag.String("upstream", "", "SocketCAN interface to replay candidate frames onto")
		decisions = flag.String("decisions", "", "Write NDJSON decision records to this file")
		logLevel  = flag.String("log", "info", "trace|debug|info|warn|error|critical")
	)
	flag.Parse()

	log := utils.NewLogger(os.Stderr, utils.ParseLogLevel(*logLevel))

	var opts []safety.Option
	opts = append(opts, safety.WithLogger(log))
	var sink *telemetry.NDJSONSink
	if *decisions != "" {
		f, err := os.Create(*decisions)
		if err != nil {
			log.Critical("Cannot open %s: %v", *decisions, err)
			os.Exit(1)
		}
		defer f.Close()
		sink = telemetry.NewNDJSONSink(f)
		opts = append(opts, safety.WithSink(sink))
	}

	cfg := RunnerConfig{
		ScenarioPath:      *scenPath,
		LayoutPath:        *layout,
		Mode:              *mode,
		VehicleInterface:  *vehicle,
		UpstreamInterface: *upstream,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner, err := NewRunner(ctx, cfg, log, safety.BuiltinRegistry(), opts...)
	if err != nil {
		log.Critical("Startup failed: %v", err)
		os.Exit(1)
	}
	defer runner.Close()

	sum, err := runner.Run(ctx)
	if sink != nil {
		if ferr := sink.Flush(); ferr != nil {
			log.Error("Decision log: %v (%d records dropped)", ferr, sink.Dropped())
		}
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Critical("Run failed: %v", err)
		os.Exit(1)
	}

	report(os.Stdout, &sum)
	if len(sum.Mismatches) > 0 {
		os.Exit(2)
	}
}

func report(w io.Writer, sum *Summary) {
	fmt.Fprintf(w, "steps=%d allowed=%d denied=%d phase=%s", sum.Steps, sum.Allowed, sum.Denied, sum.Phase)
	if sum.Cause != safety.CauseNone {
		fmt.Fprintf(w, " cause=%s", sum.Cause)
	}
	fmt.Fprintln(w)
	for _, rc := range sum.ReasonCounts() {
		fmt.Fprintf(w, "  %s\n", rc)
	}
	for _, m := range sum.Mismatches {
		fmt.Fprintf(w, "MISMATCH t=%s %s segment=%q want=%s got=%s", m.At, m.Frame, m.Segment, m.Want, m.Got)
		names := make([]string, 0, len(m.Signals))
		for name := range m.Signals {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, " %s=%g", name, m.Signals[name])
		}
		fmt.Fprintln(w)
	}
}
