package main

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"cangate/safety"
	"cangate/utils"
)

// busFrame is a frame handed from a receive goroutine to the dispatch loop.
type busFrame struct {
	frame safety.Frame
	err   error
}

type flusher interface {
	Flush() error
}

type Runner struct {
	cfg       config
	log       *utils.Logger
	engine    *safety.Engine
	vehicle   utils.CANReader
	upstream  utils.CANReader
	writer    utils.CANWriter
	decisions flusher

	start       time.Time
	denyLimiter *rate.Limiter
	lastPhase   safety.Phase

	forwarded uint64
	denied    uint64
}

func NewRunner(ctx context.Context, cfg config, log *utils.Logger, engine *safety.Engine, decisions flusher) (*Runner, error) {
	vehicle, err := utils.NewSocketCANReader(ctx, cfg.VehicleInterface)
	if err != nil {
		return nil, err
	}
	upstream, err := utils.NewSocketCANReader(ctx, cfg.UpstreamInterface)
	if err != nil {
		vehicle.Close()
		return nil, err
	}
	writer, err := utils.NewSocketCANWriter(ctx, cfg.VehicleInterface)
	if err != nil {
		vehicle.Close()
		upstream.Close()
		return nil, err
	}
	return newRunner(cfg, log, engine, vehicle, upstream, writer, decisions), nil
}

func newRunner(cfg config, log *utils.Logger, engine *safety.Engine, vehicle, upstream utils.CANReader, writer utils.CANWriter, decisions flusher) *Runner {
	// A zero rate turns deny logging off; denies are still counted.
	var denyLimiter *rate.Limiter
	if cfg.DenyLogPerSecond > 0 {
		denyLimiter = rate.NewLimiter(rate.Limit(cfg.DenyLogPerSecond), max(1, int(cfg.DenyLogPerSecond)))
	}
	return &Runner{
		cfg:         cfg,
		log:         log,
		engine:      engine,
		vehicle:     vehicle,
		upstream:    upstream,
		writer:      writer,
		decisions:   decisions,
		start:       time.Now(),
		denyLimiter: denyLimiter,
		lastPhase:   engine.Phase(),
	}
}

// Now is the monotonic clock shared by frame timestamps and Engine.Init.
func (r *Runner) Now() time.Duration {
	return time.Since(r.start)
}

func (r *Runner) Close() {
	if r.vehicle != nil {
		_ = r.vehicle.Close()
	}
	if r.upstream != nil {
		_ = r.upstream.Close()
	}
	if r.writer != nil {
		_ = r.writer.Close()
	}
}

// Run feeds both buses into the engine from a single goroutine, so hooks are
// never invoked concurrently.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("Starting gate: mode=%s vehicle=%s upstream=%s phase=%s",
		r.engine.Mode(), r.cfg.VehicleInterface, r.cfg.UpstreamInterface, r.engine.Phase())

	frames := make(chan busFrame, 256)
	go r.receiveLoop(ctx, r.vehicle, safety.DirectionRx, frames)
	go r.receiveLoop(ctx, r.upstream, safety.DirectionTx, frames)

	flush := time.NewTicker(time.Second)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Warn("Context canceled; stopping gate")
			r.finish()
			return ctx.Err()

		case <-flush.C:
			r.flushDecisions()

		case bf := <-frames:
			if bf.err != nil {
				r.finish()
				return bf.err
			}
			if err := r.dispatch(ctx, bf.frame); err != nil {
				r.finish()
				return err
			}
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, f safety.Frame) error {
	if f.Direction == safety.DirectionRx {
		r.engine.OnRx(f)
		r.watchPhase()
		return nil
	}

	d := r.engine.SubmitTx(f)
	r.watchPhase()
	if !d.Allowed() {
		r.denied++
		if r.denyLimiter != nil && r.denyLimiter.Allow() {
			r.log.Warn("Denied %s: %s (denied=%d)", f.Ref(), d.Reason, r.denied)
		}
		return nil
	}

	if err := r.writer.WriteFrame(ctx, f.CAN()); err != nil {
		r.log.Critical("Transmit of %s failed: %v", f.Ref(), err)
		return fmt.Errorf("forward %s: %w", f.Ref(), err)
	}
	r.forwarded++
	r.log.Trace("TX %s len=%d data=% X", f.Ref(), f.Length, f.Payload())
	return nil
}

func (r *Runner) watchPhase() {
	ph := r.engine.Phase()
	if ph == r.lastPhase {
		return
	}
	r.lastPhase = ph
	if ph == safety.PhaseFaulted {
		r.log.Critical("Gate faulted (%s); only inert frames are forwarded until restart", r.engine.FaultCause())
	}
}

func (r *Runner) flushDecisions() {
	if r.decisions == nil {
		return
	}
	if err := r.decisions.Flush(); err != nil {
		r.log.Error("Decision log: %v", err)
		r.decisions = nil
	}
}

func (r *Runner) finish() {
	r.flushDecisions()
	r.log.Info("Gate stopped. forwarded=%d denied=%d phase=%s", r.forwarded, r.denied, r.engine.Phase())
}

// receiveLoop timestamps frames from one interface and queues them for dispatch.
// Frames from the upstream interface are candidates for the vehicle bus.
func (r *Runner) receiveLoop(ctx context.Context, reader utils.CANReader, dir safety.Direction, out chan<- busFrame) {
	r.log.Debug("RX loop started (%s)", dir)
	defer r.log.Debug("RX loop stopped (%s)", dir)

	for {
		cf, err := reader.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case out <- busFrame{err: fmt.Errorf("%s reader: %w", dir, err)}:
			case <-ctx.Done():
			}
			return
		}
		f := safety.NewFrame(safety.VehicleBus, cf, dir, r.Now())
		select {
		case out <- busFrame{frame: f}:
		case <-ctx.Done():
			return
		}
	}
}
