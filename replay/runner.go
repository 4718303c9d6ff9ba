package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"cangate/safety"
	"cangate/utils"
)

type RunnerConfig struct {
	ScenarioPath string
	// LayoutPath is a CAN layout CSV used to encode scenario frames. The
	// embedded Honda layout is used when empty.
	LayoutPath string
	// Mode overrides the scenario's mode when set.
	Mode string
	// VehicleInterface and UpstreamInterface, when both set, receive the
	// scenario's frames in real time so a running gateway can be exercised.
	VehicleInterface  string
	UpstreamInterface string
}

// Mismatch is a decision that contradicts the segment's expectation.
type Mismatch struct {
	At      time.Duration
	Frame   safety.MessageRef
	Segment string
	Want    string
	Got     safety.Decision
	// Signals is the candidate frame decoded through the replay layout.
	Signals map[string]float64
}

type Summary struct {
	Steps      int
	Allowed    int
	Denied     int
	Reasons    map[safety.Reason]int
	Mismatches []Mismatch
	Phase      safety.Phase
	Cause      safety.FaultCause
}

// observe tallies d and reports whether it contradicted the segment.
func (s *Summary) observe(at time.Duration, f *safety.Frame, d safety.Decision, seg *ScenarioSegment) bool {
	if d.Allowed() {
		s.Allowed++
	} else {
		s.Denied++
		s.Reasons[d.Reason]++
	}
	if seg == nil || seg.Expect == "" {
		return false
	}
	want := seg.Expect
	ok := (want == "allow") == d.Allowed()
	if ok && seg.ExpectReason != "" {
		want += "(" + seg.ExpectReason + ")"
		ok = d.Reason.String() == seg.ExpectReason
	}
	if !ok {
		s.Mismatches = append(s.Mismatches, Mismatch{At: at, Frame: f.Ref(), Segment: seg.Comment, Want: want, Got: d})
	}
	return !ok
}

// ReasonCounts lists deny reasons ordered by reason.
func (s *Summary) ReasonCounts() []string {
	keys := make([]safety.Reason, 0, len(s.Reasons))
	for r := range s.Reasons {
		keys = append(keys, r)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	out := make([]string, len(keys))
	for i, r := range keys {
		out[i] = fmt.Sprintf("%s=%d", r, s.Reasons[r])
	}
	return out
}

type Runner struct {
	cfg    RunnerConfig
	log    *utils.Logger
	cmap   *utils.CANMap
	scen   Scenario
	mode   safety.ModeID
	params safety.Params
	engine *safety.Engine
	at     time.Duration

	vehicleOut  utils.CANWriter
	upstreamOut utils.CANWriter
}

func NewRunner(ctx context.Context, cfg RunnerConfig, log *utils.Logger, reg *safety.Registry, opts ...safety.Option) (*Runner, error) {
	scen, err := LoadScenario(cfg.ScenarioPath)
	if err != nil {
		return nil, fmt.Errorf("load scenario: %w", err)
	}
	r, err := newRunner(cfg, log, scen, reg, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.VehicleInterface == "" || cfg.UpstreamInterface == "" {
		return r, nil
	}

	r.vehicleOut, err = utils.NewSocketCANWriter(ctx, cfg.VehicleInterface)
	if err != nil {
		return nil, err
	}
	r.upstreamOut, err = utils.NewSocketCANWriter(ctx, cfg.UpstreamInterface)
	if err != nil {
		r.vehicleOut.Close()
		return nil, err
	}
	return r, nil
}

func newRunner(cfg RunnerConfig, log *utils.Logger, scen Scenario, reg *safety.Registry, opts ...safety.Option) (*Runner, error) {
	cmap, err := loadLayout(cfg.LayoutPath)
	if err != nil {
		return nil, fmt.Errorf("load can map: %w", err)
	}
	modeID := safety.ModeID(scen.Meta.Mode)
	if cfg.Mode != "" {
		modeID = safety.ModeID(cfg.Mode)
	}
	mode, err := reg.Select(modeID)
	if err != nil {
		return nil, err
	}
	if mode.Defaults == nil {
		return nil, fmt.Errorf("mode %s has no default parameters", mode.ID)
	}
	params, err := scen.params(mode.Defaults())
	if err != nil {
		return nil, fmt.Errorf("scenario params: %w", err)
	}
	r := &Runner{
		cfg:    cfg,
		log:    log,
		cmap:   cmap,
		scen:   scen,
		mode:   mode.ID,
		params: params,
	}
	opts = append(opts, safety.WithClock(func() time.Duration { return r.at }))
	r.engine = safety.NewEngine(reg, opts...)
	return r, nil
}

func loadLayout(path string) (*utils.CANMap, error) {
	if path == "" {
		return safety.HondaLayout()
	}
	return utils.LoadCANMap(path)
}

func (r *Runner) Close() {
	if r.vehicleOut != nil {
		_ = r.vehicleOut.Close()
	}
	if r.upstreamOut != nil {
		_ = r.upstreamOut.Close()
	}
}

func (r *Runner) paced() bool {
	return r.vehicleOut != nil && r.upstreamOut != nil
}

// Run steps the scenario through a fresh engine session. Without output
// interfaces the scenario runs on a simulated clock as fast as possible.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	sum := Summary{Reasons: map[safety.Reason]int{}}
	if err := r.engine.Init(r.mode, r.params, 0); err != nil {
		return sum, fmt.Errorf("init %s: %w", r.mode, err)
	}

	dt := r.scen.dt()
	r.log.Info("Starting replay: scenario=%s mode=%s dt=%s duration=%s paced=%v",
		r.scen.Meta.Name, r.mode, dt, r.scen.duration(), r.paced())

	var tick <-chan time.Time
	if r.paced() {
		ticker := time.NewTicker(dt)
		defer ticker.Stop()
		tick = ticker.C
	}

	for i := 0; i < r.scen.steps(); i++ {
		if tick != nil {
			select {
			case <-ctx.Done():
				return sum, ctx.Err()
			case <-tick:
			}
		} else if err := ctx.Err(); err != nil {
			return sum, err
		}
		if err := r.step(ctx, time.Duration(i)*dt, &sum); err != nil {
			return sum, err
		}
		sum.Steps++
	}

	sum.Phase = r.engine.Phase()
	sum.Cause = r.engine.FaultCause()
	r.log.Info("Completed replay. steps=%d allowed=%d denied=%d mismatches=%d phase=%s",
		sum.Steps, sum.Allowed, sum.Denied, len(sum.Mismatches), sum.Phase)
	return sum, nil
}

func (r *Runner) step(ctx context.Context, at time.Duration, sum *Summary) error {
	r.at = at
	cmd, seg := EvalStep(&r.scen, at)

	if !cmd.SilentRx {
		frames, err := r.vehicleFrames(cmd, at)
		if err != nil {
			return err
		}
		for _, f := range frames {
			r.engine.OnRx(f)
			if err := r.send(ctx, r.vehicleOut, f); err != nil {
				return err
			}
		}
	}

	candidates, err := r.candidates(cmd, at)
	if err != nil {
		return err
	}
	for i := range candidates {
		f := &candidates[i]
		d := r.engine.SubmitTx(*f)
		if sum.observe(at, f, d, seg) {
			m := &sum.Mismatches[len(sum.Mismatches)-1]
			if vals, err := r.cmap.DecodeFrame(f.ID, f.Payload()); err == nil {
				m.Signals = vals
			}
		}
		r.log.Trace("t=%s %s %s", at, f.Ref(), d)
		if err := r.send(ctx, r.upstreamOut, *f); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) send(ctx context.Context, w utils.CANWriter, f safety.Frame) error {
	if w == nil {
		return nil
	}
	if err := w.WriteFrame(ctx, f.CAN()); err != nil {
		return fmt.Errorf("transmit %s: %w", f.Ref(), err)
	}
	return nil
}

func (r *Runner) encode(name string, values map[string]float64, dir safety.Direction, at time.Duration) (safety.Frame, error) {
	cf, err := r.cmap.EncodeEinrideFrame(name, values)
	if err != nil {
		return safety.Frame{}, fmt.Errorf("encode %s: %w", name, err)
	}
	return safety.NewFrame(safety.VehicleBus, cf, dir, at), nil
}

func (r *Runner) vehicleFrames(cmd Step, at time.Duration) ([]safety.Frame, error) {
	specs := []struct {
		name   string
		values map[string]float64
	}{
		{"VEHICLE_SPEED", map[string]float64{"vehicle_speed": cmd.SpeedMPS}},
		{"PCM_STATE", map[string]float64{
			"cruise_engaged": boolToFloat(cmd.CruiseEngaged),
			"brake_pressed":  boolToFloat(cmd.BrakePressed),
			"gas_pressed":    boolToFloat(cmd.GasPressed),
		}},
		{"STEER_STATUS", map[string]float64{
			"steer_torque_driver": cmd.DriverTorque,
			"steer_torque_motor":  cmd.MotorTorque,
		}},
	}
	out := make([]safety.Frame, 0, len(specs))
	for _, s := range specs {
		f, err := r.encode(s.name, s.values, safety.DirectionRx, at)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func (r *Runner) candidates(cmd Step, at time.Duration) ([]safety.Frame, error) {
	steer, err := r.encode("STEERING_CONTROL", map[string]float64{
		"steer_torque":  cmd.SteerTorque,
		"steer_request": boolToFloat(cmd.SteerTorque != 0),
	}, safety.DirectionTx, at)
	if err != nil {
		return nil, err
	}
	out := []safety.Frame{steer}
	if r.scen.Meta.Longitudinal {
		acc, err := r.encode("ACC_CONTROL", map[string]float64{
			"accel_cmd":  cmd.AccelCmd,
			"control_on": boolToFloat(cmd.AccelCmd != 0),
		}, safety.DirectionTx, at)
		if err != nil {
			return nil, err
		}
		out = append(out, acc)
	}
	return out, nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
