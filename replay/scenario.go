package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"cangate/safety"
)

// Scenario scripts vehicle state and proposed commands over time.
type Scenario struct {
	Meta     ScenarioMeta      `json:"meta"`
	Timing   ScenarioTiming    `json:"timing"`
	Defaults Step              `json:"defaults"`
	Segments []ScenarioSegment `json:"segments"`
	// Params overlays the mode's default rule set parameters.
	Params json.RawMessage `json:"params,omitempty"`
}

type ScenarioMeta struct {
	Name        string `json:"name"`
	Version     int    `json:"version"`
	Description string `json:"description"`
	Mode        string `json:"mode"`
	// Longitudinal adds an ACC_CONTROL candidate to every step.
	Longitudinal bool `json:"longitudinal,omitempty"`
}

type ScenarioTiming struct {
	DtS       float64 `json:"dt_s"`
	DurationS float64 `json:"duration_s"`
}

// Step is the vehicle state reported and the commands proposed in one cycle.
type Step struct {
	SpeedMPS      float64 `json:"vehicle_speed_mps"`
	DriverTorque  float64 `json:"driver_torque"`
	MotorTorque   float64 `json:"motor_torque"`
	CruiseEngaged bool    `json:"cruise_engaged"`
	BrakePressed  bool    `json:"brake_pressed"`
	GasPressed    bool    `json:"gas_pressed"`
	SteerTorque   float64 `json:"steer_torque"`
	AccelCmd      float64 `json:"accel_cmd"`
	// SilentRx withholds the vehicle frames for the step.
	SilentRx bool `json:"silent_rx,omitempty"`
}

// ScenarioSegment replaces the default step on [T0, T1). A negative T1 runs to
// the end of the scenario.
type ScenarioSegment struct {
	T0      float64 `json:"t0"`
	T1      float64 `json:"t1"`
	Comment string  `json:"comment,omitempty"`
	Step
	// Expect is "allow", "deny" or empty for no expectation.
	Expect       string `json:"expect,omitempty"`
	ExpectReason string `json:"expect_reason,omitempty"`
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}

func (s *Scenario) dt() time.Duration       { return seconds(s.Timing.DtS) }
func (s *Scenario) duration() time.Duration { return seconds(s.Timing.DurationS) }

// steps is the number of cycles in the scenario.
func (s *Scenario) steps() int {
	return int(s.duration() / s.dt())
}

func LoadScenario(path string) (Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Scenario{}, fmt.Errorf("read file: %w", err)
	}
	return ParseScenario(data)
}

func ParseScenario(data []byte) (Scenario, error) {
	var scen Scenario
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&scen); err != nil {
		return Scenario{}, fmt.Errorf("unmarshal: %w", err)
	}

	if scen.Timing.DurationS <= 0 {
		return Scenario{}, fmt.Errorf("invalid duration_s: %f", scen.Timing.DurationS)
	}
	if scen.dt() <= 0 || scen.dt() > scen.duration() {
		return Scenario{}, fmt.Errorf("invalid dt_s: %f", scen.Timing.DtS)
	}
	if scen.Meta.Mode == "" {
		scen.Meta.Mode = string(safety.ModeTorqueSteering)
	}
	for i, seg := range scen.Segments {
		if seg.T1 >= 0 && seg.T1 <= seg.T0 {
			return Scenario{}, fmt.Errorf("segment %d: t1 %.3f not after t0 %.3f", i, seg.T1, seg.T0)
		}
		switch seg.Expect {
		case "", "allow", "deny":
		default:
			return Scenario{}, fmt.Errorf("segment %d: expect must be allow or deny, got %q", i, seg.Expect)
		}
		if seg.ExpectReason != "" && seg.Expect != "deny" {
			return Scenario{}, fmt.Errorf("segment %d: expect_reason needs expect=deny", i)
		}
	}
	return scen, nil
}

// params builds the session parameters from the mode defaults.
func (s *Scenario) params(base safety.Params) (safety.Params, error) {
	if len(s.Params) == 0 {
		return safety.DecodeParams(bytes.NewReader(nil), base)
	}
	// JSON is valid YAML.
	return safety.DecodeParams(bytes.NewReader(s.Params), base)
}

// EvalStep returns the step active at t and the segment that supplied it, if any.
func EvalStep(scen *Scenario, t time.Duration) (Step, *ScenarioSegment) {
	for i := range scen.Segments {
		seg := &scen.Segments[i]
		t1 := seconds(seg.T1)
		if seg.T1 < 0 {
			t1 = scen.duration()
		}
		if t >= seconds(seg.T0) && t < t1 {
			return seg.Step, seg
		}
	}
	return scen.Defaults, nil
}
