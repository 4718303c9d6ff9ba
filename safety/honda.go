package safety

import (
	"bytes"
	"embed"
	"fmt"
	"time"

	"cangate/utils"
)

//go:embed layouts/*.csv
var layoutFS embed.FS

// VehicleBus carries both the vehicle's own traffic and the forwarded commands.
const VehicleBus uint8 = 0

const (
	hondaLayout = "layouts/honda_bosch.csv"

	frameSteeringControl = "STEERING_CONTROL"
	frameACCControl      = "ACC_CONTROL"

	sigSteerTorque  = "steer_torque"
	sigSteerRequest = "steer_request"
	sigAccelCmd     = "accel_cmd"
	sigControlOn    = "control_on"
)

// Commanded signals tracked for rate checks.
const (
	commandSteerTorque SignalName = "steer_torque"
	commandAccel       SignalName = "accel_cmd"
)

var (
	hondaSteeringMsg = MessageRef{Bus: VehicleBus, ID: 0x0E4}
	hondaACCMsg      = MessageRef{Bus: VehicleBus, ID: 0x1DF}
)

// hondaRules is the session state of the Honda Bosch rule sets, resolved once at
// init so the hooks only index into it.
type hondaRules struct {
	rx map[uint32]*utils.FrameDef

	steerFrame   *utils.FrameDef
	accFrame     *utils.FrameDef
	steerTorque  *utils.SignalDef
	steerRequest *utils.SignalDef
	accel        *utils.SignalDef
	controlOn    *utils.SignalDef
	longitudinal bool
}

func loadLayout(name string) (*utils.CANMap, error) {
	raw, err := layoutFS.ReadFile(name)
	if err != nil {
		return nil, err
	}
	m, err := utils.ParseCANMap(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", name, err)
	}
	return m, nil
}

// HondaLayout returns the frame layout the Honda Bosch rule sets decode.
func HondaLayout() (*utils.CANMap, error) {
	return loadLayout(hondaLayout)
}

// lookupFrame resolves a tx frame and the signals a rule set decodes from it.
func lookupFrame(m *utils.CANMap, frame string, id uint32, signals ...string) (*utils.FrameDef, []*utils.SignalDef, error) {
	fd, err := m.FrameByName(frame)
	if err != nil {
		return nil, nil, err
	}
	if fd.ID != id {
		return nil, nil, fmt.Errorf("frame %s has id 0x%X, rule set expects 0x%X", frame, fd.ID, id)
	}
	out := make([]*utils.SignalDef, len(signals))
	for i, name := range signals {
		s, ok := fd.Signal(name)
		if !ok {
			return nil, nil, fmt.Errorf("frame %s has no signal %s", frame, name)
		}
		out[i] = s
	}
	return fd, out, nil
}

func newHondaInit(longitudinal bool) func(st *State, p *Params) error {
	return func(st *State, p *Params) error {
		if err := p.Steering.validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidParams, err)
		}
		if longitudinal {
			if err := p.Longitudinal.validate(); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalidParams, err)
			}
		}

		m, err := loadLayout(hondaLayout)
		if err != nil {
			return err
		}
		r := &hondaRules{
			rx:           make(map[uint32]*utils.FrameDef),
			longitudinal: longitudinal,
		}
		for _, fd := range m.FramesByDirection("rx") {
			r.rx[fd.ID] = fd
		}
		fd, sigs, err := lookupFrame(m, frameSteeringControl, hondaSteeringMsg.ID, sigSteerTorque, sigSteerRequest)
		if err != nil {
			return err
		}
		r.steerFrame, r.steerTorque, r.steerRequest = fd, sigs[0], sigs[1]
		if longitudinal {
			fd, sigs, err := lookupFrame(m, frameACCControl, hondaACCMsg.ID, sigAccelCmd, sigControlOn)
			if err != nil {
				return err
			}
			r.accFrame, r.accel, r.controlOn = fd, sigs[0], sigs[1]
		}
		st.Rules = r
		return nil
	}
}

// hondaRx decodes every signal of a known vehicle frame into the store. Frames
// shorter than their declared length are not recognized.
func hondaRx(st *State, _ *Params, f *Frame) bool {
	r, ok := st.Rules.(*hondaRules)
	if !ok || f.Bus != VehicleBus {
		return false
	}
	fd, ok := r.rx[f.ID]
	if !ok || int(f.Length) < fd.DLC {
		return false
	}
	data := f.Payload()
	for i := range fd.Signals {
		s := &fd.Signals[i]
		st.Signals.Update(SignalName(s.Name), utils.DecodeSignal(s, data), f.Timestamp)
	}
	return true
}

// hondaTx routes a candidate frame to the check for the message it carries.
func hondaTx(st *State, p *Params, f *Frame) Decision {
	r, ok := st.Rules.(*hondaRules)
	if !ok {
		return Decision{}
	}
	switch f.Ref() {
	case hondaSteeringMsg:
		if int(f.Length) != r.steerFrame.DLC {
			return Deny(ReasonPreconditionFailed)
		}
		return checkSteering(st, p, r, f)
	case hondaACCMsg:
		if !r.longitudinal {
			break
		}
		if int(f.Length) != r.accFrame.DLC {
			return Deny(ReasonPreconditionFailed)
		}
		return checkLongitudinal(st, p, r, f)
	}
	return Deny(ReasonUnlistedMessage)
}

func hondaDefaults() Params {
	p := baseDefaults()
	p.Steering = SteeringLimits{
		MaxTorque:        3840,
		MaxRate:          60,
		CyclePeriod:      10 * time.Millisecond,
		MaxCatchUpCycles: 3,
		DriverAllowance:  1200,
		DriverFactor:     1,
		DriverOverride:   3000,
	}
	p.Longitudinal = LongitudinalLimits{
		MaxAccel:         2.0,
		MaxDecel:         3.5,
		MaxJerk:          0.1,
		CyclePeriod:      20 * time.Millisecond,
		MaxCatchUpCycles: 3,
	}
	p.Freshness = map[SignalName]time.Duration{
		SignalVehicleSpeed:      100 * time.Millisecond,
		SignalSteerTorqueDriver: 50 * time.Millisecond,
		SignalSteerTorqueMotor:  50 * time.Millisecond,
		SignalCruiseEngaged:     200 * time.Millisecond,
		SignalBrakePressed:      100 * time.Millisecond,
		SignalGasPressed:        100 * time.Millisecond,
	}
	return p
}
