package safety

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cangate/utils"
)

type recordingSink struct {
	records []Record
}

func (s *recordingSink) Emit(r Record) { s.records = append(s.records, r) }

type vehicleState struct {
	speed   float64
	driver  float64
	motor   float64
	engaged bool
	brake   bool
	gas     bool
}

func engagedState() vehicleState {
	return vehicleState{speed: 20, engaged: true}
}

func b2f(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// testParams narrows the Honda defaults to small round numbers: static bound 100,
// 10 units per 10ms cycle.
func testParams() Params {
	p := hondaDefaults()
	p.Steering = SteeringLimits{
		MaxTorque:        100,
		MaxRate:          10,
		CyclePeriod:      10 * time.Millisecond,
		MaxCatchUpCycles: 3,
		DriverAllowance:  50,
		DriverFactor:     1,
		DriverOverride:   80,
	}
	p.Longitudinal = LongitudinalLimits{
		MaxAccel:         2,
		MaxDecel:         3.5,
		MaxJerk:          0.5,
		CyclePeriod:      20 * time.Millisecond,
		MaxCatchUpCycles: 2,
	}
	return p
}

type harness struct {
	t      *testing.T
	engine *Engine
	sink   *recordingSink
	layout *utils.CANMap
	now    time.Duration
}

func newHarness(t *testing.T, mode ModeID, p Params) *harness {
	t.Helper()
	layout, err := loadLayout(hondaLayout)
	require.NoError(t, err)
	h := &harness{t: t, sink: &recordingSink{}, layout: layout}
	h.engine = NewEngine(BuiltinRegistry(), WithSink(h.sink), WithClock(func() time.Duration { return h.now }))
	require.NoError(t, h.engine.Init(mode, p, h.now))
	return h
}

func (h *harness) advance(d time.Duration) {
	h.now += d
}

func (h *harness) frame(name string, values map[string]float64, dir Direction) Frame {
	h.t.Helper()
	cf, err := h.layout.EncodeEinrideFrame(name, values)
	require.NoError(h.t, err)
	return NewFrame(VehicleBus, cf, dir, h.now)
}

// publish delivers a full set of vehicle state frames stamped at h.now.
func (h *harness) publish(vs vehicleState) {
	h.engine.OnRx(h.frame("VEHICLE_SPEED", map[string]float64{"vehicle_speed": vs.speed}, DirectionRx))
	h.engine.OnRx(h.frame("PCM_STATE", map[string]float64{
		"cruise_engaged": b2f(vs.engaged),
		"brake_pressed":  b2f(vs.brake),
		"gas_pressed":    b2f(vs.gas),
	}, DirectionRx))
	h.engine.OnRx(h.frame("STEER_STATUS", map[string]float64{
		"steer_torque_driver": vs.driver,
		"steer_torque_motor":  vs.motor,
	}, DirectionRx))
}

// steer proposes a steering command with the request bit set for non-zero torque.
func (h *harness) steer(torque float64) Decision {
	return h.engine.SubmitTx(h.frame("STEERING_CONTROL", map[string]float64{
		"steer_torque":  torque,
		"steer_request": b2f(torque != 0),
	}, DirectionTx))
}

func (h *harness) accel(a float64) Decision {
	return h.engine.SubmitTx(h.frame("ACC_CONTROL", map[string]float64{
		"accel_cmd":  a,
		"control_on": b2f(a != 0),
	}, DirectionTx))
}
