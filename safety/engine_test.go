package safety

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.einride.tech/can"
)

var heartbeat = MessageRef{Bus: VehicleBus, ID: 0x18DAB0F1}

func rawFrame(ref MessageRef, at time.Duration, data ...byte) Frame {
	f := Frame{Bus: ref.Bus, ID: ref.ID, Length: uint8(len(data)), Direction: DirectionTx, Timestamp: at}
	copy(f.Data[:], data)
	return f
}

func TestEngineDeniesBeforeInit(t *testing.T) {
	e := NewEngine(BuiltinRegistry())
	assert.Equal(t, PhaseUninitialized, e.Phase())
	assert.Equal(t, Deny(ReasonNotInitialized), e.SubmitTx(rawFrame(hondaSteeringMsg, 0, 0, 0, 0, 0, 0)))

	// rx before init must not leak into the session that follows
	e.OnRx(rawFrame(MessageRef{ID: 0x158}, 0, 0xD0, 0x07, 0, 0))
	require.NoError(t, e.Init(ModeTorqueSteering, testParams(), 0))
	_, ok := e.state.Signals.Read(SignalVehicleSpeed, 0, time.Second)
	assert.False(t, ok)
}

func TestEngineInitFailuresLatchFaulted(t *testing.T) {
	badParams := testParams()
	badParams.Steering.MaxRate = 0

	tests := []struct {
		name   string
		mode   ModeID
		params Params
		want   error
	}{
		{name: "unknown mode", mode: "nope", params: testParams(), want: ErrUnknownMode},
		{name: "unimplemented stub", mode: ModeHondaRLXRedPanda, params: baseDefaults(), want: ErrUnimplemented},
		{name: "invalid shared params", mode: ModeTorqueSteering, params: Params{}, want: ErrInvalidParams},
		{name: "invalid rule set params", mode: ModeTorqueSteering, params: badParams, want: ErrInvalidParams},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := NewEngine(BuiltinRegistry())
			err := e.Init(tc.mode, tc.params, 0)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.Equal(t, PhaseFaulted, e.Phase())
			assert.Equal(t, CauseInitFailed, e.FaultCause())
			assert.Equal(t, Deny(ReasonFaulted), e.SubmitTx(rawFrame(hondaSteeringMsg, 0, 0, 0, 0, 0, 0)))
		})
	}
}

func TestEngineHookInitErrorIsWrapped(t *testing.T) {
	m := testMode("broken")
	m.Hooks.Init = func(*State, *Params) error { return errors.New("no layout") }
	reg, err := NewRegistry(m)
	require.NoError(t, err)

	e := NewEngine(reg)
	p := baseDefaults()
	p.InertFrames = []MessageRef{heartbeat}
	err = e.Init("broken", p, 0)
	require.ErrorIs(t, err, ErrInitFailed)
	assert.Equal(t, PhaseFaulted, e.Phase())
	assert.True(t, e.SubmitTx(rawFrame(heartbeat, 0, 0x02, 0x3E, 0x80)).Allowed(), "inert frames survive a failed hook init")
}

func TestEngineDeniesUnlistedMessages(t *testing.T) {
	h := newHarness(t, ModeTorqueSteering, testParams())
	h.publish(engagedState())

	d := h.engine.SubmitTx(rawFrame(MessageRef{Bus: VehicleBus, ID: 0x1DF}, h.now, 0, 0, 0, 0))
	assert.Equal(t, Deny(ReasonUnlistedMessage), d, "ACC_CONTROL is not sendable in lateral-only mode")

	d = h.engine.SubmitTx(rawFrame(MessageRef{Bus: 2, ID: hondaSteeringMsg.ID}, h.now, 0, 0, 0, 0, 0))
	assert.Equal(t, Deny(ReasonUnlistedMessage), d, "allow-list is per bus")
}

func TestEngineFaultLatchOnConsecutiveDenies(t *testing.T) {
	p := testParams()
	p.Faults.MaxConsecutiveDenies = 3
	p.InertFrames = []MessageRef{heartbeat}
	h := newHarness(t, ModeTorqueSteering, p)

	for i := 0; i < 3; i++ {
		h.advance(10 * time.Millisecond)
		h.publish(engagedState())
		assert.Equal(t, Deny(ReasonLimitExceeded), h.steer(500))
	}
	assert.Equal(t, PhaseFaulted, h.engine.Phase())
	assert.Equal(t, CauseConsecutiveDenies, h.engine.FaultCause())

	for i := 0; i < 5; i++ {
		h.advance(10 * time.Millisecond)
		h.publish(engagedState())
		assert.Equal(t, Deny(ReasonFaulted), h.steer(0), "a valid command stays denied after the latch")
	}
	assert.True(t, h.engine.SubmitTx(rawFrame(heartbeat, h.now, 0x02, 0x3E, 0x80)).Allowed())

	session := h.engine.Session()
	require.NoError(t, h.engine.Init(ModeTorqueSteering, p, h.now))
	assert.NotEqual(t, session, h.engine.Session())
	assert.Equal(t, PhaseRunning, h.engine.Phase())
	assert.Zero(t, h.engine.Counters().ConsecutiveDenies)
	h.publish(engagedState())
	assert.Equal(t, Allow(), h.steer(0))
}

func TestEngineInertFramesDoNotResetDenyRun(t *testing.T) {
	p := testParams()
	p.Faults.MaxConsecutiveDenies = 2
	p.InertFrames = []MessageRef{heartbeat}
	h := newHarness(t, ModeTorqueSteering, p)
	h.publish(engagedState())

	assert.False(t, h.steer(500).Allowed())
	assert.True(t, h.engine.SubmitTx(rawFrame(heartbeat, h.now, 0x02, 0x3E, 0x80)).Allowed())
	assert.False(t, h.steer(500).Allowed())
	assert.Equal(t, PhaseFaulted, h.engine.Phase())
}

func TestEngineRxTimeoutFaults(t *testing.T) {
	p := testParams()
	p.Faults = FaultConfig{MaxConsecutiveDenies: 100, MaxConsecutiveTimeouts: 3, RxTimeout: 100 * time.Millisecond}
	h := newHarness(t, ModeTorqueSteering, p)
	h.publish(engagedState())
	require.Equal(t, Allow(), h.steer(0))

	h.advance(150 * time.Millisecond)
	assert.Equal(t, Deny(ReasonStaleState), h.steer(0))
	h.advance(10 * time.Millisecond)
	assert.Equal(t, Deny(ReasonStaleState), h.steer(0))
	assert.Equal(t, PhaseRunning, h.engine.Phase())
	assert.Equal(t, 2, h.engine.Counters().ConsecutiveTimeouts)

	h.advance(10 * time.Millisecond)
	assert.Equal(t, Deny(ReasonFaulted), h.steer(0))
	assert.Equal(t, PhaseFaulted, h.engine.Phase())
	assert.Equal(t, CauseRxTimeout, h.engine.FaultCause())

	// fresh traffic does not heal the latch
	h.publish(engagedState())
	assert.Equal(t, Deny(ReasonFaulted), h.steer(0))
}

func TestEngineUnrecognizedRxDoesNotFeedRxClock(t *testing.T) {
	p := testParams()
	p.Faults = FaultConfig{MaxConsecutiveDenies: 100, MaxConsecutiveTimeouts: 1, RxTimeout: 100 * time.Millisecond}
	h := newHarness(t, ModeTorqueSteering, p)

	h.advance(200 * time.Millisecond)
	h.engine.OnRx(rawFrame(MessageRef{Bus: VehicleBus, ID: 0x7AA}, h.now, 1, 2, 3))
	h.engine.OnRx(rawFrame(MessageRef{Bus: VehicleBus, ID: 0x158}, h.now, 1))
	assert.Equal(t, Deny(ReasonFaulted), h.steer(0))
}

func invariantModes() []Mode {
	unset := testMode("unset")
	unset.Hooks.Tx = func(*State, *Params, *Frame) Decision { return Decision{} }

	allowWithReason := testMode("allow_with_reason")
	allowWithReason.Hooks.Tx = func(*State, *Params, *Frame) Decision {
		return Decision{Verdict: VerdictAllow, Reason: ReasonLimitExceeded}
	}

	panics := testMode("panics")
	panics.Hooks.Tx = func(*State, *Params, *Frame) Decision { panic("index out of range") }

	return []Mode{unset, allowWithReason, panics}
}

func TestEngineInvariantViolationFaults(t *testing.T) {
	reg, err := NewRegistry(invariantModes()...)
	require.NoError(t, err)

	for _, id := range []ModeID{"unset", "allow_with_reason", "panics"} {
		t.Run(string(id), func(t *testing.T) {
			e := NewEngine(reg)
			require.NoError(t, e.Init(id, baseDefaults(), 0))
			f := rawFrame(MessageRef{Bus: 0, ID: 0x100}, 0, 1)
			assert.Equal(t, Deny(ReasonInvariantViolation), e.SubmitTx(f))
			assert.Equal(t, PhaseFaulted, e.Phase())
			assert.Equal(t, CauseInvariantViolation, e.FaultCause())
			assert.Equal(t, Deny(ReasonFaulted), e.SubmitTx(f))
		})
	}
}

func TestEngineRxPanicFaults(t *testing.T) {
	m := testMode("rx_panics")
	m.Hooks.Rx = func(*State, *Params, *Frame) bool { panic("bad decode") }
	reg, err := NewRegistry(m)
	require.NoError(t, err)

	e := NewEngine(reg)
	require.NoError(t, e.Init("rx_panics", baseDefaults(), 0))
	e.OnRx(rawFrame(MessageRef{ID: 0x158}, 0, 1))
	assert.Equal(t, PhaseFaulted, e.Phase())
	assert.Equal(t, CauseInvariantViolation, e.FaultCause())
}

func TestEngineEmitsDecisionRecords(t *testing.T) {
	h := newHarness(t, ModeTorqueSteering, testParams())
	h.publish(vehicleState{speed: 12.5, engaged: true})
	h.advance(10 * time.Millisecond)
	h.steer(5)
	h.steer(500)

	require.Len(t, h.sink.records, 2)
	first := h.sink.records[0]
	assert.Equal(t, h.engine.Session(), first.Session)
	assert.Equal(t, ModeTorqueSteering, first.Mode)
	assert.Equal(t, hondaSteeringMsg.ID, first.ID)
	assert.Equal(t, VerdictAllow, first.Verdict)
	assert.Equal(t, PhaseRunning, first.Phase)
	assert.Equal(t, int64(10000), first.AtUs)

	var speed *SignalSnapshot
	for i := range first.Signals {
		if first.Signals[i].Name == SignalVehicleSpeed {
			speed = &first.Signals[i]
		}
	}
	require.NotNil(t, speed)
	assert.InDelta(t, 12.5, speed.Value, 1e-9)
	assert.Equal(t, int64(10000), speed.AgeUs)

	second := h.sink.records[1]
	assert.Equal(t, VerdictDeny, second.Verdict)
	assert.Equal(t, ReasonLimitExceeded, second.Reason)
	assert.Equal(t, 1, second.Counters.ConsecutiveDenies)
}

func TestNoOutputModeForwardsOnlyInertFrames(t *testing.T) {
	p := baseDefaults()
	p.InertFrames = []MessageRef{heartbeat}
	e := NewEngine(BuiltinRegistry())
	require.NoError(t, e.Init(ModeNoOutput, p, 0))

	e.OnRx(rawFrame(MessageRef{ID: 0x321}, 0, 1))
	assert.True(t, e.SubmitTx(rawFrame(heartbeat, time.Millisecond, 0x02, 0x3E, 0x80)).Allowed())
	assert.Equal(t, Deny(ReasonUnlistedMessage), e.SubmitTx(rawFrame(hondaSteeringMsg, time.Millisecond, 0, 0, 0, 0, 0)))
}

func TestFrameRoundTripsThroughCAN(t *testing.T) {
	cf := can.Frame{ID: 0x0E4, Length: 5, Data: can.Data{1, 2, 3, 4, 5}}
	f := NewFrame(VehicleBus, cf, DirectionTx, 42*time.Millisecond)
	assert.Equal(t, []byte{1, 2, 3, 4, 5}, f.Payload())
	assert.Equal(t, cf, f.CAN())

	ext := Frame{ID: heartbeat.ID, Length: 3}
	assert.True(t, ext.CAN().IsExtended)
}

func TestEngineInitFailureKeepsInertFrames(t *testing.T) {
	bad := testParams()
	bad.DefaultFreshness = 0
	bad.InertFrames = []MessageRef{heartbeat}

	for _, mode := range []ModeID{ModeTorqueSteering, "nope"} {
		e := NewEngine(BuiltinRegistry())
		require.Error(t, e.Init(mode, bad, 0))
		assert.Equal(t, PhaseFaulted, e.Phase())
		assert.True(t, e.SubmitTx(rawFrame(heartbeat, 0, 0x02, 0x3E, 0x80)).Allowed(), "mode %s", mode)
		assert.Equal(t, Deny(ReasonFaulted), e.SubmitTx(rawFrame(hondaSteeringMsg, 0, 0, 0, 0, 0, 0)))
	}
}

func TestEngineUnlistedMessagesCountTowardDenyLatch(t *testing.T) {
	p := testParams()
	p.Faults.MaxConsecutiveDenies = 3
	h := newHarness(t, ModeTorqueSteering, p)
	h.publish(engagedState())

	unlisted := MessageRef{Bus: VehicleBus, ID: 0x1DF}
	for i := 0; i < 3; i++ {
		assert.False(t, h.engine.SubmitTx(rawFrame(unlisted, h.now, 0, 0, 0, 0)).Allowed())
	}
	assert.Equal(t, PhaseFaulted, h.engine.Phase())
	assert.Equal(t, CauseConsecutiveDenies, h.engine.FaultCause())
}

func TestEngineSignalsStampedInFutureFailClosed(t *testing.T) {
	h := newHarness(t, ModeTorqueSteering, testParams())

	// The clock jumps back after a burst of frames stamped at 10s.
	h.now = 10 * time.Second
	h.publish(engagedState())
	h.now = 20 * time.Millisecond

	var got []Decision
	for i := 0; i < 5; i++ {
		h.advance(2 * time.Second)
		got = append(got, h.steer(0))
	}
	assert.Equal(t, []Decision{
		Deny(ReasonStaleState),
		Deny(ReasonStaleState),
		Deny(ReasonFaulted),
		Deny(ReasonFaulted),
		Deny(ReasonFaulted),
	}, got)
	assert.Equal(t, PhaseFaulted, h.engine.Phase())
	assert.Equal(t, CauseRxTimeout, h.engine.FaultCause())
}

func TestEngineDropsRxAheadOfDispatchClock(t *testing.T) {
	h := newHarness(t, ModeTorqueSteering, testParams())
	h.advance(10 * time.Millisecond)

	f := h.frame("VEHICLE_SPEED", map[string]float64{"vehicle_speed": 20}, DirectionRx)
	f.Timestamp += time.Second
	h.engine.OnRx(f)

	_, ok := h.engine.state.Signals.Read(SignalVehicleSpeed, f.Timestamp, time.Hour)
	assert.False(t, ok, "the frame never reached the rx hook")
	assert.Zero(t, h.engine.Counters().LastValidRx)

	f.Timestamp = h.now + 5*time.Millisecond
	h.engine.OnRx(f)
	assert.Equal(t, f.Timestamp, h.engine.Counters().LastValidRx, "jitter within the skew is accepted")
}
