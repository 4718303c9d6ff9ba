package safety

import (
	"cangate/utils"
)

// checkLongitudinal validates an ACC_CONTROL frame. A non-zero acceleration is
// accepted only with cruise engaged and no driver pedal input, inside
// [-MaxDecel, MaxAccel] and within the per-cycle jerk limit.
func checkLongitudinal(st *State, p *Params, r *hondaRules, f *Frame) Decision {
	lim := &p.Longitudinal
	now := f.Timestamp
	data := f.Payload()
	accel := utils.DecodeSignal(r.accel, data)
	on := utils.DecodeSignal(r.controlOn, data) != 0

	engaged, okEngaged := st.read(p, SignalCruiseEngaged, now)
	brake, okBrake := st.read(p, SignalBrakePressed, now)
	gas, okGas := st.read(p, SignalGasPressed, now)
	if !okEngaged || !okBrake || !okGas {
		return Deny(ReasonStaleState)
	}

	if accel != 0 && !on {
		return Deny(ReasonPreconditionFailed)
	}
	if engaged == 0 || brake != 0 || gas != 0 {
		if accel != 0 || on {
			return Deny(ReasonPreconditionFailed)
		}
		st.Accepted.Accept(commandAccel, 0, now)
		return Allow()
	}

	if accel > lim.MaxAccel+epsilon || accel < -lim.MaxDecel-epsilon {
		return Deny(ReasonLimitExceeded)
	}
	prev, at := st.Accepted.Last(commandAccel)
	if !withinRate(accel, prev, lim.MaxJerk, now-at, lim.CyclePeriod, lim.MaxCatchUpCycles) {
		return Deny(ReasonLimitExceeded)
	}

	st.Accepted.Accept(commandAccel, accel, now)
	return Allow()
}
