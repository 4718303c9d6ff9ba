package safety

import (
	"math"
	"time"

	"cangate/utils"
)

// epsilon absorbs float noise from signal scaling in limit comparisons.
const epsilon = 1e-9

// elapsedCycles is the number of whole control cycles between two commands,
// at least 1 and at most maxCycles.
func elapsedCycles(since, period time.Duration, maxCycles int) int {
	n := int(since / period)
	if n < 1 {
		return 1
	}
	if n > maxCycles {
		return maxCycles
	}
	return n
}

// withinRate reports whether moving from prev to cmd stays within maxPerCycle
// for every cycle elapsed since prev was accepted.
func withinRate(cmd, prev, maxPerCycle float64, since, period time.Duration, maxCycles int) bool {
	return math.Abs(cmd-prev) <= maxPerCycle*float64(elapsedCycles(since, period, maxCycles))+epsilon
}

// driverLimit shrinks the torque limit as the driver applies torque of their own.
func (l *SteeringLimits) driverLimit(driverTorque float64) float64 {
	excess := math.Abs(driverTorque) - l.DriverAllowance
	if excess <= 0 {
		return l.MaxTorque
	}
	return math.Max(0, l.MaxTorque-l.DriverFactor*excess)
}

// checkSteering validates a STEERING_CONTROL frame.
//
// Torque must be zero unless cruise is engaged, the vehicle is above the minimum
// steering speed and the driver is not overriding. While active the command is
// bounded by the static limit, the driver-torque limit, the per-cycle rate from
// the previous accepted command and, when configured, the distance to the
// measured motor torque.
func checkSteering(st *State, p *Params, r *hondaRules, f *Frame) Decision {
	lim := &p.Steering
	now := f.Timestamp
	data := f.Payload()
	torque := utils.DecodeSignal(r.steerTorque, data)
	request := utils.DecodeSignal(r.steerRequest, data) != 0

	speed, okSpeed := st.read(p, SignalVehicleSpeed, now)
	driver, okDriver := st.read(p, SignalSteerTorqueDriver, now)
	engaged, okEngaged := st.read(p, SignalCruiseEngaged, now)
	if !okSpeed || !okDriver || !okEngaged {
		return Deny(ReasonStaleState)
	}
	var motor float64
	if lim.MaxTorqueError > 0 {
		var ok bool
		if motor, ok = st.read(p, SignalSteerTorqueMotor, now); !ok {
			return Deny(ReasonStaleState)
		}
	}

	if torque != 0 && !request {
		return Deny(ReasonPreconditionFailed)
	}

	active := engaged != 0 && speed >= lim.MinSpeed && math.Abs(driver) <= lim.DriverOverride
	if !active {
		if torque != 0 || request {
			return Deny(ReasonPreconditionFailed)
		}
		// Releasing torque while inactive starts a new accepted sequence from zero.
		st.Accepted.Accept(commandSteerTorque, 0, now)
		return Allow()
	}

	if math.Abs(torque) > lim.MaxTorque+epsilon {
		return Deny(ReasonLimitExceeded)
	}
	if math.Abs(torque) > lim.driverLimit(driver)+epsilon {
		return Deny(ReasonLimitExceeded)
	}
	prev, at := st.Accepted.Last(commandSteerTorque)
	if !withinRate(torque, prev, lim.MaxRate, now-at, lim.CyclePeriod, lim.MaxCatchUpCycles) {
		return Deny(ReasonLimitExceeded)
	}
	if lim.MaxTorqueError > 0 && math.Abs(torque-motor) > lim.MaxTorqueError+epsilon {
		return Deny(ReasonLimitExceeded)
	}

	st.Accepted.Accept(commandSteerTorque, torque, now)
	return Allow()
}
