package safety

import "time"

const (
	ModeNoOutput           ModeID = "nooutput"
	ModeTorqueSteering     ModeID = "torque_steering"
	ModeTorqueSteeringLong ModeID = "torque_steering_long"
	// ModeHondaRLXRedPanda is registered but not yet implemented. Its tx hook
	// would forward everything, so the engine refuses to run it.
	ModeHondaRLXRedPanda ModeID = "honda_rlx_red_panda"
)

// baseDefaults holds the parameters shared by every mode.
func baseDefaults() Params {
	return Params{
		DefaultFreshness: 100 * time.Millisecond,
		Faults:           DefaultFaultConfig(),
	}
}

func noOutputInit(*State, *Params) error { return nil }

// defaultRx recognizes every frame so that a live bus keeps the rx clock fresh.
func defaultRx(*State, *Params, *Frame) bool { return true }

func noOutputTx(*State, *Params, *Frame) Decision {
	return Deny(ReasonUnlistedMessage)
}

// BuiltinModes returns the hook table entries shipped with the gate.
func BuiltinModes() []Mode {
	return []Mode{
		{
			ID:            ModeNoOutput,
			Description:   "forward nothing but inert frames",
			Status:        StatusImplemented,
			UserReachable: true,
			Hooks:         Hooks{Init: noOutputInit, Rx: defaultRx, Tx: noOutputTx},
			Defaults:      baseDefaults,
		},
		{
			ID:            ModeTorqueSteering,
			Description:   "Honda Bosch torque-limited steering",
			Status:        StatusImplemented,
			UserReachable: true,
			Hooks:         Hooks{Init: newHondaInit(false), Rx: hondaRx, Tx: hondaTx},
			TxMessages:    []MessageRef{hondaSteeringMsg},
			Defaults:      hondaDefaults,
		},
		{
			ID:            ModeTorqueSteeringLong,
			Description:   "Honda Bosch torque-limited steering with longitudinal control",
			Status:        StatusImplemented,
			UserReachable: true,
			Hooks:         Hooks{Init: newHondaInit(true), Rx: hondaRx, Tx: hondaTx},
			TxMessages:    []MessageRef{hondaSteeringMsg, hondaACCMsg},
			Defaults:      hondaDefaults,
		},
		{
			ID:          ModeHondaRLXRedPanda,
			Description: "Honda RLX on red panda, pending port",
			Status:      StatusUnimplemented,
			Hooks:       Hooks{Init: noOutputInit, Rx: defaultRx},
			Defaults:    baseDefaults,
		},
	}
}

// BuiltinRegistry returns the hook table of BuiltinModes.
func BuiltinRegistry() *Registry {
	r, err := NewRegistry(BuiltinModes()...)
	if err != nil {
		panic(err)
	}
	return r
}
