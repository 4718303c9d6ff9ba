package safety

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FaultConfig holds the thresholds that latch the engine into Faulted.
type FaultConfig struct {
	MaxConsecutiveDenies   int           `yaml:"maxConsecutiveDenies"`
	MaxConsecutiveTimeouts int           `yaml:"maxConsecutiveTimeouts"`
	RxTimeout              time.Duration `yaml:"rxTimeout"`

	// MaxClockSkew is how far a frame timestamp may run ahead of the
	// evaluation time before it is treated as invalid.
	MaxClockSkew time.Duration `yaml:"maxClockSkew"`
}

func DefaultFaultConfig() FaultConfig {
	return FaultConfig{
		MaxConsecutiveDenies:   5,
		MaxConsecutiveTimeouts: 3,
		RxTimeout:              100 * time.Millisecond,
		MaxClockSkew:           10 * time.Millisecond,
	}
}

func (c FaultConfig) validate() error {
	var errs []error
	if c.MaxConsecutiveDenies < 1 {
		errs = append(errs, fmt.Errorf("faults.maxConsecutiveDenies must be >= 1, got %d", c.MaxConsecutiveDenies))
	}
	if c.MaxConsecutiveTimeouts < 1 {
		errs = append(errs, fmt.Errorf("faults.maxConsecutiveTimeouts must be >= 1, got %d", c.MaxConsecutiveTimeouts))
	}
	if c.RxTimeout <= 0 {
		errs = append(errs, fmt.Errorf("faults.rxTimeout must be positive, got %s", c.RxTimeout))
	}
	if c.MaxClockSkew < 0 {
		errs = append(errs, fmt.Errorf("faults.maxClockSkew must not be negative, got %s", c.MaxClockSkew))
	}
	return errors.Join(errs...)
}

// SteeringLimits bounds torque-based lateral control. Torques are in the
// platform's raw torque units.
type SteeringLimits struct {
	MaxTorque        float64       `yaml:"maxTorque"`
	MaxRate          float64       `yaml:"maxRate"`
	CyclePeriod      time.Duration `yaml:"cyclePeriod"`
	MaxCatchUpCycles int           `yaml:"maxCatchUpCycles"`
	// Driver torque up to DriverAllowance leaves MaxTorque untouched; beyond it the
	// limit shrinks by DriverFactor per unit. Past DriverOverride only zero torque
	// is accepted.
	DriverAllowance float64 `yaml:"driverAllowance"`
	DriverFactor    float64 `yaml:"driverFactor"`
	DriverOverride  float64 `yaml:"driverOverride"`
	MinSpeed        float64 `yaml:"minSpeed"`
	// MaxTorqueError bounds the command's distance from the measured motor
	// torque. Zero disables the check.
	MaxTorqueError float64 `yaml:"maxTorqueError"`
}

func (l SteeringLimits) validate() error {
	var errs []error
	if l.MaxTorque <= 0 {
		errs = append(errs, fmt.Errorf("steering.maxTorque must be positive, got %g", l.MaxTorque))
	}
	if l.MaxRate <= 0 {
		errs = append(errs, fmt.Errorf("steering.maxRate must be positive, got %g", l.MaxRate))
	}
	if l.CyclePeriod <= 0 {
		errs = append(errs, fmt.Errorf("steering.cyclePeriod must be positive, got %s", l.CyclePeriod))
	}
	if l.MaxCatchUpCycles < 1 {
		errs = append(errs, fmt.Errorf("steering.maxCatchUpCycles must be >= 1, got %d", l.MaxCatchUpCycles))
	}
	if l.DriverAllowance < 0 || l.DriverFactor < 0 || l.MaxTorqueError < 0 || l.MinSpeed < 0 {
		errs = append(errs, errors.New("steering driver, speed and error limits must not be negative"))
	}
	if l.DriverOverride <= l.DriverAllowance {
		errs = append(errs, fmt.Errorf("steering.driverOverride (%g) must exceed driverAllowance (%g)", l.DriverOverride, l.DriverAllowance))
	}
	return errors.Join(errs...)
}

// LongitudinalLimits bounds acceleration requests in m/s^2.
type LongitudinalLimits struct {
	MaxAccel         float64       `yaml:"maxAccel"`
	MaxDecel         float64       `yaml:"maxDecel"`
	MaxJerk          float64       `yaml:"maxJerk"`
	CyclePeriod      time.Duration `yaml:"cyclePeriod"`
	MaxCatchUpCycles int           `yaml:"maxCatchUpCycles"`
}

func (l LongitudinalLimits) validate() error {
	var errs []error
	if l.MaxAccel <= 0 || l.MaxDecel <= 0 {
		errs = append(errs, fmt.Errorf("longitudinal.maxAccel and maxDecel must be positive, got %g/%g", l.MaxAccel, l.MaxDecel))
	}
	if l.MaxJerk <= 0 {
		errs = append(errs, fmt.Errorf("longitudinal.maxJerk must be positive, got %g", l.MaxJerk))
	}
	if l.CyclePeriod <= 0 {
		errs = append(errs, fmt.Errorf("longitudinal.cyclePeriod must be positive, got %s", l.CyclePeriod))
	}
	if l.MaxCatchUpCycles < 1 {
		errs = append(errs, fmt.Errorf("longitudinal.maxCatchUpCycles must be >= 1, got %d", l.MaxCatchUpCycles))
	}
	return errors.Join(errs...)
}

// Params are the rule set parameters of one mode. They are fixed for the life of
// a session.
type Params struct {
	Steering         SteeringLimits               `yaml:"steering"`
	Longitudinal     LongitudinalLimits           `yaml:"longitudinal"`
	Freshness        map[SignalName]time.Duration `yaml:"freshness"`
	DefaultFreshness time.Duration                `yaml:"defaultFreshness"`
	Faults           FaultConfig                  `yaml:"faults"`
	InertFrames      []MessageRef                 `yaml:"inertFrames"`
}

// MaxAge returns how old a signal may be and still be used.
func (p *Params) MaxAge(name SignalName) time.Duration {
	if d, ok := p.Freshness[name]; ok {
		return d
	}
	return p.DefaultFreshness
}

// Validate checks the sections every mode relies on. Rule sets validate their own
// limit sections in Init.
func (p Params) Validate() error {
	var errs []error
	if p.DefaultFreshness <= 0 {
		errs = append(errs, fmt.Errorf("defaultFreshness must be positive, got %s", p.DefaultFreshness))
	}
	for name, d := range p.Freshness {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("freshness[%s] must be positive, got %s", name, d))
		}
	}
	if err := p.Faults.validate(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return nil
}

func (p Params) clone() Params {
	out := p
	if p.Freshness != nil {
		out.Freshness = make(map[SignalName]time.Duration, len(p.Freshness))
		for k, v := range p.Freshness {
			out.Freshness[k] = v
		}
	}
	out.InertFrames = append([]MessageRef(nil), p.InertFrames...)
	return out
}

// DecodeParams overlays a YAML document onto base. Fields absent from the
// document keep their base value.
func DecodeParams(src io.Reader, base Params) (Params, error) {
	p := base.clone()
	dec := yaml.NewDecoder(src)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Params{}, fmt.Errorf("decode params: %w", err)
	}
	return p, nil
}

// LoadParams reads a YAML parameter file and overlays it onto base.
func LoadParams(path string, base Params) (Params, error) {
	f, err := os.Open(path)
	if err != nil {
		return Params{}, err
	}
	defer f.Close()
	return DecodeParams(f, base)
}

// OverlayParams decodes an already-parsed YAML node onto base, with the same
// unknown-field checks as DecodeParams.
func OverlayParams(node *yaml.Node, base Params) (Params, error) {
	if node == nil || node.Kind == 0 {
		return base.clone(), nil
	}
	raw, err := yaml.Marshal(node)
	if err != nil {
		return Params{}, fmt.Errorf("encode params: %w", err)
	}
	return DecodeParams(bytes.NewReader(raw), base)
}
