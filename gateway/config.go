package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"cangate/safety"
	"cangate/utils"
)

type logConfig struct {
	File                 string `yaml:"file"`
	Level                string `yaml:"level"`
	Stdout               bool   `yaml:"stdout"`
	utils.RotationConfig `yaml:",inline"`
}

type config struct {
	Mode              string `yaml:"mode"`
	VehicleInterface  string `yaml:"vehicleInterface"`
	UpstreamInterface string `yaml:"upstreamInterface"`
	MetricsAddr       string `yaml:"metricsAddr"`
	// DenyLogPerSecond caps deny log lines. Zero disables them.
	DenyLogPerSecond float64   `yaml:"denyLogPerSecond"`
	Logs             logConfig `yaml:"logs"`
	DecisionLog      logConfig `yaml:"decisionLog"`
	// Params overlays the selected mode's default rule set parameters.
	Params yaml.Node `yaml:"params"`
}

func defaultConfig() config {
	return config{
		Mode:              string(safety.ModeNoOutput),
		VehicleInterface:  "can0",
		UpstreamInterface: "vcan0",
		DenyLogPerSecond:  5,
		Logs: logConfig{
			File:   "cangate.log",
			Level:  "info",
			Stdout: true,
		},
	}
}

// loadConfig reads path over the defaults. An empty path yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c config) validate() error {
	var errs []error
	if strings.TrimSpace(c.Mode) == "" {
		errs = append(errs, errors.New("mode is required"))
	}
	if strings.TrimSpace(c.VehicleInterface) == "" || strings.TrimSpace(c.UpstreamInterface) == "" {
		errs = append(errs, errors.New("vehicleInterface and upstreamInterface are required"))
	}
	if c.VehicleInterface == c.UpstreamInterface {
		errs = append(errs, fmt.Errorf("vehicleInterface and upstreamInterface must differ, both are %q", c.VehicleInterface))
	}
	if c.DenyLogPerSecond < 0 {
		errs = append(errs, fmt.Errorf("denyLogPerSecond must not be negative, got %g", c.DenyLogPerSecond))
	}
	return errors.Join(errs...)
}

// resolveMode selects the configured mode and builds its session parameters.
func (c config) resolveMode(reg *safety.Registry) (safety.Mode, safety.Params, error) {
	mode, err := reg.Select(safety.ModeID(c.Mode))
	if err != nil {
		return safety.Mode{}, safety.Params{}, err
	}
	if mode.Defaults == nil {
		return mode, safety.Params{}, fmt.Errorf("mode %s has no default parameters", mode.ID)
	}
	p, err := safety.OverlayParams(&c.Params, mode.Defaults())
	if err != nil {
		return mode, safety.Params{}, err
	}
	return mode, p, nil
}
