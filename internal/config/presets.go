package config

import (
	"sort"
	"time"

	"github.com/san-kum/dynsync/internal/engine"
)

// Presets are named simulation profiles applied over a loaded config.
var Presets = map[string]SimulationConfig{
	"realtime": {
		StepSize: 1e-3, RealTimeFactor: 1,
	},
	"fast": {
		StepSize: 1e-3, RealTimeFactor: -1, Headless: true,
	},
	"coarse": {
		StepSize: 1e-2, RealTimeFactor: 1,
	},
	"batch": {
		StepSize: 1e-3, RealTimeFactor: -1, Headless: true, Instances: 8,
		Constraints: engine.Constraints{MaxSimulationTime: 10},
	},
	"smoke": {
		StepSize: 1e-2, RealTimeFactor: -1, Headless: true,
		Constraints: engine.Constraints{MaxNumberOfSteps: 100, MaxRealTime: 5 * time.Second},
	},
}

func GetPreset(name string) *SimulationConfig {
	p, ok := Presets[name]
	if !ok {
		return nil
	}
	return &p
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ApplyPreset copies the pacing fields of a preset into cfg. Scene, name
// and declarations are left alone.
func (c *Config) ApplyPreset(name string) bool {
	p := GetPreset(name)
	if p == nil {
		return false
	}
	s := &c.Simulation
	s.StepSize = p.StepSize
	s.RealTimeFactor = p.RealTimeFactor
	s.Headless = p.Headless
	if p.Instances > 0 {
		s.Instances = p.Instances
	}
	s.Constraints = p.Constraints
	return true
}
