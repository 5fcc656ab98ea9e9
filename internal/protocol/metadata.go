package protocol

import (
	"fmt"
	"strings"
)

// Handedness values as they appear on the wire.
const (
	RightHanded = "rhs"
	LeftHanded  = "lhs"
)

// MetaData identifies a session and the units its numbers are expressed in.
// Units are tags; nothing here converts them.
type MetaData struct {
	WorldName      string `json:"world_name" yaml:"world_name"`
	SimulationName string `json:"simulation_name" yaml:"simulation_name"`
	LengthUnit     string `json:"length_unit" yaml:"length_unit"`
	AngleUnit      string `json:"angle_unit" yaml:"angle_unit"`
	MassUnit       string `json:"mass_unit" yaml:"mass_unit"`
	TimeUnit       string `json:"time_unit" yaml:"time_unit"`
	Handedness     string `json:"handedness" yaml:"handedness"`
}

// DefaultMetaData returns SI units in a right-handed world named "world".
func DefaultMetaData() MetaData {
	return MetaData{
		WorldName:  "world",
		LengthUnit: "m",
		AngleUnit:  "rad",
		MassUnit:   "kg",
		TimeUnit:   "s",
		Handedness: RightHanded,
	}
}

// NormalizeHandedness maps accepted spellings to the wire form.
func NormalizeHandedness(h string) (string, error) {
	switch strings.ToLower(h) {
	case "", RightHanded, "right":
		return RightHanded, nil
	case LeftHanded, "left":
		return LeftHanded, nil
	}
	return "", fmt.Errorf("protocol: unknown handedness %q", h)
}

// Validate checks the session identity and normalizes handedness in place.
func (m *MetaData) Validate() error {
	if m.WorldName == "" {
		return malformed("meta_data", "world_name is empty")
	}
	if m.SimulationName == "" {
		return malformed("meta_data", "simulation_name is empty")
	}
	h, err := NormalizeHandedness(m.Handedness)
	if err != nil {
		return &MalformedError{Field: "meta_data", Reason: "handedness", Err: err}
	}
	m.Handedness = h
	return nil
}

// SameSession reports whether two meta-data blocks name the same world and
// simulation.
func (m MetaData) SameSession(o MetaData) bool {
	return m.WorldName == o.WorldName && m.SimulationName == o.SimulationName
}
