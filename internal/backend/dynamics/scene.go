package dynamics

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/san-kum/dynsync/internal/integrators"
)

// ErrScene reports an unusable scene description.
var ErrScene = errors.New("dynamics: invalid scene")

// Scene is the YAML description of everything a backend simulates.
type Scene struct {
	Integrator string         `yaml:"integrator"`
	Gravity    *float64       `yaml:"gravity,omitempty"`
	Bodies     []BodySpec     `yaml:"bodies"`
	Joints     []JointSpec    `yaml:"joints"`
	Actuators  []ActuatorSpec `yaml:"actuators"`
}

// BodySpec is a free rigid body.
type BodySpec struct {
	Name            string     `yaml:"name"`
	Mass            float64    `yaml:"mass"`
	Inertia         [3]float64 `yaml:"inertia"`
	Radius          float64    `yaml:"radius"`
	Position        [3]float64 `yaml:"position"`
	Quaternion      [4]float64 `yaml:"quaternion"`
	LinearVelocity  [3]float64 `yaml:"linear_velocity"`
	AngularVelocity [3]float64 `yaml:"angular_velocity"`
	// Fixed bodies never move unless written.
	Fixed          bool    `yaml:"fixed"`
	NoGravity      bool    `yaml:"no_gravity"`
	LinearDamping  float64 `yaml:"linear_damping"`
	AngularDamping float64 `yaml:"angular_damping"`
}

// Joint types.
const (
	Revolute  = "revolute"
	Prismatic = "prismatic"
)

// JointSpec is a one-degree-of-freedom joint.
type JointSpec struct {
	Name      string  `yaml:"name"`
	Type      string  `yaml:"type"`
	Mass      float64 `yaml:"mass"`
	Length    float64 `yaml:"length"`
	Stiffness float64 `yaml:"stiffness"`
	Damping   float64 `yaml:"damping"`
	Rest      float64 `yaml:"rest"`
	Value     float64 `yaml:"value"`
	Velocity  float64 `yaml:"velocity"`
}

// ActuatorSpec drives a joint towards its command with a PID loop.
type ActuatorSpec struct {
	Name  string  `yaml:"name"`
	Joint string  `yaml:"joint"`
	Kp    float64 `yaml:"kp"`
	Ki    float64 `yaml:"ki"`
	Kd    float64 `yaml:"kd"`
	Limit float64 `yaml:"limit"`
}

// LoadScene reads and validates a scene file.
func LoadScene(path string) (*Scene, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dynamics: read scene: %w", err)
	}
	return ParseScene(data)
}

// ParseScene decodes and validates a scene document.
func ParseScene(data []byte) (*Scene, error) {
	var s Scene
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrScene, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks names, types and references and fills defaults.
func (s *Scene) Validate() error {
	if _, err := integrators.New(s.Integrator); err != nil {
		return fmt.Errorf("%w: %v", ErrScene, err)
	}
	if s.Integrator == "" {
		s.Integrator = integrators.Default
	}
	names := make(map[string]string)
	claim := func(name, kind string) error {
		if name == "" {
			return fmt.Errorf("%w: %s without a name", ErrScene, kind)
		}
		if prev, ok := names[name]; ok {
			return fmt.Errorf("%w: %q is both a %s and a %s", ErrScene, name, prev, kind)
		}
		names[name] = kind
		return nil
	}
	for i := range s.Bodies {
		b := &s.Bodies[i]
		if err := claim(b.Name, "body"); err != nil {
			return err
		}
		if b.Mass == 0 {
			b.Mass = 1
		}
		if b.Mass < 0 {
			return fmt.Errorf("%w: body %q has negative mass", ErrScene, b.Name)
		}
		if b.Inertia == [3]float64{} {
			b.Inertia = [3]float64{0.1, 0.1, 0.1}
		}
		if b.Quaternion == [4]float64{} {
			b.Quaternion = [4]float64{1, 0, 0, 0}
		}
	}
	joints := make(map[string]string)
	for i := range s.Joints {
		j := &s.Joints[i]
		if err := claim(j.Name, "joint"); err != nil {
			return err
		}
		switch j.Type {
		case Revolute, Prismatic:
		case "":
			j.Type = Revolute
		default:
			return fmt.Errorf("%w: joint %q has unknown type %q", ErrScene, j.Name, j.Type)
		}
		if j.Mass <= 0 {
			j.Mass = 1
		}
		if j.Type == Revolute && j.Length <= 0 {
			j.Length = 1
		}
		joints[j.Name] = j.Type
	}
	driven := make(map[string]bool)
	for i := range s.Actuators {
		a := &s.Actuators[i]
		if err := claim(a.Name, "actuator"); err != nil {
			return err
		}
		if _, ok := joints[a.Joint]; !ok {
			return fmt.Errorf("%w: actuator %q drives unknown joint %q", ErrScene, a.Name, a.Joint)
		}
		if driven[a.Joint] {
			return fmt.Errorf("%w: joint %q has more than one actuator", ErrScene, a.Joint)
		}
		driven[a.Joint] = true
	}
	return nil
}
