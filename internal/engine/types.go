package engine

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/schema"
)

// State is the lifecycle state of an Engine.
type State int

const (
	StateStopped State = iota
	StateRunning
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateRunning:
		return "RUNNING"
	case StatePaused:
		return "PAUSED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StopReason records why a run ended.
type StopReason int

const (
	StopReasonNone StopReason = iota
	StopReasonStop
	StopReasonMaxNumberOfSteps
	StopReasonMaxSimulationTime
	StopReasonMaxRealTime
	StopReasonViewerIsClosed
	StopReasonError
)

func (r StopReason) String() string {
	switch r {
	case StopReasonNone:
		return "NONE"
	case StopReasonStop:
		return "STOP"
	case StopReasonMaxNumberOfSteps:
		return "MAX_NUMBER_OF_STEPS"
	case StopReasonMaxSimulationTime:
		return "MAX_SIMULATION_TIME"
	case StopReasonMaxRealTime:
		return "MAX_REAL_TIME"
	case StopReasonViewerIsClosed:
		return "VIEWER_IS_CLOSED"
	case StopReasonError:
		return "ERROR"
	}
	return fmt.Sprintf("StopReason(%d)", int(r))
}

// Constraints end a run when reached. Zero fields are unset.
type Constraints struct {
	MaxNumberOfSteps  int           `yaml:"max_number_of_steps"`
	MaxSimulationTime float64       `yaml:"max_simulation_time"`
	MaxRealTime       time.Duration `yaml:"max_real_time"`
}

// IsZero reports whether no constraint is set.
func (c Constraints) IsZero() bool {
	return c.MaxNumberOfSteps <= 0 && c.MaxSimulationTime <= 0 && c.MaxRealTime <= 0
}

// Backend is the simulator the engine drives. The engine never interprets
// the numbers it moves; instance indexes run over [0, instances).
type Backend interface {
	Load(path string, instances int) error
	Step(dt float64) error
	Reset() error
	ReadAttribute(object, attribute string, instance int, dst []float64) error
	WriteAttribute(object, attribute string, instance int, values []float64) error
	// CallAPI serves API callbacks addressed to the engine's namespace.
	// Unknown functions return apicall.ErrNotImplemented.
	CallAPI(function string, args []string) ([]string, error)
}

// View is something a person watches the simulation through. Closing it
// ends an unconstrained run.
type View interface {
	IsRunning() bool
	Close()
}

// HeadlessView is a View with nothing to show. It runs until closed.
type HeadlessView struct {
	mu     sync.Mutex
	closed bool
}

func (v *HeadlessView) IsRunning() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return !v.closed
}

func (v *HeadlessView) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
}

// Open makes a closed view run again; the engine calls it on Start.
func (v *HeadlessView) Open() {
	v.mu.Lock()
	v.closed = false
	v.mu.Unlock()
}

// Options configure an Engine.
type Options struct {
	// Name is the simulation name and the API namespace of the engine.
	Name string
	// File is passed to Backend.Load.
	File     string
	StepSize float64
	// RealTimeFactor paces threaded runs: 1 is real time, 2 twice as fast.
	// Negative runs as fast as possible; zero means 1.
	RealTimeFactor float64
	// Headless ignores View and runs without one.
	Headless  bool
	Instances int
	// Write and Read declare the viewer layout: values flowing into and out
	// of the backend.
	Write *schema.Declarations
	Read  *schema.Declarations

	Schema   *schema.Schema
	Registry *apicall.Registry
	View     View
	Logger   *log.Logger
}

// DefaultStepSize is used when Options.StepSize is zero.
const DefaultStepSize = 1e-3

func (o *Options) setDefaults() {
	if o.Name == "" {
		o.Name = "simulation"
	}
	if o.StepSize == 0 {
		o.StepSize = DefaultStepSize
	}
	if o.RealTimeFactor == 0 {
		o.RealTimeFactor = 1
	}
	if o.Instances == 0 {
		o.Instances = 1
	}
	if o.Write == nil {
		o.Write = schema.NewDeclarations()
	}
	if o.Read == nil {
		o.Read = schema.NewDeclarations()
	}
	if o.Schema == nil {
		o.Schema = schema.Default()
	}
	if o.Logger == nil {
		o.Logger = log.Default()
	}
	if o.Registry == nil {
		o.Registry = apicall.NewRegistry(o.Logger)
	}
	if o.Headless || o.View == nil {
		o.View = &HeadlessView{}
	}
}

// StartOptions configure one run.
type StartOptions struct {
	Constraints Constraints
	// RunInThread steps on a dedicated goroutine. Without it the caller
	// drives the run with Step.
	RunInThread bool
}

// Stats is a point-in-time view of a run.
type Stats struct {
	State          State
	StopReason     StopReason
	Steps          int
	SimulationTime float64
	RealTime       time.Duration
	RealTimeFactor float64
	StepsPerSecond float64
}
