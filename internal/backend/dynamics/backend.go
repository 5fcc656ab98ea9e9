// Package dynamics is the reference simulation backend: a YAML scene of
// free bodies, one-degree-of-freedom joints and PID actuators stepped with
// the integrators package. It serves every attribute and API function a
// network-mirrored simulation needs.
package dynamics

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/san-kum/dynsync/internal/dynamo"
)

var (
	// ErrNotLoaded is returned before a scene is loaded.
	ErrNotLoaded = errors.New("dynamics: no scene loaded")

	// ErrUnknownObject names an object missing from the scene.
	ErrUnknownObject = errors.New("dynamics: unknown object")

	// ErrUnsupported is an attribute the object does not carry.
	ErrUnsupported = errors.New("dynamics: unsupported attribute")
)

// Backend simulates one or more independent instances of a scene. All
// methods are safe for concurrent use.
type Backend struct {
	logger *log.Logger

	mu        sync.Mutex
	scene     *Scene
	worlds    []*world
	overrides []override
}

// override is a parameter applied to every instance whenever it is built.
type override struct {
	element, name string
	value         float64
}

// New returns an empty backend. Load or LoadScene must be called first.
func New(logger *log.Logger) *Backend {
	if logger == nil {
		logger = log.Default()
	}
	return &Backend{logger: logger}
}

// Load reads the scene file at path and builds instances copies.
func (b *Backend) Load(path string, instances int) error {
	s, err := LoadScene(path)
	if err != nil {
		return err
	}
	return b.LoadScene(s, instances)
}

// LoadScene builds instances copies of an in-memory scene.
func (b *Backend) LoadScene(s *Scene, instances int) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if instances < 1 {
		instances = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	worlds := make([]*world, instances)
	for i := range worlds {
		w, err := b.build(s)
		if err != nil {
			return err
		}
		worlds[i] = w
	}
	b.scene, b.worlds = s, worlds
	b.logger.Printf("[dynamics] loaded %d bodies, %d joints, %d actuators x%d (%s)",
		len(s.Bodies), len(s.Joints), len(s.Actuators), instances, s.Integrator)
	return nil
}

// Step advances every instance. Instances step in parallel.
func (b *Backend) Step(dt float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scene == nil {
		return ErrNotLoaded
	}
	errs := make([]error, len(b.worlds))
	dynamo.ParallelFor(len(b.worlds), 1, func(start, end int) {
		for i := start; i < end; i++ {
			errs[i] = b.worlds[i].step(dt)
		}
	})
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("instance %d: %w", i, err)
		}
	}
	return nil
}

// Reset rebuilds every instance from the scene. Welds are dropped.
func (b *Backend) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scene == nil {
		return ErrNotLoaded
	}
	for i := range b.worlds {
		w, err := b.build(b.scene)
		if err != nil {
			return err
		}
		b.worlds[i] = w
	}
	return nil
}

// Override sets a joint or actuator parameter that survives Reset. With a
// scene loaded it is applied at once; otherwise on the next load.
func (b *Backend) Override(element, name string, value float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.override(element, name, value)
}

// override is Override with b.mu held. A later value for the same
// parameter replaces the earlier one.
func (b *Backend) override(element, name string, value float64) error {
	for _, w := range b.worlds {
		if err := w.setParam(element, name, value); err != nil {
			return err
		}
	}
	for i, o := range b.overrides {
		if o.element == element && o.name == name {
			b.overrides[i].value = value
			return nil
		}
	}
	b.overrides = append(b.overrides, override{element, name, value})
	return nil
}

// build makes a world from s with the overrides applied. Caller holds b.mu.
func (b *Backend) build(s *Scene) (*world, error) {
	w, err := newWorld(s)
	if err != nil {
		return nil, err
	}
	for _, o := range b.overrides {
		if err := w.setParam(o.element, o.name, o.value); err != nil {
			return nil, fmt.Errorf("override %s.%s: %w", o.element, o.name, err)
		}
	}
	return w, nil
}

// Instances is the number of loaded instances.
func (b *Backend) Instances() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.worlds)
}

func (b *Backend) world(instance int) (*world, error) {
	if b.scene == nil {
		return nil, ErrNotLoaded
	}
	if instance < 0 || instance >= len(b.worlds) {
		return nil, fmt.Errorf("dynamics: instance %d out of range [0, %d)", instance, len(b.worlds))
	}
	return b.worlds[instance], nil
}

func (b *Backend) ReadAttribute(object, attribute string, instance int, dst []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.world(instance)
	if err != nil {
		return err
	}
	el, ok := w.byName[object]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownObject, object)
	}
	src, ok := read(el, attribute)
	if !ok {
		return fmt.Errorf("%w: %s.%s", ErrUnsupported, object, attribute)
	}
	if len(dst) != len(src) {
		return fmt.Errorf("%w: %s.%s has %d components, got %d", ErrUnsupported, object, attribute, len(src), len(dst))
	}
	copy(dst, src)
	return nil
}

func (b *Backend) WriteAttribute(object, attribute string, instance int, values []float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, err := b.world(instance)
	if err != nil {
		return err
	}
	el, ok := w.byName[object]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownObject, object)
	}
	if !write(el, attribute, values) {
		return fmt.Errorf("%w: cannot write %d values to %s.%s", ErrUnsupported, len(values), object, attribute)
	}
	return nil
}
