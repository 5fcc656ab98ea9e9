package dynamics

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/san-kum/dynsync/internal/apicall"
	"github.com/san-kum/dynsync/internal/dynamo"
	"github.com/san-kum/dynsync/internal/metrics"
	"github.com/san-kum/dynsync/internal/physics"
)

// DefaultContactRadius is used for bodies without a radius.
const DefaultContactRadius = 0.05

type apiFunc func(b *Backend, args []string) ([]string, error)

var api = map[string]apiFunc{
	"is_mujoco":              func(*Backend, []string) ([]string, error) { return []string{"false"}, nil },
	"get_all_body_names":     (*Backend).bodyNames,
	"get_all_joint_names":    (*Backend).jointNames,
	"get_all_actuator_names": (*Backend).actuatorNames,
	"weld":                   (*Backend).weld,
	"attach":                 (*Backend).weld,
	"unweld":                 (*Backend).unweld,
	"detach":                 (*Backend).unweld,
	"get_contact_bodies":     (*Backend).contactBodies,
	"get_metrics":            (*Backend).metrics,
	"get_params":             (*Backend).params,
	"set_param":              (*Backend).setParam,
}

// Functions lists the API functions the backend answers.
func Functions() []string {
	names := make([]string, 0, len(api))
	for n := range api {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// CallAPI runs one API function. Mutating functions apply to every
// instance; queries answer from instance 0.
func (b *Backend) CallAPI(function string, args []string) ([]string, error) {
	fn, ok := api[function]
	if !ok {
		return nil, apicall.ErrNotImplemented
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scene == nil {
		return nil, ErrNotLoaded
	}
	return fn(b, args)
}

func (b *Backend) bodyNames([]string) ([]string, error) {
	names := make([]string, 0, len(b.scene.Bodies))
	for _, s := range b.scene.Bodies {
		names = append(names, s.Name)
	}
	return names, nil
}

func (b *Backend) jointNames([]string) ([]string, error) {
	names := make([]string, 0, len(b.scene.Joints))
	for _, s := range b.scene.Joints {
		names = append(names, s.Name)
	}
	return names, nil
}

func (b *Backend) actuatorNames([]string) ([]string, error) {
	names := make([]string, 0, len(b.scene.Actuators))
	for _, s := range b.scene.Actuators {
		names = append(names, s.Name)
	}
	return names, nil
}

func (b *Backend) pair(args []string) (parent, child string, err error) {
	if len(args) < 2 {
		return "", "", fmt.Errorf("dynamics: want a parent and a child body, got %d arguments", len(args))
	}
	parent, child = args[0], args[1]
	if parent == child {
		return "", "", fmt.Errorf("dynamics: cannot weld %q to itself", parent)
	}
	w := b.worlds[0]
	for _, name := range []string{parent, child} {
		if _, ok := w.body(name); !ok {
			return "", "", fmt.Errorf("%w: body %q", ErrUnknownObject, name)
		}
	}
	return parent, child, nil
}

// weld pins the child to the parent. Without a pose the child keeps its
// current pose relative to the parent; a pose "x y z qw qx qy qz" in the
// parent frame moves it there. An existing weld of the child is replaced.
func (b *Backend) weld(args []string) ([]string, error) {
	parent, child, err := b.pair(args)
	if err != nil {
		return nil, err
	}
	var pose *weld
	if len(args) > 2 {
		p, err := parsePose(strings.Join(args[2:], " "))
		if err != nil {
			return nil, err
		}
		pose = &p
	}
	for _, w := range b.worlds {
		p, _ := w.body(parent)
		c, _ := w.body(child)
		if pose == nil {
			w.weld(p, c)
			continue
		}
		w.weldAt(p, c, pose.offset, pose.rel)
	}
	return []string{apicall.ResultSuccess}, nil
}

// parsePose reads a position and a unit quaternion.
func parsePose(s string) (weld, error) {
	var wd weld
	fields := strings.Fields(s)
	if len(fields) != 7 {
		return wd, fmt.Errorf("dynamics: pose wants 7 values, got %d", len(fields))
	}
	var v [7]float64
	for i, f := range fields {
		x, err := strconv.ParseFloat(f, 64)
		if err != nil || math.IsNaN(x) || math.IsInf(x, 0) {
			return wd, fmt.Errorf("dynamics: pose value %q is not a number", f)
		}
		v[i] = x
	}
	copy(wd.offset[:], v[:3])
	copy(wd.rel[:], v[3:])
	if wd.rel == ([4]float64{}) {
		return wd, fmt.Errorf("dynamics: pose quaternion is zero")
	}
	wd.rel = physics.Normalize(wd.rel)
	return wd, nil
}

// unweld succeeds whether or not the bodies were welded.
func (b *Backend) unweld(args []string) ([]string, error) {
	parent, child, err := b.pair(args)
	if err != nil {
		return nil, err
	}
	for _, w := range b.worlds {
		p, _ := w.body(parent)
		c, _ := w.body(child)
		w.unweld(p, c)
	}
	return []string{apicall.ResultSuccess}, nil
}

func radius(bd *body) float64 {
	if bd.spec.Radius > 0 {
		return bd.spec.Radius
	}
	return DefaultContactRadius
}

// contactBodies lists the bodies whose contact spheres overlap the given
// one, in scene order.
func (b *Backend) contactBodies(args []string) ([]string, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("dynamics: get_contact_bodies needs a body name")
	}
	w := b.worlds[0]
	self, ok := w.body(args[0])
	if !ok {
		return nil, fmt.Errorf("%w: body %q", ErrUnknownObject, args[0])
	}
	out := []string{}
	for _, other := range w.bodies {
		if other == self {
			continue
		}
		var d2 float64
		for i := 0; i < 3; i++ {
			d := other.x[i] - self.x[i]
			d2 += d * d
		}
		if math.Sqrt(d2) <= radius(self)+radius(other) {
			out = append(out, other.spec.Name)
		}
	}
	return out, nil
}

// metrics reports name=value pairs: control effort per actuator and energy
// drift per joint.
func (b *Backend) metrics([]string) ([]string, error) {
	w := b.worlds[0]
	var out []string
	for _, a := range w.actuators {
		for name, v := range metrics.Snapshot(a.effort) {
			out = append(out, pairString(a.name+"."+name, v))
		}
		out = append(out, pairString(a.name+".peak_effort", a.effort.Peak()))
	}
	for _, j := range w.joints {
		for name, v := range metrics.Snapshot(j.drift) {
			out = append(out, pairString(j.name+"."+name, v))
		}
	}
	sort.Strings(out)
	return out, nil
}

func pairString(name string, v float64) string {
	return name + "=" + strconv.FormatFloat(v, 'g', -1, 64)
}

func (b *Backend) configurable(name string) (dynamo.Configurable, error) {
	return b.worlds[0].configurable(name)
}

// params lists name=value pairs of a joint or actuator.
func (b *Backend) params(args []string) ([]string, error) {
	if len(args) < 1 {
		return nil, fmt.Errorf("dynamics: get_params needs an element name")
	}
	c, err := b.configurable(args[0])
	if err != nil {
		return nil, err
	}
	var out []string
	for k, v := range c.GetParams() {
		out = append(out, pairString(k, v))
	}
	sort.Strings(out)
	return out, nil
}

// setParam takes [element, name, value]. The value is kept as an override,
// so it survives Reset.
func (b *Backend) setParam(args []string) ([]string, error) {
	if len(args) != 3 {
		return nil, fmt.Errorf("dynamics: set_param wants element, name and value, got %d arguments", len(args))
	}
	v, err := strconv.ParseFloat(args[2], 64)
	if err != nil {
		return nil, fmt.Errorf("dynamics: set_param value: %w", err)
	}
	if err := b.override(args[0], args[1], v); err != nil {
		return nil, err
	}
	return []string{apicall.ResultSuccess}, nil
}
