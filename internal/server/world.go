package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/san-kum/dynsync/internal/schema"
)

// ErrClaimed is returned when an attribute is already sent by another session.
var ErrClaimed = errors.New("server: attribute already sent by another client")

type attribute struct {
	values []float64
	owner  string
}

type object struct {
	attrs map[string]*attribute
	order []string
}

// World holds the latest value of every attribute sent into it and the
// world clock.
type World struct {
	name string

	mu      sync.RWMutex
	objects map[string]*object
	order   []string
	time    float64
}

func newWorld(name string) *World {
	return &World{name: name, objects: make(map[string]*object)}
}

// Name is the world name.
func (w *World) Name() string { return w.name }

// Time is the world clock.
func (w *World) Time() float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.time
}

// Tick moves the clock. Zero resets it; otherwise it only moves forward.
func (w *World) Tick(t float64) float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case t == 0:
		w.time = 0
	case t > w.time:
		w.time = t
	}
	return w.time
}

func (w *World) object(name string) *object {
	o, ok := w.objects[name]
	if !ok {
		o = &object{attrs: make(map[string]*attribute)}
		w.objects[name] = o
		w.order = append(w.order, name)
	}
	return o
}

// Claim makes session the sender of the declared attributes. Missing
// attributes start at their default value; existing values are kept. Either
// every attribute is claimed or none is.
func (w *World) Claim(session string, s *schema.Schema, d *schema.Declarations) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, obj := range d.Objects() {
		if obj == schema.Wildcard {
			return fmt.Errorf("server: %q is not allowed in send", schema.Wildcard)
		}
		for _, attr := range d.Attributes(obj) {
			if _, ok := s.Arity(attr); !ok {
				return &schema.MismatchError{Object: obj, Attribute: attr, Wrapped: schema.ErrUnknownAttribute}
			}
			if o, ok := w.objects[obj]; ok {
				if a, ok := o.attrs[attr]; ok && a.owner != "" && a.owner != session {
					return fmt.Errorf("%w: %s.%s", ErrClaimed, obj, attr)
				}
			}
		}
	}
	for _, obj := range d.Objects() {
		o := w.object(obj)
		for _, attr := range d.Attributes(obj) {
			a, ok := o.attrs[attr]
			if !ok {
				n, _ := s.Arity(attr)
				a = &attribute{values: schema.DefaultValue(attr, n)}
				o.attrs[attr] = a
				o.order = append(o.order, attr)
			}
			a.owner = session
		}
	}
	return nil
}

// Release drops every claim of session. Values stay in the world.
func (w *World) Release(session string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, o := range w.objects {
		for _, a := range o.attrs {
			if a.owner == session {
				a.owner = ""
			}
		}
	}
}

// Set stores values of an attribute the caller has claimed.
func (w *World) Set(object, attr string, values []float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	a, ok := w.object(object).attrs[attr]
	if !ok {
		a = &attribute{}
		o := w.objects[object]
		o.attrs[attr] = a
		o.order = append(o.order, attr)
	}
	a.values = append(a.values[:0], values...)
}

// Get copies the value of object.attribute into dst and reports whether it
// exists.
func (w *World) Get(object, attr string, dst []float64) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	o, ok := w.objects[object]
	if !ok {
		return false
	}
	a, ok := o.attrs[attr]
	if !ok || len(a.values) != len(dst) {
		return false
	}
	copy(dst, a.values)
	return true
}

// Objects lists objects in first-seen order.
func (w *World) Objects() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append([]string(nil), w.order...)
}

// Attributes lists the attributes of an object in first-seen order.
func (w *World) Attributes(object string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if o, ok := w.objects[object]; ok {
		return append([]string(nil), o.order...)
	}
	return nil
}

// Expand resolves the wildcard object against the world: every known object
// carrying one of the requested attributes is listed with those it has.
// Explicit objects pass through unchanged.
func (w *World) Expand(d *schema.Declarations) *schema.Declarations {
	if !d.Has(schema.Wildcard) {
		return d
	}
	out := schema.NewDeclarations()
	want := d.Attributes(schema.Wildcard)
	w.mu.RLock()
	for _, name := range w.order {
		if d.Has(name) {
			continue
		}
		o := w.objects[name]
		var attrs []string
		for _, attr := range want {
			if _, ok := o.attrs[attr]; ok {
				attrs = append(attrs, attr)
			}
		}
		if len(attrs) > 0 {
			out.Set(name, attrs...)
		}
	}
	w.mu.RUnlock()
	for _, obj := range d.Objects() {
		if obj != schema.Wildcard {
			out.Set(obj, d.Attributes(obj)...)
		}
	}
	return out
}

// Store holds worlds by name.
type Store struct {
	mu     sync.Mutex
	worlds map[string]*World
}

func NewStore() *Store {
	return &Store{worlds: make(map[string]*World)}
}

// World returns the named world, creating it on first use.
func (s *Store) World(name string) *World {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.worlds[name]
	if !ok {
		w = newWorld(name)
		s.worlds[name] = w
	}
	return w
}

// Names lists the worlds in lexical order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.worlds))
	for n := range s.worlds {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
