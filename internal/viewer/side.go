package viewer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/san-kum/dynsync/internal/schema"
)

var (
	// ErrNotInitialized is returned before Initialize has been called.
	ErrNotInitialized = errors.New("viewer: buffer not initialized")

	// ErrInstanceRange indicates an instance index outside [0, instances).
	ErrInstanceRange = errors.New("viewer: instance out of range")
)

// Side is one direction of a Buffer.
type Side struct {
	mu      sync.Mutex
	layout  *schema.Layout
	live    [][]float64
	shared  [][]float64
	version uint64
	pulled  uint64
}

func (s *Side) initialize(layout *schema.Layout, instances int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	width := layout.Width()
	s.layout = layout
	s.live = allocRows(instances, width)
	s.shared = allocRows(instances, width)
	for _, f := range layout.Fields() {
		def := schema.DefaultValue(f.Attribute, f.Arity)
		for i := 0; i < instances; i++ {
			copy(s.live[i][f.Offset:f.Offset+f.Arity], def)
			copy(s.shared[i][f.Offset:f.Offset+f.Arity], def)
		}
	}
	s.version = 0
	s.pulled = 0
}

func allocRows(instances, width int) [][]float64 {
	flat := make([]float64, instances*width)
	rows := make([][]float64, instances)
	for i := range rows {
		rows[i] = flat[i*width : (i+1)*width : (i+1)*width]
	}
	return rows
}

// Layout returns the column layout of this side.
func (s *Side) Layout() *schema.Layout {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.layout
}

// Width is the column count.
func (s *Side) Width() int {
	return s.Layout().Width()
}

// Instances is the row count.
func (s *Side) Instances() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Row returns the live row of an instance. Owner goroutine only.
func (s *Side) Row(instance int) []float64 {
	if instance < 0 || instance >= len(s.live) {
		return nil
	}
	return s.live[instance]
}

// Rows returns all live rows. Owner goroutine only.
func (s *Side) Rows() [][]float64 {
	return s.live
}

// View returns the live slice of one attribute. Mutating it mutates the row.
// Owner goroutine only.
func (s *Side) View(object, attribute string, instance int) []float64 {
	row := s.Row(instance)
	if row == nil {
		return nil
	}
	f, ok := s.layout.Lookup(object, attribute)
	if !ok {
		return nil
	}
	return row[f.Offset : f.Offset+f.Arity : f.Offset+f.Arity]
}

// Publish copies the live rows into the shared slot.
func (s *Side) Publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.live {
		copy(s.shared[i], s.live[i])
	}
	s.version++
}

// Pull copies the shared slot into the live rows if it changed since the
// last pull. It reports whether anything was copied.
func (s *Side) Pull() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.version == s.pulled {
		return false
	}
	for i := range s.live {
		copy(s.live[i], s.shared[i])
	}
	s.pulled = s.version
	return true
}

// Snapshot returns a copy of the shared slot.
func (s *Side) Snapshot() [][]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]float64, len(s.shared))
	for i, row := range s.shared {
		out[i] = append([]float64(nil), row...)
	}
	return out
}

// SnapshotRow returns a copy of one shared row.
func (s *Side) SnapshotRow(instance int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layout == nil {
		return nil, ErrNotInitialized
	}
	if instance < 0 || instance >= len(s.shared) {
		return nil, fmt.Errorf("%w: %d", ErrInstanceRange, instance)
	}
	return append([]float64(nil), s.shared[instance]...), nil
}

// SnapshotValue returns a copy of one attribute from the shared slot.
func (s *Side) SnapshotValue(object, attribute string, instance int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.field(object, attribute, instance)
	if err != nil {
		return nil, err
	}
	return append([]float64(nil), s.shared[instance][f.Offset:f.Offset+f.Arity]...), nil
}

// Load replaces the shared slot with rows. Row count and width must match.
func (s *Side) Load(rows [][]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layout == nil {
		return ErrNotInitialized
	}
	if len(rows) != len(s.shared) {
		return &schema.MismatchError{Attribute: "instances", Want: len(s.shared), Got: len(rows), Wrapped: schema.ErrSchemaMismatch}
	}
	for i, row := range rows {
		if len(row) != len(s.shared[i]) {
			return &schema.MismatchError{Attribute: "row", Want: len(s.shared[i]), Got: len(row), Wrapped: schema.ErrSchemaMismatch}
		}
	}
	for i, row := range rows {
		copy(s.shared[i], row)
	}
	s.version++
	return nil
}

// LoadRow replaces one shared row.
func (s *Side) LoadRow(instance int, row []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.layout == nil {
		return ErrNotInitialized
	}
	if instance < 0 || instance >= len(s.shared) {
		return fmt.Errorf("%w: %d", ErrInstanceRange, instance)
	}
	if len(row) != len(s.shared[instance]) {
		return &schema.MismatchError{Attribute: "row", Want: len(s.shared[instance]), Got: len(row), Wrapped: schema.ErrSchemaMismatch}
	}
	copy(s.shared[instance], row)
	s.version++
	return nil
}

// LoadValue replaces one attribute in the shared slot.
func (s *Side) LoadValue(object, attribute string, instance int, values []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.field(object, attribute, instance)
	if err != nil {
		return err
	}
	if len(values) != f.Arity {
		return &schema.MismatchError{Object: object, Attribute: attribute, Want: f.Arity, Got: len(values), Wrapped: schema.ErrSchemaMismatch}
	}
	copy(s.shared[instance][f.Offset:], values)
	s.version++
	return nil
}

func (s *Side) field(object, attribute string, instance int) (schema.Field, error) {
	if s.layout == nil {
		return schema.Field{}, ErrNotInitialized
	}
	if instance < 0 || instance >= len(s.shared) {
		return schema.Field{}, fmt.Errorf("%w: %d", ErrInstanceRange, instance)
	}
	f, ok := s.layout.Lookup(object, attribute)
	if !ok {
		return schema.Field{}, &schema.MismatchError{Object: object, Attribute: attribute, Wrapped: schema.ErrSchemaMismatch}
	}
	return f, nil
}
