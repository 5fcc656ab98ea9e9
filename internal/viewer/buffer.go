package viewer

import (
	"errors"
	"fmt"

	"github.com/san-kum/dynsync/internal/schema"
)

// ErrInstances is returned for an instance count below one.
var ErrInstances = errors.New("viewer: instances must be at least 1")

// Buffer pairs a write side and a read side with a fixed instance count.
type Buffer struct {
	write Side
	read  Side
}

// New returns an uninitialized buffer.
func New() *Buffer {
	return &Buffer{}
}

// Initialize sizes both sides for the given layouts and fills them with
// attribute defaults. It may be called again to reshape the buffer.
func (b *Buffer) Initialize(write, read *schema.Layout, instances int) error {
	if instances < 1 {
		return fmt.Errorf("%w: got %d", ErrInstances, instances)
	}
	if write == nil || read == nil {
		return errors.New("viewer: nil layout")
	}
	b.write.initialize(write, instances)
	b.read.initialize(read, instances)
	return nil
}

// InitializeDeclarations builds layouts from declarations and initializes
// the buffer.
func (b *Buffer) InitializeDeclarations(s *schema.Schema, write, read *schema.Declarations, instances int) error {
	wl, err := schema.NewLayout(s, write)
	if err != nil {
		return fmt.Errorf("write layout: %w", err)
	}
	rl, err := schema.NewLayout(s, read)
	if err != nil {
		return fmt.Errorf("read layout: %w", err)
	}
	return b.Initialize(wl, rl, instances)
}

// Write is the side carrying values into the owner.
func (b *Buffer) Write() *Side { return &b.write }

// Read is the side carrying values out of the owner.
func (b *Buffer) Read() *Side { return &b.read }

// Instances reports the number of rows per side.
func (b *Buffer) Instances() int { return b.write.Instances() }

// WriteRow loads instance 0 of the write side.
func (b *Buffer) WriteRow(values []float64) error {
	return b.write.LoadRow(0, values)
}

// ReadRow copies instance 0 of the read side.
func (b *Buffer) ReadRow() ([]float64, error) {
	return b.read.SnapshotRow(0)
}
