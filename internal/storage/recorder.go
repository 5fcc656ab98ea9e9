package storage

import (
	"sync"

	"github.com/san-kum/dynsync/internal/protocol"
)

// Recorder collects frames from concurrent producers.
type Recorder struct {
	mu  sync.Mutex
	rec Recording
}

func NewRecorder(meta Metadata) *Recorder {
	return &Recorder{rec: Recording{Metadata: meta}}
}

// ForClient prepares a recorder for the receive side of a negotiated
// client: one column per received value.
func ForClient(c *protocol.Client, source string) *Recorder {
	var md protocol.MetaData
	c.UpdateRequest(func(r *protocol.Request) { md = r.MetaData })
	_, recv := c.Layouts()
	meta := Metadata{World: md.WorldName, Simulation: md.SimulationName, Source: source}
	if recv != nil {
		meta.Columns = recv.ColumnNames()
	}
	return NewRecorder(meta)
}

func (r *Recorder) Add(t float64, row []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Append(t, row)
}

// AddFrame adds a [time] ++ values row as returned by Client.ReceiveData.
func (r *Recorder) AddFrame(frame []float64) error {
	if len(frame) == 0 {
		return ErrFrameWidth
	}
	return r.Add(frame[0], frame[1:])
}

func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rec.Times)
}

// Recording returns a copy of what has been collected.
func (r *Recorder) Recording() *Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.rec
	out.Columns = append([]string(nil), r.rec.Columns...)
	out.Times = append([]float64(nil), r.rec.Times...)
	out.Rows = append([][]float64(nil), r.rec.Rows...)
	return &out
}
