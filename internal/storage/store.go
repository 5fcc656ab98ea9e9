// Package storage keeps recordings of exchanged data frames on disk, one
// directory per recording holding metadata.json and frames.csv.
package storage

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound   = errors.New("storage: recording not found")
	ErrFrameWidth = errors.New("storage: frame width does not match the columns")
)

const (
	metadataFile = "metadata.json"
	framesFile   = "frames.csv"
)

type Store struct {
	baseDir string
}

func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

func (s *Store) Init() error {
	return os.MkdirAll(s.baseDir, 0755)
}

// Dir is the directory a recording lives in.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.baseDir, id)
}

// Metadata describes a recording. Columns exclude the leading time column.
type Metadata struct {
	ID         string             `json:"id"`
	World      string             `json:"world"`
	Simulation string             `json:"simulation"`
	Source     string             `json:"source"`
	Timestamp  time.Time          `json:"timestamp"`
	Columns    []string           `json:"columns"`
	Frames     int                `json:"frames"`
	Duration   float64            `json:"duration"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// Recording is a metadata block plus its frames.
type Recording struct {
	Metadata
	Times []float64
	Rows  [][]float64
}

// Append adds a frame. The row is copied.
func (r *Recording) Append(t float64, row []float64) error {
	if len(row) != len(r.Columns) {
		return fmt.Errorf("%w: got %d values, want %d", ErrFrameWidth, len(row), len(r.Columns))
	}
	r.Times = append(r.Times, t)
	r.Rows = append(r.Rows, append([]float64(nil), row...))
	return nil
}

// Save writes rec and returns its id, assigning one when empty.
func (s *Store) Save(rec *Recording) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	rec.Frames = len(rec.Times)
	if n := len(rec.Times); n > 0 {
		rec.Duration = rec.Times[n-1] - rec.Times[0]
	}

	dir := s.Dir(rec.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	if err := writeJSON(filepath.Join(dir, metadataFile), rec.Metadata); err != nil {
		return "", err
	}

	f, err := os.Create(filepath.Join(dir, framesFile))
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := writeFrames(f, rec); err != nil {
		return "", err
	}
	return rec.ID, f.Close()
}

func writeFrames(out io.Writer, rec *Recording) error {
	w := csv.NewWriter(out)
	if err := w.Write(append([]string{"time"}, rec.Columns...)); err != nil {
		return err
	}
	record := make([]string, 1+len(rec.Columns))
	for i, row := range rec.Rows {
		record[0] = strconv.FormatFloat(rec.Times[i], 'g', -1, 64)
		for j, v := range row {
			record[j+1] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return f.Close()
}

// List returns every readable recording, newest first.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Metadata{}, nil
		}
		return nil, err
	}

	runs := make([]Metadata, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := s.Load(entry.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *meta)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].Timestamp.After(runs[j].Timestamp)
	})
	return runs, nil
}

func (s *Store) Load(id string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(id), metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, err
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("storage: %s: %w", id, err)
	}
	return &meta, nil
}

// LoadFrames reads a whole recording back.
func (s *Store) LoadFrames(id string) (*Recording, error) {
	meta, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.Dir(id), framesFile))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = 1 + len(meta.Columns)
	r.ReuseRecord = true
	rec := &Recording{Metadata: *meta}
	if _, err := r.Read(); err != nil {
		if err == io.EOF {
			return rec, nil
		}
		return nil, fmt.Errorf("storage: %s header: %w", id, err)
	}
	for line := 2; ; line++ {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("storage: %s: %w", id, err)
		}
		vals := make([]float64, len(record))
		for i, field := range record {
			if vals[i], err = strconv.ParseFloat(field, 64); err != nil {
				return nil, fmt.Errorf("storage: %s line %d: %w", id, line, err)
			}
		}
		rec.Times = append(rec.Times, vals[0])
		rec.Rows = append(rec.Rows, vals[1:])
	}
	return rec, nil
}

// Column returns the time series of one named column.
func (r *Recording) Column(name string) ([]float64, bool) {
	for j, c := range r.Columns {
		if c != name {
			continue
		}
		out := make([]float64, len(r.Rows))
		for i, row := range r.Rows {
			out[i] = row[j]
		}
		return out, true
	}
	return nil, false
}
