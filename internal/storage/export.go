package storage

import (
	"encoding/json"
	"io"
	"os"
)

type ExportData struct {
	Metadata
	Times []float64   `json:"times"`
	Rows  [][]float64 `json:"rows"`
}

// ExportJSON writes rec to path, or to stdout when path is "-".
func ExportJSON(path string, rec *Recording) error {
	if path == "-" {
		return WriteJSON(os.Stdout, rec)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	if err := WriteJSON(file, rec); err != nil {
		return err
	}
	return file.Close()
}

func WriteJSON(w io.Writer, rec *Recording) error {
	data := ExportData{Metadata: rec.Metadata, Times: rec.Times, Rows: rec.Rows}
	if data.Times == nil {
		data.Times = []float64{}
		data.Rows = [][]float64{}
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}
