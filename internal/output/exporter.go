// Package output writes snapshots of the stored point values.
package output

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"modbus-gateway/internal/store"
)

// Record is one exported point value.
type Record struct {
	Key       string    `json:"key"`
	Payload   string    `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// Records converts stored rows, keeping their order.
func Records(rows []store.LatestValue) []Record {
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = Record{Key: r.Key, Payload: r.Payload, Timestamp: r.Timestamp}
	}
	return out
}

// EncodeJSON writes records as an indented JSON array.
func EncodeJSON(w io.Writer, recs []Record) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(recs); err != nil {
		return fmt.Errorf("encode json: %w", err)
	}
	return nil
}

// EncodeCSV writes records with a key,payload,timestamp header.
func EncodeCSV(w io.Writer, recs []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"key", "payload", "timestamp"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range recs {
		if err := cw.Write([]string{r.Key, r.Payload, r.Timestamp.Format(time.RFC3339Nano)}); err != nil {
			return fmt.Errorf("write record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteJSON writes records to a JSON file with pretty formatting.
func WriteJSON(path string, recs []Record) error {
	return writeFile(path, recs, EncodeJSON)
}

// WriteCSV writes records to a CSV file.
func WriteCSV(path string, recs []Record) error {
	return writeFile(path, recs, EncodeCSV)
}

func writeFile(path string, recs []Record, enc func(io.Writer, []Record) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := enc(f, recs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
