package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"
)

// CSVHeader is the column order of exported history.
var CSVHeader = []string{"timestamp", "temp", "ph", "do", "rpm", "level"}

// CSVTimeLayout renders timestamps as UTC ISO-8601 with milliseconds.
const CSVTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// DefaultCSVName is the suggested file name for downloads.
const DefaultCSVName = "bioreactor_data.csv"

// WriteCSV writes records as CSV. Absent values become empty cells.
func WriteCSV(w io.Writer, records []Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}
	row := make([]string, len(CSVHeader))
	for _, r := range records {
		row[0] = r.Timestamp.UTC().Format(CSVTimeLayout)
		for i, c := range Channels {
			row[i+1] = ""
			if v, ok := r.Value(c); ok {
				row[i+1] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ParseCSV reads records written by WriteCSV.
func ParseCSV(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = len(CSVHeader)
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("csv: missing header")
		}
		return nil, err
	}
	for i, h := range CSVHeader {
		if header[i] != h {
			return nil, fmt.Errorf("csv: column %d is %q, want %q", i, header[i], h)
		}
	}
	var out []Record
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, row[0])
		if err != nil {
			return nil, fmt.Errorf("csv line %d: %w", line, err)
		}
		rec := Record{Timestamp: ts}
		vals := make([]*float64, len(Channels))
		for i := range Channels {
			cell := row[i+1]
			if cell == "" {
				continue
			}
			v, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("csv line %d column %s: %w", line, CSVHeader[i+1], err)
			}
			vals[i] = &v
		}
		rec.Temp, rec.PH, rec.DO, rec.RPM, rec.Level = vals[0], vals[1], vals[2], vals[3], vals[4]
		out = append(out, rec)
	}
}
