package sink

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"time"

	"bioreactor-monitor/internal/telemetry"
)

// ReplayLog replays records from a JSONL log r to writer. A speed >0 scales
// the original pacing; if speed <= 0, no artificial delay is inserted.
func ReplayLog(ctx context.Context, r io.Reader, writer RecordWriter, speed float64) error {
	dec := json.NewDecoder(r)
	var prev time.Time
	for {
		var row telemetry.Record
		if err := dec.Decode(&row); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if !prev.IsZero() && speed > 0 {
			diff := row.Timestamp.Sub(prev)
			if speed != 1 {
				diff = time.Duration(float64(diff) / speed)
			}
			if diff > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(diff):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writer.Write(row); err != nil {
			return err
		}
		prev = row.Timestamp
	}
}

// ReplayLogFile opens a file and replays its records.
func ReplayLogFile(ctx context.Context, path string, writer RecordWriter, speed float64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ReplayLog(ctx, f, writer, speed)
}
