package telemetry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotObject is returned for well-formed JSON that is not an object.
var ErrNotObject = errors.New("telemetry: frame is not a JSON object")

// Frame is a decoded inbound message.
type Frame struct {
	Record  Record
	NetInfo *NetInfo
}

// DecodeFrame parses an inbound device frame received at now. Numeric keys
// holding non-numbers and toggle keys holding non-booleans are treated as
// absent; unparseable payloads return an error.
func DecodeFrame(data []byte, now time.Time) (Frame, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		if json.Valid(data) {
			return Frame{}, ErrNotObject
		}
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if fields == nil {
		return Frame{}, ErrNotObject
	}

	f := Frame{Record: Record{Timestamp: now, Source: SourceLive}}
	f.Record.Temp = number(fields["temp"])
	f.Record.PH = number(fields["ph"])
	f.Record.DO = number(fields["do"])
	f.Record.RPM = number(fields["rpm"])
	f.Record.Level = number(fields["level"])
	f.Record.Heater = boolean(fields["heater"])
	f.Record.Aeration = boolean(fields["aeration"])
	f.Record.Agitator = boolean(fields["agitator"])

	if raw, ok := fields["netInfo"]; ok && !isNull(raw) {
		var ni NetInfo
		if err := json.Unmarshal(raw, &ni); err == nil {
			f.NetInfo = &ni
		}
	}
	return f, nil
}

func number(raw json.RawMessage) *float64 {
	if raw == nil || isNull(raw) {
		return nil
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func boolean(raw json.RawMessage) *bool {
	if raw == nil || isNull(raw) {
		return nil
	}
	var v bool
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return &v
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
