package sink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	gpb "github.com/GreptimeTeam/greptime-proto/go/greptime/v1"
	greptime "github.com/GreptimeTeam/greptimedb-ingester-go"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table"
	"github.com/GreptimeTeam/greptimedb-ingester-go/table/types"

	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
)

type greptimeClient interface {
	Write(ctx context.Context, tables ...*table.Table) (*gpb.GreptimeResponse, error)
}

// GreptimeDBWriter writes records and alarms to GreptimeDB via the ingester
// client. Tables are created on first insert.
type GreptimeDBWriter struct {
	client     greptimeClient
	table      string
	alarmTable string
	timeout    time.Duration
	log        *slog.Logger
}

// NewGreptimeDBWriter connects to host:port and targets database.
func NewGreptimeDBWriter(host string, port int, database, recordTable, alarmTable string, log *slog.Logger) (*GreptimeDBWriter, error) {
	cfg := greptime.NewConfig(host).WithPort(port).WithDatabase(database)
	client, err := greptime.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("greptime client: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &GreptimeDBWriter{
		client:     client,
		table:      recordTable,
		alarmTable: alarmTable,
		timeout:    5 * time.Second,
		log:        log,
	}, nil
}

// Write inserts a single record.
func (w *GreptimeDBWriter) Write(r telemetry.Record) error {
	return w.WriteBatch([]telemetry.Record{r})
}

type column struct {
	name string
	get  func(telemetry.Record) any
}

func floatCol(name string, f func(telemetry.Record) *float64) column {
	return column{name, func(r telemetry.Record) any {
		if p := f(r); p != nil {
			return *p
		}
		return nil
	}}
}

func boolCol(name string, f func(telemetry.Record) *bool) column {
	return column{name, func(r telemetry.Record) any {
		if p := f(r); p != nil {
			return *p
		}
		return nil
	}}
}

var recordFields = []column{
	floatCol("temp", func(r telemetry.Record) *float64 { return r.Temp }),
	floatCol("ph", func(r telemetry.Record) *float64 { return r.PH }),
	floatCol("do", func(r telemetry.Record) *float64 { return r.DO }),
	floatCol("rpm", func(r telemetry.Record) *float64 { return r.RPM }),
	floatCol("level", func(r telemetry.Record) *float64 { return r.Level }),
	boolCol("heater", func(r telemetry.Record) *bool { return r.Heater }),
	boolCol("aeration", func(r telemetry.Record) *bool { return r.Aeration }),
	boolCol("agitator", func(r telemetry.Record) *bool { return r.Agitator }),
}

// shape is a bitmask of the optional fields a record carries. Records with
// the same shape share one table write.
func shape(r telemetry.Record) uint {
	var s uint
	for i, c := range recordFields {
		if c.get(r) != nil {
			s |= 1 << i
		}
	}
	return s
}

func (w *GreptimeDBWriter) recordTable(s uint) (*table.Table, error) {
	tbl, err := table.New(w.table)
	if err != nil {
		return nil, err
	}
	if err := tbl.AddTagColumn("source", types.STRING); err != nil {
		return nil, err
	}
	for i, c := range recordFields {
		if s&(1<<i) == 0 {
			continue
		}
		typ := types.FLOAT64
		if i >= 5 {
			typ = types.BOOLEAN
		}
		if err := tbl.AddFieldColumn(c.name, typ); err != nil {
			return nil, err
		}
	}
	if err := tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND); err != nil {
		return nil, err
	}
	return tbl, nil
}

// WriteBatch inserts multiple records.
func (w *GreptimeDBWriter) WriteBatch(rows []telemetry.Record) error {
	if len(rows) == 0 {
		return nil
	}
	byShape := map[uint]*table.Table{}
	var order []*table.Table
	for _, r := range rows {
		s := shape(r)
		tbl, ok := byShape[s]
		if !ok {
			var err error
			if tbl, err = w.recordTable(s); err != nil {
				return err
			}
			byShape[s] = tbl
			order = append(order, tbl)
		}
		vals := []any{string(r.Source)}
		for _, c := range recordFields {
			if v := c.get(r); v != nil {
				vals = append(vals, v)
			}
		}
		vals = append(vals, r.Timestamp)
		if err := tbl.AddRow(vals...); err != nil {
			return err
		}
	}
	return w.write(order, len(rows))
}

// WriteAlarm inserts an alarm row.
func (w *GreptimeDBWriter) WriteAlarm(a safety.Alarm) error {
	tbl, err := table.New(w.alarmTable)
	if err != nil {
		return err
	}
	tbl.AddTagColumn("channel", types.STRING)
	tbl.AddFieldColumn("alarm_id", types.STRING)
	tbl.AddFieldColumn("value", types.FLOAT64)
	tbl.AddFieldColumn("message", types.STRING)
	tbl.AddTimestampColumn("ts", types.TIMESTAMP_MILLISECOND)
	if err := tbl.AddRow(string(a.Channel), a.ID, a.Value, a.Message, a.Timestamp); err != nil {
		return err
	}
	return w.write([]*table.Table{tbl}, 1)
}

func (w *GreptimeDBWriter) write(tables []*table.Table, n int) error {
	log := w.log
	if log == nil {
		log = slog.Default()
	}
	timeout := w.timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if _, err := w.client.Write(ctx, tables...); err != nil {
		log.Error("greptime write failed", "err", err)
		return err
	}
	log.Debug("greptime wrote rows", "rows", n)
	return nil
}
