package sink

import (
	"encoding/json"
	"os"
	"sync"

	"bioreactor-monitor/internal/safety"
	"bioreactor-monitor/internal/telemetry"
)

// FileWriter writes records and alarms to JSONL files.
type FileWriter struct {
	mu        sync.Mutex
	recFile   *os.File
	alarmFile *os.File
	recEnc    *json.Encoder
	alarmEnc  *json.Encoder
}

// NewFileWriter creates a FileWriter. alarmPath may be empty to skip alarms.
func NewFileWriter(recordPath, alarmPath string) (*FileWriter, error) {
	rf, err := os.Create(recordPath)
	if err != nil {
		return nil, err
	}
	fw := &FileWriter{recFile: rf, recEnc: json.NewEncoder(rf)}
	if alarmPath != "" {
		af, err := os.Create(alarmPath)
		if err != nil {
			rf.Close()
			return nil, err
		}
		fw.alarmFile = af
		fw.alarmEnc = json.NewEncoder(af)
	}
	return fw, nil
}

// AlarmPath returns the alarm log path paired with a record log path.
func AlarmPath(recordPath string) string {
	return recordPath + ".alarms"
}

// Write logs a single record.
func (f *FileWriter) Write(r telemetry.Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recEnc.Encode(r)
}

// WriteBatch logs multiple records.
func (f *FileWriter) WriteBatch(rows []telemetry.Record) error {
	for _, r := range rows {
		if err := f.Write(r); err != nil {
			return err
		}
	}
	return nil
}

// WriteAlarm logs an alarm, if enabled.
func (f *FileWriter) WriteAlarm(a safety.Alarm) error {
	if f.alarmEnc == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alarmEnc.Encode(a)
}

// Close closes any underlying files.
func (f *FileWriter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.recFile != nil {
		if e := f.recFile.Close(); e != nil && err == nil {
			err = e
		}
		f.recFile = nil
	}
	if f.alarmFile != nil {
		if e := f.alarmFile.Close(); e != nil && err == nil {
			err = e
		}
		f.alarmFile = nil
	}
	return err
}
