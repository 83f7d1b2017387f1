// CSV result logs for calibration runs
//
// Copyright (C) 2026  Go Migration Team
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package calibration

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// runLogColumns is the fixed header of a run log. The order is part of
// the file format consumed by downstream analysis scripts.
var runLogColumns = []string{
	"Step",
	"Target_Conc_ppm",
	"Actual_Conc_ppm",
	"Base_Flow",
	"Variable_Flow",
	"Variable_Instrument_Address",
	"Timestamp",
}

const runLogTimeFormat = "2006-01-02T15:04:05.000"

// RunLog appends one row per completed (or cancelled in-progress)
// step to a timestamped CSV file.
type RunLog struct {
	path string
	file *os.File
	w    *csv.Writer
}

// NewRunLog creates the log file in dir, named from the run start time
// so concurrent and historical runs never collide.
func NewRunLog(dir string, start time.Time) (*RunLog, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}
	name := fmt.Sprintf("calibration_%s.csv", start.Format("20060102_150405"))
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create run log %s: %w", path, err)
	}
	l := &RunLog{path: path, file: file, w: csv.NewWriter(file)}
	if err := l.w.Write(runLogColumns); err != nil {
		file.Close()
		return nil, fmt.Errorf("write run log header: %w", err)
	}
	l.w.Flush()
	return l, l.w.Error()
}

// Path returns the log file's location on disk
func (l *RunLog) Path() string {
	return l.path
}

// RunRow is one logged step result. Nil pointer fields mean the value
// could not be measured and are written as empty cells.
type RunRow struct {
	Step         int
	TargetPPM    float64
	ActualPPM    *float64
	BaseFlow     *float64
	VariableFlow *float64
	VariableAddr int
	Time         time.Time
}

func formatOptional(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 4, 64)
}

// Append writes one row and flushes it so a crash mid-run loses at
// most the step in progress.
func (l *RunLog) Append(row RunRow) error {
	record := []string{
		strconv.Itoa(row.Step),
		strconv.FormatFloat(row.TargetPPM, 'f', 4, 64),
		formatOptional(row.ActualPPM),
		formatOptional(row.BaseFlow),
		formatOptional(row.VariableFlow),
		strconv.Itoa(row.VariableAddr),
		row.Time.Format(runLogTimeFormat),
	}
	if err := l.w.Write(record); err != nil {
		return fmt.Errorf("write run log row: %w", err)
	}
	l.w.Flush()
	return l.w.Error()
}

// Close flushes pending rows and closes the file
func (l *RunLog) Close() error {
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}
