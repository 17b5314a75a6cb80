package tessitura

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	Tt "github.com/maroda/tessitura/types"
)

const (
	csvTimeLayout  = "2006-01-02 15:04:05.000"
	jsonTimeLayout = "2006-01-02T15:04:05.000000"
	fileTimeLayout = "20060102_150405"
)

var (
	ErrLoggerActive   = errors.New("data logger already recording")
	ErrLoggerConfig   = errors.New("invalid log configuration")
	ErrUnknownLogItem = errors.New("logged parameter not in registry")
)

// LogWriteError closes the session it happened in
type LogWriteError struct {
	Path string
	Err  error
}

func (e *LogWriteError) Error() string {
	return fmt.Sprintf("log write %s: %v", e.Path, e.Err)
}

func (e *LogWriteError) Unwrap() error { return e.Err }

// LogConfig selects what the data logger records and where
type LogConfig struct {
	Format     Tt.LogFormat
	Path       string   // empty means Dir/dashboard_data_YYYYMMDD_HHMMSS.<format>
	Dir        string   // created when missing
	BufferSize int      // entries held before a flush
	Parameters []string // ids in column order, empty means every parameter
}

type logEntry struct {
	wall    time.Time
	elapsed float64
	values  []float64
	present []bool
}

// logSession exists only while a file is open with its header written
type logSession struct {
	file    *os.File
	path    string
	format  Tt.LogFormat
	limit   int // entries held before a flush
	ids     []string
	start   time.Time
	pending []logEntry
	rows    int
}

// DataLogger writes the latest raw value of selected parameters to disk.
// It is owned by the consumer goroutine.
type DataLogger struct {
	MU      sync.Mutex
	Config  LogConfig
	session *logSession

	// OnFlush reports each written batch
	OnFlush func(rows int, took time.Duration, err error)
}

func NewDataLogger(cfg LogConfig) *DataLogger {
	return &DataLogger{Config: cfg}
}

// Active says whether a session is open
func (dl *DataLogger) Active() bool {
	dl.MU.Lock()
	defer dl.MU.Unlock()
	return dl.session != nil
}

// Path of the open session, empty when idle
func (dl *DataLogger) Path() string {
	dl.MU.Lock()
	defer dl.MU.Unlock()
	if dl.session == nil {
		return ""
	}
	return dl.session.path
}

// AutoPath is the generated file name for a session started at t
func AutoPath(dir string, format Tt.LogFormat, t time.Time) string {
	if dir == "" {
		dir = "logs"
	}
	return filepath.Join(dir, "dashboard_data_"+t.Format(fileTimeLayout)+"."+string(format))
}

// Start opens the file, truncating it, and writes the header.
// Column names come from the registry.
func (dl *DataLogger) Start(reg *Registry) error {
	dl.MU.Lock()
	defer dl.MU.Unlock()

	if dl.session != nil {
		return ErrLoggerActive
	}
	cfg := dl.Config
	if cfg.Format != Tt.LogCSV && cfg.Format != Tt.LogJSONL {
		return fmt.Errorf("%w: format %q", ErrLoggerConfig, cfg.Format)
	}
	if cfg.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer_size must be positive", ErrLoggerConfig)
	}

	snap := reg.Snapshot()
	var params []Parameter
	if len(cfg.Parameters) == 0 {
		params = snap.Parameters()
	} else {
		for _, id := range cfg.Parameters {
			p, ok := snap.Get(id)
			if !ok {
				return fmt.Errorf("%w: %s", ErrUnknownLogItem, id)
			}
			params = append(params, p)
		}
	}

	now := time.Now()
	path := cfg.Path
	if path == "" {
		path = AutoPath(cfg.Dir, cfg.Format, now)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return &LogWriteError{Path: path, Err: err}
		}
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return &LogWriteError{Path: path, Err: err}
	}

	ids := make([]string, len(params))
	for i, p := range params {
		ids[i] = p.ID
	}

	var header []byte
	if cfg.Format == Tt.LogCSV {
		header, err = csvHeader(params)
	} else {
		header = jsonlHeader(ids, now)
	}
	if err == nil {
		_, err = file.Write(header)
	}
	if err == nil {
		err = file.Sync()
	}
	if err != nil {
		file.Close()
		return &LogWriteError{Path: path, Err: err}
	}

	dl.session = &logSession{
		file:    file,
		path:    path,
		format:  cfg.Format,
		limit:   cfg.BufferSize,
		ids:     ids,
		start:   now,
		pending: make([]logEntry, 0, cfg.BufferSize),
	}

	slog.Info("Data logging started",
		slog.String("path", path),
		slog.String("format", string(cfg.Format)),
		slog.Int("parameters", len(ids)))
	return nil
}

// Log buffers one entry of the latest raw values and flushes a full buffer.
// It is a no-op while no session is open.
func (dl *DataLogger) Log(src LatestSource) error {
	dl.MU.Lock()
	defer dl.MU.Unlock()

	s := dl.session
	if s == nil {
		return nil
	}

	now := time.Now()
	e := logEntry{
		wall:    now,
		elapsed: now.Sub(s.start).Seconds(),
		values:  make([]float64, len(s.ids)),
		present: make([]bool, len(s.ids)),
	}
	for i, id := range s.ids {
		if sample, ok := src.Latest(id); ok {
			e.values[i] = sample.Raw
			e.present[i] = true
		}
	}
	s.pending = append(s.pending, e)

	if len(s.pending) >= s.limit {
		return dl.flushLocked()
	}
	return nil
}

// Flush writes and syncs everything buffered
func (dl *DataLogger) Flush() error {
	dl.MU.Lock()
	defer dl.MU.Unlock()
	if dl.session == nil {
		return nil
	}
	return dl.flushLocked()
}

// flushLocked closes the session when the write fails
func (dl *DataLogger) flushLocked() error {
	s := dl.session
	if len(s.pending) == 0 {
		return nil
	}

	_, span := otel.Tracer("tessitura/logger").Start(context.Background(), "logger.flush",
		trace.WithAttributes(
			attribute.String("log.path", s.path),
			attribute.Int("log.rows", len(s.pending))))
	defer span.End()

	began := time.Now()
	var buf bytes.Buffer
	var err error
	if s.format == Tt.LogCSV {
		err = writeCSVRows(&buf, s.pending)
	} else {
		writeJSONLRows(&buf, s.ids, s.pending)
	}
	if err == nil {
		_, err = s.file.Write(buf.Bytes())
	}
	if err == nil {
		err = s.file.Sync()
	}

	rows := len(s.pending)
	if dl.OnFlush != nil {
		dl.OnFlush(rows, time.Since(began), err)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		slog.Error("Data log write failed, closing session", slog.String("path", s.path), slog.Any("Error", err))
		s.file.Close()
		dl.session = nil
		return &LogWriteError{Path: s.path, Err: err}
	}

	s.rows += rows
	s.pending = s.pending[:0]
	return nil
}

// Stop flushes what is left and closes the file. Stopping twice is a no-op.
func (dl *DataLogger) Stop() error {
	dl.MU.Lock()
	defer dl.MU.Unlock()

	s := dl.session
	if s == nil {
		return nil
	}
	if err := dl.flushLocked(); err != nil {
		return err
	}

	dl.session = nil
	if err := s.file.Close(); err != nil {
		return &LogWriteError{Path: s.path, Err: err}
	}
	slog.Info("Data logging stopped", slog.String("path", s.path), slog.Int("rows", s.rows))
	return nil
}

func csvHeader(params []Parameter) ([]byte, error) {
	cols := make([]string, 0, len(params)+2)
	cols = append(cols, "timestamp", "elapsed_time")
	for _, p := range params {
		cols = append(cols, p.ID+"_"+p.Name)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(cols); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func writeCSVRows(buf *bytes.Buffer, entries []logEntry) error {
	w := csv.NewWriter(buf)
	row := make([]string, 0, 8)
	for _, e := range entries {
		row = row[:0]
		row = append(row, e.wall.Format(csvTimeLayout), strconv.FormatFloat(e.elapsed, 'f', 3, 64))
		for i, v := range e.values {
			if e.present[i] {
				row = append(row, strconv.FormatFloat(v, 'f', 6, 64))
			} else {
				row = append(row, "")
			}
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func jsonlHeader(ids []string, start time.Time) []byte {
	var b strings.Builder
	b.WriteString("# Tessitura telemetry log\n")
	b.WriteString("# format: jsonl\n")
	b.WriteString("# parameters: " + strings.Join(ids, ", ") + "\n")
	b.WriteString("# start_time: " + start.Format(jsonTimeLayout) + " session: " + uuid.NewString() + "\n")
	b.WriteString("\n")
	return []byte(b.String())
}

// writeJSONLRows keeps the parameter order of the selection
func writeJSONLRows(buf *bytes.Buffer, ids []string, entries []logEntry) {
	for _, e := range entries {
		buf.WriteString(`{"timestamp": "`)
		buf.WriteString(e.wall.Format(jsonTimeLayout))
		buf.WriteString(`", "elapsed_time": `)
		buf.WriteString(jsonFloat(math.Round(e.elapsed*1000) / 1000))
		buf.WriteString(`, "parameters": {`)
		for i, id := range ids {
			if i > 0 {
				buf.WriteString(", ")
			}
			key, _ := json.Marshal(id)
			buf.Write(key)
			buf.WriteString(": ")
			if e.present[i] && !math.IsNaN(e.values[i]) && !math.IsInf(e.values[i], 0) {
				buf.WriteString(jsonFloat(e.values[i]))
			} else {
				buf.WriteString("null")
			}
		}
		buf.WriteString("}}\n")
	}
}

// jsonFloat always carries a decimal point so readers see a float
func jsonFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return s
}
