// internal/recording/writers.go
package recording

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"meter-bridge/internal/model"
)

// csvHeader is the column layout of delimited session files.
var csvHeader = []string{"index", "timestamp", "mode", "range", "value", "unit"}

// CSVSink writes session records as one CSV file per session
type CSVSink struct {
	file   *os.File
	writer *csv.Writer
	path   string
}

// NewCSVSink creates the session file and writes the header
func NewCSVSink(outputDir string, session Session) (*CSVSink, error) {
	path, file, err := createSessionFile(outputDir, session, "csv")
	if err != nil {
		return nil, err
	}

	writer := csv.NewWriter(file)
	if err := writer.Write(csvHeader); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to write csv header: %w", err)
	}

	return &CSVSink{file: file, writer: writer, path: path}, nil
}

// Name identifies the sink in logs
func (s *CSVSink) Name() string {
	return "csv:" + s.path
}

// Write appends one record row
func (s *CSVSink) Write(rec model.Record) error {
	row := []string{
		fmt.Sprintf("%d", rec.Index),
		rec.Timestamp.Format(time.RFC3339Nano),
		string(rec.Mode),
		rec.Range,
		rec.ValueString(),
		string(rec.Unit),
	}
	if err := s.writer.Write(row); err != nil {
		return fmt.Errorf("failed to write csv record: %w", err)
	}
	return nil
}

// Close flushes and closes the session file
func (s *CSVSink) Close() error {
	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		s.file.Close()
		return fmt.Errorf("failed to flush csv file: %w", err)
	}
	return s.file.Close()
}

// JSONSink writes session records as newline-delimited JSON, one
// object per record
type JSONSink struct {
	file    *os.File
	encoder *json.Encoder
	path    string
}

// NewJSONSink creates the session file
func NewJSONSink(outputDir string, session Session) (*JSONSink, error) {
	path, file, err := createSessionFile(outputDir, session, "jsonl")
	if err != nil {
		return nil, err
	}
	return &JSONSink{file: file, encoder: json.NewEncoder(file), path: path}, nil
}

// Name identifies the sink in logs
func (s *JSONSink) Name() string {
	return "json:" + s.path
}

// Write appends one record object
func (s *JSONSink) Write(rec model.Record) error {
	if err := s.encoder.Encode(&rec); err != nil {
		return fmt.Errorf("failed to write json record: %w", err)
	}
	return nil
}

// Close closes the session file
func (s *JSONSink) Close() error {
	return s.file.Close()
}

func createSessionFile(outputDir string, session Session, ext string) (string, *os.File, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	name := fmt.Sprintf("session_%s_%s.%s",
		session.StartedAt.Format("20060102_150405"),
		session.ID.String()[:8],
		ext,
	)
	path := filepath.Join(outputDir, name)

	file, err := os.Create(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to create session file: %w", err)
	}
	return path, file, nil
}
