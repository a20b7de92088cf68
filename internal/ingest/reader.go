package ingest

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-explain/internal/metrics"
)

// Package ingest reads adaptation events from the system adaptation log.
//
// The log is JSON lines: one adaptation record per line, in the same shape
// the REST and gRPC APIs accept. Blank lines and lines starting with '#' are
// skipped. Numbers are decoded as json.Number so factor values keep their
// written precision until the normalizer converts them.
//
// ReadLog consumes a log once. Tailer follows a log file as the adapting
// system appends to it and feeds every new record to the explanation pool.

// maxLineBytes bounds a single record.
const maxLineBytes = 1 << 20

// Record is one decoded log line.
type Record struct {
	Line int
	Raw  map[string]interface{}
}

// Stats counts the lines a read accepted and rejected.
type Stats struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// LineError reports an undecodable log line.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("adaptation log line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// ReadLog decodes every record in r and passes it to fn. Undecodable lines
// are logged and counted, and reading continues. An error from fn stops the
// read and is returned.
func ReadLog(ctx context.Context, r io.Reader, logger *zap.Logger, fn func(Record) error) (Stats, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var stats Stats
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		raw, ok, err := decodeLine(scanner.Bytes())
		if !ok {
			continue
		}
		if err != nil {
			stats.Rejected++
			metrics.IngestedEventsTotal.WithLabelValues("rejected").Inc()
			logger.Warn("skipping undecodable adaptation record", zap.Error(&LineError{Line: line, Err: err}))
			continue
		}

		stats.Accepted++
		metrics.IngestedEventsTotal.WithLabelValues("accepted").Inc()
		if err := fn(Record{Line: line, Raw: raw}); err != nil {
			return stats, err
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read adaptation log after line %d: %w", line, err)
	}
	return stats, nil
}

// decodeLine decodes one log line. ok is false for lines that carry no
// record.
func decodeLine(b []byte) (raw map[string]interface{}, ok bool, err error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == '#' {
		return nil, false, nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, true, err
	}
	if dec.More() {
		return nil, true, fmt.Errorf("trailing data after record")
	}
	if raw == nil {
		return nil, true, fmt.Errorf("record is null")
	}
	return raw, true, nil
}
