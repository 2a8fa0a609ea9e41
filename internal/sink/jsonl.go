package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/jonesrussell/north-cloud/api-ingestor/internal/normalize"
)

// JSONLines writes one JSON object per line. A batch is encoded in full before a
// single write, so a failed encode writes nothing.
type JSONLines struct {
	mu sync.Mutex
	w  io.Writer
}

// NewJSONLines returns a sink writing to w.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{w: w}
}

// OpenJSONLines appends to the file at path, or writes to stdout when path is empty
// or "-". The returned close function is a no-op for stdout.
func OpenJSONLines(path string) (*JSONLines, func() error, error) {
	if path == "" || path == "-" {
		return NewJSONLines(os.Stdout), func() error { return nil }, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	return NewJSONLines(f), f.Close, nil
}

// Write encodes and writes records.
func (s *JSONLines) Write(ctx context.Context, records []normalize.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write batch: %w", err)
	}
	return nil
}
