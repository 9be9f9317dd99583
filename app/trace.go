package app

import (
	"encoding/csv"
	"io"
	"strconv"
	"sync"

	"nucleus/kernel"
)

// TraceHeader is the first row of a scheduling trace.
var TraceHeader = []string{"tick", "core", "vector", "tid", "name"}

// TraceWriter records every dispatch as a CSV row.
type TraceWriter struct {
	mu  sync.Mutex
	w   *csv.Writer
	err error
}

func NewTraceWriter(w io.Writer) *TraceWriter {
	t := &TraceWriter{w: csv.NewWriter(w)}
	t.err = t.w.Write(TraceHeader)
	return t
}

func (t *TraceWriter) Trace(core int, tick uint64, vector uint8, next *kernel.Thread) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = t.w.Write([]string{
		strconv.FormatUint(tick, 10),
		strconv.Itoa(core),
		strconv.Itoa(int(vector)),
		strconv.FormatUint(uint64(next.ID), 10),
		next.Identifier(),
	})
}

// Flush writes buffered rows and returns the first error seen.
func (t *TraceWriter) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.w.Flush()
	if t.err != nil {
		return t.err
	}
	return t.w.Error()
}
