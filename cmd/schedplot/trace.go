package main

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
)

// sample is one dispatch decision read from a trace.
type sample struct {
	tick uint64
	core int
	tid  uint32
	name string
}

type trace struct {
	samples []sample
	cores   int
	first   uint64
	last    uint64
}

func readTrace(r io.Reader) (*trace, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = 5
	recs, err := cr.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(recs) < 2 {
		return nil, fmt.Errorf("trace has no samples")
	}
	tr := &trace{}
	for i, rec := range recs[1:] {
		tick, err := strconv.ParseUint(rec[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("row %d: tick: %w", i+2, err)
		}
		core, err := strconv.Atoi(rec[1])
		if err != nil || core < 0 {
			return nil, fmt.Errorf("row %d: bad core %q", i+2, rec[1])
		}
		tid, err := strconv.ParseUint(rec[3], 10, 32)
		if err != nil {
			return nil, fmt.Errorf("row %d: tid: %w", i+2, err)
		}
		s := sample{tick: tick, core: core, tid: uint32(tid), name: rec[4]}
		if i == 0 || tick < tr.first {
			tr.first = tick
		}
		if tick > tr.last {
			tr.last = tick
		}
		if core+1 > tr.cores {
			tr.cores = core + 1
		}
		tr.samples = append(tr.samples, s)
	}
	return tr, nil
}

// lanes returns, per core and per tick, the thread that was running at the
// end of that tick. Zero means no sample.
func (tr *trace) lanes() [][]sample {
	width := int(tr.last-tr.first) + 1
	out := make([][]sample, tr.cores)
	for i := range out {
		out[i] = make([]sample, width)
	}
	for _, s := range tr.samples {
		out[s.core][s.tick-tr.first] = s
	}
	// Carry the last decision forward over ticks without a dispatch.
	for _, lane := range out {
		for i := 1; i < len(lane); i++ {
			if lane[i].tid == 0 {
				lane[i] = lane[i-1]
			}
		}
	}
	return out
}
