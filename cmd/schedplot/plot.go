package main

import (
	"hash/fnv"
	"image"
	"strconv"
	"strings"

	"github.com/fogleman/gg"
)

const (
	laneHeight = 24
	laneGap    = 6
	labelWidth = 64
	margin     = 10
	legendRow  = 16
)

// render draws one lane per core; each tick is a cell colored by the
// thread that ran. Idle threads are drawn in gray.
func render(tr *trace, cellWidth int) image.Image {
	lanes := tr.lanes()
	ticks := len(lanes[0])

	names := legend(tr)
	w := margin*2 + labelWidth + ticks*cellWidth
	h := margin*2 + tr.cores*(laneHeight+laneGap) + len(names)*legendRow

	dc := gg.NewContext(w, h)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	for core, lane := range lanes {
		y := float64(margin + core*(laneHeight+laneGap))
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(coreLabel(core), margin, y+laneHeight/2, 0, 0.5)
		for i, s := range lane {
			if s.tid == 0 {
				continue
			}
			x := float64(margin + labelWidth + i*cellWidth)
			r, g, b := threadColor(s)
			dc.SetRGB(r, g, b)
			dc.DrawRectangle(x, y, float64(cellWidth), laneHeight)
			dc.Fill()
		}
	}

	y := float64(margin + tr.cores*(laneHeight+laneGap))
	for _, s := range names {
		r, g, b := threadColor(s)
		dc.SetRGB(r, g, b)
		dc.DrawRectangle(margin, y+2, 12, 12)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(s.name, margin+18, y+8, 0, 0.5)
		y += legendRow
	}
	return dc.Image()
}

func coreLabel(core int) string {
	return "cpu" + strconv.Itoa(core)
}

// legend returns one sample per distinct thread, in first-seen order.
func legend(tr *trace) []sample {
	seen := make(map[uint32]bool)
	var out []sample
	for _, s := range tr.samples {
		if !seen[s.tid] {
			seen[s.tid] = true
			out = append(out, s)
		}
	}
	return out
}

func isIdle(s sample) bool {
	return strings.HasPrefix(s.name, "idle")
}

func threadColor(s sample) (r, g, b float64) {
	if isIdle(s) {
		return 0.85, 0.85, 0.85
	}
	h := fnv.New32a()
	h.Write([]byte{byte(s.tid), byte(s.tid >> 8), byte(s.tid >> 16), byte(s.tid >> 24)})
	v := h.Sum32()
	return 0.2 + float64(v&0xff)/400, 0.2 + float64(v>>8&0xff)/400, 0.2 + float64(v>>16&0xff)/400
}
