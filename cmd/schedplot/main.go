//go:build !tinygo

// Schedplot renders a scheduling trace written by nucleus -trace as a PNG
// timeline with one lane per core.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/fogleman/gg"
)

func main() {
	var inPath string
	var outPath string
	var cell int
	flag.StringVar(&inPath, "in", "", "Trace file (CSV).")
	flag.StringVar(&outPath, "out", "sched.png", "Output PNG path.")
	flag.IntVar(&cell, "cell", 4, "Width of one tick in pixels.")
	flag.Parse()

	if inPath == "" {
		fmt.Fprintln(os.Stderr, "error: -in is required")
		os.Exit(2)
	}
	if cell <= 0 {
		fmt.Fprintln(os.Stderr, "error: -cell must be positive")
		os.Exit(2)
	}
	if err := run(inPath, outPath, cell); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(inPath, outPath string, cell int) error {
	f, err := os.Open(inPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr, err := readTrace(f)
	if err != nil {
		return fmt.Errorf("%s: %w", inPath, err)
	}
	if err := gg.SavePNG(outPath, render(tr, cell)); err != nil {
		return fmt.Errorf("write %q: %w", outPath, err)
	}
	return nil
}
