//go:build !tinygo

// Mkbundle packs a directory of program sources into a txtar bundle that the
// nucleus host binary can run. Every program is parsed before it is written.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/tools/txtar"

	"nucleus/machine"
)

const defaultBundlePath = "bundle.txtar"

func main() {
	var srcDir string
	var outPath string
	var comment string
	flag.StringVar(&srcDir, "src", "", "Directory of program sources (*.prog).")
	flag.StringVar(&outPath, "out", defaultBundlePath, "Output bundle path.")
	flag.StringVar(&comment, "comment", "", "Text placed before the first program.")
	flag.Parse()

	if srcDir == "" {
		fmt.Fprintln(os.Stderr, "error: -src is required")
		os.Exit(2)
	}
	if outPath == "" {
		fmt.Fprintln(os.Stderr, "error: -out is required")
		os.Exit(2)
	}

	if err := run(srcDir, outPath, comment); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(srcDir, outPath, comment string) error {
	srcDir = filepath.Clean(srcDir)
	st, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat src %q: %w", srcDir, err)
	}
	if !st.IsDir() {
		return fmt.Errorf("src %q is not a directory", srcDir)
	}

	var files []string
	walkErr := filepath.WalkDir(srcDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() || !entry.Type().IsRegular() {
			return nil
		}
		if filepath.Ext(path) == ".prog" {
			files = append(files, path)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("walk src %q: %w", srcDir, walkErr)
	}
	if len(files) == 0 {
		return fmt.Errorf("no .prog files in %q", srcDir)
	}
	sort.Strings(files)

	ar, err := bundle(srcDir, files)
	if err != nil {
		return err
	}
	if comment != "" {
		ar.Comment = []byte(strings.TrimSuffix(comment, "\n") + "\n")
	}
	data := txtar.Format(ar)

	// Round-trip so a bundle that cannot be loaded is never written.
	if _, err := machine.ParseBundle(data); err != nil {
		return err
	}
	if err := os.WriteFile(outPath, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", outPath, err)
	}
	return nil
}

func bundle(srcDir string, files []string) (*txtar.Archive, error) {
	ar := new(txtar.Archive)
	seen := make(map[string]string)
	for _, path := range files {
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return nil, err
		}
		name := strings.TrimSuffix(filepath.ToSlash(rel), ".prog")
		if prev, ok := seen[name]; ok {
			return nil, fmt.Errorf("program %q defined by %q and %q", name, prev, path)
		}
		seen[name] = path

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", path, err)
		}
		if _, err := machine.ParseProgram(name, string(data)); err != nil {
			return nil, err
		}
		if len(data) > 0 && !bytes.HasSuffix(data, []byte("\n")) {
			data = append(data, '\n')
		}
		ar.Files = append(ar.Files, txtar.File{Name: name, Data: data})
	}
	return ar, nil
}
