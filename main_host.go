//go:build !tinygo

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"

	"nucleus/app"
	"nucleus/hal"
	"nucleus/internal/buildinfo"
	"nucleus/machine"
)

func main() {
	var (
		configPath = flag.String("config", "", "Boot configuration (YAML).")
		bundlePath = flag.String("bundle", "", "Program bundle (txtar); overrides the config.")
		cores      = flag.Int("cores", 0, "Number of cores; overrides the config.")
		hz         = flag.Int("hz", 100, "Timer tick rate.")
		ticks      = flag.Uint64("ticks", 0, "Stop after N ticks (0 = run until interrupted).")
		quantum    = flag.Int("quantum", 0, "Instructions per core per tick; overrides the config.")
		tracePath  = flag.String("trace", "", "Write a CSV scheduling trace to `file`.")
		version    = flag.Bool("version", false, "Print the version and exit.")
	)
	flag.Parse()

	if *version {
		fmt.Println(buildinfo.String())
		return
	}
	if err := run(*configPath, *bundlePath, *cores, *hz, *ticks, *quantum, *tracePath); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, bundlePath string, cores, hz int, ticks uint64, quantum int, tracePath string) error {
	var cfg app.Config
	if configPath != "" {
		var err error
		if cfg, err = app.LoadConfig(configPath); err != nil {
			return err
		}
	}
	if bundlePath != "" {
		cfg.Bundle = bundlePath
	}
	if cores > 0 {
		cfg.Cores = cores
	}
	if quantum > 0 {
		cfg.Quantum = quantum
	}
	if cfg.Bundle == "" {
		return errors.New("no program bundle: use -bundle or set bundle in the config")
	}

	b, err := machine.LoadBundle(cfg.Bundle)
	if err != nil {
		return err
	}
	if len(cfg.Processes) == 0 {
		for name := range b.Programs {
			cfg.Processes = append(cfg.Processes, app.ProcessConfig{Image: name})
		}
	}
	if cfg.Cores == 0 {
		cfg.Cores = 1
	}

	mem, err := cfg.MemoryBytes()
	if err != nil {
		return err
	}
	h := hal.New(hal.HostConfig{Cores: cfg.Cores, MemoryBytes: mem, Hz: hz})
	s, err := app.New(h, cfg, b)
	if err != nil {
		return err
	}

	var tw *app.TraceWriter
	if tracePath != "" {
		f, err := os.Create(tracePath)
		if err != nil {
			return err
		}
		defer f.Close()
		tw = app.NewTraceWriter(f)
		s.Dispatch.SetTracer(tw)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	done := make(chan struct{})
	defer close(done)
	if st, ok := h.(interface{ Start(<-chan struct{}) }); ok {
		st.Start(done)
	}

	runErr := s.Run(ctx, ticks)
	if tw != nil {
		if err := tw.Flush(); err != nil && runErr == nil {
			runErr = fmt.Errorf("trace: %w", err)
		}
	}
	h.Logger().WriteLineString(fmt.Sprintf("boot: stopped after %d ticks, %d processes alive", s.Machine.Ticks(), s.Procs.Len()-1))
	return runErr
}
