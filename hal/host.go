//go:build !tinygo

package hal

import (
	"bytes"
	"hash/fnv"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"golang.org/x/term"
)

// HostConfig sizes the host machine.
type HostConfig struct {
	Cores       int
	MemoryBytes int
	Hz          int
	// Out overrides the log destination (stdout when nil).
	Out io.Writer
}

type hostHAL struct {
	logger *hostLogger
	apic   *HostAPIC
	mem    *hostMemory
	t      *hostTime
	cores  int
}

// New returns a host HAL implementation.
func New(cfg HostConfig) HAL {
	if cfg.Cores <= 0 {
		cfg.Cores = 1
	}
	return &hostHAL{
		logger: newHostLogger(cfg.Out),
		apic:   newHostAPIC(cfg.Cores),
		mem:    newHostMemory(cfg.MemoryBytes),
		t:      newHostTime(cfg.Hz),
		cores:  cfg.Cores,
	}
}

func (h *hostHAL) Logger() Logger                  { return h.logger }
func (h *hostHAL) Interrupts() InterruptController { return h.apic }
func (h *hostHAL) Memory() Memory                  { return h.mem }
func (h *hostHAL) Time() Time                      { return h.t }
func (h *hostHAL) Cores() int                      { return h.cores }

// Start begins delivering ticks until stop is closed.
func (h *hostHAL) Start(stop <-chan struct{}) { h.t.start(stop) }

type hostLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// newHostLogger colors the "component:" prefix of each line. When w is not a
// terminal the escapes are stripped by colorable.
func newHostLogger(w io.Writer) *hostLogger {
	if w != nil {
		return &hostLogger{w: colorable.NewNonColorable(w)}
	}
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return &hostLogger{w: colorable.NewColorableStdout()}
	}
	return &hostLogger{w: colorable.NewNonColorable(os.Stdout)}
}

var prefixColors = [...]string{"\x1b[36m", "\x1b[32m", "\x1b[33m", "\x1b[35m", "\x1b[34m"}

const (
	colorReset = "\x1b[0m"
	colorRed   = "\x1b[31m"
)

func (l *hostLogger) WriteLineString(s string) {
	l.WriteLineBytes([]byte(s))
}

func (l *hostLogger) WriteLineBytes(b []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := bytes.IndexByte(b, ':')
	if i <= 0 || i > 16 {
		l.w.Write(b)
		l.w.Write([]byte{'\n'})
		return
	}
	io.WriteString(l.w, prefixColor(b[:i]))
	l.w.Write(b[:i])
	io.WriteString(l.w, colorReset)
	l.w.Write(b[i:])
	l.w.Write([]byte{'\n'})
}

func prefixColor(prefix []byte) string {
	if bytes.Equal(prefix, []byte("halt")) {
		return colorRed
	}
	h := fnv.New32a()
	h.Write(prefix)
	return prefixColors[h.Sum32()%uint32(len(prefixColors))]
}
