package machine

import (
	"fmt"
	"strings"

	"github.com/google/shlex"
	"golang.org/x/tools/txtar"
)

// Instr is one parsed program line.
type Instr struct {
	Op   string
	Args []string
	Line int
}

// Program is a named instruction list. Labels map to instruction indexes.
type Program struct {
	Name   string
	Code   []Instr
	Labels map[string]int
}

// Bundle holds the programs a machine can run, keyed by image name.
type Bundle struct {
	Comment  string
	Programs map[string]*Program
}

// LoadBundle reads a txtar archive of programs.
func LoadBundle(path string) (*Bundle, error) {
	ar, err := txtar.ParseFile(path)
	if err != nil {
		return nil, err
	}
	b, err := fromArchive(ar)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return b, nil
}

// ParseBundle parses a txtar archive held in memory.
func ParseBundle(data []byte) (*Bundle, error) {
	return fromArchive(txtar.Parse(data))
}

func fromArchive(ar *txtar.Archive) (*Bundle, error) {
	b := &Bundle{Comment: string(ar.Comment), Programs: make(map[string]*Program)}
	for _, f := range ar.Files {
		if _, dup := b.Programs[f.Name]; dup {
			return nil, fmt.Errorf("program %q defined twice", f.Name)
		}
		p, err := ParseProgram(f.Name, string(f.Data))
		if err != nil {
			return nil, err
		}
		b.Programs[f.Name] = p
	}
	return b, nil
}

// Program returns the program named name.
func (b *Bundle) Program(name string) (*Program, bool) {
	p, ok := b.Programs[name]
	return p, ok
}

// ParseProgram parses program text. Each line is split with shell quoting
// rules; a line whose only token starts with ':' defines a label for the
// next instruction.
func ParseProgram(name, src string) (*Program, error) {
	p := &Program{Name: name, Labels: make(map[string]int)}
	for i, line := range strings.Split(src, "\n") {
		words, err := shlex.Split(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, i+1, err)
		}
		if len(words) == 0 {
			continue
		}
		if strings.HasPrefix(words[0], ":") {
			label := words[0][1:]
			if label == "" || len(words) != 1 {
				return nil, fmt.Errorf("%s:%d: malformed label", name, i+1)
			}
			if _, dup := p.Labels[label]; dup {
				return nil, fmt.Errorf("%s:%d: label %q redefined", name, i+1, label)
			}
			p.Labels[label] = len(p.Code)
			continue
		}
		in := Instr{Op: words[0], Args: words[1:], Line: i + 1}
		if err := check(in); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", name, i+1, err)
		}
		p.Code = append(p.Code, in)
	}
	for _, in := range p.Code {
		if l := labelArg(in); l != "" {
			if _, ok := p.Labels[l]; !ok {
				return nil, fmt.Errorf("%s:%d: undefined label %q", name, in.Line, l)
			}
		}
	}
	return p, nil
}

func check(in Instr) error {
	o, ok := ops[in.Op]
	if !ok {
		return fmt.Errorf("unknown instruction %q", in.Op)
	}
	if len(in.Args) < o.min || (o.max >= 0 && len(in.Args) > o.max) {
		return fmt.Errorf("%s: wrong number of arguments", in.Op)
	}
	return nil
}

// labelArg returns the label an instruction refers to, if any.
func labelArg(in Instr) string {
	switch in.Op {
	case "jump":
		return in.Args[0]
	case "beq", "bne":
		return in.Args[2]
	case "spawn":
		return in.Args[1]
	}
	return ""
}
