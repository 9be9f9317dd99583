package app

import (
	"fmt"
	"os"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"nucleus/proto"
)

// Config is the boot configuration.
type Config struct {
	Cores   int `yaml:"cores"`
	Quantum int `yaml:"quantum"`
	// Memory is the kernel heap budget, e.g. "64MB".
	Memory string `yaml:"memory"`
	// ProcessMemory is the user memory given to each process.
	ProcessMemory string          `yaml:"process_memory"`
	Bundle        string          `yaml:"bundle"`
	Processes     []ProcessConfig `yaml:"processes"`
}

// ProcessConfig starts Count processes running Image.
type ProcessConfig struct {
	Image    string `yaml:"image"`
	Security string `yaml:"security"`
	Count    int    `yaml:"count"`
}

const (
	defaultMemory        = "64MB"
	defaultProcessMemory = "256KB"
)

// LoadConfig reads a YAML boot configuration.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig parses a YAML boot configuration and validates it.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Cores < 0 {
		return fmt.Errorf("cores: %d is negative", c.Cores)
	}
	if _, err := c.MemoryBytes(); err != nil {
		return err
	}
	if _, err := c.processBytes(); err != nil {
		return err
	}
	for i, p := range c.Processes {
		if p.Image == "" {
			return fmt.Errorf("processes[%d]: missing image", i)
		}
		if _, ok := proto.ParseSecurity(p.Security); !ok {
			return fmt.Errorf("processes[%d]: unknown security %q", i, p.Security)
		}
		if p.Count < 0 {
			return fmt.Errorf("processes[%d]: count %d is negative", i, p.Count)
		}
	}
	return nil
}

// MemoryBytes returns the kernel heap budget.
func (c *Config) MemoryBytes() (int, error) {
	return parseSize("memory", c.Memory, defaultMemory)
}

func (c *Config) processBytes() (int, error) {
	return parseSize("process_memory", c.ProcessMemory, defaultProcessMemory)
}

func parseSize(field, s, def string) (int, error) {
	if s == "" {
		s = def
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return int(b), nil
}
