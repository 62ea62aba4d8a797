// Package gcenv loads the collector configuration.
//
// A configuration starts from Default, is optionally read from a YAML file,
// and is then amended by an option string of space separated key=value
// pairs, usually taken from the GCGLUE_OPTIONS environment variable:
//
//	GCGLUE_OPTIONS="plan=semispace workers=8 heap_size=256MB"
package gcenv

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/google/shlex"
	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"

	"github.com/gcglue/gcglue/diagnostics"
)

// EnvVar holds an option string applied on top of any configuration file.
const EnvVar = "GCGLUE_OPTIONS"

// Config is the full collector configuration.
type Config struct {
	// Plan selects the collection plan, see Plans.
	Plan    string `yaml:"plan"`
	Workers int    `yaml:"workers"`

	HeapSize   string `yaml:"heap_size"`
	Compressed bool   `yaml:"compressed"`
	// BaseOnly prefers an unshifted base-relative encoding when the heap is
	// small enough.
	BaseOnly bool `yaml:"base_only_encoding"`

	BufferSize       int  `yaml:"buffer_size"`
	ThreadsPerPacket int  `yaml:"threads_per_packet"`
	RootsBreakdown   bool `yaml:"roots_breakdown"`

	NoReferenceTypes bool `yaml:"no_reference_types"`
	NoFinalizer      bool `yaml:"no_finalizer"`

	Verbose bool `yaml:"verbose"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		Plan:             "marksweep",
		Workers:          runtime.NumCPU(),
		HeapSize:         "64MB",
		BufferSize:       4096,
		ThreadsPerPacket: 8,
	}
}

// Load reads a YAML configuration file on top of the defaults. Unknown keys
// are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, &diagnostics.FileError{Component: "gcenv", File: path, Err: err}
	}
	return cfg, nil
}

// Marshal returns the configuration as YAML, in the format Load reads.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// option describes one key of an option string.
type option struct {
	set func(c *Config, value string) error
}

func boolOption(field func(c *Config) *bool) option {
	return option{func(c *Config, value string) error {
		v, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*field(c) = v
		return nil
	}}
}

func intOption(field func(c *Config) *int) option {
	return option{func(c *Config, value string) error {
		v, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		*field(c) = v
		return nil
	}}
}

var options = map[string]option{
	"plan": {func(c *Config, value string) error {
		c.Plan = value
		return nil
	}},
	"heap_size": {func(c *Config, value string) error {
		if _, err := bytesize.Parse(value); err != nil {
			return err
		}
		c.HeapSize = value
		return nil
	}},
	"workers":            intOption(func(c *Config) *int { return &c.Workers }),
	"buffer_size":        intOption(func(c *Config) *int { return &c.BufferSize }),
	"threads_per_packet": intOption(func(c *Config) *int { return &c.ThreadsPerPacket }),
	"compressed":         boolOption(func(c *Config) *bool { return &c.Compressed }),
	"base_only_encoding": boolOption(func(c *Config) *bool { return &c.BaseOnly }),
	"roots_breakdown":    boolOption(func(c *Config) *bool { return &c.RootsBreakdown }),
	"no_reference_types": boolOption(func(c *Config) *bool { return &c.NoReferenceTypes }),
	"no_finalizer":       boolOption(func(c *Config) *bool { return &c.NoFinalizer }),
	"verbose":            boolOption(func(c *Config) *bool { return &c.Verbose }),
}

// Keys returns the keys accepted by Set, sorted.
func Keys() []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Set changes a single option.
func (c *Config) Set(key, value string) error {
	opt, ok := options[key]
	if !ok {
		return fmt.Errorf("unknown option %q", key)
	}
	if err := opt.set(c, value); err != nil {
		return fmt.Errorf("option %s: %w", key, err)
	}
	return nil
}

// ParseOptions applies an option string. Values may be quoted the way a shell
// would quote them. All malformed options are reported together.
func (c *Config) ParseOptions(s string) error {
	fields, err := shlex.Split(s)
	if err != nil {
		return fmt.Errorf("could not parse options: %w", err)
	}
	var errs []error
	for _, field := range fields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			// A bare key enables a boolean option.
			value = "true"
		}
		if err := c.Set(key, value); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) != 0 {
		return &diagnostics.MultiError{Component: "gcenv", Errs: errs}
	}
	return nil
}

// ApplyEnv applies the option string in the GCGLUE_OPTIONS environment
// variable, if set.
func (c *Config) ApplyEnv() error {
	s := os.Getenv(EnvVar)
	if s == "" {
		return nil
	}
	if err := c.ParseOptions(s); err != nil {
		return fmt.Errorf("%s: %w", EnvVar, err)
	}
	return nil
}

// HeapBytes returns the heap size in bytes.
func (c Config) HeapBytes() (uint64, error) {
	b, err := bytesize.Parse(c.HeapSize)
	if err != nil {
		return 0, fmt.Errorf("heap_size %q: %w", c.HeapSize, err)
	}
	return uint64(b), nil
}

// Validate checks the configuration for values the collector cannot run
// with. All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	if _, ok := Plans[c.Plan]; !ok {
		errs = append(errs, fmt.Errorf("unknown plan %q (known plans: %s)", c.Plan, strings.Join(PlanNames(), ", ")))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.BufferSize <= 0 {
		errs = append(errs, fmt.Errorf("buffer_size must be positive, got %d", c.BufferSize))
	}
	if c.ThreadsPerPacket <= 0 {
		errs = append(errs, fmt.Errorf("threads_per_packet must be positive, got %d", c.ThreadsPerPacket))
	}
	if n, err := c.HeapBytes(); err != nil {
		errs = append(errs, err)
	} else if n < uint64(bytesize.MB) {
		errs = append(errs, errors.New("heap_size must be at least 1MB"))
	}
	if len(errs) != 0 {
		return &diagnostics.MultiError{Component: "gcenv", Errs: errs}
	}
	return nil
}
