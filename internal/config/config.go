// Package config loads callcheck's run configuration from YAML, applies
// defaults and environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"callcheck/internal/generate"
	"callcheck/internal/regex"
	"callcheck/internal/sandbox"
	"callcheck/internal/solver"
)

// ErrInvalidConfig marks a configuration that failed validation.
var ErrInvalidConfig = errors.New("invalid config")

const (
	BackendNative = "native"
	BackendSMTLib = "smtlib"
)

// Config is the full run configuration.
type Config struct {
	Run     RunConfig     `yaml:"run"`
	Sandbox SandboxConfig `yaml:"sandbox"`
	Solver  SolverConfig  `yaml:"solver"`
	Output  OutputConfig  `yaml:"output"`
	Logging LoggingConfig `yaml:"logging"`
}

// RunConfig controls how the suite is driven.
type RunConfig struct {
	Trials      int   `yaml:"trials" validate:"gte=1,lte=100000"`
	Seed        int64 `yaml:"seed"`
	Concurrency int   `yaml:"concurrency" validate:"gte=1,lte=1024"`
	FailFast    bool  `yaml:"fail_fast"`
	Shrink      bool  `yaml:"shrink"`
	// SuiteBudget caps the wall time of the whole run. Zero means no cap.
	SuiteBudget time.Duration `yaml:"suite_budget" validate:"gte=0"`
}

// SandboxConfig controls the per-subcase sandbox.
type SandboxConfig struct {
	Root            string        `yaml:"root"`
	Timeout         time.Duration `yaml:"timeout" validate:"gt=0"`
	OutputLimit     int           `yaml:"output_limit" validate:"gte=1"`
	ContentLimit    int64         `yaml:"content_limit" validate:"gte=1"`
	RetainOnFailure bool          `yaml:"retain_on_failure"`
	PassEnv         []string      `yaml:"pass_env" validate:"dive,envkey"`
}

// SolverConfig selects and tunes the constraint solver.
type SolverConfig struct {
	Backend   string        `yaml:"backend" validate:"oneof=native smtlib"`
	Binary    string        `yaml:"binary" validate:"required_if=Backend smtlib"`
	Args      []string      `yaml:"args"`
	Budget    int           `yaml:"budget" validate:"gte=1"`
	Timeout   time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxUnroll int           `yaml:"max_unroll" validate:"gte=1"`
	MaxStates int           `yaml:"max_states" validate:"gte=16"`
}

// OutputConfig names where run artifacts go. Empty paths disable them.
type OutputConfig struct {
	HistoryDB   string `yaml:"history_db"`
	MetricsFile string `yaml:"metrics_file"`
}

type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

var (
	validate   = validator.New()
	envKeyExpr = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

func init() {
	_ = validate.RegisterValidation("envkey", func(fl validator.FieldLevel) bool {
		return envKeyExpr.MatchString(fl.Field().String())
	})
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Run: RunConfig{
			Trials:      generate.DefaultTrials,
			Seed:        1,
			Concurrency: 4,
		},
		Sandbox: SandboxConfig{
			Timeout:      sandbox.DefaultTimeout,
			OutputLimit:  sandbox.DefaultOutputLimit,
			ContentLimit: sandbox.DefaultContentLimit,
			PassEnv:      []string{"PATH"},
		},
		Solver: SolverConfig{
			Backend:   BackendNative,
			Binary:    "z3",
			Args:      []string{"-in"},
			Budget:    solver.DefaultBudget,
			Timeout:   generate.DefaultSolverTimeout,
			MaxUnroll: regex.DefaultMaxUnroll,
			MaxStates: solver.DefaultMaxStates,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
// Environment overrides are applied after the file; the result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if err := cfg.applyEnvOverrides(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides(lookup func(string) (string, bool)) error {
	if v, ok := lookup("CALLCHECK_SEED"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: CALLCHECK_SEED: %v", ErrInvalidConfig, err)
		}
		c.Run.Seed = n
	}
	if v, ok := lookup("CALLCHECK_TRIALS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: CALLCHECK_TRIALS: %v", ErrInvalidConfig, err)
		}
		c.Run.Trials = n
	}
	if v, ok := lookup("CALLCHECK_LOG_LEVEL"); ok {
		c.Logging.Level = strings.ToLower(v)
	}
	if v, ok := lookup("CALLCHECK_HISTORY_DB"); ok {
		c.Output.HistoryDB = v
	}
	return nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// SandboxExecutor returns the executor configuration.
func (c *Config) SandboxExecutor() sandbox.Config {
	return sandbox.Config{
		Root:            c.Sandbox.Root,
		Timeout:         c.Sandbox.Timeout,
		OutputLimit:     c.Sandbox.OutputLimit,
		ContentLimit:    c.Sandbox.ContentLimit,
		RetainOnFailure: c.Sandbox.RetainOnFailure,
		PassEnv:         append([]string(nil), c.Sandbox.PassEnv...),
	}
}

// Generator returns the argument generator configuration.
func (c *Config) Generator() generate.Config {
	return generate.Config{
		Seed:          c.Run.Seed,
		Budget:        c.Solver.Budget,
		SolverTimeout: c.Solver.Timeout,
		Regex:         regex.Options{MaxUnroll: c.Solver.MaxUnroll},
	}
}

// Sampler builds the configured solver backend.
func (c *Config) Sampler(logger *zap.Logger) solver.Sampler {
	if c.Solver.Backend == BackendSMTLib {
		s := solver.NewSMTLib(c.Solver.Binary, c.Solver.Args, logger)
		s.Timeout = c.Solver.Timeout
		return s
	}
	a := solver.NewAutomaton(logger)
	a.MaxStates = c.Solver.MaxStates
	return a
}
