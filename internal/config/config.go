// Package config loads the harness configuration: the subject command line,
// timeout budgets, poll cadence and the results root. Precedence is
// flag > env > config file > defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigPath = "wardenlab.yaml"

	EnvSubjectCmd = "AIW_SUBJECT_CMD"
	EnvOutRoot    = "AIW_OUT_ROOT"
)

type Config struct {
	Subject SubjectV1 `json:"subject" yaml:"subject"`
	Poll    PollV1    `json:"poll" yaml:"poll"`
	Results ResultsV1 `json:"results" yaml:"results"`

	// MockAgent controls whether the claude stand-in is installed and
	// PATH-injected before the subject starts.
	MockAgent bool `json:"mockAgent" yaml:"mockAgent"`
}

type SubjectV1 struct {
	Command             []string `json:"command" yaml:"command"`
	BootstrapProbes     int      `json:"bootstrapProbes" yaml:"bootstrapProbes"`
	BootstrapIntervalMs int64    `json:"bootstrapIntervalMs" yaml:"bootstrapIntervalMs"`
	ShutdownTimeoutMs   int64    `json:"shutdownTimeoutMs" yaml:"shutdownTimeoutMs"`
	ReceiveTimeoutMs    int64    `json:"receiveTimeoutMs" yaml:"receiveTimeoutMs"`
	StderrTailLines     int      `json:"stderrTailLines" yaml:"stderrTailLines"`
}

type PollV1 struct {
	IntervalMs int64 `json:"intervalMs" yaml:"intervalMs"`
	Attempts   int   `json:"attempts" yaml:"attempts"`
}

type ResultsV1 struct {
	Root string `json:"root" yaml:"root"`
}

func Default() Config {
	return Config{
		Subject: SubjectV1{
			Command:             []string{"aiw", "mcp", "serve"},
			BootstrapProbes:     20,
			BootstrapIntervalMs: 1000,
			ShutdownTimeoutMs:   5000,
			ReceiveTimeoutMs:    30000,
			StderrTailLines:     64,
		},
		Poll: PollV1{
			IntervalMs: 1000,
			Attempts:   15,
		},
		Results:   ResultsV1{Root: ".wardenlab"},
		MockAgent: true,
	}
}

// Load reads the config at path over the defaults, then applies env
// overrides. An empty path means DefaultConfigPath, and a missing default
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultConfigPath
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// No config file, defaults apply.
	default:
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	if v := strings.TrimSpace(os.Getenv(EnvSubjectCmd)); v != "" {
		cfg.Subject.Command = strings.Fields(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvOutRoot)); v != "" {
		cfg.Results.Root = v
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if len(c.Subject.Command) == 0 {
		return fmt.Errorf("subject.command must not be empty")
	}
	if c.Poll.Attempts < 1 {
		return fmt.Errorf("poll.attempts must be at least 1")
	}
	return nil
}

func (s SubjectV1) BootstrapInterval() time.Duration {
	return time.Duration(s.BootstrapIntervalMs) * time.Millisecond
}

func (s SubjectV1) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutMs) * time.Millisecond
}

func (s SubjectV1) ReceiveTimeout() time.Duration {
	return time.Duration(s.ReceiveTimeoutMs) * time.Millisecond
}

func (p PollV1) Interval() time.Duration {
	return time.Duration(p.IntervalMs) * time.Millisecond
}
