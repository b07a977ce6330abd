// Package config loads loopctl controller settings from a TOML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment overrides.
const (
	EnvConfig       = "LOOPCTL_CONFIG"
	EnvOTLPEndpoint = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// DefaultFile is read from the working directory when EnvConfig is unset.
const DefaultFile = "loopctl.toml"

// Settings is the resolved controller configuration.
type Settings struct {
	WorkspaceRoot string
	ArtifactsDir  string
	PolicyPath    string

	LogLevel  string
	LogFormat string

	TraceEndpoint    string
	TraceServiceName string

	MissionCommand string
	MissionArgs    []string
	MissionTimeout time.Duration

	SpeculativeTimeout time.Duration
	LockTimeout        time.Duration

	EvidenceTier string
	EvidenceDir  string

	// Source is the file the settings came from, empty for defaults.
	Source string
}

// Default returns settings for a run in the current directory.
func Default() Settings {
	return Settings{
		WorkspaceRoot:      ".",
		ArtifactsDir:       "artifacts",
		PolicyPath:         "loop_policy.yaml",
		LogLevel:           "info",
		LogFormat:          "console",
		TraceServiceName:   "loopctl",
		MissionTimeout:     10 * time.Minute,
		SpeculativeTimeout: 10 * time.Minute,
		LockTimeout:        5 * time.Second,
		EvidenceTier:       "light",
	}
}

// ArtifactsRoot is ArtifactsDir resolved against the workspace root.
func (s Settings) ArtifactsRoot() string {
	if filepath.IsAbs(s.ArtifactsDir) {
		return s.ArtifactsDir
	}
	return filepath.Join(s.WorkspaceRoot, s.ArtifactsDir)
}

// PolicyFile is PolicyPath resolved against the workspace root.
func (s Settings) PolicyFile() string {
	if filepath.IsAbs(s.PolicyPath) {
		return s.PolicyPath
	}
	return filepath.Join(s.WorkspaceRoot, s.PolicyPath)
}

// Validate rejects settings no run could use.
func (s Settings) Validate() error {
	var errs []error
	if strings.TrimSpace(s.WorkspaceRoot) == "" {
		errs = append(errs, errors.New("workspace.root is empty"))
	}
	if strings.TrimSpace(s.ArtifactsDir) == "" {
		errs = append(errs, errors.New("artifacts.dir is empty"))
	}
	if strings.TrimSpace(s.PolicyPath) == "" {
		errs = append(errs, errors.New("policy.path is empty"))
	}
	switch s.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not console or json", s.LogFormat))
	}
	for name, d := range map[string]time.Duration{
		"mission.timeout":     s.MissionTimeout,
		"speculative.timeout": s.SpeculativeTimeout,
		"lock.timeout":        s.LockTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s is negative: %s", name, d))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid settings: %w", errors.Join(errs...))
	}
	return nil
}

type fileConfig struct {
	Workspace struct {
		Root string `toml:"root"`
	} `toml:"workspace"`
	Artifacts struct {
		Dir string `toml:"dir"`
	} `toml:"artifacts"`
	Policy struct {
		Path string `toml:"path"`
	} `toml:"policy"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Trace struct {
		Endpoint    string `toml:"endpoint"`
		ServiceName string `toml:"service_name"`
	} `toml:"trace"`
	Mission struct {
		Command string   `toml:"command"`
		Args    []string `toml:"args"`
		Timeout string   `toml:"timeout"`
	} `toml:"mission"`
	Speculative struct {
		Timeout string `toml:"timeout"`
	} `toml:"speculative"`
	Lock struct {
		Timeout string `toml:"timeout"`
	} `toml:"lock"`
	Evidence struct {
		Tier string `toml:"tier"`
		Dir  string `toml:"dir"`
	} `toml:"evidence"`
}

// Resolve picks the settings file: explicit path, then EnvConfig, then
// DefaultFile. A missing DefaultFile yields defaults; a missing file that
// was asked for by name is an error.
func Resolve(path string) (Settings, error) {
	explicit := true
	if path == "" {
		path = os.Getenv(EnvConfig)
	}
	if path == "" {
		path, explicit = DefaultFile, false
	}
	s, err := Load(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		s = Default()
		applyEnv(&s)
		return s, s.Validate()
	}
	return s, err
}

// Load reads path over the defaults and applies environment overrides.
// Unknown keys are rejected.
func Load(path string) (Settings, error) {
	cfg := Default()
	if _, err := os.Stat(path); err != nil {
		return Settings{}, fmt.Errorf("load settings: %w", err)
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("load settings %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Settings{}, fmt.Errorf("load settings %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}

	str := func(dst *string, v string, key ...string) {
		if meta.IsDefined(key...) {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(dst *time.Duration, v string, key ...string) error {
		if !meta.IsDefined(key...) {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", strings.Join(key, "."), err)
		}
		*dst = d
		return nil
	}

	str(&cfg.WorkspaceRoot, raw.Workspace.Root, "workspace", "root")
	str(&cfg.ArtifactsDir, raw.Artifacts.Dir, "artifacts", "dir")
	str(&cfg.PolicyPath, raw.Policy.Path, "policy", "path")
	str(&cfg.LogLevel, raw.Log.Level, "log", "level")
	str(&cfg.LogFormat, raw.Log.Format, "log", "format")
	str(&cfg.TraceEndpoint, raw.Trace.Endpoint, "trace", "endpoint")
	str(&cfg.TraceServiceName, raw.Trace.ServiceName, "trace", "service_name")
	str(&cfg.MissionCommand, raw.Mission.Command, "mission", "command")
	if meta.IsDefined("mission", "args") {
		cfg.MissionArgs = append([]string{}, raw.Mission.Args...)
	}
	str(&cfg.EvidenceTier, raw.Evidence.Tier, "evidence", "tier")
	str(&cfg.EvidenceDir, raw.Evidence.Dir, "evidence", "dir")
	if err := dur(&cfg.MissionTimeout, raw.Mission.Timeout, "mission", "timeout"); err != nil {
		return Settings{}, err
	}
	if err := dur(&cfg.SpeculativeTimeout, raw.Speculative.Timeout, "speculative", "timeout"); err != nil {
		return Settings{}, err
	}
	if err := dur(&cfg.LockTimeout, raw.Lock.Timeout, "lock", "timeout"); err != nil {
		return Settings{}, err
	}

	cfg.Source = path
	applyEnv(&cfg)
	if err := cfg.Validate(); err != nil {
		return Settings{}, err
	}
	return cfg, nil
}

func applyEnv(s *Settings) {
	if v := strings.TrimSpace(os.Getenv(EnvOTLPEndpoint)); v != "" {
		s.TraceEndpoint = v
	}
}
