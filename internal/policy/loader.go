package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"buildloop/internal/canon"
	"buildloop/internal/taxonomy"
)

// Loaded is an effective policy plus its integrity fingerprints.
type Loaded struct {
	Config *Config
	// Hash is the canonical hash of the resolved configuration and the value
	// compared across a checkpoint pause.
	Hash string
	// BytesHash and TextHash cover the root file only and are kept for
	// forensics.
	BytesHash string
	TextHash  string
	// Files lists every file read, in resolution order.
	Files []string
}

// Loader reads a policy YAML file and its includes.
type Loader struct {
	Path   string
	Policy canon.HashPolicy
}

// NewLoader returns a loader for path.
func NewLoader(path string, policy canon.HashPolicy) *Loader {
	return &Loader{Path: path, Policy: policy}
}

// document mirrors the YAML layout before validation.
type document struct {
	SchemaVersion     string                `yaml:"schema_version"`
	Includes          []string              `yaml:"includes"`
	PolicyMetadata    *rawMetadata          `yaml:"policy_metadata"`
	Budgets           *rawBudgets           `yaml:"budgets"`
	FailureRouting    map[string]rawRouting `yaml:"failure_routing"`
	WaiverRules       *rawWaiverRules       `yaml:"waiver_rules"`
	ProgressDetection *rawProgress          `yaml:"progress_detection"`
	Determinism       *rawDeterminism       `yaml:"determinism"`
	ProtectedPaths    []string              `yaml:"protected_paths"`
}

type rawMetadata struct {
	Version       *string `yaml:"version"`
	EffectiveDate *string `yaml:"effective_date"`
	Author        *string `yaml:"author"`
	Description   *string `yaml:"description"`
}

type rawBudgets struct {
	MaxAttempts            *int           `yaml:"max_attempts"`
	MaxTokens              *int           `yaml:"max_tokens"`
	MaxWallClockMinutes    *int           `yaml:"max_wall_clock_minutes"`
	MaxDiffLinesPerAttempt *int           `yaml:"max_diff_lines_per_attempt"`
	RetryLimits            map[string]int `yaml:"retry_limits"`
	GlobalBypassLimit      *int           `yaml:"global_bypass_limit"`
	DefaultPerClassLimit   *int           `yaml:"default_per_class_limit"`
}

type rawRouting struct {
	DefaultAction      string      `yaml:"default_action"`
	TerminalOutcome    string      `yaml:"terminal_outcome"`
	TerminalReason     string      `yaml:"terminal_reason"`
	PlanBypassEligible bool        `yaml:"plan_bypass_eligible"`
	ScopeLimit         *ScopeLimit `yaml:"scope_limit"`
}

type rawWaiverRules struct {
	Eligible           *[]string `yaml:"eligible_failure_classes"`
	Ineligible         *[]string `yaml:"ineligible_failure_classes"`
	EscalationTriggers []string  `yaml:"escalation_triggers"`
	EscalationPrefixes []string  `yaml:"escalation_path_prefixes"`
}

type rawProgress struct {
	NoProgressEnabled     *bool `yaml:"no_progress_enabled"`
	OscillationEnabled    *bool `yaml:"oscillation_enabled"`
	NoProgressLookback    *int  `yaml:"no_progress_lookback"`
	OscillationWindowSize *int  `yaml:"oscillation_window_size"`
}

type rawDeterminism struct {
	HashAlgorithm      string `yaml:"hash_algorithm"`
	PolicyChangeAction string `yaml:"policy_change_action"`
	PolicyChangeReason string `yaml:"policy_change_reason"`
}

// Load resolves includes, validates the merged document and hashes it.
// Every failure is a *ConfigError.
func (l *Loader) Load() (*Loaded, error) {
	if err := l.Policy.Validate(); err != nil {
		return nil, configErr(l.Path, "%v", err)
	}
	root, err := filepath.Abs(l.Path)
	if err != nil {
		return nil, configErr(l.Path, "resolve path: %v", err)
	}
	raw, err := os.ReadFile(root)
	if err != nil {
		return nil, configErr(l.Path, "read: %v", err)
	}

	r := &resolver{seen: map[string]string{}, stack: map[string]bool{}}
	if err := r.resolve(root); err != nil {
		return nil, err
	}

	merged := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	merged.Content = r.pairs
	data, err := yaml.Marshal(merged)
	if err != nil {
		return nil, configErr(l.Path, "re-encode merged policy: %v", err)
	}
	var doc document
	if err := decodeStrict(data, &doc); err != nil {
		return nil, configErr(l.Path, "%v", err)
	}

	cfg, err := doc.validate()
	if err != nil {
		return nil, configErr(l.Path, "%v", err)
	}
	hash, err := l.Policy.HashJSON(cfg)
	if err != nil {
		return nil, configErr(l.Path, "hash: %v", err)
	}
	return &Loaded{
		Config:    cfg,
		Hash:      hash,
		BytesHash: l.Policy.HashBytes(raw),
		TextHash:  l.Policy.HashText(string(raw)),
		Files:     r.files,
	}, nil
}

// Hash returns the canonical policy hash of an in-memory config.
func Hash(p canon.HashPolicy, cfg *Config) (string, error) {
	return p.HashJSON(cfg)
}

func decodeStrict(data []byte, v interface{}) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil {
		return err
	}
	return nil
}

var driveLetter = regexp.MustCompile(`^[A-Za-z]:`)

type resolver struct {
	pairs []*yaml.Node
	seen  map[string]string // top-level key -> defining file
	stack map[string]bool
	files []string
}

// resolve loads path depth-first: includes contribute their keys before the
// including file's own keys. A key defined twice is ambiguous.
func (r *resolver) resolve(path string) error {
	if r.stack[path] {
		return configErr(path, "include cycle")
	}
	r.stack[path] = true
	defer delete(r.stack, path)

	data, err := os.ReadFile(path)
	if err != nil {
		return configErr(path, "read: %v", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return configErr(path, "parse: %v", err)
	}
	if len(node.Content) == 0 {
		return configErr(path, "empty policy document")
	}
	body := node.Content[0]
	if body.Kind != yaml.MappingNode {
		return configErr(path, "root must be a mapping")
	}
	var outline document
	if err := decodeStrict(data, &outline); err != nil && !errors.Is(err, io.EOF) {
		return configErr(path, "%v", err)
	}
	r.files = append(r.files, path)

	for _, inc := range outline.Includes {
		target, err := includePath(path, inc)
		if err != nil {
			return err
		}
		if err := r.resolve(target); err != nil {
			return err
		}
	}

	for i := 0; i+1 < len(body.Content); i += 2 {
		key, val := body.Content[i], body.Content[i+1]
		if key.Value == "includes" {
			continue
		}
		if prev, dup := r.seen[key.Value]; dup {
			return configErr(path, "ambiguous key %q also defined in %s", key.Value, prev)
		}
		r.seen[key.Value] = path
		r.pairs = append(r.pairs, key, val)
	}
	return nil
}

func includePath(from, inc string) (string, error) {
	if inc == "" {
		return "", configErr(from, "empty include path")
	}
	if filepath.IsAbs(inc) || strings.HasPrefix(inc, "/") || strings.HasPrefix(inc, `\`) || driveLetter.MatchString(inc) {
		return "", configErr(from, "absolute include path rejected: %s", inc)
	}
	for _, seg := range strings.FieldsFunc(inc, func(r rune) bool { return r == '/' || r == '\\' }) {
		if seg == ".." {
			return "", configErr(from, "include path traversal rejected: %s", inc)
		}
	}
	return filepath.Join(filepath.Dir(from), filepath.FromSlash(inc)), nil
}

func (d *document) validate() (*Config, error) {
	switch {
	case d.SchemaVersion == "":
		return nil, fmt.Errorf("missing required section: schema_version")
	case d.PolicyMetadata == nil:
		return nil, fmt.Errorf("missing required section: policy_metadata")
	case d.Budgets == nil:
		return nil, fmt.Errorf("missing required section: budgets")
	case d.FailureRouting == nil:
		return nil, fmt.Errorf("missing required section: failure_routing")
	case d.WaiverRules == nil:
		return nil, fmt.Errorf("missing required section: waiver_rules")
	case d.ProgressDetection == nil:
		return nil, fmt.Errorf("missing required section: progress_detection")
	case d.Determinism == nil:
		return nil, fmt.Errorf("missing required section: determinism")
	}
	if d.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %q, expected %s", d.SchemaVersion, SchemaVersion)
	}

	cfg := &Config{SchemaVersion: d.SchemaVersion, ProtectedPaths: d.ProtectedPaths}
	if cfg.ProtectedPaths == nil {
		cfg.ProtectedPaths = []string{}
	}

	md, err := d.PolicyMetadata.validate()
	if err != nil {
		return nil, err
	}
	cfg.Metadata = md

	if cfg.Budgets, err = d.Budgets.validate(); err != nil {
		return nil, err
	}
	if cfg.FailureRouting, err = validateRouting(d.FailureRouting); err != nil {
		return nil, err
	}
	if cfg.WaiverRules, err = d.WaiverRules.validate(); err != nil {
		return nil, err
	}
	if cfg.ProgressDetection, err = d.ProgressDetection.validate(); err != nil {
		return nil, err
	}
	if cfg.Determinism, err = d.Determinism.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (m *rawMetadata) validate() (Metadata, error) {
	fields := []struct {
		name string
		v    *string
	}{
		{"version", m.Version},
		{"effective_date", m.EffectiveDate},
		{"author", m.Author},
		{"description", m.Description},
	}
	for _, f := range fields {
		if f.v == nil {
			return Metadata{}, fmt.Errorf("missing policy_metadata key: %s", f.name)
		}
	}
	return Metadata{
		Version:       *m.Version,
		EffectiveDate: *m.EffectiveDate,
		Author:        *m.Author,
		Description:   *m.Description,
	}, nil
}

func (b *rawBudgets) validate() (Budgets, error) {
	required := []struct {
		name string
		v    *int
	}{
		{"max_attempts", b.MaxAttempts},
		{"max_tokens", b.MaxTokens},
		{"max_wall_clock_minutes", b.MaxWallClockMinutes},
		{"max_diff_lines_per_attempt", b.MaxDiffLinesPerAttempt},
	}
	for _, f := range required {
		if f.v == nil {
			return Budgets{}, fmt.Errorf("missing budget key: %s", f.name)
		}
		if *f.v < 0 {
			return Budgets{}, fmt.Errorf("budget %s must be non-negative, got %d", f.name, *f.v)
		}
	}
	if b.RetryLimits == nil {
		return Budgets{}, fmt.Errorf("missing budget key: retry_limits")
	}

	out := Budgets{
		MaxAttempts:            *b.MaxAttempts,
		MaxTokens:              *b.MaxTokens,
		MaxWallClockMinutes:    *b.MaxWallClockMinutes,
		MaxDiffLinesPerAttempt: *b.MaxDiffLinesPerAttempt,
		RetryLimits:            make(map[taxonomy.FailureClass]int, len(b.RetryLimits)),
		GlobalBypassLimit:      DefaultGlobalBypassLimit,
		DefaultPerClassLimit:   DefaultPerClassBypassLimit,
	}
	for key, limit := range b.RetryLimits {
		fc, err := taxonomy.ParseFailureClass(key)
		if err != nil {
			return Budgets{}, fmt.Errorf("retry_limits: invalid failure class %q", key)
		}
		if _, dup := out.RetryLimits[fc]; dup {
			return Budgets{}, fmt.Errorf("retry_limits: %q duplicates %s after normalization", key, fc)
		}
		if limit < 0 {
			return Budgets{}, fmt.Errorf("retry limit for %s must be non-negative, got %d", key, limit)
		}
		out.RetryLimits[fc] = limit
	}
	if b.GlobalBypassLimit != nil {
		if *b.GlobalBypassLimit < 0 {
			return Budgets{}, fmt.Errorf("global_bypass_limit must be non-negative")
		}
		out.GlobalBypassLimit = *b.GlobalBypassLimit
	}
	if b.DefaultPerClassLimit != nil {
		if *b.DefaultPerClassLimit < 0 {
			return Budgets{}, fmt.Errorf("default_per_class_limit must be non-negative")
		}
		out.DefaultPerClassLimit = *b.DefaultPerClassLimit
	}
	return out, nil
}

func validateRouting(raw map[string]rawRouting) (map[taxonomy.FailureClass]Routing, error) {
	out := make(map[taxonomy.FailureClass]Routing, len(raw))
	for key, rr := range raw {
		fc, err := taxonomy.ParseFailureClass(key)
		if err != nil {
			return nil, fmt.Errorf("failure_routing: invalid failure class key %q", key)
		}
		if _, dup := out[fc]; dup {
			return nil, fmt.Errorf("failure_routing: %q duplicates %s after normalization", key, fc)
		}
		if rr.DefaultAction == "" {
			return nil, fmt.Errorf("failure_routing: missing default_action for %s", key)
		}
		action, err := taxonomy.ParseLoopAction(rr.DefaultAction)
		if err != nil || (action != taxonomy.ActionRetry && action != taxonomy.ActionTerminate) {
			return nil, fmt.Errorf("failure_routing: invalid action %q for %s, must be RETRY or TERMINATE", rr.DefaultAction, key)
		}
		r := Routing{DefaultAction: action, PlanBypassEligible: rr.PlanBypassEligible, ScopeLimit: rr.ScopeLimit}
		if action == taxonomy.ActionTerminate && (rr.TerminalOutcome == "" || rr.TerminalReason == "") {
			return nil, fmt.Errorf("failure_routing: TERMINATE for %s requires terminal_outcome and terminal_reason", key)
		}
		if rr.TerminalOutcome != "" {
			o, err := taxonomy.ParseTerminalOutcome(rr.TerminalOutcome)
			if err != nil {
				return nil, fmt.Errorf("failure_routing: invalid terminal_outcome %q for %s", rr.TerminalOutcome, key)
			}
			r.TerminalOutcome = &o
		}
		if rr.TerminalReason != "" {
			tr, err := taxonomy.ParseTerminalReason(rr.TerminalReason)
			if err != nil {
				return nil, fmt.Errorf("failure_routing: invalid terminal_reason %q for %s", rr.TerminalReason, key)
			}
			r.TerminalReason = &tr
		}
		if sl := rr.ScopeLimit; sl != nil && (sl.MaxLines < 0 || sl.MaxFiles < 0) {
			return nil, fmt.Errorf("failure_routing: negative scope_limit for %s", key)
		}
		out[fc] = r
	}

	var missing []string
	for _, fc := range taxonomy.FailureClasses() {
		if _, ok := out[fc]; !ok {
			missing = append(missing, fc.String())
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("incomplete failure_routing, missing entries for: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func parseClassList(section string, raw []string) ([]taxonomy.FailureClass, error) {
	out := make([]taxonomy.FailureClass, 0, len(raw))
	for _, s := range raw {
		fc, err := taxonomy.ParseFailureClass(s)
		if err != nil {
			return nil, fmt.Errorf("waiver_rules.%s: invalid failure class %q", section, s)
		}
		out = append(out, fc)
	}
	return out, nil
}

func (w *rawWaiverRules) validate() (WaiverRules, error) {
	if w.Eligible == nil {
		return WaiverRules{}, fmt.Errorf("waiver_rules missing eligible_failure_classes")
	}
	if w.Ineligible == nil {
		return WaiverRules{}, fmt.Errorf("waiver_rules missing ineligible_failure_classes")
	}
	eligible, err := parseClassList("eligible_failure_classes", *w.Eligible)
	if err != nil {
		return WaiverRules{}, err
	}
	ineligible, err := parseClassList("ineligible_failure_classes", *w.Ineligible)
	if err != nil {
		return WaiverRules{}, err
	}
	out := WaiverRules{
		Eligible:           eligible,
		Ineligible:         ineligible,
		EscalationTriggers: w.EscalationTriggers,
		EscalationPrefixes: w.EscalationPrefixes,
	}
	if out.EscalationTriggers == nil {
		out.EscalationTriggers = []string{}
	}
	if out.EscalationPrefixes == nil {
		out.EscalationPrefixes = []string{}
	}
	return out, nil
}

func (p *rawProgress) validate() (ProgressDetection, error) {
	if p.NoProgressEnabled == nil {
		return ProgressDetection{}, fmt.Errorf("missing progress_detection flag: no_progress_enabled")
	}
	if p.OscillationEnabled == nil {
		return ProgressDetection{}, fmt.Errorf("missing progress_detection flag: oscillation_enabled")
	}
	out := ProgressDetection{
		NoProgressEnabled:     *p.NoProgressEnabled,
		OscillationEnabled:    *p.OscillationEnabled,
		NoProgressLookback:    DefaultNoProgressLookback,
		OscillationWindowSize: DefaultOscillationWindow,
	}
	if p.NoProgressLookback != nil {
		if *p.NoProgressLookback < 1 {
			return ProgressDetection{}, fmt.Errorf("no_progress_lookback must be >= 1")
		}
		out.NoProgressLookback = *p.NoProgressLookback
	}
	if p.OscillationWindowSize != nil {
		if *p.OscillationWindowSize < 2 {
			return ProgressDetection{}, fmt.Errorf("oscillation_window_size must be >= 2")
		}
		out.OscillationWindowSize = *p.OscillationWindowSize
	}
	return out, nil
}

func (d *rawDeterminism) validate() (Determinism, error) {
	if d.HashAlgorithm == "" {
		return Determinism{}, fmt.Errorf("missing determinism.hash_algorithm")
	}
	if d.HashAlgorithm != DefaultHashAlgorithm {
		return Determinism{}, fmt.Errorf("unsupported hash_algorithm %q, only sha256 supported", d.HashAlgorithm)
	}
	out := Determinism{HashAlgorithm: d.HashAlgorithm}
	if d.PolicyChangeAction != "" {
		o, err := taxonomy.ParseTerminalOutcome(d.PolicyChangeAction)
		if err != nil {
			return Determinism{}, fmt.Errorf("invalid policy_change_action %q", d.PolicyChangeAction)
		}
		if o == taxonomy.OutcomePass {
			return Determinism{}, fmt.Errorf("policy_change_action cannot be PASS")
		}
		out.PolicyChangeAction = &o
	}
	if d.PolicyChangeReason != "" {
		r, err := taxonomy.ParseTerminalReason(d.PolicyChangeReason)
		if err != nil {
			return Determinism{}, fmt.Errorf("invalid policy_change_reason %q", d.PolicyChangeReason)
		}
		out.PolicyChangeReason = &r
	}
	return out, nil
}
