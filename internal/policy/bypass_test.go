package policy

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buildloop/internal/ledger"
	"buildloop/internal/taxonomy"
)

// bypassRecord is an attempt that failed with fc after a bypass granted
// for the same class.
func bypassRecord(id int, fc taxonomy.FailureClass, pb *ledger.PlanBypass) ledger.Record {
	if pb != nil && pb.RuleID == "" {
		pb.RuleID = RuleID(fc)
	}
	return ledger.Record{AttemptID: id, FailureClass: &fc, ChangedFiles: []string{"src/file.go"}, PlanBypass: pb}
}

func applied(v bool) *ledger.PlanBypass {
	return &ledger.PlanBypass{Applied: v}
}

func smallPatch(files ...string) *ledger.PatchStats {
	return &ledger.PatchStats{FilesTouched: len(files), TotalLineDelta: 1, Files: files}
}

func lintRequest(history ...ledger.Record) BypassRequest {
	return BypassRequest{
		Class:    taxonomy.FailureLintError,
		Mode:     ledger.ModePatchful,
		Patch:    smallPatch("src/file.go"),
		Registry: []string{},
		History:  history,
	}
}

func TestIsPlanBypassEligible(t *testing.T) {
	e := New(DefaultConfig(), nil)

	tests := []struct {
		name     string
		class    taxonomy.FailureClass
		lines    int
		files    []string
		eligible bool
		reason   string
	}{
		{"lint within scope", taxonomy.FailureLintError, 10, []string{"src/foo.go", "src/bar.go"}, true, "eligible"},
		{"lint over max_lines", taxonomy.FailureLintError, 100, []string{"src/foo.go"}, false, "max_lines"},
		{"lint over max_files", taxonomy.FailureLintError, 10, []string{"a.go", "b.go", "c.go", "d.go"}, false, "max_files"},
		{"lint on governance path", taxonomy.FailureLintError, 10, []string{"docs/01_governance/policy.md"}, false, "governance"},
		{"test failure never eligible", taxonomy.FailureTestFailure, 10, []string{"src/foo.go"}, false, "not plan_bypass_eligible"},
		{"test flake", taxonomy.FailureTestFlake, 20, []string{"src/test.go"}, true, "eligible"},
		{"typo", taxonomy.FailureTypo, 5, []string{"README.md"}, true, "eligible"},
		{"formatting", taxonomy.FailureFormattingError, 30, []string{"src/main.go", "src/utils.go"}, true, "eligible"},
		{"unknown", taxonomy.FailureUnknown, 10, []string{"src/foo.go"}, false, "not plan_bypass_eligible"},
		{"gemini file", taxonomy.FailureLintError, 10, []string{"GEMINI.md"}, false, "governance"},
		{"constitution pattern", taxonomy.FailureTypo, 5, []string{"docs/MyConstitution_v1.0.md"}, false, "governance"},
		{"protocol pattern", taxonomy.FailureTypo, 5, []string{"docs/Some_Protocol_v1.0.md"}, false, "governance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := e.IsPlanBypassEligible(tt.class, tt.lines, tt.files)
			assert.Equal(t, tt.eligible, ok)
			assert.Contains(t, strings.ToLower(reason), tt.reason)
		})
	}
}

func TestIsGovernancePath(t *testing.T) {
	for _, p := range []string{
		"docs/00_foundations/constitution.md",
		"docs/01_governance/policy.md",
		"runtime/governance/rules.py",
		"GEMINI.md",
		"LifeOS_Constitution_v2.0.md",
		"some/path/Constitution_Draft.md",
		"Build_Protocol_v1.0.md",
		"docs/Protocol_Guide.md",
		`docs\01_governance\policy.md`,
	} {
		assert.True(t, IsGovernancePath(p), p)
	}
	for _, p := range []string{"src/main.py", "README.md", "docs/03_specs/feature.md"} {
		assert.False(t, IsGovernancePath(p), p)
	}
}

func TestEvaluatePlanBypass_Budget(t *testing.T) {
	e := New(DefaultConfig(), nil)

	t.Run("per-class exhausted", func(t *testing.T) {
		d := e.EvaluatePlanBypass(lintRequest(
			bypassRecord(1, taxonomy.FailureLintError, applied(true)),
			bypassRecord(2, taxonomy.FailureLintError, applied(true)),
			bypassRecord(3, taxonomy.FailureLintError, applied(true)),
		))
		assert.False(t, d.Eligible)
		assert.Equal(t, ReasonBypassPerClassExhausted, d.DecisionReason)
		assert.Equal(t, 0, d.Budget.PerClassRemaining)
		assert.Equal(t, 2, d.Budget.GlobalRemaining)
	})

	t.Run("global exhausted", func(t *testing.T) {
		d := e.EvaluatePlanBypass(lintRequest(
			bypassRecord(1, taxonomy.FailureLintError, applied(true)),
			bypassRecord(2, taxonomy.FailureTypo, applied(true)),
			bypassRecord(3, taxonomy.FailureFormattingError, applied(true)),
			bypassRecord(4, taxonomy.FailureTestFlake, applied(true)),
			bypassRecord(5, taxonomy.FailureTypo, applied(true)),
		))
		assert.False(t, d.Eligible)
		assert.Equal(t, ReasonBypassGlobalExhausted, d.DecisionReason)
		assert.Equal(t, 0, d.Budget.GlobalRemaining)
		assert.Equal(t, 2, d.Budget.PerClassRemaining)
	})

	t.Run("under limits", func(t *testing.T) {
		d := e.EvaluatePlanBypass(lintRequest(
			bypassRecord(1, taxonomy.FailureLintError, applied(true)),
			bypassRecord(2, taxonomy.FailureTypo, applied(true)),
		))
		assert.True(t, d.Eligible)
		assert.Equal(t, "Eligible", d.DecisionReason)
		assert.Equal(t, 2, d.Budget.PerClassRemaining)
		assert.Equal(t, 3, d.Budget.GlobalRemaining)
		assert.False(t, d.Applied, "applying is the caller's step")
	})

	t.Run("fresh ledger", func(t *testing.T) {
		d := e.EvaluatePlanBypass(lintRequest())
		assert.True(t, d.Eligible)
		assert.Equal(t, 3, d.Budget.PerClassRemaining)
		assert.Equal(t, 5, d.Budget.GlobalRemaining)
	})

	t.Run("only applied entries count", func(t *testing.T) {
		d := e.EvaluatePlanBypass(lintRequest(
			bypassRecord(1, taxonomy.FailureLintError, applied(false)),
			bypassRecord(2, taxonomy.FailureLintError, applied(true)),
			bypassRecord(3, taxonomy.FailureLintError, nil),
		))
		assert.True(t, d.Eligible)
		assert.Equal(t, 2, d.Budget.PerClassRemaining)
		assert.Equal(t, 4, d.Budget.GlobalRemaining)
	})

	t.Run("charged to the granted class", func(t *testing.T) {
		grantedForLint := func() *ledger.PlanBypass {
			return &ledger.PlanBypass{Applied: true, RuleID: RuleID(taxonomy.FailureLintError)}
		}
		history := []ledger.Record{
			bypassRecord(1, taxonomy.FailureTypo, grantedForLint()),
			bypassRecord(2, taxonomy.FailureTypo, grantedForLint()),
			bypassRecord(3, taxonomy.FailureTypo, grantedForLint()),
		}
		d := e.EvaluatePlanBypass(lintRequest(history...))
		assert.False(t, d.Eligible)
		assert.Equal(t, ReasonBypassPerClassExhausted, d.DecisionReason)
		assert.Equal(t, 0, d.Budget.PerClassRemaining)
		assert.Equal(t, 2, d.Budget.GlobalRemaining)

		typo := e.BypassBudget(taxonomy.FailureTypo, history, Usage{})
		assert.Equal(t, e.Config().Budgets.RetryLimits[taxonomy.FailureTypo], typo.PerClassRemaining)
	})

	t.Run("persisted usage from other runs", func(t *testing.T) {
		req := lintRequest()
		req.Usage = Usage{PerClass: map[taxonomy.FailureClass]int{taxonomy.FailureLintError: 3}, Global: 3}
		d := e.EvaluatePlanBypass(req)
		assert.False(t, d.Eligible)
		assert.Equal(t, ReasonBypassPerClassExhausted, d.DecisionReason)
		assert.Equal(t, 2, d.Budget.GlobalRemaining)
	})

	t.Run("default per-class limit", func(t *testing.T) {
		cfg := DefaultConfig()
		delete(cfg.Budgets.RetryLimits, taxonomy.FailureLintError)
		cfg.Budgets.DefaultPerClassLimit = 1
		d := New(cfg, nil).EvaluatePlanBypass(lintRequest(bypassRecord(1, taxonomy.FailureLintError, applied(true))))
		assert.Equal(t, ReasonBypassPerClassExhausted, d.DecisionReason)
	})
}

func TestEvaluatePlanBypass_Gates(t *testing.T) {
	e := New(DefaultConfig(), nil)

	tests := []struct {
		name   string
		mutate func(*BypassRequest)
		reason string
	}{
		{"ineligible class", func(r *BypassRequest) { r.Class = taxonomy.FailureTestFailure }, ReasonBypassClassIneligible},
		{"patchful without patch", func(r *BypassRequest) { r.Patch = nil }, ReasonBypassPatchMissing},
		{"rerun with patch", func(r *BypassRequest) { r.Mode = ledger.ModeNoChangeRerun }, ReasonBypassPatchPresent},
		{"suspicious modes", func(r *BypassRequest) { r.Patch.HasSuspiciousModes = true }, ReasonBypassSuspiciousModes},
		{"registry unavailable", func(r *BypassRequest) { r.Registry = nil }, ReasonBypassNoRegistry},
		{"absolute path", func(r *BypassRequest) { r.Patch = smallPatch("/etc/passwd") }, "Absolute path rejected: /etc/passwd"},
		{"drive letter", func(r *BypassRequest) { r.Patch = smallPatch(`C:\Windows\x.go`) }, `Absolute path rejected: C:\Windows\x.go`},
		{"traversal", func(r *BypassRequest) { r.Patch = smallPatch("src/../../outside.go") }, "Path traversal rejected: src/../../outside.go"},
		{"traversal into governance", func(r *BypassRequest) {
			r.Registry = e.ProtectedRegistry()
			r.Patch = smallPatch("src/../docs/01_governance/policy.md")
		}, "Path traversal rejected: src/../docs/01_governance/policy.md"},
		{"dot segment into governance", func(r *BypassRequest) {
			r.Registry = e.ProtectedRegistry()
			r.Patch = smallPatch("docs/./01_governance/policy.md")
		}, ReasonBypassProtectedHit},
		{"doubled slash into governance", func(r *BypassRequest) {
			r.Registry = e.ProtectedRegistry()
			r.Patch = smallPatch("docs//01_governance/policy.md")
		}, ReasonBypassProtectedHit},
		{"leading dot into governance", func(r *BypassRequest) {
			r.Registry = e.ProtectedRegistry()
			r.Patch = smallPatch("./runtime/governance/gate.py")
		}, ReasonBypassProtectedHit},
		{"absolute governance path", func(r *BypassRequest) {
			r.Registry = e.ProtectedRegistry()
			r.Patch = smallPatch("/docs/01_governance/policy.md")
		}, "Absolute path rejected: /docs/01_governance/policy.md"},
		{"protected hit", func(r *BypassRequest) {
			r.Registry = e.ProtectedRegistry()
			r.Patch = smallPatch("src/ok.go", "Docs/01_Governance/Rules.md")
		}, ReasonBypassProtectedHit},
		{"max lines", func(r *BypassRequest) { r.Patch.TotalLineDelta = 51 }, ReasonBypassMaxLines},
		{"max files", func(r *BypassRequest) { r.Patch = smallPatch("a.go", "b.go", "c.go", "d.go") }, ReasonBypassMaxFiles},
		{"unknown mode", func(r *BypassRequest) { r.Mode = "yolo" }, "Unknown mode: yolo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := lintRequest()
			tt.mutate(&req)
			d := e.EvaluatePlanBypass(req)
			assert.True(t, d.Evaluated)
			assert.False(t, d.Eligible)
			assert.Equal(t, tt.reason, d.DecisionReason)
			assert.Equal(t, 5, d.Budget.GlobalRemaining, "budget reported on denial")
		})
	}
}

func TestEvaluatePlanBypass_ProtectedHitsListed(t *testing.T) {
	e := New(DefaultConfig(), nil)
	req := lintRequest()
	req.Registry = []string{"config/loop/*.yaml"}
	req.Patch = smallPatch("config/loop/Policy.YAML", "src/a.go")

	d := e.EvaluatePlanBypass(req)
	assert.Equal(t, ReasonBypassProtectedHit, d.DecisionReason)
	assert.Equal(t, []string{"config/loop/Policy.YAML"}, d.ProtectedPathsHit)
}

func TestEvaluatePlanBypass_NoChangeRerun(t *testing.T) {
	e := New(DefaultConfig(), nil)
	req := lintRequest()
	req.Mode = ledger.ModeNoChangeRerun
	req.Patch = nil

	d := e.EvaluatePlanBypass(req)
	require.True(t, d.Eligible, d.DecisionReason)
	assert.False(t, d.ProposedPatch.Present)
	assert.Equal(t, 0, d.Scope.FilesTouched)
	assert.Equal(t, ledger.ModeNoChangeRerun, d.Mode)
}

func TestEvaluatePlanBypass_RecordsScopeAndRule(t *testing.T) {
	e := New(DefaultConfig(), nil)
	req := lintRequest()
	req.Patch = &ledger.PatchStats{FilesTouched: 2, TotalLineDelta: 12, Files: []string{"a.go", "b.go"}}

	d := e.EvaluatePlanBypass(req)
	require.True(t, d.Eligible)
	assert.Equal(t, "loop.lint_error", d.RuleID)
	assert.Equal(t, ledger.BypassScope{FilesTouched: 2, TotalLineDelta: 12, Files: []string{"a.go", "b.go"}}, d.Scope)
	assert.True(t, d.ProposedPatch.Present)
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"secrets/", "secrets/key.pem", true},
		{"secrets/", "src/secrets/key.pem", false},
		{"secrets/**", "SECRETS/a/b", true},
		{"config/loop/*.yaml", "config/loop/policy.yaml", true},
		{"config/loop/*.yaml", "config/loop/nested/policy.yaml", false},
		{"*.pem", "deep/dir/key.PEM", true},
		{"secrets/", "secrets", true},
		{"secrets/", "secretsplus/key.pem", false},
		{"secrets/", "./secrets//key.pem", true},
		{"secrets/", "src/./../secrets/key.pem", true},
		{"config/loop/*.yaml", "config//loop/./policy.yaml", true},
		{"secrets/", "../secrets/key.pem", true},
		{"*.pem", "..", true},
		{"", "anything", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchPattern(tt.pattern, tt.path), "%s vs %s", tt.pattern, tt.path)
	}
}
