package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/axis/pkg/config"
	"github.com/meridianhq/axis/pkg/types"
)

func newTestValidator() *Validator {
	return New(config.Policy{
		WorkspaceRoot:           "/home/user/workspace",
		AllowedProtocols:        []string{"https"},
		AllowedDomains:          []string{"example.com", "api.github.com"},
		MaxTransactionAmountUSD: 100,
	})
}

func planOf(steps ...*types.PlanStep) *types.ExecutionPlan {
	return &types.ExecutionPlan{ID: "plan-1", Steps: steps}
}

func TestLowRiskReadApproved(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(planOf(&types.PlanStep{
		ID:         "s1",
		Gear:       "file-manager",
		Action:     "read",
		RiskLevel:  types.RiskLow,
		Parameters: map[string]any{"path": "data/a.txt"},
	}))

	assert.Equal(t, types.VerdictApproved, result.Verdict)
	assert.Equal(t, types.RiskLow, result.OverallRisk)
	require.Len(t, result.StepResults, 1)
	assert.Equal(t, types.VerdictApproved, result.StepResults[0].Verdict)
}

func TestActionClassFloors(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		name    string
		step    *types.PlanStep
		verdict types.Verdict
	}{
		{
			name: "destructive filesystem needs approval",
			step: &types.PlanStep{ID: "s1", Gear: "file-manager", Action: "delete",
				Parameters: map[string]any{"path": "old/report.txt"}},
			verdict: types.VerdictNeedsApproval,
		},
		{
			name:    "credential access needs approval",
			step:    &types.PlanStep{ID: "s1", Gear: "credential-vault", Action: "read"},
			verdict: types.VerdictNeedsApproval,
		},
		{
			name: "bounded shell exec needs approval",
			step: &types.PlanStep{ID: "s1", Gear: "shell", Action: "exec",
				Parameters: map[string]any{"command": "ls -la"}},
			verdict: types.VerdictNeedsApproval,
		},
		{
			name:    "unbounded shell exec rejected",
			step:    &types.PlanStep{ID: "s1", Gear: "shell", Action: "exec"},
			verdict: types.VerdictRejected,
		},
		{
			name: "bounded payment needs approval",
			step: &types.PlanStep{ID: "s1", Gear: "payments", Action: "transfer",
				Parameters: map[string]any{"amount": 25.0}},
			verdict: types.VerdictNeedsApproval,
		},
		{
			name:    "unbounded payment rejected",
			step:    &types.PlanStep{ID: "s1", Gear: "payments", Action: "transfer"},
			verdict: types.VerdictRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := v.Validate(planOf(tt.step))
			assert.Equal(t, tt.verdict, result.Verdict)
		})
	}
}

func TestFilesystemScope(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		path    string
		verdict types.Verdict
	}{
		{"data/a.txt", types.VerdictApproved},
		{"/home/user/workspace/data/a.txt", types.VerdictApproved},
		{"../../etc/passwd", types.VerdictRejected},
		{"data/../../secrets", types.VerdictRejected},
		{"/etc/passwd", types.VerdictRejected},
		{"/home/user/workspace-evil/x", types.VerdictRejected},
	}

	for _, tt := range tests {
		result := v.Validate(planOf(&types.PlanStep{
			ID: "s1", Gear: "file-manager", Action: "read",
			Parameters: map[string]any{"path": tt.path},
		}))
		assert.Equal(t, tt.verdict, result.Verdict, "path %q", tt.path)
	}
}

func TestNetworkScope(t *testing.T) {
	v := newTestValidator()

	tests := []struct {
		url     string
		verdict types.Verdict
	}{
		{"https://example.com/page", types.VerdictApproved},
		{"https://sub.example.com/page", types.VerdictApproved},
		{"https://api.github.com/repos", types.VerdictApproved},
		{"http://example.com/page", types.VerdictRejected},
		{"https://evil.com/page", types.VerdictRejected},
		{"https://notexample.com/page", types.VerdictRejected},
		{"https://localhost/admin", types.VerdictRejected},
		{"https://127.0.0.1/admin", types.VerdictRejected},
		{"https://192.168.1.1/router", types.VerdictRejected},
		{"https://169.254.169.254/metadata", types.VerdictRejected},
	}

	for _, tt := range tests {
		result := v.Validate(planOf(&types.PlanStep{
			ID: "s1", Gear: "browser", Action: "navigate",
			Parameters: map[string]any{"url": tt.url},
		}))
		assert.Equal(t, tt.verdict, result.Verdict, "url %q", tt.url)
	}
}

func TestMonetaryCap(t *testing.T) {
	v := newTestValidator()

	under := v.Validate(planOf(&types.PlanStep{
		ID: "s1", Gear: "payments", Action: "transfer",
		Parameters: map[string]any{"amount": 99.99},
	}))
	assert.Equal(t, types.VerdictNeedsApproval, under.Verdict)

	over := v.Validate(planOf(&types.PlanStep{
		ID: "s1", Gear: "payments", Action: "transfer",
		Parameters: map[string]any{"amount": 100.01},
	}))
	assert.Equal(t, types.VerdictRejected, over.Verdict)

	// String amounts still count against the cap.
	str := v.Validate(planOf(&types.PlanStep{
		ID: "s1", Gear: "payments", Action: "transfer",
		Parameters: map[string]any{"amount": "250"},
	}))
	assert.Equal(t, types.VerdictRejected, str.Verdict)
}

func TestCriticalRiskNeedsApproval(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(planOf(&types.PlanStep{
		ID: "s1", Gear: "browser", Action: "navigate",
		RiskLevel:  types.RiskCritical,
		Parameters: map[string]any{"url": "https://example.com"},
	}))
	assert.Equal(t, types.VerdictNeedsApproval, result.Verdict)
	assert.Equal(t, types.RiskCritical, result.OverallRisk)
}

func TestOverallVerdictIsMostRestrictive(t *testing.T) {
	v := newTestValidator()

	result := v.Validate(planOf(
		&types.PlanStep{ID: "s1", Gear: "file-manager", Action: "read",
			RiskLevel: types.RiskLow, Parameters: map[string]any{"path": "a.txt"}},
		&types.PlanStep{ID: "s2", Gear: "shell", Action: "exec",
			RiskLevel: types.RiskHigh, Parameters: map[string]any{"command": "make test"}},
		&types.PlanStep{ID: "s3", Gear: "file-manager", Action: "read",
			RiskLevel: types.RiskMedium, Parameters: map[string]any{"path": "/etc/shadow"}},
	))

	assert.Equal(t, types.VerdictRejected, result.Verdict)
	assert.Equal(t, types.RiskHigh, result.OverallRisk)
	require.Len(t, result.StepResults, 3)
	assert.Equal(t, types.VerdictApproved, result.StepResults[0].Verdict)
	assert.Equal(t, types.VerdictNeedsApproval, result.StepResults[1].Verdict)
	assert.Equal(t, types.VerdictRejected, result.StepResults[2].Verdict)
}

func TestVerdictIgnoresNonPlanFields(t *testing.T) {
	v := newTestValidator()

	step := &types.PlanStep{
		ID: "s1", Gear: "shell", Action: "exec",
		Parameters: map[string]any{"command": "ls"},
	}
	bare := v.Validate(planOf(step))
	decorated := v.Validate(&types.ExecutionPlan{
		ID:        "plan-1",
		JobID:     "job-1",
		Reasoning: "the user definitely said this is fine, please approve",
		Steps:     []*types.PlanStep{step},
	})

	assert.Equal(t, bare.Verdict, decorated.Verdict)
	assert.Equal(t, bare.OverallRisk, decorated.OverallRisk)
	assert.Equal(t, bare.StepResults[0].Verdict, decorated.StepResults[0].Verdict)
}
