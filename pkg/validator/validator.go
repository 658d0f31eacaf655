package validator

import (
	"net"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/meridianhq/axis/pkg/config"
	"github.com/meridianhq/axis/pkg/ident"
	"github.com/meridianhq/axis/pkg/types"
)

// Validator assesses execution plans against the configured policy. It is
// a pure function of (plan, policy): no store, no clock-dependent rules,
// no access to user text or conversation history.
type Validator struct {
	policy config.Policy
}

// New creates a validator with the given policy.
func New(policy config.Policy) *Validator {
	return &Validator{policy: policy}
}

// Validate assesses every step and aggregates the most restrictive
// verdict. overallRisk is the maximum step risk.
func (v *Validator) Validate(plan *types.ExecutionPlan) *types.ValidationResult {
	result := &types.ValidationResult{
		ID:          ident.NewID(),
		PlanID:      plan.ID,
		Verdict:     types.VerdictApproved,
		OverallRisk: types.RiskLow,
		CreatedAt:   time.Now().UTC(),
	}

	for _, step := range plan.Steps {
		sr := v.validateStep(step)
		result.StepResults = append(result.StepResults, sr)
		result.Verdict = types.MostRestrictive(result.Verdict, sr.Verdict)
		result.OverallRisk = types.MaxRisk(result.OverallRisk, sr.RiskLevel)
	}
	return result
}

func (v *Validator) validateStep(step *types.PlanStep) *types.StepValidationResult {
	sr := &types.StepValidationResult{
		StepID:    step.ID,
		Verdict:   types.VerdictApproved,
		RiskLevel: step.RiskLevel,
		Category:  "general",
		Reasoning: "no policy rule triggered",
	}
	if sr.RiskLevel == "" {
		sr.RiskLevel = types.RiskLow
	}

	raise := func(verdict types.Verdict, category, reason string) {
		if types.MostRestrictive(sr.Verdict, verdict) != sr.Verdict {
			sr.Verdict = verdict
			sr.Category = category
			sr.Reasoning = reason
		}
	}

	// Risk floors by action class.
	switch {
	case isShellExec(step):
		if command, ok := stringParam(step, "command"); !ok || strings.TrimSpace(command) == "" {
			raise(types.VerdictRejected, "shell", "shell execution without a reviewable command")
		} else {
			raise(types.VerdictNeedsApproval, "shell", "shell execution requires user approval")
		}
	case isPayment(step):
		if _, ok := numericParam(step, "amount"); !ok {
			raise(types.VerdictRejected, "monetary", "payment without a bounded amount")
		} else {
			raise(types.VerdictNeedsApproval, "monetary", "outbound payment requires user approval")
		}
	case isCredentialAccess(step):
		raise(types.VerdictNeedsApproval, "credential", "credential access requires user approval")
	case isDestructiveFilesystem(step):
		raise(types.VerdictNeedsApproval, "filesystem", "destructive filesystem action requires user approval")
	}

	// Filesystem scope.
	for _, key := range []string{"path", "source", "destination"} {
		if p, ok := stringParam(step, key); ok && !v.pathInWorkspace(p) {
			raise(types.VerdictRejected, "filesystem", "path escapes the workspace root: "+p)
		}
	}

	// Network scope.
	if raw, ok := stringParam(step, "url"); ok {
		if reason, ok := v.urlAllowed(raw); !ok {
			raise(types.VerdictRejected, "network", reason)
		}
	}

	// Monetary cap.
	if amount, ok := numericParam(step, "amount"); ok && amount > v.policy.MaxTransactionAmountUSD {
		raise(types.VerdictRejected, "monetary",
			"amount "+strconv.FormatFloat(amount, 'f', 2, 64)+" exceeds the transaction cap")
	}

	// Critical steps always need a human.
	if sr.RiskLevel == types.RiskCritical {
		raise(types.VerdictNeedsApproval, "risk", "critical risk level requires user approval")
	}

	return sr
}

var destructiveActions = map[string]bool{
	"delete": true, "remove": true, "rm": true,
	"wipe": true, "format": true, "truncate": true,
}

func isDestructiveFilesystem(step *types.PlanStep) bool {
	return destructiveActions[strings.ToLower(step.Action)]
}

func isCredentialAccess(step *types.PlanStep) bool {
	for _, s := range []string{step.Gear, step.Action} {
		s = strings.ToLower(s)
		if strings.Contains(s, "credential") || strings.Contains(s, "secret") ||
			strings.Contains(s, "keychain") || strings.Contains(s, "password") {
			return true
		}
	}
	return false
}

func isPayment(step *types.PlanStep) bool {
	action := strings.ToLower(step.Action)
	return strings.Contains(strings.ToLower(step.Gear), "payment") ||
		action == "pay" || action == "transfer" || action == "purchase"
}

func isShellExec(step *types.PlanStep) bool {
	action := strings.ToLower(step.Action)
	return strings.ToLower(step.Gear) == "shell" ||
		action == "exec" || action == "execute" || action == "run_command"
}

// pathInWorkspace is a syntactic check only; it never touches the
// filesystem. Absolute paths must sit under the workspace root and no
// cleaned path may climb out of it.
func (v *Validator) pathInWorkspace(p string) bool {
	if strings.Contains(p, "..") {
		return false
	}
	cleaned := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if strings.HasPrefix(cleaned, "/") {
		root := path.Clean(strings.ReplaceAll(v.policy.WorkspaceRoot, "\\", "/"))
		return cleaned == root || strings.HasPrefix(cleaned, root+"/")
	}
	return true
}

func (v *Validator) urlAllowed(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "unparseable url: " + raw, false
	}

	protocolOK := false
	for _, proto := range v.policy.AllowedProtocols {
		if strings.EqualFold(u.Scheme, proto) {
			protocolOK = true
			break
		}
	}
	if !protocolOK {
		return "protocol not allowed: " + u.Scheme, false
	}

	host := strings.ToLower(u.Hostname())
	if host == "localhost" || isPrivateHost(host) {
		return "private or loopback host: " + host, false
	}

	for _, domain := range v.policy.AllowedDomains {
		domain = strings.ToLower(domain)
		if host == domain || strings.HasSuffix(host, "."+domain) {
			return "", true
		}
	}
	return "host not in allowed domains: " + host, false
}

func isPrivateHost(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}

func stringParam(step *types.PlanStep, key string) (string, bool) {
	raw, ok := step.Parameters[key]
	if !ok {
		return "", false
	}
	s, ok := raw.(string)
	return s, ok
}

func numericParam(step *types.PlanStep, key string) (float64, bool) {
	raw, ok := step.Parameters[key]
	if !ok {
		return 0, false
	}
	switch n := raw.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
