// Package safety implements the Safety Validator: seven immutable
// rules enforced before every executor dispatch and every self-update
// proposal. The rule set and the logger handle it protects are
// constructed once at process start and never replaced — components
// receive a *Validator as an injected read-only capability, never
// reach for a package-level mutable singleton.
package safety

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Rule numbers are stable identifiers so blob events and error values
// can cite a rule by number without redefining its meaning.
const (
	RuleNoHarmToCreator = 1
	RuleNoCredentialExfil = 2
	RuleBlobLogAvailable = 3
	RuleNoRulesOrLoggerEdit = 4
	RuleLoggingNotDisableable = 5
	RuleNoHiddenSubagents = 6
	RuleNoBudgetOverrideWithoutCreator = 7
)

// Violation is a safety-rule rejection, distinct from an ordinary
// validation error so callers can branch on {kind: safety, rule: n}.
type Violation struct {
	Rule   int
	Reason string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("safety rule %d violated: %s", v.Rule, v.Reason)
}

// harmKeywords is the heuristic keyword/intent check for rule 1. It is
// deliberately coarse — a heuristic, not a classifier.
var harmKeywords = []string{
	"delete all", "wipe the", "format the drive", "destroy", "lock out the creator",
	"change the creator's password", "harm the creator", "threaten",
}

// credentialPatterns implements rule 2's exfiltration scan, generalized
// from internal/tools/shell_exec.go's denied-command substring check
// into an output-scanning regex list. Matches are redacted, not
// merely blocked, since legitimate tool output may incidentally
// contain a credential-shaped substring that should still be visible
// with the secret masked.
var credentialPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._-]{10,}`),
	regexp.MustCompile(`(?i)basic\s+[A-Za-z0-9+/=]{10,}`),
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*\S+`),
	regexp.MustCompile(`[a-zA-Z]{2,10}:\/\/[^:\s]+:[^@\s]+@`), // userinfo in a URL
}

// rulesFilePath and loggerImplPath are never config-driven, per rule
// 4: "No modification of the safety-rules data or logger
// implementation". Hard-coding these as unexported constants is the
// enforcement mechanism itself. loggerImplPath names the file that
// builds the process's slog handler (level parsing, level naming),
// not the log/slog import path itself — a self-update proposal can
// never legitimately target an import path as a write destination, so
// comparing against one made this branch unreachable.
const (
	rulesFilePath  = "internal/safety/safety.go"
	loggerImplPath = "internal/config/logging.go"
)

// BlobAvailabilityChecker reports whether the blob log is currently
// writable, for rule 3.
type BlobAvailabilityChecker interface {
	Available() bool
}

// Validator enforces the seven rules. Constructed once at startup with
// the process-global logger (rule 5: the logger handle is
// non-replaceable after init) and a blob-availability checker (rule 3).
type Validator struct {
	logger *slog.Logger
	blob   BlobAvailabilityChecker
}

// New constructs a Validator. logger must be the same *slog.Logger
// instance used everywhere else in the process — passing a different
// one per call site would defeat rule 5.
func New(logger *slog.Logger, blob BlobAvailabilityChecker) *Validator {
	return &Validator{logger: logger, blob: blob}
}

// Action is the minimal shape the validator needs from a planned
// action to check it against the rules, decoupled from the planner's
// own Action type to keep this package import-free of planner.
type Action struct {
	Tool       string
	Parameters map[string]any
}

// ValidateAction runs rules 1, 3, and 6 against a single planned
// action before executor dispatch. Rules 2, 4, 5, 7 are enforced elsewhere (output
// scanning, self-update path checks, logger construction, and the
// budget-override HTTP handler, respectively) because they don't apply
// to the shape of a pre-execution action.
func (v *Validator) ValidateAction(a Action) error {
	if v.blob != nil && !v.blob.Available() {
		return &Violation{Rule: RuleBlobLogAvailable, Reason: "blob log is unavailable; refusing to proceed without an audit trail"}
	}

	if a.Tool == registerSubagentToolName {
		return &Violation{Rule: RuleNoHiddenSubagents, Reason: "tool registration is append-only; dynamic subagent creation is not permitted"}
	}

	if containsHarmIntent(describeAction(a)) {
		return &Violation{Rule: RuleNoHarmToCreator, Reason: "action text matches a harm-to-creator heuristic"}
	}

	return nil
}

// registerSubagentToolName is the one tool name the registry is
// guaranteed to never expose, reserved to make rule 6 checkable even
// though the real enforcement is the registry's append-only API
// (internal/tools.Registry has no "deregister" or "spawn" method).
const registerSubagentToolName = "__spawn_subordinate_agent__"

func describeAction(a Action) string {
	var sb strings.Builder
	sb.WriteString(a.Tool)
	for _, v := range a.Parameters {
		sb.WriteString(" ")
		fmt.Fprintf(&sb, "%v", v)
	}
	return sb.String()
}

func containsHarmIntent(text string) bool {
	lower := strings.ToLower(text)
	for _, kw := range harmKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// ScanAndRedact implements rule 2 against tool/LLM output: any
// credential-shaped substring is replaced with "[REDACTED]". Returns
// the redacted text and whether a redaction occurred (for blob
// logging).
func ScanAndRedact(output string) (redacted string, found bool) {
	redacted = output
	for _, pat := range credentialPatterns {
		if pat.MatchString(redacted) {
			found = true
			redacted = pat.ReplaceAllString(redacted, "[REDACTED]")
		}
	}
	return redacted, found
}

// ValidateSelfUpdatePaths implements rule 4 for the Self-Update
// Protocol's write path: rejects any proposal touching the rules file
// or the logger implementation, regardless of what the proposal's own
// allowlist configuration says.
func ValidateSelfUpdatePaths(paths []string) error {
	for _, p := range paths {
		clean := strings.TrimPrefix(p, "./")
		if clean == rulesFilePath {
			return &Violation{Rule: RuleNoRulesOrLoggerEdit, Reason: "self-update proposal targets the safety rules file"}
		}
		if clean == loggerImplPath {
			return &Violation{Rule: RuleNoRulesOrLoggerEdit, Reason: "self-update proposal targets the logger implementation"}
		}
	}
	return nil
}
