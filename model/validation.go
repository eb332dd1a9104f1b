package model

import "fmt"

// Graph validation codes.
const (
	IssueStartStepMissing   = "START_STEP_MISSING"
	IssueStartStepNotInFlow = "START_STEP_NOT_IN_FLOW"
	IssueUnreachableStep    = "UNREACHABLE_STEP"
	IssueDanglingTransition = "DANGLING_TRANSITION"
	IssueCrossFlow          = "CROSS_FLOW_TRANSITION"
	IssueDuplicateStepID    = "DUPLICATE_STEP_ID"
	IssueDuplicateOrder     = "DUPLICATE_ORDER"
	IssueShadowedTransition = "SHADOWED_TRANSITION"
	IssueInvalidCondition   = "INVALID_CONDITION"
	IssueInvalidConfig      = "INVALID_CONFIG"
	IssueUnknownStepType    = "UNKNOWN_STEP_TYPE"
	IssueRuleNotUpstream    = "RULE_STEP_NOT_UPSTREAM"
	IssueStepIDRequired     = "STEP_ID_REQUIRED"
)

// Issue is a single structural problem found in a flow graph.
type Issue struct {
	Path    string `json:"path"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (i Issue) Error() string {
	return fmt.Sprintf("%s: %s (%s)", i.Path, i.Message, i.Code)
}

// ValidationResult lists every problem found in one pass. Errors block
// publishing a flow; warnings do not.
type ValidationResult struct {
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// Valid reports whether the result carries no errors.
func (r ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

// FieldErrors converts the result's errors into field errors suitable for a
// VALIDATION_ERROR envelope.
func (r ValidationResult) FieldErrors() []FieldError {
	out := make([]FieldError, 0, len(r.Errors))
	for _, e := range r.Errors {
		out = append(out, FieldError{Field: e.Path, Code: e.Code, Message: e.Message})
	}
	return out
}
