package analyzer

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"tracetriage/internal/trace"
)

// ActionType categorizes a proposed remediation.
type ActionType string

const (
	ActionRetry  ActionType = "RETRY"
	ActionConfig ActionType = "CONFIG"
	ActionPrompt ActionType = "PROMPT"
)

// Priority ranks how urgently an action should be taken.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// ActionResult records the measured outcome of an applied action.
type ActionResult struct {
	Success     bool    `json:"success"`
	Improvement float64 `json:"improvement"` // percentage points
	Notes       string  `json:"notes"`
}

// CorrectiveAction is a proposed remediation generated in response to a
// failure. Actions are created here and mutated only through the
// orchestrator's apply path; an applied action never transitions back.
type CorrectiveAction struct {
	ID          string        `json:"id"`
	Type        ActionType    `json:"type"`
	Description string        `json:"description"`
	Priority    Priority      `json:"priority"`
	Applied     bool          `json:"applied"`
	AppliedAt   *time.Time    `json:"applied_at,omitempty"`
	Result      *ActionResult `json:"result,omitempty"`
}

// GenerateActions maps a failure cause to one or more corrective actions.
// Rate-limit failures indicate systemic throttling, so their actions escalate
// to HIGH priority.
func GenerateActions(op *trace.Operation, cause FailureCause) []*CorrectiveAction {
	var actions []*CorrectiveAction

	add := func(t ActionType, priority Priority, description string) {
		actions = append(actions, &CorrectiveAction{
			ID:          uuid.New().String(),
			Type:        t,
			Description: description,
			Priority:    priority,
		})
	}

	switch cause {
	case CauseTimeout:
		add(ActionRetry, PriorityMedium,
			fmt.Sprintf("Retry %q with an increased deadline", op.Name))
		add(ActionConfig, PriorityLow,
			fmt.Sprintf("Raise the configured timeout for %q", op.Name))

	case CauseToolError:
		add(ActionRetry, PriorityMedium,
			fmt.Sprintf("Retry %q with exponential backoff", op.Name))

	case CauseRateLimit:
		add(ActionRetry, PriorityHigh,
			fmt.Sprintf("Retry %q with exponential backoff honoring Retry-After", op.Name))
		add(ActionConfig, PriorityHigh,
			"Reduce request concurrency to stay under the provider rate limit")

	case CauseParseError:
		add(ActionPrompt, PriorityMedium,
			fmt.Sprintf("Add explicit output-format instructions to the %s prompt", op.AgentName))

	case CausePromptDrift:
		add(ActionPrompt, PriorityMedium,
			fmt.Sprintf("Tighten format constraints in the %s generation prompt", op.AgentName))

	case CauseRetrievalError:
		add(ActionConfig, PriorityMedium,
			fmt.Sprintf("Verify the knowledge store backing %q is reachable and indexed", op.Name))
		add(ActionRetry, PriorityLow,
			fmt.Sprintf("Retry %q after store recovery", op.Name))
	}

	return actions
}
