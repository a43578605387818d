// Package improver owns per-agent prompt text and proposes textual
// improvements driven by failure evidence. Prompt history is versioned and
// never deleted; every improvement is recorded as a structured change list.
package improver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tracetriage/internal/analyzer"
	"tracetriage/internal/logging"
	"tracetriage/internal/trace"
)

// PromptConfig is a versioned prompt for one agent.
type PromptConfig struct {
	ID         string            `json:"id" yaml:"id"`
	Name       string            `json:"name" yaml:"name"`
	Version    string            `json:"version" yaml:"version"`
	Prompt     string            `json:"prompt" yaml:"prompt"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	CreatedAt  time.Time         `json:"created_at" yaml:"created_at"`
}

// Improvement is the outcome of one improvement attempt. A no-op improvement
// (nothing needed fixing) carries the original prompt and confidence 1.0.
type Improvement struct {
	Agent          trace.Agent `json:"agent"`
	OriginalPrompt string      `json:"original_prompt"`
	ImprovedPrompt string      `json:"improved_prompt"`
	Changes        []string    `json:"changes"`
	Confidence     float64     `json:"confidence"`
}

// defaultPrompts seed the v1 config for each agent.
var defaultPrompts = map[trace.Agent]string{
	trace.AgentTester:   "You are the Tester agent. Execute the test plan against the target and report every assertion outcome truthfully.",
	trace.AgentTriage:   "You are the Triage agent. Inspect failing test output and isolate the smallest reproducible cause.",
	trace.AgentFixer:    "You are the Fixer agent. Produce the minimal patch that resolves the triaged failure without breaking passing tests.",
	trace.AgentVerifier: "You are the Verifier agent. Re-run affected tests and confirm the patch resolves the failure.",
	trace.AgentCrawler:  "You are the Crawler agent. Navigate the target application and enumerate interactive elements for testing.",
}

// PromptImprover maintains versioned prompt configurations per agent.
// Construct one instance per orchestrator and inject it; no process-wide
// singleton is involved.
type PromptImprover struct {
	mu       sync.RWMutex
	versions map[trace.Agent][]*PromptConfig // oldest first, v1 seeded
}

// NewPromptImprover seeds one default config (v1) per agent.
func NewPromptImprover() *PromptImprover {
	pi := &PromptImprover{
		versions: make(map[trace.Agent][]*PromptConfig),
	}

	for agent, prompt := range defaultPrompts {
		pi.versions[agent] = []*PromptConfig{{
			ID:        uuid.New().String(),
			Name:      fmt.Sprintf("%s default", agent),
			Version:   "v1",
			Prompt:    prompt,
			CreatedAt: time.Now(),
		}}
	}

	logging.ImproverDebug("PromptImprover seeded with %d agent defaults", len(defaultPrompts))
	return pi
}

// Prompt returns the current (latest) version's prompt text for an agent.
func (pi *PromptImprover) Prompt(agent trace.Agent) string {
	pi.mu.RLock()
	defer pi.mu.RUnlock()

	history := pi.versions[agent]
	if len(history) == 0 {
		return ""
	}
	return history[len(history)-1].Prompt
}

// SetPrompt overwrites the current prompt text without creating a new version
// entry. Used for direct overrides.
func (pi *PromptImprover) SetPrompt(agent trace.Agent, text string) {
	pi.mu.Lock()
	defer pi.mu.Unlock()

	history := pi.versions[agent]
	if len(history) == 0 {
		pi.versions[agent] = []*PromptConfig{{
			ID:        uuid.New().String(),
			Name:      fmt.Sprintf("%s override", agent),
			Version:   "v1",
			Prompt:    text,
			CreatedAt: time.Now(),
		}}
		return
	}
	history[len(history)-1].Prompt = text
	logging.Improver("Prompt overridden for %s (version %s)", agent, history[len(history)-1].Version)
}

// CreateConfig appends a new version (v{N+1}) to the agent's history and
// makes it current.
func (pi *PromptImprover) CreateConfig(agent trace.Agent, name, prompt string) *PromptConfig {
	pi.mu.Lock()
	defer pi.mu.Unlock()
	return pi.createConfigLocked(agent, name, prompt)
}

func (pi *PromptImprover) createConfigLocked(agent trace.Agent, name, prompt string) *PromptConfig {
	cfg := &PromptConfig{
		ID:        uuid.New().String(),
		Name:      name,
		Version:   fmt.Sprintf("v%d", len(pi.versions[agent])+1),
		Prompt:    prompt,
		CreatedAt: time.Now(),
	}
	pi.versions[agent] = append(pi.versions[agent], cfg)

	logging.Improver("Prompt config created: agent=%s version=%s name=%q", agent, cfg.Version, name)
	return cfg
}

// Config returns the config with the given version string, or nil.
func (pi *PromptImprover) Config(agent trace.Agent, version string) *PromptConfig {
	pi.mu.RLock()
	defer pi.mu.RUnlock()

	for _, cfg := range pi.versions[agent] {
		if cfg.Version == version {
			return cfg
		}
	}
	return nil
}

// CurrentConfig returns the latest config for an agent, or nil.
func (pi *PromptImprover) CurrentConfig(agent trace.Agent) *PromptConfig {
	pi.mu.RLock()
	defer pi.mu.RUnlock()

	history := pi.versions[agent]
	if len(history) == 0 {
		return nil
	}
	return history[len(history)-1]
}

// Versions returns the full version history for an agent, oldest first,
// starting with the seeded v1 default.
func (pi *PromptImprover) Versions(agent trace.Agent) []*PromptConfig {
	pi.mu.RLock()
	defer pi.mu.RUnlock()

	history := pi.versions[agent]
	out := make([]*PromptConfig, len(history))
	copy(out, history)
	return out
}

// guidance maps a failure cause to the prompt text appended for it and the
// human-readable change description recorded alongside.
type guidance struct {
	text   string
	change string
}

var causeGuidance = map[analyzer.FailureCause]guidance{
	analyzer.CauseParseError: {
		text:   "\n\nIMPORTANT: Respond with valid JSON only. Do not wrap the response in markdown fences or add commentary outside the JSON object.",
		change: "Added explicit JSON output-format instructions",
	},
	analyzer.CausePromptDrift: {
		text:   "\n\nIMPORTANT: Follow the required output format exactly. Include every required field; never substitute your own structure.",
		change: "Added format-adherence constraints",
	},
	analyzer.CauseTimeout: {
		text:   "\n\nKeep responses focused and concise. Prefer the shortest correct answer; avoid exhaustive enumeration unless asked.",
		change: "Added brevity guidance to reduce generation time",
	},
	analyzer.CauseRateLimit: {
		text:   "\n\nBatch related questions into a single request instead of issuing many small calls.",
		change: "Added call-batching guidance to reduce request volume",
	},
	analyzer.CauseRetrievalError: {
		text:   "\n\nWhen a lookup fails, state that the information was unavailable rather than guessing.",
		change: "Added degraded-retrieval fallback guidance",
	},
	analyzer.CauseToolError: {
		text:   "\n\nWhen a tool call fails, report the failure and retry once before giving up; never fabricate tool output.",
		change: "Added tool-failure handling guidance",
	},
}

// guidanceOrder fixes the append order so identical failure sets always
// produce identical improved prompts.
var guidanceOrder = []analyzer.FailureCause{
	analyzer.CauseParseError,
	analyzer.CausePromptDrift,
	analyzer.CauseTimeout,
	analyzer.CauseRateLimit,
	analyzer.CauseRetrievalError,
	analyzer.CauseToolError,
}

// ImprovePrompt inspects the agent's failures and appends targeted guidance
// to its current prompt, recording each addition as a change description.
// With no failures for the agent the original prompt comes back unchanged
// with confidence 1.0: a no-op improvement is maximally confident because
// nothing needed fixing.
func (pi *PromptImprover) ImprovePrompt(ctx context.Context, agent trace.Agent, failures []*analyzer.FailureAnalysis) (*Improvement, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	timer := logging.StartTimer(logging.CategoryImprover, "PromptImprover.ImprovePrompt")
	defer timer.Stop()

	original := pi.Prompt(agent)

	causes := make(map[analyzer.FailureCause]int)
	for _, f := range failures {
		if f.Agent == agent {
			causes[f.Cause] += f.Frequency
		}
	}

	if len(causes) == 0 {
		logging.ImproverDebug("No failures for %s; improvement is a no-op", agent)
		return &Improvement{
			Agent:          agent,
			OriginalPrompt: original,
			ImprovedPrompt: original,
			Changes:        []string{},
			Confidence:     1.0,
		}, nil
	}

	var sb strings.Builder
	sb.WriteString(original)
	var changes []string

	for _, cause := range guidanceOrder {
		count, seen := causes[cause]
		if !seen {
			continue
		}
		g := causeGuidance[cause]
		if strings.Contains(original, g.text) {
			// Guidance already present from an earlier improvement cycle.
			continue
		}
		sb.WriteString(g.text)
		changes = append(changes, fmt.Sprintf("%s (driven by %d %s failure(s))", g.change, count, cause))
	}

	improvement := &Improvement{
		Agent:          agent,
		OriginalPrompt: original,
		ImprovedPrompt: sb.String(),
		Changes:        changes,
		Confidence:     improvementConfidence(causes),
	}

	logging.Improver("Prompt improved for %s: %d change(s), confidence=%.2f",
		agent, len(changes), improvement.Confidence)

	return improvement, nil
}

// improvementConfidence scales with failure evidence: more observed
// occurrences mean stronger signal that the guidance targets a real problem.
func improvementConfidence(causes map[analyzer.FailureCause]int) float64 {
	total := 0
	for _, n := range causes {
		total += n
	}
	switch {
	case total >= 5:
		return 0.9
	case total >= 3:
		return 0.8
	case total >= 2:
		return 0.7
	default:
		return 0.6
	}
}
