package analyzer

import (
	"regexp"
	"strings"

	"tracetriage/internal/trace"
)

// FailureCause is the classified root-cause bucket for a failed operation.
type FailureCause string

const (
	CauseTimeout        FailureCause = "TIMEOUT"
	CauseToolError      FailureCause = "TOOL_ERROR"
	CauseRateLimit      FailureCause = "RATE_LIMIT"
	CauseParseError     FailureCause = "PARSE_ERROR"
	CausePromptDrift    FailureCause = "PROMPT_DRIFT"
	CauseRetrievalError FailureCause = "RETRIEVAL_ERROR"
	CauseUnknown        FailureCause = "UNKNOWN"
)

// Classification is the outcome of classifying a single failed operation.
type Classification struct {
	Cause   FailureCause
	Details string
}

// causeMatcher pairs a cause with compiled patterns over the error text.
// Some causes additionally require the operation name to match.
type causeMatcher struct {
	cause    FailureCause
	details  string
	patterns []*regexp.Regexp
	opName   *regexp.Regexp // optional operation-name requirement
}

// classificationOrder is the priority-ordered matcher chain. More specific
// categories (rate limit, parse, prompt-drift, retrieval) come before the
// generic timeout/network buckets; first match wins, so ambiguous messages
// resolve deterministically.
var classificationOrder = []causeMatcher{
	{
		cause:   CauseRateLimit,
		details: "API rate limit exceeded",
		patterns: compileAll(
			`\b429\b`,
			`rate.?limit`,
			`too many requests`,
			`quota exceeded`,
			`throttl`,
		),
	},
	{
		cause:   CauseParseError,
		details: "Output could not be parsed",
		patterns: compileAll(
			`\bjson\b`,
			`parse error`,
			`parsing failed`,
			`unexpected token`,
			`syntax error`,
			`unmarshal`,
			`malformed`,
		),
	},
	{
		cause:   CausePromptDrift,
		details: "Model output drifted from the expected format",
		patterns: compileAll(
			`format`,
			`validation failed`,
			`schema mismatch`,
			`missing required field`,
		),
		opName: regexp.MustCompile(`generat|completion|llm`),
	},
	{
		cause:   CauseRetrievalError,
		details: "Lookup against the knowledge store failed",
		patterns: compileAll(
			`database`,
			`query failed`,
			`no such table`,
			`not found in index`,
			`embedding`,
		),
		opName: regexp.MustCompile(`find.?similar|lookup|retriev|search|query`),
	},
	{
		cause:   CauseTimeout,
		details: "Operation exceeded its deadline",
		patterns: compileAll(
			`timeout`,
			`timed out`,
			`deadline exceeded`,
		),
	},
	{
		cause:   CauseToolError,
		details: "Tool or network failure",
		patterns: compileAll(
			`network`,
			`connection`,
			`econnrefused`,
			`econnreset`,
			`dial tcp`,
			`socket`,
			`\b50[0234]\b`,
			`tool (call|execution) failed`,
		),
	},
}

// ClassifyFailure maps a failed operation onto the fixed causal taxonomy.
// Matching is a case-insensitive priority-ordered scan of the error message
// and type; unrecognized text always resolves to UNKNOWN, never an error.
func ClassifyFailure(op *trace.Operation) Classification {
	if op == nil || op.Error == nil {
		return Classification{Cause: CauseUnknown, Details: "no error present"}
	}

	text := strings.ToLower(op.Error.Message + " " + op.Error.Type)
	opName := strings.ToLower(op.Name)

	for _, m := range classificationOrder {
		if m.opName != nil && !m.opName.MatchString(opName) {
			continue
		}
		for _, p := range m.patterns {
			if p.MatchString(text) {
				return Classification{Cause: m.cause, Details: m.details}
			}
		}
	}

	return Classification{Cause: CauseUnknown, Details: "unclassified failure"}
}

// compileAll compiles multiple case-insensitive regex patterns.
func compileAll(patterns ...string) []*regexp.Regexp {
	result := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		if r, err := regexp.Compile(`(?i)` + p); err == nil {
			result = append(result, r)
		}
	}
	return result
}
