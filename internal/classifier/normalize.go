package classifier

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lucasnoah/archon/internal/pipeline"
)

// fallbackQuestions are synthesized when a verdict says the issue is
// underspecified but offers no questions of its own.
var fallbackQuestions = []string{
	"What is the expected behavior once this issue is resolved?",
	"Which parts of the codebase do you expect this change to touch?",
}

// rawVerdict accepts whatever shape the model produced; json.RawMessage
// fields defer type decisions to the normalization pass.
type rawVerdict struct {
	IssueType              string          `json:"issue_type"`
	Requirements           json.RawMessage `json:"requirements"`
	AffectedPackages       json.RawMessage `json:"affected_packages"`
	CompletenessScore      json.RawMessage `json:"completeness_score"`
	ClarificationQuestions json.RawMessage `json:"clarification_questions"`
	Confidence             json.RawMessage `json:"confidence"`
	Reasoning              string          `json:"reasoning"`
}

// Normalize converts a raw verdict into a valid Classification. It is total:
// no input produces an error, and the output always satisfies the verdict
// invariants (known type, score in [1,5], questions present iff score < 3
// requires them).
func Normalize(raw rawVerdict) *pipeline.Classification {
	c := &pipeline.Classification{
		IssueType:              normalizeType(raw.IssueType),
		Requirements:           coerceStringList(raw.Requirements),
		AffectedPackages:       coerceStringList(raw.AffectedPackages),
		CompletenessScore:      coerceScore(raw.CompletenessScore),
		ClarificationQuestions: coerceStringList(raw.ClarificationQuestions),
		Confidence:             coerceConfidence(raw.Confidence),
		Reasoning:              strings.TrimSpace(raw.Reasoning),
	}
	if c.NeedsClarification() {
		if len(c.ClarificationQuestions) == 0 {
			c.ClarificationQuestions = append([]string(nil), fallbackQuestions...)
		}
	} else {
		// A complete issue carries no questions, whatever the model said.
		c.ClarificationQuestions = []string{}
	}
	return c
}

// DefaultVerdict is the verdict used when classification fails outright.
func DefaultVerdict(cause error) *pipeline.Classification {
	return &pipeline.Classification{
		IssueType:              pipeline.IssueTypeUnknown,
		Requirements:           []string{},
		AffectedPackages:       []string{},
		CompletenessScore:      1,
		ClarificationQuestions: append([]string(nil), fallbackQuestions...),
		Reasoning:              fmt.Sprintf("classification failed: %v", cause),
	}
}

func normalizeType(s string) pipeline.IssueType {
	t := pipeline.IssueType(strings.ToLower(strings.TrimSpace(s)))
	if t.Valid() {
		return t
	}
	return pipeline.IssueTypeUnknown
}

// coerceStringList accepts a JSON array of strings; anything else (null,
// scalar, object, array of non-strings) collapses to an empty list, keeping
// string entries that do decode.
func coerceStringList(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return []string{}
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return []string{}
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// coerceScore accepts a number or numeric string and clamps to [1,5];
// anything else becomes 1.
func coerceScore(raw json.RawMessage) int {
	score := 1
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		score = int(f)
	} else {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
				score = n
			}
		}
	}
	if score < 1 {
		score = 1
	}
	if score > 5 {
		score = 5
	}
	return score
}

// coerceConfidence clamps to [0,1]; non-numeric values are dropped.
func coerceConfidence(raw json.RawMessage) *float64 {
	if len(raw) == 0 {
		return nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil
	}
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	return &f
}
