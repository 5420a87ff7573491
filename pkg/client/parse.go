package client

import (
	"regexp"
	"strings"

	"github.com/goccy/go-json"

	"github.com/menta2k/bbox-classifier/pkg/types"
)

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reInline   = regexp.MustCompile(`(?m)//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

// ParseVerdict decodes a label review reply. Replies that are not JSON, or
// JSON without a label_matches field, yield a fallback verdict instead of an
// error.
func ParseVerdict(raw string) *types.LabelVerdict {
	cleaned := SanitizeModelJSON(raw)
	if !strings.HasPrefix(cleaned, "{") {
		return fallback("model returned non-JSON response")
	}

	var reply struct {
		Matches       *bool   `json:"label_matches"`
		ObservedLabel string  `json:"observed_label"`
		Confidence    float64 `json:"confidence"`
		Reason        string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(cleaned), &reply); err != nil {
		return fallback("failed to parse model response")
	}
	if reply.Matches == nil {
		return fallback("response has no label_matches field")
	}

	return &types.LabelVerdict{
		Matches:       *reply.Matches,
		ObservedLabel: strings.ToLower(strings.TrimSpace(reply.ObservedLabel)),
		Confidence:    clamp(reply.Confidence, 0, 1),
		Reason:        strings.TrimSpace(reply.Reason),
	}
}

func fallback(reason string) *types.LabelVerdict {
	return &types.LabelVerdict{
		ObservedLabel: "unknown",
		Reason:        reason,
		Fallback:      true,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from a
// model reply and keeps the outermost {...}
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reInline.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}
