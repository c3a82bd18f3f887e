package waf

import (
	"encoding/json"
	"strings"
)

// Partial scores for non-block matches and the score of a block match.
const (
	stringMatchScore = 80.0
	regexMatchScore  = 85.0
	blockMatchScore  = 100.0
)

// MatchResult is the outcome of evaluating one request against the rule set.
type MatchResult struct {
	Score     float64
	BlockedBy string
	Matched   []string
}

// CombinedText flattens the inspected surfaces of a request into the single
// string rules match against. Header serialization is deterministic (sorted
// keys), so the same request always produces the same text.
func CombinedText(url, body string, headers map[string]string) string {
	hdrs, _ := json.Marshal(headers)
	return url + " " + body + " " + string(hdrs)
}

// Evaluate scores the combined text against a snapshot. Rules run in the
// snapshot's ascending-priority order; the first block-action match wins
// outright with score 100. Non-block matches only raise the partial score.
func Evaluate(snapshot []ActiveRule, combined string) MatchResult {
	var res MatchResult

	for _, ar := range snapshot {
		r := ar.Rule

		var matched bool
		partial := stringMatchScore
		switch r.Match.Kind {
		case MatchString:
			matched = strings.Contains(combined, r.Match.Pattern)
		case MatchRegex:
			if ar.Regexp == nil {
				continue
			}
			matched = ar.Regexp.MatchString(combined)
			partial = regexMatchScore
		}
		if !matched {
			continue
		}

		res.Matched = append(res.Matched, r.RuleID)
		if r.Action == ActionBlock {
			res.Score = blockMatchScore
			res.BlockedBy = r.RuleID
			return res
		}
		if partial > res.Score {
			res.Score = partial
		}
	}
	return res
}
