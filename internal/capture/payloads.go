package capture

import "regexp"

// Payload families reported by ExtractPayloads.
const (
	TypeSQLInjection     = "sql_injection"
	TypeXSS              = "xss"
	TypeCommandInjection = "command_injection"
	TypePathTraversal    = "path_traversal"
)

// Payload is an attack payload spotted in a captured request.
type Payload struct {
	Type       string  `json:"type"`
	Value      string  `json:"value"`
	Location   string  `json:"location"`
	Confidence float64 `json:"confidence"`
}

var (
	sqlPayloadRes = compilePayloadRes(
		`'\s*(?:OR|AND)\s*'?\d*'?\s*=\s*'?\d*`,
		`UNION\s+SELECT`,
		`;\s*(?:DROP|DELETE|INSERT|UPDATE)\s+`,
		`(?:--|#|/\*)`,
	)
	xssPayloadRes = compilePayloadRes(
		`<script[^>]*>`,
		`javascript:`,
		`on\w+\s*=`,
	)
	cmdPayloadRes = compilePayloadRes(
		`[;&|]\s*(?:cat|ls|whoami|wget|curl|bash|sh|nc)`,
		`\$\(.*?\)`,
	)
	traversalPayloadRe = regexp.MustCompile(`(?i)(?:\.\./|\.\.\\|%2e%2e)`)
)

func compilePayloadRes(patterns ...string) []*regexp.Regexp {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, regexp.MustCompile(`(?i)`+p))
	}
	return res
}

// ExtractPayloads scans the combined request text for attack payloads. At
// most one payload per family is reported, first matching pattern wins.
func ExtractPayloads(combined string) []Payload {
	var out []Payload

	for _, re := range sqlPayloadRes {
		if m := re.FindString(combined); m != "" {
			out = append(out, Payload{
				Type:       TypeSQLInjection,
				Value:      truncateValue(m),
				Location:   "request",
				Confidence: 0.85,
			})
			break
		}
	}

	for _, re := range xssPayloadRes {
		if m := re.FindString(combined); m != "" {
			out = append(out, Payload{
				Type:       TypeXSS,
				Value:      truncateValue(m),
				Location:   "request",
				Confidence: 0.80,
			})
			break
		}
	}

	for _, re := range cmdPayloadRes {
		if m := re.FindString(combined); m != "" {
			out = append(out, Payload{
				Type:       TypeCommandInjection,
				Value:      truncateValue(m),
				Location:   "request",
				Confidence: 0.75,
			})
			break
		}
	}

	// Traversal keeps the surrounding context rather than the bare marker.
	if traversalPayloadRe.MatchString(combined) {
		out = append(out, Payload{
			Type:       TypePathTraversal,
			Value:      truncateValue(combined),
			Location:   "url",
			Confidence: 0.90,
		})
	}

	return out
}

func truncateValue(s string) string {
	if len(s) > 200 {
		return s[:200]
	}
	return s
}
