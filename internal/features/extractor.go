// Package features turns an HTTP request into the fixed 102-dimension
// numeric vector the anomaly detector scores. Extraction is pure: the same
// request always yields the same vector, and unknown inputs degrade to 0.
package features

import (
	"bytes"
	"compress/zlib"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Keyword and pattern tables behind the pattern-family features.
var (
	sqlKeywords = []string{
		"SELECT", "UNION", "INSERT", "UPDATE", "DELETE", "DROP", "CREATE",
		"ALTER", "EXEC", "EXECUTE", "DECLARE", "CAST", "CONVERT", "FROM",
		"WHERE", " OR ", " AND ", " LIKE ", " HAVING ", " INFORMATION_SCHEMA",
		"SLEEP", "LOAD_FILE", "BENCHMARK",
	}

	xssPatterns = []string{
		"<script", "javascript:", "onerror=", "onload=", "onclick=",
		"<iframe", "<object", "<embed", "alert(", "eval(",
	}

	commandPatterns = []string{
		"bash", "sh", "cmd", "powershell", "wget", "curl",
		"nc", "netcat", "/bin/", "&&", "||", ";", "|",
	}

	pathTraversalPatterns = []string{"../", "..\\", "%2e%2e", "%252e%252e"}

	scannerAgents = []string{"nikto", "sqlmap", "nmap", "masscan"}

	ldapProbes = []string{"*(", "*)", "(|"}
)

var (
	wordRe    = regexp.MustCompile(`\w+`)
	alnumRe   = regexp.MustCompile(`[a-zA-Z0-9]+`)
	digitsRe  = regexp.MustCompile(`\d+`)
	longHexRe = regexp.MustCompile(`[0-9a-fA-F]{16,}`)
	longB64Re = regexp.MustCompile(`[A-Za-z0-9+/]{20,}={0,2}`)
)

// RequestInput is the slice of a request the extractor reads. Header names
// are expected in canonical form (User-Agent, Content-Type, ...). Metadata
// carries session-level counters supplied by the caller; absent keys fall
// back to per-feature defaults.
type RequestInput struct {
	Method      string
	URL         string
	Headers     map[string]string
	Body        string
	QueryParams map[string]string
	Metadata    map[string]any
}

// Extract computes all six feature families:
// basic 10, content 20, pattern 25, entropy 15, behavioral 20, header 12.
func Extract(r RequestInput) map[string]float64 {
	f := make(map[string]float64, 102)
	basicFeatures(f, r)
	contentFeatures(f, r)
	patternFeatures(f, r)
	entropyFeatures(f, r)
	behavioralFeatures(f, r)
	headerFeatures(f, r)
	return f
}

var names struct {
	once sync.Once
	list []string
}

// Names returns the frozen, sorted list of feature names.
func Names() []string {
	names.once.Do(func() {
		f := Extract(RequestInput{})
		for name := range f {
			names.list = append(names.list, name)
		}
		sort.Strings(names.list)
	})
	return names.list
}

func basicFeatures(f map[string]float64, r RequestInput) {
	f["request_length"] = float64(len(r.Body))
	f["url_length"] = float64(len(r.URL))
	f["header_count"] = float64(len(r.Headers))
	f["param_count"] = float64(len(r.QueryParams))
	f["method_is_post"] = boolFeature(r.Method == "POST")
	f["method_is_get"] = boolFeature(r.Method == "GET")
	f["method_is_put"] = boolFeature(r.Method == "PUT")
	f["method_is_delete"] = boolFeature(r.Method == "DELETE")
	f["has_body"] = boolFeature(len(r.Body) > 0)
	f["has_query_params"] = boolFeature(len(r.QueryParams) > 0)
}

func contentFeatures(f map[string]float64, r RequestInput) {
	combined := r.URL + " " + r.Body

	f["digit_ratio"] = charRatio(combined, unicode.IsDigit)
	f["alpha_ratio"] = charRatio(combined, unicode.IsLetter)
	f["special_char_ratio"] = specialCharRatio(combined)
	f["uppercase_ratio"] = charRatio(combined, unicode.IsUpper)
	f["lowercase_ratio"] = charRatio(combined, unicode.IsLower)
	f["space_ratio"] = charRatio(combined, unicode.IsSpace)
	f["null_byte_count"] = float64(strings.Count(combined, "\x00"))
	f["newline_count"] = float64(strings.Count(combined, "\n"))
	f["url_depth"] = float64(strings.Count(r.URL, "/"))
	f["url_params_length"] = float64(len(r.QueryParams))
	if r.Body != "" {
		f["body_lines"] = float64(strings.Count(r.Body, "\n") + 1)
	} else {
		f["body_lines"] = 0
	}
	f["avg_word_length"] = avgWordLength(combined)
	f["max_word_length"] = maxWordLength(combined)
	f["unique_char_count"] = uniqueCharCount(combined)
	f["repeated_char_ratio"] = repeatedCharRatio(combined)
	f["hex_ratio"] = setRatio(combined, "0123456789abcdefABCDEF")
	f["base64_ratio"] = setRatio(combined,
		"ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/=")
	f["url_encoded_ratio"] = urlEncodedRatio(combined)
	f["json_like"] = boolFeature(strings.Contains(r.Body, "{") && strings.Contains(r.Body, "}"))
	f["xml_like"] = boolFeature(strings.Contains(r.Body, "<") && strings.Contains(r.Body, ">"))
}

func patternFeatures(f map[string]float64, r RequestInput) {
	combined := r.URL + " " + r.Body
	upper := strings.ToUpper(combined)
	lower := strings.ToLower(combined)

	f["sql_keyword_count"] = countOccurrences(upper, sqlKeywords)
	f["xss_pattern_count"] = countOccurrences(lower, xssPatterns)
	f["command_pattern_count"] = countOccurrences(lower, commandPatterns)
	f["path_traversal_count"] = countOccurrences(lower, pathTraversalPatterns)
	f["has_union"] = boolFeature(strings.Contains(upper, "UNION"))
	f["has_select"] = boolFeature(strings.Contains(upper, "SELECT"))
	f["has_script_tag"] = boolFeature(strings.Contains(lower, "<script"))
	f["has_iframe"] = boolFeature(strings.Contains(lower, "<iframe"))
	f["has_javascript"] = boolFeature(strings.Contains(lower, "javascript:"))
	f["has_eval"] = boolFeature(strings.Contains(lower, "eval("))
	f["has_exec"] = boolFeature(strings.Contains(lower, "exec"))
	f["sql_comment_count"] = float64(strings.Count(combined, "--") + strings.Count(combined, "/*"))
	f["quote_count"] = float64(strings.Count(combined, "'") + strings.Count(combined, `"`))
	f["semicolon_count"] = float64(strings.Count(combined, ";"))
	f["equals_count"] = float64(strings.Count(combined, "="))
	f["angle_bracket_count"] = float64(strings.Count(combined, "<") + strings.Count(combined, ">"))
	f["parenthesis_count"] = float64(strings.Count(combined, "(") + strings.Count(combined, ")"))
	f["pipe_count"] = float64(strings.Count(combined, "|"))
	f["ampersand_count"] = float64(strings.Count(combined, "&"))
	f["percent_count"] = float64(strings.Count(combined, "%"))
	f["dollar_count"] = float64(strings.Count(combined, "$"))
	f["backslash_count"] = float64(strings.Count(combined, `\`))
	f["dot_dot_slash"] = float64(strings.Count(combined, "../"))
	f["double_encoding"] = boolFeature(strings.Contains(combined, "%25"))
	f["ldap_injection"] = boolFeature(containsAny(combined, ldapProbes))
}

func entropyFeatures(f map[string]float64, r RequestInput) {
	combined := r.URL + r.Body

	f["entropy_url"] = shannonEntropy(r.URL)
	f["entropy_body"] = shannonEntropy(r.Body)
	f["entropy_combined"] = shannonEntropy(combined)
	f["url_entropy_per_char"] = shannonEntropy(r.URL) / math.Max(float64(len(r.URL)), 1)
	f["body_entropy_per_char"] = shannonEntropy(r.Body) / math.Max(float64(len(r.Body)), 1)
	f["url_randomness"] = randomnessScore(r.URL)
	f["body_randomness"] = randomnessScore(r.Body)
	f["longest_alphanum_sequence"] = longestMatch(alnumRe, combined)
	f["longest_repeated_char"] = longestRepeatedChar(combined)
	f["consonant_ratio"] = setRatio(combined, consonants)
	f["vowel_ratio"] = setRatio(combined, vowels)
	f["digit_sequence_max"] = longestMatch(digitsRe, combined)
	f["has_long_hex_string"] = boolFeature(longHexRe.MatchString(combined))
	f["has_long_base64_string"] = boolFeature(longB64Re.MatchString(combined))
	f["compression_ratio"] = compressionRatio(combined)
}

// behavioralFeatures reads session-level counters from request metadata.
// The inspection engine does not populate them yet; they default so the
// vector shape stays fixed.
func behavioralFeatures(f map[string]float64, r RequestInput) {
	md := r.Metadata

	f["requests_per_second"] = metaFloat(md, "req_per_sec", 0)
	f["requests_in_session"] = metaFloat(md, "req_count", 1)
	f["unique_paths_visited"] = metaFloat(md, "unique_paths", 1)
	f["failed_auth_attempts"] = metaFloat(md, "failed_auth", 0)
	f["method_switches"] = metaFloat(md, "method_switches", 0)
	f["user_agent_changes"] = metaFloat(md, "ua_changes", 0)
	f["time_since_last_request"] = metaFloat(md, "time_since_last", 0)
	f["avg_request_size"] = metaFloat(md, "avg_req_size", float64(len(r.Body)))
	f["error_responses"] = metaFloat(md, "error_count", 0)
	f["redirect_count"] = metaFloat(md, "redirect_count", 0)
	f["session_duration"] = metaFloat(md, "session_duration", 0)
	f["path_depth_variance"] = metaFloat(md, "path_depth_var", 0)
	f["suspicious_path_ratio"] = metaFloat(md, "suspicious_path_ratio", 0)
	f["repeated_param_names"] = metaFloat(md, "repeated_params", 0)
	f["http_version_anomaly"] = metaFloat(md, "http_version_anomaly", 0)
	f["referer_anomaly"] = boolFeature(r.Headers["Referer"] == "")
	f["accept_header_missing"] = boolFeature(r.Headers["Accept"] == "")
	f["cookie_count"] = float64(len(strings.Split(r.Headers["Cookie"], ";")))
	f["unusual_port"] = metaFloat(md, "unusual_port", 0)
	f["protocol_violation"] = metaFloat(md, "protocol_violation", 0)
}

func headerFeatures(f map[string]float64, r RequestInput) {
	ua := r.Headers["User-Agent"]
	uaLower := strings.ToLower(ua)
	ct := strings.ToLower(r.Headers["Content-Type"])

	f["user_agent_length"] = float64(len(ua))
	f["user_agent_entropy"] = shannonEntropy(ua)
	f["has_user_agent"] = boolFeature(ua != "")
	f["user_agent_is_curl"] = boolFeature(strings.Contains(uaLower, "curl"))
	f["user_agent_is_python"] = boolFeature(strings.Contains(uaLower, "python"))
	f["user_agent_is_scanner"] = boolFeature(containsAny(uaLower, scannerAgents))
	_, hasXFF := r.Headers["X-Forwarded-For"]
	f["has_x_forwarded_for"] = boolFeature(hasXFF)
	_, hasAuth := r.Headers["Authorization"]
	f["has_authorization"] = boolFeature(hasAuth)
	_, hasCookie := r.Headers["Cookie"]
	f["has_cookie"] = boolFeature(hasCookie)
	f["content_type_json"] = boolFeature(strings.Contains(r.Headers["Content-Type"], "application/json"))
	f["content_type_xml"] = boolFeature(strings.Contains(ct, "xml"))
	f["suspicious_content_type"] = boolFeature(
		strings.Contains(ct, "multipart") || strings.Contains(ct, "octet-stream"))
}

// ==================== Helpers ====================

const (
	vowels     = "aeiouAEIOU"
	consonants = "bcdfghjklmnpqrstvwxyzBCDFGHJKLMNPQRSTVWXYZ"
)

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func charRatio(text string, test func(rune) bool) float64 {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}
	count := 0
	for _, c := range runes {
		if test(c) {
			count++
		}
	}
	return float64(count) / float64(len(runes))
}

func specialCharRatio(text string) float64 {
	return charRatio(text, func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c) && !unicode.IsSpace(c)
	})
}

// setRatio is the fraction of characters drawn from the given alphabet.
func setRatio(text, alphabet string) float64 {
	return charRatio(text, func(c rune) bool {
		return strings.ContainsRune(alphabet, c)
	})
}

func urlEncodedRatio(text string) float64 {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}
	return float64(strings.Count(text, "%")) / float64(len(runes))
}

func avgWordLength(text string) float64 {
	words := wordRe.FindAllString(text, -1)
	if len(words) == 0 {
		return 0
	}
	total := 0
	for _, w := range words {
		total += len(w)
	}
	return float64(total) / float64(len(words))
}

func maxWordLength(text string) float64 {
	max := 0
	for _, w := range wordRe.FindAllString(text, -1) {
		if len(w) > max {
			max = len(w)
		}
	}
	return float64(max)
}

func uniqueCharCount(text string) float64 {
	seen := make(map[rune]struct{})
	for _, c := range text {
		seen[c] = struct{}{}
	}
	return float64(len(seen))
}

func repeatedCharRatio(text string) float64 {
	runes := []rune(text)
	if len(runes) < 2 {
		return 0
	}
	repeated := 0
	for i := 0; i < len(runes)-1; i++ {
		if runes[i] == runes[i+1] {
			repeated++
		}
	}
	return float64(repeated) / float64(len(runes))
}

func countOccurrences(text string, patterns []string) float64 {
	total := 0
	for _, p := range patterns {
		total += strings.Count(text, p)
	}
	return float64(total)
}

func containsAny(text string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

func shannonEntropy(text string) float64 {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}
	counts := make(map[rune]int)
	for _, c := range runes {
		counts[c]++
	}
	length := float64(len(runes))
	entropy := 0.0
	for _, count := range counts {
		p := float64(count) / length
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// randomnessScore measures deviation from the vowel ratio of English text.
// All-symbol strings score 1 (maximally random).
func randomnessScore(text string) float64 {
	runes := []rune(text)
	if len(runes) < 4 {
		return 0
	}
	vowelCount, consonantCount := 0, 0
	for _, c := range runes {
		switch {
		case strings.ContainsRune(vowels, c):
			vowelCount++
		case strings.ContainsRune(consonants, c):
			consonantCount++
		}
	}
	if vowelCount+consonantCount == 0 {
		return 1
	}
	ratio := float64(vowelCount) / float64(vowelCount+consonantCount)
	deviation := math.Abs(ratio - 0.35)
	return math.Min(deviation*3, 1)
}

func longestMatch(re *regexp.Regexp, text string) float64 {
	max := 0
	for _, m := range re.FindAllString(text, -1) {
		if len(m) > max {
			max = len(m)
		}
	}
	return float64(max)
}

func longestRepeatedChar(text string) float64 {
	runes := []rune(text)
	if len(runes) == 0 {
		return 0
	}
	maxLen, cur := 1, 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1] {
			cur++
			if cur > maxLen {
				maxLen = cur
			}
		} else {
			cur = 1
		}
	}
	return float64(maxLen)
}

// compressionRatio is compressed-size over raw-size, a proxy for randomness.
func compressionRatio(text string) float64 {
	if text == "" {
		return 0
	}
	var buf bytes.Buffer
	w := zlib.NewWriter(&buf)
	if _, err := w.Write([]byte(text)); err != nil {
		w.Close()
		return 1
	}
	if err := w.Close(); err != nil {
		return 1
	}
	return float64(buf.Len()) / float64(len(text))
}

func metaFloat(md map[string]any, key string, def float64) float64 {
	if md == nil {
		return def
	}
	switch v := md[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}
