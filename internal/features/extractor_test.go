package features

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func benignRequest() RequestInput {
	return RequestInput{
		Method: "GET",
		URL:    "/api/users?page=2",
		Headers: map[string]string{
			"User-Agent": "Mozilla/5.0 (X11; Linux x86_64)",
			"Accept":     "application/json",
		},
		QueryParams: map[string]string{"page": "2"},
	}
}

func TestExtractDimension(t *testing.T) {
	f := Extract(benignRequest())
	assert.Len(t, f, 102)

	names := Names()
	require.Len(t, names, 102)
	for _, name := range names {
		_, ok := f[name]
		assert.True(t, ok, "missing feature %s", name)
	}
}

func TestExtractDeterministic(t *testing.T) {
	req := RequestInput{
		Method:  "POST",
		URL:     "/search",
		Body:    `{"q": "' OR '1'='1"}`,
		Headers: map[string]string{"User-Agent": "sqlmap/1.7"},
	}
	first := Extract(req)
	second := Extract(req)
	assert.Equal(t, first, second)
}

func TestNamesSortedAndStable(t *testing.T) {
	a := Names()
	b := Names()
	require.Equal(t, a, b)
	for i := 1; i < len(a); i++ {
		assert.Less(t, a[i-1], a[i], "names must be sorted for stable vectorization")
	}
}

func TestPatternFeaturesFlagInjection(t *testing.T) {
	benign := Extract(benignRequest())
	assert.Zero(t, benign["sql_keyword_count"])
	assert.Zero(t, benign["xss_pattern_count"])

	hostile := Extract(RequestInput{
		Method: "GET",
		URL:    "/search?q=1 UNION SELECT username FROM users",
		Body:   `<script>alert(1)</script>`,
		Headers: map[string]string{
			"User-Agent": "sqlmap/1.7",
		},
	})
	assert.Greater(t, hostile["sql_keyword_count"], 0.0)
	assert.Greater(t, hostile["xss_pattern_count"], 0.0)
	assert.Equal(t, 1.0, hostile["user_agent_is_scanner"])
	assert.Equal(t, 1.0, hostile["has_union"])
	assert.Equal(t, 1.0, hostile["has_script_tag"])
}

func TestPathTraversalAndEncoding(t *testing.T) {
	f := Extract(RequestInput{
		Method: "GET",
		URL:    "/download?file=..%2F..%2F..%2Fetc%2Fpasswd",
	})
	assert.Greater(t, f["url_encoded_ratio"], 0.0)
}

func TestUnknownInputsDegradeToZero(t *testing.T) {
	f := Extract(RequestInput{})
	require.Len(t, f, 102)
	assert.Zero(t, f["request_length"])
	assert.Zero(t, f["param_count"])
	assert.Zero(t, f["has_user_agent"])
}
