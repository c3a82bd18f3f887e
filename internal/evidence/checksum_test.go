package evidence

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackageChecksumIsOrderIndependent(t *testing.T) {
	a := PackageChecksum(map[string]string{
		"evt_1/metadata.json": "aaa",
		"evt_1/session.har":   "bbb",
	})
	b := PackageChecksum(map[string]string{
		"evt_1/session.har":   "bbb",
		"evt_1/metadata.json": "aaa",
	})
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestPackageChecksumSensitiveToContent(t *testing.T) {
	base := PackageChecksum(map[string]string{"x": "aaa"})
	assert.NotEqual(t, base, PackageChecksum(map[string]string{"x": "aab"}))
	assert.NotEqual(t, base, PackageChecksum(map[string]string{"x": "aaa", "y": "bbb"}))
}

func TestPayloadChecksumVector(t *testing.T) {
	// SHA-256 of the exact payload text, hex encoded.
	assert.Equal(t,
		"2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824",
		PayloadChecksum("hello"))
}

func TestCaptureFingerprintShape(t *testing.T) {
	fp := CaptureFingerprint("203.0.113.7", "sqlmap/1.7")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, CaptureFingerprint("203.0.113.7", "sqlmap/1.7"))
	assert.NotEqual(t, fp, CaptureFingerprint("203.0.113.8", "sqlmap/1.7"))
}

func TestIDPrefixes(t *testing.T) {
	assert.Regexp(t, `^evt_[0-9a-f]{12}$`, NewEventID())
	assert.Regexp(t, `^cap_[0-9a-f]{8}$`, NewCaptureID())
}
