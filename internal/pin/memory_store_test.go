package pin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStable(t *testing.T) {
	fp := Fingerprint("sess_abc", "203.0.113.7")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, Fingerprint("sess_abc", "203.0.113.7"))
	assert.NotEqual(t, fp, Fingerprint("sess_abc", "203.0.113.8"))
	assert.NotEqual(t, fp, Fingerprint("sess_abd", "203.0.113.7"))
}

func TestFingerprintDerivationsDiffer(t *testing.T) {
	a := Fingerprint("x", "1.2.3.4")
	b := FingerprintToken("x")
	c := FingerprintClient("1.2.3.4", "x")
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, b, c)
}

func livePin(sessionID, ip string, ttl time.Duration) Pin {
	now := time.Now().UTC()
	return Pin{
		SessionID:   sessionID,
		ClientIP:    ip,
		Fingerprint: Fingerprint(sessionID, ip),
		Target:      TargetDecoy,
		PinnedAt:    now,
		PinnedUntil: now.Add(ttl),
		Reason:      "poi",
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	p := livePin("s1", "10.0.0.1", time.Hour)
	require.NoError(t, s.Put(ctx, p))

	got, ok := s.Get(ctx, p.Fingerprint)
	require.True(t, ok)
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, TargetDecoy, got.Target)

	bySession, ok := s.GetBySession(ctx, "s1")
	require.True(t, ok)
	assert.Equal(t, p.Fingerprint, bySession.Fingerprint)
}

func TestExpiredPinLooksMissing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, livePin("s1", "10.0.0.1", -time.Minute)))

	_, ok := s.Get(ctx, Fingerprint("s1", "10.0.0.1"))
	assert.False(t, ok, "expired pins read as absent")

	_, ok = s.GetBySession(ctx, "s1")
	assert.False(t, ok)

	pins, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pins)
}

func TestDeleteBySessionRemovesAllPins(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, livePin("s1", "10.0.0.1", time.Hour)))
	require.NoError(t, s.Put(ctx, livePin("s1", "10.0.0.2", time.Hour)))
	require.NoError(t, s.Put(ctx, livePin("s2", "10.0.0.3", time.Hour)))

	removed, err := s.DeleteBySession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, ok := s.GetBySession(ctx, "s1")
	assert.False(t, ok)
	_, ok = s.GetBySession(ctx, "s2")
	assert.True(t, ok)

	removed, err = s.DeleteBySession(ctx, "ghost")
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestCountSplitsActiveFromTotal(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Put(ctx, livePin("live", "10.0.0.1", time.Hour)))
	require.NoError(t, s.Put(ctx, livePin("dead", "10.0.0.2", -time.Minute)))

	total, active, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, active)
	assert.LessOrEqual(t, active, total)
}
