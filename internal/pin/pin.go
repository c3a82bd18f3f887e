// Package pin owns session pins: the fingerprint derivations that identify
// a session across requests and the stores that hold the pin table. Expiry
// is enforced lazily at read time, so a missing pin and an expired pin are
// indistinguishable to callers.
package pin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Routing targets.
const (
	TargetProduction = "production"
	TargetDecoy      = "decoy"
)

// DefaultDuration pins a session for a full day unless the caller says
// otherwise.
const DefaultDuration = 24 * time.Hour

// Pin routes one fingerprint to the decoy until PinnedUntil.
type Pin struct {
	SessionID   string         `json:"session_id"`
	ClientIP    string         `json:"client_ip"`
	Fingerprint string         `json:"fingerprint"`
	Target      string         `json:"target"`
	PinnedAt    time.Time      `json:"pinned_at"`
	PinnedUntil time.Time      `json:"pinned_until"`
	Reason      string         `json:"reason"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Expired reports whether the pin is past its lifetime.
func (p *Pin) Expired(now time.Time) bool {
	return now.After(p.PinnedUntil)
}

// Fingerprint derives the stable session fingerprint: the first 16 hex
// digits of SHA-256("session_id:client_ip"). Pure, and identical across
// processes.
func Fingerprint(sessionID, clientIP string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", sessionID, clientIP)))
	return hex.EncodeToString(sum[:])[:16]
}

// FingerprintToken derives a fingerprint from a bearer token alone.
func FingerprintToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])[:16]
}

// FingerprintClient is the last-resort derivation from client IP and user
// agent. Less stable: NAT and UA updates both rotate it.
func FingerprintClient(clientIP, userAgent string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s", clientIP, userAgent)))
	return hex.EncodeToString(sum[:])[:16]
}

// Store is the pin table. Implementations enforce read-time expiry: Get,
// GetBySession, and List never return an expired pin.
type Store interface {
	Put(ctx context.Context, p Pin) error
	Get(ctx context.Context, fingerprint string) (*Pin, bool)
	GetBySession(ctx context.Context, sessionID string) (*Pin, bool)
	DeleteBySession(ctx context.Context, sessionID string) (int, error)
	List(ctx context.Context) ([]Pin, error)
	Count(ctx context.Context) (total, active int, err error)
}
