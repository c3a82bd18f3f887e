// Package enforcer drives the optional kernel-level blocklist: an XDP
// program drops packets from blocked IPv4 sources before they reach any
// service. The switch mirrors pin state into the verdict map so a pinned
// attacker who ignores the routing layer still hits a wall.
package enforcer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/cilium/ebpf"
)

// Verdicts in the kernel map. Absent keys default to allow in the XDP
// program, so the map only has to carry exceptions.
const (
	VerdictAllow uint32 = 1
	VerdictBlock uint32 = 2
)

// VerdictUpdater writes source-IP verdicts into the XDP map. With a nil map
// it runs in demo mode and keeps the verdicts in memory so the control API
// stays inspectable on kernels without the BPF objects.
type VerdictUpdater struct {
	verdictMap *ebpf.Map

	mu   sync.Mutex
	demo map[uint32]uint32
}

func NewVerdictUpdater(m *ebpf.Map) *VerdictUpdater {
	return &VerdictUpdater{verdictMap: m, demo: make(map[uint32]uint32)}
}

// DemoMode reports whether verdicts are held in memory instead of the
// kernel.
func (vu *VerdictUpdater) DemoMode() bool {
	return vu.verdictMap == nil
}

// BlockIP blackholes an IPv4 source at the XDP layer.
func (vu *VerdictUpdater) BlockIP(ip string) error {
	return vu.set(ip, VerdictBlock)
}

// AllowIP explicitly allows a source, overriding a previous block.
func (vu *VerdictUpdater) AllowIP(ip string) error {
	return vu.set(ip, VerdictAllow)
}

// ClearIP removes the verdict, restoring the default-allow path.
func (vu *VerdictUpdater) ClearIP(ip string) error {
	key, err := ipv4Key(ip)
	if err != nil {
		return err
	}
	if vu.verdictMap == nil {
		vu.mu.Lock()
		delete(vu.demo, key)
		vu.mu.Unlock()
		return nil
	}
	if err := vu.verdictMap.Delete(key); err != nil && !isKeyNotExist(err) {
		return fmt.Errorf("clear verdict for %s: %w", ip, err)
	}
	return nil
}

// Blocked lists the currently blocked addresses.
func (vu *VerdictUpdater) Blocked() ([]string, error) {
	if vu.verdictMap == nil {
		vu.mu.Lock()
		defer vu.mu.Unlock()
		var out []string
		for key, v := range vu.demo {
			if v == VerdictBlock {
				out = append(out, keyToIP(key))
			}
		}
		return out, nil
	}

	var (
		key   uint32
		value uint32
		out   []string
	)
	iter := vu.verdictMap.Iterate()
	for iter.Next(&key, &value) {
		if value == VerdictBlock {
			out = append(out, keyToIP(key))
		}
	}
	return out, iter.Err()
}

func (vu *VerdictUpdater) set(ip string, verdict uint32) error {
	key, err := ipv4Key(ip)
	if err != nil {
		return err
	}
	if vu.verdictMap == nil {
		vu.mu.Lock()
		vu.demo[key] = verdict
		vu.mu.Unlock()
		return nil
	}
	if err := vu.verdictMap.Update(key, verdict, ebpf.UpdateAny); err != nil {
		return fmt.Errorf("update verdict for %s: %w", ip, err)
	}
	return nil
}

// ipv4Key encodes a dotted quad the way the XDP program reads it: network
// byte order in a host-order u32 map key.
func ipv4Key(ip string) (uint32, error) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return 0, fmt.Errorf("invalid IP %q", ip)
	}
	v4 := parsed.To4()
	if v4 == nil {
		return 0, fmt.Errorf("IP %q is not IPv4", ip)
	}
	return binary.BigEndian.Uint32(v4), nil
}

func keyToIP(key uint32) string {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], key)
	return net.IP(b[:]).String()
}

func isKeyNotExist(err error) bool {
	return errors.Is(err, ebpf.ErrKeyNotExist)
}
