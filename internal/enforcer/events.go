package enforcer

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// DropEvent mirrors the C struct the XDP program pushes into the ring
// buffer for every packet it drops:
//
//	struct drop_event { u32 src_ip; u16 dst_port; u8 proto; u8 _pad; u64 ts_ns; };
type DropEvent struct {
	SrcIP     string
	DstPort   uint16
	Proto     uint8
	Timestamp time.Time
}

const dropEventSize = 16

// EventReader consumes drop events from the kernel ring buffer. Without a
// loaded events map it stays idle, which keeps the interceptor runnable on
// hosts without BPF support.
type EventReader struct {
	ring *ringbuf.Reader
}

// NewEventReader opens a ring buffer reader over the events map. A nil map
// yields a mock reader whose Run returns immediately.
func NewEventReader(events *ebpf.Map) (*EventReader, error) {
	if events == nil {
		return &EventReader{}, nil
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, err
	}
	ring, err := ringbuf.NewReader(events)
	if err != nil {
		return nil, err
	}
	return &EventReader{ring: ring}, nil
}

// Run reads drop events until the ring buffer is closed, invoking handle
// for each record. It is meant to run on its own goroutine.
func (er *EventReader) Run(handle func(DropEvent)) {
	if er.ring == nil {
		slog.Warn("no BPF ring buffer attached, drop events disabled")
		return
	}
	for {
		record, err := er.ring.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			slog.Error("ring buffer read failed", "error", err)
			continue
		}
		ev, ok := parseDropEvent(record.RawSample)
		if !ok {
			continue
		}
		handle(ev)
	}
}

// Close shuts the underlying ring buffer down, unblocking Run.
func (er *EventReader) Close() error {
	if er.ring == nil {
		return nil
	}
	return er.ring.Close()
}

func parseDropEvent(raw []byte) (DropEvent, bool) {
	if len(raw) < dropEventSize {
		return DropEvent{}, false
	}
	var ip [4]byte
	// src_ip arrives in network byte order straight off the wire.
	copy(ip[:], raw[0:4])
	return DropEvent{
		SrcIP:     net.IP(ip[:]).String(),
		DstPort:   binary.LittleEndian.Uint16(raw[4:6]),
		Proto:     raw[6],
		Timestamp: time.Now().UTC(),
	}, true
}
