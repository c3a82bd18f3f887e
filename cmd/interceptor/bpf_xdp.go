package main

// This file stands in for the bpf2go generated bindings. A real build runs
// 'go generate ./...' against bpf/xdp_blocklist.c to produce it; here the
// loader reports ErrNotSupported so the interceptor falls back to demo mode
// on hosts without the compiled objects.

import (
	"github.com/cilium/ebpf"
)

type xdpObjects struct {
	xdpPrograms
	xdpMaps
}

func (o *xdpObjects) Close() error {
	return nil
}

type xdpPrograms struct {
	XdpBlocklist *ebpf.Program `ebpf:"xdp_blocklist"`
}

type xdpMaps struct {
	VerdictMap *ebpf.Map `ebpf:"verdict_map"`
	DropEvents *ebpf.Map `ebpf:"drop_events"`
}

func loadXdpObjects(_ *xdpObjects, _ *ebpf.CollectionOptions) error {
	return ebpf.ErrNotSupported
}
