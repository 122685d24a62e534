package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/NightSpaceC/synscan/tcpkt"
)

// newProbeTemplate resolves the gateway MAC and builds the packet every
// worker clones. Source port and TTL go in before the checksums are fixed.
func newProbeTemplate(ctx context.Context, cfg *Config, iface *net.Interface, gateway netip.Addr, src netip.Addr) (*tcpkt.Packet, error) {
	dstHardwareAddr, err := getHardwareAddress(ctx, iface, gateway)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve MAC of gateway %v: %w", gateway, err)
	}

	t, err := tcpkt.New(addrToUint32(src), iface.HardwareAddr, dstHardwareAddr)
	if err != nil {
		return nil, err
	}
	t.SetSourcePort(cfg.SourcePort)
	t.SetTTL(cfg.TTL)
	t.UpdateChecksums()

	ipSum, tcpSum := t.Checksums()
	log.WithFields(map[string]interface{}{
		"gateway_mac":  dstHardwareAddr,
		"ip_checksum":  fmt.Sprintf("%04x", ipSum),
		"tcp_checksum": fmt.Sprintf("%04x", tcpSum),
	}).Debug("probe template ready")
	return t, nil
}
