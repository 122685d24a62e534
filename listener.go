package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"

	"github.com/NightSpaceC/synscan/tcpkt"
)

// replyFilter matches SYN-ACKs addressed to the probes' source address and
// port.
func replyFilter(src netip.Addr, sourcePort uint16) string {
	return fmt.Sprintf("ip dst host %v && tcp dst port %d && tcp[13] & 0x12 == 0x12", src, sourcePort)
}

// matchReply returns the sender of packet if it is a SYN-ACK answering one of
// our probes to port.
func matchReply(packet gopacket.Packet, port uint16) (netip.Addr, bool) {
	ipLayer := packet.Layer(layers.LayerTypeIPv4)
	if ipLayer == nil {
		log.Debug("received a packet without IPv4 Layer: ", encode(packet.Data()))
		return netip.Addr{}, false
	}
	ip := ipLayer.(*layers.IPv4)
	addr, ok := netip.AddrFromSlice(ip.SrcIP)
	if !ok {
		log.Debug("received a packet with invalid IPv4 Address: ", encode(packet.Data()))
		return netip.Addr{}, false
	}
	addr = addr.Unmap()

	tcpLayer := packet.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return netip.Addr{}, false
	}
	tcp := tcpLayer.(*layers.TCP)
	if !tcp.SYN || !tcp.ACK || uint16(tcp.SrcPort) != port {
		return netip.Addr{}, false
	}
	if !tcpkt.VerifyAck(addrToUint32(addr), port, tcp.Ack) {
		log.WithField("from", addr).Trace("SYN-ACK with a foreign acknowledgment number")
		return netip.Addr{}, false
	}
	return addr, true
}

func collectReply(collector *replyCollector, packet gopacket.Packet, port uint16) error {
	addr, ok := matchReply(packet, port)
	if !ok {
		return nil
	}
	return collector.add(addr)
}

// listenSYNACKPackets captures replies until ctx is done. The outcome of
// opening the capture is reported on ready before the first packet is read.
func listenSYNACKPackets(ctx context.Context, ready chan<- error, device string, cfg *Config, src netip.Addr, prefixes []netip.Prefix) error {
	handle, err := pcap.OpenLive(device, 65535, false, 1*time.Second)
	if err != nil {
		ready <- err
		return err
	}
	defer handle.Close()

	if err := handle.SetBPFFilter(replyFilter(src, cfg.SourcePort)); err != nil {
		ready <- err
		return err
	}

	lastStats, err := handle.Stats()
	if err != nil {
		ready <- err
		return err
	}
	ready <- nil

	collector := newReplyCollector(prefixes, cfg.Output, cfg.Flush)
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	packetSource := gopacket.NewPacketSource(handle, handle.LinkType()).PacketsCtx(ctx)
loop:
	for {
		select {
		case packet, ok := <-packetSource:
			if !ok {
				break loop
			}
			if err := collectReply(collector, packet, cfg.Port); err != nil {
				return errors.Join(fmt.Errorf("failed to write %s: %w", cfg.Output, err), collector.flush())
			}
		case <-ticker.C:
			stats, err := handle.Stats()
			if err != nil {
				log.WithError(err).Warn("failed to read capture stats")
				continue
			}
			if stats.PacketsDropped > lastStats.PacketsDropped {
				log.WithField("count", stats.PacketsDropped-lastStats.PacketsDropped).Warn("dropped")
			}
			if stats.PacketsIfDropped > lastStats.PacketsIfDropped {
				log.WithField("count", stats.PacketsIfDropped-lastStats.PacketsIfDropped).Warn("if dropped")
			}
			lastStats = stats
		}
	}

	log.WithField("responsive", collector.responsive()).Info("listener stopped")
	return collector.flush()
}
