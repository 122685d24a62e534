package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gopacket/gopacket/pcap"

	"github.com/NightSpaceC/synscan/tcpkt"
)

type packetWriter interface {
	WritePacketData(data []byte) error
}

type sendHandle interface {
	packetWriter
	Close()
}

func openSendHandle(device string) (sendHandle, error) {
	handle, err := pcap.OpenLive(device, 65535, false, pcap.BlockForever)
	if err != nil {
		return nil, err
	}
	return handle, nil
}

type sender struct {
	template *tcpkt.Packet
	device   string
	cfg      *Config
	open     func(device string) (sendHandle, error)
	trace    io.Writer

	sent atomic.Uint64
}

func newSender(template *tcpkt.Packet, device string, cfg *Config) *sender {
	return &sender{
		template: template,
		device:   device,
		cfg:      cfg,
		open:     openSendHandle,
		trace:    os.Stderr,
	}
}

func sendPacketAndRetry(w packetWriter, packet []byte, retry int) (err error) {
	for range retry {
		err = w.WritePacketData(packet)
		if err == nil {
			return
		}
	}
	return
}

// balancePrefixes groups consecutive prefixes into at most workers chunks of
// roughly equal address count.
func balancePrefixes(split []netip.Prefix, workers int) [][]netip.Prefix {
	var total uint64
	for _, each := range split {
		total += prefixSize(each)
	}

	chunks := [][]netip.Prefix{}
	buffer := []netip.Prefix{}
	var addrNum uint64
	for i, each := range split {
		buffer = append(buffer, each)
		addrNum += prefixSize(each)
		if addrNum*uint64(workers) < total && i != len(split)-1 {
			continue
		}
		chunks = append(chunks, buffer)
		buffer = []netip.Prefix{}
		addrNum = 0
	}
	return chunks
}

// sendSYNPackets probes every address of split and returns how many packets
// went out. Every handle is opened before the first probe, so a device that
// cannot be opened fails the whole scan instead of silently skipping a chunk.
// Each goroutine owns a clone of the template and one handle.
func (s *sender) sendSYNPackets(ctx context.Context, split []netip.Prefix) (uint64, error) {
	chunks := balancePrefixes(split, s.cfg.Workers)
	handles := make([]sendHandle, 0, len(chunks))
	for range chunks {
		handle, err := s.open(s.device)
		if err != nil {
			for _, each := range handles {
				each.Close()
			}
			return 0, fmt.Errorf("failed to open %s for sending: %w", s.device, err)
		}
		handles = append(handles, handle)
	}

	clock := tcpkt.MonotonicClock()
	start := clock()

	wg := sync.WaitGroup{}
	for i, prefixes := range chunks {
		handle := handles[i]
		wg.Go(func() {
			defer handle.Close()
			s.sendPrefixes(ctx, handle, s.template.Clone(), prefixes, clock, start)
		})
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return s.sent.Load(), fmt.Errorf("sending interrupted: %w", context.Cause(ctx))
	}
	return s.sent.Load(), nil
}

func (s *sender) sendPrefixes(ctx context.Context, w packetWriter, p *tcpkt.Packet, prefixes []netip.Prefix, clock tcpkt.Clock, start uint64) {
	done := ctx.Done()
	port := s.cfg.Port
	for _, each := range prefixes {
		ip := addrToUint32(each.Addr())
		for i := uint64(0); i < prefixSize(each); i++ {
			select {
			case <-done:
				return
			default:
			}

			p.SetTarget(ip, port)
			if s.cfg.FullChecksum {
				p.UpdateTCPChecksum()
			}
			if s.cfg.PacketTrace {
				if err := p.Trace(s.trace, clock, start, ip, port); err != nil {
					log.WithError(err).Debug("failed to write packet trace")
				}
			}
			err := sendPacketAndRetry(w, p.Bytes(), s.cfg.Retries)
			if err != nil {
				log.Error(fmt.Errorf("error when send to %v: %w", uint32ToAddr(ip), err))
			} else {
				s.sent.Add(1)
			}
			ip++
		}
		log.WithField("prefix", each).Debug("finished send packet to prefix")
	}
}
