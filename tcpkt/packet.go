// Package tcpkt builds raw Ethernet/IPv4/TCP SYN frames from a fixed
// template and rewrites the per-probe fields in place.
//
// A Packet is not safe for concurrent use. Workers that emit in parallel
// each take their own Clone.
package tcpkt

import (
	"encoding/binary"
	"errors"
	"net"
)

var ErrAllocation = errors.New("tcpkt: cannot allocate packet buffer")

var allocate = func(n int) []byte {
	return make([]byte, n)
}

type Packet struct {
	buf []byte

	offsetIP  int
	offsetTCP int
	offsetApp int

	// last values written by a full recomputation, for debugging only
	checksumIP  uint16
	checksumTCP uint16
}

// New copies the template and fills in the source address and the MAC
// addresses. A zero MAC or a zero sourceIP keeps the template's value.
// Both checksums are valid when New returns.
func New(sourceIP uint32, sourceMAC, destMAC net.HardwareAddr) (*Packet, error) {
	buf := allocate(TemplateLen)
	if len(buf) < TemplateLen {
		return nil, ErrAllocation
	}
	copy(buf, template[:])

	if !isZeroMAC(destMAC) {
		copy(buf[0:6], destMAC)
	}
	if !isZeroMAC(sourceMAC) {
		copy(buf[6:12], sourceMAC)
	}

	p := &Packet{
		buf:       buf,
		offsetIP:  OffsetNetwork,
		offsetTCP: OffsetTransport,
		offsetApp: OffsetApplication,
	}
	if sourceIP != 0 {
		p.put32(p.offsetIP+12, sourceIP)
	}

	p.storeIPChecksum()
	p.storeTCPChecksum()
	return p, nil
}

func isZeroMAC(mac net.HardwareAddr) bool {
	for _, b := range mac {
		if b != 0 {
			return false
		}
	}
	return true
}

func (p *Packet) put16(at int, v uint16) {
	binary.BigEndian.PutUint16(p.buf[at:at+2], v)
}

func (p *Packet) put32(at int, v uint32) {
	binary.BigEndian.PutUint32(p.buf[at:at+4], v)
}

// SetSourcePort overwrites the TCP source port. The TCP checksum is not
// updated: set the port before the checksum is computed, or call
// UpdateChecksums afterwards.
func (p *Packet) SetSourcePort(port uint16) {
	p.put16(p.offsetTCP, port)
}

// SetTTL overwrites the IPv4 TTL. Like SetSourcePort it leaves the IPv4
// checksum alone.
func (p *Packet) SetTTL(ttl uint8) {
	p.buf[p.offsetIP+8] = ttl
}

// SetTarget points the packet at ip:port. It is called once per probe.
//
// The IPv4 identification field receives the folded, complemented
// destination address. In ones' complement that word cancels the two
// destination words, so the stored IPv4 checksum stays valid without a
// recompute. This holds only while the checksum was stored with the
// identification and destination fields in such a cancelling pair, which
// the template (both zero) and every later SetTarget guarantee.
//
// The TCP sequence number carries Cookie(ip, port). The TCP checksum is left
// as the last full computation wrote it; receivers are matched by cookie,
// not by checksum validity.
func (p *Packet) SetTarget(ip uint32, port uint16) {
	xsum := (ip >> 16) + (ip & 0xFFFF)
	xsum = (xsum >> 16) + (xsum & 0xFFFF)
	p.put16(p.offsetIP+4, uint16(^xsum))
	p.put32(p.offsetIP+16, ip)

	p.put16(p.offsetTCP+2, port)
	p.put32(p.offsetTCP+4, Cookie(ip, port))
}

// UpdateChecksums recomputes and stores both checksums from scratch.
func (p *Packet) UpdateChecksums() {
	p.storeIPChecksum()
	p.storeTCPChecksum()
}

// UpdateTCPChecksum recomputes and stores the TCP checksum only. After
// SetTarget the IPv4 checksum is already valid, so this is all a probe needs
// to be accepted by the target's stack.
func (p *Packet) UpdateTCPChecksum() {
	p.storeTCPChecksum()
}

func (p *Packet) SourceIP() uint32 {
	return binary.BigEndian.Uint32(p.buf[p.offsetIP+12:])
}

func (p *Packet) SourcePort() uint16 {
	return binary.BigEndian.Uint16(p.buf[p.offsetTCP:])
}

func (p *Packet) DestinationIP() uint32 {
	return binary.BigEndian.Uint32(p.buf[p.offsetIP+16:])
}

func (p *Packet) DestinationPort() uint16 {
	return binary.BigEndian.Uint16(p.buf[p.offsetTCP+2:])
}

func (p *Packet) TTL() uint8 {
	return p.buf[p.offsetIP+8]
}

func (p *Packet) Sequence() uint32 {
	return binary.BigEndian.Uint32(p.buf[p.offsetTCP+4:])
}

// Bytes returns the frame itself, not a copy. It stays valid until the next
// mutation.
func (p *Packet) Bytes() []byte {
	return p.buf
}

func (p *Packet) Len() int {
	return len(p.buf)
}

// Offsets returns where the IPv4 header, the TCP header and the TCP payload
// begin. The Ethernet header always starts at 0.
func (p *Packet) Offsets() (network, transport, application int) {
	return p.offsetIP, p.offsetTCP, p.offsetApp
}

// Checksums returns the values stored by the last full recomputation.
func (p *Packet) Checksums() (ip, tcp uint16) {
	return p.checksumIP, p.checksumTCP
}

func (p *Packet) Clone() *Packet {
	c := *p
	c.buf = make([]byte, len(p.buf))
	copy(c.buf, p.buf)
	return &c
}
