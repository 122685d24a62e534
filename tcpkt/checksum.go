package tcpkt

const (
	protocolTCP         = 6
	checksumPlaceholder = 0xFFFF
)

// Sum adds every big-endian 16-bit word of b to initial. A trailing odd
// byte is padded with zero.
func Sum(b []byte, initial uint32) uint32 {
	sum := initial
	i := 0
	for ; i+1 < len(b); i += 2 {
		sum += uint32(b[i])<<8 | uint32(b[i+1])
	}
	if i < len(b) {
		sum += uint32(b[i]) << 8
	}
	return sum
}

// Fold folds the carries of a 32-bit word sum into 16 bits. Two rounds are
// enough for any sum produced by Sum over a frame-sized range.
func Fold(sum uint32) uint16 {
	sum = (sum & 0xFFFF) + (sum >> 16)
	sum = (sum & 0xFFFF) + (sum >> 16)
	return uint16(sum)
}

// IPHeaderChecksum returns the folded word sum of the IPv4 header as it is
// now, checksum field included. A valid header reports 0xFFFF.
func (p *Packet) IPHeaderChecksum() uint16 {
	return Fold(Sum(p.buf[p.offsetIP:p.offsetTCP], 0))
}

// TCPChecksum returns the folded sum of the TCP pseudo-header and segment,
// checksum field included. A valid segment reports 0xFFFF.
func (p *Packet) TCPChecksum() uint16 {
	ip := p.offsetIP
	sum := uint32(protocolTCP)
	sum += uint32(p.offsetApp - p.offsetTCP)
	sum = Sum(p.buf[ip+12:ip+20], sum)
	sum = Sum(p.buf[p.offsetTCP:p.offsetApp], sum)
	return Fold(sum)
}

func (p *Packet) storeIPChecksum() {
	at := p.offsetIP + 10
	p.put16(at, checksumPlaceholder)
	xsum := 0xFFFF - p.IPHeaderChecksum()
	p.put16(at, xsum)
	p.checksumIP = xsum
}

func (p *Packet) storeTCPChecksum() {
	at := p.offsetTCP + 16
	p.put16(at, checksumPlaceholder)
	xsum := 0xFFFF - p.TCPChecksum()
	p.put16(at, xsum)
	p.checksumTCP = xsum
}
