package tcpkt

const (
	TemplateLen = 54

	OffsetNetwork     = 14
	OffsetTransport   = OffsetNetwork + 20
	OffsetApplication = OffsetTransport + 20
)

var template = [TemplateLen]byte{
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // ethernet: destination
	0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // ethernet: source
	0x08, 0x00, // ethernet type: IPv4

	0x45,       // version 4, header length 5
	0x00,       // DSCP
	0x00, 0x28, // total length = 40
	0x00, 0x00, // identification
	0x00, 0x00, // flags, fragment offset
	0xFF, 0x06, // TTL = 255, protocol = TCP
	0xFF, 0xFF, // checksum
	0x00, 0x00, 0x00, 0x00, // source address
	0x00, 0x00, 0x00, 0x00, // destination address

	0xFE, 0xDC, // source port
	0x00, 0x00, // destination port
	0x00, 0x00, 0x00, 0x00, // sequence number
	0x00, 0x00, 0x00, 0x00, // acknowledgment number
	0x50,       // data offset = 5
	0x02,       // SYN
	0x00, 0x00, // window
	0xFF, 0xFF, // checksum
	0x00, 0x00, // urgent pointer
}

// Template returns a copy of the canonical SYN frame.
func Template() []byte {
	b := make([]byte, TemplateLen)
	copy(b, template[:])
	return b
}
