package tcpkt

// Cookie is the value SetTarget stores in the sequence number of a probe
// sent to ip:port.
func Cookie(ip uint32, port uint16) uint32 {
	return ^(ip + uint32(port))
}

// VerifyAck reports whether ack is the acknowledgment number a SYN-ACK from
// ip:port carries in reply to one of our probes.
func VerifyAck(ip uint32, port uint16, ack uint32) bool {
	return ack == Cookie(ip, port)+1
}
