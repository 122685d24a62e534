package tcpkt

import (
	"fmt"
	"io"
	"time"
)

// Clock returns a monotonic timestamp in microseconds.
type Clock func() uint64

func MonotonicClock() Clock {
	base := time.Now()
	return func() uint64 {
		return uint64(time.Since(base).Microseconds())
	}
}

// FormatTrace renders the nmap-style line for a probe to ip:port sent at
// now, with both timestamps in microseconds.
func (p *Packet) FormatTrace(now, start uint64, ip uint32, port uint16) string {
	elapsed := float64(int64(now-start)) / 1000000.0
	return fmt.Sprintf("SENT (%5.4f) TCP %s:%d > %s:%d SYN",
		elapsed, formatIP(p.SourceIP()), p.SourcePort(), formatIP(ip), port)
}

func (p *Packet) Trace(w io.Writer, clock Clock, start uint64, ip uint32, port uint16) error {
	_, err := fmt.Fprintln(w, p.FormatTrace(clock(), start, ip, port))
	return err
}

func formatIP(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}
