package main

import (
	"bufio"
	"fmt"
	"net/netip"
	"os"
)

// replyCollector keeps the verified responders inside the scanned prefixes,
// each once, and appends them to path in batches of flushAt addresses.
type replyCollector struct {
	prefixes []netip.Prefix
	seen     map[netip.Addr]struct{}

	path    string
	pending []netip.Addr
	flushAt int
}

func newReplyCollector(prefixes []netip.Prefix, path string, flushAt int) *replyCollector {
	return &replyCollector{
		prefixes: prefixes,
		seen:     make(map[netip.Addr]struct{}),
		path:     path,
		pending:  make([]netip.Addr, 0, flushAt),
		flushAt:  flushAt,
	}
}

func (c *replyCollector) add(addr netip.Addr) error {
	if !containsAddr(c.prefixes, addr) {
		return nil
	}
	if _, ok := c.seen[addr]; ok {
		return nil
	}
	c.seen[addr] = struct{}{}
	c.pending = append(c.pending, addr)
	if len(c.pending) >= c.flushAt {
		return c.flush()
	}
	return nil
}

// flush appends the pending addresses to the output file. On failure they
// stay pending for the next attempt.
func (c *replyCollector) flush() error {
	if len(c.pending) == 0 {
		return nil
	}
	file, err := os.OpenFile(c.path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0666)
	if err != nil {
		return err
	}

	w := bufio.NewWriter(file)
	for _, addr := range c.pending {
		fmt.Fprintln(w, addr)
	}
	if err := w.Flush(); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	c.pending = c.pending[:0]
	return nil
}

func (c *replyCollector) responsive() int {
	return len(c.seen)
}
