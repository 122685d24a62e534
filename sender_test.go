package main

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NightSpaceC/synscan/tcpkt"
)

type fakeWriter struct {
	failures int
	frames   [][]byte
	closed   bool
}

func (w *fakeWriter) WritePacketData(data []byte) error {
	if w.failures > 0 {
		w.failures--
		return errors.New("transient")
	}
	w.frames = append(w.frames, append([]byte(nil), data...))
	return nil
}

func (w *fakeWriter) Close() {
	w.closed = true
}

func testTemplate(t *testing.T) *tcpkt.Packet {
	t.Helper()
	template, err := tcpkt.New(0x0A000001, nil, nil)
	require.NoError(t, err)
	template.SetSourcePort(12138)
	template.UpdateChecksums()
	return template
}

func TestSendPacketAndRetry(t *testing.T) {
	w := &fakeWriter{failures: 2}
	assert.NoError(t, sendPacketAndRetry(w, []byte{1}, 3))
	assert.Len(t, w.frames, 1)

	w = &fakeWriter{failures: 3}
	assert.Error(t, sendPacketAndRetry(w, []byte{1}, 3))
	assert.Empty(t, w.frames)
}

func TestBalancePrefixes(t *testing.T) {
	split := splitPrefixes([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/14")}, 16)

	chunks := balancePrefixes(split, 2)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[1], 2)

	chunks = balancePrefixes(split, 8)
	assert.Len(t, chunks, 4)

	chunks = balancePrefixes(split, 1)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 4)
}

func TestSendPrefixes(t *testing.T) {
	template := testTemplate(t)
	s := newSender(template, "test0", &Config{Port: 443, Retries: 1, FullChecksum: true})
	w := &fakeWriter{}
	clock := func() uint64 { return 0 }
	s.sendPrefixes(context.Background(), w, template.Clone(), []netip.Prefix{netip.MustParsePrefix("8.8.8.0/30")}, clock, 0)

	require.Len(t, w.frames, 4)
	assert.Equal(t, uint64(4), s.sent.Load())
	for i, frame := range w.frames {
		assert.Equal(t, []byte{8, 8, 8, byte(i)}, frame[tcpkt.OffsetNetwork+16:tcpkt.OffsetNetwork+20])
		assert.Equal(t, []byte{0x01, 0xBB}, frame[tcpkt.OffsetTransport+2:tcpkt.OffsetTransport+4])
		assert.Equal(t, uint16(0xFFFF), tcpkt.Fold(tcpkt.Sum(frame[tcpkt.OffsetNetwork:tcpkt.OffsetTransport], 0)))

		// TCP pseudo-header: protocol, segment length, addresses
		sum := tcpkt.Sum(frame[tcpkt.OffsetNetwork+12:tcpkt.OffsetNetwork+20], 6+20)
		sum = tcpkt.Sum(frame[tcpkt.OffsetTransport:tcpkt.OffsetApplication], sum)
		assert.Equal(t, uint16(0xFFFF), tcpkt.Fold(sum))
	}
	// the shared template is untouched
	assert.Equal(t, uint32(0), template.DestinationIP())
}

func TestSendPrefixesStopsWhenCanceled(t *testing.T) {
	template := testTemplate(t)
	s := newSender(template, "test0", &Config{Port: 443, Retries: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := &fakeWriter{}
	s.sendPrefixes(ctx, w, template.Clone(), []netip.Prefix{netip.MustParsePrefix("8.8.8.0/24")}, func() uint64 { return 0 }, 0)
	assert.Empty(t, w.frames)
	assert.Equal(t, uint64(0), s.sent.Load())
}

func TestSendSYNPackets(t *testing.T) {
	var mu sync.Mutex
	var handles []*fakeWriter

	s := newSender(testTemplate(t), "test0", &Config{Port: 443, Retries: 1, Workers: 2})
	s.open = func(device string) (sendHandle, error) {
		assert.Equal(t, "test0", device)
		mu.Lock()
		defer mu.Unlock()
		w := &fakeWriter{}
		handles = append(handles, w)
		return w, nil
	}

	split := splitPrefixes([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/23")}, 24)
	sent, err := s.sendSYNPackets(context.Background(), split)
	require.NoError(t, err)
	assert.Equal(t, uint64(512), sent)

	require.Len(t, handles, 2)
	for _, w := range handles {
		assert.Len(t, w.frames, 256)
		assert.True(t, w.closed)
	}
}

func TestSendSYNPacketsOpenFailure(t *testing.T) {
	var opened []*fakeWriter
	s := newSender(testTemplate(t), "test0", &Config{Port: 443, Retries: 1, Workers: 2})
	s.open = func(string) (sendHandle, error) {
		if len(opened) == 1 {
			return nil, errors.New("permission denied")
		}
		w := &fakeWriter{}
		opened = append(opened, w)
		return w, nil
	}

	split := splitPrefixes([]netip.Prefix{netip.MustParsePrefix("10.0.0.0/23")}, 24)
	sent, err := s.sendSYNPackets(context.Background(), split)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
	assert.Equal(t, uint64(0), sent)

	require.Len(t, opened, 1)
	assert.True(t, opened[0].closed)
	assert.Empty(t, opened[0].frames)
}

func TestSendSYNPacketsCanceled(t *testing.T) {
	s := newSender(testTemplate(t), "test0", &Config{Port: 443, Retries: 1, Workers: 1})
	s.open = func(string) (sendHandle, error) { return &fakeWriter{}, nil }

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errors.New("listener stopped"))

	_, err := s.sendSYNPackets(ctx, []netip.Prefix{netip.MustParsePrefix("10.0.0.0/24")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listener stopped")
}

type brokenTraceWriter struct{}

func (brokenTraceWriter) Write([]byte) (int, error) {
	return 0, errors.New("stderr closed")
}

func TestSendPrefixesTraceFailureIsLogged(t *testing.T) {
	hook := test.NewLocal(log)
	level := log.GetLevel()
	log.SetLevel(logrus.DebugLevel)
	defer func() {
		log.SetLevel(level)
		hook.Reset()
		log.ReplaceHooks(make(logrus.LevelHooks))
	}()

	template := testTemplate(t)
	s := newSender(template, "test0", &Config{Port: 443, Retries: 1, PacketTrace: true})
	s.trace = brokenTraceWriter{}

	w := &fakeWriter{}
	s.sendPrefixes(context.Background(), w, template.Clone(), []netip.Prefix{netip.MustParsePrefix("8.8.8.8/32")}, func() uint64 { return 0 }, 0)

	// the probe still goes out
	assert.Len(t, w.frames, 1)

	var traced bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "failed to write packet trace" {
			traced = true
			assert.Equal(t, logrus.DebugLevel, entry.Level)
		}
	}
	assert.True(t, traced)
}

func TestSendPrefixesTrace(t *testing.T) {
	template := testTemplate(t)
	s := newSender(template, "test0", &Config{Port: 443, Retries: 1, PacketTrace: true})
	var buf strings.Builder
	s.trace = &buf

	s.sendPrefixes(context.Background(), &fakeWriter{}, template.Clone(), []netip.Prefix{netip.MustParsePrefix("8.8.8.8/32")}, func() uint64 { return 2500000 }, 0)
	assert.Equal(t, "SENT (2.5000) TCP 10.0.0.1:12138 > 8.8.8.8:443 SYN\n", buf.String())
}
