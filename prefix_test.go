package main

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadPrefixes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goog.json")
	content := `{
  "syncToken": "1",
  "creationTime": "2026-01-01T00:00:00",
  "prefixes": [
    {"ipv4Prefix": "8.8.4.0/24"},
    {"ipv6Prefix": "2001:4860::/32"},
    {"ipv4Prefix": "8.34.208.5/20"}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	v4, v6, err := loadPrefixes(path)
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("8.8.4.0/24"),
		netip.MustParsePrefix("8.34.208.0/20"),
	}, v4)
	assert.Equal(t, []netip.Prefix{netip.MustParsePrefix("2001:4860::/32")}, v6)
}

func TestCollectPrefixes(t *testing.T) {
	prefixes, err := collectPrefixes("", []string{"10.0.0.0/30", "1.2.3.4"})
	require.NoError(t, err)
	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/30"),
		netip.MustParsePrefix("1.2.3.4/32"),
	}, prefixes)

	_, err = collectPrefixes("", []string{"not-an-address"})
	assert.Error(t, err)
	_, err = collectPrefixes("", []string{"2001:db8::/64"})
	assert.Error(t, err)
}

func TestSplitPrefixes(t *testing.T) {
	split := splitPrefixes([]netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/14"),
		netip.MustParsePrefix("192.168.1.0/24"),
	}, 16)

	assert.Equal(t, []netip.Prefix{
		netip.MustParsePrefix("10.0.0.0/16"),
		netip.MustParsePrefix("10.1.0.0/16"),
		netip.MustParsePrefix("10.2.0.0/16"),
		netip.MustParsePrefix("10.3.0.0/16"),
		netip.MustParsePrefix("192.168.1.0/24"),
	}, split)
}

func TestContainsAddr(t *testing.T) {
	prefixes := []netip.Prefix{netip.MustParsePrefix("8.8.8.0/24")}
	assert.True(t, containsAddr(prefixes, netip.MustParseAddr("8.8.8.8")))
	assert.False(t, containsAddr(prefixes, netip.MustParseAddr("8.8.9.8")))
}

func TestAddrConversions(t *testing.T) {
	addr := netip.MustParseAddr("10.0.0.1")
	assert.Equal(t, uint32(0x0A000001), addrToUint32(addr))
	assert.Equal(t, addr, uint32ToAddr(0x0A000001))

	_, err := parseAddr4("::1")
	assert.Error(t, err)
	got, err := parseAddr4("::ffff:1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, netip.MustParseAddr("1.2.3.4"), got)
}
