package main

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"os"
)

type prefixList struct {
	SyncToken    string              `json:"syncToken"`
	CreationTime string              `json:"creationTime"`
	Prefixes     []map[string]string `json:"prefixes"`
}

// loadPrefixes reads a prefix list in the format Google publishes its ranges
// in (goog.json). IPv6 prefixes are returned separately.
func loadPrefixes(path string) (v4 []netip.Prefix, v6 []netip.Prefix, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var data prefixList
	err = json.Unmarshal(raw, &data)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	v4, v6 = []netip.Prefix{}, []netip.Prefix{}
	for _, each := range data.Prefixes {
		prefixString, ok := each["ipv4Prefix"]
		if !ok {
			prefixString, ok = each["ipv6Prefix"]
			if !ok {
				continue
			}
			ok = false
		}
		var prefix netip.Prefix
		prefix, err = netip.ParsePrefix(prefixString)
		if err != nil {
			return nil, nil, err
		}
		if ok {
			v4 = append(v4, prefix.Masked())
		} else {
			v6 = append(v6, prefix.Masked())
		}
	}
	return
}

// collectPrefixes merges the prefix list file, if any, with CIDR arguments.
// A bare address is taken as a /32.
func collectPrefixes(path string, args []string) ([]netip.Prefix, error) {
	result := []netip.Prefix{}
	if path != "" {
		v4, v6, err := loadPrefixes(path)
		if err != nil {
			return nil, err
		}
		if len(v6) > 0 {
			log.WithField("count", len(v6)).Warn("ignoring IPv6 prefixes")
		}
		result = append(result, v4...)
	}
	for _, arg := range args {
		prefix, err := netip.ParsePrefix(arg)
		if err != nil {
			addr, addrErr := parseAddr4(arg)
			if addrErr != nil {
				return nil, fmt.Errorf("invalid target %q: %w", arg, err)
			}
			prefix = netip.PrefixFrom(addr, 32)
		}
		if !prefix.Addr().Is4() {
			return nil, fmt.Errorf("invalid target %q: not IPv4", arg)
		}
		result = append(result, prefix.Masked())
	}
	return result, nil
}

func splitPrefixes(v4 []netip.Prefix, minLength int) []netip.Prefix {
	result := []netip.Prefix{}
	for _, prefix := range v4 {
		if prefix.Bits() >= minLength {
			result = append(result, prefix)
			continue
		}
		iaddr := addrToUint32(prefix.Masked().Addr())
		subnetSize := uint32(1) << (32 - minLength)
		for i := 0; i < 1<<(minLength-prefix.Bits()); i++ {
			result = append(result, netip.PrefixFrom(uint32ToAddr(iaddr), minLength))
			iaddr += subnetSize
		}
	}
	return result
}

func prefixSize(prefix netip.Prefix) uint64 {
	return uint64(1) << (32 - prefix.Bits())
}

func containsAddr(prefixes []netip.Prefix, addr netip.Addr) bool {
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}
