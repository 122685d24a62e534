package main

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket/pcap"
)

func encode(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

func parseAddr4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%v is not an IPv4 address", addr)
	}
	return addr, nil
}

func addrToUint32(addr netip.Addr) uint32 {
	b := addr.As4()
	return binary.BigEndian.Uint32(b[:])
}

func uint32ToAddr(ip uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return netip.AddrFrom4(b)
}

func interfaceToDevice(iface *net.Interface) (*pcap.Interface, error) {
	interfaceAddrs, err := iface.Addrs()
	if err != nil {
		return nil, err
	}
	devices, err := pcap.FindAllDevs()
	if err != nil {
		return nil, fmt.Errorf("failed to list pcap devices: %w", err)
	}
	for _, interfaceAddr := range interfaceAddrs {
		inet, ok := interfaceAddr.(*net.IPNet)
		if !ok {
			continue
		}
		for _, device := range devices {
			for _, deviceAddr := range device.Addresses {
				if deviceAddr.IP.Equal(inet.IP) {
					return &device, nil
				}
			}
		}
	}
	return nil, fmt.Errorf("device related to %v not found", iface.Name)
}
