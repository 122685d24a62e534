package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcap"
)

var errARPCanceled = errors.New("arp request canceled")

type arpRequest struct {
	addr    netip.Addr
	channel chan<- net.HardwareAddr
}

// arpHelper owns one pcap handle; serve is the only goroutine touching
// responseChannels, requests and cancellations reach it through channels.
type arpHelper struct {
	handle       *pcap.Handle
	addr         netip.Addr
	hardwareAddr net.HardwareAddr

	requestChannel   chan arpRequest
	cancelChannel    chan netip.Addr
	responseChannels map[netip.Addr][]chan<- net.HardwareAddr
}

func newARPHelper(iface *net.Interface) (*arpHelper, error) {
	ah := &arpHelper{
		requestChannel:   make(chan arpRequest),
		cancelChannel:    make(chan netip.Addr),
		responseChannels: make(map[netip.Addr][]chan<- net.HardwareAddr),
		hardwareAddr:     iface.HardwareAddr,
	}

	device, err := interfaceToDevice(iface)
	if err != nil {
		return nil, err
	}
	for _, deviceAddr := range device.Addresses {
		addr, ok := netip.AddrFromSlice(deviceAddr.IP)
		if !ok {
			continue
		}
		if addr = addr.Unmap(); addr.Is4() {
			ah.addr = addr
		}
	}
	if !ah.addr.IsValid() || ah.addr.IsUnspecified() {
		return nil, fmt.Errorf("IPv4 address of %v not found", iface.Name)
	}

	ah.handle, err = pcap.OpenLive(device.Name, 65535, false, 1*time.Second)
	if err != nil {
		return nil, err
	}

	err = ah.handle.SetBPFFilter(arpReplyFilter(ah.addr))
	if err != nil {
		ah.handle.Close()
		return nil, err
	}
	return ah, nil
}

// arpReplyFilter accepts well-formed Ethernet/IPv4 ARP replies addressed to
// addr whose hardware addresses agree with the Ethernet header.
func arpReplyFilter(addr netip.Addr) string {
	return fmt.Sprintf("arp[0:4] == 0x00010800 && arp[4:4] == 0x06040002 && arp[8:4] == ether[6:4] && arp[12:2] == ether[10:2] && arp[18:4] == ether[0:4] && arp[22:2] == ether[4:2] && arp dst %v", addr)
}

func (ah *arpHelper) close() {
	ah.handle.Close()
	for addr, channels := range ah.responseChannels {
		for _, each := range channels {
			close(each)
		}
		delete(ah.responseChannels, addr)
	}
}

func (ah *arpHelper) serve(ctx context.Context) {
	packetSource := gopacket.NewPacketSource(ah.handle, ah.handle.LinkType()).PacketsCtx(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case packet, ok := <-packetSource:
			if !ok {
				return
			}
			ah.handleReply(packet)
		case req := <-ah.requestChannel:
			ah.responseChannels[req.addr] = append(ah.responseChannels[req.addr], req.channel)
		case addr := <-ah.cancelChannel:
			for _, each := range ah.responseChannels[addr] {
				close(each)
			}
			delete(ah.responseChannels, addr)
		}
	}
}

func (ah *arpHelper) handleReply(packet gopacket.Packet) {
	arpLayer := packet.Layer(layers.LayerTypeARP)
	if arpLayer == nil {
		log.Debug("received a packet without ARP Layer: ", encode(packet.Data()))
		return
	}

	arp := arpLayer.(*layers.ARP)
	src, ok := netip.AddrFromSlice(arp.SourceProtAddress)
	if !ok || !src.Is4() {
		log.Debug("received a packet with invalid IPv4 Address: ", encode(packet.Data()))
		return
	}

	channels, ok := ah.responseChannels[src]
	if !ok {
		return
	}
	for _, each := range channels {
		each <- net.HardwareAddr(arp.SourceHwAddress)
		close(each)
	}
	delete(ah.responseChannels, src)
}

func (ah *arpHelper) request(addr netip.Addr) ([]byte, error) {
	buffer := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buffer, gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}, &layers.Ethernet{
		SrcMAC:       ah.hardwareAddr,
		DstMAC:       layers.EthernetBroadcast,
		EthernetType: layers.EthernetTypeARP,
	}, &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         layers.ARPRequest,
		SourceHwAddress:   ah.hardwareAddr,
		SourceProtAddress: ah.addr.AsSlice(),
		DstHwAddress:      []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
		DstProtAddress:    addr.AsSlice(),
	})
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func (ah *arpHelper) getHardwareAddress(ctx context.Context, addr netip.Addr) (net.HardwareAddr, error) {
	frame, err := ah.request(addr)
	if err != nil {
		return nil, err
	}

	// buffered so that serve never blocks on a requester that gave up
	channel := make(chan net.HardwareAddr, 1)
	ah.requestChannel <- arpRequest{addr: addr, channel: channel}

	if err := ah.handle.WritePacketData(frame); err != nil {
		ah.cancelChannel <- addr
		return nil, err
	}
	select {
	case hardwareAddr, ok := <-channel:
		if !ok {
			return nil, errARPCanceled
		}
		return hardwareAddr, nil
	case <-ctx.Done():
		ah.cancelChannel <- addr
		return nil, errARPCanceled
	}
}

func getHardwareAddress(ctx context.Context, iface *net.Interface, addr netip.Addr) (net.HardwareAddr, error) {
	ah, err := newARPHelper(iface)
	if err != nil {
		return nil, err
	}

	serveCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		ah.serve(serveCtx)
	}()
	defer func() {
		cancel()
		<-done
		ah.close()
	}()

	ctx, cancelRequest := context.WithTimeout(ctx, 5*time.Second)
	defer cancelRequest()
	return ah.getHardwareAddress(ctx, addr)
}
