// Package builtin provides a couple of illustrative dissectors used by
// the cmd/otuscore capture command to demonstrate the pluggable
// dissector contract end to end. They are sample wiring, not core
// engine scope: a real deployment registers its own dissectors at
// session construction time.
package builtin

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/firestige/otuscore/internal/dissect"
	"github.com/firestige/otuscore/internal/packet"
)

const (
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4

	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// Ethernet decodes the raw layer's payload as an Ethernet II frame
// (with optional nested VLAN/QinQ tags) and emits an "Eth" layer
// carrying source/destination MAC and EtherType attributes.
type Ethernet struct{ Namespace string }

func (e Ethernet) Accepts(l packet.Layer) bool {
	return l.Namespace == e.Namespace && l.Name == packet.RawLayerName
}

func (e Ethernet) Invoke(l packet.Layer, ns string) ([]packet.Layer, []dissect.Chunk, []dissect.Log, error) {
	data := l.Payload
	if len(data) < ethernetHeaderLen {
		return nil, nil, []dissect.Log{{
			Level:   dissect.LevelDebug,
			Domain:  "dissect.ethernet",
			Message: "frame shorter than an Ethernet header",
		}}, nil
	}

	var dstMAC, srcMAC [6]byte
	copy(dstMAC[:], data[0:6])
	copy(srcMAC[:], data[6:12])
	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := ethernetHeaderLen

	var vlans []uint16
	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < offset+vlanHeaderLen {
			return nil, nil, []dissect.Log{{
				Level:   dissect.LevelWarn,
				Domain:  "dissect.ethernet",
				Message: "truncated VLAN tag",
			}}, nil
		}
		tci := binary.BigEndian.Uint16(data[offset : offset+2])
		vlans = append(vlans, tci&0x0FFF)
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
	}

	attrs := []packet.Attribute{
		{Key: "dst_mac", Value: packet.String(macString(dstMAC))},
		{Key: "src_mac", Value: packet.String(macString(srcMAC))},
		{Key: "ether_type", Value: packet.Int(int64(etherType))},
	}
	for i, vid := range vlans {
		attrs = append(attrs, packet.Attribute{
			Key:   fmt.Sprintf("vlan_%d", i),
			Value: packet.Int(int64(vid)),
		})
	}

	layer := packet.Layer{
		Namespace:  ns,
		Name:       "Eth",
		Payload:    data[offset:],
		Attributes: attrs,
		Confidence: 1,
	}
	return []packet.Layer{layer}, nil, nil, nil
}

func macString(mac [6]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x",
		mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
}

// IPv4 decodes the payload of an "Eth" layer carrying ether_type 0x0800
// as an IPv4 header and emits an "IPv4" layer with source/destination
// address and protocol attributes.
type IPv4 struct{ Namespace string }

const ipv4HeaderMinLen = 20

func (p IPv4) Accepts(l packet.Layer) bool {
	if l.Namespace != p.Namespace || l.Name != "Eth" {
		return false
	}
	for _, a := range l.Attributes {
		if a.Key == "ether_type" && a.Value.Kind == packet.AttrInt {
			return a.Value.Int == etherTypeIPv4
		}
	}
	return false
}

func (p IPv4) Invoke(l packet.Layer, ns string) ([]packet.Layer, []dissect.Chunk, []dissect.Log, error) {
	data := l.Payload
	if len(data) < 1 {
		return nil, nil, nil, fmt.Errorf("empty IPv4 payload")
	}
	version := data[0] >> 4
	if version != 4 {
		return nil, nil, nil, fmt.Errorf("unexpected IP version %d", version)
	}
	ihl := int(data[0]&0x0F) * 4
	if ihl < ipv4HeaderMinLen || len(data) < ihl {
		return nil, nil, nil, fmt.Errorf("malformed IPv4 header")
	}

	protocol := data[9]
	srcIP, ok := netip.AddrFromSlice(data[12:16])
	if !ok {
		return nil, nil, nil, fmt.Errorf("malformed IPv4 source address")
	}
	dstIP, ok := netip.AddrFromSlice(data[16:20])
	if !ok {
		return nil, nil, nil, fmt.Errorf("malformed IPv4 destination address")
	}

	layer := packet.Layer{
		Namespace: ns,
		Name:      "IPv4",
		Payload:   data[ihl:],
		Attributes: []packet.Attribute{
			{Key: "src_ip", Value: packet.String(srcIP.String())},
			{Key: "dst_ip", Value: packet.String(dstIP.String())},
			{Key: "protocol", Value: packet.Int(int64(protocol))},
		},
		Confidence: 1,
	}
	return []packet.Layer{layer}, nil, nil, nil
}
