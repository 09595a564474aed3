// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/tracelens/internal/core"
)

const (
	// Ethernet constants
	ethernetHeaderLen = 14
	vlanHeaderLen     = 4

	// EtherType values
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86DD
	etherTypeVLAN = 0x8100
	etherTypeQinQ = 0x88A8
)

// decodeLink strips the link header for the frame's link type.
// Returns the header, the network payload and its EtherType. An unknown link
// type yields ok=false with no error.
func decodeLink(lt core.LinkType, data []byte) (core.LinkHeader, []byte, bool, error) {
	switch lt {
	case core.LinkTypeEthernet:
		eth, payload, err := decodeEthernet(data)
		return eth, payload, true, err
	case core.LinkTypeLinuxSLL:
		return decodeSLL(data)
	case core.LinkTypeNull, core.LinkTypeLoop:
		return decodeLoopback(lt, data)
	case core.LinkTypeRaw, core.LinkTypeRawAlt, core.LinkTypeIPv4, core.LinkTypeIPv6:
		hdr := core.LinkHeader{Type: lt}
		if len(data) < 1 {
			return hdr, nil, true, core.ErrPacketTooShort
		}
		switch data[0] >> 4 {
		case 4:
			hdr.EtherType = etherTypeIPv4
		case 6:
			hdr.EtherType = etherTypeIPv6
		}
		return hdr, data, true, nil
	}
	return core.LinkHeader{Type: lt}, data, false, nil
}

// decodeEthernet decodes Ethernet frame header (including VLAN tags).
func decodeEthernet(data []byte) (core.LinkHeader, []byte, error) {
	eth := core.LinkHeader{Type: core.LinkTypeEthernet}
	if len(data) < ethernetHeaderLen {
		return eth, nil, core.ErrPacketTooShort
	}

	copy(eth.DstMAC[:], data[0:6])
	copy(eth.SrcMAC[:], data[6:12])

	etherType := binary.BigEndian.Uint16(data[12:14])
	offset := ethernetHeaderLen

	// Nested tags for QinQ
	for etherType == etherTypeVLAN || etherType == etherTypeQinQ {
		if len(data) < offset+vlanHeaderLen {
			return eth, nil, core.ErrPacketTooShort
		}
		// 2 bytes TCI + 2 bytes EtherType
		tci := binary.BigEndian.Uint16(data[offset : offset+2])
		eth.VLANs = append(eth.VLANs, tci&0x0FFF)
		etherType = binary.BigEndian.Uint16(data[offset+2 : offset+4])
		offset += vlanHeaderLen
	}

	eth.EtherType = etherType
	return eth, data[offset:], nil
}

// decodeSLL decodes the 16-byte Linux cooked capture header.
func decodeSLL(data []byte) (core.LinkHeader, []byte, bool, error) {
	hdr := core.LinkHeader{Type: core.LinkTypeLinuxSLL}
	// Address length is at offset 4 and must fit the 8-byte address field
	if len(data) < 16 || binary.BigEndian.Uint16(data[4:6]) > 8 {
		return hdr, nil, true, core.ErrPacketTooShort
	}
	var sll layers.LinuxSLL
	if err := sll.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return hdr, nil, true, core.ErrPacketTooShort
	}
	copy(hdr.SrcMAC[:], sll.Addr)
	hdr.EtherType = uint16(sll.EthernetType)
	return hdr, sll.Payload, true, nil
}

// decodeLoopback decodes the 4-byte BSD loopback family header in either byte order.
func decodeLoopback(lt core.LinkType, data []byte) (core.LinkHeader, []byte, bool, error) {
	hdr := core.LinkHeader{Type: lt}
	var lo layers.Loopback
	if err := lo.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return hdr, nil, true, core.ErrPacketTooShort
	}
	switch lo.Family {
	case layers.ProtocolFamilyIPv4:
		hdr.EtherType = etherTypeIPv4
	case layers.ProtocolFamilyIPv6BSD, layers.ProtocolFamilyIPv6FreeBSD,
		layers.ProtocolFamilyIPv6Darwin, layers.ProtocolFamilyIPv6Linux:
		hdr.EtherType = etherTypeIPv6
	}
	return hdr, lo.Payload, true, nil
}
