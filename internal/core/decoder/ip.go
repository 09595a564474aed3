// Package decoder implements protocol decoding.
package decoder

import (
	"encoding/binary"
	"net/netip"

	"firestige.xyz/tracelens/internal/core"
)

const (
	ipv4HeaderMinLen = 20
	ipv6HeaderLen    = 40
)

// IPv6 extension header types walked before the transport header.
const (
	ipv6HopByHop    = 0
	ipv6Routing     = 43
	ipv6Fragment    = 44
	ipv6AuthHeader  = 51
	ipv6NoNext      = 59
	ipv6DestOptions = 60
)

// ipInfo carries what the transport decoder needs beyond the header.
type ipInfo struct {
	complete bool // Whole datagram captured, transport checksum verifiable
	fragment bool // Not the first fragment or part of a fragmented datagram
}

// decodeIPv4 decodes IPv4 header and verifies its checksum.
// Returns the payload trimmed to Total Length.
func decodeIPv4(data []byte) (core.IPHeader, []byte, ipInfo, error) {
	var info ipInfo
	if len(data) < ipv4HeaderMinLen {
		return core.IPHeader{}, nil, info, core.ErrPacketTooShort
	}

	// IHL in 32-bit words, lower 4 bits of first byte
	headerLen := int(data[0]&0x0F) * 4
	if headerLen < ipv4HeaderMinLen || len(data) < headerLen {
		return core.IPHeader{}, nil, info, core.ErrPacketTooShort
	}

	ip := core.IPHeader{
		Version:   4,
		HeaderLen: headerLen,
		TotalLen:  int(binary.BigEndian.Uint16(data[2:4])),
		ID:        binary.BigEndian.Uint16(data[4:6]),
		TTL:       data[8],
		Protocol:  data[9],
		Checksum:  binary.BigEndian.Uint16(data[10:12]),
	}

	// Flags(3) + Fragment Offset(13) at offset 6
	flagsOffset := binary.BigEndian.Uint16(data[6:8])
	ip.DontFragment = flagsOffset&0x4000 != 0
	ip.MoreFragments = flagsOffset&0x2000 != 0
	ip.FragmentOffset = (flagsOffset & 0x1FFF) * 8

	ip.SrcIP = netip.AddrFrom4([4]byte(data[12:16]))
	ip.DstIP = netip.AddrFrom4([4]byte(data[16:20]))

	if Checksum(data[:headerLen]) == 0 {
		ip.ChecksumStatus = core.ChecksumValid
	} else {
		ip.ChecksumStatus = core.ChecksumInvalid
	}

	end := ip.TotalLen
	switch {
	case end < headerLen:
		// Offloaded captures can carry zero; use what was captured
		end = len(data)
	case end > len(data):
		end = len(data)
	default:
		info.complete = true
	}
	info.fragment = ip.MoreFragments || ip.FragmentOffset != 0
	return ip, data[headerLen:end], info, nil
}

// decodeIPv6 decodes the fixed header and walks extension headers until a
// transport protocol, the no-next-header value or an unsupported header.
func decodeIPv6(data []byte) (core.IPHeader, []byte, ipInfo, error) {
	var info ipInfo
	if len(data) < ipv6HeaderLen {
		return core.IPHeader{}, nil, info, core.ErrPacketTooShort
	}

	payloadLen := int(binary.BigEndian.Uint16(data[4:6]))
	ip := core.IPHeader{
		Version:   6,
		TotalLen:  ipv6HeaderLen + payloadLen,
		FlowLabel: binary.BigEndian.Uint32(data[0:4]) & 0x000FFFFF,
		TTL:       data[7],
		SrcIP:     netip.AddrFrom16([16]byte(data[8:24])),
		DstIP:     netip.AddrFrom16([16]byte(data[24:40])),
		// IPv6 has no header checksum
		ChecksumStatus: core.ChecksumUnverified,
	}

	end := ipv6HeaderLen + payloadLen
	switch {
	case payloadLen == 0:
		// Jumbogram or offloaded capture
		end = len(data)
	case end > len(data):
		end = len(data)
	default:
		info.complete = true
	}
	data = data[:end]

	next := data[6]
	offset := ipv6HeaderLen
walk:
	for {
		var extLen int
		switch next {
		case ipv6HopByHop, ipv6Routing, ipv6DestOptions:
			if len(data) < offset+2 {
				return ip, nil, info, core.ErrPacketTooShort
			}
			extLen = (int(data[offset+1]) + 1) * 8
		case ipv6Fragment:
			if len(data) < offset+8 {
				return ip, nil, info, core.ErrPacketTooShort
			}
			// Offset(13) + res(2) + M(1) at bytes 2-3
			fo := binary.BigEndian.Uint16(data[offset+2 : offset+4])
			ip.FragmentOffset = fo &^ 0x7
			ip.MoreFragments = fo&0x1 != 0
			ip.ID = uint16(binary.BigEndian.Uint32(data[offset+4 : offset+8]))
			info.fragment = ip.FragmentOffset != 0 || ip.MoreFragments
			extLen = 8
		case ipv6AuthHeader:
			if len(data) < offset+2 {
				return ip, nil, info, core.ErrPacketTooShort
			}
			extLen = (int(data[offset+1]) + 2) * 4
		default:
			break walk
		}
		if len(data) < offset+extLen {
			return ip, nil, info, core.ErrPacketTooShort
		}
		ip.Extensions = append(ip.Extensions, next)
		next = data[offset]
		offset += extLen
	}

	ip.Protocol = next
	ip.HeaderLen = offset
	return ip, data[offset:], info, nil
}
