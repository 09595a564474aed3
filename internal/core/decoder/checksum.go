package decoder

import (
	"encoding/binary"
	"net/netip"
)

// sum16 adds data as big-endian 16-bit words to an unfolded sum.
// An odd trailing byte is padded with zero.
func sum16(sum uint32, data []byte) uint32 {
	n := len(data) &^ 1
	for i := 0; i < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if len(data)&1 == 1 {
		sum += uint32(data[len(data)-1]) << 8
	}
	return sum
}

func fold(sum uint32) uint16 {
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// Checksum returns the one's-complement checksum of data. Computed over a
// header that includes its own checksum field, a valid header yields zero.
func Checksum(data []byte) uint16 {
	return fold(sum16(0, data))
}

// pseudoHeaderSum returns the unfolded sum of the TCP/UDP pseudo-header.
func pseudoHeaderSum(src, dst netip.Addr, proto uint8, length int) uint32 {
	var sum uint32
	if src.Is4() {
		s, d := src.As4(), dst.As4()
		sum = sum16(sum, s[:])
		sum = sum16(sum, d[:])
		sum += uint32(proto)
		sum += uint32(length & 0xffff)
		return sum
	}
	s, d := src.As16(), dst.As16()
	sum = sum16(sum, s[:])
	sum = sum16(sum, d[:])
	sum += uint32(length>>16) + uint32(length&0xffff)
	sum += uint32(proto)
	return sum
}

// TransportChecksum returns the checksum of a TCP or UDP segment with its
// pseudo-header; zero when the segment's checksum field is correct.
func TransportChecksum(src, dst netip.Addr, proto uint8, segment []byte) uint16 {
	return fold(sum16(pseudoHeaderSum(src, dst, proto, len(segment)), segment))
}
