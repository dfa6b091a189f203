// Package wire implements the binary encode/decode layer for the edge
// protocol and the inter-supernode federation protocol. Every multi-byte
// integer on the wire is big-endian. Decoders take a buffer plus a
// (remaining, cursor) pair and advance both; they return ErrMalformed
// rather than panic when a field would read past what remains.
package wire

import "encoding/binary"

// CommunitySize is the fixed on-wire width reserved for a community name.
// The first NUL terminates the name for display/comparison purposes.
const CommunitySize = 16

// MacSize is the width of an Ethernet MAC address.
const MacSize = 6

// MAC is a 6-byte Ethernet address.
type MAC [MacSize]byte

// IsMultiOrBroadcast reports whether m is a multicast or broadcast address:
// the low bit of the first octet is set, or m is the all-ones address.
func (m MAC) IsMultiOrBroadcast() bool {
	if m[0]&0x01 != 0 {
		return true
	}
	for _, b := range m {
		if b != 0xff {
			return false
		}
	}
	return true
}

func (m MAC) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, 0, 17)
	for i, b := range m {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, hextable[b>>4], hextable[b&0xf])
	}
	return string(buf)
}

// Community is a fixed-width, NUL-padded community name.
type Community [CommunitySize]byte

// String returns the community name truncated at the first NUL byte.
func (c Community) String() string {
	for i, b := range c {
		if b == 0 {
			return string(c[:i])
		}
	}
	return string(c[:])
}

// NewCommunity builds a fixed-width community from a Go string, truncating
// if the string is too long to fit.
func NewCommunity(name string) Community {
	var c Community
	n := copy(c[:], name)
	_ = n
	return c
}

// AddressFamily tags the variant carried by a SockAddr.
type AddressFamily uint8

const (
	AFNone AddressFamily = 0
	AFInet AddressFamily = 2 // mirrors AF_INET's conventional wire value
)

// SockAddr is a tagged union over address family. Only the IPv4 variant is
// implemented, per spec.md §3 ("at minimum IPv4 variant").
type SockAddr struct {
	Family AddressFamily
	Addr4  [4]byte
	Port   uint16 // host byte order internally
}

func (s SockAddr) wireSize() int {
	return 1 + 4 + 2
}

func encodeSockAddr(buf []byte, idx *int, s SockAddr) {
	buf[*idx] = byte(s.Family)
	*idx++
	copy(buf[*idx:*idx+4], s.Addr4[:])
	*idx += 4
	binary.BigEndian.PutUint16(buf[*idx:*idx+2], s.Port)
	*idx += 2
}

func decodeSockAddr(buf []byte, rem *int, idx *int) (SockAddr, error) {
	var s SockAddr
	if *rem < s.wireSize() {
		return s, ErrMalformed
	}
	s.Family = AddressFamily(buf[*idx])
	*idx++
	copy(s.Addr4[:], buf[*idx:*idx+4])
	*idx += 4
	s.Port = binary.BigEndian.Uint16(buf[*idx : *idx+2])
	*idx += 2
	*rem -= s.wireSize()
	return s, nil
}

func decodeMAC(buf []byte, rem *int, idx *int) (MAC, error) {
	var m MAC
	if *rem < MacSize {
		return m, ErrMalformed
	}
	copy(m[:], buf[*idx:*idx+MacSize])
	*idx += MacSize
	*rem -= MacSize
	return m, nil
}

func encodeMAC(buf []byte, idx *int, m MAC) {
	copy(buf[*idx:*idx+MacSize], m[:])
	*idx += MacSize
}

func decodeCommunity(buf []byte, rem *int, idx *int) (Community, error) {
	var c Community
	if *rem < CommunitySize {
		return c, ErrMalformed
	}
	copy(c[:], buf[*idx:*idx+CommunitySize])
	*idx += CommunitySize
	*rem -= CommunitySize
	return c, nil
}

func encodeCommunity(buf []byte, idx *int, c Community) {
	copy(buf[*idx:*idx+CommunitySize], c[:])
	*idx += CommunitySize
}

func need(rem int, n int) error {
	if rem < n {
		return ErrMalformed
	}
	return nil
}
