package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

// PacketCode identifies the kind of edge-facing frame.
type PacketCode uint8

const (
	PcPacket           PacketCode = 0
	PcRegister         PacketCode = 1
	PcRegisterAck      PacketCode = 2
	PcRegisterSuper    PacketCode = 3
	PcRegisterSuperAck PacketCode = 4
)

// Flags bits. The supernode inspects/sets FlagFromSupernode and FlagSocket;
// every other bit is preserved verbatim across a rewrite.
type Flags uint16

const (
	FlagFromSupernode Flags = 0x0020
	FlagSocket        Flags = 0x0004
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// CommonHeader is present on every edge-facing frame.
type CommonHeader struct {
	Version    uint8
	TTL        uint8
	PacketCode PacketCode
	Flags      Flags
	Community  Community
}

// wireCommonHeader is the struc-tagged on-wire shape of CommonHeader; struc
// packs/unpacks it in one call instead of hand-rolled field-by-field code.
type wireCommonHeader struct {
	Version   uint8
	TTL       uint8
	Pc        uint8
	Flags     uint16 `struc:"big"`
	Community [16]byte
}

// CommonHeaderSize is the fixed wire width of CommonHeader.
const CommonHeaderSize = 1 + 1 + 1 + 2 + CommunitySize

// DecodeCommon decodes the common edge header, advancing rem/idx.
func DecodeCommon(buf []byte, rem *int, idx *int) (CommonHeader, error) {
	var h CommonHeader
	if err := need(*rem, CommonHeaderSize); err != nil {
		return h, err
	}
	var w wireCommonHeader
	if err := struc.Unpack(bytes.NewReader(buf[*idx:*idx+CommonHeaderSize]), &w); err != nil {
		return h, ErrMalformed
	}
	h.Version = w.Version
	h.TTL = w.TTL
	h.PacketCode = PacketCode(w.Pc)
	h.Flags = Flags(w.Flags)
	h.Community = Community(w.Community)
	*idx += CommonHeaderSize
	*rem -= CommonHeaderSize
	return h, nil
}

// EncodeCommon appends the common header to buf starting at *idx.
func EncodeCommon(buf []byte, idx *int, h CommonHeader) error {
	w := wireCommonHeader{
		Version: h.Version,
		TTL:     h.TTL,
		Pc:      uint8(h.PacketCode),
		Flags:   uint16(h.Flags),
	}
	w.Community = [16]byte(h.Community)
	var out bytes.Buffer
	if err := struc.Pack(&out, &w); err != nil {
		return err
	}
	copy(buf[*idx:], out.Bytes())
	*idx += CommonHeaderSize
	return nil
}

// Cookie is an opaque 32-bit value echoed between REGISTER/REGISTER_SUPER
// requests and their acknowledgements.
type Cookie uint32

func decodeCookie(buf []byte, rem *int, idx *int) (Cookie, error) {
	if err := need(*rem, 4); err != nil {
		return 0, err
	}
	v := binary.BigEndian.Uint32(buf[*idx : *idx+4])
	*idx += 4
	*rem -= 4
	return Cookie(v), nil
}

func encodeCookie(buf []byte, idx *int, c Cookie) {
	binary.BigEndian.PutUint32(buf[*idx:*idx+4], uint32(c))
	*idx += 4
}

// Packet is the PACKET payload: srcMac, dstMac, an optional inline socket
// (present iff FlagSocket is set), then the opaque Ethernet tail.
type Packet struct {
	SrcMac  MAC
	DstMac  MAC
	Sock    SockAddr // valid iff HasSock
	HasSock bool
	Tail    []byte // opaque, untouched
}

func DecodePacket(h CommonHeader, buf []byte, rem *int, idx *int) (Packet, error) {
	var p Packet
	var err error
	if p.SrcMac, err = decodeMAC(buf, rem, idx); err != nil {
		return p, err
	}
	if p.DstMac, err = decodeMAC(buf, rem, idx); err != nil {
		return p, err
	}
	if h.Flags.Has(FlagSocket) {
		if p.Sock, err = decodeSockAddr(buf, rem, idx); err != nil {
			return p, err
		}
		p.HasSock = true
	}
	p.Tail = buf[*idx : *idx+*rem]
	*idx += *rem
	*rem = 0
	return p, nil
}

// EncodePacket re-encodes the common header followed by the PACKET payload
// (always with an inlined socket, which is the only case the dispatcher
// re-encodes) and returns the number of bytes written.
func EncodePacket(buf []byte, cmn CommonHeader, p Packet) (int, error) {
	idx := 0
	if err := EncodeCommon(buf, &idx, cmn); err != nil {
		return 0, err
	}
	encodeMAC(buf, &idx, p.SrcMac)
	encodeMAC(buf, &idx, p.DstMac)
	encodeSockAddr(buf, &idx, p.Sock)
	idx += copy(buf[idx:], p.Tail)
	return idx, nil
}

// Register is the REGISTER payload: edge-to-edge P2P introduction relayed
// by the supernode.
type Register struct {
	Cookie  Cookie
	SrcMac  MAC
	DstMac  MAC
	Sock    SockAddr
	HasSock bool
}

func DecodeRegister(h CommonHeader, buf []byte, rem *int, idx *int) (Register, error) {
	var r Register
	var err error
	if r.Cookie, err = decodeCookie(buf, rem, idx); err != nil {
		return r, err
	}
	if r.SrcMac, err = decodeMAC(buf, rem, idx); err != nil {
		return r, err
	}
	if r.DstMac, err = decodeMAC(buf, rem, idx); err != nil {
		return r, err
	}
	if h.Flags.Has(FlagSocket) {
		if r.Sock, err = decodeSockAddr(buf, rem, idx); err != nil {
			return r, err
		}
		r.HasSock = true
	}
	return r, nil
}

func EncodeRegister(buf []byte, cmn CommonHeader, r Register) (int, error) {
	idx := 0
	if err := EncodeCommon(buf, &idx, cmn); err != nil {
		return 0, err
	}
	encodeCookie(buf, &idx, r.Cookie)
	encodeMAC(buf, &idx, r.SrcMac)
	encodeMAC(buf, &idx, r.DstMac)
	encodeSockAddr(buf, &idx, r.Sock)
	return idx, nil
}

// RegisterSuper is the REGISTER_SUPER payload. AuthTail preserves any
// trailing auth bytes byte-for-byte without interpreting them, per
// spec.md §4.A.
type RegisterSuper struct {
	Cookie  Cookie
	EdgeMac MAC
	AuthTail []byte
}

func DecodeRegisterSuper(buf []byte, rem *int, idx *int) (RegisterSuper, error) {
	var r RegisterSuper
	var err error
	if r.Cookie, err = decodeCookie(buf, rem, idx); err != nil {
		return r, err
	}
	if r.EdgeMac, err = decodeMAC(buf, rem, idx); err != nil {
		return r, err
	}
	r.AuthTail = buf[*idx : *idx+*rem]
	*idx += *rem
	*rem = 0
	return r, nil
}

// RegisterSuperAck is the REGISTER_SUPER_ACK payload this supernode emits.
type RegisterSuperAck struct {
	Cookie   Cookie
	EdgeMac  MAC
	Lifetime uint16
	Sock     SockAddr
	Backups  []SockAddr
}

func EncodeRegisterSuperAck(buf []byte, cmn CommonHeader, a RegisterSuperAck) (int, error) {
	idx := 0
	if err := EncodeCommon(buf, &idx, cmn); err != nil {
		return 0, err
	}
	encodeCookie(buf, &idx, a.Cookie)
	encodeMAC(buf, &idx, a.EdgeMac)
	binary.BigEndian.PutUint16(buf[idx:idx+2], a.Lifetime)
	idx += 2
	encodeSockAddr(buf, &idx, a.Sock)
	buf[idx] = byte(len(a.Backups))
	idx++
	for _, b := range a.Backups {
		encodeSockAddr(buf, &idx, b)
	}
	return idx, nil
}

func DecodeRegisterSuperAck(buf []byte, rem *int, idx *int) (RegisterSuperAck, error) {
	var a RegisterSuperAck
	var err error
	if a.Cookie, err = decodeCookie(buf, rem, idx); err != nil {
		return a, err
	}
	if a.EdgeMac, err = decodeMAC(buf, rem, idx); err != nil {
		return a, err
	}
	if err = need(*rem, 2); err != nil {
		return a, err
	}
	a.Lifetime = binary.BigEndian.Uint16(buf[*idx : *idx+2])
	*idx += 2
	*rem -= 2
	if a.Sock, err = decodeSockAddr(buf, rem, idx); err != nil {
		return a, err
	}
	if err = need(*rem, 1); err != nil {
		return a, err
	}
	n := int(buf[*idx])
	*idx++
	*rem--
	a.Backups = make([]SockAddr, 0, n)
	for i := 0; i < n; i++ {
		b, err := decodeSockAddr(buf, rem, idx)
		if err != nil {
			return a, err
		}
		a.Backups = append(a.Backups, b)
	}
	return a, nil
}
