package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/lunixbochs/struc"
)

// MsgType identifies a federation (supernode-to-supernode) frame.
type MsgType uint8

const (
	MsgReq MsgType = 1
	MsgRsp MsgType = 2
	MsgAdv MsgType = 3
)

// FedFlags are the federation header's single-byte flag set.
type FedFlags uint8

const (
	FedFlagS FedFlags = 1 << 0 // sender is a supernode
	FedFlagC FedFlags = 1 << 1 // request: list all communities
	FedFlagN FedFlags = 1 << 2 // request: list named communities
	FedFlagA FedFlags = 1 << 3 // request/acknowledge advertisement
	FedFlagE FedFlags = 1 << 4 // sender is an edge, not a supernode
)

func (f FedFlags) Has(bit FedFlags) bool { return f&bit != 0 }

// FedHeader is the common header on every federation frame.
type FedHeader struct {
	Type  MsgType
	Flags FedFlags
	Seq   uint32
}

type wireFedHeader struct {
	Type  uint8
	Flags uint8
	Seq   uint32 `struc:"big"`
}

const FedHeaderSize = 1 + 1 + 4

func DecodeFedHeader(buf []byte, rem *int, idx *int) (FedHeader, error) {
	var h FedHeader
	if err := need(*rem, FedHeaderSize); err != nil {
		return h, err
	}
	var w wireFedHeader
	if err := struc.Unpack(bytes.NewReader(buf[*idx:*idx+FedHeaderSize]), &w); err != nil {
		return h, ErrMalformed
	}
	h.Type = MsgType(w.Type)
	h.Flags = FedFlags(w.Flags)
	h.Seq = w.Seq
	*idx += FedHeaderSize
	*rem -= FedHeaderSize
	return h, nil
}

func EncodeFedHeader(buf []byte, idx *int, h FedHeader) error {
	w := wireFedHeader{Type: uint8(h.Type), Flags: uint8(h.Flags), Seq: h.Seq}
	var out bytes.Buffer
	if err := struc.Pack(&out, &w); err != nil {
		return err
	}
	copy(buf[*idx:], out.Bytes())
	*idx += FedHeaderSize
	return nil
}

// CommunityInfo mirrors the in-memory federation directory entry for one
// community: its name and the supernode addresses known to host it.
type CommunityInfo struct {
	Name       Community
	Supernodes []SockAddr
}

func encodeCommunityInfo(buf []byte, idx *int, ci CommunityInfo) {
	encodeCommunity(buf, idx, ci.Name)
	buf[*idx] = byte(len(ci.Supernodes))
	*idx++
	for _, s := range ci.Supernodes {
		encodeSockAddr(buf, idx, s)
	}
}

func decodeCommunityInfo(buf []byte, rem *int, idx *int) (CommunityInfo, error) {
	var ci CommunityInfo
	var err error
	if ci.Name, err = decodeCommunity(buf, rem, idx); err != nil {
		return ci, err
	}
	if err = need(*rem, 1); err != nil {
		return ci, err
	}
	n := int(buf[*idx])
	*idx++
	*rem--
	ci.Supernodes = make([]SockAddr, 0, n)
	for i := 0; i < n; i++ {
		s, err := decodeSockAddr(buf, rem, idx)
		if err != nil {
			return ci, err
		}
		ci.Supernodes = append(ci.Supernodes, s)
	}
	return ci, nil
}

// Req is the REQ payload: a 16-bit count followed by that many community
// names. The list is filled only for a named-communities (N) request; an
// all-communities (C) request carries a count of zero.
type Req struct {
	Communities []Community
}

func EncodeReq(buf []byte, hdr FedHeader, r Req) (int, error) {
	idx := 0
	if err := EncodeFedHeader(buf, &idx, hdr); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(buf[idx:idx+2], uint16(len(r.Communities)))
	idx += 2
	for _, c := range r.Communities {
		encodeCommunity(buf, &idx, c)
	}
	return idx, nil
}

func DecodeReq(buf []byte, rem *int, idx *int) (Req, error) {
	var r Req
	if err := need(*rem, 2); err != nil {
		return r, err
	}
	n := int(binary.BigEndian.Uint16(buf[*idx : *idx+2]))
	*idx += 2
	*rem -= 2
	r.Communities = make([]Community, 0, n)
	for i := 0; i < n; i++ {
		c, err := decodeCommunity(buf, rem, idx)
		if err != nil {
			return r, err
		}
		r.Communities = append(r.Communities, c)
	}
	return r, nil
}

// Info is the RSP payload: known supernodes plus requested communities.
type Info struct {
	Supernodes []SockAddr
	Communities []CommunityInfo
}

func EncodeInfo(buf []byte, hdr FedHeader, in Info) (int, error) {
	idx := 0
	if err := EncodeFedHeader(buf, &idx, hdr); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(buf[idx:idx+2], uint16(len(in.Supernodes)))
	idx += 2
	for _, s := range in.Supernodes {
		encodeSockAddr(buf, &idx, s)
	}
	binary.BigEndian.PutUint16(buf[idx:idx+2], uint16(len(in.Communities)))
	idx += 2
	for _, ci := range in.Communities {
		encodeCommunityInfo(buf, &idx, ci)
	}
	return idx, nil
}

func DecodeInfo(buf []byte, rem *int, idx *int) (Info, error) {
	var in Info
	if err := need(*rem, 2); err != nil {
		return in, err
	}
	snNum := int(binary.BigEndian.Uint16(buf[*idx : *idx+2]))
	*idx += 2
	*rem -= 2
	in.Supernodes = make([]SockAddr, 0, snNum)
	for i := 0; i < snNum; i++ {
		s, err := decodeSockAddr(buf, rem, idx)
		if err != nil {
			return in, err
		}
		in.Supernodes = append(in.Supernodes, s)
	}
	if err := need(*rem, 2); err != nil {
		return in, err
	}
	commNum := int(binary.BigEndian.Uint16(buf[*idx : *idx+2]))
	*idx += 2
	*rem -= 2
	in.Communities = make([]CommunityInfo, 0, commNum)
	for i := 0; i < commNum; i++ {
		ci, err := decodeCommunityInfo(buf, rem, idx)
		if err != nil {
			return in, err
		}
		in.Communities = append(in.Communities, ci)
	}
	return in, nil
}

// Adv is the ADV payload: the sender's community list, each tagged with
// the supernodes it knows host that community.
type Adv struct {
	Communities []CommunityInfo
}

func EncodeAdv(buf []byte, hdr FedHeader, a Adv) (int, error) {
	idx := 0
	if err := EncodeFedHeader(buf, &idx, hdr); err != nil {
		return 0, err
	}
	binary.BigEndian.PutUint16(buf[idx:idx+2], uint16(len(a.Communities)))
	idx += 2
	for _, ci := range a.Communities {
		encodeCommunityInfo(buf, &idx, ci)
	}
	return idx, nil
}

func DecodeAdv(buf []byte, rem *int, idx *int) (Adv, error) {
	var a Adv
	if err := need(*rem, 2); err != nil {
		return a, err
	}
	n := int(binary.BigEndian.Uint16(buf[*idx : *idx+2]))
	*idx += 2
	*rem -= 2
	a.Communities = make([]CommunityInfo, 0, n)
	for i := 0; i < n; i++ {
		ci, err := decodeCommunityInfo(buf, rem, idx)
		if err != nil {
			return a, err
		}
		a.Communities = append(a.Communities, ci)
	}
	return a, nil
}
