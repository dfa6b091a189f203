package wire

import (
	"bytes"
	"testing"
)

func TestCommonHeaderRoundTrip(t *testing.T) {
	h := CommonHeader{
		Version:    3,
		TTL:        16,
		PacketCode: PcRegisterSuper,
		Flags:      FlagFromSupernode,
		Community:  NewCommunity("room-one"),
	}
	buf := make([]byte, CommonHeaderSize)
	idx := 0
	if err := EncodeCommon(buf, &idx, h); err != nil {
		t.Fatalf("EncodeCommon: %v", err)
	}
	if idx != CommonHeaderSize {
		t.Fatalf("EncodeCommon wrote %d bytes, want %d", idx, CommonHeaderSize)
	}
	rem := CommonHeaderSize
	idx2 := 0
	got, err := DecodeCommon(buf, &rem, &idx2)
	if err != nil {
		t.Fatalf("DecodeCommon: %v", err)
	}
	if got != h {
		t.Errorf("DecodeCommon = %+v, want %+v", got, h)
	}
}

func TestDecodeCommonTruncated(t *testing.T) {
	buf := make([]byte, CommonHeaderSize-1)
	rem := len(buf)
	idx := 0
	if _, err := DecodeCommon(buf, &rem, &idx); err != ErrMalformed {
		t.Errorf("DecodeCommon on short buffer: got %v, want ErrMalformed", err)
	}
}

func TestPacketRoundTripWithSocket(t *testing.T) {
	cmn := CommonHeader{Version: 3, TTL: 16, PacketCode: PcPacket, Flags: FlagSocket, Community: NewCommunity("c1")}
	p := Packet{
		SrcMac: MAC{1, 2, 3, 4, 5, 6},
		DstMac: MAC{6, 5, 4, 3, 2, 1},
		Sock:   SockAddr{Family: AFInet, Addr4: [4]byte{10, 0, 0, 1}, Port: 1234},
		Tail:   []byte("hello ethernet frame"),
	}
	buf := make([]byte, 256)
	n, err := EncodePacket(buf, cmn, p)
	if err != nil {
		t.Fatalf("EncodePacket: %v", err)
	}

	rem := n
	idx := 0
	cmn2, err := DecodeCommon(buf, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodeCommon: %v", err)
	}
	got, err := DecodePacket(cmn2, buf, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if got.SrcMac != p.SrcMac || got.DstMac != p.DstMac {
		t.Errorf("DecodePacket MAC mismatch: got %+v", got)
	}
	if !got.HasSock || got.Sock != p.Sock {
		t.Errorf("DecodePacket socket mismatch: got %+v", got)
	}
	if !bytes.Equal(got.Tail, p.Tail) {
		t.Errorf("DecodePacket tail = %q, want %q", got.Tail, p.Tail)
	}
}

func TestPacketRoundTripWithoutSocket(t *testing.T) {
	cmn := CommonHeader{Version: 3, TTL: 16, PacketCode: PcPacket, Community: NewCommunity("c1")}
	p := Packet{
		SrcMac: MAC{1, 2, 3, 4, 5, 6},
		DstMac: MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Tail:   []byte("x"),
	}
	rem := 12 + len(p.Tail)
	idx := 0
	buf := make([]byte, rem)
	copy(buf, p.SrcMac[:])
	copy(buf[6:], p.DstMac[:])
	copy(buf[12:], p.Tail)
	got, err := DecodePacket(cmn, buf, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodePacket: %v", err)
	}
	if got.HasSock {
		t.Errorf("DecodePacket without FlagSocket set HasSock")
	}
	if got.DstMac.IsMultiOrBroadcast() != true {
		t.Errorf("expected broadcast dst mac to be detected")
	}
}

func TestRegisterSuperAckRoundTrip(t *testing.T) {
	cmn := CommonHeader{Version: 3, TTL: 16, PacketCode: PcRegisterSuperAck, Flags: FlagSocket | FlagFromSupernode, Community: NewCommunity("c1")}
	ack := RegisterSuperAck{
		Cookie:   0xdeadbeef,
		EdgeMac:  MAC{1, 2, 3, 4, 5, 6},
		Lifetime: 120,
		Sock:     SockAddr{Family: AFInet, Addr4: [4]byte{10, 0, 0, 2}, Port: 7654},
		Backups: []SockAddr{
			{Family: AFInet, Addr4: [4]byte{10, 0, 0, 3}, Port: 7654},
			{Family: AFInet, Addr4: [4]byte{10, 0, 0, 4}, Port: 7654},
		},
	}
	buf := make([]byte, 256)
	n, err := EncodeRegisterSuperAck(buf, cmn, ack)
	if err != nil {
		t.Fatalf("EncodeRegisterSuperAck: %v", err)
	}

	rem := n
	idx := 0
	if _, err := DecodeCommon(buf, &rem, &idx); err != nil {
		t.Fatalf("DecodeCommon: %v", err)
	}
	got, err := DecodeRegisterSuperAck(buf, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodeRegisterSuperAck: %v", err)
	}
	if got.Cookie != ack.Cookie || got.EdgeMac != ack.EdgeMac || got.Lifetime != ack.Lifetime {
		t.Errorf("DecodeRegisterSuperAck scalar mismatch: got %+v", got)
	}
	if len(got.Backups) != len(ack.Backups) {
		t.Fatalf("DecodeRegisterSuperAck backups len = %d, want %d", len(got.Backups), len(ack.Backups))
	}
	for i := range ack.Backups {
		if got.Backups[i] != ack.Backups[i] {
			t.Errorf("backup[%d] = %+v, want %+v", i, got.Backups[i], ack.Backups[i])
		}
	}
}

func TestRegisterSuperAuthTailPreserved(t *testing.T) {
	tail := []byte{0xaa, 0xbb, 0xcc, 0xdd}
	buf := make([]byte, 10+len(tail))
	idx := 0
	encodeCookie(buf, &idx, Cookie(42))
	encodeMAC(buf, &idx, MAC{9, 9, 9, 9, 9, 9})
	copy(buf[idx:], tail)

	rem := len(buf)
	idx2 := 0
	got, err := DecodeRegisterSuper(buf, &rem, &idx2)
	if err != nil {
		t.Fatalf("DecodeRegisterSuper: %v", err)
	}
	if !bytes.Equal(got.AuthTail, tail) {
		t.Errorf("AuthTail = %x, want %x", got.AuthTail, tail)
	}
}
