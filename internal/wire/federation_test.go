package wire

import "testing"

func TestReqRoundTrip(t *testing.T) {
	hdr := FedHeader{Type: MsgReq, Flags: FedFlagS | FedFlagN, Seq: 7}
	req := Req{Communities: []Community{NewCommunity("alpha"), NewCommunity("beta")}}

	buf := make([]byte, 256)
	n, err := EncodeReq(buf, hdr, req)
	if err != nil {
		t.Fatalf("EncodeReq: %v", err)
	}

	rem := n
	idx := 0
	gotHdr, err := DecodeFedHeader(buf, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodeFedHeader: %v", err)
	}
	if gotHdr != hdr {
		t.Errorf("DecodeFedHeader = %+v, want %+v", gotHdr, hdr)
	}
	gotReq, err := DecodeReq(buf, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodeReq: %v", err)
	}
	if len(gotReq.Communities) != 2 || gotReq.Communities[0].String() != "alpha" || gotReq.Communities[1].String() != "beta" {
		t.Errorf("DecodeReq = %+v", gotReq)
	}
}

func TestInfoRoundTrip(t *testing.T) {
	hdr := FedHeader{Type: MsgRsp, Flags: FedFlagS, Seq: 1}
	info := Info{
		Supernodes: []SockAddr{{Family: AFInet, Addr4: [4]byte{1, 2, 3, 4}, Port: 1}},
		Communities: []CommunityInfo{
			{Name: NewCommunity("gamma"), Supernodes: []SockAddr{{Family: AFInet, Addr4: [4]byte{5, 6, 7, 8}, Port: 2}}},
		},
	}
	buf := make([]byte, 256)
	n, err := EncodeInfo(buf, hdr, info)
	if err != nil {
		t.Fatalf("EncodeInfo: %v", err)
	}
	rem := n
	idx := 0
	if _, err := DecodeFedHeader(buf, &rem, &idx); err != nil {
		t.Fatalf("DecodeFedHeader: %v", err)
	}
	got, err := DecodeInfo(buf, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
	if len(got.Supernodes) != 1 || got.Supernodes[0] != info.Supernodes[0] {
		t.Errorf("DecodeInfo supernodes = %+v", got.Supernodes)
	}
	if len(got.Communities) != 1 || got.Communities[0].Name.String() != "gamma" {
		t.Errorf("DecodeInfo communities = %+v", got.Communities)
	}
}

func TestAdvRoundTrip(t *testing.T) {
	hdr := FedHeader{Type: MsgAdv, Flags: FedFlagA, Seq: 3}
	adv := Adv{Communities: []CommunityInfo{{Name: NewCommunity("delta")}}}
	buf := make([]byte, 256)
	n, err := EncodeAdv(buf, hdr, adv)
	if err != nil {
		t.Fatalf("EncodeAdv: %v", err)
	}
	rem := n
	idx := 0
	if _, err := DecodeFedHeader(buf, &rem, &idx); err != nil {
		t.Fatalf("DecodeFedHeader: %v", err)
	}
	got, err := DecodeAdv(buf, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodeAdv: %v", err)
	}
	if len(got.Communities) != 1 || got.Communities[0].Name.String() != "delta" {
		t.Errorf("DecodeAdv = %+v", got)
	}
}

func TestFedFlagsHas(t *testing.T) {
	f := FedFlagS | FedFlagA
	if !f.Has(FedFlagS) || !f.Has(FedFlagA) {
		t.Errorf("FedFlags.Has false negative on %v", f)
	}
	if f.Has(FedFlagC) {
		t.Errorf("FedFlags.Has false positive on %v", f)
	}
}
