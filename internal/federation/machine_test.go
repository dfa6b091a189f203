package federation

import (
	"io"
	"net"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/dukess/n2n-v3/internal/wire"
)

type fakeFedSender struct {
	sent []fedFrame
}

type fedFrame struct {
	dst  wire.SockAddr
	data []byte
}

func (f *fakeFedSender) SendFederation(dst wire.SockAddr, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)
	f.sent = append(f.sent, fedFrame{dst: dst, data: cp})
	return nil
}

func fedTestLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestNewMachineInitialState(t *testing.T) {
	dir := New(4, 2, Paths{})
	m := NewMachine(dir, &fakeFedSender{}, fedTestLogger(), 7655, nil, 60, 1000, true)
	if m.State() != StateReady {
		t.Errorf("State = %v, want READY when supernode list starts empty", m.State())
	}

	m2 := NewMachine(dir, &fakeFedSender{}, fedTestLogger(), 7655, nil, 60, 1000, false)
	if m2.State() != StateDiscovery {
		t.Errorf("State = %v, want DISCOVERY when supernode list is non-empty", m2.State())
	}
}

func TestReadyIsTerminal(t *testing.T) {
	dir := New(4, 2, Paths{})
	m := NewMachine(dir, &fakeFedSender{}, fedTestLogger(), 7655, nil, 60, 1000, true)
	m.MaintainDiscovery(2000)
	if m.State() != StateReady {
		t.Fatalf("State = %v, want READY", m.State())
	}
	m.MaintainDiscovery(3000)
	if m.State() != StateReady {
		t.Errorf("READY must be terminal: State = %v after a later MaintainDiscovery call", m.State())
	}
}

func TestMaintainDiscoveryWaitsForInterval(t *testing.T) {
	dir := New(4, 2, Paths{})
	m := NewMachine(dir, &fakeFedSender{}, fedTestLogger(), 7655, nil, 60, 1000, false)
	m.MaintainDiscovery(1010) // only 10s elapsed, interval is 60s
	if m.State() != StateDiscovery {
		t.Errorf("State = %v, want DISCOVERY before the interval elapses", m.State())
	}
	m.MaintainDiscovery(1061)
	if m.State() != StateReady {
		t.Errorf("State = %v, want READY after the interval elapses", m.State())
	}
}

func TestHandleReqWhileNotReadyIsDropped(t *testing.T) {
	dir := New(4, 2, Paths{})
	sender := &fakeFedSender{}
	m := NewMachine(dir, sender, fedTestLogger(), 7655, nil, 60, 1000, false) // starts DISCOVERY
	m.HandleReq(fedSock(1, 7655), wire.FedHeader{Type: wire.MsgReq, Flags: wire.FedFlagS}, wire.Req{}, 1001)
	if len(sender.sent) != 0 {
		t.Errorf("REQ while DISCOVERY should be dropped, got %d replies", len(sender.sent))
	}
}

func TestHandleReqRepliesWithInfoWhenReady(t *testing.T) {
	dir := New(4, 2, Paths{})
	dir.AddCommunity("room-a", []wire.SockAddr{fedSock(9, 7655)})
	sender := &fakeFedSender{}
	m := NewMachine(dir, sender, fedTestLogger(), 7655, nil, 60, 1000, true) // starts READY

	m.HandleReq(fedSock(2, 7655), wire.FedHeader{Type: wire.MsgReq, Flags: wire.FedFlagS | wire.FedFlagC}, wire.Req{}, 1001)

	if len(sender.sent) != 1 {
		t.Fatalf("sent %d replies, want 1", len(sender.sent))
	}
	rem := len(sender.sent[0].data)
	idx := 0
	hdr, err := wire.DecodeFedHeader(sender.sent[0].data, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodeFedHeader: %v", err)
	}
	if hdr.Type != wire.MsgRsp {
		t.Errorf("reply type = %v, want MsgRsp", hdr.Type)
	}
	info, err := wire.DecodeInfo(sender.sent[0].data, &rem, &idx)
	if err != nil {
		t.Fatalf("DecodeInfo: %v", err)
	}
	if len(info.Communities) != 1 || info.Communities[0].Name.String() != "room-a" {
		t.Errorf("reply communities = %+v", info.Communities)
	}
}

func TestHandleRspWhileReadyIsDropped(t *testing.T) {
	dir := New(4, 2, Paths{})
	sender := &fakeFedSender{}
	m := NewMachine(dir, sender, fedTestLogger(), 7655, nil, 60, 1000, true) // starts READY
	m.HandleRsp(fedSock(1, 7655), wire.Info{Supernodes: []wire.SockAddr{fedSock(3, 7655)}}, 1001)

	if len(dir.SupernodeList()) != 0 {
		t.Errorf("RSP while READY should be ignored, but supernode list changed: %+v", dir.SupernodeList())
	}
}

func TestHandleRspMergesAndRequestsFromNewSupernodes(t *testing.T) {
	dir := New(4, 2, Paths{})
	sender := &fakeFedSender{}
	m := NewMachine(dir, sender, fedTestLogger(), 7655, nil, 60, 1000, false) // starts DISCOVERY

	newSN := fedSock(5, 7655)
	m.HandleRsp(fedSock(1, 7655), wire.Info{Supernodes: []wire.SockAddr{newSN}}, 1001)

	list := dir.SupernodeList()
	if len(list) != 1 || list[0] != newSN {
		t.Fatalf("SupernodeList = %+v, want [%+v]", list, newSN)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("sent %d REQs to new supernodes, want 1", len(sender.sent))
	}
	if sender.sent[0].dst != newSN {
		t.Errorf("REQ sent to %+v, want the newly-learned supernode %+v", sender.sent[0].dst, newSN)
	}
}

func TestIsLoopbackSuppressesLocalAddress(t *testing.T) {
	dir := New(4, 2, Paths{})
	localIP := net.IPv4(10, 0, 0, 9)
	m := NewMachine(dir, &fakeFedSender{}, fedTestLogger(), 7655, []net.IP{localIP}, 60, 1000, true)
	self := wire.SockAddr{Family: wire.AFInet, Addr4: [4]byte{10, 0, 0, 9}, Port: 7655}
	if !m.isLoopback(self) {
		t.Error("isLoopback should suppress our own configured address on the configured port")
	}
	other := wire.SockAddr{Family: wire.AFInet, Addr4: [4]byte{10, 0, 0, 9}, Port: 9999}
	if m.isLoopback(other) {
		t.Error("isLoopback must not suppress the same IP on a different port")
	}
}
