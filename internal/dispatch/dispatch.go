// Package dispatch implements the message dispatcher: classifying an
// inbound edge-protocol datagram, mutating its header where the address
// rewrite rule requires, and routing it per spec.md §4.D.
package dispatch

import (
	"github.com/sirupsen/logrus"

	"github.com/dukess/n2n-v3/internal/federation"
	"github.com/dukess/n2n-v3/internal/peerdir"
	"github.com/dukess/n2n-v3/internal/stats"
	"github.com/dukess/n2n-v3/internal/wire"
)

// RegisterLifetime is the lifetime advertised in REGISTER_SUPER_ACK. Fixed
// at 120s for wire compatibility (spec.md §4.D).
const RegisterLifetime = 120

// EdgeSender transmits one encoded edge-protocol frame to a peer.
type EdgeSender interface {
	SendEdge(dst wire.SockAddr, data []byte) error
}

// Dispatcher owns no state of its own beyond its collaborators; every
// handler takes the owner struct explicitly (spec.md §9: "no hidden
// singletons").
type Dispatcher struct {
	Peers     *peerdir.Directory
	Fed       *federation.Directory // nil if federation is disabled
	Stats     *stats.Counters
	Sender    EdgeSender
	Log       *logrus.Logger
	MaxBufLen int
}

// HandleDatagram classifies and processes one inbound edge-socket
// datagram from sender at time now (spec.md §4.D).
func (d *Dispatcher) HandleDatagram(sender wire.SockAddr, buf []byte, now int64) {
	rem := len(buf)
	idx := 0
	cmn, err := wire.DecodeCommon(buf, &rem, &idx)
	if err != nil {
		d.Stats.IncErrors()
		d.Log.WithError(err).Debug("dispatch: failed to decode common header")
		return
	}
	if cmn.TTL == 0 {
		d.Log.Debug("dispatch: TTL expired, dropping")
		return
	}
	cmn.TTL--

	switch cmn.PacketCode {
	case wire.PcPacket:
		d.handlePacket(sender, cmn, buf, rem, idx, now)
	case wire.PcRegister:
		d.handleRegister(sender, cmn, buf, rem, idx)
	case wire.PcRegisterAck:
		d.Log.Debug("dispatch: REGISTER_ACK accepted, not acted on")
	case wire.PcRegisterSuper:
		d.handleRegisterSuper(sender, cmn, buf, rem, idx, now)
	default:
		d.Log.Warnf("dispatch: unknown packet code %d, dropping", cmn.PacketCode)
	}
}

func (d *Dispatcher) handlePacket(sender wire.SockAddr, cmn wire.CommonHeader, buf []byte, rem, idx int, now int64) {
	pkt, err := wire.DecodePacket(cmn, buf, &rem, &idx)
	if err != nil {
		d.Stats.IncErrors()
		d.Log.WithError(err).Debug("dispatch: failed to decode PACKET")
		return
	}

	d.Stats.SetLastFwd(now)
	unicast := !pkt.DstMac.IsMultiOrBroadcast()

	var outBuf []byte
	var outLen int
	if !cmn.Flags.Has(wire.FlagFromSupernode) {
		cmn2 := cmn
		cmn2.Flags |= wire.FlagSocket | wire.FlagFromSupernode
		pkt2 := pkt
		pkt2.Sock = sender
		pkt2.HasSock = true
		encbuf := make([]byte, d.bufLen())
		n, err := wire.EncodePacket(encbuf, cmn2, pkt2)
		if err != nil {
			d.Stats.IncErrors()
			d.Log.WithError(err).Warn("dispatch: failed to re-encode PACKET")
			return
		}
		outBuf, outLen = encbuf, n
	} else {
		outBuf, outLen = buf, len(buf)
	}

	community := cmn.Community.String()
	if unicast {
		d.tryForward(pkt.DstMac, outBuf[:outLen])
	} else {
		d.tryBroadcast(community, pkt.SrcMac, outBuf[:outLen])
	}
}

func (d *Dispatcher) handleRegister(sender wire.SockAddr, cmn wire.CommonHeader, buf []byte, rem, idx int) {
	reg, err := wire.DecodeRegister(cmn, buf, &rem, &idx)
	if err != nil {
		d.Stats.IncErrors()
		d.Log.WithError(err).Debug("dispatch: failed to decode REGISTER")
		return
	}
	if reg.DstMac.IsMultiOrBroadcast() {
		d.Log.Warn("dispatch: REGISTER with multicast destination, rejecting")
		return
	}

	var outBuf []byte
	var outLen int
	if !cmn.Flags.Has(wire.FlagFromSupernode) {
		cmn2 := cmn
		cmn2.Flags |= wire.FlagSocket | wire.FlagFromSupernode
		reg2 := reg
		reg2.Sock = sender
		reg2.HasSock = true
		encbuf := make([]byte, d.bufLen())
		n, err := wire.EncodeRegister(encbuf, cmn2, reg2)
		if err != nil {
			d.Stats.IncErrors()
			d.Log.WithError(err).Warn("dispatch: failed to re-encode REGISTER")
			return
		}
		outBuf, outLen = encbuf, n
	} else {
		outBuf, outLen = buf, len(buf)
	}

	d.tryForward(reg.DstMac, outBuf[:outLen])
}

func (d *Dispatcher) handleRegisterSuper(sender wire.SockAddr, cmn wire.CommonHeader, buf []byte, rem, idx int, now int64) {
	reg, err := wire.DecodeRegisterSuper(buf, &rem, &idx)
	if err != nil {
		d.Stats.IncErrors()
		d.Log.WithError(err).Debug("dispatch: failed to decode REGISTER_SUPER")
		return
	}

	d.Stats.IncRegSuper()
	d.Stats.SetLastRegSuper(now)

	community := cmn.Community.String()
	d.Peers.Upsert(community, reg.EdgeMac, sender, now)

	ack := wire.RegisterSuperAck{
		Cookie:   reg.Cookie,
		EdgeMac:  reg.EdgeMac,
		Lifetime: RegisterLifetime,
		Sock:     sender,
	}
	if d.Fed != nil {
		if entry, ok := d.Fed.FindCommunity(community); ok {
			ack.Backups = entry.SockList()
		}
	}

	ackCmn := wire.CommonHeader{
		Version:    cmn.Version,
		TTL:        cmn.TTL,
		PacketCode: wire.PcRegisterSuperAck,
		Flags:      wire.FlagSocket | wire.FlagFromSupernode,
		Community:  cmn.Community,
	}
	out := make([]byte, d.bufLen())
	n, err := wire.EncodeRegisterSuperAck(out, ackCmn, ack)
	if err != nil {
		d.Stats.IncErrors()
		d.Log.WithError(err).Warn("dispatch: failed to encode REGISTER_SUPER_ACK")
		return
	}
	if err := d.Sender.SendEdge(sender, out[:n]); err != nil {
		d.Stats.IncErrors()
		d.Log.WithError(err).Warn("dispatch: failed to send REGISTER_SUPER_ACK")
	}
}

// tryForward looks dst up in the directory and sends buf to its socket. A
// miss is a silent drop: no broadcast fallback (spec.md §9 Open Question,
// resolved: the implemented behavior is specified, not the promised one).
func (d *Dispatcher) tryForward(dst wire.MAC, buf []byte) {
	rec := d.Peers.FindByMac(dst)
	if rec == nil {
		d.Log.Debug("dispatch: try_forward unknown MAC, dropping")
		return
	}
	if err := d.Sender.SendEdge(rec.Sock, buf); err != nil {
		d.Stats.IncErrors()
		d.Log.WithError(err).Debug("dispatch: unicast send failed")
		return
	}
	d.Stats.IncForwarded()
}

// tryBroadcast sends buf to every peer in community except src.
func (d *Dispatcher) tryBroadcast(community string, src wire.MAC, buf []byte) {
	d.Peers.Iter(community, func(r *peerdir.Record) {
		if r.Mac == src {
			return
		}
		if err := d.Sender.SendEdge(r.Sock, buf); err != nil {
			d.Stats.IncErrors()
			d.Log.WithError(err).Debug("dispatch: broadcast send failed")
			return
		}
		d.Stats.IncBroadcast()
	})
}

func (d *Dispatcher) bufLen() int {
	if d.MaxBufLen > 0 {
		return d.MaxBufLen
	}
	return 2048
}
