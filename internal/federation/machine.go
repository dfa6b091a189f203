package federation

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/dukess/n2n-v3/internal/wire"
)

// Process decodes one inbound federation datagram and routes it to the
// matching handler (spec.md §4.E, process_sn_msg in original_source/sn.c).
func (m *Machine) Process(sender wire.SockAddr, buf []byte, now int64) error {
	rem := len(buf)
	idx := 0
	hdr, err := wire.DecodeFedHeader(buf, &rem, &idx)
	if err != nil {
		return err
	}
	switch hdr.Type {
	case wire.MsgReq:
		req, err := wire.DecodeReq(buf, &rem, &idx)
		if err != nil {
			return err
		}
		m.HandleReq(sender, hdr, req, now)
	case wire.MsgRsp:
		info, err := wire.DecodeInfo(buf, &rem, &idx)
		if err != nil {
			return err
		}
		m.HandleRsp(sender, info, now)
	case wire.MsgAdv:
		adv, err := wire.DecodeAdv(buf, &rem, &idx)
		if err != nil {
			return err
		}
		m.HandleAdv(sender, hdr, adv, now)
	default:
		return wire.ErrUnknownMsgType
	}
	return nil
}

// State is the federation discovery state. READY is terminal: once
// entered it is never left (spec.md §4.E, §8 invariant 8).
type State int

const (
	StateDiscovery State = iota
	StateReady
)

func (s State) String() string {
	if s == StateReady {
		return "READY"
	}
	return "DISCOVERY"
}

// Sender transmits one encoded federation frame to a sibling supernode.
// Implemented by supernode.Core over its SNM socket; kept as an interface so
// the state machine has no socket dependency (spec.md §9 owner-struct note).
type Sender interface {
	SendFederation(dst wire.SockAddr, data []byte) error
}

// Machine is the federation discovery state machine (spec.md §4.E).
type Machine struct {
	mu    sync.Mutex
	state State

	dir       *Directory
	sender    Sender
	log       *logrus.Logger
	localPort uint16
	localIPs  []net.IP

	discoveryInterval int64
	startTime         int64

	seq uint32
}

// NewMachine builds the state machine. supernodesEmpty selects the initial
// state: READY if the supernode list was empty at boot, else DISCOVERY
// (spec.md §4.E).
func NewMachine(dir *Directory, sender Sender, log *logrus.Logger, localPort uint16, localIPs []net.IP, discoveryInterval int64, startTime int64, supernodesEmpty bool) *Machine {
	m := &Machine{
		dir:               dir,
		sender:            sender,
		log:               log,
		localPort:         localPort,
		localIPs:          localIPs,
		discoveryInterval: discoveryInterval,
		startTime:         startTime,
	}
	if supernodesEmpty {
		m.state = StateReady
	} else {
		m.state = StateDiscovery
	}
	return m
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) nextSeq() uint32 {
	return atomic.AddUint32(&m.seq, 1)
}

// isLoopback reports whether sn is this supernode itself: either the
// 127.0.0.0/8 block, or one of this host's configured local addresses on
// the configured SNM port (spec.md §4.E loopback suppression).
func (m *Machine) isLoopback(sn wire.SockAddr) bool {
	ip := net.IP(sn.Addr4[:])
	if ip.IsLoopback() {
		return true
	}
	if sn.Port != m.localPort {
		return false
	}
	for _, local := range m.localIPs {
		if ip.Equal(local) {
			return true
		}
	}
	return false
}

func communityInfoFromEntries(entries []*CommunityEntry) []wire.CommunityInfo {
	out := make([]wire.CommunityInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, wire.CommunityInfo{Name: wire.NewCommunity(e.Name), Supernodes: e.SockList()})
	}
	return out
}

// SendReq sends a REQ to sn, requesting either all communities or a named
// subset. No-op if sn is ourselves.
func (m *Machine) SendReq(sn wire.SockAddr, all bool, communities []string) {
	if m.isLoopback(sn) {
		return
	}
	flags := wire.FedFlagS
	var names []wire.Community
	if all {
		flags |= wire.FedFlagC
	} else if len(communities) > 0 {
		flags |= wire.FedFlagN
		for _, c := range communities {
			names = append(names, wire.NewCommunity(c))
		}
	}
	hdr := wire.FedHeader{Type: wire.MsgReq, Flags: flags, Seq: m.nextSeq()}
	buf := make([]byte, 2048)
	n, err := wire.EncodeReq(buf, hdr, wire.Req{Communities: names})
	if err != nil {
		m.log.WithError(err).Warn("federation: encode REQ failed")
		return
	}
	if err := m.sender.SendFederation(sn, buf[:n]); err != nil {
		m.log.WithError(err).Warn("federation: send REQ failed")
	}
}

// SendReqToAllSupernodes widens discovery by requesting community lists
// from every known sibling.
func (m *Machine) SendReqToAllSupernodes(all bool) {
	for _, sn := range m.dir.SupernodeList() {
		m.SendReq(sn, all, nil)
	}
}

// sendAdv sends an ADV listing entries to sn; setting requestAck
// also sets the A flag, asking the recipient to reciprocate.
func (m *Machine) sendAdv(sn wire.SockAddr, entries []*CommunityEntry, requestAck bool) {
	if m.isLoopback(sn) {
		return
	}
	flags := wire.FedFlagS
	if requestAck {
		flags |= wire.FedFlagA
	}
	hdr := wire.FedHeader{Type: wire.MsgAdv, Flags: flags, Seq: m.nextSeq()}
	buf := make([]byte, 2048)
	n, err := wire.EncodeAdv(buf, hdr, wire.Adv{Communities: communityInfoFromEntries(entries)})
	if err != nil {
		m.log.WithError(err).Warn("federation: encode ADV failed")
		return
	}
	if err := m.sender.SendFederation(sn, buf[:n]); err != nil {
		m.log.WithError(err).Warn("federation: send ADV failed")
	}
}

// advertiseAll sends our full persisted community set to every sibling.
func (m *Machine) advertiseAll() {
	entries := m.dir.PersistedCommunities()
	if len(entries) == 0 {
		return
	}
	for _, sn := range m.dir.SupernodeList() {
		m.sendAdv(sn, entries, m.state != StateReady)
	}
}

// AdvertiseCommunityToAll sends one newly-added community to every
// sibling, used when an edge registers a brand new community with us.
func (m *Machine) AdvertiseCommunityToAll(entry *CommunityEntry) {
	for _, sn := range m.dir.SupernodeList() {
		m.sendAdv(sn, []*CommunityEntry{entry}, false)
	}
}

// MaintainDiscovery runs once per event-loop iteration while not READY. It
// performs communities_discovery once N2N_SUPER_DISCOVERY_INTERVAL has
// elapsed since start, then transitions to READY (spec.md §4.E).
func (m *Machine) MaintainDiscovery(now int64) {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	if state == StateReady {
		return
	}
	if now-m.startTime < m.discoveryInterval {
		return
	}
	m.dir.MergeHeadIntoPersist()
	m.advertiseAll()
	m.mu.Lock()
	m.state = StateReady
	m.mu.Unlock()
}

// HandleReq processes an inbound REQ. Per spec.md §4.E, REQ is only
// accepted in READY; in DISCOVERY it is logged and dropped.
func (m *Machine) HandleReq(sender wire.SockAddr, hdr wire.FedHeader, req wire.Req, now int64) {
	if m.State() != StateReady {
		m.log.Warn("federation: REQ received while not READY, dropping")
		return
	}
	fromEdge := hdr.Flags.Has(wire.FedFlagE)

	if hdr.Flags.Has(wire.FedFlagA) {
		if fromEdge {
			if len(req.Communities) != 1 {
				m.log.Warnf("federation: REQ from edge with %d communities, want 1", len(req.Communities))
				return
			}
			name := req.Communities[0].String()
			entry, added := m.dir.AddCommunity(name, nil)
			if added {
				if err := m.dir.SaveCommunities(); err != nil {
					m.log.WithError(err).Warn("federation: save communities failed")
				}
				m.AdvertiseCommunityToAll(entry)
			}
		}
		m.sendAdv(sender, nil, false)
	} else {
		entries := m.dir.PersistedCommunities()
		if hdr.Flags.Has(wire.FedFlagN) {
			wanted := make(map[string]bool, len(req.Communities))
			for _, c := range req.Communities {
				wanted[c.String()] = true
			}
			named := make([]*CommunityEntry, 0, len(entries))
			for _, e := range entries {
				if wanted[e.Name] {
					named = append(named, e)
				}
			}
			entries = named
		}
		info := wire.Info{Supernodes: m.dir.SupernodeList(), Communities: communityInfoFromEntries(entries)}
		replyHdr := wire.FedHeader{Type: wire.MsgRsp, Flags: wire.FedFlagS, Seq: m.nextSeq()}
		buf := make([]byte, 2048)
		n, err := wire.EncodeInfo(buf, replyHdr, info)
		if err != nil {
			m.log.WithError(err).Warn("federation: encode RSP failed")
			return
		}
		if err := m.sender.SendFederation(sender, buf[:n]); err != nil {
			m.log.WithError(err).Warn("federation: send RSP failed")
		}
	}

	if !fromEdge {
		if m.dir.AddSupernode(sender, now) {
			if err := m.dir.SaveSupernodes(); err != nil {
				m.log.WithError(err).Warn("federation: save supernodes failed")
			}
		}
	}
}

// HandleRsp processes an inbound RSP. Only accepted in DISCOVERY.
func (m *Machine) HandleRsp(sender wire.SockAddr, info wire.Info, now int64) {
	if m.State() != StateDiscovery {
		m.log.Warn("federation: RSP received while READY, dropping")
		return
	}
	var newOnes []wire.SockAddr
	for _, sn := range info.Supernodes {
		if m.dir.AddSupernode(sn, now) {
			newOnes = append(newOnes, sn)
		}
	}
	for _, ci := range info.Communities {
		m.dir.MergeCommunityInfo(m.dir.Head, ci.Name.String(), ci.Supernodes)
	}
	if len(newOnes) > 0 {
		if err := m.dir.SaveSupernodes(); err != nil {
			m.log.WithError(err).Warn("federation: save supernodes failed")
		}
	}
	for _, sn := range newOnes {
		m.SendReq(sn, true, nil)
	}
}

// HandleAdv processes an inbound ADV: merges the sender's community list,
// and reciprocates with our own ADV if the sender requested it (flag A)
// and our set actually changed.
func (m *Machine) HandleAdv(sender wire.SockAddr, hdr wire.FedHeader, adv wire.Adv, now int64) {
	changed := false
	for _, ci := range adv.Communities {
		if m.dir.MergeCommunityInfo(m.dir.Persist, ci.Name.String(), ci.Supernodes) {
			changed = true
		}
	}
	if changed && hdr.Flags.Has(wire.FedFlagA) {
		m.sendAdv(sender, m.dir.PersistedCommunities(), false)
	}
}
