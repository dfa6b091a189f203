// Package supernode owns the event loop that ties the edge directory,
// federation directory/state machine, and dispatcher together (spec.md
// §4.F). There is exactly one Core per process; every handler takes it
// explicitly rather than reaching for package-level state (spec.md §9).
package supernode

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dukess/n2n-v3/internal/dispatch"
	"github.com/dukess/n2n-v3/internal/federation"
	"github.com/dukess/n2n-v3/internal/peerdir"
	"github.com/dukess/n2n-v3/internal/stats"
	"github.com/dukess/n2n-v3/internal/wire"
)

// tickInterval matches original_source/sn.c's select() timeout: the loop
// wakes at least this often even with no traffic, to drive purge and
// discovery maintenance.
const tickInterval = 10 * time.Second

// infiniteHorizon is the horizon passed to the final Purge call on
// shutdown (spec.md §7 FatalIO: "purge directory with infinite
// horizon") — large enough that no record is actually evicted by it.
const infiniteHorizon = int64(math.MaxInt64)

// datagram is one inbound UDP read, tagged with the socket it arrived on.
type datagram struct {
	from wire.SockAddr
	buf  []byte
}

// Core is the owner struct for the running supernode: every piece of
// mutable state the event loop touches lives here.
type Core struct {
	Log *logrus.Logger

	Peers *peerdir.Directory
	Fed   *federation.Directory
	Mach  *federation.Machine
	Disp  *dispatch.Dispatcher
	Stats *stats.Counters

	PurgeHorizon int64

	EdgeConn *net.UDPConn
	SNMConn  *net.UDPConn // nil if federation is disabled
	MgmtConn *net.UDPConn

	Now func() int64

	edgeCh chan datagram
	snmCh  chan datagram
	mgmtCh chan datagram

	fatal     chan struct{}
	fatalOnce sync.Once
}

// New wires a Core from its already-constructed collaborators.
func New(log *logrus.Logger, peers *peerdir.Directory, fed *federation.Directory, mach *federation.Machine, disp *dispatch.Dispatcher, st *stats.Counters, purgeHorizon int64, now func() int64) *Core {
	return &Core{
		Log:          log,
		Peers:        peers,
		Fed:          fed,
		Mach:         mach,
		Disp:         disp,
		Stats:        st,
		PurgeHorizon: purgeHorizon,
		Now:          now,
		edgeCh:       make(chan datagram, 64),
		snmCh:        make(chan datagram, 64),
		mgmtCh:       make(chan datagram, 8),
		fatal:        make(chan struct{}),
	}
}

// triggerFatal reports a FatalIO condition (spec.md §7): a recvfrom
// failure, or a zero-length datagram, on the management or federation
// socket. Safe to call from multiple reader goroutines.
func (c *Core) triggerFatal() {
	c.fatalOnce.Do(func() { close(c.fatal) })
}

// SendEdge implements dispatch.EdgeSender.
func (c *Core) SendEdge(dst wire.SockAddr, data []byte) error {
	return sendTo(c.EdgeConn, dst, data)
}

// SendFederation implements federation.Sender.
func (c *Core) SendFederation(dst wire.SockAddr, data []byte) error {
	return sendTo(c.SNMConn, dst, data)
}

func sendTo(conn *net.UDPConn, dst wire.SockAddr, data []byte) error {
	if conn == nil {
		return fmt.Errorf("supernode: socket not configured")
	}
	addr := &net.UDPAddr{IP: net.IP(dst.Addr4[:]), Port: int(dst.Port)}
	_, err := conn.WriteToUDP(data, addr)
	return err
}

// reader loops reading datagrams off conn and forwarding them to ch until
// conn is closed, translating each into the wire.SockAddr the rest of the
// system speaks in. fatal marks the management and federation sockets:
// spec.md §4.F item 3 / §7 FatalIO requires a recvfrom failure or a
// zero-length datagram on either of them to bring the whole process down
// in orderly fashion. The same condition on the edge socket is routine —
// a zero-length read is just logged and skipped, and a read error only
// ends this one goroutine.
func (c *Core) reader(conn *net.UDPConn, ch chan<- datagram, name string, fatal bool) {
	buf := make([]byte, 2048)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			c.Log.WithError(err).Debugf("supernode: %s socket closed", name)
			if fatal {
				c.triggerFatal()
			}
			return
		}
		if n == 0 {
			c.Log.Debugf("supernode: %s socket read zero-length datagram", name)
			if fatal {
				c.triggerFatal()
				return
			}
			continue
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		var sock wire.SockAddr
		sock.Family = wire.AFInet
		if ip4 := addr.IP.To4(); ip4 != nil {
			copy(sock.Addr4[:], ip4)
		}
		sock.Port = uint16(addr.Port)
		ch <- datagram{from: sock, buf: cp}
	}
}

// Run starts the reader goroutines and blocks in the central event loop
// until stop is closed (spec.md §4.F, §5). All directory/counter/state
// mutation happens on this single goroutine.
func (c *Core) Run(stop <-chan struct{}) {
	go c.reader(c.EdgeConn, c.edgeCh, "edge", false)
	if c.SNMConn != nil {
		go c.reader(c.SNMConn, c.snmCh, "snm", true)
	}
	if c.MgmtConn != nil {
		go c.reader(c.MgmtConn, c.mgmtCh, "mgmt", true)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.fatal:
			c.shutdown()
			return
		case dg := <-c.edgeCh:
			c.Disp.HandleDatagram(dg.from, dg.buf, c.Now())
		case dg := <-c.snmCh:
			if c.Mach != nil {
				if err := c.Mach.Process(dg.from, dg.buf, c.Now()); err != nil {
					c.Stats.IncErrors()
					c.Log.WithError(err).Debug("supernode: federation datagram rejected")
				}
			}
		case dg := <-c.mgmtCh:
			c.handleMgmt(dg.from)
		case <-ticker.C:
			c.tick()
		}
	}
}

// shutdown runs the orderly-shutdown sequence spec.md §7 FatalIO mandates
// for a fatal condition on the management or federation socket: purge the
// edge directory with an effectively infinite horizon, then close every
// socket so no further datagrams are accepted.
func (c *Core) shutdown() {
	c.Log.Error("supernode: fatal I/O on management or federation socket, shutting down")
	c.Peers.Purge(c.Now(), infiniteHorizon)
	c.EdgeConn.Close()
	if c.SNMConn != nil {
		c.SNMConn.Close()
	}
	if c.MgmtConn != nil {
		c.MgmtConn.Close()
	}
}

// tick runs the periodic maintenance spec.md §4.F assigns to every loop
// wakeup: purge stale edges, advance federation discovery.
func (c *Core) tick() {
	now := c.Now()
	removed := c.Peers.Purge(now, c.PurgeHorizon)
	if removed > 0 {
		c.Log.Debugf("supernode: purged %d stale edges", removed)
	}
	if c.Mach != nil {
		c.Mach.MaintainDiscovery(now)
	}
}

// handleMgmt replies on the plaintext mgmt socket with the exact
// ten-line stats report (spec.md §4.F, §8 invariant 7).
func (c *Core) handleMgmt(from wire.SockAddr) {
	snap := c.Stats.Snapshot()
	now := c.Now()
	report := formatMgmtReport(snap, c.Peers.Len(), now)
	if err := sendTo(c.MgmtConn, from, []byte(report)); err != nil {
		c.Log.WithError(err).Debug("supernode: mgmt reply failed")
	}
}

func formatMgmtReport(s stats.Snapshot, edges int, now int64) string {
	return fmt.Sprintf(
		"----------------\n"+
			"uptime    %d\n"+
			"edges     %d\n"+
			"errors    %d\n"+
			"reg_sup   %d\n"+
			"reg_nak   %d\n"+
			"fwd       %d\n"+
			"broadcast %d\n"+
			"last fwd  %d\n"+
			"last reg  %d\n",
		now-s.StartTime,
		edges,
		s.Errors,
		s.RegSuper,
		s.RegSuperNak,
		s.Forwarded,
		s.Broadcast,
		s.LastFwd,
		s.LastRegSuper,
	)
}
