package supernode

import (
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/dukess/n2n-v3/internal/peerdir"
	"github.com/dukess/n2n-v3/internal/stats"
	"github.com/dukess/n2n-v3/internal/wire"
)

func testDiscardLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newPeersWithOneStaleEntry() *peerdir.Directory {
	d := peerdir.New()
	d.Upsert("room-a", wire.MAC{1, 2, 3, 4, 5, 6}, wire.SockAddr{Family: wire.AFInet, Addr4: [4]byte{10, 0, 0, 1}, Port: 1}, 10)
	return d
}

func TestFormatMgmtReportHasTenLines(t *testing.T) {
	snap := stats.Snapshot{
		Errors: 1, RegSuper: 2, RegSuperNak: 3, Forwarded: 4, Broadcast: 5,
		LastFwd: 1090, LastRegSuper: 1080, StartTime: 1000,
	}
	report := formatMgmtReport(snap, 7, 1100)

	lines := strings.Split(strings.TrimRight(report, "\n"), "\n")
	if len(lines) != 10 {
		t.Fatalf("mgmt report has %d lines, want 10: %q", len(lines), report)
	}
	if lines[0] != "----------------" {
		t.Errorf("first line = %q, want the separator", lines[0])
	}
	if !strings.Contains(lines[1], "100") { // uptime = 1100-1000
		t.Errorf("uptime line = %q, want it to contain 100", lines[1])
	}
	if !strings.Contains(lines[2], "7") {
		t.Errorf("edges line = %q, want it to contain the edge count", lines[2])
	}
}

func TestTickPurgesStaleEdges(t *testing.T) {
	now := int64(1100)
	c := New(testDiscardLogger(), newPeersWithOneStaleEntry(), nil, nil, nil, &stats.Counters{}, 60, func() int64 { return now })
	c.tick()
	if c.Peers.Len() != 0 {
		t.Errorf("tick() did not purge the stale edge: %d entries remain", c.Peers.Len())
	}
}
