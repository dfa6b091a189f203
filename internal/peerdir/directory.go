// Package peerdir implements the edge directory: the table of registered
// edges keyed by (community, MAC), per spec.md §4.B.
package peerdir

import (
	"sync"

	"github.com/dukess/n2n-v3/internal/wire"
)

// Record is one edge directory entry.
type Record struct {
	Community string
	Mac       wire.MAC
	Sock      wire.SockAddr
	LastSeen  int64 // monotonic seconds
}

// Directory holds at most one record per MAC; the community name is
// tolerated to change and is overwritten on conflict (spec.md §4.B).
type Directory struct {
	mu   sync.RWMutex
	byMac map[wire.MAC]*Record
}

func New() *Directory {
	return &Directory{byMac: make(map[wire.MAC]*Record)}
}

// Find returns the record for (community, mac), or nil if absent or if the
// stored community no longer matches.
func (d *Directory) Find(community string, mac wire.MAC) *Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byMac[mac]
	if !ok || r.Community != community {
		return nil
	}
	cp := *r
	return &cp
}

// FindByMac looks up a record by MAC alone, ignoring community. Used by the
// dispatcher, which only ever needs the MAC to route a unicast frame.
func (d *Directory) FindByMac(mac wire.MAC) *Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.byMac[mac]
	if !ok {
		return nil
	}
	cp := *r
	return &cp
}

// Upsert creates or updates the record for mac. The new community always
// wins when it differs from the stored one (spec.md §4.B tie-break).
func (d *Directory) Upsert(community string, mac wire.MAC, sock wire.SockAddr, now int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.byMac[mac]
	if !ok {
		d.byMac[mac] = &Record{Community: community, Mac: mac, Sock: sock, LastSeen: now}
		return
	}
	r.Community = community
	r.Sock = sock
	r.LastSeen = now
}

// Purge removes every record whose last-seen time is older than horizon
// seconds relative to now. Returns the number of records removed.
func (d *Directory) Purge(now int64, horizon int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	removed := 0
	for mac, r := range d.byMac {
		if now-r.LastSeen > horizon {
			delete(d.byMac, mac)
			removed++
		}
	}
	return removed
}

// Iter calls fn for every record whose community matches. fn must not
// mutate the directory.
func (d *Directory) Iter(community string, fn func(*Record)) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, r := range d.byMac {
		if r.Community == community {
			cp := *r
			fn(&cp)
		}
	}
}

// Len reports the number of registered edges, for the mgmt stats snapshot.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byMac)
}
