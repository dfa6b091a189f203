// Package federation implements the supernode-to-supernode membership
// directory (spec.md §4.C) and the discovery state machine (§4.E).
package federation

import (
	"fmt"
	"sync"

	orderedmap "github.com/KusakabeSi/go-ordered-map"

	"github.com/dukess/n2n-v3/internal/wire"
)

// SupernodeInfo is a known sibling supernode, de-duplicated by address.
type SupernodeInfo struct {
	Sock     wire.SockAddr
	LastSeen int64
}

// CommunityEntry is one entry of the federation directory's per-community
// table: the set of sibling supernodes known to host it.
type CommunityEntry struct {
	Name       string
	Supernodes *orderedmap.OrderedMap // key: sockKey(addr) -> wire.SockAddr
}

// SnNum is the cardinality the wire protocol calls sn_num.
func (c *CommunityEntry) SnNum() int { return c.Supernodes.Len() }

// SockList returns the known supernode addresses for this community in
// insertion order (deterministic for persistence and for the backup list
// carried on REGISTER_SUPER_ACK).
func (c *CommunityEntry) SockList() []wire.SockAddr {
	out := make([]wire.SockAddr, 0, c.Supernodes.Len())
	for _, k := range c.Supernodes.Keys() {
		v, ok := c.Supernodes.Get(k)
		if !ok {
			continue
		}
		out = append(out, v.(wire.SockAddr))
	}
	return out
}

func sockKey(s wire.SockAddr) string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", s.Addr4[0], s.Addr4[1], s.Addr4[2], s.Addr4[3], s.Port)
}

// Directory is the federation membership table: known sibling supernodes
// plus two community sets (persist = hosted locally, head = transient,
// populated during DISCOVERY's REQ/RSP exchange).
type Directory struct {
	mu sync.Mutex

	Supernodes *orderedmap.OrderedMap // key: sockKey -> *SupernodeInfo

	Persist *orderedmap.OrderedMap // key: community name -> *CommunityEntry
	Head    *orderedmap.OrderedMap // key: community name -> *CommunityEntry

	MaxCommunitiesPerSN int
	MinSNPerCommunity   int

	paths Paths
}

// Paths names the two persistence files, derived from the SNM port
// (spec.md §4.C, §6).
type Paths struct {
	SupernodesFile  string
	CommunitiesFile string
}

func FilePaths(snmPort int) Paths {
	return Paths{
		SupernodesFile:  fmt.Sprintf("SN_SNM_%d", snmPort),
		CommunitiesFile: fmt.Sprintf("SN_COMM_%d", snmPort),
	}
}

func New(maxCommPerSN, minSNPerComm int, paths Paths) *Directory {
	return &Directory{
		Supernodes:          orderedmap.New(),
		Persist:             orderedmap.New(),
		Head:                orderedmap.New(),
		MaxCommunitiesPerSN: maxCommPerSN,
		MinSNPerCommunity:   minSNPerComm,
		paths:               paths,
	}
}

// AddSupernode merges sn into the known-siblings set, returning true if it
// was not already known.
func (d *Directory) AddSupernode(sn wire.SockAddr, now int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addSupernodeLocked(sn, now)
}

func (d *Directory) addSupernodeLocked(sn wire.SockAddr, now int64) bool {
	key := sockKey(sn)
	_, existed := d.Supernodes.Get(key)
	d.Supernodes.Set(key, &SupernodeInfo{Sock: sn, LastSeen: now})
	return !existed
}

// SupernodeList returns every known sibling in insertion order.
func (d *Directory) SupernodeList() []wire.SockAddr {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]wire.SockAddr, 0, d.Supernodes.Len())
	for _, k := range d.Supernodes.Keys() {
		v, ok := d.Supernodes.Get(k)
		if !ok {
			continue
		}
		out = append(out, v.(*SupernodeInfo).Sock)
	}
	return out
}

// FindCommunity looks up a locally-hosted community by name.
func (d *Directory) FindCommunity(name string) (*CommunityEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.Persist.Get(name)
	if !ok {
		return nil, false
	}
	return v.(*CommunityEntry), true
}

// AddCommunity adds a community to the persisted set, honoring
// MaxCommunitiesPerSN. Returns (entry, added).
func (d *Directory) AddCommunity(name string, sns []wire.SockAddr) (*CommunityEntry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addCommunityLocked(d.Persist, name, sns)
}

func (d *Directory) addCommunityLocked(set *orderedmap.OrderedMap, name string, sns []wire.SockAddr) (*CommunityEntry, bool) {
	if v, ok := set.Get(name); ok {
		return v.(*CommunityEntry), false
	}
	if set.Len() >= d.MaxCommunitiesPerSN {
		return nil, false
	}
	ce := &CommunityEntry{Name: name, Supernodes: orderedmap.New()}
	for _, s := range sns {
		ce.Supernodes.Set(sockKey(s), s)
	}
	set.Set(name, ce)
	return ce, true
}

// CommunityNames returns the locally-persisted community set, in order.
func (d *Directory) CommunityNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, d.Persist.Len())
	for _, k := range d.Persist.Keys() {
		out = append(out, k.(string))
	}
	return out
}

// PersistedCommunities returns every persisted community entry.
func (d *Directory) PersistedCommunities() []*CommunityEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*CommunityEntry, 0, d.Persist.Len())
	for _, k := range d.Persist.Keys() {
		v, _ := d.Persist.Get(k)
		out = append(out, v.(*CommunityEntry))
	}
	return out
}

// MergeCommunityInfo merges a remote supernode's report of who hosts a
// community into set, returning true if anything changed.
func (d *Directory) MergeCommunityInfo(set *orderedmap.OrderedMap, name string, sns []wire.SockAddr) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	changed := false
	v, ok := set.Get(name)
	var ce *CommunityEntry
	if !ok {
		if set.Len() >= d.MaxCommunitiesPerSN {
			return false
		}
		ce = &CommunityEntry{Name: name, Supernodes: orderedmap.New()}
		set.Set(name, ce)
		changed = true
	} else {
		ce = v.(*CommunityEntry)
	}
	for _, s := range sns {
		key := sockKey(s)
		if _, has := ce.Supernodes.Get(key); !has {
			ce.Supernodes.Set(key, s)
			changed = true
		}
	}
	return changed
}

// MergeHeadIntoPersist folds the transient head set into the persisted
// set, adding any community that meets the join condition (fewer than
// MinSNPerCommunity known siblings, or cap room remains). addCommunityLocked
// still refuses every addition once Persist holds MaxCommunitiesPerSN
// entries. Used by communities_discovery at the DISCOVERY -> READY
// transition.
func (d *Directory) MergeHeadIntoPersist() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range d.Head.Keys() {
		name := k.(string)
		v, _ := d.Head.Get(k)
		ce := v.(*CommunityEntry)
		if ce.SnNum() < d.MinSNPerCommunity || d.Persist.Len() < d.MaxCommunitiesPerSN {
			d.addCommunityLocked(d.Persist, name, ce.SockList())
		}
	}
	d.Head = orderedmap.New()
}

// FilePaths exposes the configured persistence file paths.
func (d *Directory) FilePaths() Paths { return d.paths }
