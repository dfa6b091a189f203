package federation

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/dukess/n2n-v3/internal/wire"
)

// LoadSupernodes reads the supernodes persistence file. A missing file is
// not an error: the set starts empty (spec.md §4.C).
func (d *Directory) LoadSupernodes(now int64) error {
	f, err := os.Open(d.paths.SupernodesFile)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		sock, err := parseSockLine(line)
		if err != nil {
			continue
		}
		d.AddSupernode(sock, now)
	}
	return sc.Err()
}

// LoadCommunities reads the communities persistence file. A missing file
// is a hard startup error (spec.md §4.C, §7 Startup).
func (d *Directory) LoadCommunities() error {
	f, err := os.Open(d.paths.CommunitiesFile)
	if err != nil {
		return fmt.Errorf("federation: communities file required: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		name := strings.TrimSpace(sc.Text())
		if name == "" {
			continue
		}
		d.AddCommunity(name, nil)
	}
	return sc.Err()
}

// SaveSupernodes replaces the supernodes file with the current set, one
// address per line, via write-to-temp-then-rename for crash safety.
func (d *Directory) SaveSupernodes() error {
	lines := make([]string, 0)
	for _, s := range d.SupernodeList() {
		lines = append(lines, formatSockLine(s))
	}
	return writeLinesAtomic(d.paths.SupernodesFile, lines)
}

// SaveCommunities replaces the communities file with the current
// persisted community names, one per line.
func (d *Directory) SaveCommunities() error {
	lines := make([]string, 0)
	for _, name := range d.CommunityNames() {
		lines = append(lines, name)
	}
	return writeLinesAtomic(d.paths.CommunitiesFile, lines)
}

func writeLinesAtomic(path string, lines []string) error {
	dir := filepath.Dir(path)
	if dir == "" {
		dir = "."
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, l := range lines {
		if _, err := w.WriteString(l + "\n"); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

func parseSockLine(line string) (wire.SockAddr, error) {
	host, portStr, err := net.SplitHostPort(line)
	if err != nil {
		return wire.SockAddr{}, err
	}
	ip := net.ParseIP(host).To4()
	if ip == nil {
		return wire.SockAddr{}, fmt.Errorf("federation: not an IPv4 address: %s", host)
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return wire.SockAddr{}, err
	}
	var s wire.SockAddr
	s.Family = wire.AFInet
	copy(s.Addr4[:], ip)
	s.Port = uint16(port)
	return s, nil
}

func formatSockLine(s wire.SockAddr) string {
	ip := net.IP(s.Addr4[:])
	return fmt.Sprintf("%s:%d", ip.String(), s.Port)
}

// WatchPersistence starts an optional fsnotify watch on both persistence
// files, reloading the in-memory sets whenever either is edited out of
// band. This is a supplement beyond spec.md's load-at-startup behavior
// (SPEC_FULL.md §4.C); it is off by default and must be opted into via
// config.
func (d *Directory) WatchPersistence(log *logrus.Logger, now func() int64, stop <-chan struct{}) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	for _, p := range []string{d.paths.SupernodesFile, d.paths.CommunitiesFile} {
		dir := filepath.Dir(p)
		if dir == "" {
			dir = "."
		}
		if err := w.Add(dir); err != nil {
			w.Close()
			return err
		}
	}
	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				switch filepath.Clean(ev.Name) {
				case filepath.Clean(d.paths.SupernodesFile):
					if err := d.LoadSupernodes(now()); err != nil {
						log.WithError(err).Warn("federation: reload supernodes file failed")
					}
				case filepath.Clean(d.paths.CommunitiesFile):
					if err := d.LoadCommunities(); err != nil {
						log.WithError(err).Warn("federation: reload communities file failed")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("federation: persistence watch error")
			}
		}
	}()
	return nil
}
