// Package config loads the supernode's YAML configuration file, in the
// same tag-driven style as the teacher's SuperConfig/EdgeConfig
// (lss233-EtherGuard-VPN/main_super.go), trimmed to what the supernode
// core needs: no TAP, no NextHopTable, no crypto keys.
package config

import (
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"

	"github.com/dukess/n2n-v3/internal/dispatch"
)

// LogLevel mirrors the teacher's LoggerInfo idiom: named booleans rather
// than a single numeric level. The fields are parsed from the config file
// and printed by PrintExample; cmd/supernode does not apply them to its
// logger, whose level is set only by the -v flag.
type LogLevel struct {
	Level      string `yaml:"LogLevel"`
	LogControl bool   `yaml:"LogControl"`
	LogNormal  bool   `yaml:"LogNormal"`
}

// Federation configures the supernode-to-supernode membership exchange
// (spec.md §4.C/§4.E). Disabled by leaving Enabled false, in which case
// the SNM socket is never opened and the state machine never runs.
type Federation struct {
	Enabled             bool   `yaml:"Enabled"`
	ListenPort          int    `yaml:"ListenPort"`
	DiscoveryInterval   int64  `yaml:"DiscoveryInterval"`
	MaxCommunitiesPerSN int    `yaml:"MaxCommunitiesPerSN"`
	MinSNPerCommunity   int    `yaml:"MinSNPerCommunity"`
	WatchPersistence    bool   `yaml:"WatchPersistence"`
	SupernodesFile      string `yaml:"SupernodesFile"`
	CommunitiesFile     string `yaml:"CommunitiesFile"`
}

// SupernodeConfig is the top-level supernode configuration document.
type SupernodeConfig struct {
	NodeName     string     `yaml:"NodeName"`
	ListenPort   int        `yaml:"ListenPort"`
	MgmtPort     int        `yaml:"MgmtPort"`
	PurgeHorizon int64      `yaml:"PurgeHorizon"`
	LogLevel     LogLevel   `yaml:"LogLevel"`
	Federation   Federation `yaml:"Federation"`
	PostScript   string     `yaml:"PostScript"`
}

// Default returns the configuration the teacher's printExampleSuperConf
// produces: sane values a supernode can run with unmodified.
func Default() SupernodeConfig {
	return SupernodeConfig{
		NodeName:     "supernode",
		ListenPort:   7654,
		MgmtPort:     5645,
		// PurgeHorizon must be >= dispatch.RegisterLifetime (spec.md §4.D):
		// an edge is told its registration is good for RegisterLifetime
		// seconds, so the directory must not evict it sooner than that.
		PurgeHorizon: dispatch.RegisterLifetime * 2,
		LogLevel: LogLevel{
			Level:      "normal",
			LogControl: true,
			LogNormal:  false,
		},
		Federation: Federation{
			Enabled:             false,
			ListenPort:          7655,
			DiscoveryInterval:   60,
			MaxCommunitiesPerSN: 16,
			MinSNPerCommunity:   2,
		},
	}
}

// Load reads and parses a YAML config file at path.
func Load(path string) (SupernodeConfig, error) {
	c := Default()
	f, err := os.Open(path)
	if err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// PrintExample writes a fully-populated example config to stdout, mirroring
// the teacher's printExampleSuperConf (main_super.go), reachable from
// cmd/supernode's -example flag.
func PrintExample() error {
	enc := yaml.NewEncoder(os.Stdout)
	defer enc.Close()
	return enc.Encode(Default())
}
