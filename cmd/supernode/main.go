/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2021 WireGuard LLC. All Rights Reserved.
 */

// Command supernode runs the n2n-style peer directory, message
// dispatcher, and federation protocol described in SPEC_FULL.md.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/sirupsen/logrus"

	"github.com/dukess/n2n-v3/internal/config"
	"github.com/dukess/n2n-v3/internal/dispatch"
	"github.com/dukess/n2n-v3/internal/federation"
	"github.com/dukess/n2n-v3/internal/peerdir"
	"github.com/dukess/n2n-v3/internal/stats"
	"github.com/dukess/n2n-v3/internal/supernode"
)

const version = "n2n-v3-supernode 0.1.0"

func main() {
	var (
		configPath  = flag.String("c", "", "path to supernode YAML config")
		foreground  = flag.Bool("f", true, "run in foreground (no real daemonization is performed either way)")
		verbose     = flag.Bool("v", false, "enable debug logging")
		postScript  = flag.String("post", "", "command to run once, after startup, in place of the config file's PostScript")
		printExampl = flag.Bool("example", false, "print an example config to stdout and exit")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if *printExampl {
		if err := config.PrintExample(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	log := logrus.New()
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if !*foreground {
		log.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	}

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			log.WithError(err).Fatal("supernode: failed to load config")
		}
		cfg = loaded
	}
	if *verbose {
		cfg.LogLevel.Level = "debug"
	}

	if err := run(log, cfg, *postScript); err != nil {
		log.WithError(err).Fatal("supernode: exiting")
	}
}

func run(log *logrus.Logger, cfg config.SupernodeConfig, postScriptOverride string) error {
	start := time.Now().Unix()
	now := func() int64 { return time.Now().Unix() }

	edgeConn, err := listenUDP(cfg.ListenPort)
	if err != nil {
		return fmt.Errorf("edge socket: %w", err)
	}
	defer edgeConn.Close()

	mgmtConn, err := listenUDPLoopback(cfg.MgmtPort)
	if err != nil {
		return fmt.Errorf("mgmt socket: %w", err)
	}
	defer mgmtConn.Close()

	peers := peerdir.New()
	st := &stats.Counters{StartTime: start}

	// core is built via supernode.New so its internal channels (including
	// the reader goroutines' datagram/fatal channels) are initialized;
	// Fed/Mach/Disp/SNMConn are filled in below once they exist, since the
	// federation machine and dispatcher both need core itself as their
	// sender.
	core := supernode.New(log, peers, nil, nil, nil, st, cfg.PurgeHorizon, now)
	core.EdgeConn = edgeConn
	core.MgmtConn = mgmtConn

	var fed *federation.Directory
	var snmConn *net.UDPConn
	var mach *federation.Machine

	if cfg.Federation.Enabled {
		paths := federation.Paths{
			SupernodesFile:  cfg.Federation.SupernodesFile,
			CommunitiesFile: cfg.Federation.CommunitiesFile,
		}
		if paths.SupernodesFile == "" || paths.CommunitiesFile == "" {
			paths = federation.FilePaths(cfg.Federation.ListenPort)
		}
		fed = federation.New(cfg.Federation.MaxCommunitiesPerSN, cfg.Federation.MinSNPerCommunity, paths)
		if err := fed.LoadSupernodes(now()); err != nil {
			return fmt.Errorf("federation: %w", err)
		}
		if err := fed.LoadCommunities(); err != nil {
			return fmt.Errorf("federation: %w", err)
		}

		snmConn, err = listenUDP(cfg.Federation.ListenPort)
		if err != nil {
			return fmt.Errorf("snm socket: %w", err)
		}
		defer snmConn.Close()
		core.Fed = fed
		core.SNMConn = snmConn

		localIPs := localAddrs(log)
		supernodesEmpty := len(fed.SupernodeList()) == 0
		mach = federation.NewMachine(fed, core, log, uint16(cfg.Federation.ListenPort), localIPs, cfg.Federation.DiscoveryInterval, start, supernodesEmpty)
		core.Mach = mach

		if cfg.Federation.WatchPersistence {
			stop := make(chan struct{})
			if err := fed.WatchPersistence(log, now, stop); err != nil {
				log.WithError(err).Warn("supernode: persistence watch failed to start")
			}
		}
	}

	core.Disp = &dispatch.Dispatcher{
		Peers:  peers,
		Fed:    fed,
		Stats:  st,
		Sender: core,
		Log:    log,
	}

	script := cfg.PostScript
	if postScriptOverride != "" {
		script = postScriptOverride
	}
	if script != "" {
		if err := runPostScript(log, script); err != nil {
			return err
		}
	}

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)
	signal.Notify(term, os.Interrupt)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		core.Run(stop)
		close(done)
	}()

	select {
	case <-term:
		log.Info("supernode: shutting down")
		close(stop)
	case <-done:
		return fmt.Errorf("event loop stopped after a fatal socket error")
	}
	return nil
}

func listenUDP(port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{Port: port})
}

// listenUDPLoopback binds to 127.0.0.1 only. The management socket has no
// authentication (spec.md §6/§7), so spec.md §4.F requires it never bind
// the wildcard address.
func listenUDPLoopback(port int) (*net.UDPConn, error) {
	return net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
}

// localAddrs collects every non-loopback IPv4 address on this host, used
// by the federation state machine to recognise and suppress requests
// aimed at itself (spec.md §4.E loopback suppression).
func localAddrs(log *logrus.Logger) []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		log.WithError(err).Warn("supernode: failed to enumerate local addresses")
		return nil
	}
	var out []net.IP
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
			out = append(out, ip4)
		}
	}
	return out
}

// runPostScript mirrors the teacher's PostScript feature
// (main_super.go): split with shlex, run once, log the output.
func runPostScript(log *logrus.Logger, script string) error {
	args, err := shlex.Split(script)
	if err != nil {
		return fmt.Errorf("post script: parse: %w", err)
	}
	if len(args) == 0 {
		return nil
	}
	log.Debugf("supernode: exec.Command(%v)", args)
	cmd := exec.Command(args[0], args[1:]...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("post script: exec.Command(%v) failed: %w", args, err)
	}
	log.Debugf("supernode: post script output: %s", string(out))
	return nil
}
