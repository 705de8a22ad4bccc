// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/qcat/config"
	"github.com/katzenpost/qcat/relay"
)

// Config holds the command line configuration
type Config struct {
	ConfigFile string
	Listen     bool
	LogFile    string
	LogLevel   string
}

// newRootCommand creates the root cobra command
func newRootCommand() *cobra.Command {
	var cfg Config

	cmd := &cobra.Command{
		Use:   "qcat [host] port",
		Short: "netcat over a single QUIC stream",
		Long: `qcat pipes bytes between local standard input/output and one
bidirectional stream on one QUIC connection, full duplex, until either
side signals end-of-input.

One side listens for the peer, the other dials it:

1. The listener binds a UDP address and waits for exactly one connection
   and one stream on it.
2. The initiator dials the listener and opens the stream.

The transport is encrypted with a throwaway self signed certificate and
an accept-anything trust policy, so it hides bytes from the network but
does not authenticate the peer.  Diagnostics go to stderr or a log file;
stdout carries nothing but relayed bytes.`,
		Example: `  # Listen on UDP port 6121
  qcat -l 6121

  # Listen on a specific address
  qcat -l 127.0.0.1 6121

  # Connect to a listener
  qcat example.com 6121

  # Send a file to a listener collecting it
  qcat -l 6121 > received.bin
  qcat example.com 6121 < payload.bin

  # Verbose diagnostics on stderr
  qcat --log-level DEBUG example.com 6121`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRelay(cfg, args)
		},
		SilenceUsage: true,
	}

	cmd.Flags().BoolVarP(&cfg.Listen, "listen", "l", false,
		"listen for an incoming connection instead of dialing")
	cmd.Flags().StringVarP(&cfg.ConfigFile, "config", "f", "",
		"path to the qcat configuration file (TOML format)")
	cmd.Flags().StringVar(&cfg.LogFile, "log-file", "",
		"write diagnostics to this file instead of stderr")
	cmd.Flags().StringVar(&cfg.LogLevel, "log-level", "",
		"log level: ERROR, WARNING, NOTICE, INFO or DEBUG")

	return cmd
}

func main() {
	rootCmd := newRootCommand()

	// Use fang to execute the command with enhanced features
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

// relayAddr assembles the bind or peer address from the positional
// arguments.  The listener may omit the host to bind all interfaces; the
// initiator must name its peer.
func relayAddr(cfg Config, args []string) (string, error) {
	switch len(args) {
	case 1:
		if !cfg.Listen {
			return "", errors.New("a peer host and port are required to connect")
		}
		return net.JoinHostPort("", args[0]), nil
	case 2:
		return net.JoinHostPort(args[0], args[1]), nil
	default:
		// Unreachable, cobra enforces the argument count.
		return "", errors.New("invalid arguments")
	}
}

func runRelay(cfg Config, args []string) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		// But only if the user isn't trying to override it.
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	relayCfg := config.Default()
	if cfg.ConfigFile != "" {
		var err error
		relayCfg, err = config.LoadFile(cfg.ConfigFile)
		if err != nil {
			return fmt.Errorf("failed to load config file '%v': %v", cfg.ConfigFile, err)
		}
	}
	if cfg.LogFile != "" {
		relayCfg.Logging.File = cfg.LogFile
	}
	if cfg.LogLevel != "" {
		relayCfg.Logging.Level = cfg.LogLevel
	}
	if err := relayCfg.FixupAndValidate(); err != nil {
		return err
	}

	addr, err := relayAddr(cfg, args)
	if err != nil {
		return err
	}

	// Setup the signal handling.
	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	// Start up the relay.
	var r *relay.Relay
	if cfg.Listen {
		r, err = relay.NewListener(relayCfg, addr, os.Stdin, os.Stdout)
	} else {
		r, err = relay.NewInitiator(relayCfg, addr, os.Stdin, os.Stdout)
	}
	if err != nil {
		return fmt.Errorf("failed to spawn relay instance: %v", err)
	}
	defer r.Shutdown()

	// Halt the relay gracefully on SIGINT/SIGTERM.
	go func() {
		<-haltCh
		r.Shutdown()
	}()

	// Rotate logs upon SIGHUP.
	go func() {
		<-rotateCh
		r.RotateLog()
	}()

	// Wait for the session to finish or be terminated.
	r.Wait()

	if err := r.Err(); err != nil && !errors.Is(err, relay.ErrHalted) {
		return err
	}
	return nil
}
