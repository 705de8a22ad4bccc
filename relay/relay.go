// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements a one shot relay between local standard I/O and
// a single peer, over one bidirectional stream on one QUIC connection.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/qcat/config"
	"github.com/katzenpost/qcat/core/log"
	"github.com/katzenpost/qcat/core/worker"
	"github.com/katzenpost/qcat/quic/common"
)

// ErrHalted is returned when the relay is shut down before its session
// completes.
var ErrHalted = errors.New("relay: halted")

// Relay drives one session between the local byte streams and a peer,
// either by listening for the peer or by dialing it.
type Relay struct {
	worker.Worker

	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	session  *Session
	listener *common.QuicListener
	dialAddr string

	errLock sync.Mutex
	err     error

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (r *Relay) initLogging() error {
	var err error
	r.logBackend, err = log.New(r.cfg.Logging.File, r.cfg.Logging.Level, r.cfg.Logging.Disable)
	if err == nil {
		r.log = r.logBackend.GetLogger("relay")
	}
	return err
}

// Shutdown cleanly shuts down a given Relay instance.
func (r *Relay) Shutdown() {
	r.haltOnce.Do(func() { r.halt() })
}

// Halt is equivalent to Shutdown, and exists to present the usual worker
// teardown interface.
func (r *Relay) Halt() {
	r.Shutdown()
}

// Wait waits till the Relay is terminated for any reason.
func (r *Relay) Wait() {
	<-r.haltedCh
}

// Err returns the terminal session error, nil when the session completed
// cleanly and ErrHalted when the relay was shut down early.  It is only
// meaningful after Wait returns.
func (r *Relay) Err() error {
	r.errLock.Lock()
	defer r.errLock.Unlock()
	return r.err
}

func (r *Relay) setErr(err error) {
	r.errLock.Lock()
	defer r.errLock.Unlock()
	if r.err == nil {
		r.err = err
	}
}

// Addr returns the bound listening address, or nil for the initiator role.
func (r *Relay) Addr() net.Addr {
	if r.listener == nil {
		return nil
	}
	return r.listener.Addr()
}

func (r *Relay) halt() {
	r.log.Noticef("Starting graceful shutdown.")
	if r.listener != nil {
		r.listener.Close()
	}
	r.session.abort()
	r.Worker.Halt()
	close(r.fatalErrCh)
	r.log.Noticef("Shutdown complete.")
	close(r.haltedCh)
}

// RotateLog rotates the log file
// if logging to a file is enabled.
func (r *Relay) RotateLog() {
	err := r.logBackend.Rotate()
	if err != nil {
		r.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down relay")
	}
}

func (r *Relay) quicConfig() *quic.Config {
	t := r.cfg.Transport
	return &quic.Config{
		HandshakeIdleTimeout: time.Duration(t.HandshakeTimeout) * time.Millisecond,
		MaxIdleTimeout:       time.Duration(t.MaxIdleTimeout) * time.Millisecond,
		KeepAlivePeriod:      time.Duration(t.KeepAliveInterval) * time.Millisecond,
	}
}

// connect produces the one connection and stream for this run, by waiting
// for the peer or dialing it.
func (r *Relay) connect() (*common.QuicConn, error) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-r.HaltCh():
			cancel()
		case <-ctx.Done():
		}
	}()

	r.session.setState(StateConnecting)

	var qc *common.QuicConn
	if r.listener != nil {
		conn, err := r.listener.Listener.Accept(ctx)
		if err != nil {
			return nil, fmt.Errorf("relay: accept: %v", err)
		}
		// The stream only becomes visible once the peer sends its first
		// frame on it.
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			_ = conn.CloseWithError(common.NoError, "")
			return nil, fmt.Errorf("relay: accept stream: %v", err)
		}
		qc = common.NewQuicConn(conn, stream)
	} else {
		conn, err := quic.DialAddr(ctx, r.dialAddr, common.ClientTLSConfig(), r.quicConfig())
		if err != nil {
			return nil, fmt.Errorf("relay: dial '%v': %v", r.dialAddr, err)
		}
		stream, err := conn.OpenStreamSync(ctx)
		if err != nil {
			_ = conn.CloseWithError(common.NoError, "")
			return nil, fmt.Errorf("relay: open stream: %v", err)
		}
		qc = common.NewQuicConn(conn, stream)
	}

	r.session.setState(StateEstablished)
	return qc, nil
}

func (r *Relay) run() error {
	conn, err := r.connect()
	if err != nil {
		select {
		case <-r.HaltCh():
			return ErrHalted
		default:
		}
		return err
	}
	r.log.Noticef("Session established with peer: %v", conn.RemoteAddr())
	return r.session.run(conn)
}

func (r *Relay) worker() {
	err := r.run()
	if err != nil && err != ErrHalted {
		r.log.Errorf("Session failure: %v", err)
	}
	r.setErr(err)
	// Tear the rest of the relay down without deadlocking this worker.
	go r.Shutdown()
}

func (r *Relay) start() {
	// Past this point, failures need to call r.Shutdown() to do cleanup.

	// Start the fatal error watcher.
	go func() {
		err, ok := <-r.fatalErrCh
		if !ok {
			return
		}
		r.log.Warningf("Shutting down due to error: %v", err)
		r.setErr(err)
		r.Shutdown()
	}()

	r.Go(r.worker)
}

func newRelay(cfg *config.Config, src io.Reader, dst io.Writer) (*Relay, error) {
	r := new(Relay)
	r.cfg = cfg
	r.fatalErrCh = make(chan error)
	r.haltedCh = make(chan interface{})

	if err := r.initLogging(); err != nil {
		return nil, err
	}
	if r.cfg.Logging.Level == "DEBUG" {
		r.log.Warning("Debug logging is enabled.")
	}

	r.session = NewSession(r.logBackend.GetLogger("session"), src, dst)
	return r, nil
}

// NewListener returns a Relay that listens on bindAddr for exactly one
// peer and relays between src, dst and that peer.  Binding happens before
// NewListener returns, so an unusable address surfaces here.
func NewListener(cfg *config.Config, bindAddr string, src io.Reader, dst io.Writer) (*Relay, error) {
	r, err := newRelay(cfg, src, dst)
	if err != nil {
		return nil, err
	}

	tlsConf, err := common.GenerateTLSConfig()
	if err != nil {
		return nil, err
	}
	l, err := quic.ListenAddr(bindAddr, tlsConf, r.quicConfig())
	if err != nil {
		r.log.Errorf("Failed to bind '%v': %v", bindAddr, err)
		return nil, fmt.Errorf("relay: failed to bind '%v': %v", bindAddr, err)
	}
	r.listener = &common.QuicListener{Listener: l}
	r.log.Noticef("Listening on: %v", r.listener.Addr())

	r.start()
	return r, nil
}

// NewInitiator returns a Relay that dials peerAddr and relays between src,
// dst and the peer.
func NewInitiator(cfg *config.Config, peerAddr string, src io.Reader, dst io.Writer) (*Relay, error) {
	r, err := newRelay(cfg, src, dst)
	if err != nil {
		return nil, err
	}
	r.dialAddr = peerAddr
	r.log.Noticef("Connecting to: %v", peerAddr)

	r.start()
	return r, nil
}
