// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/qcat/quic/common"
)

const (
	// readChunkSize bounds a single read from the remote stream.
	readChunkSize = 1024 * 1024

	// writeChunkSize bounds a single read of local input.
	writeChunkSize = 64 * 1024
)

// Conn is the remote end of a session: an ordered byte stream whose send
// half can be finished independently of its receive half.
type Conn interface {
	io.ReadWriteCloser

	// CloseWrite finishes the send half, signalling end-of-stream to the
	// peer.  The receive half is unaffected.
	CloseWrite() error
}

// State is a session state.
type State int

const (
	// StateIdle is the state before any connection attempt.
	StateIdle State = iota

	// StateConnecting is the state while the handshake and stream setup
	// are in progress.
	StateConnecting

	// StateEstablished is the state once the stream halves exist but the
	// relay loops have not been launched yet.
	StateEstablished

	// StateRelaying is the state while both relay loops are running.
	StateRelaying

	// StateClosing is the state after the first loop has completed, while
	// the remainder of the session is drained or abandoned.
	StateClosing

	// StateClosed is the terminal state.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnecting:
		return "Connecting"
	case StateEstablished:
		return "Established"
	case StateRelaying:
		return "Relaying"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Session pairs the remote end of a relay with the local byte streams and
// the relay loops that move data between them.  Exactly one Session exists
// per process run.
type Session struct {
	sync.Mutex

	log *logging.Logger

	src io.Reader
	dst io.Writer

	conn  Conn
	state State
}

// NewSession creates a Session relaying between src, dst and a remote end
// yet to be established.
func NewSession(log *logging.Logger, src io.Reader, dst io.Writer) *Session {
	return &Session{
		log: log,
		src: src,
		dst: dst,
	}
}

// State returns the session state.
func (s *Session) State() State {
	s.Lock()
	defer s.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.Lock()
	s.state = state
	s.Unlock()
	s.log.Debugf("Session state: %v", state)
}

// abort tears down the remote end if there is one, unblocking the relay
// loops.
func (s *Session) abort() {
	s.Lock()
	conn := s.conn
	s.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// run relays between the local byte streams and conn until the first relay
// loop completes, then tears the session down.  The remaining loop is
// drained when the send half finished first, and abandoned when the
// receive half finished first, since a read of local input cannot be
// interrupted.  A nil return means the session terminated cleanly.
func (s *Session) run(conn Conn) error {
	s.Lock()
	s.conn = conn
	s.Unlock()
	s.setState(StateRelaying)

	inboundCh := make(chan error, 1)
	outboundCh := make(chan error, 1)
	go func() { inboundCh <- s.inbound(conn) }()
	go func() { outboundCh <- s.outbound(conn) }()

	var err error
	select {
	case err = <-inboundCh:
		s.setState(StateClosing)
		// The outbound loop may be parked in a local read; it is
		// abandoned and dies with the process.
	case err = <-outboundCh:
		s.setState(StateClosing)
		if err == nil {
			// The send half is finished; keep relaying inbound until
			// the peer finishes its send half or drops the connection.
			err = <-inboundCh
		}
	}

	if cerr := conn.Close(); cerr != nil {
		s.log.Debugf("Connection teardown: %v", cerr)
	}
	s.setState(StateClosed)
	return err
}

// inbound moves bytes from the remote receive half to the local output
// until the peer signals end-of-stream.
func (s *Session) inbound(conn Conn) error {
	n, err := io.CopyBuffer(s.dst, conn, make([]byte, readChunkSize))
	s.log.Debugf("Inbound relay done: %d bytes", n)
	if err == nil || isCleanClose(err) {
		return nil
	}
	return fmt.Errorf("relay: inbound: %v", err)
}

// outbound moves bytes from the local input to the remote send half until
// the input is exhausted, then finishes the send half so that the peer
// observes end-of-stream.
func (s *Session) outbound(conn Conn) error {
	n, err := io.CopyBuffer(conn, s.src, make([]byte, writeChunkSize))
	s.log.Debugf("Outbound relay done: %d bytes", n)
	if err != nil {
		if isCleanClose(err) {
			return nil
		}
		return fmt.Errorf("relay: outbound: %v", err)
	}
	if err = conn.CloseWrite(); err != nil {
		if isCleanClose(err) {
			return nil
		}
		return fmt.Errorf("relay: outbound: finish: %v", err)
	}
	return nil
}

// isCleanClose reports whether err is a deliberate connection termination
// rather than a failure.
func isCleanClose(err error) bool {
	var appErr *quic.ApplicationError
	if errors.As(err, &appErr) {
		return appErr.ErrorCode == common.NoError
	}
	return false
}
