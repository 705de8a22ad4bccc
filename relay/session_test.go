// SPDX-FileCopyrightText: Copyright (C) 2026 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package relay

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/qcat/core/log"
)

// pipeConn is an in-memory Conn for exercising the session state machine
// without a network transport.
type pipeConn struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (c *pipeConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *pipeConn) Write(p []byte) (int, error) { return c.w.Write(p) }

func (c *pipeConn) CloseWrite() error { return c.w.Close() }

func (c *pipeConn) Close() error {
	_ = c.w.Close()
	return c.r.Close()
}

// pairedConns returns two pipeConns cross wired so that writes on one end
// are read from the other.
func pairedConns() (*pipeConn, *pipeConn) {
	ar, bw := io.Pipe()
	br, aw := io.Pipe()
	return &pipeConn{r: ar, w: aw}, &pipeConn{r: br, w: bw}
}

// blockReader blocks on Read until the session is torn down, standing in
// for a local input that never produces anything.
type blockReader struct {
	ch chan struct{}
}

func newBlockReader() *blockReader {
	return &blockReader{ch: make(chan struct{})}
}

func (r *blockReader) Read(p []byte) (int, error) {
	<-r.ch
	return 0, io.EOF
}

// repeatReader produces an endless stream of the same byte.
type repeatReader struct{}

func (repeatReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'A'
	}
	return len(p), nil
}

func testLogger(t *testing.T) *logging.Logger {
	logBackend, err := log.New("", "DEBUG", false)
	require.NoError(t, err)
	return logBackend.GetLogger(t.Name())
}

func testPayload(t *testing.T, n int) []byte {
	payload := make([]byte, n)
	_, err := io.ReadFull(rand.Reader, payload)
	require.NoError(t, err)
	return payload
}

func TestSessionDrainAfterLocalEOF(t *testing.T) {
	require := require.New(t)

	payload := testPayload(t, 256*1024)
	reply := testPayload(t, 128*1024)

	local, remote := pairedConns()
	dst := new(bytes.Buffer)
	s := NewSession(testLogger(t), bytes.NewReader(payload), dst)
	require.Equal(StateIdle, s.State())

	// The peer echoes nothing until it has seen the local end-of-stream,
	// so the reply only arrives after the outbound loop has finished.
	peerErrCh := make(chan error, 1)
	go func() {
		received, err := io.ReadAll(remote)
		if err != nil {
			peerErrCh <- err
			return
		}
		if !bytes.Equal(received, payload) {
			peerErrCh <- errors.New("payload mismatch at peer")
			return
		}
		if _, err = remote.Write(reply); err != nil {
			peerErrCh <- err
			return
		}
		peerErrCh <- remote.CloseWrite()
	}()

	require.NoError(s.run(local))
	require.NoError(<-peerErrCh)
	require.Equal(reply, dst.Bytes())
	require.Equal(StateClosed, s.State())
}

func TestSessionAbandonAfterRemoteEOF(t *testing.T) {
	require := require.New(t)

	payload := testPayload(t, 64*1024)

	local, remote := pairedConns()
	dst := new(bytes.Buffer)

	// The local input never produces a byte, so the outbound loop stays
	// parked and the session must end on the inbound completion alone.
	s := NewSession(testLogger(t), newBlockReader(), dst)

	go func() {
		_, _ = remote.Write(payload)
		_ = remote.CloseWrite()
	}()

	require.NoError(s.run(local))
	require.Equal(payload, dst.Bytes())
	require.Equal(StateClosed, s.State())
}

func TestSessionInboundFailure(t *testing.T) {
	require := require.New(t)

	payload := testPayload(t, 4096)

	local, remote := pairedConns()
	dst := new(bytes.Buffer)
	s := NewSession(testLogger(t), newBlockReader(), dst)

	go func() {
		_, _ = remote.Write(payload)
		_ = remote.w.CloseWithError(errors.New("stream reset"))
	}()

	err := s.run(local)
	require.Error(err)
	require.Contains(err.Error(), "relay: inbound")
	require.Equal(payload, dst.Bytes())
	require.Equal(StateClosed, s.State())
}

func TestSessionOutboundFailure(t *testing.T) {
	require := require.New(t)

	local, remote := pairedConns()
	s := NewSession(testLogger(t), repeatReader{}, io.Discard)

	// The peer consumes a little and then kills its receive half, which
	// surfaces as a write failure on the outbound loop.
	go func() {
		_, _ = io.ReadFull(remote, make([]byte, 4096))
		_ = remote.r.CloseWithError(errors.New("peer aborted"))
	}()

	err := s.run(local)
	require.Error(err)
	require.Contains(err.Error(), "relay: outbound")
	require.Equal(StateClosed, s.State())
}

func TestSessionAbort(t *testing.T) {
	require := require.New(t)

	local, remote := pairedConns()
	s := NewSession(testLogger(t), newBlockReader(), io.Discard)

	runCh := make(chan error, 1)
	go func() { runCh <- s.run(local) }()

	// Wait for the relay loops to start before yanking the connection.
	for s.State() != StateRelaying {
		time.Sleep(time.Millisecond)
	}
	s.abort()

	err := <-runCh
	require.Error(err)
	require.Equal(StateClosed, s.State())
	_ = remote.Close()
}
