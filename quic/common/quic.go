// quic.go - QUIC single stream net.Conn adapter.
// Copyright (C) 2023  Masala.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package common contains the QUIC plumbing shared by both ends of a relay:
// a net.Conn adapter around a connection carrying a single stream.
package common

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/katzenpost/hpqc/rand"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
)

// NoError is the application error code used for deliberate, non-exceptional
// connection termination.  A peer that observes it treats the teardown as a
// clean close rather than a failure.
const NoError = quic.ApplicationErrorCode(0)

// QuicConn wraps a conn and a single stream and implements net.Conn
type QuicConn struct {
	Stream *quic.Stream
	Conn   *quic.Conn
}

// NewQuicConn creates a QuicConn from a connection and one of its streams.
// Both arguments are mandatory; passing nil is a programming error and
// panics.
func NewQuicConn(conn *quic.Conn, stream *quic.Stream) *QuicConn {
	if conn == nil {
		panic("common: NewQuicConn called with nil connection")
	}
	if stream == nil {
		panic("common: NewQuicConn called with nil stream")
	}
	return &QuicConn{Conn: conn, Stream: stream}
}

// LocalAddr implements net.Conn
func (q *QuicConn) LocalAddr() net.Addr {
	return q.Conn.LocalAddr()
}

// RemoteAddr implements net.Conn
func (q *QuicConn) RemoteAddr() net.Addr {
	return q.Conn.RemoteAddr()
}

// SetDeadline implements net.Conn
func (q *QuicConn) SetDeadline(t time.Time) error {
	return q.Stream.SetDeadline(t)
}

// SetReadDeadline implements net.Conn
func (q *QuicConn) SetReadDeadline(t time.Time) error {
	return q.Stream.SetReadDeadline(t)
}

// SetWriteDeadline implements net.Conn
func (q *QuicConn) SetWriteDeadline(t time.Time) error {
	return q.Stream.SetWriteDeadline(t)
}

// Read implements net.Conn
func (q *QuicConn) Read(b []byte) (n int, err error) {
	return q.Stream.Read(b)
}

// Write implements net.Conn
func (q *QuicConn) Write(b []byte) (n int, err error) {
	return q.Stream.Write(b)
}

// CloseWrite closes the send direction of the stream.  The peer observes
// EOF once it has consumed any buffered data.  The receive direction is
// unaffected, so reads may continue after CloseWrite returns.
func (q *QuicConn) CloseWrite() error {
	return q.Stream.Close()
}

// Close implements net.Conn; the stream and the connection are torn down,
// and the peer observes a clean termination.
func (q *QuicConn) Close() error {
	_ = q.Stream.Close()
	return q.Conn.CloseWithError(NoError, "")
}

// QuicListener implements net.Listener
type QuicListener struct {
	Listener *quic.Listener
}

// Accept implements net.Listener.  It waits for a connection and then for
// the single stream on it, and returns a QuicConn for that stream.  The
// stream only becomes visible here once the peer has sent its first frame
// on it.
func (l *QuicListener) Accept() (net.Conn, error) {
	ctx := context.Background()
	conn, err := l.Listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(NoError, "")
		return nil, err
	}
	return NewQuicConn(conn, stream), nil
}

func (l *QuicListener) Addr() net.Addr {
	return l.Listener.Addr()
}

func (l *QuicListener) Close() error {
	return l.Listener.Close()
}

// GenerateTLSConfig makes a bare-bones TLS config for the listening side,
// with a fresh self signed ed25519 certificate.
func GenerateTLSConfig() (*tls.Config, error) {
	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("common: failed to generate key: %v", err)
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, pubKey, privKey)
	if err != nil {
		return nil, fmt.Errorf("common: failed to create certificate: %v", err)
	}
	pkb, err := x509.MarshalPKCS8PrivateKey(privKey)
	if err != nil {
		return nil, fmt.Errorf("common: failed to marshal private key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "ED25519 PRIVATE KEY", Bytes: pkb})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})

	tlsCert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("common: failed to load key pair: %v", err)
	}
	// ALPN (NextProtos) is externally visible as part of the QUIC TLS
	// handshake, in the client/server hello, so pick a common protocol
	// rather than something uniquely fingerprintable.
	return &tls.Config{Certificates: []tls.Certificate{tlsCert}, NextProtos: []string{http3.NextProtoH3}}, nil
}

// ClientTLSConfig makes the TLS config for the dialing side.  The listener
// presents a self signed certificate, so verification is skipped; the
// handshake still yields an encrypted transport.
func ClientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{http3.NextProtoH3},
	}
}
