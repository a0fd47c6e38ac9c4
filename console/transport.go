// Copyright 2026 The Triton Authors
// SPDX-License-Identifier: Apache-2.0

package console

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Transport wraps one accepted connection. It tracks the last read
// timestamp for the idle reaper and exposes the peer certificate when
// the connection is TLS-backed.
//
// Close may be called from the session's own worker, the reaper, or an
// administrative disconnect, concurrently with in-flight reads and
// writes on the worker.
type Transport struct {
	conn   net.Conn
	closed atomic.Bool

	mu       sync.Mutex
	lastRead time.Time
}

// NewTransport wraps conn. now seeds the last-read timestamp so a
// session that never sends anything is still reaped on schedule.
func NewTransport(conn net.Conn, now time.Time) *Transport {
	return &Transport{conn: conn, lastRead: now}
}

func (t *Transport) Read(p []byte) (int, error)  { return t.conn.Read(p) }
func (t *Transport) Write(p []byte) (int, error) { return t.conn.Write(p) }

// Close closes the underlying connection, unblocking any read or
// write in progress. Idempotent.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.conn.Close()
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool { return t.closed.Load() }

// MarkRead records read activity.
func (t *Transport) MarkRead(now time.Time) {
	t.mu.Lock()
	t.lastRead = now
	t.mu.Unlock()
}

// LastRead returns the time of the most recent read activity.
func (t *Transport) LastRead() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRead
}

// RemoteAddr returns the peer's network address.
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

// PeerChain returns the certificate chain the peer presented during
// the TLS handshake, or nil for plaintext connections and TLS peers
// that presented none.
func (t *Transport) PeerChain() []*x509.Certificate {
	tlsConn, ok := t.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	return tlsConn.ConnectionState().PeerCertificates
}
