package torrent

import (
	"context"
	"io"
	"net"
	"sync"
	"time"
)

// connectTimeout bounds how long a dial may take before it counts as
// a connect failure (spec §4.2).
const connectTimeout = 3 * time.Second

// connEvent is one event the manager delivers to the controller's
// driver loop, tagged with the peer it concerns.
type connEvent struct {
	peer PeerID
	kind Event
	data []byte
}

// peerConn is the manager's private per-peer handle: the socket plus
// the outgoing write queue that serializes writes onto it.
type peerConn struct {
	id     PeerID
	conn   net.Conn
	outbox chan []byte
	done   chan struct{}
}

// ConnManager owns peer sockets and the goroutines that service them.
// It never touches torrent state directly; it only ever produces
// connEvents onto a single shared channel, which the controller's
// driver goroutine drains serially (spec §5's serialization invariant).
type ConnManager struct {
	events chan connEvent

	mu    sync.Mutex
	conns map[PeerID]*peerConn

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// NewConnManager builds a connection manager. dial defaults to
// net.Dialer.DialContext; tests substitute an in-memory dialer.
func NewConnManager() *ConnManager {
	d := &net.Dialer{}
	return &ConnManager{
		events: make(chan connEvent, 64),
		conns:  make(map[PeerID]*peerConn),
		dial:   d.DialContext,
	}
}

// Events returns the channel the controller's driver loop selects on.
func (m *ConnManager) Events() <-chan connEvent { return m.events }

// Connect dials addr for peer id. The connect itself runs on its own
// goroutine; connected/connect_failed is delivered as an event, never
// returned synchronously, so the driver loop remains the only place
// that observes it.
func (m *ConnManager) Connect(id PeerID, addr string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		conn, err := m.dial(ctx, "tcp", addr)
		if err != nil {
			m.events <- connEvent{peer: id, kind: EventConnectFailed}
			return
		}

		pc := &peerConn{id: id, conn: conn, outbox: make(chan []byte, 16), done: make(chan struct{})}
		m.mu.Lock()
		m.conns[id] = pc
		m.mu.Unlock()

		m.events <- connEvent{peer: id, kind: EventConnected}

		go m.writer(pc)
		m.reader(pc)
	}()
}

// reader blocks in Read, forwarding each successful read as one Data
// event — matching spec §4.2's "one TCP read becomes one data event".
func (m *ConnManager) reader(pc *peerConn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := pc.conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			m.events <- connEvent{peer: pc.id, kind: EventData, data: chunk}
		}
		if err != nil {
			if err != io.EOF {
				logf("FAIL", "peer %v: read error: %v\n", pc.id, err)
			}
			m.events <- connEvent{peer: pc.id, kind: EventLost}
			close(pc.done)
			return
		}
	}
}

// writer drains the outgoing queue; a failed write is treated as
// connection loss (spec §4.2's broken-pipe disposition) and stops the
// session — the reader goroutine will also unblock and report loss
// once the peer closes its side, but closing here avoids waiting on it.
func (m *ConnManager) writer(pc *peerConn) {
	for {
		select {
		case b, ok := <-pc.outbox:
			if !ok {
				return
			}
			if _, err := pc.conn.Write(b); err != nil {
				logf("FAIL", "peer %v: write error: %v\n", pc.id, err)
				pc.conn.Close()
				return
			}
		case <-pc.done:
			return
		}
	}
}

// Write queues bytes for peer id. Safe to call from the driver
// goroutine; it blocks only while the peer's outgoing queue is full,
// and drops the bytes once the peer's reader has stopped.
func (m *ConnManager) Write(id PeerID, b []byte) {
	m.mu.Lock()
	pc, ok := m.conns[id]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pc.outbox <- b:
	case <-pc.done:
	}
}

// Disconnect closes peer id's socket. Idempotent.
func (m *ConnManager) Disconnect(id PeerID) {
	m.mu.Lock()
	pc, ok := m.conns[id]
	if ok {
		delete(m.conns, id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	pc.conn.Close()
}

// Stop disconnects every connected peer. The events channel is not
// closed; each disconnected peer's reader still reports its loss on it.
func (m *ConnManager) Stop() {
	m.mu.Lock()
	ids := make([]PeerID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Disconnect(id)
	}
}
