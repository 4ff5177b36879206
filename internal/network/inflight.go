package network

import (
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

type inflightConn struct {
	addr        string
	established time.Time
}

// connGuard tracks outbound connections that are currently open so shutdown
// can tear them all down and unblock their workers.
type connGuard struct {
	mu    sync.Mutex
	conns map[*quic.Conn]inflightConn
}

func newConnGuard() *connGuard {
	return &connGuard{conns: make(map[*quic.Conn]inflightConn)}
}

func (g *connGuard) add(addr string, conn *quic.Conn) {
	if g == nil || conn == nil {
		return
	}
	g.mu.Lock()
	g.conns[conn] = inflightConn{addr: addr, established: time.Now()}
	g.mu.Unlock()
}

func (g *connGuard) remove(conn *quic.Conn) {
	if g == nil || conn == nil {
		return
	}
	g.mu.Lock()
	delete(g.conns, conn)
	g.mu.Unlock()
}

func (g *connGuard) count(addr string) int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, ent := range g.conns {
		if addr == "" || ent.addr == addr {
			n++
		}
	}
	return n
}

func (g *connGuard) closeAll(reason string) int {
	if g == nil {
		return 0
	}
	g.mu.Lock()
	conns := make([]*quic.Conn, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[*quic.Conn]inflightConn)
	g.mu.Unlock()
	for _, c := range conns {
		_ = c.CloseWithError(0, reason)
	}
	return len(conns)
}
