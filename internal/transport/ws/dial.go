package ws

import (
	"net/http"
	"sort"
	"time"

	"wildmesh.ai/internal/protocol"
)

// Connect dials addr once and serves the connection in the background.
func (m *Mesh) Connect(addr string) {
	m.mu.Lock()
	if m.dialing[addr] || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	m.dialing[addr] = true
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			delete(m.dialing, addr)
			m.mu.Unlock()
		}()
		if err := m.dialAndServe(addr); err != nil {
			m.log.Printf("dial %s: %v", addr, err)
		}
	}()
}

func (m *Mesh) seedLoop(addr string) {
	backoff := 250 * time.Millisecond
	for {
		if !m.connectedTo(addr) {
			if err := m.dialAndServe(addr); err != nil {
				m.log.Printf("seed %s: %v", addr, err)
			} else {
				backoff = 250 * time.Millisecond
			}
		}
		select {
		case <-m.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}
		}
	}
}

// dialAndServe blocks for the lifetime of the connection.
func (m *Mesh) dialAndServe(addr string) error {
	conn, resp, err := m.dialer.DialContext(m.ctx, addr, http.Header{})
	if err != nil {
		return err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	if err := m.writeHello(conn); err != nil {
		return err
	}
	hello, err := m.readHello(conn)
	if err != nil {
		return err
	}
	m.serve(conn, hello, addr, true)
	return nil
}

// gossip tells every connection who we know.
func (m *Mesh) gossip() {
	m.mu.Lock()
	peers := make([]protocol.PeerAddr, 0, len(m.conns)+1)
	if m.cfg.AdvertiseAddr != "" {
		peers = append(peers, protocol.PeerAddr{PeerID: m.cfg.PeerID, Addr: m.cfg.AdvertiseAddr})
	}
	for id, c := range m.conns {
		if c.addr != "" {
			peers = append(peers, protocol.PeerAddr{PeerID: id, Addr: c.addr})
		}
	}
	m.mu.Unlock()
	sort.Slice(peers, func(i, j int) bool { return peers[i].PeerID < peers[j].PeerID })
	m.Broadcast(protocol.PeersMsg{
		Type:            protocol.TypePeers,
		ProtocolVersion: protocol.Version,
		Peers:           peers,
	})
}

// learn dials gossiped members we are not connected to. Only the lower ID
// dials, so two peers learning of each other open one connection.
func (m *Mesh) learn(peers []protocol.PeerAddr) {
	for _, p := range peers {
		if p.PeerID == m.cfg.PeerID || m.cfg.PeerID > p.PeerID {
			continue
		}
		m.mu.Lock()
		_, connected := m.conns[p.PeerID]
		if p.Addr != "" {
			m.addrs[p.PeerID] = p.Addr
		}
		m.mu.Unlock()
		if !connected {
			m.Connect(p.Addr)
		}
	}
}
