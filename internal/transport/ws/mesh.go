// Package ws carries the gossip mesh over websockets: every peer serves
// /v1/mesh, dials its seeds, learns further members from PEERS and keeps one
// connection per remote peer.
package ws

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/peer"
)

const Path = "/v1/mesh"

type Config struct {
	PeerID string
	// AdvertiseAddr is the ws:// URL other peers should dial to reach us.
	AdvertiseAddr string
	Format        protocol.Format
	Seeds         []string

	// OutboxSize bounds each connection's send queue; a full queue drops.
	OutboxSize int
	// InboundRate and InboundBurst limit frames per second per connection.
	InboundRate  rate.Limit
	InboundBurst int
	// ReadTimeout closes a connection that has been silent this long.
	ReadTimeout time.Duration

	// Schemas, when set, validates JSON frames before decoding.
	Schemas *protocol.Schemas

	Inbox  chan<- protocol.Envelope
	Events chan<- peer.PeerEvent

	Logger *log.Logger
	Clock  func() time.Time
}

func (c *Config) applyDefaults() {
	if c.Format == "" {
		c.Format = protocol.FormatJSON
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 256
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 200
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 400
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// Stats are lifetime transport counters.
type Stats struct {
	Peers       int               `json:"peers"`
	FramesIn    uint64            `json:"frames_in"`
	FramesOut   uint64            `json:"frames_out"`
	OutboxDrops uint64            `json:"outbox_drops"`
	RateLimited uint64            `json:"rate_limited"`
	Connects    uint64            `json:"connects"`
	Disconnects uint64            `json:"disconnects"`
	Rejected    map[string]uint64 `json:"rejected"`
}

type Mesh struct {
	cfg      Config
	log      *log.Logger
	upgrader websocket.Upgrader
	dialer   websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	conns    map[string]*conn
	addrs    map[string]string
	dialing  map[string]bool
	rejected map[string]uint64

	framesIn    atomic.Uint64
	framesOut   atomic.Uint64
	outboxDrops atomic.Uint64
	rateLimited atomic.Uint64
	connects    atomic.Uint64
	disconnects atomic.Uint64
}

func NewMesh(cfg Config) (*Mesh, error) {
	if cfg.PeerID == "" {
		return nil, errors.New("mesh: missing peer id")
	}
	if cfg.Inbox == nil {
		return nil, errors.New("mesh: missing inbox")
	}
	if _, err := protocol.ParseFormat(string(cfg.Format)); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Mesh{
		cfg: cfg,
		log: cfg.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		dialer:   websocket.Dialer{HandshakeTimeout: 5 * time.Second},
		ctx:      ctx,
		cancel:   cancel,
		conns:    map[string]*conn{},
		addrs:    map[string]string{},
		dialing:  map[string]bool{},
		rejected: map[string]uint64{},
	}, nil
}

// Start dials every seed and keeps redialing the ones that drop.
func (m *Mesh) Start() {
	for _, addr := range m.cfg.Seeds {
		if addr == "" || addr == m.cfg.AdvertiseAddr {
			continue
		}
		m.wg.Add(1)
		go func(addr string) {
			defer m.wg.Done()
			m.seedLoop(addr)
		}(addr)
	}
}

// Close drops every connection and stops dialing.
func (m *Mesh) Close() {
	m.cancel()
	m.mu.Lock()
	for _, c := range m.conns {
		c.close()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Broadcast encodes once and queues the frame on every connection.
func (m *Mesh) Broadcast(msg protocol.Message) {
	f, ok := m.encode(msg)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		m.enqueue(c, f)
	}
}

func (m *Mesh) SendTo(peerID string, msg protocol.Message) {
	f, ok := m.encode(msg)
	if !ok {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if c := m.conns[peerID]; c != nil {
		m.enqueue(c, f)
	}
}

// Connected lists the peers with a live connection, sorted.
func (m *Mesh) Connected() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (m *Mesh) Stats() Stats {
	m.mu.Lock()
	rej := make(map[string]uint64, len(m.rejected))
	for k, v := range m.rejected {
		rej[k] = v
	}
	n := len(m.conns)
	m.mu.Unlock()
	return Stats{
		Peers:       n,
		FramesIn:    m.framesIn.Load(),
		FramesOut:   m.framesOut.Load(),
		OutboxDrops: m.outboxDrops.Load(),
		RateLimited: m.rateLimited.Load(),
		Connects:    m.connects.Load(),
		Disconnects: m.disconnects.Load(),
		Rejected:    rej,
	}
}

func (m *Mesh) encode(msg protocol.Message) (frame, bool) {
	b, err := protocol.Encode(m.cfg.Format, msg)
	if err != nil {
		m.log.Printf("encode %s: %v", msg.MsgType(), err)
		return frame{}, false
	}
	kind := websocket.TextMessage
	if m.cfg.Format == protocol.FormatMsgPack {
		kind = websocket.BinaryMessage
	}
	return frame{kind: kind, b: b}, true
}

// enqueue never blocks; callers hold m.mu.
func (m *Mesh) enqueue(c *conn, f frame) {
	select {
	case c.out <- f:
	default:
		m.outboxDrops.Add(1)
	}
}

func (m *Mesh) reject(err error) { m.rejectCode(protocol.CodeFor(err)) }

func (m *Mesh) rejectCode(code string) {
	m.mu.Lock()
	m.rejected[code]++
	m.mu.Unlock()
}

// register installs c as the connection for its peer. When both sides dialed
// each other, the connection dialed by the lower ID survives on both ends.
// It reports whether c was kept and whether it replaced an older one.
func (m *Mesh) register(c *conn) (kept, replaced bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ctx.Err() != nil {
		return false, false
	}
	if c.addr != "" {
		m.addrs[c.peerID] = c.addr
	}
	old := m.conns[c.peerID]
	if old != nil {
		lowerDialed := c.outbound == (m.cfg.PeerID < c.peerID)
		if c.outbound != old.outbound && !lowerDialed {
			return false, false
		}
		old.close()
	}
	m.conns[c.peerID] = c
	return true, old != nil
}

// unregister reports whether c was still the live connection for its peer.
func (m *Mesh) unregister(c *conn) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[c.peerID] != c {
		return false
	}
	delete(m.conns, c.peerID)
	return true
}

func (m *Mesh) connectedTo(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.conns {
		if c.addr == addr {
			return true
		}
	}
	return false
}

func (m *Mesh) emit(ev peer.PeerEvent) {
	if m.cfg.Events == nil {
		return
	}
	select {
	case m.cfg.Events <- ev:
	case <-m.ctx.Done():
	}
}

// Known lists every member address learned from handshakes and gossip.
func (m *Mesh) Known() []protocol.PeerAddr {
	m.mu.Lock()
	out := make([]protocol.PeerAddr, 0, len(m.addrs))
	for id, addr := range m.addrs {
		out = append(out, protocol.PeerAddr{PeerID: id, Addr: addr})
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PeerID < out[j].PeerID })
	return out
}
