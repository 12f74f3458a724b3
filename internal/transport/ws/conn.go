package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/peer"
)

const (
	writeWait     = 5 * time.Second
	handshakeWait = 5 * time.Second
	maxFrameBytes = 1 << 20
)

type frame struct {
	kind int
	b    []byte
}

type conn struct {
	ws       *websocket.Conn
	peerID   string
	addr     string
	outbound bool
	out      chan frame
	lim      *rate.Limiter

	once sync.Once
	done chan struct{}
}

func (c *conn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (m *Mesh) hello() protocol.HelloMsg {
	return protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PeerID:          m.cfg.PeerID,
		ListenAddr:      m.cfg.AdvertiseAddr,
		WireFormat:      string(m.cfg.Format),
	}
}

func (m *Mesh) writeHello(ws *websocket.Conn) error {
	f, ok := m.encode(m.hello())
	if !ok {
		return errors.New("encode hello")
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(f.kind, f.b)
}

// readHello waits for the remote HELLO and closes with a policy violation on
// anything else.
func (m *Mesh) readHello(ws *websocket.Conn) (protocol.HelloMsg, error) {
	_ = ws.SetReadDeadline(time.Now().Add(handshakeWait))
	kind, b, err := ws.ReadMessage()
	if err != nil {
		return protocol.HelloMsg{}, err
	}
	msg, err := m.decode(kind, b)
	if err != nil {
		m.reject(err)
		reason := "expected HELLO"
		if errors.Is(err, protocol.ErrVersion) {
			reason = "bad protocol_version"
		}
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
		return protocol.HelloMsg{}, err
	}
	hello, ok := msg.(protocol.HelloMsg)
	if !ok {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return protocol.HelloMsg{}, errors.New("expected HELLO, got " + msg.MsgType())
	}
	if hello.PeerID == m.cfg.PeerID {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "self"), time.Now().Add(time.Second))
		return protocol.HelloMsg{}, errors.New("dialed self")
	}
	return hello, nil
}

// decode picks the codec from the frame kind, so each side may send in its
// own format.
func (m *Mesh) decode(kind int, b []byte) (protocol.Message, error) {
	if kind == websocket.BinaryMessage {
		return protocol.Decode(protocol.FormatMsgPack, b)
	}
	if m.cfg.Schemas != nil {
		if err := m.cfg.Schemas.ValidateJSON(b); err != nil {
			return nil, err
		}
	}
	return protocol.Decode(protocol.FormatJSON, b)
}

// serve owns an established connection until it drops.
func (m *Mesh) serve(ws *websocket.Conn, hello protocol.HelloMsg, dialAddr string, outbound bool) {
	c := &conn{
		ws:       ws,
		peerID:   hello.PeerID,
		addr:     hello.ListenAddr,
		outbound: outbound,
		out:      make(chan frame, m.cfg.OutboxSize),
		lim:      rate.NewLimiter(m.cfg.InboundRate, m.cfg.InboundBurst),
		done:     make(chan struct{}),
	}
	if outbound && dialAddr != "" {
		c.addr = dialAddr
	}
	ws.SetReadLimit(maxFrameBytes)

	kept, replaced := m.register(c)
	if !kept {
		m.log.Printf("duplicate connection to %s closed", c.peerID)
		c.close()
		return
	}
	if !replaced {
		m.connects.Add(1)
		m.log.Printf("connected peer=%s addr=%s outbound=%v", c.peerID, c.addr, outbound)
		m.emit(peer.PeerEvent{Peer: c.peerID, Connected: true})
	}
	m.gossip()

	ctx, cancel := context.WithCancel(m.ctx)
	defer cancel()
	go m.writeLoop(ctx, c)
	m.readLoop(ctx, c)

	c.close()
	if m.unregister(c) {
		m.disconnects.Add(1)
		m.log.Printf("disconnected peer=%s", c.peerID)
		m.emit(peer.PeerEvent{Peer: c.peerID, Connected: false})
	}
}

func (m *Mesh) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case f := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(f.kind, f.b); err != nil {
				c.close()
				return
			}
			m.framesOut.Add(1)
		}
	}
}

func (m *Mesh) readLoop(ctx context.Context, c *conn) {
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(m.cfg.ReadTimeout))
		kind, b, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		m.framesIn.Add(1)
		if !c.lim.Allow() {
			m.rateLimited.Add(1)
			m.rejectCode(protocol.ErrRateLimit)
			continue
		}
		msg, err := m.decode(kind, b)
		if err != nil {
			m.reject(err)
			m.log.Printf("drop frame from %s: %v", c.peerID, err)
			continue
		}
		switch v := msg.(type) {
		case protocol.HelloMsg:
			continue
		case protocol.PeersMsg:
			m.learn(v.Peers)
			continue
		}
		select {
		case m.cfg.Inbox <- protocol.Envelope{From: c.peerID, At: m.cfg.Clock(), Msg: msg}:
		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
