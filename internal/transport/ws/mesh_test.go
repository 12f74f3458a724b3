package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/peer"
)

const wait = 3 * time.Second

type node struct {
	m      *Mesh
	url    string
	inbox  chan protocol.Envelope
	events chan peer.PeerEvent
}

func newNode(t *testing.T, id string, tweak func(*Config)) *node {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	n := &node{
		url:    "ws" + strings.TrimPrefix(srv.URL, "http") + Path,
		inbox:  make(chan protocol.Envelope, 64),
		events: make(chan peer.PeerEvent, 64),
	}
	cfg := Config{
		PeerID:        id,
		AdvertiseAddr: n.url,
		Inbox:         n.inbox,
		Events:        n.events,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	m, err := NewMesh(cfg)
	require.NoError(t, err)
	n.m = m
	mux.Handle(Path, m.Handler())
	t.Cleanup(m.Close)
	return n
}

func (n *node) waitEvent(t *testing.T, want peer.PeerEvent) {
	t.Helper()
	deadline := time.After(wait)
	for {
		select {
		case ev := <-n.events:
			if ev == want {
				return
			}
		case <-deadline:
			t.Fatalf("no event %+v", want)
		}
	}
}

func (n *node) recv(t *testing.T) protocol.Envelope {
	t.Helper()
	select {
	case env := <-n.inbox:
		return env
	case <-time.After(wait):
		t.Fatal("inbox empty")
	}
	return protocol.Envelope{}
}

func peerPos(id string, x float64) protocol.PeerPosMsg {
	return protocol.PeerPosMsg{Type: protocol.TypePeerPos, ProtocolVersion: protocol.Version, PeerID: id, Pos: mgl64.Vec3{x, 0, 0}}
}

// rawClient handshakes by hand as peer id.
func rawClient(t *testing.T, url, id, version string) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	require.NoError(t, c.WriteJSON(protocol.HelloMsg{Type: protocol.TypeHello, ProtocolVersion: version, PeerID: id}))
	return c
}

func TestMesh_HandshakeAndExchange(t *testing.T) {
	cases := []struct {
		name string
		a, b protocol.Format
	}{
		{"json", protocol.FormatJSON, protocol.FormatJSON},
		{"msgpack", protocol.FormatMsgPack, protocol.FormatMsgPack},
		{"mixed", protocol.FormatJSON, protocol.FormatMsgPack},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := newNode(t, "a", func(c *Config) { c.Format = tc.a })
			b := newNode(t, "b", func(c *Config) {
				c.Format = tc.b
				c.Seeds = []string{a.url}
			})
			b.m.Start()

			a.waitEvent(t, peer.PeerEvent{Peer: "b", Connected: true})
			b.waitEvent(t, peer.PeerEvent{Peer: "a", Connected: true})

			b.m.Broadcast(peerPos("b", 4))
			env := a.recv(t)
			assert.Equal(t, "b", env.From)
			require.IsType(t, protocol.PeerPosMsg{}, env.Msg)
			assert.Equal(t, mgl64.Vec3{4, 0, 0}, env.Msg.(protocol.PeerPosMsg).Pos)

			a.m.SendTo("b", protocol.DespawnMsg{Type: protocol.TypeDespawn, ProtocolVersion: protocol.Version, EntityID: "deer:s1#1", Reason: "test"})
			env = b.recv(t)
			assert.Equal(t, "a", env.From)
			assert.Equal(t, protocol.TypeDespawn, env.Msg.MsgType())

			assert.Equal(t, []string{"b"}, a.m.Connected())
		})
	}
}

func TestMesh_RejectsBadVersion(t *testing.T) {
	a := newNode(t, "a", nil)
	c := rawClient(t, a.url, "z", "0.9")

	_ = c.SetReadDeadline(time.Now().Add(wait))
	_, _, err := c.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
	assert.Equal(t, "bad protocol_version", ce.Text)
	assert.Equal(t, uint64(1), a.m.Stats().Rejected[protocol.ErrProtoVersion])
	assert.Empty(t, a.m.Connected())
}

func TestMesh_DropsBadFramesAndKeepsConnection(t *testing.T) {
	schemas, err := protocol.LoadSchemas()
	require.NoError(t, err)
	a := newNode(t, "a", func(c *Config) { c.Schemas = schemas })
	c := rawClient(t, a.url, "z", protocol.Version)
	a.waitEvent(t, peer.PeerEvent{Peer: "z", Connected: true})

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"STATE","protocol_version":"1.0"}`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"NOPE","protocol_version":"1.0"}`)))
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, c.WriteJSON(peerPos("z", 2)))

	env := a.recv(t)
	assert.Equal(t, "z", env.From)
	assert.Equal(t, protocol.TypePeerPos, env.Msg.MsgType())

	rej := a.m.Stats().Rejected
	assert.Equal(t, uint64(2), rej[protocol.ErrProtoBadRequest])
	assert.Equal(t, uint64(1), rej[protocol.ErrUnknownType])
}

func TestMesh_InboundRateLimit(t *testing.T) {
	a := newNode(t, "a", func(c *Config) {
		c.InboundRate = 0.001
		c.InboundBurst = 3
	})
	c := rawClient(t, a.url, "z", protocol.Version)
	a.waitEvent(t, peer.PeerEvent{Peer: "z", Connected: true})

	for i := 0; i < 6; i++ {
		require.NoError(t, c.WriteJSON(peerPos("z", float64(i))))
	}
	require.Eventually(t, func() bool { return a.m.Stats().RateLimited == 3 }, wait, 10*time.Millisecond)
	assert.Len(t, a.inbox, 3)
	assert.Equal(t, uint64(3), a.m.Stats().Rejected[protocol.ErrRateLimit])
}

func TestMesh_GossipCompletesMesh(t *testing.T) {
	a := newNode(t, "a", nil)
	b := newNode(t, "b", func(c *Config) { c.Seeds = []string{a.url} })
	c := newNode(t, "c", func(cfg *Config) { cfg.Seeds = []string{a.url} })

	b.m.Start()
	a.waitEvent(t, peer.PeerEvent{Peer: "b", Connected: true})
	c.m.Start()

	// b learns c's address from a and dials it, being the lower ID.
	c.waitEvent(t, peer.PeerEvent{Peer: "b", Connected: true})
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"a", "c"}, b.m.Connected()) &&
			assert.ObjectsAreEqual([]string{"a", "b"}, c.m.Connected())
	}, wait, 10*time.Millisecond)
}

func TestMesh_DisconnectEmitsEvent(t *testing.T) {
	a := newNode(t, "a", nil)
	b := newNode(t, "b", func(c *Config) { c.Seeds = []string{a.url} })
	b.m.Start()
	a.waitEvent(t, peer.PeerEvent{Peer: "b", Connected: true})

	b.m.Close()
	a.waitEvent(t, peer.PeerEvent{Peer: "b", Connected: false})
	assert.Empty(t, a.m.Connected())
	assert.Equal(t, uint64(1), a.m.Stats().Disconnects)
}

func TestMesh_SimultaneousDialKeepsOneConnection(t *testing.T) {
	a := newNode(t, "a", nil)
	b := newNode(t, "b", nil)
	a.m.Connect(b.url)
	b.m.Connect(a.url)

	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"b"}, a.m.Connected()) &&
			assert.ObjectsAreEqual([]string{"a"}, b.m.Connected())
	}, wait, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		a.m.SendTo("b", peerPos("a", 1))
		select {
		case env := <-b.inbox:
			return env.From == "a"
		default:
			return false
		}
	}, wait, 20*time.Millisecond)
}

func TestNewMesh_Validates(t *testing.T) {
	_, err := NewMesh(Config{Inbox: make(chan protocol.Envelope)})
	assert.Error(t, err)
	_, err = NewMesh(Config{PeerID: "a"})
	assert.Error(t, err)
	_, err = NewMesh(Config{PeerID: "a", Inbox: make(chan protocol.Envelope), Format: "xml"})
	assert.Error(t, err)
}
