package ws

import (
	"net/http"
)

// Handler accepts inbound mesh connections. The dialer speaks first: we read
// its HELLO, answer with ours, then serve until the connection drops.
func (m *Mesh) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if m.ctx.Err() != nil {
			http.Error(rw, "mesh closed", http.StatusServiceUnavailable)
			return
		}
		conn, err := m.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		hello, err := m.readHello(conn)
		if err != nil {
			m.log.Printf("inbound handshake from %s: %v", r.RemoteAddr, err)
			return
		}
		if err := m.writeHello(conn); err != nil {
			return
		}
		m.serve(conn, hello, "", false)
	}
}
