// Command probe joins the mesh as a passive member and logs the replication
// traffic a peer sends it. It never announces a position, so it is never an
// authority candidate.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/tuning"
)

func main() {
	var (
		url        = flag.String("url", "ws://localhost:8080/v1/mesh", "peer mesh url")
		id         = flag.String("id", "", "probe peer id (default: ~probe-<uuid>)")
		format     = flag.String("format", "json", "wire format: json|msgpack")
		pos        = flag.String("pos", "", "x,y,z: send SYNC_REQ for the regions around this point")
		radius     = flag.Int("radius", 1, "region radius for -pos")
		regionSize = flag.Int("region_size", tuning.Defaults().RegionSize, "region edge length in world units")
		quiet      = flag.Bool("quiet", false, "only print the summary")
		duration   = flag.Duration("for", 0, "exit after this long (0 = until interrupted)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[probe] ", log.LstdFlags|log.Lmicroseconds)
	f, err := protocol.ParseFormat(*format)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if strings.TrimSpace(*id) == "" {
		// '~' sorts after every uuid and peer name, so the probe never wins
		// a lowest-id tie.
		*id = "~probe-" + uuid.NewString()
	}

	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	send := func(m protocol.Message) error {
		b, err := protocol.Encode(f, m)
		if err != nil {
			return err
		}
		kind := websocket.TextMessage
		if f == protocol.FormatMsgPack {
			kind = websocket.BinaryMessage
		}
		return conn.WriteMessage(kind, b)
	}

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		PeerID:          *id,
		WireFormat:      string(f),
	}
	if err := send(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	if strings.TrimSpace(*pos) != "" {
		p, err := mathx.ParseVec3(*pos)
		if err != nil {
			logger.Fatalf("-pos: %v", err)
		}
		var regions [][2]int
		for _, k := range mathx.RegionsAround(mathx.RegionOf(p, *regionSize), *radius) {
			regions = append(regions, [2]int{k.X, k.Z})
		}
		req := protocol.SyncReqMsg{Type: protocol.TypeSyncReq, ProtocolVersion: protocol.Version, PeerID: *id, Regions: regions}
		if err := send(req); err != nil {
			logger.Fatalf("send SYNC_REQ: %v", err)
		}
		logger.Printf("SYNC_REQ regions=%d around %s", len(regions), *pos)
	}

	counts := map[string]int{}
	defer func() { printSummary(logger, counts) }()

	msgs := make(chan protocol.Message, 64)
	go func() {
		defer close(msgs)
		for {
			kind, b, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			var m protocol.Message
			if kind == websocket.BinaryMessage {
				m, err = protocol.Decode(protocol.FormatMsgPack, b)
			} else {
				m, err = protocol.Decode(protocol.FormatJSON, b)
			}
			if err != nil {
				logger.Printf("decode: %v", err)
				m = nil
			}
			// nil marks an undecodable frame.
			msgs <- m
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	var deadline <-chan time.Time
	if *duration > 0 {
		deadline = time.After(*duration)
	}

	for {
		select {
		case <-stop:
			return
		case <-deadline:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			if m == nil {
				counts["invalid"]++
				continue
			}
			counts[m.MsgType()]++
			if !*quiet {
				logger.Print(describe(m))
			}
		}
	}
}

func describe(m protocol.Message) string {
	switch m := m.(type) {
	case protocol.HelloMsg:
		return fmt.Sprintf("HELLO peer=%s listen=%s format=%s", m.PeerID, m.ListenAddr, m.WireFormat)
	case protocol.PeersMsg:
		return fmt.Sprintf("PEERS n=%d", len(m.Peers))
	case protocol.PeerPosMsg:
		return fmt.Sprintf("PEER_POS peer=%s pos=%.1f,%.1f,%.1f", m.PeerID, m.Pos.X(), m.Pos.Y(), m.Pos.Z())
	case protocol.SpawnMsg:
		return fmt.Sprintf("SPAWN %s authority=%s term=%d state=%s dead=%v", m.EntityID, m.AuthorityID, m.AuthorityTerm, m.State, m.Dead)
	case protocol.StateMsg:
		return fmt.Sprintf("STATE %s authority=%s term=%d state=%s pos=%.1f,%.1f,%.1f", m.EntityID, m.AuthorityID, m.AuthorityTerm, m.State, m.Pos.X(), m.Pos.Y(), m.Pos.Z())
	case protocol.DeathMsg:
		return fmt.Sprintf("DEATH %s by=%s tick=%d", m.EntityID, m.KilledBy, m.DeathTick)
	case protocol.HarvestMsg:
		return fmt.Sprintf("HARVEST %s by=%s", m.EntityID, m.By)
	case protocol.DespawnMsg:
		return fmt.Sprintf("DESPAWN %s reason=%s", m.EntityID, m.Reason)
	case protocol.SyncMsg:
		return fmt.Sprintf("SYNC entities=%d", len(m.Entities))
	case protocol.SyncReqMsg:
		return fmt.Sprintf("SYNC_REQ peer=%s regions=%d", m.PeerID, len(m.Regions))
	}
	return m.MsgType()
}

func printSummary(logger *log.Logger, counts map[string]int) {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, t)
	}
	sort.Strings(types)
	parts := make([]string, 0, len(types))
	for _, t := range types {
		parts = append(parts, fmt.Sprintf("%s=%d", t, counts[t]))
	}
	logger.Printf("summary: %s", strings.Join(parts, " "))
}
