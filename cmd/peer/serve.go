package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"wildmesh.ai/internal/persistence/indexdb"
	persistlog "wildmesh.ai/internal/persistence/log"
	"wildmesh.ai/internal/persistence/r2s3"
	"wildmesh.ai/internal/persistence/snapshot"
	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/entity"
	"wildmesh.ai/internal/sim/mathx"
	"wildmesh.ai/internal/sim/peer"
	"wildmesh.ai/internal/sim/replication"
	"wildmesh.ai/internal/sim/terrain"
	"wildmesh.ai/internal/sim/tuning"
	"wildmesh.ai/internal/transport/ws"
)

var serveOpts struct {
	addr        string
	id          string
	advertise   string
	seeds       []string
	configDir   string
	tuningPath  string
	anchorsPath string
	dataDir     string
	disableDB   bool
	pos         string
	terrainSeed int64
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Join the mesh and run the peer step loop",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveOpts.addr, "addr", ":8080", "http listen address")
	f.StringVar(&serveOpts.id, "id", "", "peer id (default: random uuid)")
	f.StringVar(&serveOpts.advertise, "advertise", "", "ws url other peers dial (default: ws://127.0.0.1:<port>/v1/mesh)")
	f.StringSliceVar(&serveOpts.seeds, "seed", nil, "seed peer ws url (repeatable)")
	f.StringVar(&serveOpts.configDir, "configs", "./configs", "config directory")
	f.StringVar(&serveOpts.tuningPath, "tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
	f.StringVar(&serveOpts.anchorsPath, "anchors", "", "path to anchors.yaml (default: <configs>/anchors.yaml)")
	f.StringVar(&serveOpts.dataDir, "data", "./data", "runtime data directory")
	f.BoolVar(&serveOpts.disableDB, "disable-db", false, "disable the sqlite index (cooldowns are then kept in memory)")
	f.StringVar(&serveOpts.pos, "pos", "0,0,0", "initial local position x,y,z")
	f.Int64Var(&serveOpts.terrainSeed, "terrain-seed", 1337, "seed of the stand-in noise terrain")
}

func runServe(cmd *cobra.Command, args []string) error {
	o := serveOpts
	logger := log.New(os.Stdout, "[peer] ", log.LstdFlags|log.Lmicroseconds)

	startPos, err := mathx.ParseVec3(o.pos)
	if err != nil {
		return fmt.Errorf("--pos: %w", err)
	}
	id := strings.TrimSpace(o.id)
	if id == "" {
		id = uuid.NewString()
	}
	advertise := strings.TrimSpace(o.advertise)
	if advertise == "" {
		advertise, err = defaultAdvertise(o.addr)
		if err != nil {
			return err
		}
	}

	tp := strings.TrimSpace(o.tuningPath)
	if tp == "" {
		tp = filepath.Join(o.configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load tuning: %w", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}
	format, err := protocol.ParseFormat(tune.WireFormat)
	if err != nil {
		return err
	}

	ap := strings.TrimSpace(o.anchorsPath)
	if ap == "" {
		ap = filepath.Join(o.configDir, "anchors.yaml")
	}
	anchors, err := entity.LoadAnchors(ap)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("load anchors: %w", err)
		}
		logger.Printf("anchors not found (%s); starting with none", ap)
	}

	peerDir := filepath.Join(o.dataDir, "peers", id)
	if err := os.MkdirAll(peerDir, 0o755); err != nil {
		return err
	}

	mirror, err := buildMirror(o.dataDir)
	if err != nil {
		return err
	}
	// Logs close before the mirror so their last files are still uploaded.
	defer mirror.Close()

	tlog := persistlog.NewTransitionLog(peerDir, persistlog.Options{
		WriterOptions: persistlog.WriterOptions{OnClose: mirror.Enqueue},
		OnError:       func(err error) { logger.Printf("transition log: %v", err) },
	})
	defer tlog.Close()
	llog := persistlog.NewLifecycleLog(peerDir, persistlog.Options{
		WriterOptions: persistlog.WriterOptions{OnClose: mirror.Enqueue},
		OnError:       func(err error) { logger.Printf("lifecycle log: %v", err) },
	})
	defer llog.Close()
	transitions := persistlog.MultiTransition{tlog}
	lifecycle := persistlog.MultiLifecycle{llog}

	var (
		idx       *indexdb.SQLiteIndex
		cooldowns entity.CooldownStore = entity.NewMemoryCooldowns()
	)
	if !o.disableDB {
		idx, err = indexdb.OpenSQLite(filepath.Join(peerDir, "index", "peer.sqlite"))
		if err != nil {
			return fmt.Errorf("open index: %w", err)
		}
		defer idx.Close()
		if n, err := idx.PruneCooldowns(context.Background(), time.Now().Add(-tune.RespawnCooldown())); err != nil {
			logger.Printf("prune cooldowns: %v", err)
		} else if n > 0 {
			logger.Printf("pruned %d expired cooldowns", n)
		}
		cooldowns = idx
		transitions = append(transitions, idx)
		lifecycle = append(lifecycle, idx)
	}

	ctx, cancel := signalContext()
	defer cancel()

	snapCh := make(chan snapshot.SnapshotV1, 2)
	out := &relay{}
	p, err := peer.New(peer.Config{
		ID:           id,
		Tuning:       tune,
		Anchors:      anchors,
		Terrain:      terrain.Noise{Seed: o.terrainSeed, Amplitude: 4, Scale: 24},
		Out:          out,
		Cooldowns:    cooldowns,
		Transitions:  transitions,
		Lifecycle:    lifecycle,
		SnapshotSink: snapCh,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("peer: %w", err)
	}

	var schemas *protocol.Schemas
	if tune.Transport.ValidateJSON {
		if schemas, err = protocol.LoadSchemas(); err != nil {
			return fmt.Errorf("load schemas: %w", err)
		}
	}
	mesh, err := ws.NewMesh(ws.Config{
		PeerID:        id,
		AdvertiseAddr: advertise,
		Format:        format,
		Seeds:         o.seeds,
		OutboxSize:    tune.Transport.OutboxSize,
		InboundRate:   rate.Limit(tune.Transport.InboundRate),
		InboundBurst:  tune.Transport.InboundBurst,
		ReadTimeout:   time.Duration(tune.Transport.ReadTimeoutMs) * time.Millisecond,
		Schemas:       schemas,
		Inbox:         p.Inbox(),
		Events:        p.PeerEvents(),
		Logger:        log.New(os.Stdout, "[mesh] ", log.LstdFlags|log.Lmicroseconds),
	})
	if err != nil {
		return fmt.Errorf("mesh: %w", err)
	}
	out.mesh = mesh

	go writeSnapshots(ctx, filepath.Join(peerDir, "snapshots"), snapCh, idx, mirror, logger)

	// Dial seeds before the first position so the region load's SYNC_REQ
	// has a chance to reach them; peers connecting later are greeted on
	// connect.
	mesh.Start()
	p.Positions() <- startPos
	go func() {
		if err := p.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("peer stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.Handle(ws.Path, mesh.Handler())
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", metricsHandler(p, mesh, mirror, []dropCounter{
		{"transition_log", tlog.Dropped},
		{"lifecycle_log", llog.Dropped},
		{"index", idx.Dropped},
	}))
	if envBool("WM_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		registerAdmin(mux, p, mesh, idx)
	} else {
		logger.Printf("admin endpoints disabled (WM_ENABLE_ADMIN_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              o.addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		mesh.Close()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("peer %s listening on %s advertise=%s seeds=%v anchors=%d", id, o.addr, advertise, o.seeds, len(anchors))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ListenAndServe: %w", err)
	}
	return nil
}

// relay lets the peer broadcast through a mesh built after it.
type relay struct{ mesh *ws.Mesh }

func (r *relay) Broadcast(msg protocol.Message) {
	if r.mesh != nil {
		r.mesh.Broadcast(msg)
	}
}

func (r *relay) SendTo(peerID string, msg protocol.Message) {
	if r.mesh != nil {
		r.mesh.SendTo(peerID, msg)
	}
}

var _ replication.Broadcaster = (*relay)(nil)

func writeSnapshots(ctx context.Context, dir string, ch <-chan snapshot.SnapshotV1, idx *indexdb.SQLiteIndex, mirror *r2s3.Mirror, logger *log.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			path := snapshot.Path(dir, snap.Header.Tick)
			if err := snapshot.WriteSnapshot(path, snap); err != nil {
				logger.Printf("snapshot write: %v", err)
				continue
			}
			if idx != nil {
				idx.RecordSnapshot(path, snap)
			}
			mirror.Enqueue(path)
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func defaultAdvertise(addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("--addr %q: %w", addr, err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, port) + ws.Path, nil
}

func envBool(name string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(name))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
