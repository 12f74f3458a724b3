package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"wildmesh.ai/internal/persistence/indexdb"
	"wildmesh.ai/internal/protocol"
	"wildmesh.ai/internal/sim/peer"
	"wildmesh.ai/internal/transport/ws"
)

type stateResp struct {
	PeerID    string              `json:"peer_id"`
	Tick      uint64              `json:"tick"`
	Connected []string            `json:"connected"`
	Known     []protocol.PeerAddr `json:"known"`
	Metrics   peer.Metrics        `json:"metrics"`
	Transport ws.Stats            `json:"transport"`
}

// registerAdmin mounts the local-only admin endpoints. They never touch
// peer state directly; everything goes through the step loop's channels.
func registerAdmin(mux *http.ServeMux, p *peer.Peer, mesh *ws.Mesh, idx *indexdb.SQLiteIndex) {
	mux.HandleFunc("/admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		m := p.Metrics()
		writeJSON(rw, http.StatusOK, stateResp{
			PeerID:    p.ID(),
			Tick:      m.Tick,
			Connected: mesh.Connected(),
			Known:     mesh.Known(),
			Metrics:   m,
			Transport: mesh.Stats(),
		})
	}))

	mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		tick, err := p.RequestSnapshot(ctx)
		if err != nil {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "tick": tick, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "tick": tick})
	})))

	mux.HandleFunc("/admin/v1/pos", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		var req struct {
			Pos [3]float64 `json:"pos"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		if !offer(r.Context(), p.Positions(), mgl64.Vec3(req.Pos)) {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "position queue full"})
			return
		}
		writeJSON(rw, http.StatusOK, map[string]any{"ok": true, "pos": req.Pos})
	})))

	mux.HandleFunc("/admin/v1/harvest", loopbackOnly(postOnly(func(rw http.ResponseWriter, r *http.Request) {
		var req struct {
			EntityID string `json:"entity_id"`
			By       string `json:"by"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.EntityID) == "" {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "entity_id required"})
			return
		}
		if req.By == "" {
			req.By = p.ID()
		}
		if !offer(r.Context(), p.Harvests(), peer.HarvestRequest{EntityID: req.EntityID, By: req.By}) {
			writeJSON(rw, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "harvest queue full"})
			return
		}
		writeJSON(rw, http.StatusAccepted, map[string]any{"ok": true})
	})))

	mux.HandleFunc("/admin/v1/transitions", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if idx == nil {
			writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "index disabled"})
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		evs, err := idx.Transitions(r.Context(), r.URL.Query().Get("entity"), limit)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, evs)
	}))

	mux.HandleFunc("/admin/v1/lifecycle", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
		if idx == nil {
			writeJSON(rw, http.StatusNotFound, map[string]any{"ok": false, "error": "index disabled"})
			return
		}
		id := r.URL.Query().Get("entity")
		if id == "" {
			writeJSON(rw, http.StatusBadRequest, map[string]any{"ok": false, "error": "entity required"})
			return
		}
		evs, err := idx.Lifecycle(r.Context(), id)
		if err != nil {
			writeJSON(rw, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(rw, http.StatusOK, evs)
	}))
}

func offer[T any](ctx context.Context, ch chan<- T, v T) bool {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	select {
	case ch <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func postOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h(rw, r)
	}
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
