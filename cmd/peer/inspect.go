package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"wildmesh.ai/internal/persistence/indexdb"
	persistlog "wildmesh.ai/internal/persistence/log"
	"wildmesh.ai/internal/persistence/snapshot"
	"wildmesh.ai/internal/sim/replication"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Read snapshots, event logs and the index a peer wrote",
}

var inspectSnapshotOpts struct {
	headerOnly bool
	entityType string
}

var inspectSnapshotCmd = &cobra.Command{
	Use:   "snapshot <path|peer-dir>",
	Short: "Print a registry snapshot (latest one when given a peer data dir)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		if st, err := os.Stat(path); err == nil && st.IsDir() {
			path = latestSnapshot(path)
			if path == "" {
				return fmt.Errorf("no snapshot under %s", args[0])
			}
		}
		out := cmd.OutOrStdout()
		if inspectSnapshotOpts.headerOnly {
			h, err := snapshot.ReadHeader(path)
			if err != nil {
				return err
			}
			return printJSON(out, h)
		}
		snap, err := snapshot.ReadSnapshot(path)
		if err != nil {
			return err
		}
		if t := inspectSnapshotOpts.entityType; t != "" {
			kept := snap.Entities[:0]
			for _, e := range snap.Entities {
				if e.Type == t {
					kept = append(kept, e)
				}
			}
			snap.Entities = kept
		}
		return printJSON(out, snap)
	},
}

var inspectLogOpts struct {
	stream string
	entity string
}

var inspectLogCmd = &cobra.Command{
	Use:   "log <peer-dir>",
	Short: "Print transition or lifecycle events as JSON lines",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		stream := inspectLogOpts.stream
		if stream != "transitions" && stream != "lifecycle" {
			return fmt.Errorf("--stream must be transitions or lifecycle, got %q", stream)
		}
		return dumpLog(cmd.OutOrStdout(), filepath.Join(args[0], "events"), stream, inspectLogOpts.entity)
	},
}

var inspectIndexOpts struct {
	entity string
	limit  int
}

var inspectIndexCmd = &cobra.Command{
	Use:   "index <peer-dir> [transitions|lifecycle|snapshot]",
	Short: "Query the peer's sqlite index",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		q := "transitions"
		if len(args) == 2 {
			q = args[1]
		}
		path := filepath.Join(args[0], "index", "peer.sqlite")
		if _, err := os.Stat(path); err != nil {
			return err
		}
		idx, err := indexdb.OpenSQLite(path)
		if err != nil {
			return err
		}
		defer idx.Close()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		out := cmd.OutOrStdout()
		switch q {
		case "transitions":
			evs, err := idx.Transitions(ctx, inspectIndexOpts.entity, inspectIndexOpts.limit)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				if err := printJSONLine(out, ev); err != nil {
					return err
				}
			}
		case "lifecycle":
			if inspectIndexOpts.entity == "" {
				return fmt.Errorf("lifecycle needs --entity")
			}
			evs, err := idx.Lifecycle(ctx, inspectIndexOpts.entity)
			if err != nil {
				return err
			}
			for _, ev := range evs {
				if err := printJSONLine(out, ev); err != nil {
					return err
				}
			}
		case "snapshot":
			si, ok, err := idx.LatestSnapshot(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("no snapshots recorded")
			}
			return printJSON(out, si)
		default:
			return fmt.Errorf("unknown query %q", q)
		}
		return nil
	},
}

var inspectAuditStrict bool

var inspectAuditCmd = &cobra.Command{
	Use:   "audit <peer-dir>...",
	Short: "Cross-check authority transitions logged by several peers",
	Long: `audit reads the transition logs of every given peer data dir and reports
any (entity, term) pair that two peers recorded with different holders.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := auditTransitions(args)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		for _, c := range rep.Conflicts {
			if err := printJSONLine(out, c); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "audit: peers=%d events=%d entities=%d terms=%d conflicts=%d\n",
			len(args), rep.Events, rep.Entities, rep.Terms, len(rep.Conflicts))
		if inspectAuditStrict && len(rep.Conflicts) > 0 {
			return fmt.Errorf("%d conflicting terms", len(rep.Conflicts))
		}
		return nil
	},
}

func init() {
	inspectSnapshotCmd.Flags().BoolVar(&inspectSnapshotOpts.headerOnly, "header", false, "print only the header")
	inspectSnapshotCmd.Flags().StringVar(&inspectSnapshotOpts.entityType, "type", "", "only entities of this type")
	inspectLogCmd.Flags().StringVar(&inspectLogOpts.stream, "stream", "transitions", "transitions or lifecycle")
	inspectLogCmd.Flags().StringVar(&inspectLogOpts.entity, "entity", "", "entity id filter")
	inspectIndexCmd.Flags().StringVar(&inspectIndexOpts.entity, "entity", "", "entity id filter")
	inspectIndexCmd.Flags().IntVar(&inspectIndexOpts.limit, "limit", 100, "result limit (transitions)")
	inspectAuditCmd.Flags().BoolVar(&inspectAuditStrict, "strict", false, "exit non-zero on any conflict")

	inspectCmd.AddCommand(inspectSnapshotCmd)
	inspectCmd.AddCommand(inspectLogCmd)
	inspectCmd.AddCommand(inspectIndexCmd)
	inspectCmd.AddCommand(inspectAuditCmd)
}

func dumpLog(out io.Writer, dir, stream, entity string) error {
	files, err := persistlog.Files(dir, stream)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no %s logs under %s", stream, dir)
	}
	for _, f := range files {
		err := persistlog.ReadLines(f, func(line json.RawMessage) error {
			if entity != "" {
				var head struct {
					EntityID string `json:"entity_id"`
				}
				if err := json.Unmarshal(line, &head); err != nil || head.EntityID != entity {
					return nil
				}
			}
			_, err := fmt.Fprintln(out, string(line))
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// latestSnapshot returns the highest-tick snapshot under <peerDir>/snapshots.
func latestSnapshot(peerDir string) string {
	dir := filepath.Join(peerDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printJSONLine(out io.Writer, v any) error {
	return json.NewEncoder(out).Encode(v)
}

type termConflict struct {
	EntityID string            `json:"entity_id"`
	Term     uint64            `json:"term"`
	Holders  map[string]string `json:"holders"` // logging peer -> holder
}

type auditReport struct {
	Events    int
	Entities  int
	Terms     int
	Conflicts []termConflict
}

// auditTransitions groups every logged transition by (entity, term). A term
// has exactly one holder mesh-wide once the mesh has converged, so any pair
// with two holders is reported.
func auditTransitions(peerDirs []string) (auditReport, error) {
	type key struct {
		id   string
		term uint64
	}
	seen := map[key]map[string]string{}
	entities := map[string]bool{}
	var rep auditReport
	for _, dir := range peerDirs {
		files, err := persistlog.Files(filepath.Join(dir, "events"), "transitions")
		if err != nil {
			return rep, err
		}
		for _, f := range files {
			err := persistlog.ReadLines(f, func(line json.RawMessage) error {
				var ev replication.TransitionEvent
				if err := json.Unmarshal(line, &ev); err != nil {
					return fmt.Errorf("%s: %w", f, err)
				}
				rep.Events++
				entities[ev.EntityID] = true
				k := key{ev.EntityID, ev.Term}
				if seen[k] == nil {
					seen[k] = map[string]string{}
				}
				seen[k][ev.Peer] = ev.To
				return nil
			})
			if err != nil {
				return rep, err
			}
		}
	}
	rep.Entities = len(entities)
	rep.Terms = len(seen)
	for k, holders := range seen {
		first := ""
		for _, h := range holders {
			if first == "" {
				first = h
			} else if h != first {
				rep.Conflicts = append(rep.Conflicts, termConflict{EntityID: k.id, Term: k.term, Holders: holders})
				break
			}
		}
	}
	sort.Slice(rep.Conflicts, func(i, j int) bool {
		a, b := rep.Conflicts[i], rep.Conflicts[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Term < b.Term
	})
	return rep, nil
}
