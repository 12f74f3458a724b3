package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wildmesh.ai/internal/sim/mathx"
)

var adminURL string

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Call the loopback admin endpoints of a running peer",
}

var adminStateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print peer metrics, connections and known addresses",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd.OutOrStdout(), http.MethodGet, "/admin/v1/state", nil)
	},
}

var adminSnapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Ask the peer to write a registry snapshot now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd.OutOrStdout(), http.MethodPost, "/admin/v1/snapshot", nil)
	},
}

var adminPosCmd = &cobra.Command{
	Use:   "pos x,y,z",
	Short: "Move the peer's local position",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := mathx.ParseVec3(args[0])
		if err != nil {
			return err
		}
		return adminCall(cmd.OutOrStdout(), http.MethodPost, "/admin/v1/pos", map[string]any{"pos": [3]float64(v)})
	},
}

var adminHarvestBy string

var adminHarvestCmd = &cobra.Command{
	Use:   "harvest <entity-id>",
	Short: "Harvest a corpse through the peer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return adminCall(cmd.OutOrStdout(), http.MethodPost, "/admin/v1/harvest", map[string]any{"entity_id": args[0], "by": adminHarvestBy})
	},
}

var (
	adminTransitionsEntity string
	adminTransitionsLimit  int
)

var adminTransitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "List recent authority transitions from the peer's index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path := fmt.Sprintf("/admin/v1/transitions?limit=%d", adminTransitionsLimit)
		if adminTransitionsEntity != "" {
			path += "&entity=" + adminTransitionsEntity
		}
		return adminCall(cmd.OutOrStdout(), http.MethodGet, path, nil)
	},
}

func init() {
	adminCmd.PersistentFlags().StringVar(&adminURL, "url", "http://127.0.0.1:8080", "peer base url")
	adminHarvestCmd.Flags().StringVar(&adminHarvestBy, "by", "", "harvester id (default: the peer)")
	adminTransitionsCmd.Flags().StringVar(&adminTransitionsEntity, "entity", "", "entity id filter")
	adminTransitionsCmd.Flags().IntVar(&adminTransitionsLimit, "limit", 50, "result limit")

	adminCmd.AddCommand(adminStateCmd)
	adminCmd.AddCommand(adminSnapshotCmd)
	adminCmd.AddCommand(adminPosCmd)
	adminCmd.AddCommand(adminHarvestCmd)
	adminCmd.AddCommand(adminTransitionsCmd)
}

func adminCall(out io.Writer, method, path string, body any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	u := strings.TrimRight(strings.TrimSpace(adminURL), "/") + path
	req, err := http.NewRequest(method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	cl := &http.Client{Timeout: 10 * time.Second}
	resp, err := cl.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	fmt.Fprintln(out, strings.TrimSpace(string(b)))
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}
