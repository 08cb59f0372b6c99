package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/dyluth/warren/internal/server"
	"github.com/spf13/cobra"
)

func newStatsCmd() *cobra.Command {
	var (
		serverURL string
		asJSON    bool
		timeout   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show room, task and store statistics of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			client, err := newAPIClient(serverURL, timeout)
			if err != nil {
				return p.Error("Invalid server URL", err.Error(), nil)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			var stats server.StatsResponse
			if _, err := client.do(ctx, http.MethodGet, "/stats", nil, &stats); err != nil {
				return p.Error("Failed to fetch stats", err.Error(), map[string]string{"server": serverURL},
					"Check that 'warren serve' is running", "Pass --server with the instance's address")
			}

			if asJSON {
				enc := json.NewEncoder(p.Out())
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			printStats(cmd, &stats)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "Base URL of the instance HTTP API")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Request timeout")
	return cmd
}

func printStats(cmd *cobra.Command, stats *server.StatsResponse) {
	p := newPrinter(cmd)

	if len(stats.Rooms) == 0 {
		p.Muted("No active rooms\n")
	} else {
		rooms := make([]string, 0, len(stats.Rooms))
		for room := range stats.Rooms {
			rooms = append(rooms, room)
		}
		sort.Strings(rooms)

		rows := make([][]string, 0, len(rooms))
		for _, room := range rooms {
			s := stats.Rooms[room]
			rows = append(rows, []string{
				room,
				string(s.State),
				fmt.Sprint(s.QueueDepth),
				fmt.Sprint(s.Received),
				fmt.Sprint(s.Processed),
				fmt.Sprint(s.Failed),
				fmt.Sprint(s.CommitFailed),
				fmt.Sprint(s.LastSeq),
			})
		}
		p.Table([]string{"ROOM", "STATE", "DEPTH", "RECEIVED", "PROCESSED", "FAILED", "COMMIT_FAILED", "LAST_SEQ"}, rows)
	}

	if c := stats.Coordinator; c != nil {
		p.Info("\nTasks: %d tracked, %d active owners, %d reassignments", c.Tasks, c.ActiveOwners, c.Reassignments)
		if len(c.Poisoned) > 0 {
			p.Info(", %d poisoned", len(c.Poisoned))
		}
		p.Info("\n")
	}
	if s := stats.Store; s != nil {
		p.Info("Store: %d writes, %d conflicts, %d merges, %d failures\n", s.Writes, s.Conflicts, s.Merges, s.Failures)
	}
	if i := stats.Ingest; i != nil {
		p.Info("Ingest: %d received, %d routed, %d duplicates, %d rejected\n", i.Received, i.Routed, i.Duplicates, i.Rejected)
	}
}
