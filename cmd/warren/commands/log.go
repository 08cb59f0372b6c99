package commands

import (
	"fmt"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/roomlog"
	"github.com/spf13/cobra"
)

type logOptions struct {
	output  string
	since   string
	until   string
	sender  string
	channel string
	limit   int
	now     func() time.Time
}

func newLogCmd(g *globalOptions) *cobra.Command {
	lo := &logOptions{now: time.Now}

	cmd := &cobra.Command{
		Use:   "log <room>",
		Short: "Print the committed result log of a room",
		Long: `Print the committed result log of a room, read directly from the configured
store, together with its content version.

Examples:
  warren log general
  warren log general --since 1h --sender alice
  warren log general --channel 'alerts.*' -o jsonl | jq .result`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(cmd, g, lo, args[0])
		},
	}

	cmd.Flags().StringVarP(&lo.output, "output", "o", "table", "Output format: table, json or jsonl")
	cmd.Flags().Bool("json", false, "Shorthand for --output json")
	cmd.Flags().StringVar(&lo.since, "since", "", "Only results processed after this time (duration like 1h or RFC3339)")
	cmd.Flags().StringVar(&lo.until, "until", "", "Only results processed before this time (duration like 1h or RFC3339)")
	cmd.Flags().StringVar(&lo.sender, "sender", "", "Only results for messages from this sender")
	cmd.Flags().StringVar(&lo.channel, "channel", "", "Only results whose channel matches this glob")
	cmd.Flags().IntVarP(&lo.limit, "limit", "n", 0, "Show only the last N results")
	return cmd
}

func runLog(cmd *cobra.Command, g *globalOptions, lo *logOptions, room string) error {
	p := newPrinter(cmd)
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		lo.output = "json"
	}
	switch lo.output {
	case "table", "json", "jsonl":
	default:
		return p.Error("Unknown output format", fmt.Sprintf("%q is not supported.", lo.output), nil,
			"Use --output table, --output json or --output jsonl")
	}

	now := lo.now()
	since, until, err := roomlog.ParseRange(lo.since, lo.until, now)
	if err != nil {
		return p.Error("Invalid time range", err.Error(), nil,
			"Use a duration like 30m or an RFC3339 timestamp like 2026-10-16T13:00:00Z")
	}
	criteria := roomlog.Criteria{
		Since:   since,
		Until:   until,
		Sender:  lo.sender,
		Channel: lo.channel,
		Limit:   lo.limit,
	}

	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	store, _, err := openStore(cfg)
	if err != nil {
		return p.Error("Failed to open store", err.Error(), map[string]string{"backend": cfg.Store.Backend})
	}
	defer store.Close()

	log, err := broker.ReadRoomLog(cmd.Context(), store, room)
	if err != nil {
		return p.Error("Failed to read room log", err.Error(), map[string]string{"room": room})
	}
	records := criteria.Apply(log.Records)

	switch lo.output {
	case "json":
		return roomlog.FormatJSON(p.Out(), log, records)
	case "jsonl":
		return roomlog.FormatJSONL(p.Out(), records)
	}
	roomlog.FormatTable(p.Out(), log, records, now)
	return nil
}
