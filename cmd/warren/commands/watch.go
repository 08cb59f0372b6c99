package commands

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/config"
	"github.com/dyluth/warren/internal/ingest"
	"github.com/dyluth/warren/internal/watch"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

type watchOptions struct {
	output       string
	fromStart    bool
	noRejections bool
	interval     time.Duration

	// onReady is called once the room log baseline is read and rejections are subscribed.
	onReady func()
}

func newWatchCmd(g *globalOptions) *cobra.Command {
	wo := &watchOptions{}

	cmd := &cobra.Command{
		Use:   "watch <room>",
		Short: "Stream room activity as it happens",
		Long: `Stream results committed to a room and, when redis_url is configured, the
rejections published by the instance's inbound adapter.

Output Formats:
  default - Human-readable lines with timestamps
  json    - Line-delimited JSON for programmatic processing

Examples:
  warren watch general
  warren watch general --from-start --output=json > events.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)
			format, err := watch.ParseOutputFormat(wo.output)
			if err != nil {
				return p.Error("Unknown output format", err.Error(), nil, "Use --output default or --output json")
			}
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := runWatch(ctx, cfg, args[0], watch.NewWriter(p.Out(), format), wo); err != nil {
				return p.Error("Watch failed", err.Error(), map[string]string{"room": args[0]})
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&wo.output, "output", "o", "default", "Output format (default or json)")
	cmd.Flags().BoolVar(&wo.fromStart, "from-start", false, "Replay results already in the log before streaming")
	cmd.Flags().BoolVar(&wo.noRejections, "no-rejections", false, "Do not subscribe to rejection events")
	cmd.Flags().DurationVar(&wo.interval, "interval", watch.DefaultPollInterval, "Room log poll interval")
	return cmd
}

func runWatch(ctx context.Context, cfg *config.Config, room string, w *watch.Writer, wo *watchOptions) error {
	store, _, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	var after int64
	if !wo.fromStart {
		log, err := broker.ReadRoomLog(ctx, store, room)
		if err != nil {
			return err
		}
		for _, rec := range log.Records {
			after = max(after, rec.Seq)
		}
	}

	var pubsub *redis.PubSub
	if cfg.RedisURL != "" && !wo.noRejections {
		opts, err := cfg.RedisOptions()
		if err != nil {
			return err
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if pubsub, err = ingest.SubscribeRejections(ctx, rdb, cfg.Instance); err != nil {
			return err
		}
		defer pubsub.Close()
	}
	if wo.onReady != nil {
		wo.onReady()
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return watch.PollRoomLog(ctx, store, room, after, wo.interval, nil, func(rec *broker.ResultRecord) error {
			return w.Write(watch.Event{Kind: watch.KindResult, Result: rec})
		})
	})
	if pubsub != nil {
		g.Go(func() error {
			return watch.StreamRejections(ctx, pubsub, room, func(rj *ingest.Rejection) error {
				return w.Write(watch.Event{Kind: watch.KindRejection, Rejection: rj})
			})
		})
	}
	return g.Wait()
}
