package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/ingest"
	"github.com/dyluth/warren/internal/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
)

type sendOptions struct {
	id      string
	sender  string
	channel string
	meta    map[string]string
	via     string
	server  string
	wait    bool
	timeout time.Duration
}

func newSendCmd(g *globalOptions) *cobra.Command {
	so := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send <room> [payload]",
		Short: "Send a message to a room",
		Long: `Send a message to a room of a running instance.

The payload is used as-is when it is valid JSON and sent as a JSON string
otherwise. Use "-" to read it from stdin.

By default the message is posted to the HTTP API (--server). With --via redis
it is published on the instance's inbound channel, using redis_url and
instance from the config file.`,
		Example: `  warren send general '{"text":"hello"}' --sender alice
  warren send general "plain text" --wait
  echo '{"text":"hi"}' | warren send general - --via redis`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := newPrinter(cmd)

			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
				if args[1] == "-" {
					var err error
					if raw, err = io.ReadAll(cmd.InOrStdin()); err != nil {
						return p.Error("Failed to read payload", err.Error(), nil)
					}
				}
			}
			msg := &broker.Message{
				ID:       so.id,
				RoomID:   args[0],
				Channel:  so.channel,
				Sender:   so.sender,
				Payload:  payloadJSON(raw),
				Metadata: so.meta,
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), so.timeout)
			defer cancel()

			switch so.via {
			case "http":
				return sendHTTP(ctx, cmd, so, msg)
			case "redis":
				if so.wait {
					return p.Error("--wait is not supported with --via redis",
						"Outcomes of published messages are reported on the rejections channel.", nil)
				}
				return sendRedis(ctx, cmd, g, msg)
			default:
				return p.Error(fmt.Sprintf("Unknown transport %q", so.via), "", nil, "Use --via http or --via redis")
			}
		},
	}

	f := cmd.Flags()
	f.StringVar(&so.id, "id", "", "Message ID (generated when empty)")
	f.StringVar(&so.sender, "sender", "", "Sender name")
	f.StringVar(&so.channel, "channel", "", "Channel the message arrived on")
	f.StringToStringVar(&so.meta, "meta", nil, "Metadata key=value pairs")
	f.StringVar(&so.via, "via", "http", "Transport: http or redis")
	f.StringVar(&so.server, "server", "http://localhost:8080", "Base URL of the instance HTTP API")
	f.BoolVar(&so.wait, "wait", false, "Wait until the message is committed (http only)")
	f.DurationVar(&so.timeout, "timeout", 30*time.Second, "Request timeout")
	return cmd
}

// payloadJSON keeps valid JSON and quotes anything else.
func payloadJSON(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return json.RawMessage(raw)
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func sendHTTP(ctx context.Context, cmd *cobra.Command, so *sendOptions, msg *broker.Message) error {
	p := newPrinter(cmd)
	client, err := newAPIClient(so.server, so.timeout)
	if err != nil {
		return p.Error("Invalid server URL", err.Error(), nil)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return p.Error("Failed to encode message", err.Error(), nil)
	}
	path := "/rooms/" + url.PathEscape(msg.RoomID) + "/messages"
	if so.wait {
		path += "?wait=true"
	}

	var resp server.AcceptedResponse
	status, err := client.do(ctx, http.MethodPost, path, bytes.NewReader(body), &resp,
		http.StatusUnprocessableEntity, http.StatusGatewayTimeout)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusTooManyRequests {
			return p.Error("Room queue is full", apiErr.Description, map[string]string{"room": msg.RoomID},
				"Retry later; the room is applying backpressure")
		}
		return p.Error("Failed to send message", err.Error(), map[string]string{"server": so.server})
	}

	if resp.Status == "failed" {
		return p.Error("Message failed", resp.Error, map[string]string{
			"room":       resp.RoomID,
			"seq":        fmt.Sprint(resp.Seq),
			"message_id": resp.MessageID,
			"status":     fmt.Sprint(status),
		})
	}
	p.Success("%s %s#%d (message %s)\n", resp.Status, resp.RoomID, resp.Seq, resp.MessageID)
	return nil
}

func sendRedis(ctx context.Context, cmd *cobra.Command, g *globalOptions, msg *broker.Message) error {
	p := newPrinter(cmd)
	cfg, err := loadConfig(cmd, g)
	if err != nil {
		return err
	}
	opts, err := cfg.RedisOptions()
	if err != nil {
		return p.Error("Redis is not configured", err.Error(), nil, "Set redis_url in warren.yml or REDIS_URL")
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	n, err := ingest.Publish(ctx, rdb, cfg.Instance, msg)
	if err != nil {
		return p.Error("Failed to publish message", err.Error(), map[string]string{"instance": cfg.Instance})
	}
	if n == 0 {
		p.Warning("Published to %s but no instance is subscribed\n", ingest.InboundChannel(cfg.Instance))
		return nil
	}
	p.Success("Published to %s\n", ingest.InboundChannel(cfg.Instance))
	return nil
}
