// Package watch streams room activity to a terminal: newly committed results,
// found by polling the room log, and ingest rejections, received over pub/sub.
package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dyluth/warren/internal/broker"
	"github.com/dyluth/warren/internal/ingest"
	"github.com/dyluth/warren/pkg/casstore"
	"github.com/fatih/color"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// DefaultPollInterval is how often the room log is re-read.
const DefaultPollInterval = 500 * time.Millisecond

// OutputFormat selects how events are rendered.
type OutputFormat string

const (
	OutputFormatDefault OutputFormat = "default"
	OutputFormatJSON    OutputFormat = "json"
)

// ParseOutputFormat validates a --output value.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputFormatDefault, "":
		return OutputFormatDefault, nil
	case OutputFormatJSON:
		return OutputFormatJSON, nil
	}
	return "", fmt.Errorf("unknown output format %q (valid formats: default, json)", s)
}

// Event kinds.
const (
	KindResult    = "result"
	KindRejection = "rejection"
)

// Event is one line of watch output.
type Event struct {
	Kind      string               `json:"event"`
	Result    *broker.ResultRecord `json:"result,omitempty"`
	Rejection *ingest.Rejection    `json:"rejection,omitempty"`
}

// Writer renders events. It is safe for concurrent use so results and rejections
// can share one output.
type Writer struct {
	mu     sync.Mutex
	w      io.Writer
	format OutputFormat
}

// NewWriter returns a Writer for format.
func NewWriter(w io.Writer, format OutputFormat) *Writer {
	return &Writer{w: w, format: format}
}

// Write renders ev as a single line.
func (w *Writer) Write(ev Event) error {
	var line string
	if w.format == OutputFormatJSON {
		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event: %w", err)
		}
		line = string(data)
	} else {
		line = formatEvent(ev)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := fmt.Fprintln(w.w, line)
	return err
}

func formatEvent(ev Event) string {
	switch {
	case ev.Result != nil:
		r := ev.Result
		from := ""
		if r.Sender != "" {
			from = " from " + r.Sender
		}
		return fmt.Sprintf("[%s] %s %s#%d processed (message %s%s)",
			r.ProcessedAt.Local().Format(time.TimeOnly),
			color.GreenString("✓"), r.RoomID, r.Seq, r.MessageID, from)
	case ev.Rejection != nil:
		rj := ev.Rejection
		where := rj.RoomID
		if rj.Seq > 0 {
			where = fmt.Sprintf("%s#%d", rj.RoomID, rj.Seq)
		}
		if where == "" {
			where = "-"
		}
		return fmt.Sprintf("[%s] %s %s rejected: %s (message %s): %s",
			rj.At.Local().Format(time.TimeOnly),
			color.RedString("✗"), where, rj.Reason, orDash(rj.MessageID), rj.Error)
	}
	return fmt.Sprintf("[%s] unknown event", ev.Kind)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// PollRoomLog re-reads the room log every interval and calls emit for each record
// with a sequence above after, in sequence order. It returns nil when ctx ends.
func PollRoomLog(ctx context.Context, store *casstore.Store, roomID string, after int64,
	interval time.Duration, clock clockwork.Clock, emit func(*broker.ResultRecord) error) error {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	var lastVersion string
	for {
		log, err := broker.ReadRoomLog(ctx, store, roomID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to read room %s: %w", roomID, err)
		}
		if log.Version != lastVersion {
			lastVersion = log.Version
			records := log.Records
			sort.SliceStable(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
			for _, rec := range records {
				if rec.Seq <= after {
					continue
				}
				if err := emit(rec); err != nil {
					return err
				}
				after = rec.Seq
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
	}
}

// StreamRejections calls emit for every rejection published on pubsub, optionally
// limited to one room. Malformed payloads are skipped. It returns nil when ctx ends.
func StreamRejections(ctx context.Context, pubsub *redis.PubSub, roomID string, emit func(*ingest.Rejection) error) error {
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var rj ingest.Rejection
			if err := json.Unmarshal([]byte(msg.Payload), &rj); err != nil {
				continue
			}
			if roomID != "" && rj.RoomID != roomID {
				continue
			}
			if err := emit(&rj); err != nil {
				return err
			}
		}
	}
}
