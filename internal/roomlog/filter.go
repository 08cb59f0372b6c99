// Package roomlog filters and renders a room's committed result log for the CLI.
package roomlog

import (
	"path/filepath"
	"time"

	"github.com/dyluth/warren/internal/broker"
)

// Criteria selects result records. All set fields must match.
type Criteria struct {
	Since   time.Time // ProcessedAt lower bound, zero = open
	Until   time.Time // ProcessedAt upper bound, zero = open
	Sender  string    // exact sender match
	Channel string    // glob on channel, e.g. "alerts.*"
	Limit   int       // keep the last Limit matches, 0 = all
}

// Matches reports whether rec satisfies every criterion except Limit.
func (c *Criteria) Matches(rec *broker.ResultRecord) bool {
	if !c.Since.IsZero() && rec.ProcessedAt.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && rec.ProcessedAt.After(c.Until) {
		return false
	}
	if c.Sender != "" && rec.Sender != c.Sender {
		return false
	}
	if c.Channel != "" {
		matched, err := filepath.Match(c.Channel, rec.Channel)
		if err != nil || !matched {
			return false
		}
	}
	return true
}

// HasFilters reports whether any criterion is set.
func (c *Criteria) HasFilters() bool {
	return !c.Since.IsZero() || !c.Until.IsZero() || c.Sender != "" || c.Channel != "" || c.Limit > 0
}

// Apply returns the matching records in log order, trimmed to the last Limit.
func (c *Criteria) Apply(records []*broker.ResultRecord) []*broker.ResultRecord {
	out := make([]*broker.ResultRecord, 0, len(records))
	for _, rec := range records {
		if c.Matches(rec) {
			out = append(out, rec)
		}
	}
	if c.Limit > 0 && len(out) > c.Limit {
		out = out[len(out)-c.Limit:]
	}
	return out
}
