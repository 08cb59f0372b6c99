package casstore

import (
	"fmt"
	"sort"
)

// Merger resolves a version conflict by combining the stored content with the
// content the caller tried to write. Implementations must be deterministic.
type Merger interface {
	Name() string
	Merge(current, incoming []Item) []Item
}

// Named strategies.
const (
	MergeAppendLog    = "append_log"
	MergeKeepIncoming = "keep_incoming"
)

var (
	// AppendLog unions both sides by item ID (first occurrence wins) and orders the
	// result by (Timestamp, Seq, ID). Merging is idempotent and order-independent,
	// so racing appenders converge on the same log.
	AppendLog Merger = appendLogMerger{}

	// KeepIncoming discards the stored content and retries with the caller's content.
	KeepIncoming Merger = keepIncomingMerger{}
)

// MergerByName resolves a configured strategy name. The empty name means no merging.
func MergerByName(name string) (Merger, error) {
	switch name {
	case "":
		return nil, nil
	case MergeAppendLog:
		return AppendLog, nil
	case MergeKeepIncoming:
		return KeepIncoming, nil
	default:
		return nil, fmt.Errorf("unknown merge strategy: %q", name)
	}
}

type appendLogMerger struct{}

func (appendLogMerger) Name() string { return MergeAppendLog }

func (appendLogMerger) Merge(current, incoming []Item) []Item {
	seen := make(map[string]struct{}, len(current)+len(incoming))
	merged := make([]Item, 0, len(current)+len(incoming))

	for _, side := range [][]Item{current, incoming} {
		for _, it := range side {
			if _, dup := seen[it.ID]; dup {
				continue
			}
			seen[it.ID] = struct{}{}
			merged = append(merged, it)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.Seq != b.Seq {
			return a.Seq < b.Seq
		}
		return a.ID < b.ID
	})

	return merged
}

type keepIncomingMerger struct{}

func (keepIncomingMerger) Name() string { return MergeKeepIncoming }

func (keepIncomingMerger) Merge(_, incoming []Item) []Item {
	out := make([]Item, len(incoming))
	copy(out, incoming)
	return out
}
