package casstore

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

var (
	// ErrNotFound is returned by Read and Backend.Load for keys that were never written.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is matched by every *ConflictError.
	ErrVersionConflict = errors.New("version conflict")

	// ErrWriteFailed means a merging write ran out of retries.
	ErrWriteFailed = errors.New("write failed")

	// ErrIO wraps backend read/write failures.
	ErrIO = errors.New("storage i/o error")

	// ErrInvalidItem is returned when content contains an item without an ID.
	ErrInvalidItem = errors.New("invalid item")
)

// Item is a single entry in a room log. Data is opaque to the store; ID, Timestamp
// and Seq are what merge strategies use for identity and ordering.
type Item struct {
	ID        string          `json:"id"`            // Unique identity, used for deduplication
	Timestamp int64           `json:"ts"`            // Unix milliseconds
	Seq       int64           `json:"seq,omitempty"` // Room-local sequence number, ordering tiebreak
	Data      json.RawMessage `json:"data,omitempty"`
}

// Record is the versioned content stored under one key.
type Record struct {
	Key     string `json:"key"`
	Content []Item `json:"content"`
	Version string `json:"version"`
}

// WriteResult describes a successful WriteCAS.
type WriteResult struct {
	Version  string // Version of the content now stored
	Content  []Item // Content now stored (differs from the input when Merged)
	Attempts int    // Number of compare-and-set attempts made
	Merged   bool   // True if at least one conflict was resolved by the merger
}

// ConflictError reports a compare-and-set against a stale version.
type ConflictError struct {
	Key      string
	Expected string
	Current  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s: expected %q, current %q", e.Key, shortVersion(e.Expected), shortVersion(e.Current))
}

// Is makes errors.Is(err, ErrVersionConflict) true for conflicts.
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// Validate checks that the item can be merged by identity.
func (it Item) Validate() error {
	if it.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidItem)
	}
	return nil
}

// Encode returns the canonical JSON encoding of content. A nil slice encodes as "[]"
// so that empty and nil content share a version.
func Encode(content []Item) ([]byte, error) {
	if content == nil {
		content = []Item{}
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode content: %w", err)
	}
	return data, nil
}

// Decode parses content previously produced by Encode.
func Decode(data []byte) ([]Item, error) {
	var content []Item
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, fmt.Errorf("failed to decode content: %w", err)
	}
	if content == nil {
		content = []Item{}
	}
	return content, nil
}

// Version computes the version token for content.
func Version(content []Item) (string, error) {
	data, err := Encode(content)
	if err != nil {
		return "", err
	}
	return versionOf(data), nil
}

func versionOf(encoded []byte) string {
	sum := blake3.Sum256(encoded)
	return hex.EncodeToString(sum[:])
}

func shortVersion(v string) string {
	if len(v) > 12 {
		return v[:12]
	}
	return v
}

// IsNotFound returns true if err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsConflict returns true if err is (or wraps) a version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}
