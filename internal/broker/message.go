package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dyluth/warren/internal/commit"
	"github.com/dyluth/warren/pkg/casstore"
)

var (
	// ErrNoRoomID is returned when routing a message without a room.
	ErrNoRoomID = errors.New("message has no room_id")

	// ErrQueueFull is returned when a room queue is at capacity. Enqueue never blocks.
	ErrQueueFull = errors.New("room queue full")

	// ErrBrokerStopped is returned by Enqueue after Stop, and resolves receipts
	// cancelled by a shutdown.
	ErrBrokerStopped = errors.New("broker stopped")

	// ErrManagerStopped is returned by RouteMessage after StopAll.
	ErrManagerStopped = errors.New("broker manager stopped")

	// ErrProcessingFailed resolves the receipt of a message whose processor returned an error.
	ErrProcessingFailed = errors.New("processing failed")

	// ErrCommitFailed resolves the receipt of a message whose result could not be persisted.
	ErrCommitFailed = commit.ErrCommitFailed
)

// Message is an inbound chat message. Only RoomID is required.
type Message struct {
	ID       string            `json:"id,omitempty"`
	RoomID   string            `json:"room_id"`
	Channel  string            `json:"channel,omitempty"`
	Sender   string            `json:"sender,omitempty"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// QueuedMessage is a Message accepted by a room broker. It is mutated only by the
// broker's consumer.
type QueuedMessage struct {
	RoomID      string    `json:"room_id"`
	Seq         int64     `json:"seq"`
	Message     Message   `json:"message"`
	ReceivedAt  time.Time `json:"received_at"`
	ClaimedAt   time.Time `json:"claimed_at,omitempty"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`
	ClaimedBy   string    `json:"claimed_by,omitempty"`
}

// Processor handles one message and returns its result. It may be slow and may
// fail; it must honour ctx cancellation to support cooperative shutdown.
type Processor interface {
	Process(ctx context.Context, msg *QueuedMessage) ([]byte, error)
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg *QueuedMessage) ([]byte, error)

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, msg *QueuedMessage) ([]byte, error) {
	return f(ctx, msg)
}

// ResultRecord is the persisted form of a processed message.
type ResultRecord struct {
	MessageID   string          `json:"message_id"`
	RoomID      string          `json:"room_id"`
	Seq         int64           `json:"seq"`
	Channel     string          `json:"channel,omitempty"`
	Sender      string          `json:"sender,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
	ProcessedAt time.Time       `json:"processed_at"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
}

// resultItem builds the log item persisted for a processed message. The message ID
// is the item ID so a replayed result deduplicates under the append-log merge.
func resultItem(qm *QueuedMessage, result []byte) (casstore.Item, error) {
	rec := ResultRecord{
		MessageID:   qm.Message.ID,
		RoomID:      qm.RoomID,
		Seq:         qm.Seq,
		Channel:     qm.Message.Channel,
		Sender:      qm.Message.Sender,
		Payload:     qm.Message.Payload,
		ReceivedAt:  qm.ReceivedAt,
		ProcessedAt: qm.ProcessedAt,
		ClaimedBy:   qm.ClaimedBy,
	}
	if len(result) > 0 {
		if json.Valid(result) {
			rec.Result = json.RawMessage(result)
		} else {
			raw, err := json.Marshal(string(result))
			if err != nil {
				return casstore.Item{}, err
			}
			rec.Result = raw
		}
	}
	if len(rec.Payload) > 0 && !json.Valid(rec.Payload) {
		return casstore.Item{}, fmt.Errorf("payload of message %s is not valid JSON", qm.Message.ID)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return casstore.Item{}, fmt.Errorf("failed to marshal result record: %w", err)
	}
	return casstore.Item{
		ID:        qm.Message.ID,
		Timestamp: qm.ReceivedAt.UnixMilli(),
		Seq:       qm.Seq,
		Data:      data,
	}, nil
}

// DecodeResult parses the data of a persisted log item.
func DecodeResult(item casstore.Item) (*ResultRecord, error) {
	var rec ResultRecord
	if err := json.Unmarshal(item.Data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode result record %s: %w", item.ID, err)
	}
	return &rec, nil
}

// RoomLog is the persisted result log of a room.
type RoomLog struct {
	RoomID  string          `json:"room_id"`
	Version string          `json:"version"`
	Records []*ResultRecord `json:"records"`
}

// ReadRoomLog loads and decodes a room's log. A room that was never written has an
// empty log and an empty version.
func ReadRoomLog(ctx context.Context, store *casstore.Store, roomID string) (*RoomLog, error) {
	if roomID == "" {
		return nil, ErrNoRoomID
	}
	out := &RoomLog{RoomID: roomID, Records: []*ResultRecord{}}

	rec, err := store.Read(ctx, casstore.RoomKey(roomID))
	if casstore.IsNotFound(err) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	out.Version = rec.Version
	for _, item := range rec.Content {
		r, err := DecodeResult(item)
		if err != nil {
			return nil, err
		}
		out.Records = append(out.Records, r)
	}
	return out, nil
}
