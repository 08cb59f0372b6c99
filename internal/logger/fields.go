package logger

import (
	"go.uber.org/zap"
)

// Event names the occurrence being logged, e.g. "batch_committed".
func Event(v string) zap.Field {
	return zap.String("event_type", v)
}

// Component identifies the emitting subsystem.
func Component(v string) zap.Field {
	return zap.String("component", v)
}

// RoomID identifies a room.
func RoomID(v string) zap.Field {
	return zap.String("room_id", v)
}

// Seq is a room-local sequence number.
func Seq(v int64) zap.Field {
	return zap.Int64("seq", v)
}

// MessageID identifies an inbound message.
func MessageID(v string) zap.Field {
	return zap.String("message_id", v)
}

// TaskID identifies a coordinator task.
func TaskID(v string) zap.Field {
	return zap.String("task_id", v)
}

// Owner identifies a task owner.
func Owner(v string) zap.Field {
	return zap.String("owner", v)
}

// Key is a store key.
func Key(v string) zap.Field {
	return zap.String("key", v)
}

// Version is a short form of a store version token.
func Version(v string) zap.Field {
	if len(v) > 12 {
		v = v[:12]
	}
	return zap.String("version", v)
}

// BatchSize is the number of items in a commit batch.
func BatchSize(v int) zap.Field {
	return zap.Int("batch_size", v)
}
