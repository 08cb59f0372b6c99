package casstore

import "fmt"

// Key helpers
//
// Logical keys are backend-independent ("room:<id>"). RedisBackend additionally
// namespaces them per instance so several deployments can share one Redis server.
//
// Logical key pattern: room:{room_id}
// Redis key pattern:   warren:{namespace}:room:{room_id}

// RoomKey returns the logical key of a room's log.
func RoomKey(roomID string) string {
	return fmt.Sprintf("room:%s", roomID)
}

// RedisKey returns the physical Redis key for a logical key.
// Pattern: warren:{namespace}:{key}
func RedisKey(namespace, key string) string {
	return fmt.Sprintf("warren:%s:%s", namespace, key)
}
