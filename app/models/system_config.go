package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SystemConfig stores small JSON documents keyed by name (polling checkpoints, operator flags).
type SystemConfig struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Key       string    `gorm:"column:config_key;size:191;not null;uniqueIndex" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CheckpointKey returns the system config key that holds a provider's polling cursor.
func CheckpointKey(provider string) string {
	return "checkpoint:" + provider
}

// Checkpoint is the newest (timestamp, id) already ingested from a provider.
type Checkpoint struct {
	Timestamp time.Time `json:"timestamp"`
	ID        string    `json:"id"`
}

// IsZero reports whether the checkpoint was never seeded.
func (c Checkpoint) IsZero() bool {
	return c.Timestamp.IsZero() && c.ID == ""
}

// After reports whether c is strictly greater than other under (timestamp, id) ordering.
func (c Checkpoint) After(other Checkpoint) bool {
	return CompareCursor(c, other) > 0
}

// String formats the checkpoint for logs.
func (c Checkpoint) String() string {
	return fmt.Sprintf("(%s, %s)", c.Timestamp.UTC().Format(time.RFC3339Nano), c.ID)
}

// Encode serializes the checkpoint for storage in SystemConfig.Value.
func (c Checkpoint) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeCheckpoint parses a stored checkpoint.
func DecodeCheckpoint(value string) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal([]byte(value), &c); err != nil {
		return Checkpoint{}, fmt.Errorf("invalid checkpoint %q: %w", value, err)
	}
	return c, nil
}

// CompareCursor orders two cursors by timestamp, then by id. Ids compare
// numerically when both parse as integers, otherwise lexically.
func CompareCursor(a, b Checkpoint) int {
	if !a.Timestamp.Equal(b.Timestamp) {
		if a.Timestamp.Before(b.Timestamp) {
			return -1
		}
		return 1
	}
	return CompareIDs(a.ID, b.ID)
}

// CompareIDs compares provider payment ids.
func CompareIDs(a, b string) int {
	ai, aerr := strconv.ParseInt(a, 10, 64)
	bi, berr := strconv.ParseInt(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		default:
			return 0
		}
	}
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
