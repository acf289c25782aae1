package wal

import (
	"encoding/json"

	"github.com/ChuLiYu/nrunner/pkg/types"
)

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the on-disk record of an accepted status message
// ============================================================================

// Event represents one archived status message
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	TaskID    types.TaskID    `json:"task_id"`   // Task the message belongs to
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp when archived
	Message   json.RawMessage `json:"message"`   // Raw message line as received from the worker
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum
}

// EventHandler is the function type for processing journal events
// Used during Replay to feed messages back into a status repository
type EventHandler func(event Event) error
