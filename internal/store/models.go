package store

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ControlHistoryRecord is the durable audit fact for one dispatch attempt.
// Append-only: rows are never updated or deleted here (retention is an admin
// concern elsewhere). Exactly one row exists per attempt, successful or not,
// and the error message always reflects the real transport outcome even when
// the caller-facing response was softened.
type ControlHistoryRecord struct {
	ID           uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	GreenhouseID string         `gorm:"index:idx_greenhouse_ts,priority:1" json:"greenhouse_id"`
	ControlKey   string         `gorm:"index" json:"control_key"`
	ControlName  string         `json:"control_name"`
	Action       string         `json:"action"`
	Value        string         `json:"value"`
	Source       string         `json:"source"`
	ActorID      *uuid.UUID     `gorm:"type:uuid" json:"actor_id,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Params       datatypes.JSON `json:"params,omitempty"`
	CreatedAt    time.Time      `gorm:"index:idx_greenhouse_ts,priority:2" json:"created_at"`
}
