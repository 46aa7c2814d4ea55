package entity

import (
	"encoding/json"
	"time"
)

// PublishedView is the owner's current public rendering source.
type PublishedView struct {
	OwnerID   string          `json:"owner_id"`
	JobID     string          `json:"job_id"`
	Content   json.RawMessage `json:"content"`
	UpdatedAt time.Time       `json:"updated_at"`
}
