package domain

import "time"

// Run is one persisted economy timeline.
type Run struct {
	ID         string    `json:"id"`
	Company    string    `json:"company"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	ConfigYAML string    `json:"-"`
}

// Event is an entry of the operation log kept alongside a run.
type Event struct {
	ID         int64     `json:"id"`
	TS         time.Time `json:"ts"`
	RunID      string    `json:"run_id"`
	Type       string    `json:"type"`
	EntityKind string    `json:"entity_kind"`
	EntityID   string    `json:"entity_id,omitempty"`
	ActorID    string    `json:"actor_id"`
	Payload    string    `json:"payload"`
}
