// Package eventbus publishes task/lease state transitions to subscribers
// of the optional websocket feed (spec §6.2 "GET /api/ws/events"). It is
// adapted from the teacher's internal/events pub/sub bus: same
// Subscription/backpressure shape, retargeted from agent-to-agent
// messaging onto task lifecycle notifications. It never carries task
// output — that stays in the Result payload returned by complete/fail.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the lifecycle transition an Event reports.
type Kind string

const (
	TaskQueued     Kind = "task_queued"
	TaskClaimed    Kind = "task_claimed"
	TaskCompleted  Kind = "task_completed"
	TaskFailed     Kind = "task_failed"
	TaskRequeued   Kind = "task_requeued"
	LeaseExtended  Kind = "lease_extended"
	LeaseExpired   Kind = "lease_expired"
	ProjectClosed  Kind = "project_closed"
)

// AllKinds returns every defined event kind, used to validate subscription filters.
func AllKinds() []Kind {
	return []Kind{TaskQueued, TaskClaimed, TaskCompleted, TaskFailed, TaskRequeued, LeaseExtended, LeaseExpired, ProjectClosed}
}

// Event is one lifecycle transition, scoped to a single project.
type Event struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	ProjectID string         `json:"projectId"`
	TaskID    string         `json:"taskId,omitempty"`
	AgentName string         `json:"agentName,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// New builds an Event with a generated ID and current timestamp.
func New(kind Kind, projectID, taskID, agentName string, detail map[string]any) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Kind:      kind,
		ProjectID: projectID,
		TaskID:    taskID,
		AgentName: agentName,
		Detail:    detail,
		CreatedAt: time.Now(),
	}
}
