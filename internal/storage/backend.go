// Package storage defines the capability contract every backend (file,
// mongodb, redis) must satisfy with identical atomic semantics (spec §4.1).
package storage

import (
	"context"
	"time"

	"github.com/taskforge/engine/internal/domain"
)

// TaskFilter narrows ListTasks and supports pagination (spec §4.7, S5).
type TaskFilter struct {
	Status TaskStatusFilter
	Limit  int
	Offset int
}

// TaskStatusFilter optionally restricts ListTasks to one status; the zero
// value matches every status.
type TaskStatusFilter struct {
	Set   bool
	Value domain.TaskStatus
}

// Page describes the pagination envelope returned alongside a task list.
type Page struct {
	Total      int  `json:"total"`
	Offset     int  `json:"offset"`
	Limit      int  `json:"limit"`
	RangeStart int  `json:"rangeStart"`
	RangeEnd   int  `json:"rangeEnd"`
	HasMore    bool `json:"hasMore"`
}

// NewPage computes the pagination envelope for a slice of length `returned`
// taken from a universe of `total` items at the given offset/limit.
func NewPage(total, offset, limit, returned int) Page {
	p := Page{Total: total, Offset: offset, Limit: limit}
	if returned > 0 {
		p.RangeStart = offset + 1
		p.RangeEnd = offset + returned
	}
	p.HasMore = p.RangeEnd < total
	return p
}

// Backend is the storage capability contract. Every mutating method that
// touches a task's lease (GetNextTask, CompleteTask, FailTask, ExtendLease)
// MUST be serializable against every other mutation on that same task.
type Backend interface {
	// Projects
	CreateProject(ctx context.Context, p *domain.Project) error
	GetProject(ctx context.Context, id string) (*domain.Project, error)
	UpdateProject(ctx context.Context, id string, mutate func(*domain.Project) error) (*domain.Project, error)
	ListProjects(ctx context.Context, includeClosed bool) ([]*domain.Project, error)
	DeleteProject(ctx context.Context, id string) error
	FindProjectByName(ctx context.Context, name string) (*domain.Project, error)

	// Task types
	CreateTaskType(ctx context.Context, tt *domain.TaskType) error
	GetTaskType(ctx context.Context, projectID, id string) (*domain.TaskType, error)
	ListTaskTypes(ctx context.Context, projectID string) ([]*domain.TaskType, error)
	UpdateTaskType(ctx context.Context, projectID, id string, mutate func(*domain.TaskType) error) (*domain.TaskType, error)
	DeleteTaskType(ctx context.Context, projectID, id string) error
	FindTaskTypeByName(ctx context.Context, projectID, name string) (*domain.TaskType, error)

	// Tasks
	CreateTask(ctx context.Context, t *domain.Task) error
	GetTask(ctx context.Context, projectID, id string) (*domain.Task, error)
	ListTasks(ctx context.Context, projectID string, filter TaskFilter) ([]*domain.Task, int, error)
	FindTaskByFingerprint(ctx context.Context, projectID, typeID, fingerprint string) (*domain.Task, error)

	// Lease engine (the atomic primitives, spec §4.1/§4.5)
	GetNextTask(ctx context.Context, projectID, agentName string) (task *domain.Task, resolvedAgent string, err error)
	CompleteTask(ctx context.Context, projectID, taskID, agentName string, result domain.Result) (*domain.Task, error)
	FailTask(ctx context.Context, projectID, taskID, agentName string, result domain.Result, canRetry bool) (*domain.Task, error)
	ExtendLease(ctx context.Context, projectID, taskID, agentName string, minutes int) (*domain.Task, error)
	CleanupExpiredLeases(ctx context.Context, projectID string) (domain.ReclaimReport, error)
	ListActiveAgents(ctx context.Context, projectID string) ([]domain.Agent, error)
	GetAgentStatus(ctx context.Context, projectID, name string) (*domain.Agent, error)
	GetLeaseStats(ctx context.Context, projectID string) (domain.LeaseStats, error)

	// Sessions
	CreateSession(ctx context.Context, s *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
	UpdateSession(ctx context.Context, id string, mutate func(*domain.Session) error) (*domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*domain.Session, error)
	CleanupExpiredSessions(ctx context.Context) (int, error)

	HealthCheck(ctx context.Context) (healthy bool, message string)
	Close() error
}

// Clock is injected so tests can control "now"; production uses time.Now.
type Clock func() time.Time
