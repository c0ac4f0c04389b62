// Package domain holds the data model shared by every service: Project,
// TaskType, Task, Attempt, Session, and the derived Agent/Batch views.
package domain

import "time"

type ProjectStatus string

const (
	ProjectActive ProjectStatus = "active"
	ProjectClosed ProjectStatus = "closed"
)

// ProjectConfig holds the per-project defaults new task types inherit.
type ProjectConfig struct {
	DefaultMaxRetries           int `json:"defaultMaxRetries" bson:"defaultMaxRetries" yaml:"defaultMaxRetries"`
	DefaultLeaseDurationMinutes int `json:"defaultLeaseDurationMinutes" bson:"defaultLeaseDurationMinutes" yaml:"defaultLeaseDurationMinutes"`
	ReaperIntervalMinutes       int `json:"reaperIntervalMinutes" bson:"reaperIntervalMinutes" yaml:"reaperIntervalMinutes"`
}

// ProjectStats are derived counts; callers must recompute them on read,
// never trust a stale copy from storage.
type ProjectStats struct {
	Total     int `json:"total" bson:"total"`
	Queued    int `json:"queued" bson:"queued"`
	Running   int `json:"running" bson:"running"`
	Completed int `json:"completed" bson:"completed"`
	Failed    int `json:"failed" bson:"failed"`
}

type Project struct {
	ID           string        `json:"id" bson:"_id"`
	Name         string        `json:"name" bson:"name"`
	Description  string        `json:"description" bson:"description"`
	Instructions string        `json:"instructions,omitempty" bson:"instructions,omitempty"`
	Status       ProjectStatus `json:"status" bson:"status"`
	CreatedAt    time.Time     `json:"createdAt" bson:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt" bson:"updatedAt"`
	Config       ProjectConfig `json:"config" bson:"config"`
	Stats        ProjectStats  `json:"stats" bson:"stats"`
}

type DuplicateHandling string

const (
	DuplicateAllow  DuplicateHandling = "allow"
	DuplicateIgnore DuplicateHandling = "ignore"
	DuplicateFail   DuplicateHandling = "fail"
)

type TaskType struct {
	ID                   string            `json:"id" bson:"_id"`
	ProjectID            string            `json:"projectId" bson:"projectId"`
	Name                 string            `json:"name" bson:"name"`
	Template             string            `json:"template" bson:"template"`
	Variables            []string          `json:"variables" bson:"variables"`
	DuplicateHandling    DuplicateHandling `json:"duplicateHandling" bson:"duplicateHandling"`
	MaxRetries           int               `json:"maxRetries" bson:"maxRetries"`
	LeaseDurationMinutes int               `json:"leaseDurationMinutes" bson:"leaseDurationMinutes"`
	CreatedAt            time.Time         `json:"createdAt" bson:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt" bson:"updatedAt"`
}

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

type AttemptStatus string

const (
	AttemptRunning   AttemptStatus = "running"
	AttemptCompleted AttemptStatus = "completed"
	AttemptFailed    AttemptStatus = "failed"
	AttemptTimeout   AttemptStatus = "timeout"
)

// Result is the outcome payload attached to a completed or failed attempt.
type Result struct {
	Success  bool           `json:"success" bson:"success"`
	Output   string         `json:"output,omitempty" bson:"output,omitempty"`
	Error    string         `json:"error,omitempty" bson:"error,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
}

type Attempt struct {
	ID             string        `json:"id" bson:"id"`
	AgentName      string        `json:"agentName" bson:"agentName"`
	StartedAt      time.Time     `json:"startedAt" bson:"startedAt"`
	CompletedAt    *time.Time    `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	Status         AttemptStatus `json:"status" bson:"status"`
	FailureReason  string        `json:"failureReason,omitempty" bson:"failureReason,omitempty"`
	LeaseExpiresAt time.Time     `json:"leaseExpiresAt" bson:"leaseExpiresAt"`
	Result         *Result       `json:"result,omitempty" bson:"result,omitempty"`
}

type Task struct {
	ID             string            `json:"id" bson:"_id"`
	ProjectID      string            `json:"projectId" bson:"projectId"`
	TypeID         string            `json:"typeId" bson:"typeId"`
	Description    string            `json:"description" bson:"description"`
	Instructions   string            `json:"instructions" bson:"instructions"`
	Variables      map[string]string `json:"variables" bson:"variables"`
	Status         TaskStatus        `json:"status" bson:"status"`
	AssignedTo     string            `json:"assignedTo,omitempty" bson:"assignedTo,omitempty"`
	LeaseExpiresAt *time.Time        `json:"leaseExpiresAt,omitempty" bson:"leaseExpiresAt,omitempty"`
	RetryCount     int               `json:"retryCount" bson:"retryCount"`
	MaxRetries     int               `json:"maxRetries" bson:"maxRetries"`
	CreatedAt      time.Time         `json:"createdAt" bson:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt,omitempty" bson:"updatedAt,omitempty"`
	AssignedAt     *time.Time        `json:"assignedAt,omitempty" bson:"assignedAt,omitempty"`
	CompletedAt    *time.Time        `json:"completedAt,omitempty" bson:"completedAt,omitempty"`
	FailedAt       *time.Time        `json:"failedAt,omitempty" bson:"failedAt,omitempty"`
	Result         *Result           `json:"result,omitempty" bson:"result,omitempty"`
	Attempts       []Attempt         `json:"attempts" bson:"attempts"`
	BatchID        string            `json:"batchId,omitempty" bson:"batchId,omitempty"`
}

// LastAttempt returns a pointer to the most recent attempt, or nil.
func (t *Task) LastAttempt() *Attempt {
	if len(t.Attempts) == 0 {
		return nil
	}
	return &t.Attempts[len(t.Attempts)-1]
}

type Session struct {
	ID             string         `json:"id" bson:"_id"`
	AgentName      string         `json:"agentName" bson:"agentName"`
	ProjectID      string         `json:"projectId" bson:"projectId"`
	CreatedAt      time.Time      `json:"createdAt" bson:"createdAt"`
	LastAccessedAt time.Time      `json:"lastAccessedAt" bson:"lastAccessedAt"`
	ExpiresAt      time.Time      `json:"expiresAt" bson:"expiresAt"`
	Data           map[string]any `json:"data" bson:"data"`
}

// Agent is a derived, non-persisted view of a running task's current lease.
type Agent struct {
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	CurrentTaskID  string    `json:"currentTaskId"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt"`
	ProjectID      string    `json:"projectId"`
}

// Batch is the virtual result of a bulk task-creation call.
type Batch struct {
	BatchID          string   `json:"batchId"`
	TasksCreated      []string `json:"tasksCreated"`
	DuplicatesSkipped int      `json:"duplicatesSkipped"`
	Errors            []string `json:"errors"`
}

// ProjectStatusView is the getStatus() response: project + live counters.
type ProjectStatusView struct {
	Project           Project `json:"project"`
	QueueDepth        int     `json:"queueDepth"`
	ActiveAgentCount  int     `json:"activeAgentCount"`
	RecentActivity    []string `json:"recentActivity"`
}

// LeaseStats is the pure-read summary §4.5 "getLeaseStats" returns.
type LeaseStats struct {
	TotalRunningTasks int            `json:"totalRunningTasks"`
	ExpiredTasks      int            `json:"expiredTasks"`
	TasksByStatus     map[string]int `json:"tasksByStatus"`
}

// ReclaimReport is returned by cleanupExpiredLeases.
type ReclaimReport struct {
	ReclaimedTasks int `json:"reclaimedTasks"`
	CleanedAgents  int `json:"cleanedAgents"`
}
