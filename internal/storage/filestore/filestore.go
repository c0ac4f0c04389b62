// Package filestore implements storage.Backend on the local filesystem:
// JSON documents under a data directory, one project guarded by an
// advisory exclusive file lock per spec §4.1/§6.6. Locking is adapted from
// the teacher's internal/instance PID-file/lock idiom, generalized from a
// single process-wide lock to one lock file per project.
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/storage"
)

// Backend is the filesystem-backed storage.Backend implementation.
type Backend struct {
	dataDir     string
	lockTimeout time.Duration
	now         storage.Clock

	// createMu serializes project/task-type name-uniqueness checks across
	// this process; the cross-process write itself is still guarded by the
	// per-project flock for the data it touches.
	createMu sync.Mutex

	sessionMu sync.Mutex

	agentSeq atomic.Int64
}

// New creates a filesystem backend rooted at dataDir, creating the
// directory tree if needed.
func New(dataDir string, lockTimeout time.Duration) (*Backend, error) {
	if lockTimeout <= 0 {
		lockTimeout = 10 * time.Second
	}
	for _, sub := range []string{"projects", "sessions", "locks"} {
		if err := os.MkdirAll(filepath.Join(dataDir, sub), 0o755); err != nil {
			return nil, apperr.Wrap(apperr.BackendUnavailable, "create data dir", err)
		}
	}
	return &Backend{dataDir: dataDir, lockTimeout: lockTimeout, now: time.Now}, nil
}

func (b *Backend) Close() error { return nil }

// SetClock overrides the backend's time source; used by tests to simulate
// lease expiry deterministically.
func (b *Backend) SetClock(now storage.Clock) { b.now = now }

func (b *Backend) HealthCheck(ctx context.Context) (bool, string) {
	if _, err := os.Stat(b.dataDir); err != nil {
		return false, err.Error()
	}
	return true, "filesystem backend ok"
}

// --- paths ---

func (b *Backend) projectDir(id string) string { return filepath.Join(b.dataDir, "projects", id) }
func (b *Backend) projectFile(id string) string { return filepath.Join(b.projectDir(id), "project.json") }
func (b *Backend) taskTypesDir(id string) string { return filepath.Join(b.projectDir(id), "tasktypes") }
func (b *Backend) taskTypeFile(pid, id string) string { return filepath.Join(b.taskTypesDir(pid), id+".json") }
func (b *Backend) tasksDir(id string) string { return filepath.Join(b.projectDir(id), "tasks") }
func (b *Backend) taskFile(pid, id string) string { return filepath.Join(b.tasksDir(pid), id+".json") }
func (b *Backend) lockFile(pid string) string { return filepath.Join(b.dataDir, "locks", pid+".lock") }
func (b *Backend) sessionFile(id string) string { return filepath.Join(b.dataDir, "sessions", id+".json") }

// --- locking ---

// withProjectLock acquires the per-project exclusive advisory lock, runs fn,
// and always releases it. Lock acquisition retries LOCK_EX|LOCK_NB until
// lockTimeout elapses, then fails with a retriable BackendUnavailable error.
func (b *Backend) withProjectLock(ctx context.Context, projectID string, fn func() error) error {
	if err := os.MkdirAll(filepath.Join(b.dataDir, "locks"), 0o755); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "create locks dir", err)
	}
	f, err := os.OpenFile(b.lockFile(projectID), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "open lock file", err)
	}
	defer f.Close()

	deadline := b.now().Add(b.lockTimeout)
	backoff := time.Millisecond
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if b.now().After(deadline) {
			return apperr.New(apperr.BackendUnavailable, "timed out acquiring project lock")
		}
		select {
		case <-ctx.Done():
			return apperr.Wrap(apperr.BackendUnavailable, "lock wait cancelled", ctx.Err())
		case <-time.After(backoff):
		}
		if backoff < 50*time.Millisecond {
			backoff *= 2
		}
	}
	defer unix.Flock(int(f.Fd()), unix.LOCK_UN)

	return fn()
}

// --- generic JSON read/write helpers ---

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// --- projects ---

func (b *Backend) CreateProject(ctx context.Context, p *domain.Project) error {
	b.createMu.Lock()
	defer b.createMu.Unlock()

	if existing, _ := b.FindProjectByName(ctx, p.Name); existing != nil {
		return apperr.Conflictf("project name %q already in use", p.Name)
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return b.withProjectLock(ctx, p.ID, func() error {
		if _, err := os.Stat(b.projectFile(p.ID)); err == nil {
			return apperr.Conflictf("project %s already exists", p.ID)
		}
		return writeJSON(b.projectFile(p.ID), p)
	})
}

func (b *Backend) loadProject(id string) (*domain.Project, error) {
	var p domain.Project
	if err := readJSON(b.projectFile(id), &p); err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFoundf("project %s not found", id)
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "read project", err)
	}
	return &p, nil
}

func (b *Backend) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	p, err := b.loadProject(id)
	if err != nil {
		return nil, err
	}
	stats, err := b.computeStats(id)
	if err != nil {
		return nil, err
	}
	p.Stats = stats
	return p, nil
}

func (b *Backend) computeStats(projectID string) (domain.ProjectStats, error) {
	tasks, err := b.allTasks(projectID)
	if err != nil {
		return domain.ProjectStats{}, err
	}
	var s domain.ProjectStats
	for _, t := range tasks {
		s.Total++
		switch t.Status {
		case domain.TaskQueued:
			s.Queued++
		case domain.TaskRunning:
			s.Running++
		case domain.TaskCompleted:
			s.Completed++
		case domain.TaskFailed:
			s.Failed++
		}
	}
	return s, nil
}

func (b *Backend) UpdateProject(ctx context.Context, id string, mutate func(*domain.Project) error) (*domain.Project, error) {
	var out *domain.Project
	err := b.withProjectLock(ctx, id, func() error {
		p, err := b.loadProject(id)
		if err != nil {
			return err
		}
		if err := mutate(p); err != nil {
			return err
		}
		p.UpdatedAt = b.now()
		if err := writeJSON(b.projectFile(id), p); err != nil {
			return apperr.Wrap(apperr.BackendUnavailable, "write project", err)
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats, err := b.computeStats(id)
	if err != nil {
		return nil, err
	}
	out.Stats = stats
	return out, nil
}

func (b *Backend) ListProjects(ctx context.Context, includeClosed bool) ([]*domain.Project, error) {
	root := filepath.Join(b.dataDir, "projects")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list projects", err)
	}
	var out []*domain.Project
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		p, err := b.GetProject(ctx, e.Name())
		if err != nil {
			continue
		}
		if !includeClosed && p.Status == domain.ProjectClosed {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) DeleteProject(ctx context.Context, id string) error {
	return b.withProjectLock(ctx, id, func() error {
		if err := os.RemoveAll(b.projectDir(id)); err != nil {
			return apperr.Wrap(apperr.BackendUnavailable, "delete project", err)
		}
		return nil
	})
}

func (b *Backend) FindProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	projects, err := b.ListProjects(ctx, true)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Name == name {
			return p, nil
		}
	}
	return nil, nil
}

// --- task types ---

func (b *Backend) CreateTaskType(ctx context.Context, tt *domain.TaskType) error {
	b.createMu.Lock()
	defer b.createMu.Unlock()

	if existing, _ := b.FindTaskTypeByName(ctx, tt.ProjectID, tt.Name); existing != nil {
		return apperr.Conflictf("task type name %q already in use", tt.Name)
	}
	if tt.ID == "" {
		tt.ID = uuid.NewString()
	}
	return b.withProjectLock(ctx, tt.ProjectID, func() error {
		return writeJSON(b.taskTypeFile(tt.ProjectID, tt.ID), tt)
	})
}

func (b *Backend) GetTaskType(ctx context.Context, projectID, id string) (*domain.TaskType, error) {
	var tt domain.TaskType
	if err := readJSON(b.taskTypeFile(projectID, id), &tt); err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFoundf("task type %s not found", id)
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "read task type", err)
	}
	return &tt, nil
}

func (b *Backend) ListTaskTypes(ctx context.Context, projectID string) ([]*domain.TaskType, error) {
	entries, err := os.ReadDir(b.taskTypesDir(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list task types", err)
	}
	var out []*domain.TaskType
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		tt, err := b.GetTaskType(ctx, projectID, id)
		if err != nil {
			continue
		}
		out = append(out, tt)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (b *Backend) UpdateTaskType(ctx context.Context, projectID, id string, mutate func(*domain.TaskType) error) (*domain.TaskType, error) {
	var out *domain.TaskType
	err := b.withProjectLock(ctx, projectID, func() error {
		tt, err := b.GetTaskType(ctx, projectID, id)
		if err != nil {
			return err
		}
		if err := mutate(tt); err != nil {
			return err
		}
		tt.UpdatedAt = b.now()
		if err := writeJSON(b.taskTypeFile(projectID, id), tt); err != nil {
			return apperr.Wrap(apperr.BackendUnavailable, "write task type", err)
		}
		out = tt
		return nil
	})
	return out, err
}

func (b *Backend) DeleteTaskType(ctx context.Context, projectID, id string) error {
	return b.withProjectLock(ctx, projectID, func() error {
		if err := os.Remove(b.taskTypeFile(projectID, id)); err != nil && !os.IsNotExist(err) {
			return apperr.Wrap(apperr.BackendUnavailable, "delete task type", err)
		}
		return nil
	})
}

func (b *Backend) FindTaskTypeByName(ctx context.Context, projectID, name string) (*domain.TaskType, error) {
	types, err := b.ListTaskTypes(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, tt := range types {
		if tt.Name == name {
			return tt, nil
		}
	}
	return nil, nil
}

// --- tasks ---

func (b *Backend) allTasks(projectID string) ([]*domain.Task, error) {
	entries, err := os.ReadDir(b.tasksDir(projectID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list tasks", err)
	}
	var out []*domain.Task
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		var t domain.Task
		if err := readJSON(filepath.Join(b.tasksDir(projectID), e.Name()), &t); err != nil {
			continue
		}
		out = append(out, &t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (b *Backend) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return b.withProjectLock(ctx, t.ProjectID, func() error {
		if _, err := os.Stat(b.taskFile(t.ProjectID, t.ID)); err == nil {
			return apperr.Conflictf("task %s already exists", t.ID)
		}
		return writeJSON(b.taskFile(t.ProjectID, t.ID), t)
	})
}

func (b *Backend) GetTask(ctx context.Context, projectID, id string) (*domain.Task, error) {
	var t domain.Task
	if err := readJSON(b.taskFile(projectID, id), &t); err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFoundf("task %s not found", id)
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "read task", err)
	}
	return &t, nil
}

func (b *Backend) ListTasks(ctx context.Context, projectID string, filter storage.TaskFilter) ([]*domain.Task, int, error) {
	all, err := b.allTasks(projectID)
	if err != nil {
		return nil, 0, err
	}
	var filtered []*domain.Task
	for _, t := range all {
		if filter.Status.Set && t.Status != filter.Status.Value {
			continue
		}
		filtered = append(filtered, t)
	}
	total := len(filtered)

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*domain.Task{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return filtered[offset:end], total, nil
}

func (b *Backend) FindTaskByFingerprint(ctx context.Context, projectID, typeID, fingerprint string) (*domain.Task, error) {
	all, err := b.allTasks(projectID)
	if err != nil {
		return nil, err
	}
	for _, t := range all {
		if t.TypeID != typeID {
			continue
		}
		if t.Status != domain.TaskQueued && t.Status != domain.TaskRunning && t.Status != domain.TaskCompleted {
			continue
		}
		if storage.Fingerprint(t.TypeID, t.Variables, t.Instructions) == fingerprint {
			return t, nil
		}
	}
	return nil, nil
}

func (b *Backend) saveTask(projectID string, t *domain.Task) error {
	t.UpdatedAt = b.now()
	return writeJSON(b.taskFile(projectID, t.ID), t)
}

// nextAgentName generates an "agent-<unix-nanos>-<seq>" name per spec §4.5
// step 4, where seq is this backend's monotonic counter.
func (b *Backend) nextAgentName() string {
	n := b.agentSeq.Add(1)
	return fmt.Sprintf("agent-%d-%d", b.now().UnixNano(), n)
}

// GetNextTask is the defining atomic primitive: reclaim, resume, dispatch.
func (b *Backend) GetNextTask(ctx context.Context, projectID, agentName string) (*domain.Task, string, error) {
	var result *domain.Task
	resolvedAgent := agentName

	err := b.withProjectLock(ctx, projectID, func() error {
		now := b.now()
		all, err := b.allTasks(projectID)
		if err != nil {
			return err
		}

		// (1) Reclaim phase
		for _, t := range all {
			if t.Status == domain.TaskRunning && t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now) {
				if err := b.reclaimLocked(projectID, t, now); err != nil {
					return err
				}
			}
		}
		all, err = b.allTasks(projectID)
		if err != nil {
			return err
		}

		// (2) Resume phase
		if agentName != "" {
			var matches []*domain.Task
			for _, t := range all {
				if t.Status == domain.TaskRunning && t.AssignedTo == agentName && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(now) {
					matches = append(matches, t)
				}
			}
			if len(matches) == 1 {
				result = matches[0]
				return nil
			}
		}

		// (4) resolve agent name if absent
		if resolvedAgent == "" {
			resolvedAgent = b.nextAgentName()
		}

		// (3) Dispatch phase
		var queued []*domain.Task
		for _, t := range all {
			if t.Status == domain.TaskQueued {
				queued = append(queued, t)
			}
		}
		if len(queued) == 0 {
			return nil
		}
		sort.Slice(queued, func(i, j int) bool {
			if queued[i].CreatedAt.Equal(queued[j].CreatedAt) {
				return queued[i].ID < queued[j].ID
			}
			return queued[i].CreatedAt.Before(queued[j].CreatedAt)
		})
		chosen := queued[0]

		tt, err := b.GetTaskType(ctx, projectID, chosen.TypeID)
		if err != nil {
			return err
		}
		leaseExpires := now.Add(time.Duration(tt.LeaseDurationMinutes) * time.Minute)

		chosen.Status = domain.TaskRunning
		chosen.AssignedTo = resolvedAgent
		chosen.AssignedAt = &now
		chosen.LeaseExpiresAt = &leaseExpires
		chosen.Attempts = append(chosen.Attempts, domain.Attempt{
			ID:             uuid.NewString(),
			AgentName:      resolvedAgent,
			StartedAt:      now,
			Status:         domain.AttemptRunning,
			LeaseExpiresAt: leaseExpires,
		})
		if err := b.saveTask(projectID, chosen); err != nil {
			return err
		}
		result = chosen
		return nil
	})

	return result, resolvedAgent, err
}

// reclaimLocked applies timeout+failure semantics to an expired running
// task. Must be called with the project lock already held.
func (b *Backend) reclaimLocked(projectID string, t *domain.Task, now time.Time) error {
	last := t.LastAttempt()
	if last != nil {
		last.Status = domain.AttemptTimeout
		last.CompletedAt = &now
		last.FailureReason = "lease expired"
	}
	reclaimResult := domain.Result{
		Success: false,
		Error:   "lease expired",
		Metadata: map[string]any{
			"reclaimedAt":         now,
			"originalAssignedTo":  t.AssignedTo,
			"originalAssignedAt":  t.AssignedAt,
		},
	}
	originalAgent := t.AssignedTo
	return b.applyFailureLocked(projectID, t, originalAgent, reclaimResult, true, now)
}

// applyFailureLocked performs the running->queued or running->failed
// transition. Must be called with the project lock already held.
func (b *Backend) applyFailureLocked(projectID string, t *domain.Task, agentName string, result domain.Result, canRetry bool, now time.Time) error {
	last := t.LastAttempt()
	if last != nil && last.Status == domain.AttemptRunning {
		last.Status = domain.AttemptFailed
		last.CompletedAt = &now
		last.FailureReason = result.Error
		last.Result = &result
	}

	t.AssignedTo = ""
	t.LeaseExpiresAt = nil
	t.AssignedAt = nil

	if canRetry && t.RetryCount+1 <= t.MaxRetries {
		t.RetryCount++
		t.Status = domain.TaskQueued
	} else {
		t.Status = domain.TaskFailed
		t.FailedAt = &now
		t.Result = &result
	}
	_ = agentName
	return b.saveTask(projectID, t)
}

func (b *Backend) CompleteTask(ctx context.Context, projectID, taskID, agentName string, result domain.Result) (*domain.Task, error) {
	var out *domain.Task
	err := b.withProjectLock(ctx, projectID, func() error {
		t, err := b.GetTask(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskRunning || t.AssignedTo != agentName {
			return apperr.New(apperr.NotAssigned, "task is not running under this agent's lease")
		}
		now := b.now()
		last := t.LastAttempt()
		if last != nil {
			last.Status = domain.AttemptCompleted
			last.CompletedAt = &now
			last.Result = &result
		}
		t.Status = domain.TaskCompleted
		t.AssignedTo = ""
		t.LeaseExpiresAt = nil
		t.CompletedAt = &now
		result.Success = true
		t.Result = &result
		if err := b.saveTask(projectID, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (b *Backend) FailTask(ctx context.Context, projectID, taskID, agentName string, result domain.Result, canRetry bool) (*domain.Task, error) {
	var out *domain.Task
	err := b.withProjectLock(ctx, projectID, func() error {
		t, err := b.GetTask(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskRunning || t.AssignedTo != agentName {
			return apperr.New(apperr.NotAssigned, "task is not running under this agent's lease")
		}
		result.Success = false
		if err := b.applyFailureLocked(projectID, t, agentName, result, canRetry, b.now()); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (b *Backend) ExtendLease(ctx context.Context, projectID, taskID, agentName string, minutes int) (*domain.Task, error) {
	var out *domain.Task
	err := b.withProjectLock(ctx, projectID, func() error {
		t, err := b.GetTask(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskRunning || t.AssignedTo != agentName {
			return apperr.New(apperr.NotAssigned, "task is not running under this agent's lease")
		}
		now := b.now()
		base := now
		if t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(base) {
			base = *t.LeaseExpiresAt
		}
		newExpiry := base.Add(time.Duration(minutes) * time.Minute)
		t.LeaseExpiresAt = &newExpiry
		if last := t.LastAttempt(); last != nil {
			last.LeaseExpiresAt = newExpiry
		}
		if err := b.saveTask(projectID, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (b *Backend) CleanupExpiredLeases(ctx context.Context, projectID string) (domain.ReclaimReport, error) {
	var report domain.ReclaimReport
	err := b.withProjectLock(ctx, projectID, func() error {
		now := b.now()
		all, err := b.allTasks(projectID)
		if err != nil {
			return err
		}
		cleaned := map[string]bool{}
		for _, t := range all {
			if t.Status == domain.TaskRunning && t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now) {
				cleaned[t.AssignedTo] = true
				if err := b.reclaimLocked(projectID, t, now); err != nil {
					return err
				}
				report.ReclaimedTasks++
			}
		}
		report.CleanedAgents = len(cleaned)
		return nil
	})
	return report, err
}

func (b *Backend) ListActiveAgents(ctx context.Context, projectID string) ([]domain.Agent, error) {
	all, err := b.allTasks(projectID)
	if err != nil {
		return nil, err
	}
	var out []domain.Agent
	for _, t := range all {
		if t.Status == domain.TaskRunning {
			out = append(out, domain.Agent{
				Name:           t.AssignedTo,
				Status:         "working",
				CurrentTaskID:  t.ID,
				LeaseExpiresAt: *t.LeaseExpiresAt,
				ProjectID:      projectID,
			})
		}
	}
	return out, nil
}

func (b *Backend) GetAgentStatus(ctx context.Context, projectID, name string) (*domain.Agent, error) {
	agents, err := b.ListActiveAgents(ctx, projectID)
	if err != nil {
		return nil, err
	}
	for _, a := range agents {
		if a.Name == name {
			return &a, nil
		}
	}
	return nil, nil
}

func (b *Backend) GetLeaseStats(ctx context.Context, projectID string) (domain.LeaseStats, error) {
	all, err := b.allTasks(projectID)
	if err != nil {
		return domain.LeaseStats{}, err
	}
	now := b.now()
	stats := domain.LeaseStats{TasksByStatus: map[string]int{}}
	for _, t := range all {
		stats.TasksByStatus[string(t.Status)]++
		if t.Status == domain.TaskRunning {
			stats.TotalRunningTasks++
			if t.LeaseExpiresAt != nil && !t.LeaseExpiresAt.After(now) {
				stats.ExpiredTasks++
			}
		}
	}
	return stats, nil
}

// --- sessions ---

func (b *Backend) CreateSession(ctx context.Context, s *domain.Session) error {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return writeJSON(b.sessionFile(s.ID), s)
}

func (b *Backend) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	var s domain.Session
	if err := readJSON(b.sessionFile(id), &s); err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFoundf("session %s not found", id)
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "read session", err)
	}
	return &s, nil
}

func (b *Backend) UpdateSession(ctx context.Context, id string, mutate func(*domain.Session) error) (*domain.Session, error) {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	var s domain.Session
	if err := readJSON(b.sessionFile(id), &s); err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.NotFoundf("session %s not found", id)
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "read session", err)
	}
	if err := mutate(&s); err != nil {
		return nil, err
	}
	if err := writeJSON(b.sessionFile(id), &s); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "write session", err)
	}
	return &s, nil
}

func (b *Backend) DeleteSession(ctx context.Context, id string) error {
	b.sessionMu.Lock()
	defer b.sessionMu.Unlock()
	if err := os.Remove(b.sessionFile(id)); err != nil && !os.IsNotExist(err) {
		return apperr.Wrap(apperr.BackendUnavailable, "delete session", err)
	}
	return nil
}

func (b *Backend) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*domain.Session, error) {
	b.sessionMu.Lock()
	dir := filepath.Join(b.dataDir, "sessions")
	entries, err := os.ReadDir(dir)
	b.sessionMu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list sessions", err)
	}
	var out []*domain.Session
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		s, err := b.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if s.AgentName == agentName && s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessedAt.After(out[j].LastAccessedAt) })
	return out, nil
}

func (b *Backend) CleanupExpiredSessions(ctx context.Context) (int, error) {
	b.sessionMu.Lock()
	dir := filepath.Join(b.dataDir, "sessions")
	entries, err := os.ReadDir(dir)
	b.sessionMu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, apperr.Wrap(apperr.BackendUnavailable, "list sessions", err)
	}
	now := b.now()
	count := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".json")
		s, err := b.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if s.ExpiresAt.Before(now) {
			if err := b.DeleteSession(ctx, id); err == nil {
				count++
			}
		}
	}
	return count, nil
}
