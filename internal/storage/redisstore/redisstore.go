// Package redisstore implements storage.Backend on Redis, selected by
// STORAGE_PROVIDER=redis (spec §6.5). Documents are JSON blobs under
// namespaced keys; a per-project sorted set holds the FIFO queue order and
// WATCH/MULTI/EXEC gives each lease transition the same compare-and-swap
// guarantee filestore gets from flock and mongostore gets from
// FindOneAndUpdate.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/storage"
)

// Backend is the Redis-backed storage.Backend implementation.
type Backend struct {
	rdb *redis.Client
	now storage.Clock
}

// New connects to Redis at addr (a redis:// URL or host:port) and returns a
// ready Backend.
func New(addr string) (*Backend, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	rdb := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "connect to redis", err)
	}
	return &Backend{rdb: rdb, now: time.Now}, nil
}

func (b *Backend) SetClock(now storage.Clock) { b.now = now }

func (b *Backend) Close() error { return b.rdb.Close() }

func (b *Backend) HealthCheck(ctx context.Context) (bool, string) {
	if err := b.rdb.Ping(ctx).Err(); err != nil {
		return false, err.Error()
	}
	return true, "redis backend ok"
}

// --- keys ---

func projectKey(id string) string       { return "project:" + id }
func projectIndexKey() string           { return "project:index" }
func projectNamesKey() string           { return "project:names" }
func taskTypeKey(pid, id string) string { return fmt.Sprintf("tasktype:%s:%s", pid, id) }
func taskTypeIndexKey(pid string) string { return "tasktype:index:" + pid }
func taskTypeNamesKey(pid string) string { return "tasktype:names:" + pid }
func taskKey(pid, id string) string     { return fmt.Sprintf("task:%s:%s", pid, id) }
func taskIndexKey(pid string) string    { return "task:index:" + pid }
func queueKey(pid string) string        { return "queue:" + pid }
func runningKey(pid string) string      { return "running:" + pid }
func sessionKey(id string) string       { return "session:" + id }
func sessionIndexKey() string           { return "session:index" }

func getJSON(ctx context.Context, rdb *redis.Client, key string, out any) (bool, error) {
	raw, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.BackendUnavailable, "redis get", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, apperr.Wrap(apperr.BackendUnavailable, "decode redis value", err)
	}
	return true, nil
}

func setJSON(ctx context.Context, rdb redis.Cmdable, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(apperr.Internal, "encode value", err)
	}
	return rdb.Set(ctx, key, raw, 0).Err()
}

// --- projects ---

func (b *Backend) CreateProject(ctx context.Context, p *domain.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if exists, err := b.rdb.HExists(ctx, projectNamesKey(), p.Name).Result(); err == nil && exists {
		return apperr.Conflictf("project name %q already in use", p.Name)
	}
	pipe := b.rdb.TxPipeline()
	setJSON(ctx, pipe, projectKey(p.ID), p)
	pipe.SAdd(ctx, projectIndexKey(), p.ID)
	pipe.HSet(ctx, projectNamesKey(), p.Name, p.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "create project", err)
	}
	return nil
}

func (b *Backend) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	ok, err := getJSON(ctx, b.rdb, projectKey(id), &p)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFoundf("project %s not found", id)
	}
	stats, err := b.computeStats(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Stats = stats
	return &p, nil
}

func (b *Backend) computeStats(ctx context.Context, projectID string) (domain.ProjectStats, error) {
	ids, err := b.rdb.SMembers(ctx, taskIndexKey(projectID)).Result()
	if err != nil {
		return domain.ProjectStats{}, apperr.Wrap(apperr.BackendUnavailable, "list task ids", err)
	}
	var s domain.ProjectStats
	for _, id := range ids {
		var t domain.Task
		ok, err := getJSON(ctx, b.rdb, taskKey(projectID, id), &t)
		if err != nil || !ok {
			continue
		}
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
	p, err := b.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	oldName := p.Name
	if err := mutate(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = b.now()
	pipe := b.rdb.TxPipeline()
	setJSON(ctx, pipe, projectKey(id), p)
	if p.Name != oldName {
		pipe.HDel(ctx, projectNamesKey(), oldName)
		pipe.HSet(ctx, projectNamesKey(), p.Name, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "update project", err)
	}
	return p, nil
}

func (b *Backend) ListProjects(ctx context.Context, includeClosed bool) ([]*domain.Project, error) {
	ids, err := b.rdb.SMembers(ctx, projectIndexKey()).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list projects", err)
	}
	var out []*domain.Project
	for _, id := range ids {
		p, err := b.GetProject(ctx, id)
		if err != nil {
			continue
		}
		if !includeClosed && p.Status == domain.ProjectClosed {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (b *Backend) DeleteProject(ctx context.Context, id string) error {
	p, err := b.GetProject(ctx, id)
	if err != nil {
		return err
	}
	taskIDs, _ := b.rdb.SMembers(ctx, taskIndexKey(id)).Result()
	typeIDs, _ := b.rdb.SMembers(ctx, taskTypeIndexKey(id)).Result()
	pipe := b.rdb.TxPipeline()
	for _, tid := range taskIDs {
		pipe.Del(ctx, taskKey(id, tid))
	}
	for _, ttid := range typeIDs {
		pipe.Del(ctx, taskTypeKey(id, ttid))
	}
	pipe.Del(ctx, taskIndexKey(id), taskTypeIndexKey(id), taskTypeNamesKey(id), queueKey(id), runningKey(id), projectKey(id))
	pipe.SRem(ctx, projectIndexKey(), id)
	pipe.HDel(ctx, projectNamesKey(), p.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "delete project", err)
	}
	return nil
}

func (b *Backend) FindProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	id, err := b.rdb.HGet(ctx, projectNamesKey(), name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find project by name", err)
	}
	return b.GetProject(ctx, id)
}

// --- task types ---

func (b *Backend) CreateTaskType(ctx context.Context, tt *domain.TaskType) error {
	if tt.ID == "" {
		tt.ID = uuid.NewString()
	}
	if exists, err := b.rdb.HExists(ctx, taskTypeNamesKey(tt.ProjectID), tt.Name).Result(); err == nil && exists {
		return apperr.Conflictf("task type name %q already in use", tt.Name)
	}
	pipe := b.rdb.TxPipeline()
	setJSON(ctx, pipe, taskTypeKey(tt.ProjectID, tt.ID), tt)
	pipe.SAdd(ctx, taskTypeIndexKey(tt.ProjectID), tt.ID)
	pipe.HSet(ctx, taskTypeNamesKey(tt.ProjectID), tt.Name, tt.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "create task type", err)
	}
	return nil
}

func (b *Backend) GetTaskType(ctx context.Context, projectID, id string) (*domain.TaskType, error) {
	var tt domain.TaskType
	ok, err := getJSON(ctx, b.rdb, taskTypeKey(projectID, id), &tt)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFoundf("task type %s not found", id)
	}
	return &tt, nil
}

func (b *Backend) ListTaskTypes(ctx context.Context, projectID string) ([]*domain.TaskType, error) {
	ids, err := b.rdb.SMembers(ctx, taskTypeIndexKey(projectID)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list task types", err)
	}
	var out []*domain.TaskType
	for _, id := range ids {
		tt, err := b.GetTaskType(ctx, projectID, id)
		if err == nil {
			out = append(out, tt)
		}
	}
	return out, nil
}

func (b *Backend) UpdateTaskType(ctx context.Context, projectID, id string, mutate func(*domain.TaskType) error) (*domain.TaskType, error) {
	tt, err := b.GetTaskType(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	oldName := tt.Name
	if err := mutate(tt); err != nil {
		return nil, err
	}
	tt.UpdatedAt = b.now()
	pipe := b.rdb.TxPipeline()
	setJSON(ctx, pipe, taskTypeKey(projectID, id), tt)
	if tt.Name != oldName {
		pipe.HDel(ctx, taskTypeNamesKey(projectID), oldName)
		pipe.HSet(ctx, taskTypeNamesKey(projectID), tt.Name, id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "update task type", err)
	}
	return tt, nil
}

func (b *Backend) DeleteTaskType(ctx context.Context, projectID, id string) error {
	tt, err := b.GetTaskType(ctx, projectID, id)
	if err != nil {
		return err
	}
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, taskTypeKey(projectID, id))
	pipe.SRem(ctx, taskTypeIndexKey(projectID), id)
	pipe.HDel(ctx, taskTypeNamesKey(projectID), tt.Name)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "delete task type", err)
	}
	return nil
}

func (b *Backend) FindTaskTypeByName(ctx context.Context, projectID, name string) (*domain.TaskType, error) {
	id, err := b.rdb.HGet(ctx, taskTypeNamesKey(projectID), name).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find task type by name", err)
	}
	return b.GetTaskType(ctx, projectID, id)
}

// --- tasks ---

func (b *Backend) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	pipe := b.rdb.TxPipeline()
	setJSON(ctx, pipe, taskKey(t.ProjectID, t.ID), t)
	pipe.SAdd(ctx, taskIndexKey(t.ProjectID), t.ID)
	if t.Status == domain.TaskQueued {
		pipe.ZAdd(ctx, queueKey(t.ProjectID), redis.Z{Score: float64(t.CreatedAt.UnixNano()), Member: t.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "create task", err)
	}
	return nil
}

func (b *Backend) GetTask(ctx context.Context, projectID, id string) (*domain.Task, error) {
	var t domain.Task
	ok, err := getJSON(ctx, b.rdb, taskKey(projectID, id), &t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFoundf("task %s not found", id)
	}
	return &t, nil
}

func (b *Backend) ListTasks(ctx context.Context, projectID string, filter storage.TaskFilter) ([]*domain.Task, int, error) {
	ids, err := b.rdb.SMembers(ctx, taskIndexKey(projectID)).Result()
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.BackendUnavailable, "list tasks", err)
	}
	var all []*domain.Task
	for _, id := range ids {
		t, err := b.GetTask(ctx, projectID, id)
		if err != nil {
			continue
		}
		if filter.Status.Set && t.Status != filter.Status.Value {
			continue
		}
		all = append(all, t)
	}
	sortTasksByCreatedAt(all)
	total := len(all)
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	start := filter.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func sortTasksByCreatedAt(tasks []*domain.Task) {
	for i := 1; i < len(tasks); i++ {
		for j := i; j > 0 && tasks[j].CreatedAt.Before(tasks[j-1].CreatedAt); j-- {
			tasks[j], tasks[j-1] = tasks[j-1], tasks[j]
		}
	}
}

func (b *Backend) FindTaskByFingerprint(ctx context.Context, projectID, typeID, fingerprint string) (*domain.Task, error) {
	ids, err := b.rdb.SMembers(ctx, taskIndexKey(projectID)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find task by fingerprint", err)
	}
	for _, id := range ids {
		t, err := b.GetTask(ctx, projectID, id)
		if err != nil || t.TypeID != typeID {
			continue
		}
		if t.Status == domain.TaskQueued || t.Status == domain.TaskRunning || t.Status == domain.TaskCompleted {
			if storage.Fingerprint(t.TypeID, t.Variables, t.Instructions) == fingerprint {
				return t, nil
			}
		}
	}
	return nil, nil
}

func (b *Backend) nextAgentName() string { return "agent-" + uuid.NewString() }

// GetNextTask reclaims expired leases, resumes an existing single-task
// lease, then pops the oldest member of the project's queue sorted set
// inside a WATCH transaction so a concurrent claimant retries rather than
// double-dispatching the same task.
func (b *Backend) GetNextTask(ctx context.Context, projectID, agentName string) (*domain.Task, string, error) {
	now := b.now()
	resolvedAgent := agentName

	if _, err := b.CleanupExpiredLeases(ctx, projectID); err != nil {
		return nil, resolvedAgent, err
	}

	if agentName != "" {
		runningIDs, err := b.rdb.SMembers(ctx, runningKey(projectID)).Result()
		if err != nil {
			return nil, resolvedAgent, apperr.Wrap(apperr.BackendUnavailable, "list running tasks", err)
		}
		var matches []*domain.Task
		for _, id := range runningIDs {
			t, err := b.GetTask(ctx, projectID, id)
			if err == nil && t.Status == domain.TaskRunning && t.AssignedTo == agentName {
				matches = append(matches, t)
			}
		}
		if len(matches) == 1 {
			return matches[0], resolvedAgent, nil
		}
	}

	if resolvedAgent == "" {
		resolvedAgent = b.nextAgentName()
	}

	const maxAttempts = 10
	for attempt := 0; attempt < maxAttempts; attempt++ {
		var claimed *domain.Task
		err := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
			ids, err := tx.ZRangeWithScores(ctx, queueKey(projectID), 0, 0).Result()
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				return nil
			}
			taskID := ids[0].Member.(string)
			var t domain.Task
			if _, err := getJSON(ctx, b.rdb, taskKey(projectID, taskID), &t); err != nil {
				return err
			}
			if t.Status != domain.TaskQueued {
				tx.ZRem(ctx, queueKey(projectID), taskID)
				return nil
			}
			tt, err := b.GetTaskType(ctx, projectID, t.TypeID)
			if err != nil {
				return err
			}
			leaseExpires := now.Add(time.Duration(tt.LeaseDurationMinutes) * time.Minute)
			t.Status = domain.TaskRunning
			t.AssignedTo = resolvedAgent
			t.AssignedAt = &now
			t.LeaseExpiresAt = &leaseExpires
			t.UpdatedAt = now
			t.Attempts = append(t.Attempts, domain.Attempt{
				ID: uuid.NewString(), AgentName: resolvedAgent, StartedAt: now,
				Status: domain.AttemptRunning, LeaseExpiresAt: leaseExpires,
			})
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				setJSON(ctx, pipe, taskKey(projectID, taskID), &t)
				pipe.ZRem(ctx, queueKey(projectID), taskID)
				pipe.SAdd(ctx, runningKey(projectID), taskID)
				return nil
			})
			if err != nil {
				return err
			}
			claimed = &t
			return nil
		}, queueKey(projectID))
		if err == redis.TxFailedErr {
			continue
		}
		if err != nil {
			return nil, resolvedAgent, apperr.Wrap(apperr.BackendUnavailable, "claim task", err)
		}
		return claimed, resolvedAgent, nil
	}
	return nil, resolvedAgent, apperr.New(apperr.BackendUnavailable, "too much contention claiming next task, retry")
}

func (b *Backend) CompleteTask(ctx context.Context, projectID, taskID, agentName string, result domain.Result) (*domain.Task, error) {
	now := b.now()
	result.Success = true
	var out *domain.Task
	err := b.rdb.Watch(ctx, func(tx *redis.Tx) error {
		t, err := b.GetTask(ctx, projectID, taskID)
		if err != nil {
			return err
		}
		if t.Status != domain.TaskRunning || t.AssignedTo != agentName {
			return apperr.New(apperr.NotAssigned, "task is not running under this agent's lease")
		}
		t.Status = domain.TaskCompleted
		t.AssignedTo = ""
		t.LeaseExpiresAt = nil
		t.CompletedAt = &now
		t.Result = &result
		t.UpdatedAt = now
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			setJSON(ctx, pipe, taskKey(projectID, taskID), t)
			pipe.SRem(ctx, runningKey(projectID), taskID)
			return nil
		})
		out = t
		return err
	}, taskKey(projectID, taskID))
	if apperr.Is(err, apperr.NotAssigned) {
		return nil, err
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "complete task", err)
	}
	return out, nil
}

func (b *Backend) FailTask(ctx context.Context, projectID, taskID, agentName string, result domain.Result, canRetry bool) (*domain.Task, error) {
	t, err := b.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskRunning || t.AssignedTo != agentName {
		return nil, apperr.New(apperr.NotAssigned, "task is not running under this agent's lease")
	}
	return b.applyFailure(ctx, projectID, t, result, canRetry)
}

func (b *Backend) applyFailure(ctx context.Context, projectID string, t *domain.Task, result domain.Result, canRetry bool) (*domain.Task, error) {
	now := b.now()
	result.Success = false
	t.AssignedTo = ""
	t.LeaseExpiresAt = nil
	t.AssignedAt = nil
	t.UpdatedAt = now
	if canRetry && t.RetryCount+1 <= t.MaxRetries {
		t.Status = domain.TaskQueued
		t.RetryCount++
	} else {
		t.Status = domain.TaskFailed
		t.FailedAt = &now
		t.Result = &result
	}
	pipe := b.rdb.TxPipeline()
	setJSON(ctx, pipe, taskKey(projectID, t.ID), t)
	pipe.SRem(ctx, runningKey(projectID), t.ID)
	if t.Status == domain.TaskQueued {
		pipe.ZAdd(ctx, queueKey(projectID), redis.Z{Score: float64(now.UnixNano()), Member: t.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "apply task failure", err)
	}
	return t, nil
}

func (b *Backend) ExtendLease(ctx context.Context, projectID, taskID, agentName string, minutes int) (*domain.Task, error) {
	t, err := b.GetTask(ctx, projectID, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskRunning || t.AssignedTo != agentName {
		return nil, apperr.New(apperr.NotAssigned, "task is not running under this agent's lease")
	}
	now := b.now()
	base := now
	if t.LeaseExpiresAt != nil && t.LeaseExpiresAt.After(base) {
		base = *t.LeaseExpiresAt
	}
	newExpiry := base.Add(time.Duration(minutes) * time.Minute)
	t.LeaseExpiresAt = &newExpiry
	t.UpdatedAt = now
	if err := setJSON(ctx, b.rdb, taskKey(projectID, taskID), t); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "extend lease", err)
	}
	return t, nil
}

func (b *Backend) CleanupExpiredLeases(ctx context.Context, projectID string) (domain.ReclaimReport, error) {
	var report domain.ReclaimReport
	now := b.now()
	runningIDs, err := b.rdb.SMembers(ctx, runningKey(projectID)).Result()
	if err != nil {
		return report, apperr.Wrap(apperr.BackendUnavailable, "list running tasks", err)
	}
	cleaned := map[string]bool{}
	for _, id := range runningIDs {
		t, err := b.GetTask(ctx, projectID, id)
		if err != nil || t.Status != domain.TaskRunning {
			continue
		}
		if t.LeaseExpiresAt == nil || t.LeaseExpiresAt.After(now) {
			continue
		}
		cleaned[t.AssignedTo] = true
		reclaimResult := domain.Result{Success: false, Error: "lease expired", Metadata: map[string]any{
			"reclaimedAt": now, "originalAssignedTo": t.AssignedTo,
		}}
		if _, err := b.applyFailure(ctx, projectID, t, reclaimResult, true); err != nil {
			continue
		}
		report.ReclaimedTasks++
	}
	report.CleanedAgents = len(cleaned)
	return report, nil
}

func (b *Backend) ListActiveAgents(ctx context.Context, projectID string) ([]domain.Agent, error) {
	ids, err := b.rdb.SMembers(ctx, runningKey(projectID)).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list active agents", err)
	}
	var out []domain.Agent
	for _, id := range ids {
		t, err := b.GetTask(ctx, projectID, id)
		if err != nil || t.Status != domain.TaskRunning {
			continue
		}
		out = append(out, domain.Agent{
			Name: t.AssignedTo, Status: "working", CurrentTaskID: t.ID,
			LeaseExpiresAt: *t.LeaseExpiresAt, ProjectID: projectID,
		})
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
	ids, err := b.rdb.SMembers(ctx, taskIndexKey(projectID)).Result()
	if err != nil {
		return domain.LeaseStats{}, apperr.Wrap(apperr.BackendUnavailable, "lease stats", err)
	}
	now := b.now()
	stats := domain.LeaseStats{TasksByStatus: map[string]int{}}
	for _, id := range ids {
		t, err := b.GetTask(ctx, projectID, id)
		if err != nil {
			continue
		}
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
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	pipe := b.rdb.TxPipeline()
	setJSON(ctx, pipe, sessionKey(s.ID), s)
	pipe.SAdd(ctx, sessionIndexKey(), s.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "create session", err)
	}
	return nil
}

func (b *Backend) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	ok, err := getJSON(ctx, b.rdb, sessionKey(id), &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFoundf("session %s not found", id)
	}
	return &s, nil
}

func (b *Backend) UpdateSession(ctx context.Context, id string, mutate func(*domain.Session) error) (*domain.Session, error) {
	s, err := b.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(s); err != nil {
		return nil, err
	}
	if err := setJSON(ctx, b.rdb, sessionKey(id), s); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "update session", err)
	}
	return s, nil
}

func (b *Backend) DeleteSession(ctx context.Context, id string) error {
	pipe := b.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(id))
	pipe.SRem(ctx, sessionIndexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "delete session", err)
	}
	return nil
}

func (b *Backend) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*domain.Session, error) {
	ids, err := b.rdb.SMembers(ctx, sessionIndexKey()).Result()
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list sessions", err)
	}
	var out []*domain.Session
	for _, id := range ids {
		s, err := b.GetSession(ctx, id)
		if err != nil {
			continue
		}
		if s.AgentName == agentName && s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (b *Backend) CleanupExpiredSessions(ctx context.Context) (int, error) {
	ids, err := b.rdb.SMembers(ctx, sessionIndexKey()).Result()
	if err != nil {
		return 0, apperr.Wrap(apperr.BackendUnavailable, "list sessions", err)
	}
	now := b.now()
	count := 0
	for _, id := range ids {
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
