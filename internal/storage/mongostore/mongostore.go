// Package mongostore implements storage.Backend on MongoDB, selected by
// STORAGE_PROVIDER=mongodb (spec §6.5). Lease transitions are expressed as
// single FindOneAndUpdate calls whose filter re-checks status and assignee,
// giving the same compare-and-swap semantics filestore gets from flock
// without a cluster-wide lock.
package mongostore

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/google/uuid"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/storage"
)

// Backend is the MongoDB-backed storage.Backend implementation.
type Backend struct {
	client   *mongo.Client
	db       *mongo.Database
	projects *mongo.Collection
	types    *mongo.Collection
	tasks    *mongo.Collection
	sessions *mongo.Collection
	now      storage.Clock
}

// New connects to MongoDB at connectionString and returns a ready Backend.
// The database is always named "taskforge"; a database name in the
// connection string's path does not change it.
func New(ctx context.Context, connectionString string) (*Backend, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "connect to mongodb", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "ping mongodb", err)
	}
	db := client.Database("taskforge")
	b := &Backend{
		client:   client,
		db:       db,
		projects: db.Collection("projects"),
		types:    db.Collection("task_types"),
		tasks:    db.Collection("tasks"),
		sessions: db.Collection("sessions"),
		now:      time.Now,
	}
	_, _ = b.tasks.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "projectId", Value: 1}, {Key: "status", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	return b, nil
}

func (b *Backend) SetClock(now storage.Clock) { b.now = now }

func (b *Backend) Close() error {
	return b.client.Disconnect(context.Background())
}

func (b *Backend) HealthCheck(ctx context.Context) (bool, string) {
	if err := b.client.Ping(ctx, nil); err != nil {
		return false, err.Error()
	}
	return true, "mongodb backend ok"
}

// --- projects ---

func (b *Backend) CreateProject(ctx context.Context, p *domain.Project) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if existing, _ := b.FindProjectByName(ctx, p.Name); existing != nil {
		return apperr.Conflictf("project name %q already in use", p.Name)
	}
	if _, err := b.projects.InsertOne(ctx, p); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return apperr.Conflictf("project %s already exists", p.ID)
		}
		return apperr.Wrap(apperr.BackendUnavailable, "insert project", err)
	}
	return nil
}

func (b *Backend) GetProject(ctx context.Context, id string) (*domain.Project, error) {
	var p domain.Project
	if err := b.projects.FindOne(ctx, bson.M{"_id": id}).Decode(&p); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperr.NotFoundf("project %s not found", id)
		}
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find project", err)
	}
	stats, err := b.computeStats(ctx, id)
	if err != nil {
		return nil, err
	}
	p.Stats = stats
	return &p, nil
}

func (b *Backend) computeStats(ctx context.Context, projectID string) (domain.ProjectStats, error) {
	cursor, err := b.tasks.Aggregate(ctx, mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"projectId": projectID}}},
		{{Key: "$group", Value: bson.M{"_id": "$status", "count": bson.M{"$sum": 1}}}},
	})
	if err != nil {
		return domain.ProjectStats{}, apperr.Wrap(apperr.BackendUnavailable, "aggregate task stats", err)
	}
	defer cursor.Close(ctx)
	var s domain.ProjectStats
	for cursor.Next(ctx) {
		var row struct {
			ID    string `bson:"_id"`
			Count int    `bson:"count"`
		}
		if err := cursor.Decode(&row); err != nil {
			continue
		}
		s.Total += row.Count
		switch domain.TaskStatus(row.ID) {
		case domain.TaskQueued:
			s.Queued = row.Count
		case domain.TaskRunning:
			s.Running = row.Count
		case domain.TaskCompleted:
			s.Completed = row.Count
		case domain.TaskFailed:
			s.Failed = row.Count
		}
	}
	return s, nil
}

func (b *Backend) UpdateProject(ctx context.Context, id string, mutate func(*domain.Project) error) (*domain.Project, error) {
	p, err := b.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(p); err != nil {
		return nil, err
	}
	p.UpdatedAt = b.now()
	_, err = b.projects.ReplaceOne(ctx, bson.M{"_id": id}, p)
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "replace project", err)
	}
	return p, nil
}

func (b *Backend) ListProjects(ctx context.Context, includeClosed bool) ([]*domain.Project, error) {
	filter := bson.M{}
	if !includeClosed {
		filter["status"] = bson.M{"$ne": domain.ProjectClosed}
	}
	cursor, err := b.projects.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list projects", err)
	}
	defer cursor.Close(ctx)
	var out []*domain.Project
	for cursor.Next(ctx) {
		var p domain.Project
		if err := cursor.Decode(&p); err != nil {
			continue
		}
		stats, err := b.computeStats(ctx, p.ID)
		if err == nil {
			p.Stats = stats
		}
		out = append(out, &p)
	}
	return out, nil
}

func (b *Backend) DeleteProject(ctx context.Context, id string) error {
	if _, err := b.tasks.DeleteMany(ctx, bson.M{"projectId": id}); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "delete project tasks", err)
	}
	if _, err := b.types.DeleteMany(ctx, bson.M{"projectId": id}); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "delete project task types", err)
	}
	if _, err := b.projects.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "delete project", err)
	}
	return nil
}

func (b *Backend) FindProjectByName(ctx context.Context, name string) (*domain.Project, error) {
	var p domain.Project
	err := b.projects.FindOne(ctx, bson.M{"name": name}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find project by name", err)
	}
	return &p, nil
}

// --- task types ---

func (b *Backend) CreateTaskType(ctx context.Context, tt *domain.TaskType) error {
	if tt.ID == "" {
		tt.ID = uuid.NewString()
	}
	if existing, _ := b.FindTaskTypeByName(ctx, tt.ProjectID, tt.Name); existing != nil {
		return apperr.Conflictf("task type name %q already in use", tt.Name)
	}
	if _, err := b.types.InsertOne(ctx, tt); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "insert task type", err)
	}
	return nil
}

func (b *Backend) GetTaskType(ctx context.Context, projectID, id string) (*domain.TaskType, error) {
	var tt domain.TaskType
	err := b.types.FindOne(ctx, bson.M{"projectId": projectID, "_id": id}).Decode(&tt)
	if err == mongo.ErrNoDocuments {
		return nil, apperr.NotFoundf("task type %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find task type", err)
	}
	return &tt, nil
}

func (b *Backend) ListTaskTypes(ctx context.Context, projectID string) ([]*domain.TaskType, error) {
	cursor, err := b.types.Find(ctx, bson.M{"projectId": projectID}, options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}))
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list task types", err)
	}
	defer cursor.Close(ctx)
	var out []*domain.TaskType
	for cursor.Next(ctx) {
		var tt domain.TaskType
		if err := cursor.Decode(&tt); err == nil {
			out = append(out, &tt)
		}
	}
	return out, nil
}

func (b *Backend) UpdateTaskType(ctx context.Context, projectID, id string, mutate func(*domain.TaskType) error) (*domain.TaskType, error) {
	tt, err := b.GetTaskType(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if err := mutate(tt); err != nil {
		return nil, err
	}
	tt.UpdatedAt = b.now()
	if _, err := b.types.ReplaceOne(ctx, bson.M{"projectId": projectID, "_id": id}, tt); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "replace task type", err)
	}
	return tt, nil
}

func (b *Backend) DeleteTaskType(ctx context.Context, projectID, id string) error {
	if _, err := b.types.DeleteOne(ctx, bson.M{"projectId": projectID, "_id": id}); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "delete task type", err)
	}
	return nil
}

func (b *Backend) FindTaskTypeByName(ctx context.Context, projectID, name string) (*domain.TaskType, error) {
	var tt domain.TaskType
	err := b.types.FindOne(ctx, bson.M{"projectId": projectID, "name": name}).Decode(&tt)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find task type by name", err)
	}
	return &tt, nil
}

// --- tasks ---

func (b *Backend) CreateTask(ctx context.Context, t *domain.Task) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, err := b.tasks.InsertOne(ctx, t); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "insert task", err)
	}
	return nil
}

func (b *Backend) GetTask(ctx context.Context, projectID, id string) (*domain.Task, error) {
	var t domain.Task
	err := b.tasks.FindOne(ctx, bson.M{"projectId": projectID, "_id": id}).Decode(&t)
	if err == mongo.ErrNoDocuments {
		return nil, apperr.NotFoundf("task %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find task", err)
	}
	return &t, nil
}

func (b *Backend) ListTasks(ctx context.Context, projectID string, filter storage.TaskFilter) ([]*domain.Task, int, error) {
	query := bson.M{"projectId": projectID}
	if filter.Status.Set {
		query["status"] = filter.Status.Value
	}
	total, err := b.tasks.CountDocuments(ctx, query)
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.BackendUnavailable, "count tasks", err)
	}
	limit := int64(filter.Limit)
	if limit <= 0 {
		limit = 100
	}
	cursor, err := b.tasks.Find(ctx, query, options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: 1}}).
		SetSkip(int64(filter.Offset)).
		SetLimit(limit))
	if err != nil {
		return nil, 0, apperr.Wrap(apperr.BackendUnavailable, "list tasks", err)
	}
	defer cursor.Close(ctx)
	var out []*domain.Task
	for cursor.Next(ctx) {
		var t domain.Task
		if err := cursor.Decode(&t); err == nil {
			out = append(out, &t)
		}
	}
	return out, int(total), nil
}

func (b *Backend) FindTaskByFingerprint(ctx context.Context, projectID, typeID, fingerprint string) (*domain.Task, error) {
	cursor, err := b.tasks.Find(ctx, bson.M{
		"projectId": projectID,
		"typeId":    typeID,
		"status":    bson.M{"$in": []domain.TaskStatus{domain.TaskQueued, domain.TaskRunning, domain.TaskCompleted}},
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find task by fingerprint", err)
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var t domain.Task
		if err := cursor.Decode(&t); err != nil {
			continue
		}
		if storage.Fingerprint(t.TypeID, t.Variables, t.Instructions) == fingerprint {
			return &t, nil
		}
	}
	return nil, nil
}

func (b *Backend) nextAgentName() string {
	return "agent-" + uuid.NewString()
}

// GetNextTask reclaims expired leases project-wide, then attempts resume,
// then dispatches the oldest queued task via a single CAS-style
// FindOneAndUpdate guarded by status=queued.
func (b *Backend) GetNextTask(ctx context.Context, projectID, agentName string) (*domain.Task, string, error) {
	now := b.now()
	resolvedAgent := agentName

	if _, err := b.CleanupExpiredLeases(ctx, projectID); err != nil {
		return nil, resolvedAgent, err
	}

	if agentName != "" {
		var running []domain.Task
		cursor, err := b.tasks.Find(ctx, bson.M{
			"projectId":  projectID,
			"status":     domain.TaskRunning,
			"assignedTo": agentName,
		})
		if err != nil {
			return nil, resolvedAgent, apperr.Wrap(apperr.BackendUnavailable, "find running tasks", err)
		}
		if err := cursor.All(ctx, &running); err != nil {
			return nil, resolvedAgent, apperr.Wrap(apperr.BackendUnavailable, "decode running tasks", err)
		}
		if len(running) == 1 {
			return &running[0], resolvedAgent, nil
		}
	}

	if resolvedAgent == "" {
		resolvedAgent = b.nextAgentName()
	}

	tt, err := b.oldestQueuedTaskType(ctx, projectID)
	if err != nil {
		return nil, resolvedAgent, err
	}
	if tt == nil {
		return nil, resolvedAgent, nil
	}
	leaseExpires := now.Add(time.Duration(tt.LeaseDurationMinutes) * time.Minute)

	var claimed domain.Task
	after := options.After
	err = b.tasks.FindOneAndUpdate(ctx,
		bson.M{"projectId": projectID, "typeId": tt.ID, "status": domain.TaskQueued},
		bson.M{"$set": bson.M{
			"status":         domain.TaskRunning,
			"assignedTo":     resolvedAgent,
			"assignedAt":     now,
			"leaseExpiresAt": leaseExpires,
			"updatedAt":      now,
		}, "$push": bson.M{"attempts": domain.Attempt{
			ID: uuid.NewString(), AgentName: resolvedAgent, StartedAt: now,
			Status: domain.AttemptRunning, LeaseExpiresAt: leaseExpires,
		}}},
		&options.FindOneAndUpdateOptions{Sort: bson.D{{Key: "createdAt", Value: 1}}, ReturnDocument: &after},
	).Decode(&claimed)
	if err == mongo.ErrNoDocuments {
		return nil, resolvedAgent, nil
	}
	if err != nil {
		return nil, resolvedAgent, apperr.Wrap(apperr.BackendUnavailable, "claim task", err)
	}
	return &claimed, resolvedAgent, nil
}

// oldestQueuedTaskType finds the task type of the single oldest queued task
// project-wide, since claims happen per task type (lease duration differs).
func (b *Backend) oldestQueuedTaskType(ctx context.Context, projectID string) (*domain.TaskType, error) {
	var oldest domain.Task
	err := b.tasks.FindOne(ctx,
		bson.M{"projectId": projectID, "status": domain.TaskQueued},
		options.FindOne().SetSort(bson.D{{Key: "createdAt", Value: 1}}),
	).Decode(&oldest)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find oldest queued task", err)
	}
	return b.GetTaskType(ctx, projectID, oldest.TypeID)
}

func (b *Backend) CompleteTask(ctx context.Context, projectID, taskID, agentName string, result domain.Result) (*domain.Task, error) {
	now := b.now()
	result.Success = true
	var out domain.Task
	after := options.After
	err := b.tasks.FindOneAndUpdate(ctx,
		bson.M{"projectId": projectID, "_id": taskID, "status": domain.TaskRunning, "assignedTo": agentName},
		bson.M{"$set": bson.M{
			"status": domain.TaskCompleted, "assignedTo": "", "leaseExpiresAt": nil,
			"completedAt": now, "result": result, "updatedAt": now,
		}},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, apperr.New(apperr.NotAssigned, "task is not running under this agent's lease")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "complete task", err)
	}
	return &out, nil
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
	set := bson.M{"assignedTo": "", "leaseExpiresAt": nil, "assignedAt": nil, "updatedAt": now}
	if last := t.LastAttempt(); last != nil {
		if last.Status == domain.AttemptRunning {
			last.Status = domain.AttemptFailed
			last.CompletedAt = &now
			last.FailureReason = result.Error
			last.Result = &result
		}
		set["attempts"] = t.Attempts
	}
	if canRetry && t.RetryCount+1 <= t.MaxRetries {
		set["status"] = domain.TaskQueued
		set["retryCount"] = t.RetryCount + 1
	} else {
		set["status"] = domain.TaskFailed
		set["failedAt"] = now
		set["result"] = result
	}
	var out domain.Task
	after := options.After
	err := b.tasks.FindOneAndUpdate(ctx,
		bson.M{"projectId": projectID, "_id": t.ID, "status": domain.TaskRunning, "assignedTo": t.AssignedTo},
		bson.M{"$set": set},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, apperr.New(apperr.NotAssigned, "task is not running under this agent's lease")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "fail task", err)
	}
	return &out, nil
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
	var out domain.Task
	after := options.After
	err = b.tasks.FindOneAndUpdate(ctx,
		bson.M{"projectId": projectID, "_id": taskID, "status": domain.TaskRunning, "assignedTo": agentName},
		bson.M{"$set": bson.M{"leaseExpiresAt": newExpiry, "updatedAt": now}},
		&options.FindOneAndUpdateOptions{ReturnDocument: &after},
	).Decode(&out)
	if err == mongo.ErrNoDocuments {
		return nil, apperr.New(apperr.NotAssigned, "task is not running under this agent's lease")
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "extend lease", err)
	}
	return &out, nil
}

func (b *Backend) CleanupExpiredLeases(ctx context.Context, projectID string) (domain.ReclaimReport, error) {
	var report domain.ReclaimReport
	now := b.now()
	cursor, err := b.tasks.Find(ctx, bson.M{
		"projectId": projectID, "status": domain.TaskRunning, "leaseExpiresAt": bson.M{"$lte": now},
	})
	if err != nil {
		return report, apperr.Wrap(apperr.BackendUnavailable, "find expired leases", err)
	}
	var expired []domain.Task
	if err := cursor.All(ctx, &expired); err != nil {
		return report, apperr.Wrap(apperr.BackendUnavailable, "decode expired leases", err)
	}
	cleaned := map[string]bool{}
	for i := range expired {
		t := &expired[i]
		cleaned[t.AssignedTo] = true
		if last := t.LastAttempt(); last != nil {
			last.Status = domain.AttemptTimeout
			last.CompletedAt = &now
			last.FailureReason = "lease expired"
		}
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
	cursor, err := b.tasks.Find(ctx, bson.M{"projectId": projectID, "status": domain.TaskRunning})
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "list active agents", err)
	}
	defer cursor.Close(ctx)
	var out []domain.Agent
	for cursor.Next(ctx) {
		var t domain.Task
		if err := cursor.Decode(&t); err != nil {
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
	cursor, err := b.tasks.Find(ctx, bson.M{"projectId": projectID})
	if err != nil {
		return domain.LeaseStats{}, apperr.Wrap(apperr.BackendUnavailable, "lease stats", err)
	}
	defer cursor.Close(ctx)
	now := b.now()
	stats := domain.LeaseStats{TasksByStatus: map[string]int{}}
	for cursor.Next(ctx) {
		var t domain.Task
		if err := cursor.Decode(&t); err != nil {
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
	if _, err := b.sessions.InsertOne(ctx, s); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "insert session", err)
	}
	return nil
}

func (b *Backend) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var s domain.Session
	err := b.sessions.FindOne(ctx, bson.M{"_id": id}).Decode(&s)
	if err == mongo.ErrNoDocuments {
		return nil, apperr.NotFoundf("session %s not found", id)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find session", err)
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
	if _, err := b.sessions.ReplaceOne(ctx, bson.M{"_id": id}, s); err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "replace session", err)
	}
	return s, nil
}

func (b *Backend) DeleteSession(ctx context.Context, id string) error {
	if _, err := b.sessions.DeleteOne(ctx, bson.M{"_id": id}); err != nil {
		return apperr.Wrap(apperr.BackendUnavailable, "delete session", err)
	}
	return nil
}

func (b *Backend) FindSessionsByAgent(ctx context.Context, agentName, projectID string) ([]*domain.Session, error) {
	cursor, err := b.sessions.Find(ctx,
		bson.M{"agentName": agentName, "projectId": projectID},
		options.Find().SetSort(bson.D{{Key: "lastAccessedAt", Value: -1}}))
	if err != nil {
		return nil, apperr.Wrap(apperr.BackendUnavailable, "find sessions by agent", err)
	}
	defer cursor.Close(ctx)
	var out []*domain.Session
	for cursor.Next(ctx) {
		var s domain.Session
		if err := cursor.Decode(&s); err == nil {
			out = append(out, &s)
		}
	}
	return out, nil
}

func (b *Backend) CleanupExpiredSessions(ctx context.Context) (int, error) {
	res, err := b.sessions.DeleteMany(ctx, bson.M{"expiresAt": bson.M{"$lt": b.now()}})
	if err != nil {
		return 0, apperr.Wrap(apperr.BackendUnavailable, "cleanup expired sessions", err)
	}
	return int(res.DeletedCount), nil
}
