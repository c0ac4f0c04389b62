// Package tasksvc implements the Task & Lease Service (spec §4.5), the
// heart of the system: creation with duplicate detection, atomic claim,
// completion, failure/retry, lease extension, and expired-lease reclaim.
package tasksvc

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/eventbus"
	"github.com/taskforge/engine/internal/metrics"
	"github.com/taskforge/engine/internal/projectsvc"
	"github.com/taskforge/engine/internal/storage"
	"github.com/taskforge/engine/internal/stringutils"
	"github.com/taskforge/engine/internal/template"
)

type Service struct {
	backend  storage.Backend
	projects *projectsvc.Service
	events   *eventbus.Bus
	metrics  *metrics.Collector
}

func New(backend storage.Backend, projects *projectsvc.Service) *Service {
	return &Service{backend: backend, projects: projects}
}

// SetEventBus wires an eventbus.Bus that Claim/Complete/Fail/ExtendLease/
// Cleanup publish lifecycle transitions to. Left nil, the service runs
// exactly as before with no publishing side effect.
func (s *Service) SetEventBus(bus *eventbus.Bus) { s.events = bus }

// SetMetrics wires a metrics.Collector that Claim/Complete/Fail/Cleanup
// increment. Left nil, the service runs exactly as before.
func (s *Service) SetMetrics(c *metrics.Collector) { s.metrics = c }

func (s *Service) publish(kind eventbus.Kind, projectID, taskID, agentName string, detail map[string]any) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventbus.New(kind, projectID, taskID, agentName, detail))
}

// CreateInput is a single task-creation request (spec §4.5 createTask).
type CreateInput struct {
	ID           string
	TypeID       string
	Description  string
	Instructions string
	Variables    map[string]string
}

func (s *Service) resolveInstructionsAndVariables(tt *domain.TaskType, in CreateInput) (string, map[string]string, error) {
	vars := in.Variables
	if vars == nil {
		vars = map[string]string{}
	}
	if tt.Template != "" {
		// Template types derive instructions at read/creation time from the
		// template; caller-supplied instructions are ignored, but the
		// variables required by the placeholders must be present.
		v := template.Validate(tt.Template, vars)
		if !v.Valid {
			return "", nil, apperr.Validationf("missing template variables: %v", v.Missing)
		}
		return template.Substitute(tt.Template, vars), vars, nil
	}
	if stringutils.IsEmpty(in.Instructions) {
		return "", nil, apperr.Validationf("instructions are required for task types without a template")
	}
	return in.Instructions, vars, nil
}

// Create validates, applies the duplicate-handling policy, and persists a
// new queued task.
func (s *Service) Create(ctx context.Context, projectID string, in CreateInput) (*domain.Task, error) {
	if _, err := s.projects.ValidateAccess(ctx, projectID); err != nil {
		return nil, err
	}
	tt, err := s.backend.GetTaskType(ctx, projectID, in.TypeID)
	if err != nil {
		return nil, err
	}

	instructions, vars, err := s.resolveInstructionsAndVariables(tt, in)
	if err != nil {
		return nil, err
	}

	fingerprint := storage.Fingerprint(tt.ID, vars, instructions)
	if tt.DuplicateHandling != domain.DuplicateAllow {
		existing, err := s.backend.FindTaskByFingerprint(ctx, projectID, tt.ID, fingerprint)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if tt.DuplicateHandling == domain.DuplicateIgnore {
				return existing, nil
			}
			return nil, apperr.New(apperr.Conflict, "duplicate task")
		}
	}

	now := time.Now()
	t := &domain.Task{
		ID:           in.ID,
		ProjectID:    projectID,
		TypeID:       tt.ID,
		Description:  in.Description,
		Instructions: instructions,
		Variables:    vars,
		Status:       domain.TaskQueued,
		RetryCount:   0,
		MaxRetries:   tt.MaxRetries,
		CreatedAt:    now,
		Attempts:     []domain.Attempt{},
	}
	if err := s.backend.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	s.publish(eventbus.TaskQueued, projectID, t.ID, "", nil)
	return t, nil
}

// CreateBulk applies Create to each input independently; per-item errors do
// not abort the batch (spec §4.5 "Bulk creation").
func (s *Service) CreateBulk(ctx context.Context, projectID string, inputs []CreateInput) (*domain.Batch, error) {
	batch := &domain.Batch{BatchID: newBatchID()}
	for _, in := range inputs {
		t, err := s.Create(ctx, projectID, in)
		if err != nil {
			if apperr.Is(err, apperr.Conflict) {
				batch.DuplicatesSkipped++
				continue
			}
			batch.Errors = append(batch.Errors, err.Error())
			continue
		}
		t.BatchID = batch.BatchID
		batch.TasksCreated = append(batch.TasksCreated, t.ID)
	}
	return batch, nil
}

func (s *Service) Get(ctx context.Context, projectID, id string) (*domain.Task, error) {
	return s.backend.GetTask(ctx, projectID, id)
}

func (s *Service) List(ctx context.Context, projectID string, filter storage.TaskFilter) ([]*domain.Task, storage.Page, error) {
	tasks, total, err := s.backend.ListTasks(ctx, projectID, filter)
	if err != nil {
		return nil, storage.Page{}, err
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	return tasks, storage.NewPage(total, filter.Offset, limit, len(tasks)), nil
}

// Claim is the atomic getNextTask primitive (spec §4.5).
func (s *Service) Claim(ctx context.Context, projectID, agentName string) (*domain.Task, string, error) {
	t, resolvedAgent, err := s.backend.GetNextTask(ctx, projectID, agentName)
	if err == nil && t != nil {
		s.publish(eventbus.TaskClaimed, projectID, t.ID, resolvedAgent, nil)
		if s.metrics != nil {
			s.metrics.ObserveClaim(projectID)
		}
	}
	return t, resolvedAgent, err
}

func (s *Service) Complete(ctx context.Context, agentName, projectID, taskID string, result domain.Result) (*domain.Task, error) {
	t, err := s.backend.CompleteTask(ctx, projectID, taskID, agentName, result)
	if err == nil {
		s.publish(eventbus.TaskCompleted, projectID, taskID, agentName, nil)
		if s.metrics != nil {
			s.metrics.ObserveComplete(projectID)
		}
	}
	return t, err
}

func (s *Service) Fail(ctx context.Context, agentName, projectID, taskID string, result domain.Result, canRetry bool) (*domain.Task, error) {
	t, err := s.backend.FailTask(ctx, projectID, taskID, agentName, result, canRetry)
	if err == nil {
		kind := eventbus.TaskFailed
		if t.Status == domain.TaskQueued {
			kind = eventbus.TaskRequeued
		}
		s.publish(kind, projectID, taskID, agentName, map[string]any{"error": result.Error})
		if s.metrics != nil {
			if kind == eventbus.TaskRequeued {
				s.metrics.ObserveRequeue(projectID)
			} else {
				s.metrics.ObserveFail(projectID)
			}
		}
	}
	return t, err
}

func (s *Service) ExtendLease(ctx context.Context, projectID, taskID, agentName string, minutes int) (*domain.Task, error) {
	t, err := s.backend.ExtendLease(ctx, projectID, taskID, agentName, minutes)
	if err == nil {
		s.publish(eventbus.LeaseExtended, projectID, taskID, agentName, map[string]any{"minutes": minutes})
	}
	return t, err
}

func (s *Service) Cleanup(ctx context.Context, projectID string) (domain.ReclaimReport, error) {
	report, err := s.backend.CleanupExpiredLeases(ctx, projectID)
	if err == nil && report.ReclaimedTasks > 0 {
		s.publish(eventbus.LeaseExpired, projectID, "", "", map[string]any{"reclaimedTasks": report.ReclaimedTasks})
		if s.metrics != nil {
			s.metrics.ObserveReclaim(projectID, report.ReclaimedTasks)
		}
	}
	return report, err
}

func (s *Service) LeaseStats(ctx context.Context, projectID string) (domain.LeaseStats, error) {
	return s.backend.GetLeaseStats(ctx, projectID)
}

func (s *Service) ListActiveAgents(ctx context.Context, projectID string) ([]domain.Agent, error) {
	return s.backend.ListActiveAgents(ctx, projectID)
}

func (s *Service) GetAgentStatus(ctx context.Context, projectID, name string) (*domain.Agent, error) {
	return s.backend.GetAgentStatus(ctx, projectID, name)
}

func newBatchID() string {
	return "batch-" + uuid.NewString()
}
