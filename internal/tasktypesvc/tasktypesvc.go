// Package tasktypesvc implements the TaskType Service (spec §4.4): template
// definitions and per-type retry/lease defaults inherited from the project.
package tasktypesvc

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/projectsvc"
	"github.com/taskforge/engine/internal/storage"
	"github.com/taskforge/engine/internal/stringutils"
	"github.com/taskforge/engine/internal/template"
)

type Service struct {
	backend  storage.Backend
	projects *projectsvc.Service
}

func New(backend storage.Backend, projects *projectsvc.Service) *Service {
	return &Service{backend: backend, projects: projects}
}

type CreateInput struct {
	ID                   string
	ProjectID            string
	Name                 string
	Template             string
	DuplicateHandling    domain.DuplicateHandling
	MaxRetries           *int
	LeaseDurationMinutes *int
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.TaskType, error) {
	if stringutils.IsEmpty(in.Name) {
		return nil, apperr.Validationf("task type name is required")
	}
	project, err := s.projects.ValidateAccess(ctx, in.ProjectID)
	if err != nil {
		return nil, err
	}

	handling := in.DuplicateHandling
	if handling == "" {
		handling = domain.DuplicateAllow
	}
	if handling != domain.DuplicateAllow && handling != domain.DuplicateIgnore && handling != domain.DuplicateFail {
		return nil, apperr.Validationf("duplicateHandling must be one of allow, ignore, fail")
	}

	maxRetries := project.Config.DefaultMaxRetries
	if in.MaxRetries != nil {
		maxRetries = *in.MaxRetries
	}
	leaseMinutes := project.Config.DefaultLeaseDurationMinutes
	if in.LeaseDurationMinutes != nil {
		leaseMinutes = *in.LeaseDurationMinutes
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	tt := &domain.TaskType{
		ID:                   id,
		ProjectID:            in.ProjectID,
		Name:                 in.Name,
		Template:             in.Template,
		Variables:            template.Extract(in.Template),
		DuplicateHandling:    handling,
		MaxRetries:           maxRetries,
		LeaseDurationMinutes: leaseMinutes,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.backend.CreateTaskType(ctx, tt); err != nil {
		return nil, err
	}
	return tt, nil
}

func (s *Service) Get(ctx context.Context, projectID, id string) (*domain.TaskType, error) {
	return s.backend.GetTaskType(ctx, projectID, id)
}

func (s *Service) List(ctx context.Context, projectID string) ([]*domain.TaskType, error) {
	return s.backend.ListTaskTypes(ctx, projectID)
}

type UpdateInput struct {
	Template             *string
	DuplicateHandling    *domain.DuplicateHandling
	MaxRetries           *int
	LeaseDurationMinutes *int
}

func (s *Service) Update(ctx context.Context, projectID, id string, in UpdateInput) (*domain.TaskType, error) {
	return s.backend.UpdateTaskType(ctx, projectID, id, func(tt *domain.TaskType) error {
		if in.Template != nil {
			tt.Template = *in.Template
			tt.Variables = template.Extract(*in.Template)
		}
		if in.DuplicateHandling != nil {
			tt.DuplicateHandling = *in.DuplicateHandling
		}
		if in.MaxRetries != nil {
			tt.MaxRetries = *in.MaxRetries
		}
		if in.LeaseDurationMinutes != nil {
			tt.LeaseDurationMinutes = *in.LeaseDurationMinutes
		}
		return nil
	})
}

func (s *Service) Delete(ctx context.Context, projectID, id string) error {
	return s.backend.DeleteTaskType(ctx, projectID, id)
}
