// Package projectsvc implements the Project Service (spec §4.3): lifecycle,
// validation, and derived-stats aggregation on every read.
package projectsvc

import (
	"context"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/storage"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

const (
	defaultMaxRetries            = 3
	defaultLeaseDurationMinutes  = 30
	defaultReaperIntervalMinutes = 5
)

type Service struct {
	backend storage.Backend
}

func New(backend storage.Backend) *Service {
	return &Service{backend: backend}
}

// CreateInput captures the caller-supplied fields for project creation.
type CreateInput struct {
	ID           string
	Name         string
	Description  string
	Instructions string
	Config       *domain.ProjectConfig
}

func validateName(name string) error {
	if !namePattern.MatchString(name) {
		return apperr.Validationf("project name %q must be 1-64 alnum/kebab/snake characters", name)
	}
	return nil
}

func validateConfig(c domain.ProjectConfig) error {
	if c.DefaultMaxRetries < 0 || c.DefaultMaxRetries > 10 {
		return apperr.Validationf("defaultMaxRetries must be 0-10")
	}
	if c.DefaultLeaseDurationMinutes < 1 || c.DefaultLeaseDurationMinutes > 1440 {
		return apperr.Validationf("defaultLeaseDurationMinutes must be 1-1440")
	}
	if c.ReaperIntervalMinutes < 1 || c.ReaperIntervalMinutes > 60 {
		return apperr.Validationf("reaperIntervalMinutes must be 1-60")
	}
	return nil
}

func (s *Service) Create(ctx context.Context, in CreateInput) (*domain.Project, error) {
	if err := validateName(in.Name); err != nil {
		return nil, err
	}
	cfg := domain.ProjectConfig{
		DefaultMaxRetries:           defaultMaxRetries,
		DefaultLeaseDurationMinutes: defaultLeaseDurationMinutes,
		ReaperIntervalMinutes:       defaultReaperIntervalMinutes,
	}
	if in.Config != nil {
		cfg = *in.Config
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now()
	p := &domain.Project{
		ID:           id,
		Name:         in.Name,
		Description:  in.Description,
		Instructions: in.Instructions,
		Status:       domain.ProjectActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		Config:       cfg,
	}
	if err := s.backend.CreateProject(ctx, p); err != nil {
		return nil, err
	}
	return s.backend.GetProject(ctx, p.ID)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Project, error) {
	return s.backend.GetProject(ctx, id)
}

// UpdateInput captures the partial fields an update may change; nil means
// "leave unchanged".
type UpdateInput struct {
	Description  *string
	Instructions *string
	Config       *domain.ProjectConfig
}

func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (*domain.Project, error) {
	if in.Config != nil {
		if err := validateConfig(*in.Config); err != nil {
			return nil, err
		}
	}
	return s.backend.UpdateProject(ctx, id, func(p *domain.Project) error {
		if in.Description != nil {
			p.Description = *in.Description
		}
		if in.Instructions != nil {
			p.Instructions = *in.Instructions
		}
		if in.Config != nil {
			p.Config = *in.Config
		}
		return nil
	})
}

func (s *Service) List(ctx context.Context, includeClosed bool) ([]*domain.Project, error) {
	return s.backend.ListProjects(ctx, includeClosed)
}

func (s *Service) Close(ctx context.Context, id string) (*domain.Project, error) {
	return s.backend.UpdateProject(ctx, id, func(p *domain.Project) error {
		p.Status = domain.ProjectClosed
		return nil
	})
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.backend.DeleteProject(ctx, id)
}

// ValidateAccess loads the project and fails with NotFound/Closed, per
// spec's validateProjectAccess.
func (s *Service) ValidateAccess(ctx context.Context, id string) (*domain.Project, error) {
	p, err := s.backend.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == domain.ProjectClosed {
		return nil, apperr.New(apperr.Closed, "project is closed")
	}
	return p, nil
}

func (s *Service) GetStatus(ctx context.Context, id string) (*domain.ProjectStatusView, error) {
	p, err := s.backend.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	agents, err := s.backend.ListActiveAgents(ctx, id)
	if err != nil {
		return nil, err
	}
	return &domain.ProjectStatusView{
		Project:          *p,
		QueueDepth:       p.Stats.Queued,
		ActiveAgentCount: len(agents),
		RecentActivity:   []string{},
	}, nil
}
