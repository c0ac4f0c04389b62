package tasktypesvc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/projectsvc"
	"github.com/taskforge/engine/internal/storage/filestore"
	"github.com/taskforge/engine/internal/tasktypesvc"
)

func newHarness(t *testing.T) (*projectsvc.Service, *tasktypesvc.Service) {
	t.Helper()
	backend, err := filestore.New(t.TempDir(), time.Second)
	require.NoError(t, err)
	projects := projectsvc.New(backend)
	return projects, tasktypesvc.New(backend, projects)
}

func mustCreateProject(t *testing.T, projects *projectsvc.Service) *domain.Project {
	t.Helper()
	p, err := projects.Create(context.Background(), projectsvc.CreateInput{
		Name:   "demo",
		Config: &domain.ProjectConfig{DefaultMaxRetries: 4, DefaultLeaseDurationMinutes: 20, ReaperIntervalMinutes: 5},
	})
	require.NoError(t, err)
	return p
}

func TestCreate_InheritsProjectDefaults(t *testing.T) {
	ctx := context.Background()
	projects, types := newHarness(t)
	p := mustCreateProject(t, projects)

	tt, err := types.Create(ctx, tasktypesvc.CreateInput{ProjectID: p.ID, Name: "review", Template: "review {{file}}"})
	require.NoError(t, err)
	assert.Equal(t, 4, tt.MaxRetries)
	assert.Equal(t, 20, tt.LeaseDurationMinutes)
	assert.Equal(t, domain.DuplicateAllow, tt.DuplicateHandling)
	assert.Equal(t, []string{"file"}, tt.Variables)
}

func TestCreate_OverridesProjectDefaults(t *testing.T) {
	ctx := context.Background()
	projects, types := newHarness(t)
	p := mustCreateProject(t, projects)

	maxRetries := 1
	tt, err := types.Create(ctx, tasktypesvc.CreateInput{
		ProjectID: p.ID, Name: "review", MaxRetries: &maxRetries,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, tt.MaxRetries)
	assert.Equal(t, 20, tt.LeaseDurationMinutes)
}

func TestCreate_EmptyName(t *testing.T) {
	ctx := context.Background()
	projects, types := newHarness(t)
	p := mustCreateProject(t, projects)

	_, err := types.Create(ctx, tasktypesvc.CreateInput{ProjectID: p.ID, Name: "   "})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestCreate_InvalidDuplicateHandling(t *testing.T) {
	ctx := context.Background()
	projects, types := newHarness(t)
	p := mustCreateProject(t, projects)

	_, err := types.Create(ctx, tasktypesvc.CreateInput{
		ProjectID: p.ID, Name: "review", DuplicateHandling: domain.DuplicateHandling("bogus"),
	})
	require.Error(t, err)
}

func TestCreate_ClosedProjectRejected(t *testing.T) {
	ctx := context.Background()
	projects, types := newHarness(t)
	p := mustCreateProject(t, projects)
	_, err := projects.Close(ctx, p.ID)
	require.NoError(t, err)

	_, err = types.Create(ctx, tasktypesvc.CreateInput{ProjectID: p.ID, Name: "review"})
	require.Error(t, err)
	assert.Equal(t, apperr.Closed, apperr.KindOf(err))
}

func TestUpdate_TemplateRecomputesVariables(t *testing.T) {
	ctx := context.Background()
	projects, types := newHarness(t)
	p := mustCreateProject(t, projects)
	tt, err := types.Create(ctx, tasktypesvc.CreateInput{ProjectID: p.ID, Name: "review", Template: "review {{file}}"})
	require.NoError(t, err)

	newTemplate := "review {{file}} with {{reviewer}}"
	updated, err := types.Update(ctx, p.ID, tt.ID, tasktypesvc.UpdateInput{Template: &newTemplate})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"file", "reviewer"}, updated.Variables)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	projects, types := newHarness(t)
	p := mustCreateProject(t, projects)
	tt, err := types.Create(ctx, tasktypesvc.CreateInput{ProjectID: p.ID, Name: "review"})
	require.NoError(t, err)

	require.NoError(t, types.Delete(ctx, p.ID, tt.ID))
	_, err = types.Get(ctx, p.ID, tt.ID)
	require.Error(t, err)
}
