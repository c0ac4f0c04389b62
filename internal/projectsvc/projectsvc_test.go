package projectsvc_test

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
)

func newService(t *testing.T) *projectsvc.Service {
	t.Helper()
	backend, err := filestore.New(t.TempDir(), time.Second)
	require.NoError(t, err)
	return projectsvc.New(backend)
}

func TestCreate_Defaults(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	p, err := svc.Create(ctx, projectsvc.CreateInput{Name: "demo"})
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name)
	assert.Equal(t, domain.ProjectActive, p.Status)
	assert.Equal(t, 3, p.Config.DefaultMaxRetries)
	assert.Equal(t, 30, p.Config.DefaultLeaseDurationMinutes)
	assert.Equal(t, 5, p.Config.ReaperIntervalMinutes)
}

func TestCreate_InvalidName(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.Create(ctx, projectsvc.CreateInput{Name: "has a space"})
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.Validation, appErr.Kind)
}

func TestCreate_InvalidConfig(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)

	_, err := svc.Create(ctx, projectsvc.CreateInput{
		Name:   "demo",
		Config: &domain.ProjectConfig{DefaultMaxRetries: 99, DefaultLeaseDurationMinutes: 30, ReaperIntervalMinutes: 5},
	})
	require.Error(t, err)
}

func TestUpdate_PartialFields(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	p, err := svc.Create(ctx, projectsvc.CreateInput{Name: "demo"})
	require.NoError(t, err)

	newDesc := "updated description"
	updated, err := svc.Update(ctx, p.ID, projectsvc.UpdateInput{Description: &newDesc})
	require.NoError(t, err)
	assert.Equal(t, newDesc, updated.Description)
	assert.Equal(t, p.Instructions, updated.Instructions)
}

func TestClose_BlocksFurtherAccess(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	p, err := svc.Create(ctx, projectsvc.CreateInput{Name: "demo"})
	require.NoError(t, err)

	closed, err := svc.Close(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ProjectClosed, closed.Status)

	_, err = svc.ValidateAccess(ctx, p.ID)
	require.Error(t, err)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.Closed, appErr.Kind)
}

func TestList_ExcludesClosedByDefault(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	p, err := svc.Create(ctx, projectsvc.CreateInput{Name: "demo"})
	require.NoError(t, err)
	_, err = svc.Close(ctx, p.ID)
	require.NoError(t, err)

	active, err := svc.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := svc.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	p, err := svc.Create(ctx, projectsvc.CreateInput{Name: "demo"})
	require.NoError(t, err)

	status, err := svc.GetStatus(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.QueueDepth)
	assert.Equal(t, 0, status.ActiveAgentCount)
}
