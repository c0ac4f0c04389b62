package filestore_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/storage/filestore"
)

func newBackend(t *testing.T) *filestore.Backend {
	t.Helper()
	b, err := filestore.New(t.TempDir(), time.Second)
	require.NoError(t, err)
	return b
}

func mustProject(t *testing.T, b *filestore.Backend, name string) *domain.Project {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	p := &domain.Project{
		Name:      name,
		Status:    domain.ProjectActive,
		CreatedAt: now,
		UpdatedAt: now,
		Config:    domain.ProjectConfig{DefaultMaxRetries: 2, DefaultLeaseDurationMinutes: 15, ReaperIntervalMinutes: 5},
	}
	require.NoError(t, b.CreateProject(ctx, p))
	return p
}

func TestCreateProject_DuplicateNameRejected(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	mustProject(t, b, "demo")

	dup := &domain.Project{Name: "demo"}
	err := b.CreateProject(ctx, dup)
	require.Error(t, err)
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
}

func TestGetNextTask_AssignsFIFO(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	p := mustProject(t, b, "demo")

	tt := &domain.TaskType{ProjectID: p.ID, Name: "t", MaxRetries: 2, LeaseDurationMinutes: 15, CreatedAt: time.Now()}
	require.NoError(t, b.CreateTaskType(ctx, tt))

	first := &domain.Task{ProjectID: p.ID, TypeID: tt.ID, Status: domain.TaskQueued, CreatedAt: time.Now()}
	require.NoError(t, b.CreateTask(ctx, first))
	second := &domain.Task{ProjectID: p.ID, TypeID: tt.ID, Status: domain.TaskQueued, CreatedAt: time.Now().Add(time.Second)}
	require.NoError(t, b.CreateTask(ctx, second))

	claimed, agent, err := b.GetNextTask(ctx, p.ID, "")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.NotEmpty(t, agent)
	assert.Equal(t, domain.TaskRunning, claimed.Status)
	assert.Equal(t, agent, claimed.AssignedTo)
}

func TestGetNextTask_ReclaimsExpiredLease(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	p := mustProject(t, b, "demo")

	tt := &domain.TaskType{ProjectID: p.ID, Name: "t", MaxRetries: 2, LeaseDurationMinutes: 15, CreatedAt: time.Now()}
	require.NoError(t, b.CreateTaskType(ctx, tt))

	past := time.Now().Add(-time.Hour)
	stuck := &domain.Task{
		ProjectID: p.ID, TypeID: tt.ID, Status: domain.TaskRunning,
		AssignedTo: "agent-dead", AssignedAt: &past, LeaseExpiresAt: &past,
		MaxRetries: 2,
		CreatedAt:  time.Now(),
		Attempts:   []domain.Attempt{{ID: "a1", AgentName: "agent-dead", StartedAt: past, Status: domain.AttemptRunning, LeaseExpiresAt: past}},
	}
	require.NoError(t, b.CreateTask(ctx, stuck))

	claimed, agent, err := b.GetNextTask(ctx, p.ID, "agent-new")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, stuck.ID, claimed.ID)
	assert.Equal(t, "agent-new", agent)
	assert.Equal(t, 1, claimed.RetryCount)
}

func TestCompleteTask_WrongAgentRejected(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	p := mustProject(t, b, "demo")
	tt := &domain.TaskType{ProjectID: p.ID, Name: "t", MaxRetries: 2, LeaseDurationMinutes: 15, CreatedAt: time.Now()}
	require.NoError(t, b.CreateTaskType(ctx, tt))
	task := &domain.Task{ProjectID: p.ID, TypeID: tt.ID, Status: domain.TaskQueued, CreatedAt: time.Now()}
	require.NoError(t, b.CreateTask(ctx, task))

	claimed, agent, err := b.GetNextTask(ctx, p.ID, "agent-a")
	require.NoError(t, err)

	_, err = b.CompleteTask(ctx, p.ID, claimed.ID, "agent-b", domain.Result{Output: "done"})
	require.Error(t, err)
	assert.Equal(t, apperr.NotAssigned, apperr.KindOf(err))

	_, err = b.CompleteTask(ctx, p.ID, claimed.ID, agent, domain.Result{Output: "done"})
	require.NoError(t, err)
}

func TestExtendLease_ExtendsFromCurrentExpiry(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	p := mustProject(t, b, "demo")
	tt := &domain.TaskType{ProjectID: p.ID, Name: "t", MaxRetries: 2, LeaseDurationMinutes: 15, CreatedAt: time.Now()}
	require.NoError(t, b.CreateTaskType(ctx, tt))
	task := &domain.Task{ProjectID: p.ID, TypeID: tt.ID, Status: domain.TaskQueued, CreatedAt: time.Now()}
	require.NoError(t, b.CreateTask(ctx, task))

	claimed, agent, err := b.GetNextTask(ctx, p.ID, "agent-a")
	require.NoError(t, err)
	originalExpiry := *claimed.LeaseExpiresAt

	extended, err := b.ExtendLease(ctx, p.ID, claimed.ID, agent, 10)
	require.NoError(t, err)
	assert.True(t, extended.LeaseExpiresAt.After(originalExpiry))
}

func TestComputeStats_ReflectsTaskCounts(t *testing.T) {
	ctx := context.Background()
	b := newBackend(t)
	p := mustProject(t, b, "demo")
	tt := &domain.TaskType{ProjectID: p.ID, Name: "t", MaxRetries: 2, LeaseDurationMinutes: 15, CreatedAt: time.Now()}
	require.NoError(t, b.CreateTaskType(ctx, tt))

	for i := 0; i < 3; i++ {
		require.NoError(t, b.CreateTask(ctx, &domain.Task{ProjectID: p.ID, TypeID: tt.ID, Status: domain.TaskQueued, CreatedAt: time.Now()}))
	}

	got, err := b.GetProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Stats.Total)
	assert.Equal(t, 3, got.Stats.Queued)
}
