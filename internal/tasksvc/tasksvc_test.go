package tasksvc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/projectsvc"
	"github.com/taskforge/engine/internal/storage"
	"github.com/taskforge/engine/internal/storage/filestore"
	"github.com/taskforge/engine/internal/tasksvc"
	"github.com/taskforge/engine/internal/tasktypesvc"
)

func newHarness(t *testing.T) (*filestore.Backend, *projectsvc.Service, *tasktypesvc.Service, *tasksvc.Service) {
	t.Helper()
	backend, err := filestore.New(t.TempDir(), time.Second)
	require.NoError(t, err)
	projects := projectsvc.New(backend)
	types := tasktypesvc.New(backend, projects)
	tasks := tasksvc.New(backend, projects)
	return backend, projects, types, tasks
}

func mustCreateProject(t *testing.T, projects *projectsvc.Service) *domain.Project {
	t.Helper()
	p, err := projects.Create(context.Background(), projectsvc.CreateInput{Name: "p"})
	require.NoError(t, err)
	return p
}

// S1 — basic lifecycle.
func TestBasicLifecycle(t *testing.T) {
	ctx := context.Background()
	_, projects, types, tasks := newHarness(t)

	p := mustCreateProject(t, projects)
	tt, err := types.Create(ctx, tasktypesvc.CreateInput{ProjectID: p.ID, Name: "t", Template: "Do {{x}}"})
	require.NoError(t, err)

	created, err := tasks.Create(ctx, p.ID, tasksvc.CreateInput{TypeID: tt.ID, Variables: map[string]string{"x": "a"}})
	require.NoError(t, err)
	assert.Equal(t, "Do a", created.Instructions)

	claimed, agent, err := tasks.Claim(ctx, p.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, "A", agent)
	assert.Equal(t, "A", claimed.AssignedTo)
	assert.Equal(t, domain.TaskRunning, claimed.Status)

	_, err = tasks.Complete(ctx, "A", p.ID, claimed.ID, domain.Result{Output: "ok"})
	require.NoError(t, err)

	got, err := projects.Get(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Stats.Total)
	assert.Equal(t, 1, got.Stats.Completed)
}

// S2 — retry until permanent failure.
func TestRetryUntilFailed(t *testing.T) {
	ctx := context.Background()
	_, projects, types, tasks := newHarness(t)

	p := mustCreateProject(t, projects)
	maxRetries := 2
	tt, err := types.Create(ctx, tasktypesvc.CreateInput{
		ProjectID: p.ID, Name: "t", Template: "", MaxRetries: &maxRetries,
	})
	require.NoError(t, err)

	created, err := tasks.Create(ctx, p.ID, tasksvc.CreateInput{TypeID: tt.ID, Instructions: "do it"})
	require.NoError(t, err)

	for i, agent := range []string{"A", "B"} {
		claimed, _, err := tasks.Claim(ctx, p.ID, agent)
		require.NoError(t, err)
		require.NotNil(t, claimed)
		failed, err := tasks.Fail(ctx, agent, p.ID, claimed.ID, domain.Result{Error: "boom"}, true)
		require.NoError(t, err)
		assert.Equal(t, domain.TaskQueued, failed.Status)
		assert.Equal(t, i+1, failed.RetryCount)
	}

	claimed, _, err := tasks.Claim(ctx, p.ID, "C")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, created.ID, claimed.ID)

	failed, err := tasks.Fail(ctx, "C", p.ID, claimed.ID, domain.Result{Error: "boom"}, true)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskFailed, failed.Status)
	assert.Equal(t, 2, failed.RetryCount)
}

// S3 — lease expiry reclaim.
func TestLeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	backend, projects, types, tasks := newHarness(t)

	p := mustCreateProject(t, projects)
	leaseMinutes := 1
	tt, err := types.Create(ctx, tasktypesvc.CreateInput{
		ProjectID: p.ID, Name: "t", LeaseDurationMinutes: &leaseMinutes,
	})
	require.NoError(t, err)
	_, err = tasks.Create(ctx, p.ID, tasksvc.CreateInput{TypeID: tt.ID, Instructions: "do it"})
	require.NoError(t, err)

	claimed, _, err := tasks.Claim(ctx, p.ID, "A")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	future := time.Now().Add(2 * time.Minute)
	backend.SetClock(func() time.Time { return future })

	reclaimed, agent, err := tasks.Claim(ctx, p.ID, "B")
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, "B", agent)
	assert.Equal(t, claimed.ID, reclaimed.ID)
	assert.Equal(t, 1, reclaimed.RetryCount)
	assert.Equal(t, "B", reclaimed.AssignedTo)
}

// S4 — duplicate handling policies.
func TestDuplicatePolicies(t *testing.T) {
	ctx := context.Background()
	_, projects, types, tasks := newHarness(t)
	p := mustCreateProject(t, projects)

	ignoreType, err := types.Create(ctx, tasktypesvc.CreateInput{
		ProjectID: p.ID, Name: "ignore-type", DuplicateHandling: domain.DuplicateIgnore,
	})
	require.NoError(t, err)
	failType, err := types.Create(ctx, tasktypesvc.CreateInput{
		ProjectID: p.ID, Name: "fail-type", DuplicateHandling: domain.DuplicateFail,
	})
	require.NoError(t, err)

	vars := map[string]string{"k": "v"}

	first, err := tasks.Create(ctx, p.ID, tasksvc.CreateInput{TypeID: ignoreType.ID, Instructions: "x", Variables: vars})
	require.NoError(t, err)
	second, err := tasks.Create(ctx, p.ID, tasksvc.CreateInput{TypeID: ignoreType.ID, Instructions: "x", Variables: vars})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = tasks.Create(ctx, p.ID, tasksvc.CreateInput{TypeID: failType.ID, Instructions: "y", Variables: vars})
	require.NoError(t, err)
	_, err = tasks.Create(ctx, p.ID, tasksvc.CreateInput{TypeID: failType.ID, Instructions: "y", Variables: vars})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.Conflict))
}

// S5 — pagination.
func TestPagination(t *testing.T) {
	ctx := context.Background()
	_, projects, types, tasks := newHarness(t)
	p := mustCreateProject(t, projects)
	tt, err := types.Create(ctx, tasktypesvc.CreateInput{ProjectID: p.ID, Name: "t"})
	require.NoError(t, err)

	for i := 0; i < 250; i++ {
		_, err := tasks.Create(ctx, p.ID, tasksvc.CreateInput{TypeID: tt.ID, Instructions: "x"})
		require.NoError(t, err)
	}

	list, page, err := tasks.List(ctx, p.ID, storage.TaskFilter{Limit: 50, Offset: 100})
	require.NoError(t, err)
	assert.Len(t, list, 50)
	assert.Equal(t, 250, page.Total)
	assert.Equal(t, 100, page.Offset)
	assert.Equal(t, 50, page.Limit)
	assert.Equal(t, 101, page.RangeStart)
	assert.Equal(t, 150, page.RangeEnd)
	assert.True(t, page.HasMore)
}

// ExtendLease refuses a caller that does not hold the lease.
func TestExtendLeaseRequiresOwnership(t *testing.T) {
	ctx := context.Background()
	_, projects, types, tasks := newHarness(t)
	p := mustCreateProject(t, projects)
	tt, err := types.Create(ctx, tasktypesvc.CreateInput{ProjectID: p.ID, Name: "t"})
	require.NoError(t, err)
	_, err = tasks.Create(ctx, p.ID, tasksvc.CreateInput{TypeID: tt.ID, Instructions: "x"})
	require.NoError(t, err)
	claimed, _, err := tasks.Claim(ctx, p.ID, "A")
	require.NoError(t, err)

	_, err = tasks.ExtendLease(ctx, p.ID, claimed.ID, "B", 10)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.NotAssigned))

	extended, err := tasks.ExtendLease(ctx, p.ID, claimed.ID, "A", 10)
	require.NoError(t, err)
	assert.True(t, extended.LeaseExpiresAt.After(*claimed.LeaseExpiresAt))
}
