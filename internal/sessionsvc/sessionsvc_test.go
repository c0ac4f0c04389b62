package sessionsvc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/engine/internal/projectsvc"
	"github.com/taskforge/engine/internal/sessionsvc"
	"github.com/taskforge/engine/internal/storage/filestore"
)

func newHarness(t *testing.T) (*projectsvc.Service, *sessionsvc.Service) {
	t.Helper()
	backend, err := filestore.New(t.TempDir(), time.Second)
	require.NoError(t, err)
	projects := projectsvc.New(backend)
	sessions := sessionsvc.New(backend, projects, []byte("test-secret"))
	return projects, sessions
}

// S6 (session data written through the service and read back by token
// validation from the shared backend, then invalidated by logout; a single
// Service handle is used).
func TestSessionResumptionAndLogout(t *testing.T) {
	ctx := context.Background()
	projects, sessions := newHarness(t)
	p, err := projects.Create(ctx, projectsvc.CreateInput{Name: "p"})
	require.NoError(t, err)

	result, err := sessions.Create(ctx, sessionsvc.CreateInput{AgentName: "agent-1", ProjectID: p.ID})
	require.NoError(t, err)
	require.False(t, result.Resumed)

	_, err = sessions.UpdateData(ctx, result.Session.ID, map[string]any{"counter": 1})
	require.NoError(t, err)

	resolved, err := sessions.Validate(ctx, result.SessionToken)
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, float64(1), resolved.Session.Data["counter"])

	require.NoError(t, sessions.Destroy(ctx, result.Session.ID))

	afterLogout, err := sessions.Validate(ctx, result.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, afterLogout)
}

func TestCreateSessionResumeExisting(t *testing.T) {
	ctx := context.Background()
	projects, sessions := newHarness(t)
	p, err := projects.Create(ctx, projectsvc.CreateInput{Name: "p"})
	require.NoError(t, err)

	first, err := sessions.Create(ctx, sessionsvc.CreateInput{AgentName: "agent-1", ProjectID: p.ID})
	require.NoError(t, err)

	second, err := sessions.Create(ctx, sessionsvc.CreateInput{
		AgentName: "agent-1", ProjectID: p.ID, ResumeExisting: true, TTLSeconds: 60,
	})
	require.NoError(t, err)
	assert.True(t, second.Resumed)
	assert.Equal(t, first.Session.ID, second.Session.ID)
}

func TestCreateSessionWithoutMultipleReplacesPrior(t *testing.T) {
	ctx := context.Background()
	projects, sessions := newHarness(t)
	p, err := projects.Create(ctx, projectsvc.CreateInput{Name: "p"})
	require.NoError(t, err)

	first, err := sessions.Create(ctx, sessionsvc.CreateInput{AgentName: "agent-1", ProjectID: p.ID})
	require.NoError(t, err)

	_, err = sessions.Create(ctx, sessionsvc.CreateInput{AgentName: "agent-1", ProjectID: p.ID})
	require.NoError(t, err)

	_, err = sessions.Authenticate(ctx, first.SessionToken)
	require.NoError(t, err)
	resolved, err := sessions.Validate(ctx, first.SessionToken)
	require.NoError(t, err)
	assert.Nil(t, resolved, "prior session should have been deleted when allowMultipleSessions is false")
}
