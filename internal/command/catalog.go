package command

import (
	"fmt"

	"github.com/taskforge/engine/internal/domain"
	"github.com/taskforge/engine/internal/projectsvc"
	"github.com/taskforge/engine/internal/seedimport"
	"github.com/taskforge/engine/internal/sessionsvc"
	"github.com/taskforge/engine/internal/storage"
	"github.com/taskforge/engine/internal/tasksvc"
	"github.com/taskforge/engine/internal/tasktypesvc"
)

func ok(data any) (*Result, error) { return &Result{Success: true, Data: data}, nil }

// BuildCatalog registers every command in the catalog (spec §4.7, ≥22
// commands) against the given Services bundle.
func BuildCatalog(svc *Services) *Registry {
	r := NewRegistry()

	r.Register(&Command{
		Name: "project_create", RPCName: "project_create", CLIName: "project-create",
		Description: "Create a new project",
		Parameters: []Parameter{
			{Name: "name", Type: TypeString, Required: true, Positional: true, Description: "unique project name"},
			{Name: "description", Type: TypeString, Description: "project description"},
			{Name: "instructions", Type: TypeString, Description: "project-wide instructions"},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			name, _ := args.String("name")
			p, err := svc.Projects.Create(c.Ctx, projectsvc.CreateInput{
				Name:        name,
				Description: args.StringOr("description", ""),
				Instructions: args.StringOr("instructions", ""),
			})
			if err != nil {
				return nil, err
			}
			return ok(p)
		},
		FormatHuman: func(res *Result, args Args) string {
			p := res.Data.(*domain.Project)
			return fmt.Sprintf("Created project %s (%s)", p.Name, p.ID)
		},
	})

	r.Register(&Command{
		Name: "project_get", RPCName: "project_get", CLIName: "project-get",
		Description: "Fetch a project by id",
		Parameters:  []Parameter{{Name: "projectId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			id, _ := args.String("projectId")
			p, err := svc.Projects.Get(c.Ctx, id)
			if err != nil {
				return nil, err
			}
			return ok(p)
		},
	})

	r.Register(&Command{
		Name: "project_update", RPCName: "project_update", CLIName: "project-update",
		Description: "Update a project's description/instructions",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "description", Type: TypeString},
			{Name: "instructions", Type: TypeString},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			id, _ := args.String("projectId")
			var in projectsvc.UpdateInput
			if v, ok := args.String("description"); ok {
				in.Description = &v
			}
			if v, ok := args.String("instructions"); ok {
				in.Instructions = &v
			}
			p, err := svc.Projects.Update(c.Ctx, id, in)
			if err != nil {
				return nil, err
			}
			return ok(p)
		},
	})

	r.Register(&Command{
		Name: "project_list", RPCName: "project_list", CLIName: "project-list",
		Description: "List projects",
		Parameters:  []Parameter{{Name: "includeClosed", Type: TypeBoolean, Default: false}},
		Handler: func(c *Context, args Args) (*Result, error) {
			list, err := svc.Projects.List(c.Ctx, args.BoolOr("includeClosed", false))
			if err != nil {
				return nil, err
			}
			return ok(list)
		},
	})

	r.Register(&Command{
		Name: "project_close", RPCName: "project_close", CLIName: "project-close",
		Description: "Close a project",
		Parameters:  []Parameter{{Name: "projectId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			id, _ := args.String("projectId")
			p, err := svc.Projects.Close(c.Ctx, id)
			if err != nil {
				return nil, err
			}
			return ok(p)
		},
	})

	r.Register(&Command{
		Name: "project_delete", RPCName: "project_delete", CLIName: "project-delete",
		Description: "Delete a project",
		Parameters:  []Parameter{{Name: "projectId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			id, _ := args.String("projectId")
			if err := svc.Projects.Delete(c.Ctx, id); err != nil {
				return nil, err
			}
			return ok(map[string]string{"projectId": id})
		},
	})

	r.Register(&Command{
		Name: "project_status", RPCName: "project_status", CLIName: "project-status",
		Description: "Project status: queue depth, active agents, recent activity",
		Parameters:  []Parameter{{Name: "projectId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			id, _ := args.String("projectId")
			view, err := svc.Projects.GetStatus(c.Ctx, id)
			if err != nil {
				return nil, err
			}
			return ok(view)
		},
	})

	r.Register(&Command{
		Name: "tasktype_create", RPCName: "tasktype_create", CLIName: "tasktype-create",
		Description: "Create a task type (template)",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "name", Type: TypeString, Required: true, Positional: true},
			{Name: "template", Type: TypeString},
			{Name: "duplicateHandling", Type: TypeString, Choices: []string{"allow", "ignore", "fail"}, Default: "allow"},
			{Name: "maxRetries", Type: TypeNumber},
			{Name: "leaseDurationMinutes", Type: TypeNumber},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			name, _ := args.String("name")
			in := tasktypesvc.CreateInput{
				ProjectID:         projectID,
				Name:              name,
				Template:          args.StringOr("template", ""),
				DuplicateHandling: domain.DuplicateHandling(args.StringOr("duplicateHandling", "allow")),
			}
			if v, ok := args.Number("maxRetries"); ok {
				n := int(v)
				in.MaxRetries = &n
			}
			if v, ok := args.Number("leaseDurationMinutes"); ok {
				n := int(v)
				in.LeaseDurationMinutes = &n
			}
			tt, err := svc.TaskTypes.Create(c.Ctx, in)
			if err != nil {
				return nil, err
			}
			return ok(tt)
		},
	})

	r.Register(&Command{
		Name: "tasktype_get", RPCName: "tasktype_get", CLIName: "tasktype-get",
		Description: "Fetch a task type",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "typeId", Type: TypeString, Required: true, Positional: true},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			typeID, _ := args.String("typeId")
			tt, err := svc.TaskTypes.Get(c.Ctx, projectID, typeID)
			if err != nil {
				return nil, err
			}
			return ok(tt)
		},
	})

	r.Register(&Command{
		Name: "tasktype_list", RPCName: "tasktype_list", CLIName: "tasktype-list",
		Description: "List task types in a project",
		Parameters:  []Parameter{{Name: "projectId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			list, err := svc.TaskTypes.List(c.Ctx, projectID)
			if err != nil {
				return nil, err
			}
			return ok(list)
		},
	})

	r.Register(&Command{
		Name: "tasktype_update", RPCName: "tasktype_update", CLIName: "tasktype-update",
		Description: "Update a task type",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "typeId", Type: TypeString, Required: true, Positional: true},
			{Name: "template", Type: TypeString},
			{Name: "duplicateHandling", Type: TypeString, Choices: []string{"allow", "ignore", "fail"}},
			{Name: "maxRetries", Type: TypeNumber},
			{Name: "leaseDurationMinutes", Type: TypeNumber},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			typeID, _ := args.String("typeId")
			var in tasktypesvc.UpdateInput
			if v, ok := args.String("template"); ok {
				in.Template = &v
			}
			if v, ok := args.String("duplicateHandling"); ok {
				dh := domain.DuplicateHandling(v)
				in.DuplicateHandling = &dh
			}
			if v, ok := args.Number("maxRetries"); ok {
				n := int(v)
				in.MaxRetries = &n
			}
			if v, ok := args.Number("leaseDurationMinutes"); ok {
				n := int(v)
				in.LeaseDurationMinutes = &n
			}
			tt, err := svc.TaskTypes.Update(c.Ctx, projectID, typeID, in)
			if err != nil {
				return nil, err
			}
			return ok(tt)
		},
	})

	r.Register(&Command{
		Name: "tasktype_delete", RPCName: "tasktype_delete", CLIName: "tasktype-delete",
		Description: "Delete a task type",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "typeId", Type: TypeString, Required: true, Positional: true},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			typeID, _ := args.String("typeId")
			if err := svc.TaskTypes.Delete(c.Ctx, projectID, typeID); err != nil {
				return nil, err
			}
			return ok(map[string]string{"typeId": typeID})
		},
	})

	r.Register(&Command{
		Name: "task_create", RPCName: "task_create", CLIName: "task-create",
		Description: "Create a task",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "typeId", Type: TypeString, Required: true, Positional: true},
			{Name: "description", Type: TypeString},
			{Name: "instructions", Type: TypeString},
			{Name: "variables", Type: TypeArray},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			typeID, _ := args.String("typeId")
			t, err := svc.Tasks.Create(c.Ctx, projectID, tasksvc.CreateInput{
				TypeID:       typeID,
				Description:  args.StringOr("description", ""),
				Instructions: args.StringOr("instructions", ""),
				Variables:    args.StringMap("variables"),
			})
			if err != nil {
				return nil, err
			}
			return ok(t)
		},
	})

	r.Register(&Command{
		Name: "task_create_bulk", RPCName: "task_create_bulk", CLIName: "task-create-bulk",
		Description: "Create many tasks from one type in a single batch",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "typeId", Type: TypeString, Required: true, Positional: true},
			{Name: "items", Type: TypeArray, Required: true},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			typeID, _ := args.String("typeId")
			raw, _ := args["items"].([]any)
			inputs := make([]tasksvc.CreateInput, 0, len(raw))
			for _, item := range raw {
				m, ok := item.(map[string]any)
				if !ok {
					continue
				}
				ia := Args(m)
				inputs = append(inputs, tasksvc.CreateInput{
					TypeID:       typeID,
					Description:  ia.StringOr("description", ""),
					Instructions: ia.StringOr("instructions", ""),
					Variables:    ia.StringMap("variables"),
				})
			}
			batch, err := svc.Tasks.CreateBulk(c.Ctx, projectID, inputs)
			if err != nil {
				return nil, err
			}
			return ok(batch)
		},
	})

	r.Register(&Command{
		Name: "task_get", RPCName: "task_get", CLIName: "task-get",
		Description: "Fetch a task",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "taskId", Type: TypeString, Required: true, Positional: true},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			taskID, _ := args.String("taskId")
			t, err := svc.Tasks.Get(c.Ctx, projectID, taskID)
			if err != nil {
				return nil, err
			}
			return ok(t)
		},
	})

	r.Register(&Command{
		Name: "task_list", RPCName: "task_list", CLIName: "task-list",
		Description: "List tasks in a project, paginated",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "status", Type: TypeString, Choices: []string{"queued", "running", "completed", "failed"}},
			{Name: "limit", Type: TypeNumber, Default: float64(100)},
			{Name: "offset", Type: TypeNumber, Default: float64(0)},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			var filter storage.TaskFilter
			if status, ok := args.String("status"); ok && status != "" {
				filter.Status = storage.TaskStatusFilter{Set: true, Value: domain.TaskStatus(status)}
			}
			filter.Limit = args.IntOr("limit", 100)
			filter.Offset = args.IntOr("offset", 0)
			list, page, err := svc.Tasks.List(c.Ctx, projectID, filter)
			if err != nil {
				return nil, err
			}
			return ok(map[string]any{"tasks": list, "pagination": page})
		},
	})

	r.Register(&Command{
		Name: "task_claim", RPCName: "task_claim", CLIName: "task-claim",
		Description: "Atomically claim the next queued task (or resume an existing lease)",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "agentName", Type: TypeString},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			agentName := args.StringOr("agentName", c.AgentName)
			task, resolvedAgent, err := svc.Tasks.Claim(c.Ctx, projectID, agentName)
			if err != nil {
				return nil, err
			}
			return ok(map[string]any{"task": task, "agentName": resolvedAgent})
		},
	})

	r.Register(&Command{
		Name: "task_peek", RPCName: "task_peek", CLIName: "task-peek",
		Description: "Preview the next queued task without claiming it",
		Parameters:  []Parameter{{Name: "projectId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			list, _, err := svc.Tasks.List(c.Ctx, projectID, storage.TaskFilter{
				Status: storage.TaskStatusFilter{Set: true, Value: domain.TaskQueued}, Limit: 1,
			})
			if err != nil {
				return nil, err
			}
			if len(list) == 0 {
				return ok(map[string]any{"task": nil})
			}
			return ok(map[string]any{"task": list[0]})
		},
	})

	r.Register(&Command{
		Name: "task_complete", RPCName: "task_complete", CLIName: "task-complete",
		Description: "Mark a claimed task completed",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "taskId", Type: TypeString, Required: true, Positional: true},
			{Name: "agentName", Type: TypeString, Required: true},
			{Name: "output", Type: TypeString},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			taskID, _ := args.String("taskId")
			agentName := args.StringOr("agentName", c.AgentName)
			t, err := svc.Tasks.Complete(c.Ctx, agentName, projectID, taskID, domain.Result{
				Output: args.StringOr("output", ""),
			})
			if err != nil {
				return nil, err
			}
			return ok(t)
		},
	})

	r.Register(&Command{
		Name: "task_fail", RPCName: "task_fail", CLIName: "task-fail",
		Description: "Mark a claimed task failed, optionally retriable",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "taskId", Type: TypeString, Required: true, Positional: true},
			{Name: "agentName", Type: TypeString, Required: true},
			{Name: "error", Type: TypeString},
			{Name: "canRetry", Type: TypeBoolean, Default: true},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			taskID, _ := args.String("taskId")
			agentName := args.StringOr("agentName", c.AgentName)
			t, err := svc.Tasks.Fail(c.Ctx, agentName, projectID, taskID, domain.Result{
				Error: args.StringOr("error", ""),
			}, args.BoolOr("canRetry", true))
			if err != nil {
				return nil, err
			}
			return ok(t)
		},
	})

	r.Register(&Command{
		Name: "task_extend_lease", RPCName: "task_extend_lease", CLIName: "task-extend-lease",
		Description: "Extend the lease on a claimed task",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "taskId", Type: TypeString, Required: true, Positional: true},
			{Name: "agentName", Type: TypeString, Required: true},
			{Name: "minutes", Type: TypeNumber, Required: true},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			taskID, _ := args.String("taskId")
			agentName := args.StringOr("agentName", c.AgentName)
			minutes := args.IntOr("minutes", 0)
			t, err := svc.Tasks.ExtendLease(c.Ctx, projectID, taskID, agentName, minutes)
			if err != nil {
				return nil, err
			}
			return ok(t)
		},
	})

	r.Register(&Command{
		Name: "list_active_agents", RPCName: "list_active_agents", CLIName: "agents-list",
		Description: "List agents currently holding a lease in a project",
		Parameters:  []Parameter{{Name: "projectId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			agents, err := svc.Tasks.ListActiveAgents(c.Ctx, projectID)
			if err != nil {
				return nil, err
			}
			return ok(agents)
		},
	})

	r.Register(&Command{
		Name: "agent_status", RPCName: "agent_status", CLIName: "agent-status",
		Description: "Get the current lease status of a named agent",
		Parameters: []Parameter{
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "agentName", Type: TypeString, Required: true, Positional: true},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			agentName, _ := args.String("agentName")
			agent, err := svc.Tasks.GetAgentStatus(c.Ctx, projectID, agentName)
			if err != nil {
				return nil, err
			}
			return ok(agent)
		},
	})

	r.Register(&Command{
		Name: "lease_stats", RPCName: "lease_stats", CLIName: "lease-stats",
		Description: "Pure-read lease statistics for a project",
		Parameters:  []Parameter{{Name: "projectId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			stats, err := svc.Tasks.LeaseStats(c.Ctx, projectID)
			if err != nil {
				return nil, err
			}
			return ok(stats)
		},
	})

	r.Register(&Command{
		Name: "lease_cleanup", RPCName: "lease_cleanup", CLIName: "lease-cleanup",
		Description: "Reclaim expired leases in a project",
		Parameters:  []Parameter{{Name: "projectId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			projectID, _ := args.String("projectId")
			report, err := svc.Tasks.Cleanup(c.Ctx, projectID)
			if err != nil {
				return nil, err
			}
			return ok(report)
		},
	})

	r.Register(&Command{
		Name: "session_login", RPCName: "session_login", CLIName: "session-login",
		Description: "Create (or resume) a session for an agent in a project",
		Parameters: []Parameter{
			{Name: "agentName", Type: TypeString, Required: true, Positional: true},
			{Name: "projectId", Type: TypeString, Required: true, Positional: true},
			{Name: "ttlSeconds", Type: TypeNumber},
			{Name: "allowMultipleSessions", Type: TypeBoolean, Default: false},
			{Name: "resumeExisting", Type: TypeBoolean, Default: false},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			agentName, _ := args.String("agentName")
			projectID, _ := args.String("projectId")
			res, err := svc.Sessions.Create(c.Ctx, sessionsvc.CreateInput{
				AgentName:             agentName,
				ProjectID:             projectID,
				TTLSeconds:            args.IntOr("ttlSeconds", 0),
				AllowMultipleSessions: args.BoolOr("allowMultipleSessions", false),
				ResumeExisting:        args.BoolOr("resumeExisting", false),
			})
			if err != nil {
				return nil, err
			}
			return ok(map[string]any{
				"session":      res.Session,
				"sessionToken": res.SessionToken,
				"resumed":      res.Resumed,
			})
		},
	})

	r.Register(&Command{
		Name: "session_logout", RPCName: "session_logout", CLIName: "session-logout",
		Description: "Destroy a session by id",
		Parameters:  []Parameter{{Name: "sessionId", Type: TypeString, Required: true, Positional: true}},
		Handler: func(c *Context, args Args) (*Result, error) {
			id, _ := args.String("sessionId")
			if err := svc.Sessions.Destroy(c.Ctx, id); err != nil {
				return nil, err
			}
			return ok(map[string]string{"sessionId": id})
		},
	})

	r.Register(&Command{
		Name: "health_check", RPCName: "health_check", CLIName: "health",
		Description: "Report backend health",
		Handler: func(c *Context, args Args) (*Result, error) {
			healthy, message := svc.Backend.HealthCheck(c.Ctx)
			status := "ok"
			if !healthy {
				status = "unhealthy"
			}
			return ok(map[string]any{"status": status, "healthy": healthy, "message": message})
		},
	})

	r.Register(&Command{
		Name: "project_import", RPCName: "project_import", CLIName: "project-import",
		Description: "Create a project, its task types, and any seed tasks from a YAML fixture file",
		Parameters: []Parameter{
			{Name: "path", Type: TypeString, Required: true, Positional: true, Description: "path to a YAML seed fixture"},
		},
		Handler: func(c *Context, args Args) (*Result, error) {
			path, _ := args.String("path")
			seed, err := seedimport.Load(path)
			if err != nil {
				return nil, err
			}

			p, err := svc.Projects.Create(c.Ctx, projectsvc.CreateInput{
				Name:         seed.Name,
				Description:  seed.Description,
				Instructions: seed.Instructions,
				Config:       seed.Config,
			})
			if err != nil {
				return nil, err
			}

			typeIDsByName := make(map[string]string, len(seed.TaskTypes))
			createdTypes := make([]*domain.TaskType, 0, len(seed.TaskTypes))
			for _, ts := range seed.TaskTypes {
				handling := domain.DuplicateHandling(ts.DuplicateHandling)
				tt, err := svc.TaskTypes.Create(c.Ctx, tasktypesvc.CreateInput{
					ProjectID:            p.ID,
					Name:                 ts.Name,
					Template:             ts.Template,
					DuplicateHandling:    handling,
					MaxRetries:           ts.MaxRetries,
					LeaseDurationMinutes: ts.LeaseDurationMinutes,
				})
				if err != nil {
					return nil, err
				}
				typeIDsByName[tt.Name] = tt.ID
				createdTypes = append(createdTypes, tt)
			}

			createdTasks := make([]*domain.Task, 0, len(seed.Tasks))
			for _, s := range seed.Tasks {
				typeID, ok := typeIDsByName[s.TypeName]
				if !ok {
					return nil, fmt.Errorf("seed task references unknown task type %q", s.TypeName)
				}
				t, err := svc.Tasks.Create(c.Ctx, p.ID, tasksvc.CreateInput{
					TypeID:       typeID,
					Description:  s.Description,
					Instructions: s.Instructions,
					Variables:    s.Variables,
				})
				if err != nil {
					return nil, err
				}
				createdTasks = append(createdTasks, t)
			}

			return ok(map[string]any{
				"project":   p,
				"taskTypes": createdTypes,
				"tasks":     createdTasks,
			})
		},
		FormatHuman: func(res *Result, args Args) string {
			data := res.Data.(map[string]any)
			p := data["project"].(*domain.Project)
			types := data["taskTypes"].([]*domain.TaskType)
			tasks := data["tasks"].([]*domain.Task)
			return fmt.Sprintf("Imported project %s (%s): %d task types, %d tasks", p.Name, p.ID, len(types), len(tasks))
		},
	})

	return r
}
