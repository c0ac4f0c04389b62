package command

import (
	"github.com/taskforge/engine/internal/projectsvc"
	"github.com/taskforge/engine/internal/sessionsvc"
	"github.com/taskforge/engine/internal/storage"
	"github.com/taskforge/engine/internal/tasksvc"
	"github.com/taskforge/engine/internal/tasktypesvc"
)

// Services bundles the service layers every command handler may call into,
// plus the storage backend itself for the health_check command. Surface
// adapters build one Services value at startup and close over it when
// constructing the registry.
type Services struct {
	Projects  *projectsvc.Service
	TaskTypes *tasktypesvc.Service
	Tasks     *tasksvc.Service
	Sessions  *sessionsvc.Service
	Backend   storage.Backend
}
