// Package seedimport reads the YAML project/task-type seed fixtures used by
// the CLI's import convenience (spec §6.4), grounded on the teacher's
// yaml.v3 usage for on-disk fixture loading.
package seedimport

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/taskforge/engine/internal/apperr"
	"github.com/taskforge/engine/internal/domain"
)

// TaskTypeSeed is one task-type definition in a seed file.
type TaskTypeSeed struct {
	Name                 string `yaml:"name"`
	Template             string `yaml:"template"`
	DuplicateHandling    string `yaml:"duplicateHandling"`
	MaxRetries           *int   `yaml:"maxRetries"`
	LeaseDurationMinutes *int   `yaml:"leaseDurationMinutes"`
}

// TaskSeed is one pre-populated task definition in a seed file.
type TaskSeed struct {
	TypeName     string            `yaml:"typeName"`
	Description  string            `yaml:"description"`
	Instructions string            `yaml:"instructions"`
	Variables    map[string]string `yaml:"variables"`
}

// ProjectSeed is a full project fixture: the project itself plus its task
// types and an optional initial batch of tasks.
type ProjectSeed struct {
	Name         string                `yaml:"name"`
	Description  string                `yaml:"description"`
	Instructions string                `yaml:"instructions"`
	Config       *domain.ProjectConfig `yaml:"config"`
	TaskTypes    []TaskTypeSeed        `yaml:"taskTypes"`
	Tasks        []TaskSeed            `yaml:"tasks"`
}

// Load parses a seed fixture from path.
func Load(path string) (*ProjectSeed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Validation, fmt.Sprintf("read seed file %s", path), err)
	}
	var seed ProjectSeed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, apperr.Wrap(apperr.Validation, fmt.Sprintf("parse seed file %s", path), err)
	}
	if seed.Name == "" {
		return nil, apperr.Validationf("seed file %s: project name is required", path)
	}
	return &seed, nil
}
