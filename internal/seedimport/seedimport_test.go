package seedimport_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/engine/internal/seedimport"
)

func writeFixture(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeFixture(t, `
name: demo
description: a demo project
taskTypes:
  - name: review
    template: "review {{file}}"
    duplicateHandling: ignore
tasks:
  - typeName: review
    variables:
      file: main.go
`)

	seed, err := seedimport.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", seed.Name)
	assert.Equal(t, "a demo project", seed.Description)
	require.Len(t, seed.TaskTypes, 1)
	assert.Equal(t, "review", seed.TaskTypes[0].Name)
	assert.Equal(t, "ignore", seed.TaskTypes[0].DuplicateHandling)
	require.Len(t, seed.Tasks, 1)
	assert.Equal(t, "review", seed.Tasks[0].TypeName)
	assert.Equal(t, "main.go", seed.Tasks[0].Variables["file"])
}

func TestLoad_MissingName(t *testing.T) {
	path := writeFixture(t, `description: no name here`)
	_, err := seedimport.Load(path)
	require.Error(t, err)
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := seedimport.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
