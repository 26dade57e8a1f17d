package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedylabs/remedy/internal/types"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
}

func TestDetectNode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{"name":"widgets"}`)

	cfg := Detect(dir)
	assert.Equal(t, "nodejs", cfg.Type)
	assert.Equal(t, []string{"npm", "install", "--no-audit", "--no-fund"}, cfg.InstallArgs)
	assert.True(t, cfg.HasTests)
}

func TestDetectPythonVariants(t *testing.T) {
	for _, name := range []string{"requirements.txt", "pyproject.toml", "setup.py"} {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, name, "")

			cfg := Detect(dir)
			assert.Equal(t, "python", cfg.Type)
			assert.NotEmpty(t, cfg.TestArgs)
			assert.True(t, cfg.HasTests)
		})
	}
}

func TestDetectGoReadsModulePath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "module github.com/acme/widgets\n\ngo 1.22\n")

	cfg := Detect(dir)
	assert.Equal(t, "go", cfg.Type)
	assert.Equal(t, "github.com/acme/widgets", cfg.Module)
	assert.Equal(t, []string{"go", "test", "./..."}, cfg.TestArgs)
	assert.Empty(t, cfg.InstallArgs)
}

func TestDetectGoMalformedModFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "go.mod", "this is not a mod file {{{")

	cfg := Detect(dir)
	assert.Equal(t, "go", cfg.Type)
	assert.Empty(t, cfg.Module)
}

func TestDetectPriorityOrder(t *testing.T) {
	// A polyglot repo with both package.json and go.mod resolves to the
	// higher-priority manifest.
	dir := t.TempDir()
	writeFile(t, dir, "package.json", `{}`)
	writeFile(t, dir, "go.mod", "module example.com/x\n")

	cfg := Detect(dir)
	assert.Equal(t, "nodejs", cfg.Type)
}

func TestDetectUnknownIsNormal(t *testing.T) {
	cfg := Detect(t.TempDir())
	assert.Equal(t, types.ProjectTypeUnknown, cfg.Type)
	assert.Empty(t, cfg.InstallArgs)
	assert.Empty(t, cfg.TestArgs)
	assert.Empty(t, cfg.BuildArgs)
	assert.False(t, cfg.HasTests)
}

func TestDetectGradleVariants(t *testing.T) {
	for _, name := range []string{"build.gradle", "build.gradle.kts"} {
		dir := t.TempDir()
		writeFile(t, dir, name, "")
		cfg := Detect(dir)
		assert.Equal(t, "java-gradle", cfg.Type, name)
	}
}
