// Package detect classifies a repository's toolchain from its manifest
// files and selects install/test/build command templates. Commands are
// argument vectors, never shell strings, and feed the sandboxed
// executor directly.
package detect

import (
	"os"
	"path/filepath"

	"golang.org/x/mod/modfile"

	"github.com/remedylabs/remedy/internal/types"
)

// manifest pairs a marker file with the project config it implies.
// Checked in fixed priority order; the first match wins.
type manifest struct {
	file   string
	config types.ProjectConfig
}

var manifests = []manifest{
	{
		file: "package.json",
		config: types.ProjectConfig{
			Type:        "nodejs",
			InstallArgs: []string{"npm", "install", "--no-audit", "--no-fund"},
			TestArgs:    []string{"npm", "test", "--silent"},
			BuildArgs:   []string{"npm", "run", "build", "--if-present"},
			HasTests:    true,
		},
	},
	{
		file: "requirements.txt",
		config: types.ProjectConfig{
			Type:        "python",
			InstallArgs: []string{"pip", "install", "-r", "requirements.txt"},
			TestArgs:    []string{"python", "-m", "pytest", "-x", "-q"},
			HasTests:    true,
		},
	},
	{
		file: "pyproject.toml",
		config: types.ProjectConfig{
			Type:        "python",
			InstallArgs: []string{"pip", "install", "."},
			TestArgs:    []string{"python", "-m", "pytest", "-x", "-q"},
			HasTests:    true,
		},
	},
	{
		file: "setup.py",
		config: types.ProjectConfig{
			Type:        "python",
			InstallArgs: []string{"pip", "install", "-e", "."},
			TestArgs:    []string{"python", "-m", "pytest", "-x", "-q"},
			HasTests:    true,
		},
	},
	{
		file: "go.mod",
		config: types.ProjectConfig{
			Type:      "go",
			TestArgs:  []string{"go", "test", "./..."},
			BuildArgs: []string{"go", "build", "./..."},
			HasTests:  true,
		},
	},
	{
		file: "Cargo.toml",
		config: types.ProjectConfig{
			Type:      "rust",
			TestArgs:  []string{"cargo", "test", "--quiet"},
			BuildArgs: []string{"cargo", "build", "--quiet"},
			HasTests:  true,
		},
	},
	{
		file: "pom.xml",
		config: types.ProjectConfig{
			Type:      "java-maven",
			TestArgs:  []string{"mvn", "-B", "test"},
			BuildArgs: []string{"mvn", "-B", "package", "-DskipTests"},
			HasTests:  true,
		},
	},
	{
		file: "build.gradle",
		config: types.ProjectConfig{
			Type:      "java-gradle",
			TestArgs:  []string{"gradle", "test"},
			BuildArgs: []string{"gradle", "build", "-x", "test"},
			HasTests:  true,
		},
	},
	{
		file: "build.gradle.kts",
		config: types.ProjectConfig{
			Type:      "java-gradle",
			TestArgs:  []string{"gradle", "test"},
			BuildArgs: []string{"gradle", "build", "-x", "test"},
			HasTests:  true,
		},
	},
}

// Detect returns the project configuration for the repository at
// workspacePath. No recognized manifest yields type "unknown" with
// empty commands and HasTests=false; callers treat that as skip, not
// fail.
func Detect(workspacePath string) types.ProjectConfig {
	for _, m := range manifests {
		path := filepath.Join(workspacePath, m.file)
		if _, err := os.Stat(path); err != nil {
			continue
		}

		cfg := m.config
		if m.file == "go.mod" {
			cfg.Module = goModulePath(path)
		}
		return cfg
	}

	return types.ProjectConfig{Type: types.ProjectTypeUnknown}
}

// goModulePath reads the module path from go.mod. Best-effort: a
// malformed go.mod still detects as a Go project, just without a
// module name.
func goModulePath(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	modFile, err := modfile.Parse(path, data, nil)
	if err != nil || modFile.Module == nil {
		return ""
	}
	return modFile.Module.Mod.Path
}
