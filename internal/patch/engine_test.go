package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remedylabs/remedy/internal/scanner"
	"github.com/remedylabs/remedy/internal/types"
)

func write(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestApplyTrailingWhitespace(t *testing.T) {
	root := t.TempDir()
	path := write(t, root, "a.py", "x = 1  \ny = 2\n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.py", BugCategory: types.CategoryLinting, LineNumber: 1},
	}, root)

	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.Equal(t, "x = 1\ny = 2\n", read(t, path))
}

func TestApplyTabIndentation(t *testing.T) {
	root := t.TempDir()
	path := write(t, root, "a.py", "if x:\n\t\ty = 2\n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.py", BugCategory: types.CategoryIndentation, LineNumber: 2},
	}, root)

	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.Equal(t, "if x:\n    y = 2\n", read(t, path))
}

func TestApplyUnsafeType(t *testing.T) {
	root := t.TempDir()
	path := write(t, root, "a.ts", "const x: any = load() as any\n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.ts", BugCategory: types.CategoryTypeError, LineNumber: 1},
	}, root)

	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.Equal(t, "const x: unknown = load() as unknown\n", read(t, path))
}

func TestApplyWildcardImportDeletesLine(t *testing.T) {
	root := t.TempDir()
	path := write(t, root, "a.py", "from os import *\nx = 1\n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.py", BugCategory: types.CategoryImport, LineNumber: 1},
	}, root)

	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.Equal(t, "x = 1\n", read(t, path))
}

func TestApplyDebugLineDeleted(t *testing.T) {
	root := t.TempDir()
	path := write(t, root, "a.js", "var a = 1\nconsole.log(a)\nvar b = 2\n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.js", BugCategory: types.CategoryLogic, LineNumber: 2},
	}, root)

	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.Equal(t, "var a = 1\nvar b = 2\n", read(t, path))
}

func TestApplyTrailingTodoCommentStripped(t *testing.T) {
	root := t.TempDir()
	path := write(t, root, "a.js", "doWork() // TODO make faster\n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.js", BugCategory: types.CategoryLogic, LineNumber: 1},
	}, root)

	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.Equal(t, "doWork()\n", read(t, path))
}

func TestApplyDescendingOrderSurvivesDeletions(t *testing.T) {
	root := t.TempDir()
	// Deleting the import on line 1 must not invalidate the trailing
	// whitespace fix on line 3.
	path := write(t, root, "a.py", "from os import *\ny = 2\nz = 3 \n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.py", BugCategory: types.CategoryImport, LineNumber: 1},
		{FilePath: "a.py", BugCategory: types.CategoryLinting, LineNumber: 3},
	}, root)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Applied, "issue at line %d", r.Issue.LineNumber)
	}
	assert.Equal(t, "y = 2\nz = 3\n", read(t, path))
}

func TestApplyStaleDetectionUnapplied(t *testing.T) {
	root := t.TempDir()
	path := write(t, root, "a.py", "x = 1\n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.py", BugCategory: types.CategoryLinting, LineNumber: 1},
	}, root)

	require.Len(t, results, 1)
	assert.False(t, results[0].Applied)
	assert.Contains(t, results[0].Reason, "no longer matches")
	assert.Equal(t, "x = 1\n", read(t, path), "file must be untouched")
}

func TestApplyOutOfRangeUnapplied(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.py", "x = 1\n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.py", BugCategory: types.CategoryLinting, LineNumber: 99},
	}, root)

	require.Len(t, results, 1)
	assert.False(t, results[0].Applied)
	assert.Contains(t, results[0].Reason, "out of range")
}

func TestApplyMissingFileUnapplied(t *testing.T) {
	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "ghost.py", BugCategory: types.CategoryLinting, LineNumber: 1},
	}, t.TempDir())

	require.Len(t, results, 1)
	assert.False(t, results[0].Applied)
	assert.Contains(t, results[0].Reason, "unreadable")
}

func TestApplyPreservesCRLF(t *testing.T) {
	root := t.TempDir()
	path := write(t, root, "a.js", "var a = 1 \r\nvar b = 2\r\n")

	results := NewEngine().Apply([]types.DetectedIssue{
		{FilePath: "a.js", BugCategory: types.CategoryLinting, LineNumber: 1},
	}, root)

	require.Len(t, results, 1)
	assert.True(t, results[0].Applied)
	assert.Equal(t, "var a = 1\r\nvar b = 2\r\n", read(t, path))
}

// Scan-then-patch twice: deterministic categories leave nothing behind
// on the second pass.
func TestScanPatchIdempotence(t *testing.T) {
	root := t.TempDir()
	write(t, root, "a.py", "x = 1  \n\ty = 2\nz = 3\n")

	s := scanner.New(scanner.DefaultPolicy())
	engine := NewEngine()

	report, err := s.Scan(root)
	require.NoError(t, err)
	require.NotEmpty(t, report.Issues)

	results := engine.Apply(report.Issues, root)
	for _, r := range results {
		assert.True(t, r.Applied)
	}

	report2, err := s.Scan(root)
	require.NoError(t, err)
	var deterministic []types.DetectedIssue
	for _, is := range report2.Issues {
		if is.BugCategory == types.CategoryLinting || is.BugCategory == types.CategoryIndentation {
			deterministic = append(deterministic, is)
		}
	}
	assert.Empty(t, deterministic, "second pass must find no whitespace or indentation issues")
}
