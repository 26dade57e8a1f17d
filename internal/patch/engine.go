// Package patch converts detected issues into minimal line-level edits.
// Each file is read and written at most once per pass; issues within a
// file are processed in descending line order so deletions never shift
// the indices of issues still pending. A pattern that no longer matches
// at apply time marks the issue unapplied instead of failing the run.
package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/remedylabs/remedy/internal/scanner"
	"github.com/remedylabs/remedy/internal/types"
)

// Engine applies detected issues as file edits.
type Engine struct{}

// NewEngine creates a patch engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Apply groups issues by file and applies each group in one pass.
// It returns one PatchResult per issue, applied or not. File-level
// read or write failures mark that file's issues unapplied; they are
// never raised as errors.
func (e *Engine) Apply(issues []types.DetectedIssue, workspacePath string) []types.PatchResult {
	byFile := make(map[string][]types.DetectedIssue)
	order := []string{}
	for _, issue := range issues {
		if _, seen := byFile[issue.FilePath]; !seen {
			order = append(order, issue.FilePath)
		}
		byFile[issue.FilePath] = append(byFile[issue.FilePath], issue)
	}

	var results []types.PatchResult
	for _, file := range order {
		results = append(results, e.applyFile(byFile[file], workspacePath)...)
	}
	return results
}

// applyFile applies all issues for one file, descending by line number.
func (e *Engine) applyFile(issues []types.DetectedIssue, workspacePath string) []types.PatchResult {
	path := filepath.Join(workspacePath, issues[0].FilePath)
	lang := scanner.LanguageForPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return unappliedAll(issues, fmt.Sprintf("file unreadable: %v", err))
	}

	content := string(data)
	crlf := strings.Contains(content, "\r\n")
	if crlf {
		content = strings.ReplaceAll(content, "\r\n", "\n")
	}
	lines := strings.Split(content, "\n")

	sorted := make([]types.DetectedIssue, len(issues))
	copy(sorted, issues)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LineNumber > sorted[j].LineNumber
	})

	var results []types.PatchResult
	changed := false
	for _, issue := range sorted {
		idx := issue.LineNumber - 1
		if idx < 0 || idx >= len(lines) {
			results = append(results, types.PatchResult{
				Issue:   issue,
				Applied: false,
				Reason:  fmt.Sprintf("line %d out of range (file has %d lines)", issue.LineNumber, len(lines)),
			})
			continue
		}

		// The file may have drifted since detection; re-check the
		// pattern before touching the line.
		if !scanner.MatchesCategory(issue.BugCategory, lines[idx], lang) {
			results = append(results, types.PatchResult{
				Issue:   issue,
				Applied: false,
				Reason:  "pattern no longer matches at apply time",
			})
			continue
		}

		newLines, description := transform(issue.BugCategory, lines, idx)
		lines = newLines
		changed = true
		results = append(results, types.PatchResult{
			Issue:       issue,
			Applied:     true,
			Description: description,
		})
	}

	if changed {
		out := strings.Join(lines, "\n")
		if crlf {
			out = strings.ReplaceAll(out, "\n", "\r\n")
		}
		if err := os.WriteFile(path, []byte(out), 0644); err != nil {
			// The write failed after edits were computed: report every
			// issue in this file as unapplied so the run's fix count
			// reflects what actually landed on disk.
			return unappliedAll(issues, fmt.Sprintf("file unwritable: %v", err))
		}
	}

	// Results were produced in descending line order; restore the
	// caller's ordering for stable reporting.
	sort.Slice(results, func(i, j int) bool {
		return results[i].Issue.LineNumber < results[j].Issue.LineNumber
	})
	return results
}

// transform applies the minimal category-specific edit at idx and
// returns the updated lines with a human-readable description.
func transform(category types.BugCategory, lines []string, idx int) ([]string, string) {
	line := lines[idx]
	switch category {
	case types.CategoryLinting:
		lines[idx] = strings.TrimRight(line, " \t")
		return lines, "stripped trailing whitespace"

	case types.CategoryIndentation:
		indent := 0
		for indent < len(line) && line[indent] == '\t' {
			indent++
		}
		lines[idx] = strings.Repeat("  ", indent) + line[indent:]
		return lines, "replaced tab indentation with spaces"

	case types.CategoryTypeError:
		replaced := strings.ReplaceAll(line, ": any", ": unknown")
		replaced = strings.ReplaceAll(replaced, "as any", "as unknown")
		lines[idx] = replaced
		return lines, "replaced any with unknown"

	case types.CategoryImport:
		lines = append(lines[:idx], lines[idx+1:]...)
		return lines, "removed wildcard import"

	case types.CategoryLogic:
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "console.log(") || trimmed == "debugger;" ||
			strings.HasPrefix(trimmed, "//") || strings.HasPrefix(trimmed, "#") {
			lines = append(lines[:idx], lines[idx+1:]...)
			return lines, "removed debug line"
		}
		// Marker buried in a trailing comment: strip the comment only.
		if cut := strings.Index(line, "//"); cut > 0 {
			lines[idx] = strings.TrimRight(line[:cut], " \t")
		} else if cut := strings.Index(line, "#"); cut > 0 {
			lines[idx] = strings.TrimRight(line[:cut], " \t")
		} else {
			lines = append(lines[:idx], lines[idx+1:]...)
			return lines, "removed debug line"
		}
		return lines, "stripped marker comment"

	default:
		return lines, "no transformation defined"
	}
}

func unappliedAll(issues []types.DetectedIssue, reason string) []types.PatchResult {
	results := make([]types.PatchResult, 0, len(issues))
	for _, issue := range issues {
		results = append(results, types.PatchResult{
			Issue:   issue,
			Applied: false,
			Reason:  reason,
		})
	}
	return results
}
