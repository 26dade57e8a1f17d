// Package scanner walks a workspace, buckets files by language, and
// applies shallow structural checks. Detection is deliberately
// pattern-based; there is no semantic understanding here, and the body
// of findings is capped so downstream patch volume stays deterministic.
package scanner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/remedylabs/remedy/internal/types"
)

// Policy bounds a scan. The defaults mirror the caps the pipeline was
// tuned with; callers may override them per run.
type Policy struct {
	// MaxFiles is the hard ceiling on files visited.
	MaxFiles int

	// MaxFileBytes skips files larger than this.
	MaxFileBytes int64

	// MaxIssuesPerFile caps findings in a single file.
	MaxIssuesPerFile int

	// MaxIssuesPerRun caps findings across the whole scan.
	MaxIssuesPerRun int

	// MaxSamplePaths caps the representative paths in the report.
	MaxSamplePaths int
}

// DefaultPolicy returns the standard scan bounds.
func DefaultPolicy() Policy {
	return Policy{
		MaxFiles:         2000,
		MaxFileBytes:     256 * 1024,
		MaxIssuesPerFile: 3,
		MaxIssuesPerRun:  180,
		MaxSamplePaths:   10,
	}
}

// Report summarizes one scan.
type Report struct {
	TotalFiles       int
	DominantLanguage string
	LanguageCounts   map[string]int
	SamplePaths      []string
	Issues           []types.DetectedIssue
}

// skipDirs are dependency, build, and VCS directories never scanned.
var skipDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	".idea":        true,
	".vscode":      true,
}

// languageByExt maps actionable file extensions to a language bucket.
var languageByExt = map[string]string{
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".py":   "python",
	".go":   "go",
	".rb":   "ruby",
	".java": "java",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cs":   "csharp",
	".php":  "php",
}

// Scanner applies the structural checks under a policy.
type Scanner struct {
	policy Policy
}

// New creates a scanner with the given policy. Zero-valued fields fall
// back to the defaults.
func New(policy Policy) *Scanner {
	def := DefaultPolicy()
	if policy.MaxFiles == 0 {
		policy.MaxFiles = def.MaxFiles
	}
	if policy.MaxFileBytes == 0 {
		policy.MaxFileBytes = def.MaxFileBytes
	}
	if policy.MaxIssuesPerFile == 0 {
		policy.MaxIssuesPerFile = def.MaxIssuesPerFile
	}
	if policy.MaxIssuesPerRun == 0 {
		policy.MaxIssuesPerRun = def.MaxIssuesPerRun
	}
	if policy.MaxSamplePaths == 0 {
		policy.MaxSamplePaths = def.MaxSamplePaths
	}
	return &Scanner{policy: policy}
}

// Scan walks the tree rooted at workspacePath and returns the report.
// File paths in issues and samples are workspace-relative.
func (s *Scanner) Scan(workspacePath string) (*Report, error) {
	report := &Report{LanguageCounts: make(map[string]int)}

	err := filepath.WalkDir(workspacePath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if report.TotalFiles >= s.policy.MaxFiles {
			return filepath.SkipAll
		}

		lang, ok := languageByExt[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > s.policy.MaxFileBytes {
			return nil
		}

		rel, err := filepath.Rel(workspacePath, path)
		if err != nil {
			rel = path
		}

		report.TotalFiles++
		report.LanguageCounts[lang]++
		if len(report.SamplePaths) < s.policy.MaxSamplePaths {
			report.SamplePaths = append(report.SamplePaths, rel)
		}

		if len(report.Issues) < s.policy.MaxIssuesPerRun {
			issues := s.scanFile(path, rel, lang)
			remaining := s.policy.MaxIssuesPerRun - len(report.Issues)
			if len(issues) > remaining {
				issues = issues[:remaining]
			}
			report.Issues = append(report.Issues, issues...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan of %s failed: %w", workspacePath, err)
	}

	report.DominantLanguage = dominant(report.LanguageCounts)
	return report, nil
}

// scanFile applies the ordered category checks to one file: at most
// one hit per category, at most MaxIssuesPerFile in total.
func (s *Scanner) scanFile(path, rel, lang string) []types.DetectedIssue {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var issues []types.DetectedIssue
	hit := make(map[types.BugCategory]bool)

	lines := strings.Split(strings.ReplaceAll(string(data), "\r\n", "\n"), "\n")
	for i, line := range lines {
		if len(issues) >= s.policy.MaxIssuesPerFile {
			break
		}
		for _, check := range checks {
			if hit[check.category] {
				continue
			}
			if !check.applies(lang) {
				continue
			}
			if hint, ok := check.match(line, lang); ok {
				hit[check.category] = true
				issues = append(issues, types.DetectedIssue{
					FilePath:    rel,
					BugCategory: check.category,
					LineNumber:  i + 1,
					FixHint:     hint,
				})
				break // one category per line keeps checks mutually exclusive
			}
		}
	}
	return issues
}

func dominant(counts map[string]int) string {
	best, bestCount := "", 0
	langs := make([]string, 0, len(counts))
	for lang := range counts {
		langs = append(langs, lang)
	}
	sort.Strings(langs) // deterministic tie-break
	for _, lang := range langs {
		if counts[lang] > bestCount {
			best, bestCount = lang, counts[lang]
		}
	}
	return best
}
