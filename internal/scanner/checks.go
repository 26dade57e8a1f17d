package scanner

import (
	"strings"

	"github.com/remedylabs/remedy/internal/types"
)

// check is one structural pattern the scanner recognizes. The order of
// the checks slice is the evaluation order and is part of the scan
// contract: earlier categories win when a line matches several.
type check struct {
	category types.BugCategory
	applies  func(lang string) bool
	match    func(line, lang string) (hint string, ok bool)
}

func anyLang(string) bool { return true }

var checks = []check{
	{
		category: types.CategoryLinting,
		applies:  anyLang,
		match: func(line, _ string) (string, bool) {
			if line != strings.TrimRight(line, " \t") && strings.TrimSpace(line) != "" {
				return "strip trailing whitespace", true
			}
			return "", false
		},
	},
	{
		category: types.CategoryImport,
		applies: func(lang string) bool {
			return lang == "python" || lang == "java"
		},
		match: func(line, lang string) (string, bool) {
			trimmed := strings.TrimSpace(line)
			switch lang {
			case "python":
				if strings.HasPrefix(trimmed, "from ") && strings.HasSuffix(trimmed, "import *") {
					return "remove wildcard import", true
				}
			case "java":
				if strings.HasPrefix(trimmed, "import ") && strings.HasSuffix(trimmed, ".*;") {
					return "remove wildcard import", true
				}
			}
			return "", false
		},
	},
	{
		category: types.CategoryTypeError,
		applies: func(lang string) bool {
			return lang == "typescript"
		},
		match: func(line, _ string) (string, bool) {
			if strings.Contains(line, ": any") || strings.Contains(line, "as any") {
				return "replace any with unknown", true
			}
			return "", false
		},
	},
	{
		category: types.CategoryIndentation,
		applies: func(lang string) bool {
			// Tabs are the convention in Go; flagging them there would
			// fight gofmt.
			return lang != "go"
		},
		match: func(line, _ string) (string, bool) {
			if strings.HasPrefix(line, "\t") {
				return "replace tab indentation with spaces", true
			}
			return "", false
		},
	},
	{
		category: types.CategoryLogic,
		applies:  anyLang,
		match: func(line, lang string) (string, bool) {
			trimmed := strings.TrimSpace(line)
			switch {
			case (lang == "javascript" || lang == "typescript") && strings.HasPrefix(trimmed, "console.log("):
				return "remove debug statement", true
			case (lang == "javascript" || lang == "typescript") && trimmed == "debugger;":
				return "remove debug statement", true
			case strings.Contains(trimmed, "TODO") || strings.Contains(trimmed, "FIXME"):
				return "remove stale marker comment", true
			}
			return "", false
		},
	},
}

// MatchesCategory re-tests a single line against one category's
// pattern. The patch engine uses this to defend against stale
// detections before mutating a file.
func MatchesCategory(category types.BugCategory, line, lang string) bool {
	for _, c := range checks {
		if c.category != category {
			continue
		}
		if !c.applies(lang) {
			return false
		}
		_, ok := c.match(line, lang)
		return ok
	}
	return false
}

// LanguageForPath returns the language bucket for a file path, or ""
// when the extension is not actionable.
func LanguageForPath(path string) string {
	return languageByExt[strings.ToLower(pathExt(path))]
}

func pathExt(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		switch path[i] {
		case '.':
			return path[i:]
		case '/', '\\':
			return ""
		}
	}
	return ""
}
