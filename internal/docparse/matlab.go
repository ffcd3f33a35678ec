package docparse

import (
	"regexp"
	"strings"
)

var (
	// function [a, b] = name(...), function a = name(...), function name(...)
	matlabFunc    = regexp.MustCompile(`^\s*function\s+(?:(?:\[[\w,\s]*\]|\w+)\s*=\s*)?(\w+)\s*\(`)
	matlabComment = regexp.MustCompile(`^\s*%+\s?`)
)

// ParseMATLAB returns the help block of every function in content. A function's
// help is the run of % comments directly above its definition; blank lines
// inside the run are allowed. When a file has no documented functions, the
// leading comment block is returned as a script doc named after the file.
func ParseMATLAB(content, path string) []Doc {
	lines := strings.Split(content, "\n")
	var docs []Doc

	for i, line := range lines {
		m := matlabFunc.FindStringSubmatch(line)
		if m == nil {
			continue
		}

		var comments []string
		start := i
		for j := i - 1; j >= 0; j-- {
			stripped := strings.TrimSpace(lines[j])
			if strings.HasPrefix(stripped, "%") {
				comments = append([]string{matlabComment.ReplaceAllString(lines[j], "")}, comments...)
				start = j
			} else if stripped != "" {
				break
			}
		}
		if len(comments) == 0 {
			continue
		}
		docs = append(docs, Doc{
			SymbolName: m[1],
			SymbolType: KindFunction,
			Docstring:  strings.TrimSpace(strings.Join(comments, "\n")),
			Line:       start + 1,
		})
	}
	if len(docs) > 0 {
		return docs
	}

	var header []string
	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "%") {
			header = append(header, matlabComment.ReplaceAllString(line, ""))
		} else if stripped != "" {
			break
		}
	}
	if len(header) == 0 {
		return nil
	}
	return []Doc{{
		SymbolName: moduleName(path),
		SymbolType: KindScript,
		Docstring:  strings.TrimSpace(strings.Join(header, "\n")),
		Line:       1,
	}}
}
