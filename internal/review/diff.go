package review

import (
	"regexp"
	"strconv"
	"strings"
)

// ValidLines maps file path to the set of post-diff line numbers eligible for
// inline commenting. Derived strictly from the unified diff; it is a filter
// and is never expanded beyond diff-added and context lines.
type ValidLines map[string]map[int]bool

// Contains reports whether an inline comment may target file:line.
func (v ValidLines) Contains(file string, line int) bool {
	lines, ok := v[file]
	return ok && lines[line]
}

// HasFile reports whether the file appears in the diff at all.
func (v ValidLines) HasFile(file string) bool {
	_, ok := v[file]
	return ok
}

// hunkHeaderRe matches "@@ -oldStart[,oldCount] +newStart[,newCount] @@".
var hunkHeaderRe = regexp.MustCompile(`^@@ -\d+(?:,\d+)? \+(\d+)(?:,(\d+))? @@`)

// DiffLines extracts the post-image line numbers (added and context lines)
// from one file's unified diff text.
func DiffLines(diff string) map[int]bool {
	lines := make(map[int]bool)
	newLine := 0
	inHunk := false

	for _, raw := range strings.Split(diff, "\n") {
		if m := hunkHeaderRe.FindStringSubmatch(raw); m != nil {
			newLine, _ = strconv.Atoi(m[1])
			inHunk = true
			continue
		}
		if !inHunk || raw == "" {
			continue
		}
		switch raw[0] {
		case '+':
			// Skip the "+++ b/..." file header.
			if strings.HasPrefix(raw, "+++") {
				continue
			}
			lines[newLine] = true
			newLine++
		case ' ':
			lines[newLine] = true
			newLine++
		case '-':
			if strings.HasPrefix(raw, "---") {
				continue
			}
			// Removed line: no post-image line number consumed.
		case '\\':
			// "\ No newline at end of file"
		default:
			// Anything else ends the hunk (e.g. the next "diff --git" header).
			inHunk = false
		}
	}
	return lines
}

// ComputeValidLines derives the ValidLines set for all files carrying a diff.
// Files without a diff (or deleted files) contribute nothing.
func ComputeValidLines(files []FileInfo) ValidLines {
	valid := make(ValidLines)
	for _, f := range files {
		if f.Diff == "" || f.IsDeleted {
			continue
		}
		if lines := DiffLines(f.Diff); len(lines) > 0 {
			valid[f.Path] = lines
		}
	}
	return valid
}
