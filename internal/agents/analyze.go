package agents

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/openrabbit/openrabbit/internal/review"
)

// Heuristic single-pass analyzer. It finds symbol declarations with
// language-specific regexes, bounds each symbol's span at the next
// declaration, and estimates cyclomatic complexity by counting branch
// tokens inside the span. Good enough to surface hotspots and feed the
// reviewer prompt; not a real parser.

var extLanguages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".java": "java",
	".rb":   "ruby",
	".rs":   "rust",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".cs":   "csharp",
	".php":  "php",
}

type symbolPattern struct {
	re        *regexp.Regexp
	kind      string
	nameIndex int
	argsIndex int // 0 when the pattern captures no arg list
}

var languagePatterns = map[string][]symbolPattern{
	"go": {
		{regexp.MustCompile(`^func\s+(?:\([^)]*\)\s+)?(\w+)\s*\(([^)]*)\)`), "function", 1, 2},
		{regexp.MustCompile(`^type\s+(\w+)\s+(?:struct|interface)`), "type", 1, 0},
	},
	"python": {
		{regexp.MustCompile(`^\s*(?:async\s+)?def\s+(\w+)\s*\(([^)]*)\)`), "function", 1, 2},
		{regexp.MustCompile(`^\s*class\s+(\w+)`), "type", 1, 0},
	},
	"javascript": {
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:async\s+)?function\s+(\w+)\s*\(([^)]*)\)`), "function", 1, 2},
		{regexp.MustCompile(`^\s*(?:export\s+)?(?:const|let)\s+(\w+)\s*=\s*(?:async\s*)?\(([^)]*)\)\s*=>`), "function", 1, 2},
		{regexp.MustCompile(`^\s*(?:export\s+)?class\s+(\w+)`), "type", 1, 0},
	},
	"java": {
		{regexp.MustCompile(`^\s*(?:public|private|protected)?\s*(?:static\s+)?[\w<>\[\],\s]+\s+(\w+)\s*\(([^)]*)\)\s*(?:throws[\w\s,]*)?\{`), "method", 1, 2},
		{regexp.MustCompile(`^\s*(?:public\s+)?(?:final\s+)?class\s+(\w+)`), "type", 1, 0},
	},
	"ruby": {
		{regexp.MustCompile(`^\s*def\s+(\w+[?!]?)(?:\(([^)]*)\))?`), "function", 1, 2},
		{regexp.MustCompile(`^\s*class\s+(\w+)`), "type", 1, 0},
	},
	"rust": {
		{regexp.MustCompile(`^\s*(?:pub\s+)?(?:async\s+)?fn\s+(\w+)\s*(?:<[^>]*>)?\(([^)]*)\)`), "function", 1, 2},
		{regexp.MustCompile(`^\s*(?:pub\s+)?struct\s+(\w+)`), "type", 1, 0},
	},
}

// Shared with typescript.
func init() {
	languagePatterns["typescript"] = languagePatterns["javascript"]
}

var branchTokenRe = regexp.MustCompile(`\b(if|else if|elif|for|while|case|when|catch|except|rescue)\b|&&|\|\||\?\s*[^:]+:`)

// DetectLanguage maps a file path to a language name, or "".
func DetectLanguage(path string) string {
	return extLanguages[strings.ToLower(filepath.Ext(path))]
}

// AnalyzeFile is the built-in AnalyzeFunc.
func AnalyzeFile(file review.FileInfo) review.FileAnalysis {
	lang := file.Language
	if lang == "" {
		lang = DetectLanguage(file.Path)
	}
	analysis := review.FileAnalysis{Path: file.Path, Language: lang}

	patterns, ok := languagePatterns[lang]
	if !ok || file.Content == "" {
		return analysis
	}

	lines := strings.Split(file.Content, "\n")

	// Pass 1: declarations.
	for i, line := range lines {
		for _, p := range patterns {
			m := p.re.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			sym := review.Symbol{
				Name: m[p.nameIndex],
				Kind: p.kind,
				Line: i + 1,
			}
			if p.argsIndex > 0 && p.argsIndex < len(m) {
				sym.Params = countParams(m[p.argsIndex], lang)
			}
			analysis.Symbols = append(analysis.Symbols, sym)
			break
		}
	}

	// Pass 2: spans, complexity, call edges. A symbol's span ends at
	// the next declaration.
	names := make(map[string]bool, len(analysis.Symbols))
	for _, s := range analysis.Symbols {
		names[s.Name] = true
	}
	for i := range analysis.Symbols {
		sym := &analysis.Symbols[i]
		end := len(lines)
		if i+1 < len(analysis.Symbols) {
			end = analysis.Symbols[i+1].Line - 1
		}
		sym.EndLine = end

		if sym.Kind == "type" {
			continue
		}
		body := strings.Join(lines[sym.Line-1:end], "\n")
		sym.Complexity = 1 + len(branchTokenRe.FindAllString(body, -1))

		for callee := range names {
			if callee == sym.Name {
				continue
			}
			if regexp.MustCompile(`\b` + regexp.QuoteMeta(callee) + `\s*\(`).MatchString(body) {
				analysis.CallEdges = append(analysis.CallEdges, review.CallEdge{
					Caller: sym.Name, Callee: callee,
				})
			}
		}
	}

	return analysis
}

func countParams(args, lang string) int {
	args = strings.TrimSpace(args)
	if args == "" {
		return 0
	}
	depth := 0
	n := 1
	for _, r := range args {
		switch r {
		case '(', '[', '<', '{':
			depth++
		case ')', ']', '>', '}':
			depth--
		case ',':
			if depth == 0 {
				n++
			}
		}
	}

	// Receiver-style first params don't count against the API surface.
	if lang == "python" {
		first := strings.TrimSpace(strings.SplitN(args, ",", 2)[0])
		if first == "self" || first == "cls" {
			n--
		}
	}
	return n
}
