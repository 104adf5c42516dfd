package sandbox

import (
	"fmt"
	"strings"
	"unicode"

	"go.starlark.net/syntax"
)

// Translate rewrites Python import statements into calls to the
// __import__ builtin so that every import goes through the broker. All
// other source is passed through untouched and line numbers are
// preserved, so interpreter positions still point at the snippet.
//
//	import a              ->  a = __import__("a")
//	import a.b            ->  a = __import__("a.b")
//	import a.b as c       ->  c = __import__("a.b", fromlist=["*"])
//	from a import b as c  ->  c = __import__("a", fromlist=["b"]).b
//	if x: import a        ->  if x: a = __import__("a")
//
// Wildcard and relative imports are rejected.
func Translate(filename, src string) (string, error) {
	lines := strings.Split(src, "\n")
	out := make([]string, 0, len(lines))
	var st scanState

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !st.atStatementStart() || !hasImportSegment(line) {
			st.feed(line)
			out = append(out, line)
			continue
		}

		// Gather a parenthesized or backslash-continued import.
		logical := line
		consumed := 0
		ahead := st
		ahead.feed(line)
		for !ahead.atStatementStart() && i+consumed+1 < len(lines) {
			consumed++
			next := lines[i+consumed]
			ahead.feed(next)
			logical = strings.TrimSuffix(strings.TrimRight(logical, " \t"), "\\") + " " + strings.TrimSpace(next)
		}
		st = ahead

		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		rewritten, err := rewriteLine(strings.TrimSpace(logical))
		if err != nil {
			return "", syntax.Error{
				Pos: syntax.MakePosition(&filename, int32(i+1), int32(len(indent)+1)),
				Msg: err.Error(),
			}
		}
		out = append(out, indent+rewritten)
		for j := 0; j < consumed; j++ {
			out = append(out, "")
		}
		i += consumed
	}
	return strings.Join(out, "\n"), nil
}

// scanState tracks whether the scanner is inside a triple-quoted string,
// open brackets or a backslash continuation.
type scanState struct {
	triple    string
	depth     int
	continued bool
}

func (s *scanState) atStatementStart() bool {
	return s.triple == "" && s.depth == 0 && !s.continued
}

func (s *scanState) feed(line string) {
	s.continued = false
	for i := 0; i < len(line); i++ {
		c := line[i]
		if s.triple != "" {
			if c == '\\' {
				i++
				continue
			}
			if strings.HasPrefix(line[i:], s.triple) {
				i += 2
				s.triple = ""
			}
			continue
		}
		switch c {
		case '#':
			return
		case '\\':
			if i == len(line)-1 {
				s.continued = true
			}
			i++
		case '(', '[', '{':
			s.depth++
		case ')', ']', '}':
			if s.depth > 0 {
				s.depth--
			}
		case '"', '\'':
			q := string(c)
			if strings.HasPrefix(line[i:], q+q+q) {
				s.triple = q + q + q
				i += 2
				continue
			}
			i = skipString(line, i)
		}
	}
}

// skipString returns the index of the closing quote of the single-line
// string starting at line[start], or the last index if it is unterminated.
func skipString(line string, start int) int {
	q := line[start]
	for i := start + 1; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case q:
			return i
		}
	}
	return len(line) - 1
}

// splitStatements splits a logical line on top-level semicolons and drops
// a trailing comment.
func splitStatements(line string) []string {
	var parts []string
	depth, last := 0, 0
	for i := 0; i < len(line); i++ {
		switch c := line[i]; c {
		case '"', '\'':
			i = skipString(line, i)
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case '#':
			return append(parts, line[last:i])
		case ';':
			if depth == 0 {
				parts = append(parts, line[last:i])
				last = i + 1
			}
		}
	}
	return append(parts, line[last:])
}

func hasKeyword(stmt, kw string) bool {
	return strings.HasPrefix(stmt, kw) && len(stmt) > len(kw) && (stmt[len(kw)] == ' ' || stmt[len(kw)] == '\t' || stmt[len(kw)] == '(' || stmt[len(kw)] == '.')
}

func isImport(stmt string) bool {
	stmt = strings.TrimSpace(stmt)
	return hasKeyword(stmt, "import") || hasKeyword(stmt, "from")
}

func hasImportSegment(line string) bool {
	if !strings.Contains(line, "import") {
		return false
	}
	for _, seg := range splitStatements(strings.TrimSpace(line)) {
		if isImport(seg) {
			return true
		}
		if _, body, ok := splitCompound(strings.TrimSpace(seg)); ok && isImport(body) {
			return true
		}
	}
	return false
}

// compoundHeaders are the statements that may carry a one-line body, as in
// "if debug: import logging".
var compoundHeaders = map[string]bool{
	"if": true, "elif": true, "else": true, "for": true, "while": true, "def": true,
}

// splitCompound splits a one-line compound statement at its top-level
// colon into the header (colon included) and the body.
func splitCompound(stmt string) (header, body string, ok bool) {
	end := 0
	for end < len(stmt) && (stmt[end] == '_' || unicode.IsLetter(rune(stmt[end]))) {
		end++
	}
	if !compoundHeaders[stmt[:end]] {
		return "", "", false
	}
	depth := 0
	for i := end; i < len(stmt); i++ {
		switch c := stmt[i]; c {
		case '"', '\'':
			i = skipString(stmt, i)
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case ':':
			if depth == 0 {
				body = strings.TrimSpace(stmt[i+1:])
				if body == "" {
					return "", "", false
				}
				return stmt[:i+1], body, true
			}
		}
	}
	return "", "", false
}

func rewriteLine(line string) (string, error) {
	var out []string
	for _, seg := range splitStatements(line) {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		header := ""
		if h, body, ok := splitCompound(seg); ok && isImport(body) {
			header, seg = h+" ", body
		}
		if !isImport(seg) {
			out = append(out, seg)
			continue
		}
		r, err := rewriteStatement(seg)
		if err != nil {
			return "", err
		}
		out = append(out, header+r)
	}
	return strings.Join(out, "; "), nil
}

func rewriteStatement(stmt string) (string, error) {
	if hasKeyword(stmt, "import") {
		return rewriteImport(strings.TrimSpace(stmt[len("import"):]))
	}
	return rewriteFrom(strings.TrimSpace(stmt[len("from"):]))
}

func rewriteImport(spec string) (string, error) {
	var stmts []string
	for _, item := range strings.Split(spec, ",") {
		fields := strings.Fields(item)
		switch {
		case len(fields) == 1 && isDottedName(fields[0]):
			name := fields[0]
			root, _, _ := strings.Cut(name, ".")
			stmts = append(stmts, fmt.Sprintf("%s = __import__(%q)", root, name))
		case len(fields) == 3 && fields[1] == "as" && isDottedName(fields[0]) && isIdentifier(fields[2]):
			if strings.Contains(fields[0], ".") {
				stmts = append(stmts, fmt.Sprintf("%s = __import__(%q, fromlist=[\"*\"])", fields[2], fields[0]))
			} else {
				stmts = append(stmts, fmt.Sprintf("%s = __import__(%q)", fields[2], fields[0]))
			}
		default:
			return "", fmt.Errorf("invalid import statement: import %s", spec)
		}
	}
	return strings.Join(stmts, "; "), nil
}

func rewriteFrom(spec string) (string, error) {
	module, names, ok := strings.Cut(spec, " import")
	if !ok {
		return "", fmt.Errorf("invalid import statement: from %s", spec)
	}
	module = strings.TrimSpace(module)
	if strings.HasPrefix(module, ".") {
		return "", fmt.Errorf("relative imports are not supported")
	}
	if !isDottedName(module) {
		return "", fmt.Errorf("invalid module name %q", module)
	}
	if module == "__future__" {
		return "pass", nil
	}
	names = strings.TrimSpace(names)
	names = strings.TrimSuffix(strings.TrimPrefix(names, "("), ")")
	var stmts []string
	for _, item := range strings.Split(names, ",") {
		fields := strings.Fields(item)
		var name, alias string
		switch {
		case len(fields) == 0:
			continue
		case len(fields) == 1 && fields[0] == "*":
			return "", fmt.Errorf("wildcard imports are not supported")
		case len(fields) == 1:
			name, alias = fields[0], fields[0]
		case len(fields) == 3 && fields[1] == "as":
			name, alias = fields[0], fields[2]
		default:
			return "", fmt.Errorf("invalid import statement: from %s", spec)
		}
		if !isIdentifier(name) || !isIdentifier(alias) {
			return "", fmt.Errorf("invalid import statement: from %s", spec)
		}
		stmts = append(stmts, fmt.Sprintf("%s = __import__(%q, fromlist=[%q]).%s", alias, module, name, name))
	}
	if len(stmts) == 0 {
		return "", fmt.Errorf("invalid import statement: from %s", spec)
	}
	return strings.Join(stmts, "; "), nil
}

// unsupportedKeywords names the Python constructs the dialect has no
// grammar for. The interpreter rejects them as illegal tokens.
var unsupportedKeywords = map[string]string{
	"class":    "class definition",
	"try":      "try statement",
	"except":   "except clause",
	"finally":  "finally clause",
	"with":     "with statement",
	"raise":    "raise statement",
	"yield":    "yield expression",
	"global":   "global statement",
	"nonlocal": "nonlocal statement",
	"del":      "del statement",
	"is":       "'is' operator",
	"async":    "async function",
	"await":    "await expression",
}

// unsupportedConstruct reports which unsupported Python construct caused a
// parse error, looking for a reserved word on the offending line of src.
// "assert" is not reserved and only counts as the first word of the line.
func unsupportedConstruct(src string, perr syntax.Error) (string, bool) {
	lines := strings.Split(src, "\n")
	if perr.Pos.Line < 1 || int(perr.Pos.Line) > len(lines) {
		return "", false
	}
	line := lines[perr.Pos.Line-1]
	col := int(perr.Pos.Col) - 1

	construct, best := "", -1
	first := true
	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case c == '"' || c == '\'':
			i = skipString(line, i)
			first = false
		case c == '#':
			i = len(line)
		case c == '_' || unicode.IsLetter(rune(c)):
			j := i
			for j < len(line) && (line[j] == '_' || unicode.IsLetter(rune(line[j])) || unicode.IsDigit(rune(line[j]))) {
				j++
			}
			word := line[i:j]
			name, ok := unsupportedKeywords[word]
			if !ok && first && word == "assert" {
				name, ok = "assert statement", true
			}
			if ok {
				dist := i - col
				if dist < 0 {
					dist = -dist
				}
				if best < 0 || dist < best {
					construct, best = name, dist
				}
			}
			first = false
			i = j - 1
		case c != ' ' && c != '\t':
			first = false
		}
	}
	return construct, construct != ""
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r != '_' && !unicode.IsLetter(r) && (i == 0 || !unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

func isDottedName(s string) bool {
	for _, part := range strings.Split(s, ".") {
		if !isIdentifier(part) {
			return false
		}
	}
	return true
}
