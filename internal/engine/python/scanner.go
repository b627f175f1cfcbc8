package python

import (
	"regexp"
	"strings"
)

var (
	bareClause    = regexp.MustCompile(`^(else|finally)\s*:\s*(#.*)?$`)
	docstringHead = regexp.MustCompile(`^[rRuU]?("""|''')`)
)

// scanState carries lexical context from one line to the next.
type scanState struct {
	triple    string
	depth     int
	continued bool
}

// ExecutableLines returns the line numbers of src that can produce line
// events. Blank and comment lines, docstrings, the continuation lines of
// multi-line statements and bare else/try/finally clauses are left out.
func ExecutableLines(src []byte) []int {
	var (
		lines []int
		state scanState
	)

	for i, raw := range strings.Split(string(src), "\n") {
		inside := state.triple != "" || state.depth > 0 || state.continued
		trimmed := strings.TrimSpace(raw)

		state.scan(raw)

		switch {
		case inside:
		case trimmed == "" || strings.HasPrefix(trimmed, "#"):
		case docstringHead.MatchString(trimmed):
		case bareClause.MatchString(trimmed):
		default:
			lines = append(lines, i+1)
		}
	}

	return lines
}

func (s *scanState) scan(line string) {
	s.continued = false

	for pos := 0; pos < len(line); {
		if s.triple != "" {
			pos = s.closeTriple(line, pos)
			continue
		}

		rest := line[pos:]

		switch c := line[pos]; {
		case c == '#':
			return
		case strings.HasPrefix(rest, `"""`) || strings.HasPrefix(rest, `'''`):
			s.triple = rest[:3]
			pos += 3
		case c == '"' || c == '\'':
			pos = skipString(line, pos+1, c)
		case c == '\\' && pos == len(line)-1:
			s.continued = true
			pos++
		case c == '(' || c == '[' || c == '{':
			s.depth++
			pos++
		case c == ')' || c == ']' || c == '}':
			if s.depth > 0 {
				s.depth--
			}
			pos++
		default:
			pos++
		}
	}
}

func (s *scanState) closeTriple(line string, pos int) int {
	for pos < len(line) {
		if line[pos] == '\\' {
			pos += 2
			continue
		}

		if strings.HasPrefix(line[pos:], s.triple) {
			s.triple = ""
			return pos + 3
		}

		pos++
	}

	return pos
}

// skipString returns the position after the closing quote of a single-line
// string literal, or the end of the line when it is unterminated.
func skipString(line string, pos int, quote byte) int {
	for pos < len(line) {
		switch line[pos] {
		case '\\':
			pos += 2
		case quote:
			return pos + 1
		default:
			pos++
		}
	}

	return pos
}
