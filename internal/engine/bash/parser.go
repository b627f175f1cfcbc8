package bash

import (
	"strings"
)

// Parser returns the line numbers of a shell script that can produce
// trace events.
type Parser func(src []byte) []int

// blockKeywords never show up in the trace themselves.
var blockKeywords = map[string]bool{
	"esac": true,
	"fi":   true,
	"do":   true,
	"done": true,
	"else": true,
	"then": true,
}

type parseState int

const (
	stateCode parseState = iota
	stateBackslash
	stateQuote
	stateHeredoc
)

// ParseBasic only drops blank lines, comments, block keywords, lone braces
// and function headers.
func ParseBasic(src []byte) []int {
	var lines []int

	for i, raw := range strings.Split(string(src), "\n") {
		s := stripComment(strings.TrimSpace(raw))

		switch {
		case s == "", blockKeywords[s], s == "{", s == "}":
		case strings.HasPrefix(s, "function"):
		default:
			lines = append(lines, i+1)
		}
	}

	return lines
}

// ParseFull understands multi-line constructs: backslash continuations
// count on their first line, multi-line quoted assignments on their last,
// here-document bodies and case patterns never count, and arithmetic
// blocks count on their closing line.
func ParseFull(src []byte) []int {
	var (
		lines      []int
		state      parseState
		inCase     bool
		arithmetic bool
		marker     string
	)

	for i, raw := range strings.Split(string(src), "\n") {
		s := stripComment(strings.TrimSpace(raw))

		// A bare esac is skipped below but still ends the case block.
		if strings.HasPrefix(s, "esac") {
			inCase = false
		}

		if skipLine(s) {
			continue
		}

		switch state {
		case stateBackslash:
			if !strings.HasSuffix(s, `\`) {
				state = stateCode
			}

			continue
		case stateQuote:
			if strings.IndexByte(s, '"') != len(s)-1 {
				continue
			}

			state = stateCode
		case stateHeredoc:
			if strings.Trim(s, " \t\r\n`") == marker {
				state = stateCode
			}

			continue
		}

		if strings.Contains(s, "$((") || strings.Contains(s, "$[") {
			arithmetic = true
		}

		switch {
		case strings.HasSuffix(s, `\`):
			state = stateBackslash
		case (strings.Contains(s, `="`) || strings.Contains(s, `= "`)) && strings.Count(s, `"`) == 1:
			state = stateQuote

			continue
		default:
			start := strings.Index(s, "<<")
			if start < 0 || arithmetic || strings.HasPrefix(s, "let ") ||
				strings.Contains(s, "$((") || strings.Contains(s, "))") {
				break
			}

			marker = heredocMarker(s[start+2:])
			if marker != "" && marker[0] != '<' {
				state = stateHeredoc
			}

			// "done <<EOF" feeds a loop and is not a command of its own.
			if strings.TrimSpace(s[:start]) == "done" {
				continue
			}
		}

		if strings.HasPrefix(s, "case") {
			inCase = true
		}

		if strings.Contains(s, "))") || strings.Contains(s, "]") {
			arithmetic = false
		}

		if arithmetic {
			continue
		}

		// Case patterns, but not function calls inside an arm.
		if inCase && strings.HasSuffix(s, ")") && strings.IndexByte(s, '(') <= 0 {
			continue
		}

		lines = append(lines, i+1)
	}

	return lines
}

// skipLine reports lines that are never code regardless of state.
func skipLine(s string) bool {
	switch {
	case s == "", strings.HasPrefix(s, ";;"), s == "{", s == "}", blockKeywords[s]:
		return true
	case strings.HasPrefix(s, "function"):
		return true
	}

	// name() headers
	if fn := strings.Index(s, "()"); fn >= 0 {
		name := strings.TrimRight(s[:fn], " ")

		return !strings.Contains(name, " ")
	}

	return false
}

// stripComment removes a trailing comment, leaving $#, ${#var} and
// anything after a quote alone.
func stripComment(s string) string {
	hash := strings.IndexByte(s, '#')
	if hash < 0 {
		return s
	}

	switch {
	case hash >= 1 && s[hash-1] == '$':
		return s
	case hash >= 2 && strings.LastIndex(s[:hash], "${") >= 0 && strings.Contains(s[hash:], "}"):
		return s
	case hash >= 1 && strings.ContainsAny(s[:hash], `"'`):
		return s
	}

	return strings.TrimSpace(s[:hash])
}

func heredocMarker(rest string) string {
	marker := strings.TrimSpace(rest)

	if end := strings.IndexAny(marker, " \t"); end >= 0 {
		marker = marker[:end]
	}

	marker = strings.TrimPrefix(marker, "-")

	if n := len(marker); n > 2 && (marker[0] == '"' || marker[0] == '\'') && marker[0] == marker[n-1] {
		marker = marker[1 : n-1]
	}

	return marker
}
