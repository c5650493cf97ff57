package agent

import (
	"strings"

	"github.com/nugget/mcphost/internal/prompts"
)

// Directive is one tool call found in model text.
type Directive struct {
	// Name is the requested tool.
	Name string

	// RawArgs is the argument text exactly as the model wrote it. It
	// is empty when no object followed the name and runs to the end of
	// the text when the object was never closed. Either way it is not
	// valid JSON and the engine reports it back to the model.
	RawArgs string

	// Start and End delimit the directive in the source text.
	Start, End int
}

// DirectivePolicy controls which forms [ParseDirectives] accepts.
type DirectivePolicy struct {
	// AcceptBare also accepts name:{json} without the TOOL_CALL:
	// prefix. Models sometimes drop the prefix, but ordinary prose can
	// look like a bare directive, so this is off unless configured.
	AcceptBare bool

	// Known reports whether a bare name refers to a registered tool.
	// Bare candidates are only accepted when it returns true. A nil
	// Known rejects every bare candidate.
	Known func(name string) bool
}

// ParseDirectives scans text left to right and returns every tool call
// directive in textual order. The grammar is
//
//	TOOL_CALL:<name>:<json-object>
//
// where <name> is [a-zA-Z0-9_-]+, optional whitespace may follow the
// second colon, and the object extends to its matching closing brace.
// Braces inside JSON strings do not count. Text around and between
// directives is ignored.
func ParseDirectives(text string, policy DirectivePolicy) []Directive {
	var out []Directive
	for i := 0; i < len(text); {
		if strings.HasPrefix(text[i:], prompts.DirectivePrefix) {
			if d, ok := parseStrict(text, i); ok {
				out = append(out, d)
				i = d.End
				continue
			}
			i += len(prompts.DirectivePrefix)
			continue
		}

		if policy.AcceptBare && policy.Known != nil && atWordStart(text, i) {
			if d, ok := parseBare(text, i, policy.Known); ok {
				out = append(out, d)
				i = d.End
				continue
			}
		}
		i++
	}
	return out
}

// parseStrict parses a prefixed directive starting at start. A name
// with no argument object still yields a directive so the model hears
// about its mistake.
func parseStrict(text string, start int) (Directive, bool) {
	nameStart := start + len(prompts.DirectivePrefix)
	nameEnd := scanName(text, nameStart)
	if nameEnd == nameStart {
		return Directive{}, false
	}
	d := Directive{Name: text[nameStart:nameEnd], Start: start, End: nameEnd}

	if nameEnd >= len(text) || text[nameEnd] != ':' {
		return d, true
	}
	d.End = nameEnd + 1

	obj := skipSpace(text, d.End)
	if obj >= len(text) || text[obj] != '{' {
		return d, true
	}
	d.End = scanObject(text, obj)
	d.RawArgs = text[obj:d.End]
	return d, true
}

// parseBare parses name:{...} at start. Unlike the prefixed form, the
// object is required and the name must be known.
func parseBare(text string, start int, known func(string) bool) (Directive, bool) {
	nameEnd := scanName(text, start)
	if nameEnd == start || nameEnd >= len(text) || text[nameEnd] != ':' {
		return Directive{}, false
	}
	obj := skipSpace(text, nameEnd+1)
	if obj >= len(text) || text[obj] != '{' {
		return Directive{}, false
	}
	name := text[start:nameEnd]
	if !known(name) {
		return Directive{}, false
	}
	end := scanObject(text, obj)
	return Directive{Name: name, RawArgs: text[obj:end], Start: start, End: end}, true
}

// scanObject returns the index just past the brace that closes the
// object opening at text[start], or len(text) if it never closes.
func scanObject(text string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return len(text)
}

func scanName(text string, i int) int {
	for i < len(text) && isNameByte(text[i]) {
		i++
	}
	return i
}

func skipSpace(text string, i int) int {
	for i < len(text) {
		switch text[i] {
		case ' ', '\t', '\r', '\n':
			i++
		default:
			return i
		}
	}
	return i
}

func atWordStart(text string, i int) bool {
	return isNameByte(text[i]) && (i == 0 || !isNameByte(text[i-1]))
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_' || c == '-'
}
