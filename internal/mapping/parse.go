package mapping

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Entry is one `key => value [content-type]` line.
type Entry struct {
	Key         string
	Target      string
	ContentType string
	Line        int
}

// Directive is a parsed mapping file line: either an entry or an import.
type Directive struct {
	Entry  *Entry
	Import string
	Line   int
}

// Parse reads mapping file syntax:
//
//	# comment
//	import other.sb
//	"/index.html" => "./public/index.html" [text/html]
//	/ => ./public/index.html [text/html]
//
// Keys and values may be double-quoted. The bracketed content type is optional.
func Parse(r io.Reader) ([]Directive, error) {
	var out []Directive
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if rest, ok := cutKeyword(line, "import"); ok {
			path, err := unquote(rest)
			if err != nil || path == "" {
				return nil, fmt.Errorf("line %d: bad import %q", lineNo, line)
			}
			out = append(out, Directive{Import: path, Line: lineNo})
			continue
		}
		e, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		e.Line = lineNo
		out = append(out, Directive{Entry: &e, Line: lineNo})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseEntry(line string) (Entry, error) {
	key, value, ok := strings.Cut(line, "=>")
	if !ok {
		return Entry{}, fmt.Errorf("expected `key => value`, got %q", line)
	}
	value, contentType := cutContentType(strings.TrimSpace(value))
	k, err := unquote(strings.TrimSpace(key))
	if err != nil {
		return Entry{}, err
	}
	v, err := unquote(value)
	if err != nil {
		return Entry{}, err
	}
	if contentType == "" && strings.HasPrefix(value, `"`) {
		v, contentType = cutContentType(v)
	}
	if k == "" || v == "" {
		return Entry{}, fmt.Errorf("empty key or value in %q", line)
	}
	return Entry{Key: k, Target: v, ContentType: contentType}, nil
}

// cutContentType splits a trailing `[type]` off s. The bracket must follow
// whitespace or a closing quote.
func cutContentType(s string) (string, string) {
	if !strings.HasSuffix(s, "]") {
		return s, ""
	}
	i := strings.LastIndex(s, "[")
	if i <= 0 {
		return s, ""
	}
	switch s[i-1] {
	case ' ', '\t', '"':
	default:
		return s, ""
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1 : len(s)-1])
}

func cutKeyword(line, kw string) (string, bool) {
	if !strings.HasPrefix(line, kw) {
		return "", false
	}
	rest := line[len(kw):]
	if rest == "" || (rest[0] != ' ' && rest[0] != '\t') {
		return "", false
	}
	if strings.Contains(rest, "=>") {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func unquote(s string) (string, error) {
	if !strings.HasPrefix(s, `"`) {
		return s, nil
	}
	if len(s) < 2 || !strings.HasSuffix(s, `"`) {
		return "", fmt.Errorf("unterminated quote in %s", s)
	}
	return s[1 : len(s)-1], nil
}
