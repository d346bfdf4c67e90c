package atomic

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// tokScanner reads whitespace-separated numeric tokens from the plain-text
// atomic data files. Errors are sticky: after the first failure every call
// is a no-op and Err reports the failure with file context.
type tokScanner struct {
	name string
	sc   *bufio.Scanner
	err  error
	eof  bool
}

func newTokScanner(name string, r io.Reader) *tokScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	sc.Split(bufio.ScanWords)
	return &tokScanner{name: name, sc: sc}
}

// next returns the next token. Sets eof at end of input.
func (t *tokScanner) next() (string, bool) {
	if t.err != nil || t.eof {
		return "", false
	}
	if !t.sc.Scan() {
		if err := t.sc.Err(); err != nil {
			t.err = fmt.Errorf("%s: %w", t.name, err)
		} else {
			t.eof = true
		}
		return "", false
	}
	return t.sc.Text(), true
}

// Int reads one integer token.
func (t *tokScanner) Int() int {
	tok, ok := t.next()
	if !ok {
		if t.err == nil {
			t.err = fmt.Errorf("%s: unexpected end of file", t.name)
		}
		return 0
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		t.err = fmt.Errorf("%s: malformed integer %q", t.name, tok)
		return 0
	}
	return v
}

// Float reads one floating-point token.
func (t *tokScanner) Float() float64 {
	tok, ok := t.next()
	if !ok {
		if t.err == nil {
			t.err = fmt.Errorf("%s: unexpected end of file", t.name)
		}
		return 0
	}
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		t.err = fmt.Errorf("%s: malformed number %q", t.name, tok)
		return 0
	}
	return v
}

// TryInt reads an integer token, reporting false at a clean end of file.
// Used at record boundaries of phixsdata_v2.txt.
func (t *tokScanner) TryInt() (int, bool) {
	tok, ok := t.next()
	if !ok {
		return 0, false
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		t.err = fmt.Errorf("%s: malformed integer %q", t.name, tok)
		return 0, false
	}
	return v, true
}

func (t *tokScanner) Err() error { return t.err }

// lineScanner reads one whitespace-split line at a time. adata.txt level
// records carry trailing annotation fields that must be ignored, so that
// file cannot be tokenised as a flat word stream.
type lineScanner struct {
	name string
	sc   *bufio.Scanner
	err  error
}

func newLineScanner(name string, r io.Reader) *lineScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &lineScanner{name: name, sc: sc}
}

// Fields returns the fields of the next non-blank line, or false at end of
// input.
func (l *lineScanner) Fields() ([]string, bool) {
	if l.err != nil {
		return nil, false
	}
	for l.sc.Scan() {
		fields := splitFields(l.sc.Text())
		if len(fields) > 0 {
			return fields, true
		}
	}
	if err := l.sc.Err(); err != nil {
		l.err = fmt.Errorf("%s: %w", l.name, err)
	}
	return nil, false
}

func (l *lineScanner) Err() error { return l.err }

func splitFields(s string) []string {
	var out []string
	start := -1
	for i := 0; i < len(s); i++ {
		if s[i] == ' ' || s[i] == '\t' || s[i] == '\r' {
			if start >= 0 {
				out = append(out, s[start:i])
				start = -1
			}
		} else if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	return out
}

func parseInt(name, tok string) (int, error) {
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, fmt.Errorf("%s: malformed integer %q", name, tok)
	}
	return v, nil
}

func parseFloat(name, tok string) (float64, error) {
	v, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: malformed number %q", name, tok)
	}
	return v, nil
}
