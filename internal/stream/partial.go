package stream

import (
	"strings"

	"github.com/tailscale/hujson"

	"github.com/nghyane/llm-relay/internal/json"
)

const (
	objKeyOrEnd = iota
	objColon
	objValue
	objCommaOrEnd
	arrValueOrEnd
	arrCommaOrEnd
)

type frame struct {
	obj      bool
	state    int
	keyStart int
}

// scanner walks a possibly truncated JSON document once and remembers
// enough about where it stopped to complete it.
type scanner struct {
	src   string
	stack []frame

	inString    bool
	stringIsKey bool
	escape      bool
	uniLeft     int
	uniStart    int

	inScalar    bool
	scalarStart int

	done int // index just past the closed root, 0 while open
}

// ParsePartial decodes the longest well-formed reading of a truncated JSON
// document. Text before the first '{' or '[' (prose, markdown fences) is
// skipped and anything after the closed root is ignored. ok is false when
// nothing usable could be decoded.
func ParsePartial(s string) (any, bool) {
	repaired, ok := Repair(s)
	if !ok {
		return nil, false
	}
	std, err := hujson.Standardize([]byte(repaired))
	if err != nil {
		return nil, false
	}
	v, err := json.DecodeValue(std)
	if err != nil {
		return nil, false
	}
	return v, true
}

// Repair returns s completed into a syntactically closed document (trailing
// commas may remain).
func Repair(s string) (string, bool) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return "", false
	}
	sc := &scanner{src: s[start:]}
	if !sc.scan() {
		return "", false
	}
	if sc.done > 0 {
		return sc.src[:sc.done], true
	}
	return sc.complete(), true
}

func (sc *scanner) top() *frame {
	if len(sc.stack) == 0 {
		return nil
	}
	return &sc.stack[len(sc.stack)-1]
}

// valueDone moves the enclosing container past a finished value.
func (sc *scanner) valueDone() {
	f := sc.top()
	if f == nil {
		return
	}
	if f.obj {
		f.state = objCommaOrEnd
	} else {
		f.state = arrCommaOrEnd
	}
}

func (sc *scanner) push(obj bool) {
	if obj {
		sc.stack = append(sc.stack, frame{obj: true, state: objKeyOrEnd})
	} else {
		sc.stack = append(sc.stack, frame{state: arrValueOrEnd})
	}
}

// pop closes the innermost container. It reports false on a mismatched
// closer.
func (sc *scanner) pop(c byte, i int) bool {
	f := sc.top()
	if f == nil || f.obj != (c == '}') {
		return false
	}
	sc.stack = sc.stack[:len(sc.stack)-1]
	if len(sc.stack) == 0 {
		sc.done = i + 1
		return true
	}
	sc.valueDone()
	return true
}

func isDelimiter(c byte) bool {
	switch c {
	case ',', '}', ']', ' ', '\t', '\n', '\r':
		return true
	}
	return false
}

func isHex(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// scan returns false on input that cannot be a JSON prefix.
func (sc *scanner) scan() bool {
	src := sc.src
	for i := 0; i < len(src); i++ {
		c := src[i]

		if sc.inString {
			switch {
			case sc.uniLeft > 0:
				if !isHex(c) {
					return false
				}
				sc.uniLeft--
			case sc.escape:
				sc.escape = false
				if c == 'u' {
					sc.uniLeft = 4
					sc.uniStart = i - 1
				}
			case c == '\\':
				sc.escape = true
			case c == '"':
				sc.inString = false
				if sc.stringIsKey {
					sc.top().state = objColon
				} else {
					sc.valueDone()
				}
			}
			continue
		}

		if sc.inScalar {
			if !isDelimiter(c) {
				continue
			}
			sc.inScalar = false
			sc.valueDone()
		}

		f := sc.top()
		switch c {
		case ' ', '\t', '\n', '\r':
			continue
		case '{', '[':
			if f != nil {
				if f.obj && f.state != objValue {
					return false
				}
				if !f.obj && f.state != arrValueOrEnd {
					return false
				}
			}
			sc.push(c == '{')
		case '}', ']':
			if !sc.pop(c, i) {
				return false
			}
			if sc.done > 0 {
				return true
			}
		case ',':
			switch {
			case f == nil:
				return false
			case f.obj && f.state == objCommaOrEnd:
				f.state = objKeyOrEnd
			case !f.obj && f.state == arrCommaOrEnd:
				f.state = arrValueOrEnd
			default:
				return false
			}
		case ':':
			if f == nil || !f.obj || f.state != objColon {
				return false
			}
			f.state = objValue
		case '"':
			if f == nil {
				return false
			}
			sc.inString = true
			sc.escape = false
			sc.uniLeft = 0
			switch {
			case f.obj && f.state == objKeyOrEnd:
				sc.stringIsKey = true
				f.keyStart = i
			case f.obj && f.state == objValue, !f.obj && f.state == arrValueOrEnd:
				sc.stringIsKey = false
			default:
				return false
			}
		default:
			if f == nil {
				return false
			}
			if (f.obj && f.state != objValue) || (!f.obj && f.state != arrValueOrEnd) {
				return false
			}
			sc.inScalar = true
			sc.scalarStart = i
		}
	}
	return true
}

// complete cuts the dangling tail of an unterminated document and closes
// every open container.
func (sc *scanner) complete() string {
	end := len(sc.src)
	suffix := ""
	f := sc.top()

	dropValue := func(valueStart int) int {
		if f != nil && f.obj {
			return f.keyStart
		}
		return valueStart
	}

	switch {
	case sc.inString && sc.stringIsKey:
		end = f.keyStart
	case sc.inString:
		switch {
		case sc.uniLeft > 0:
			end = sc.uniStart
		case sc.escape:
			end--
		}
		suffix = `"`
	case sc.inScalar:
		tok := sc.src[sc.scalarStart:]
		if rest, ok := completeLiteral(tok); ok {
			suffix = rest
		} else if trimmed := strings.TrimRight(tok, "-+.eE"); isNumber(trimmed) {
			end = sc.scalarStart + len(trimmed)
		} else {
			end = dropValue(sc.scalarStart)
		}
	case f != nil && f.obj && (f.state == objColon || f.state == objValue):
		end = f.keyStart
	}

	var b strings.Builder
	b.Grow(end + len(suffix) + len(sc.stack))
	b.WriteString(sc.src[:end])
	b.WriteString(suffix)
	for i := len(sc.stack) - 1; i >= 0; i-- {
		if sc.stack[i].obj {
			b.WriteByte('}')
		} else {
			b.WriteByte(']')
		}
	}
	return b.String()
}

func completeLiteral(tok string) (string, bool) {
	for _, lit := range [...]string{"true", "false", "null"} {
		if strings.HasPrefix(lit, tok) {
			return lit[len(tok):], true
		}
	}
	return "", false
}

func isNumber(tok string) bool {
	if tok == "" {
		return false
	}
	for i := 0; i < len(tok); i++ {
		c := tok[i]
		if (c < '0' || c > '9') && c != '-' && c != '+' && c != '.' && c != 'e' && c != 'E' {
			return false
		}
	}
	return tok[len(tok)-1] >= '0' && tok[len(tok)-1] <= '9'
}
