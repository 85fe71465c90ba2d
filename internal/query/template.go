package query

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrTemplateMismatch is returned when a template and its substitution arguments disagree.
	ErrTemplateMismatch = errors.New("template mismatch")
	// ErrTemplateSyntax is returned for unbalanced braces or unsupported fields.
	ErrTemplateSyntax = errors.New("template syntax error")
)

// Arity of the two templates a Composer needs.
const (
	PerTableArity = 3 // source key, table name, tag
	FinalArity    = 1 // union body
)

type segment struct {
	literal string
	arg     int // -1 for a literal segment
}

// Template is a positional format string using {N} placeholders, {} for
// automatic numbering, and {{ / }} for literal braces.
type Template struct {
	text     string
	arity    int
	segments []segment
}

// ParseTemplate parses text and checks that every placeholder can be
// satisfied by exactly arity arguments.
func ParseTemplate(text string, arity int) (*Template, error) {
	t := &Template{text: text, arity: arity}

	var (
		lit      strings.Builder
		auto     int
		manual   bool
		numbered bool
	)
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String(), arg: -1})
			lit.Reset()
		}
	}

	for i := 0; i < len(text); i++ {
		c := text[i]
		switch c {
		case '{':
			if i+1 < len(text) && text[i+1] == '{' {
				lit.WriteByte('{')
				i++
				continue
			}
			end := strings.IndexByte(text[i+1:], '}')
			if end < 0 {
				return nil, errors.Wrapf(ErrTemplateSyntax, "unclosed '{' at offset %d", i)
			}
			field := text[i+1 : i+1+end]

			var idx int
			if field == "" {
				idx = auto
				auto++
				numbered = true
			} else {
				n, err := strconv.Atoi(field)
				if err != nil || n < 0 {
					return nil, errors.Wrapf(ErrTemplateSyntax, "unsupported field {%s} at offset %d", field, i)
				}
				idx = n
				manual = true
			}
			if manual && numbered {
				return nil, errors.Wrap(ErrTemplateSyntax, "cannot mix automatic {} and numbered {N} fields")
			}
			if idx >= arity {
				return nil, errors.Wrapf(ErrTemplateMismatch, "field {%d} needs %d arguments, template accepts %d", idx, idx+1, arity)
			}

			flush()
			t.segments = append(t.segments, segment{arg: idx})
			i += end + 1
		case '}':
			if i+1 < len(text) && text[i+1] == '}' {
				lit.WriteByte('}')
				i++
				continue
			}
			return nil, errors.Wrapf(ErrTemplateSyntax, "single '}' at offset %d", i)
		default:
			lit.WriteByte(c)
		}
	}
	flush()

	return t, nil
}

// MustParseTemplate is ParseTemplate for templates known at compile time.
func MustParseTemplate(text string, arity int) *Template {
	t, err := ParseTemplate(text, arity)
	if err != nil {
		panic(err)
	}
	return t
}

func (t *Template) Arity() int { return t.arity }

func (t *Template) String() string { return t.text }

// Render substitutes args into the template.
func (t *Template) Render(args ...string) (string, error) {
	if len(args) != t.arity {
		return "", errors.Wrapf(ErrTemplateMismatch, "template takes %d arguments, got %d", t.arity, len(args))
	}

	var b strings.Builder
	for _, s := range t.segments {
		if s.arg < 0 {
			b.WriteString(s.literal)
			continue
		}
		b.WriteString(args[s.arg])
	}
	return b.String(), nil
}
