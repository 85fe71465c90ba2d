package querydef

import (
	"bytes"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/stanstork/bqrunner/internal/models"
	"github.com/stanstork/bqrunner/internal/query"
)

var ErrInvalidDefinition = errors.New("invalid query definition")

// File is the on-disk shape of a query definition.
type File struct {
	TableMatchRe string            `yaml:"table_match_re"`
	Schema       []models.Field    `yaml:"schema"`
	Template     string            `yaml:"template"`
	FinalSelect  string            `yaml:"final_select"`
	CopyColumns  string            `yaml:"copy_columns"`
	DatasetKeys  map[string]string `yaml:"dataset_keys"`
}

// Definition is a compiled query definition. Templates are arity-checked and
// the match pattern is validated, so nothing here can fail at run time for
// structural reasons.
type Definition struct {
	Matcher     *query.Matcher
	Template    *query.Template
	Final       *query.Template
	Schema      models.Schema
	Sources     models.SourceMap
	CopyColumns []string
}

func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read query definition %s", path)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "query definition %s", path)
	}
	return def, nil
}

func Parse(data []byte) (*Definition, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(ErrInvalidDefinition, err.Error())
	}
	return f.Compile()
}

func (f File) Compile() (*Definition, error) {
	if len(f.DatasetKeys) == 0 {
		return nil, errors.Wrap(ErrInvalidDefinition, "dataset_keys must list at least one source")
	}
	if len(f.Schema) == 0 {
		return nil, errors.Wrap(ErrInvalidDefinition, "schema must have at least one field")
	}

	matcher, err := query.NewMatcher(strings.TrimSpace(f.TableMatchRe))
	if err != nil {
		return nil, err
	}
	perTable, err := query.ParseTemplate(f.Template, query.PerTableArity)
	if err != nil {
		return nil, errors.Wrap(err, "template")
	}
	final, err := query.ParseTemplate(f.FinalSelect, query.FinalArity)
	if err != nil {
		return nil, errors.Wrap(err, "final_select")
	}

	schema, err := normalizeSchema(f.Schema)
	if err != nil {
		return nil, err
	}

	return &Definition{
		Matcher:     matcher,
		Template:    perTable,
		Final:       final,
		Schema:      schema,
		Sources:     models.SourceMap(f.DatasetKeys),
		CopyColumns: splitColumns(f.CopyColumns),
	}, nil
}

func normalizeSchema(fields []models.Field) (models.Schema, error) {
	out := make(models.Schema, 0, len(fields))
	for i, f := range fields {
		if f.Name == "" || f.Type == "" {
			return nil, errors.Wrapf(ErrInvalidDefinition, "schema field %d needs name and type", i)
		}
		f.Type = strings.ToUpper(f.Type)
		f.Mode = strings.ToUpper(f.Mode)
		if len(f.Fields) > 0 {
			nested, err := normalizeSchema(f.Fields)
			if err != nil {
				return nil, err
			}
			f.Fields = nested
		}
		out = append(out, f)
	}
	return out, nil
}

// splitColumns turns the comma-separated column list of a COPY statement into
// trimmed entries. Commas inside parentheses do not split.
func splitColumns(s string) []string {
	var (
		cols  []string
		depth int
		start int
	)
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				cols = appendColumn(cols, s[start:i])
				start = i + 1
			}
		}
	}
	return appendColumn(cols, s[start:])
}

func appendColumn(cols []string, raw string) []string {
	col := strings.Join(strings.Fields(raw), " ")
	if col == "" {
		return cols
	}
	return append(cols, col)
}
