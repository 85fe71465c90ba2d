package query

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTemplate_Render(t *testing.T) {
	tests := []struct {
		name  string
		text  string
		arity int
		args  []string
		want  string
	}{
		{
			name:  "per-table",
			text:  "(SELECT '{2}' AS origin FROM [{0}.{1}])",
			arity: PerTableArity,
			args:  []string{"48212628", "ga_sessions_20230115", "DE"},
			want:  "(SELECT 'DE' AS origin FROM [48212628.ga_sessions_20230115])",
		},
		{
			name:  "repeated field",
			text:  "{0}-{0}",
			arity: 1,
			args:  []string{"a"},
			want:  "a-a",
		},
		{
			name:  "automatic numbering",
			text:  "{} {} {}",
			arity: 3,
			args:  []string{"a", "b", "c"},
			want:  "a b c",
		},
		{
			name:  "escaped braces",
			text:  "{{literal}} {0}",
			arity: 1,
			args:  []string{"x"},
			want:  "{literal} x",
		},
		{
			name:  "unused argument is allowed",
			text:  "SELECT 1",
			arity: 1,
			args:  []string{"ignored"},
			want:  "SELECT 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl, err := ParseTemplate(tt.text, tt.arity)
			require.NoError(t, err)

			got, err := tmpl.Render(tt.args...)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseTemplate_Mismatch(t *testing.T) {
	_, err := ParseTemplate("FROM [{0}.{1}] WHERE tag = '{3}'", PerTableArity)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateMismatch))
}

func TestParseTemplate_Syntax(t *testing.T) {
	for _, text := range []string{"{0", "0}", "{name}", "{0:>4}", "{} {1}"} {
		_, err := ParseTemplate(text, 3)
		require.Error(t, err, text)
		assert.True(t, errors.Is(err, ErrTemplateSyntax), text)
	}
}

func TestTemplate_RenderWrongArgCount(t *testing.T) {
	tmpl := MustParseTemplate("SELECT * FROM {0}", FinalArity)

	_, err := tmpl.Render("a", "b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateMismatch))
}
