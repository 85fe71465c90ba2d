package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stanstork/bqrunner/internal/models"
)

type mockLister struct {
	mu     sync.Mutex
	tables map[string][]string
	errs   map[string]error
	calls  []string
	ListFn func(ctx context.Context, key string) ([]string, error)
}

func (m *mockLister) ListTables(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, key)
	m.mu.Unlock()
	if m.ListFn != nil {
		return m.ListFn(ctx, key)
	}
	if err := m.errs[key]; err != nil {
		return nil, err
	}
	return m.tables[key], nil
}

func newTestComposer(t *testing.T, lister TableLister, pattern string, opts ...Option) *Composer {
	t.Helper()
	m, err := NewMatcher(pattern)
	require.NoError(t, err)
	c, err := NewComposer(
		lister,
		m,
		MustParseTemplate("(SELECT '{2}' AS origin FROM [{0}.{1}])", PerTableArity),
		MustParseTemplate("SELECT * FROM {0};", FinalArity),
		zerolog.Nop(),
		opts...,
	)
	require.NoError(t, err)
	return c
}

func TestComposer_SourceWithoutMatchesAddsNoSeparator(t *testing.T) {
	lister := &mockLister{tables: map[string][]string{
		"A": {"ga_sessions_20230115", "ga_sessions_20230301"},
		"B": {"ga_sessions_20230301", "other_table"},
	}}
	c := newTestComposer(t, lister, sessionsPattern)

	comp, err := c.Compose(context.Background(), models.SourceMap{"A": "DE", "B": "FR"}, mustRange(t, "2023-01-15", "2023-01-15"))
	require.NoError(t, err)

	assert.Equal(t, "(SELECT 'DE' AS origin FROM [A.ga_sessions_20230115])", comp.Body)
	assert.Equal(t, "SELECT * FROM (SELECT 'DE' AS origin FROM [A.ga_sessions_20230115]);", comp.Query)
	assert.Equal(t, 1, strings.Count(comp.Body, "SELECT"))
	assert.NotContains(t, comp.Body, ",,")
	assert.False(t, strings.HasPrefix(comp.Body, ","))
	assert.False(t, strings.HasSuffix(comp.Body, ","))
	assert.Equal(t, 1, comp.TableCount())
	require.Len(t, comp.Sources, 1)
	assert.Equal(t, "A", comp.Sources[0].SourceKey)
}

func TestComposer_EndToEndDateWindow(t *testing.T) {
	lister := &mockLister{tables: map[string][]string{
		"Analytics": {"x_20230101", "x_20230102", "x_20230103"},
	}}
	c := newTestComposer(t, lister, `x_(?P<datenum>\d{8})`)

	comp, err := c.Compose(context.Background(), models.SourceMap{"Analytics": "DE"}, mustRange(t, "2023-01-01", "2023-01-02"))
	require.NoError(t, err)

	assert.Contains(t, comp.Query, "[Analytics.x_20230101]")
	assert.Contains(t, comp.Query, "[Analytics.x_20230102]")
	assert.NotContains(t, comp.Query, "x_20230103")
	assert.Equal(t,
		"(SELECT 'DE' AS origin FROM [Analytics.x_20230101]),(SELECT 'DE' AS origin FROM [Analytics.x_20230102])",
		comp.Body)
}

func TestComposer_DeterministicSourceOrder(t *testing.T) {
	tables := map[string][]string{
		"c": {"ga_sessions_20230115"},
		"a": {"ga_sessions_20230115"},
		"b": {"ga_sessions_20230115"},
	}
	sources := models.SourceMap{"c": "CZ", "a": "AT", "b": "BR"}
	r := mustRange(t, "2023-01-15", "2023-01-15")

	sequential := newTestComposer(t, &mockLister{tables: tables}, sessionsPattern)
	parallel := newTestComposer(t, &mockLister{tables: tables}, sessionsPattern, WithConcurrency(3))

	first, err := sequential.Compose(context.Background(), sources, r)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := parallel.Compose(context.Background(), sources, r)
		require.NoError(t, err)
		assert.Equal(t, first.Query, again.Query)
	}

	aIdx := strings.Index(first.Body, "[a.")
	bIdx := strings.Index(first.Body, "[b.")
	cIdx := strings.Index(first.Body, "[c.")
	assert.True(t, aIdx < bIdx && bIdx < cIdx, first.Body)
}

func TestComposer_NoMatchesWrapsEmptyBody(t *testing.T) {
	lister := &mockLister{tables: map[string][]string{"A": {"unrelated"}}}
	c := newTestComposer(t, lister, sessionsPattern)

	comp, err := c.Compose(context.Background(), models.SourceMap{"A": "DE"}, mustRange(t, "2023-01-15", "2023-01-15"))
	require.NoError(t, err)

	assert.True(t, comp.Empty())
	assert.Equal(t, "SELECT * FROM ;", comp.Query)
	assert.Zero(t, comp.TableCount())
}

func TestComposer_CatalogErrorPropagates(t *testing.T) {
	boom := fmt.Errorf("quota exceeded")
	lister := &mockLister{
		tables: map[string][]string{"A": {"ga_sessions_20230115"}},
		errs:   map[string]error{"B": boom},
	}

	for _, n := range []int{1, 4} {
		c := newTestComposer(t, lister, sessionsPattern, WithConcurrency(n))
		_, err := c.Compose(context.Background(), models.SourceMap{"A": "DE", "B": "FR"}, mustRange(t, "2023-01-15", "2023-01-15"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, boom))
	}
}

func TestNewComposer_RejectsWrongArity(t *testing.T) {
	m, err := NewMatcher(sessionsPattern)
	require.NoError(t, err)

	_, err = NewComposer(&mockLister{}, m,
		MustParseTemplate("{0}.{1}", 2),
		MustParseTemplate("{0}", FinalArity),
		zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateMismatch))

	_, err = NewComposer(&mockLister{}, m,
		MustParseTemplate("{0}.{1} {2}", PerTableArity),
		MustParseTemplate("{0} {1}", 2),
		zerolog.Nop())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateMismatch))
}
