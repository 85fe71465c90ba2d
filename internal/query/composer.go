package query

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stanstork/bqrunner/internal/daterange"
	"github.com/stanstork/bqrunner/internal/models"
)

// TableLister returns every table currently present in a source dataset,
// following pagination until exhausted.
type TableLister interface {
	ListTables(ctx context.Context, sourceKey string) ([]string, error)
}

// SourceTables records which tables of one source made it into the union.
type SourceTables struct {
	SourceKey string   `json:"source_key"`
	Tag       string   `json:"tag"`
	Tables    []string `json:"tables"`
}

// Composition is the result of composing one aggregate query.
type Composition struct {
	Query   string
	Body    string
	Sources []SourceTables
}

func (c *Composition) TableCount() int {
	n := 0
	for _, s := range c.Sources {
		n += len(s.Tables)
	}
	return n
}

// Empty reports whether no table matched across all sources.
func (c *Composition) Empty() bool { return c.Body == "" }

type Option func(*Composer)

// WithConcurrency lists up to n sources in parallel. Union order stays sorted
// by source key regardless.
func WithConcurrency(n int) Option {
	return func(c *Composer) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// Composer builds the union query out of per-table sub-queries.
type Composer struct {
	catalog     TableLister
	matcher     *Matcher
	perTable    *Template
	final       *Template
	concurrency int
	logger      zerolog.Logger
}

func NewComposer(catalog TableLister, matcher *Matcher, perTable, final *Template, logger zerolog.Logger, opts ...Option) (*Composer, error) {
	if perTable.Arity() != PerTableArity {
		return nil, errors.Wrapf(ErrTemplateMismatch, "per-table template must take %d arguments, takes %d", PerTableArity, perTable.Arity())
	}
	if final.Arity() != FinalArity {
		return nil, errors.Wrapf(ErrTemplateMismatch, "final template must take %d argument, takes %d", FinalArity, final.Arity())
	}

	c := &Composer{
		catalog:     catalog,
		matcher:     matcher,
		perTable:    perTable,
		final:       final,
		concurrency: 1,
		logger:      logger.With().Str("component", "composer").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Compose lists every source's tables, keeps those matching the date range,
// renders one sub-query per table and wraps the comma-joined union in the
// final template. It never submits anything.
func (c *Composer) Compose(ctx context.Context, sources models.SourceMap, r daterange.Range) (*Composition, error) {
	keys := sources.Keys()

	listed, err := c.discover(ctx, keys)
	if err != nil {
		return nil, err
	}

	comp := &Composition{}
	var blocks []string
	for i, key := range keys {
		tag := sources[key]

		var (
			subs    []string
			matched []string
		)
		for _, table := range listed[i] {
			if !c.matcher.Matches(table, r) {
				continue
			}
			sub, err := c.perTable.Render(key, table, tag)
			if err != nil {
				return nil, errors.Wrapf(err, "render sub-query for %s.%s", key, table)
			}
			if sub == "" {
				continue
			}
			subs = append(subs, sub)
			matched = append(matched, table)
		}

		joined := strings.Join(subs, ",")
		if joined == "" {
			c.logger.Debug().Str("source", key).Int("listed", len(listed[i])).Msg("no matching tables")
			continue
		}
		c.logger.Debug().Str("source", key).Str("tag", tag).Int("matched", len(matched)).Msg("source contributes to union")
		blocks = append(blocks, joined)
		comp.Sources = append(comp.Sources, SourceTables{SourceKey: key, Tag: tag, Tables: matched})
	}

	comp.Body = strings.Join(blocks, ",")
	comp.Query, err = c.final.Render(comp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "render final query")
	}
	return comp, nil
}

func (c *Composer) discover(ctx context.Context, keys []string) ([][]string, error) {
	listed := make([][]string, len(keys))

	if c.concurrency <= 1 {
		for i, key := range keys {
			tables, err := c.catalog.ListTables(ctx, key)
			if err != nil {
				return nil, errors.Wrapf(err, "list tables in %s", key)
			}
			listed[i] = tables
		}
		return listed, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, key := range keys {
		g.Go(func() error {
			tables, err := c.catalog.ListTables(gctx, key)
			if err != nil {
				return errors.Wrapf(err, "list tables in %s", key)
			}
			listed[i] = tables
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return listed, nil
}
