package provision

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/stanstork/bqrunner/internal/models"
)

// ErrProvisionFailed wraps every failure to check, drop or create the destination.
var ErrProvisionFailed = errors.New("provision failed")

// Error records which step failed. It matches ErrProvisionFailed and unwraps
// to the catalog error.
type Error struct {
	Op    string
	Table models.TableRef
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrProvisionFailed, e.Op, e.Table, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrProvisionFailed }

type Status string

const (
	StatusCreated Status = "Created"
	StatusExists  Status = "Exists"
)

// Catalog is the table metadata surface the provisioner needs.
type Catalog interface {
	TableExists(ctx context.Context, table models.TableRef) (bool, error)
	CreateTable(ctx context.Context, table models.TableRef, schema models.Schema) error
	DropTable(ctx context.Context, table models.TableRef) error
}

type Provisioner struct {
	catalog Catalog
	logger  zerolog.Logger
}

func NewProvisioner(catalog Catalog, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		catalog: catalog,
		logger:  logger.With().Str("component", "provisioner").Logger(),
	}
}

// Ensure makes sure destination exists before a query targets it. With
// dropBefore set, an existing table is deleted first and recreated with schema.
func (p *Provisioner) Ensure(ctx context.Context, destination models.TableRef, schema models.Schema, dropBefore bool) (Status, error) {
	exists, err := p.catalog.TableExists(ctx, destination)
	if err != nil {
		return "", &Error{Op: "check", Table: destination, Err: err}
	}

	if exists && dropBefore {
		if err := p.catalog.DropTable(ctx, destination); err != nil {
			return "", &Error{Op: "drop", Table: destination, Err: err}
		}
		p.logger.Warn().Str("table", destination.String()).Msg("Dropped destination table")
		exists = false
	}

	if exists {
		return StatusExists, nil
	}

	if err := p.catalog.CreateTable(ctx, destination, schema); err != nil {
		return "", &Error{Op: "create", Table: destination, Err: err}
	}
	p.logger.Info().Str("table", destination.String()).Int("fields", len(schema)).Msg("Created destination table")
	return StatusCreated, nil
}
