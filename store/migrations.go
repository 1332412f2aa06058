package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func (l *Ledger) provider(d goose.Dialect) (*goose.Provider, error) {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	p, err := goose.NewProvider(d, l.db, fsys)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	return p, nil
}

func (l *Ledger) migrate(ctx context.Context, d goose.Dialect) error {
	p, err := l.provider(d)
	if err != nil {
		return err
	}
	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (l *Ledger) SchemaVersion(ctx context.Context) (int64, error) {
	d := goose.DialectSQLite3
	if l.dialect == dialectPostgres {
		d = goose.DialectPostgres
	}
	p, err := l.provider(d)
	if err != nil {
		return 0, err
	}
	return p.GetDBVersion(ctx)
}
