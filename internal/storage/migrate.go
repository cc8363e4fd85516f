package storage

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pressly/goose/v3"

	logx "jobexec/pkg/logx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

func migrate(ctx context.Context, db *sql.DB, d dialect, log logx.Logger) error {
	sub, err := fs.Sub(migrationsFS, "migrations/"+d.name())
	if err != nil {
		return err
	}
	p, err := goose.NewProvider(d.goose(), db, sub)
	if err != nil {
		return err
	}
	results, err := p.Up(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		log.Info("migration applied", logx.String("dialect", d.name()), logx.Int64("version", r.Source.Version), logx.Duration("took", r.Duration))
	}
	return nil
}
