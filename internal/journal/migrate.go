package journal

import (
	"context"
	"database/sql"
	"errors"

	"github.com/golang-migrate/migrate/v4"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql pgx driver for migrations

	dbmigrations "github.com/cascadefi/liqhunter/db/migrations"
	"github.com/cascadefi/liqhunter/errs"
	"github.com/cascadefi/liqhunter/internal/observability"
)

// Migrate applies the embedded SQL migrations to the database reachable via
// dsn. Applying an already-migrated database is a no-op.
func Migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return errs.New("journal/migrate", errs.CodeStorage,
			errs.WithMessage("open migrations connection"), errs.WithCause(err))
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			observability.Log().Warn("migrations connection close failed",
				observability.F("error", cerr.Error()))
		}
	}()

	if err := db.PingContext(ctx); err != nil {
		return errs.New("journal/migrate", errs.CodeStorage,
			errs.WithMessage("ping migrations database"), errs.WithCause(err))
	}

	driver, err := pgxv5.WithInstance(db, &pgxv5.Config{})
	if err != nil {
		return errs.New("journal/migrate", errs.CodeStorage,
			errs.WithMessage("initialise pgx v5 driver"), errs.WithCause(err))
	}
	source, err := iofs.New(dbmigrations.Files, ".")
	if err != nil {
		return errs.New("journal/migrate", errs.CodeStorage,
			errs.WithMessage("open embedded migrations"), errs.WithCause(err))
	}
	m, err := migrate.NewWithInstance("iofs", source, "pgx5", driver)
	if err != nil {
		return errs.New("journal/migrate", errs.CodeStorage,
			errs.WithMessage("initialise migrate instance"), errs.WithCause(err))
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			observability.Log().Info("journal schema up to date")
			return nil
		}
		return errs.New("journal/migrate", errs.CodeStorage,
			errs.WithMessage("apply migrations"), errs.WithCause(err))
	}
	observability.Log().Info("journal schema migrated")
	return nil
}
