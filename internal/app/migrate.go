package app

import (
	"context"
	"errors"
	"path/filepath"
)

// Migrate applies the SQL migrations under database.migrations_path.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	if closeStore != nil {
		defer closeStore()
	}

	files, err := store.Migrate(ctx, a.Config.Database.MigrationsPath)
	if err != nil {
		return err
	}
	for _, f := range files {
		a.Logger.Info().Str("file", filepath.Base(f)).Msg("migration applied")
	}
	return nil
}
