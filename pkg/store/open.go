package store

import (
	"context"
	"log/slog"
)

// Open returns a PostgresStore when databaseURL is set and a JSONStore at
// path otherwise.
func Open(ctx context.Context, databaseURL, path string, logger *slog.Logger) (Store, error) {
	if databaseURL != "" {
		return NewPostgresStore(ctx, databaseURL, logger)
	}
	js, err := NewJSONStore(path)
	if err != nil {
		return nil, err
	}
	logger.Info("using json store", "path", path, "records", js.Count())
	return js, nil
}
