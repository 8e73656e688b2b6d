package busdb

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

func init() {
	migrate(up001, down001)
}

func up001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			time         INTEGER NOT NULL,
			kind         TEXT NOT NULL,
			client_id    TEXT NOT NULL,
			user_agent   TEXT NOT NULL DEFAULT '',
			peer_address TEXT NOT NULL DEFAULT ''
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create events table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `CREATE INDEX events_client_id_idx ON events(client_id, time)`); err != nil {
		return fmt.Errorf("create events index: %w", err)
	}
	return nil
}

func down001(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP INDEX events_client_id_idx`); err != nil {
		return fmt.Errorf("drop events_client_id_idx index: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DROP TABLE events`); err != nil {
		return fmt.Errorf("drop events table: %w", err)
	}
	return nil
}
