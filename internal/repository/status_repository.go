package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type StatusRepository struct {
	db *sql.DB
}

func NewStatusRepository(db *sql.DB) *StatusRepository {
	return &StatusRepository{db: db}
}

// UpsertHeartbeat records that the named process is alive and serving.
func (r *StatusRepository) UpsertHeartbeat(ctx context.Context, name string, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO app_status (name, last_heartbeat) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET last_heartbeat = EXCLUDED.last_heartbeat`,
		name, at,
	)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	return nil
}

// StaleAfter reports names whose heartbeat is older than the cutoff.
func (r *StatusRepository) StaleAfter(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name FROM app_status WHERE last_heartbeat < $1 ORDER BY name`, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query stale processes: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}
